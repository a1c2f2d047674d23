// Package cmd implements the goalloop command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexcodex/goalloop/app/runtime"
)

var (
	cfgFile   string
	workspace string

	globalCfg runtime.Config
)

// Execute is the entry point for the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd wires the cobra tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "goalloop",
		Short:         "Iterative goal engine: think, plan, execute, critique, decide",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ws := ensureWorkspace()
			if cfgFile == "" {
				cfgFile = runtime.DefaultConfigPath(ws)
			}
			cfg, err := runtime.LoadConfig(ws, cfgFile)
			if err != nil {
				return err
			}
			globalCfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "Workspace directory")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to goalloop config file")

	root.AddCommand(
		newRunCmd(),
		newRunsCmd(),
		newCapabilitiesCmd(),
		newConfigCmd(),
		newServeCmd(),
		newDoctorCmd(),
	)
	return root
}
