package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexcodex/goalloop/app/runtime"
)

func newCapabilitiesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List the executors the engine may assign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), runtime.Deps{})
			if err != nil {
				return err
			}
			defer rt.Close()
			views, err := rt.ListCapabilities()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), views)
			}
			for _, view := range views {
				if view.Reserved != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s only)\n", view.Executor, view.Reserved)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), view.Executor)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
