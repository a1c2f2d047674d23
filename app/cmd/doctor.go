package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexcodex/goalloop/app/runtime"
)

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured model endpoint is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := runtime.ProbeModel(cmd.Context(), globalCfg.Model, nil)
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "workspace: %s\n", globalCfg.Workspace)
				fmt.Fprintf(out, "config:    %s\n", globalCfg.ConfigPath)
				fmt.Fprintf(out, "store:     %s (%s)\n", globalCfg.Store.Path, globalCfg.Store.Driver)
				fmt.Fprintf(out, "endpoint:  %s healthy=%t\n", report.Endpoint, report.Healthy)
				fmt.Fprintf(out, "model:     %s available=%t\n", report.SelectedModel, report.Available)
				if report.Error != "" {
					fmt.Fprintf(out, "error:     %s\n", report.Error)
				}
			}
			if !report.Healthy || !report.Available {
				return errors.New("model not ready")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
