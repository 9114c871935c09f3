package main

import (
	"github.com/spf13/cobra"

	"keelhaul/internal/agent"
	"keelhaul/internal/buildinfo"
)

func runCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ag, err := agent.New(cmd.Context(), a.cfg, agent.Options{
				Version: buildinfo.Version,
				Commit:  buildinfo.Commit,
			})
			if err != nil {
				return err
			}
			defer ag.Close()
			return ag.Run(cmd.Context())
		},
	}
	loopFlags(cmd)
	cmd.Flags().Bool("dry-run", false, "Resolve and report drift but never update services")
	cmd.Flags().String("metrics.listen", "", "Prometheus listen address (empty disables)")
	cmd.Flags().String("health.listen", "", "gRPC health listen address (unix:///path or host:port)")
	return cmd
}
