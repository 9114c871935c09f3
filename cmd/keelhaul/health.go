package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/internal/health"
)

func healthCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running agent's health endpoint",
		Long: "Probe a running agent's gRPC health endpoint. Exits non-zero unless\n" +
			"the agent reports SERVING, which makes it usable as a container HEALTHCHECK.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Health.Listen
			}
			if addr == "" {
				return errors.New("no health endpoint; pass --addr or set health.listen")
			}

			timeout := a.cfg.CallTimeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := health.Check(ctx, addr)
			if err != nil {
				return err
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("agent at %s is %s", addr, status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("agent at %s is %s", addr, status))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Health endpoint (defaults to health.listen)")
	return cmd
}
