package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/internal/adapter/docker"
	"keelhaul/internal/agent"
	"keelhaul/internal/doctor"
	"keelhaul/internal/policy"
)

func doctorCmd(a *app) *cobra.Command {
	var (
		ntpServer string
		skipClock bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the engine, swarm role, credentials and clock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := agent.DockerClient(a.cfg.Docker)
			if err != nil {
				return err
			}
			defer cli.Close()

			creds, err := agent.Credentials(a.cfg.Registry)
			if err != nil {
				return err
			}
			orch, err := docker.NewOrchestrator(cli, a.cfg.Docker.Filters, creds)
			if err != nil {
				return err
			}

			d := &doctor.Doctor{
				Ping: func(ctx context.Context) error {
					_, err := cli.Ping(ctx)
					return err
				},
				Swarm:        func(ctx context.Context) (docker.SwarmStatus, error) { return docker.InspectSwarm(ctx, cli) },
				Orchestrator: orch,
				Filter:       policy.NewFilter(policy.KeysWithPrefix(a.cfg.Policy.LabelPrefix), a.cfg.Policy.DefaultEnabled, a.cfg.Docker.Exclude),
				Credentials:  creds,
				DataDir:      a.cfg.DataDir,
				NTPServer:    ntpServer,
				SkipClock:    skipClock,
				Timeout:      a.cfg.CallTimeout,
			}

			findings := d.Run(cmd.Context())
			printFindings(cmd.OutOrStdout(), engineLabel(cli), findings)
			if doctor.Failed(findings) {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ntpServer, "ntp-server", doctor.DefaultNTPServer, "NTP server for the clock check")
	cmd.Flags().BoolVar(&skipClock, "skip-clock", false, "Skip the NTP clock check")
	return cmd
}

func engineLabel(cli *client.Client) string {
	return cli.DaemonHost()
}

func printFindings(w io.Writer, host string, findings []doctor.Finding) {
	fmt.Fprint(w, ui.KeyValues("", ui.KV("engine", ui.Accent(host))))
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, []string{f.Component, findingStatus(f.Status), f.Detail})
	}
	fmt.Fprintln(w, ui.Table([]string{"CHECK", "STATUS", "DETAIL"}, rows))

	for _, f := range findings {
		if f.Status == doctor.StatusFail && f.Fix != "" {
			fmt.Fprintln(w, ui.ErrorMsg("%s: %s", f.Component, f.Fix))
		}
	}
}

func findingStatus(s doctor.Status) string {
	switch s {
	case doctor.StatusPass:
		return ui.Status(s.String(), ui.ToneGood)
	case doctor.StatusWarn:
		return ui.Status(s.String(), ui.ToneWarn)
	case doctor.StatusFail:
		return ui.Status(s.String(), ui.ToneBad)
	default:
		return ui.Status(s.String(), ui.ToneNeutral)
	}
}
