package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/internal/buildinfo"
)

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.WarnMsg("%v", err))
			}
			return nil
		},
	}
	loopFlags(cmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			commit := buildinfo.Commit
			if commit == "" {
				commit = ui.Muted("unknown")
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("",
				ui.KV("version", ui.Accent(buildinfo.Version)),
				ui.KV("commit", commit),
			))
			return nil
		},
	}
}
