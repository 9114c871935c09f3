package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/config"
	"keelhaul/internal/agent"
	"keelhaul/internal/buildinfo"
	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

func checkCmd(a *app) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one reconciliation pass and print the outcome per service",
		Long: "Run one reconciliation pass. Without --apply nothing is updated:\n" +
			"services whose tag moved are reported as skipped (dry_run).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			cfg.DryRun = !apply
			// One-shot passes are not recorded and never notify.
			cfg.History.Path = ""
			cfg.Notify.Telegram = config.Telegram{}

			ag, err := agent.New(cmd.Context(), &cfg, agent.Options{
				Version: buildinfo.Version,
				Commit:  buildinfo.Commit,
			})
			if err != nil {
				return err
			}
			defer ag.Close()

			summary, err := ag.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			if summary.ListErr != nil {
				return summary.ListErr
			}
			if summary.Errored > 0 {
				return fmt.Errorf("%d of %d services failed", summary.Errored, summary.Checked)
			}
			return nil
		},
	}
	loopFlags(cmd)
	cmd.Flags().BoolVar(&apply, "apply", false, "Update services whose digest moved")
	return cmd
}

func printSummary(w io.Writer, s reconcile.Summary) {
	if s.ListErr != nil {
		fmt.Fprintln(w, ui.ErrorMsg("could not list services: %v", s.ListErr))
		return
	}

	results := slices.Clone(s.Results)
	slices.SortFunc(results, func(x, y reconcile.Result) int { return strings.Compare(x.ServiceName, y.ServiceName) })

	if len(results) > 0 {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, []string{r.ServiceName, displayImage(r.Image), outcomeCell(r.Outcome), r.Detail()})
		}
		fmt.Fprintln(w, ui.Table([]string{"SERVICE", "IMAGE", "OUTCOME", "DETAIL"}, rows))
	}
	for _, warn := range s.Warnings {
		fmt.Fprintln(w, ui.WarnMsg("%s ignored: %v", warn.ServiceName, warn.Err))
	}

	mode := ""
	if s.DryRun {
		mode = ui.Muted(" (dry run)")
	}
	fmt.Fprintln(w, ui.InfoMsg("%d listed, %d checked: %d unchanged, %d updated, %d skipped, %d errors; %d ignored, %d deferred%s",
		s.Listed, s.Checked, s.Unchanged, s.Updated, s.Skipped, s.Errored, s.Ignored, s.Deferred, mode))
}

func outcomeCell(o reconcile.Outcome) string {
	switch o {
	case reconcile.OutcomeUpdated:
		return ui.Status(o.String(), ui.ToneGood)
	case reconcile.OutcomeSkipped:
		return ui.Status(o.String(), ui.ToneWarn)
	case reconcile.OutcomeError:
		return ui.Status(o.String(), ui.ToneBad)
	default:
		return ui.Status(o.String(), ui.ToneNeutral)
	}
}

// displayImage shortens a service image to its familiar form without the
// pinned digest.
func displayImage(s string) string {
	ref, err := image.Parse(s)
	if err != nil {
		return s
	}
	return ref.WithoutDigest().Familiar()
}
