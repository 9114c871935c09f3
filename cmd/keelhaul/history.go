package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/internal/adapter/sqlite"
	"keelhaul/internal/reconcile"
)

func historyCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [pass-id]",
		Short: "Show recent passes, or the results of one pass",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.History.Path == "" {
				return errors.New("pass history is disabled; set history.path")
			}
			h, err := sqlite.Open(a.cfg.History.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			if len(args) == 1 {
				results, err := h.PassResults(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			}

			passes, err := h.RecentPasses(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printPasses(cmd.OutOrStdout(), passes)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of passes to show")
	return cmd
}

func printPasses(w io.Writer, passes []sqlite.PassRecord) {
	if len(passes) == 0 {
		fmt.Fprintln(w, ui.InfoMsg("no passes recorded yet"))
		return
	}
	rows := make([][]string, 0, len(passes))
	for _, p := range passes {
		result := ui.Status("ok", ui.ToneGood)
		switch {
		case p.ListError != "":
			result = ui.Status("list failed", ui.ToneBad)
		case p.Errored > 0:
			result = ui.Status("errors", ui.ToneWarn)
		}
		mode := ""
		if p.DryRun {
			mode = "dry run"
		}
		rows = append(rows, []string{
			p.ID[:min(8, len(p.ID))],
			p.StartedAt.Local().Format(time.DateTime),
			p.Duration().Round(time.Millisecond).String(),
			result,
			strconv.Itoa(p.Checked),
			strconv.Itoa(p.Updated),
			strconv.Itoa(p.Errored),
			mode,
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"PASS", "STARTED", "TOOK", "RESULT", "CHECKED", "UPDATED", "ERRORS", "MODE"}, rows))
}

func printResults(w io.Writer, results []sqlite.ResultRecord) {
	if len(results) == 0 {
		fmt.Fprintln(w, ui.InfoMsg("the pass checked no services"))
		return
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		o, _ := reconcile.ParseOutcome(r.Outcome)
		rows = append(rows, []string{r.ServiceName, displayImage(r.Image), outcomeCell(o), r.Detail})
	}
	fmt.Fprintln(w, ui.Table([]string{"SERVICE", "IMAGE", "OUTCOME", "DETAIL"}, rows))
}
