package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskdist/internal/app"
	"taskdist/internal/distribution"
)

var previewCmd = &cobra.Command{
	Use:   "preview [template-id]",
	Short: "List upcoming occurrences without writing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var (
	previewHorizon   time.Duration
	previewAssignees bool
)

func init() {
	previewCmd.Flags().DurationVar(&previewHorizon, "horizon", 7*24*time.Hour, "how far ahead to look")
	previewCmd.Flags().BoolVar(&previewAssignees, "assignees", false, "resolve scope and simulate assignment")
}

func runPreview(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		pv, err := a.Distribution().PreviewOccurrences(cmd.Context(), args[0], previewHorizon,
			distribution.PreviewOptions{WithAssignees: previewAssignees})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(pv)
		}
		if len(pv.Items) == 0 {
			fmt.Println("No occurrences in horizon")
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PERIOD\tRULE\tRUN AT\tDUE AT\tSTATE\tASSIGNEES")
			for _, it := range pv.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", it.Key.PeriodKey, dash(it.Key.RuleID),
					it.RunAt.Format("2006-01-02 15:04"), it.DueAt.Format("2006-01-02 15:04"), it.State,
					dash(strings.Join(it.Assignees, ",")))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		for _, p := range pv.Problems {
			fmt.Printf("skipped %s/%s: %s\n", p.TemplateID, dash(p.RuleID), p.Error)
		}
		return nil
	})
}
