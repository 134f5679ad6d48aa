package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskdist/internal/app"
	"taskdist/internal/distribution"
)

var runNowCmd = &cobra.Command{
	Use:   "run-now [template-id]",
	Short: "Run distribution for one template immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunNow,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one tick over every active template",
	Args:  cobra.NoArgs,
	RunE:  runTick,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show halted pairs and the latest run",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runRunNow(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		rep, err := a.Distribution().RunDistributionNow(cmd.Context(), args[0])
		if perr := printReport(rep); perr != nil {
			return perr
		}
		return err
	})
}

func runTick(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		rep, err := a.Distribution().Tick(cmd.Context())
		if perr := printReport(rep); perr != nil {
			return perr
		}
		return err
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		snap, err := a.Distribution().Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(snap)
		}
		if len(snap.Halted) == 0 {
			fmt.Println("No halted rules")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TEMPLATE\tRULE\tREVISION\tSINCE\tREASON")
		for _, h := range snap.Halted {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", h.TemplateID, dash(h.RuleID), h.Revision, h.At.Format("2006-01-02 15:04"), h.Reason)
		}
		return w.Flush()
	})
}

func printReport(rep distribution.Report) error {
	if asJSON {
		return printJSON(rep)
	}
	c := rep.Counts
	fmt.Printf("templates=%d emitted=%d tasks=%d duplicate=%d expired=%d skipped_empty=%d retry_pending=%d halted=%d\n",
		rep.Templates, c.Emitted, c.Tasks, c.Duplicate, c.Expired, c.SkippedEmpty, c.RetryPending, c.Halted)
	if len(rep.Pairs) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TEMPLATE\tRULE\tEMITTED\tTASKS\tEXPIRED\tWARNINGS\tERROR")
		for _, p := range rep.Pairs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", p.TemplateID, dash(p.RuleID), p.Counts.Emitted, p.Counts.Tasks, p.Counts.Expired, len(p.Warnings), p.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(rep.Errors) > 0 {
		fmt.Println("errors:", strings.Join(rep.Errors, "; "))
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
