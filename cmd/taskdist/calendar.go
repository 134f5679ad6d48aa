package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskdist/internal/app"
	"taskdist/internal/calendar"
)

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Per-day counts of materialized and upcoming tasks",
	Args:  cobra.NoArgs,
	RunE:  runCalendar,
}

var (
	calFrom      string
	calTo        string
	calTypes     []string
	calTemplates []string
	calAssignee  string
)

func init() {
	calendarCmd.Flags().StringVar(&calFrom, "from", "", "first day, YYYY-MM-DD (default today)")
	calendarCmd.Flags().StringVar(&calTo, "to", "", "day after the last day, YYYY-MM-DD (default from+7d)")
	calendarCmd.Flags().StringSliceVar(&calTypes, "type", nil, "filter by task type")
	calendarCmd.Flags().StringSliceVar(&calTemplates, "template", nil, "filter by template id")
	calendarCmd.Flags().StringVar(&calAssignee, "assignee", "", "count only this user's tasks (drops previews)")
}

func runCalendar(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		loc := a.Distribution().Location()
		r, err := parseRange(calFrom, calTo, loc, time.Now())
		if err != nil {
			return err
		}
		sum, err := a.Calendar().Summary(cmd.Context(), r, calendar.Filters{
			TemplateIDs: calTemplates,
			TaskTypes:   calTypes,
			AssigneeID:  calAssignee,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(sum)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tTASKS\tLATE\tUPCOMING\tBY TYPE")
		for _, d := range sum.Days {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", d.Date, d.Materialized.Total, d.Materialized.Late, d.Preview.Total, byType(d))
		}
		return w.Flush()
	})
}

func parseRange(from, to string, loc *time.Location, now time.Time) (calendar.Range, error) {
	var r calendar.Range
	if from == "" {
		n := now.In(loc)
		r.From = time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	} else {
		t, err := time.ParseInLocation("2006-01-02", from, loc)
		if err != nil {
			return r, fmt.Errorf("--from: %w", err)
		}
		r.From = t
	}
	if to == "" {
		r.To = r.From.AddDate(0, 0, 7)
	} else {
		t, err := time.ParseInLocation("2006-01-02", to, loc)
		if err != nil {
			return r, fmt.Errorf("--to: %w", err)
		}
		r.To = t
	}
	return r, nil
}

// byType renders "type=materialized+preview" pairs in name order.
func byType(d calendar.Day) string {
	names := map[string]bool{}
	for k := range d.Materialized.ByType {
		names[k] = true
	}
	for k := range d.Preview.ByType {
		names[k] = true
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d+%d", k, d.Materialized.ByType[k], d.Preview.ByType[k]))
	}
	return dash(strings.Join(parts, " "))
}
