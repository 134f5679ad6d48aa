package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskdist/internal/app"
)

var completeCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Mark a task completed and advance its group",
	Args:  cobra.ExactArgs(1),
	RunE:  runComplete,
}

var completeUser string

func init() {
	completeCmd.Flags().StringVar(&completeUser, "user", "", "user completing the task (required for shared group tasks)")
}

func runComplete(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		t, err := a.Distribution().Complete(cmd.Context(), args[0], completeUser)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(t)
		}
		fmt.Printf("Completed task %s (%s)\n", t.ID, t.Status)
		if t.GroupID != "" {
			g, err := a.Store().GetGroup(cmd.Context(), t.GroupID)
			if err != nil {
				return err
			}
			fmt.Printf("Group %s: %d/%d %s\n", g.ID, g.CompletedCount, g.RequiredCount, g.Status)
		}
		return nil
	})
}
