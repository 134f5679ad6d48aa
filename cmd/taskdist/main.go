package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskdist/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "taskdist",
	Short: "Recurring task distribution engine",
	Long: `taskdist turns recurring task templates into assigned tasks. It computes
due occurrences, resolves scopes into assignees and emits each occurrence
exactly once.`,
	SilenceUsage: true,
}

var (
	cfgPath string
	asJSON  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(serveCmd, runNowCmd, tickCmd, statusCmd, previewCmd, calendarCmd, seedCmd, completeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// withApp builds the app for a one-shot command and releases it afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
