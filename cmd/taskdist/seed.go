package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskdist/internal/app"
	"taskdist/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Load templates and rules from a YAML or JSON file",
	Long:  `Validates every template in the file first; nothing is written when any of them is invalid. Unchanged templates keep their revision.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		res, err := seed.LoadFile(cmd.Context(), a.Store(), args[0], a.Log())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		fmt.Printf("created=%d updated=%d unchanged=%d\n", res.Created, res.Updated, res.Unchanged)
		return nil
	})
}
