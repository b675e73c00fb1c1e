package main

import (
	"fmt"
	"strings"

	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/runs"
	"github.com/spf13/cobra"
)

func newImportEventsCmd() *cobra.Command {
	var mode, date string
	cmd := &cobra.Command{
		Use:   "import-events",
		Short: "Copy warehouse events into the relational store",
		Long: `Deletes the target range, fetches the warehouse rows, adds columns for new
event parameters and inserts the flattened events.

  --mode full            replace every event
  --mode date --date D   replace events of day D (YYYY-MM-DD)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := models.ParseImportMode(mode)
			if err != nil {
				return err
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			im, err := a.Importer(cmd.Context())
			if err != nil {
				return err
			}
			run, err := im.Run(cmd.Context(), m, date)
			if run != nil {
				printRun(cmd, run)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "date", "full or date")
	cmd.Flags().StringVar(&date, "date", "", "day to import, YYYY-MM-DD (mode date)")
	return cmd
}

func newWatchImportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch-imports",
		Short: "Stream import state changes published by other processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			rc, err := a.Redis(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "watching imports, Ctrl+C to stop")
			err = runs.Watch(cmd.Context(), rc, a.Logger, func(run *models.ImportRun) {
				printRun(cmd, run)
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}

func printRun(cmd *cobra.Command, run *models.ImportRun) {
	w := cmd.OutOrStdout()
	line := fmt.Sprintf("%s %-8s %-11s records=%d", run.ID, run.Mode, run.State, run.Records)
	if run.Date != "" {
		line += " date=" + run.Date
	}
	if len(run.NewKeys) > 0 {
		line += " new_keys=" + strings.Join(run.NewKeys, ",")
	}
	if run.Error != "" {
		line += " error=" + run.Error
	}
	fmt.Fprintln(w, line)
}
