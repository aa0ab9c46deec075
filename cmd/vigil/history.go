package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/vigil/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history [execution-id]",
	Short: "List finished executions or show the steps of one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs that finished before the retention window",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyPruneCmd)
	historyCmd.Flags().String("status", "", "Only list runs with this status")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	historyPruneCmd.Flags().Duration("older-than", 0, "Retention window (default from config)")
}

func openHistoryFromFlags(cmd *cobra.Command) (*history.Store, time.Duration, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.History.Enabled {
		return nil, 0, fmt.Errorf("history is disabled in the configuration")
	}
	store, err := openHistory(cfg)
	if err != nil {
		return nil, 0, err
	}
	return store, cfg.Retention(), nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, _, err := openHistoryFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		run, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		steps, err := store.Steps(ctx, run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Execution:\t%s\n", run.ID)
		fmt.Fprintf(w, "Driver:\t%s\n", run.Driver)
		fmt.Fprintf(w, "Status:\t%s (%s)\n", run.Status, run.Reason)
		fmt.Fprintf(w, "Steps:\t%d/%d\n", run.StepsCompleted, run.StepBudget)
		if run.Error != "" {
			fmt.Fprintf(w, "Error:\t%s\n", run.Error)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "STEP\tSTATUS\tACTION\tDURATION\tERROR")
		for _, s := range steps {
			fmt.Fprintf(w, "%d\t%s\t%s\t%dms\t%s\n", s.StepNumber, s.Status, s.ActionType, s.DurationMS, s.ErrorMessage)
		}
		return nil
	}

	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.List(ctx, history.ListFilter{Status: status, Limit: limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No executions recorded")
		return nil
	}
	fmt.Fprintln(w, "ID\tDRIVER\tSTATUS\tREASON\tSTEPS\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.Driver, r.Status, r.Reason, r.StepsCompleted, r.StepBudget, r.StartedAt.Local().Format(time.DateTime))
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, retention, err := openHistoryFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if olderThan, _ := cmd.Flags().GetDuration("older-than"); olderThan > 0 {
		retention = olderThan
	}
	removed, err := store.DeleteFinishedBefore(context.Background(), time.Now().Add(-retention))
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d run(s) finished more than %s ago\n", removed, retention)
	return nil
}
