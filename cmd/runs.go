package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/store"
)

var runsFlags struct {
	status    string
	clientID  string
	expenseID string
	limit     int
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List extraction runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:    model.RunStatus(runsFlags.status),
			ClientID:  runsFlags.clientID,
			ExpenseID: runsFlags.expenseID,
			Limit:     runsFlags.limit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	},
}

var statusFlags struct {
	transitions bool
	itemID      string
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if statusFlags.itemID != "" {
			item, err := st.GetItem(ctx, args[0], statusFlags.itemID)
			if err != nil {
				return err
			}
			return enc.Encode(item)
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		items, err := st.ListItems(ctx, args[0])
		if err != nil {
			return err
		}

		out := map[string]any{"run": run, "items": items}
		if statusFlags.transitions {
			transitions, err := st.ListTransitions(ctx, args[0])
			if err != nil {
				return err
			}
			out["transitions"] = transitions
		}
		return enc.Encode(out)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsFlags.status, "status", "", "filter by run status")
	runsCmd.Flags().StringVar(&runsFlags.clientID, "client", "", "filter by client ID")
	runsCmd.Flags().StringVar(&runsFlags.expenseID, "expense", "", "filter by expense ID")
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", 20, "maximum runs to list")
	rootCmd.AddCommand(runsCmd)

	statusCmd.Flags().BoolVar(&statusFlags.transitions, "transitions", false, "include the transition log")
	statusCmd.Flags().StringVar(&statusFlags.itemID, "item", "", "show one item instead of the whole run")
	rootCmd.AddCommand(statusCmd)
}
