package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/model"
)

var runFlags struct {
	clientID    string
	expenseID   string
	rebuild     bool
	concurrency int
	preset      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an extraction run for one expense",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runFlags.clientID == "" || runFlags.expenseID == "" {
			return eris.New("--client and --expense are required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := model.RunOptions{
			Rebuild:       runFlags.rebuild,
			Concurrency:   runFlags.concurrency,
			BackendPreset: runFlags.preset,
		}

		p, err := env.newPipeline(opts)
		if err != nil {
			return err
		}

		run, items, err := env.Tracker.StartRun(ctx, env.ERP, runFlags.clientID, runFlags.expenseID, opts)
		if err != nil {
			return err
		}

		final, err := p.Execute(ctx, run, items)
		if err != nil {
			return err
		}

		snap, err := env.Tracker.GetRunStatus(ctx, run.ID, false)
		if err != nil {
			return err
		}
		if err := json.NewEncoder(os.Stdout).Encode(snap); err != nil {
			return eris.Wrap(err, "encode run snapshot")
		}

		zap.L().Info("run finished", zap.String("run_id", run.ID), zap.String("status", string(final)))
		if final == model.RunStatusFailed {
			return eris.Errorf("run %s failed", run.ID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.clientID, "client", "", "ERP client ID (required)")
	runCmd.Flags().StringVar(&runFlags.expenseID, "expense", "", "ERP expense ID (required)")
	runCmd.Flags().BoolVar(&runFlags.rebuild, "rebuild", false, "restart failed items from decomposition")
	runCmd.Flags().IntVar(&runFlags.concurrency, "concurrency", 0, "cap on in-flight backend calls (default from config)")
	runCmd.Flags().StringVar(&runFlags.preset, "preset", "", "backend preset name")
	rootCmd.AddCommand(runCmd)
}
