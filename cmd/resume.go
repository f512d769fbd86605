package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/model"
)

var resumeRebuild bool

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run",
	Long:  "Picks up a run's unfinished items. With --rebuild, failed and cancelled items are restarted from decomposition.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, items, err := env.Tracker.Resume(ctx, args[0], resumeRebuild)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			zap.L().Info("nothing to resume", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
			return nil
		}

		opts := run.Options
		opts.Rebuild = opts.Rebuild || resumeRebuild

		p, err := env.newPipeline(opts)
		if err != nil {
			return err
		}

		// A terminal run re-enters running before its items restart.
		if run.Status.Terminal() {
			if err := env.Tracker.SetRunStatus(ctx, run.ID, run.Status, model.RunStatusRunning); err != nil {
				return err
			}
			run.Status = model.RunStatusRunning
		}

		final, err := p.Execute(ctx, run, items)
		if err != nil {
			return err
		}
		zap.L().Info("resume finished", zap.String("run_id", run.ID), zap.String("status", string(final)))
		return nil
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeRebuild, "rebuild", false, "restart failed and cancelled items")
	rootCmd.AddCommand(resumeCmd)
}
