package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/segment-cli/internal/monitoring"
	"github.com/sells-group/segment-cli/internal/task"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll for pending tasks and run them one at a time",
	Long:  "Claims pending clustering tasks, runs them to a terminal state, and periodically fails tasks that exceeded the run timeout.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		w := task.NewWorker(st, task.NewRunner(st, cfg.Analysis), cfg.Worker)
		reaper := monitoring.NewReaper(st, cfg.Worker)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			reaper.Run(gctx)
			return nil
		})
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})

		zap.L().Info("worker started")
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
