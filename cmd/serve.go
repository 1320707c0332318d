package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/segment-cli/internal/api"
	"github.com/sells-group/segment-cli/internal/monitoring"
	"github.com/sells-group/segment-cli/internal/task"
)

var (
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP task API",
	Long:  "Serves the task and segment API. Unless --no-worker is set, the task worker and stale reaper run in the same process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := initStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		handler := api.NewHandler(api.Deps{
			Store:          st,
			Tasks:          task.NewService(st, cfg.Analysis),
			Collector:      monitoring.NewCollector(st),
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		if !serveNoWorker {
			w := task.NewWorker(st, task.NewRunner(st, cfg.Analysis), cfg.Worker)
			reaper := monitoring.NewReaper(st, cfg.Worker)
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
			g.Go(func() error {
				reaper.Run(gctx)
				return nil
			})
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.Bool("worker", !serveNoWorker))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "serve the API without running tasks in-process")
	rootCmd.AddCommand(serveCmd)
}
