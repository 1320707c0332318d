package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/config"
)

// StaleTaskMessage is recorded on tasks failed for running past the timeout.
const StaleTaskMessage = "task exceeded run timeout"

// StaleTaskFailer fails running tasks started before a cutoff.
type StaleTaskFailer interface {
	FailStaleTasks(ctx context.Context, startedBefore time.Time, message string) ([]string, error)
}

// Reaper periodically fails tasks stuck in running, so an abandoned run
// always reaches a terminal state.
type Reaper struct {
	store    StaleTaskFailer
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a stale-task reaper from the worker config.
func NewReaper(st StaleTaskFailer, cfg config.WorkerConfig) *Reaper {
	timeout := time.Duration(cfg.TaskTimeoutMins) * time.Minute
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	interval := time.Duration(cfg.ReapIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{store: st, timeout: timeout, interval: interval, now: time.Now}
}

// Run starts the periodic reap loop. It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.reaper"))
	log.Info("starting stale task reaper",
		zap.Duration("interval", r.interval),
		zap.Duration("timeout", r.timeout),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stale task reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				log.Error("monitoring: reap failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce fails every running task started more than the timeout ago.
func (r *Reaper) ReapOnce(ctx context.Context) ([]string, error) {
	cutoff := r.now().UTC().Add(-r.timeout)
	ids, err := r.store.FailStaleTasks(ctx, cutoff, StaleTaskMessage)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: fail stale tasks")
	}
	if len(ids) > 0 {
		StaleTasksReapedTotal.Add(float64(len(ids)))
		TasksFinishedTotal.WithLabelValues("failed").Add(float64(len(ids)))
		zap.L().Warn("failed stale tasks",
			zap.String("component", "monitoring.reaper"),
			zap.Strings("task_ids", ids),
			zap.Time("started_before", cutoff),
		)
	}
	return ids, nil
}
