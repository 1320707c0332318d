package task

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/model"
)

// Claimer hands out the next pending task, or nil when none can start.
type Claimer interface {
	ClaimNextTask(ctx context.Context) (*model.AnalysisTask, error)
}

// Executor runs a claimed task to a terminal state.
type Executor interface {
	Run(ctx context.Context, t *model.AnalysisTask) error
}

// Worker polls the store for pending tasks and runs them one at a time.
type Worker struct {
	store  Claimer
	runner Executor
	poll   time.Duration
}

// NewWorker creates a Worker. A non-positive poll interval defaults to one second.
func NewWorker(st Claimer, runner Executor, cfg config.WorkerConfig) *Worker {
	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{store: st, runner: runner, poll: poll}
}

// Run polls for tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "task.worker"))
	log.Info("task worker started", zap.Duration("poll", w.poll))

	for {
		if ctx.Err() != nil {
			log.Info("task worker stopped")
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			log.Error("worker iteration failed", zap.Error(err))
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("task worker stopped")
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and runs a single task. It reports true when a task was
// processed, whether it completed or failed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	t, err := w.store.ClaimNextTask(ctx)
	if err != nil {
		return false, eris.Wrap(err, "task: claim next")
	}
	if t == nil {
		return false, nil
	}

	// the runner records failures on the task itself
	_ = w.runner.Run(ctx, t)
	return true, nil
}
