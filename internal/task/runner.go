// Package task drives analysis tasks through their lifecycle: creation, execution,
// progress checkpoints, and terminal state.
package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/analysis"
	"github.com/sells-group/segment-cli/internal/cluster"
	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/loader"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/monitoring"
	"github.com/sells-group/segment-cli/internal/store"
)

// Runner executes clustering tasks against the store.
type Runner struct {
	store store.Store
	cfg   config.AnalysisConfig
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, cfg config.AnalysisConfig) *Runner {
	return &Runner{store: st, cfg: cfg}
}

// Execute moves a pending task to running and runs it to a terminal state.
func (r *Runner) Execute(ctx context.Context, id string) error {
	if err := r.store.StartTask(ctx, id); err != nil {
		return eris.Wrapf(err, "task: start %s", id)
	}
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "task: reload %s", id)
	}
	return r.Run(ctx, t)
}

// Run executes a task that is already running. Any error fails the task with its message
// and is returned; a failed task never references a result set.
func (r *Runner) Run(ctx context.Context, t *model.AnalysisTask) error {
	log := zap.L().With(zap.String("component", "task.runner"), zap.String("task_id", t.ID))
	start := time.Now()
	log.Info("task started", zap.Int("k", t.Params.K), zap.Any("features", t.Params.Features))

	resultID, err := r.run(ctx, t)
	monitoring.TaskDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		monitoring.TasksFinishedTotal.WithLabelValues(string(model.TaskFailed)).Inc()
		log.Error("task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		// record the failure even when ctx was cancelled
		if ferr := r.store.FailTask(context.WithoutCancel(ctx), t.ID, err.Error()); ferr != nil {
			log.Error("failed to mark task as failed", zap.Error(ferr))
		}
		return err
	}

	monitoring.TasksFinishedTotal.WithLabelValues(string(model.TaskCompleted)).Inc()
	log.Info("task completed", zap.String("result_id", resultID), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) run(ctx context.Context, t *model.AnalysisTask) (string, error) {
	progress := func(ctx context.Context, p int) error {
		return eris.Wrapf(r.store.UpdateProgress(ctx, t.ID, p), "task: progress %d", p)
	}

	profiles, err := r.store.LoadProfiles(ctx)
	if err != nil {
		return "", eris.Wrap(err, "task: load profiles")
	}
	if err := progress(ctx, model.ProgressLoaded); err != nil {
		return "", err
	}

	res, err := analysis.Run(ctx, t.ID, profiles, t.Params, r.options(), progress)
	if err != nil {
		return "", err
	}

	rs := &model.ResultSet{
		ID:            uuid.New().String(),
		TaskID:        t.ID,
		Algorithm:     model.AlgorithmKMeans,
		Features:      t.Params.Features,
		Metrics:       res.Metrics,
		Visualization: res.Viz,
	}
	rs.Segments = res.SegmentResults(rs.ID, t.ID)
	if err := r.store.SaveResultSet(ctx, rs); err != nil {
		return "", eris.Wrap(err, "task: save result set")
	}

	batch := r.cfg.AssignBatchSize
	if batch <= 0 {
		batch = 5000
	}
	lres, err := loader.Run(ctx, res.Assignments, loader.Options{Name: "segment assignments", BatchSize: batch}, r.store.AssignSegments)
	if err != nil {
		return "", eris.Wrapf(err, "task: assign segments (%d written, %d failed)", lres.Written, lres.Failed)
	}
	if err := progress(ctx, model.ProgressPersisted); err != nil {
		return "", err
	}

	if err := r.store.CompleteTask(ctx, t.ID, rs.ID); err != nil {
		return "", eris.Wrap(err, "task: complete")
	}
	return rs.ID, nil
}

func (r *Runner) options() analysis.Options {
	return analysis.Options{
		Cluster: cluster.Options{
			Seed:                r.cfg.Seed,
			Restarts:            r.cfg.Restarts,
			MaxIter:             r.cfg.MaxIter,
			Tolerance:           r.cfg.Tolerance,
			SilhouetteThreshold: r.cfg.SilhouetteThreshold,
			SilhouetteSample:    r.cfg.SilhouetteSample,
		},
		VizSample: r.cfg.VizSample,
	}
}
