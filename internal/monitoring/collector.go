package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
)

// Snapshot holds a point-in-time view of the pipeline.
type Snapshot struct {
	Tasks    map[model.TaskStatus]int `json:"tasks" yaml:"tasks"`
	Profiles int64                    `json:"profiles" yaml:"profiles"`

	// ActiveResultID is empty until a clustering task has completed.
	ActiveResultID string                `json:"active_result_id,omitempty" yaml:"active_result_id,omitempty"`
	ActiveSegments int                   `json:"active_segments" yaml:"active_segments"`
	LastCompleted  *model.AnalysisTask   `json:"last_completed,omitempty" yaml:"last_completed,omitempty"`
	ActiveMetrics  *model.ClusterMetrics `json:"active_metrics,omitempty" yaml:"active_metrics,omitempty"`

	CollectedAt time.Time `json:"collected_at" yaml:"collected_at"`
}

// StatusSource abstracts the store queries the collector needs.
type StatusSource interface {
	CountTasks(ctx context.Context) (map[model.TaskStatus]int, error)
	CountProfiles(ctx context.Context) (int64, error)
	ActiveResultSet(ctx context.Context) (*model.ResultSet, error)
	LastCompletedTask(ctx context.Context) (*model.AnalysisTask, error)
}

// Collector gathers status snapshots from the store.
type Collector struct {
	store StatusSource
}

// NewCollector creates a new status collector.
func NewCollector(st StatusSource) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot and refreshes the status gauges.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountTasks(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count tasks")
	}
	snap.Tasks = make(map[model.TaskStatus]int, 4)
	for _, s := range []model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskCompleted, model.TaskFailed} {
		snap.Tasks[s] = counts[s]
		TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	snap.Profiles, err = c.store.CountProfiles(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count profiles")
	}
	ProfilesStored.Set(float64(snap.Profiles))

	rs, err := c.store.ActiveResultSet(ctx)
	switch {
	case errors.Is(err, model.ErrResultNotFound):
		// nothing completed yet
	case err != nil:
		return nil, eris.Wrap(err, "monitoring: active result set")
	default:
		snap.ActiveResultID = rs.ID
		snap.ActiveSegments = len(rs.Segments)
		snap.ActiveMetrics = &rs.Metrics
	}

	snap.LastCompleted, err = c.store.LastCompletedTask(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last completed task")
	}
	return snap, nil
}
