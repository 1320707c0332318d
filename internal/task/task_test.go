package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/store"
)

func testAnalysisConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		DefaultK:            3,
		DefaultFeatures:     []string{"recency", "frequency", "monetary"},
		Seed:                42,
		Restarts:            4,
		MaxIter:             100,
		Tolerance:           1e-4,
		SilhouetteThreshold: 10000,
		SilhouetteSample:    10000,
		AssignBatchSize:     7,
		VizSample:           50,
		MaxK:                20,
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "task.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedProfiles(t *testing.T, st store.Store, n int) {
	t.Helper()
	profiles := make([]model.EntityProfile, n)
	for i := range profiles {
		freq := int64(1 + i%9)
		mon := float64(10 + (i*37)%500)
		profiles[i] = model.EntityProfile{
			ID:         fmt.Sprintf("%04d", i),
			Recency:    model.IntPtr((i * 13) % 365),
			Frequency:  freq,
			Monetary:   mon,
			AvgPayment: mon / float64(freq),
		}
	}
	_, err := st.UpsertProfiles(context.Background(), profiles)
	require.NoError(t, err)
}

// --- Service ---

func TestService_Create_Defaults(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, testAnalysisConfig())

	task, err := svc.Create(context.Background(), CreateRequest{CreatedBy: "ops"})
	require.NoError(t, err)

	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, model.TaskTypeClustering, task.Type)
	assert.Equal(t, 3, task.Params.K)
	assert.Equal(t, model.DefaultFeatures, task.Params.Features)
	assert.Equal(t, "clustering k=3", task.Name)
	assert.Equal(t, "ops", task.CreatedBy)
}

func TestService_Create_Aliases(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, testAnalysisConfig())

	task, err := svc.Create(context.Background(), CreateRequest{
		Name:     "spend",
		K:        4,
		Features: []string{"total_payments", "avg_payment_amount"},
	})
	require.NoError(t, err)
	assert.Equal(t, "spend", task.Name)
	assert.Equal(t, []model.Feature{model.FeatureFrequency, model.FeatureAvgPayment}, task.Params.Features)
}

func TestService_Create_Rejects(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, testAnalysisConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"k too small", CreateRequest{K: 1}},
		{"k above max", CreateRequest{K: 21}},
		{"unknown feature", CreateRequest{Features: []string{"loyalty"}}},
		{"unknown type", CreateRequest{Type: "forecast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, model.ErrInvalidParams)
		})
	}

	_, total, err := st.ListTasks(ctx, model.TaskFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestService_FailAndDelete(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, testAnalysisConfig())
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, st.StartTask(ctx, task.ID))

	assert.ErrorIs(t, svc.Delete(ctx, task.ID), model.ErrInvalidTransition)
	require.NoError(t, svc.Fail(ctx, task.ID, ""))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, "marked failed by operator", got.Error)

	require.NoError(t, svc.Delete(ctx, task.ID))
	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

// --- Runner ---

func TestRunner_Execute_Completes(t *testing.T) {
	st := newTestStore(t)
	seedProfiles(t, st, 40)
	ctx := context.Background()

	task, err := NewService(st, testAnalysisConfig()).Create(ctx, CreateRequest{K: 3})
	require.NoError(t, err)

	require.NoError(t, NewRunner(st, testAnalysisConfig()).Execute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, model.ProgressComplete, got.Progress)
	assert.Empty(t, got.Error)
	require.NotEmpty(t, got.ResultID)

	rs, err := st.ActiveResultSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.ResultID, rs.ID)
	assert.Equal(t, task.ID, rs.TaskID)
	require.Len(t, rs.Segments, 3)

	total := 0
	for i, s := range rs.Segments {
		assert.Equal(t, i, s.SegmentID)
		assert.True(t, s.Active)
		assert.NotEmpty(t, s.Strategy)
		total += s.Count
	}
	assert.Equal(t, 40, total)
	assert.Equal(t, 40, rs.Metrics.Clustered)
	assert.False(t, rs.Metrics.SilhouetteEstimated)

	profiles, err := st.LoadProfiles(ctx)
	require.NoError(t, err)
	for _, p := range profiles {
		require.NotNil(t, p.Segment, "profile %s unassigned", p.ID)
		assert.Equal(t, task.ID, p.Segment.TaskID)
		assert.Equal(t, rs.Segments[p.Segment.SegmentID].Label, p.Segment.Label)
	}
}

func TestRunner_Execute_Deterministic(t *testing.T) {
	ctx := context.Background()
	cfg := testAnalysisConfig()

	var inertias []float64
	for range 2 {
		st := newTestStore(t)
		seedProfiles(t, st, 30)
		task, err := NewService(st, cfg).Create(ctx, CreateRequest{K: 3})
		require.NoError(t, err)
		require.NoError(t, NewRunner(st, cfg).Execute(ctx, task.ID))

		rs, err := st.ActiveResultSet(ctx)
		require.NoError(t, err)
		inertias = append(inertias, rs.Metrics.Inertia)
	}
	assert.Equal(t, inertias[0], inertias[1])
}

func TestRunner_Execute_InsufficientData(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.UpsertProfiles(ctx, []model.EntityProfile{
		{ID: "1", Recency: model.IntPtr(3), Frequency: 2, Monetary: 40, AvgPayment: 20},
		{ID: "2", Frequency: 1, Monetary: 5, AvgPayment: 5},
	})
	require.NoError(t, err)

	task, err := NewService(st, testAnalysisConfig()).Create(ctx, CreateRequest{K: 2})
	require.NoError(t, err)

	err = NewRunner(st, testAnalysisConfig()).Execute(ctx, task.ID)
	var de *model.DataError
	require.ErrorAs(t, err, &de)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ProgressCleaned, got.Progress)
	assert.Contains(t, got.Error, "need at least k=2")
	assert.Empty(t, got.ResultID)

	_, err = st.ActiveResultSet(ctx)
	assert.ErrorIs(t, err, model.ErrResultNotFound)
}

func TestRunner_Execute_EmptyStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task, err := NewService(st, testAnalysisConfig()).Create(ctx, CreateRequest{})
	require.NoError(t, err)

	require.Error(t, NewRunner(st, testAnalysisConfig()).Execute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ProgressLoaded, got.Progress)
	assert.Contains(t, got.Error, "entity store is empty")
}

func TestRunner_Execute_NotPending(t *testing.T) {
	st := newTestStore(t)
	seedProfiles(t, st, 10)
	ctx := context.Background()

	task, err := NewService(st, testAnalysisConfig()).Create(ctx, CreateRequest{K: 2})
	require.NoError(t, err)
	runner := NewRunner(st, testAnalysisConfig())
	require.NoError(t, runner.Execute(ctx, task.ID))

	err = runner.Execute(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	err = runner.Execute(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestRunner_SecondRunActivatesNewSet(t *testing.T) {
	st := newTestStore(t)
	seedProfiles(t, st, 25)
	ctx := context.Background()
	svc := NewService(st, testAnalysisConfig())
	runner := NewRunner(st, testAnalysisConfig())

	first, err := svc.Create(ctx, CreateRequest{K: 2})
	require.NoError(t, err)
	require.NoError(t, runner.Execute(ctx, first.ID))

	second, err := svc.Create(ctx, CreateRequest{K: 4})
	require.NoError(t, err)
	require.NoError(t, runner.Execute(ctx, second.ID))

	rs, err := st.ActiveResultSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, rs.TaskID)
	assert.Len(t, rs.Segments, 4)

	p, err := st.GetProfile(ctx, "0000")
	require.NoError(t, err)
	require.NotNil(t, p.Segment)
	assert.Equal(t, second.ID, p.Segment.TaskID)
}

// flakyAssignStore fails the nth AssignSegments call.
type flakyAssignStore struct {
	*store.SQLiteStore
	failOn int
	calls  int
}

func (f *flakyAssignStore) AssignSegments(ctx context.Context, a []model.SegmentAssignment) (int64, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, errors.New("disk full")
	}
	return f.SQLiteStore.AssignSegments(ctx, a)
}

// reapingStore fails every running task right after the result set is saved, as the
// stale-task reaper would for a run that outlived its timeout.
type reapingStore struct {
	*store.SQLiteStore
}

func (r *reapingStore) SaveResultSet(ctx context.Context, rs *model.ResultSet) error {
	if err := r.SQLiteStore.SaveResultSet(ctx, rs); err != nil {
		return err
	}
	_, err := r.FailStaleTasks(ctx, time.Now().Add(time.Minute), "task exceeded run timeout")
	return err
}

func countAssigned(t *testing.T, st store.Store, taskID string) (owned, unassigned int) {
	t.Helper()
	profiles, err := st.LoadProfiles(context.Background())
	require.NoError(t, err)
	for _, p := range profiles {
		switch {
		case p.Segment == nil:
			unassigned++
		case p.Segment.TaskID == taskID:
			owned++
		}
	}
	return owned, unassigned
}

func TestRunner_FailedAssignmentLeavesNoPartialState(t *testing.T) {
	st := newTestStore(t)
	seedProfiles(t, st, 30)
	ctx := context.Background()
	cfg := testAnalysisConfig()
	svc := NewService(st, cfg)

	good, err := svc.Create(ctx, CreateRequest{K: 3})
	require.NoError(t, err)
	require.NoError(t, NewRunner(st, cfg).Execute(ctx, good.ID))

	bad, err := svc.Create(ctx, CreateRequest{K: 3})
	require.NoError(t, err)
	flaky := &flakyAssignStore{SQLiteStore: st, failOn: 2}
	err = NewRunner(flaky, cfg).Execute(ctx, bad.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := st.GetTask(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Empty(t, got.ResultID)

	owned, unassigned := countAssigned(t, st, bad.ID)
	assert.Zero(t, owned, "no profile may reference the failed run")
	assert.Equal(t, cfg.AssignBatchSize, unassigned, "the committed batch is cleared")

	goodOwned, _ := countAssigned(t, st, good.ID)
	assert.Equal(t, 30-cfg.AssignBatchSize, goodOwned)

	rs, err := st.ActiveResultSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, good.ID, rs.TaskID)
}

func TestRunner_ReapedRunCannotAssign(t *testing.T) {
	st := newTestStore(t)
	seedProfiles(t, st, 20)
	ctx := context.Background()
	cfg := testAnalysisConfig()

	task, err := NewService(st, cfg).Create(ctx, CreateRequest{K: 2})
	require.NoError(t, err)

	err = NewRunner(&reapingStore{SQLiteStore: st}, cfg).Execute(ctx, task.ID)
	require.Error(t, err)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, "task exceeded run timeout", got.Error)

	owned, unassigned := countAssigned(t, st, task.ID)
	assert.Zero(t, owned)
	assert.Equal(t, 20, unassigned)
}
