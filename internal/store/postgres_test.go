package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var taskCols = []string{
	"id", "name", "type", "params", "status", "progress", "error", "created_by", "result_id",
	"created_at", "started_at", "completed_at",
}

func taskRow(id string, status model.TaskStatus, progress int) *pgxmock.Rows {
	created := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	var startedAt *time.Time
	if status != model.TaskPending {
		startedAt = &started
	}
	return pgxmock.NewRows(taskCols).AddRow(
		id, "q3 refresh", model.TaskTypeClustering, []byte(`{"k":3,"features":["recency","frequency","monetary"]}`),
		string(status), progress, "", "ops", "", created, startedAt, (*time.Time)(nil),
	)
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS entity_profiles`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProfiles(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_entity_profiles"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_entity_profiles"}, profileColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "entity_profiles" .* ON CONFLICT \("id"\) DO UPDATE SET "first_name" = EXCLUDED."first_name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertProfiles(context.Background(), []model.EntityProfile{
		{ID: "1", Recency: model.IntPtr(3), Frequency: 2, Monetary: 100},
		{ID: "2", Frequency: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProfiles_CopyError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_entity_profiles"}, profileColumns).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.UpsertProfiles(context.Background(), []model.EntityProfile{{ID: "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert profiles")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AssignSegments(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_update_entity_profiles" ON COMMIT DROP AS SELECT "id", "segment_task_id"`).
		WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_update_entity_profiles"},
		[]string{"id", "segment_task_id", "segment_id", "segment_label"}).WillReturnResult(2)
	mock.ExpectExec(`UPDATE "entity_profiles" AS t SET "segment_task_id" = s."segment_task_id".*AND EXISTS \(SELECT 1 FROM analysis_tasks a WHERE a.id = s."segment_task_id" AND a.status = 'running'\)`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := s.AssignSegments(context.Background(), []model.SegmentAssignment{
		{EntityID: "1", TaskID: "t1", SegmentID: 0, Label: model.LabelAverage},
		{EntityID: "gone", TaskID: "t1", SegmentID: 1, Label: model.LabelAtRisk},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPaymentDetails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"payment_details"}, detailColumns).WillReturnResult(1)

	n, err := s.InsertPaymentDetails(context.Background(), []model.PaymentDetail{
		{EntityID: "1", Amount: 12.5, PaymentDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProfile(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM entity_profiles WHERE id = \$1`).
		WithArgs("1234567890").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "first_name", "last_name", "primary_type", "specialty", "state", "city",
			"recency_days", "frequency", "monetary", "avg_payment_amount", "last_payment_date",
			"segment_task_id", "segment_id", "segment_label",
		}).AddRow("1234567890", "Ada", "Lovelace", "Medical Doctor", "Cardiology", "NY", "New York",
			model.IntPtr(29), int64(4), 400.0, 100.0, &last,
			strPtr("t1"), int32Ptr(2), strPtr("average")))

	p, err := s.GetProfile(context.Background(), "1234567890")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", p.FullName())
	assert.Equal(t, 29, *p.Recency)
	require.NotNil(t, p.Segment)
	assert.Equal(t, model.SegmentRef{TaskID: "t1", SegmentID: 2, Label: model.LabelAverage}, *p.Segment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProfile_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM entity_profiles WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProfile(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrProfileNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_tasks`).
		WithArgs(pgxmock.AnyArg(), "weekly", model.TaskTypeClustering, pgxmock.AnyArg(), "pending", 0, "ops", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	task, err := s.CreateTask(context.Background(), model.AnalysisTask{
		Name:      "weekly",
		Params:    model.TaskParams{K: 4, Features: model.DefaultFeatures},
		CreatedBy: "ops",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, model.TaskTypeClustering, task.Type)
	assert.False(t, task.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskRunning, 30))

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, 30, task.Progress)
	assert.Equal(t, 3, task.Params.K)
	assert.Equal(t, model.DefaultFeatures, task.Params.Features)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM analysis_tasks WHERE true AND status = \$1`).
		WithArgs("completed").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`ORDER BY created_at DESC, id LIMIT \$2 OFFSET \$3`).
		WithArgs("completed", 5, 5).
		WillReturnRows(taskRow("t9", model.TaskCompleted, 100))

	tasks, total, err := s.ListTasks(context.Background(), model.TaskFilter{Status: model.TaskCompleted, Page: 2, PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t9", tasks[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks_ClampsPageSize(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM analysis_tasks WHERE true`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`LIMIT \$1 OFFSET \$2`).
		WithArgs(50, 0).
		WillReturnRows(pgxmock.NewRows(taskCols))

	tasks, total, err := s.ListTasks(context.Background(), model.TaskFilter{PageSize: 500})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'running'.*NOT EXISTS`).
		WithArgs("t1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.StartTask(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartTask_RunnerBusy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'running'`).
		WithArgs("t2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t2").
		WillReturnRows(taskRow("t2", model.TaskPending, 0))

	err := s.StartTask(context.Background(), "t2")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "another task is running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartTask_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'running'`).
		WithArgs("t2", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.StartTask(context.Background(), "t2")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextTask_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM analysis_tasks WHERE status = 'pending'`).
		WillReturnError(pgx.ErrNoRows)

	task, err := s.ClaimNextTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM analysis_tasks WHERE status = 'pending'`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("t1"))
	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'running'`).
		WithArgs("t1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskRunning, 0))

	task, err := s.ClaimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_tasks SET progress = \$2 WHERE id = \$1 AND status = 'running' AND progress <= \$2`).
		WithArgs("t1", 50).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateProgress(context.Background(), "t1", 50))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateProgress_Decrease(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_tasks SET progress`).
		WithArgs("t1", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskRunning, 50))

	err := s.UpdateProgress(context.Background(), "t1", 10)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "from 50 to 10")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'completed', progress = 100`).
		WithArgs("t1", "rs1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE result_sets SET active = false WHERE active AND id <> \$1`).
		WithArgs("rs1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE result_sets SET active = true WHERE id = \$1 AND task_id = \$2`).
		WithArgs("rs1", "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CompleteTask(context.Background(), "t1", "rs1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteTask_NotRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'completed'`).
		WithArgs("t1", "rs1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskFailed, 50))
	mock.ExpectRollback()

	err := s.CompleteTask(context.Background(), "t1", "rs1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "cannot complete a failed task")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'failed'`).
		WithArgs("t1", "insufficient data: empty", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE entity_profiles SET segment_task_id = NULL.*WHERE segment_task_id = \$1`).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	mock.ExpectCommit()

	require.NoError(t, s.FailTask(context.Background(), "t1", "insufficient data: empty"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailTask_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analysis_tasks SET status = 'failed'`).
		WithArgs("t1", "late", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskCompleted, 100))
	mock.ExpectRollback()

	err := s.FailTask(context.Background(), "t1", "late")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStaleTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE analysis_tasks SET status = 'failed'.*started_at < \$1 RETURNING id`).
		WithArgs(cutoff, "task exceeded run timeout", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("t1").AddRow("t2"))
	mock.ExpectExec(`UPDATE entity_profiles SET segment_task_id = NULL.*WHERE segment_task_id = ANY\(\$1\)`).
		WithArgs([]string{"t1", "t2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 9))
	mock.ExpectCommit()

	ids, err := s.FailStaleTasks(context.Background(), cutoff, "task exceeded run timeout")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStaleTasks_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE analysis_tasks SET status = 'failed'`).
		WithArgs(cutoff, "task exceeded run timeout", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	ids, err := s.FailStaleTasks(context.Background(), cutoff, "task exceeded run timeout")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskCompleted, 100))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entity_profiles SET segment_task_id = NULL`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 10))
	mock.ExpectExec(`DELETE FROM segment_results`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM result_sets`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM analysis_tasks`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteTask(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteTask_Running(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analysis_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(taskRow("t1", model.TaskRunning, 30))

	err := s.DeleteTask(context.Background(), "t1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveResultSet(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM result_sets WHERE active`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "task_id", "algorithm", "features", "metrics", "visualization", "active"}).
			AddRow("rs1", "t1", model.AlgorithmKMeans, []byte(`["recency","monetary"]`),
				[]byte(`{"k":2,"inertia":12.5,"silhouette":0.41,"silhouette_estimated":true,"silhouette_sample":10000,"iterations":7,"clustered":20,"excluded":1}`),
				[]byte(`[{"segment_id":1,"values":{"recency":3,"monetary":10}}]`), true))
	mock.ExpectQuery(`FROM segment_results WHERE result_id = \$1 ORDER BY segment_id`).
		WithArgs("rs1").
		WillReturnRows(pgxmock.NewRows([]string{"segment_id", "label", "name", "count", "percentage", "means", "strategy", "created_at"}).
			AddRow(0, "average", "Average", 12, 60.0, []byte(`{"recency":40,"monetary":100}`), "s0", created).
			AddRow(1, "at_risk", "At Risk", 8, 40.0, []byte(`{"recency":200,"monetary":90}`), "s1", created))

	rs, err := s.ActiveResultSet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rs1", rs.ID)
	assert.True(t, rs.Metrics.SilhouetteEstimated)
	assert.Equal(t, []model.Feature{model.FeatureRecency, model.FeatureMonetary}, rs.Features)
	require.Len(t, rs.Segments, 2)
	assert.Equal(t, model.LabelAtRisk, rs.Segments[1].Label)
	assert.True(t, rs.Segments[1].Active)
	assert.Equal(t, "t1", rs.Segments[1].TaskID)
	assert.Equal(t, rs.Metrics, rs.Segments[0].Metrics)
	assert.Equal(t, 40.0, rs.Segments[0].Means[model.FeatureRecency])
	require.Len(t, rs.Visualization, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveResultSet_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM result_sets WHERE active`).WillReturnError(pgx.ErrNoRows)

	_, err := s.ActiveResultSet(context.Background())
	assert.ErrorIs(t, err, model.ErrResultNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveResultSet(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO result_sets .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, false, \$7\)`).
		WithArgs(pgxmock.AnyArg(), "t1", model.AlgorithmKMeans, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for range 2 {
		mock.ExpectExec(`INSERT INTO segment_results`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	rs := &model.ResultSet{
		TaskID:    "t1",
		Algorithm: model.AlgorithmKMeans,
		Features:  model.DefaultFeatures,
		Segments: []model.SegmentResult{
			{SegmentID: 0, Label: model.LabelAverage, Name: "Average", Count: 3},
			{SegmentID: 1, Label: model.LabelAtRisk, Name: "At Risk", Count: 1},
		},
	}
	require.NoError(t, s.SaveResultSet(context.Background(), rs))
	assert.NotEmpty(t, rs.ID)
	assert.Equal(t, rs.ID, rs.Segments[1].ResultID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM analysis_tasks GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("completed", 5))

	counts, err := s.CountTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.TaskStatus]int{model.TaskPending: 2, model.TaskCompleted: 5}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastCompletedTask_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE status = 'completed' ORDER BY completed_at DESC LIMIT 1`).
		WillReturnError(pgx.ErrNoRows)

	task, err := s.LastCompletedTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	closed := false
	s := &PostgresStore{closeFn: func() { closed = true }}
	require.NoError(t, s.Close())
	assert.True(t, closed)
}

func strPtr(s string) *string { return &s }

func int32Ptr(v int32) *int32 { return &v }
