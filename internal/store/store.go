package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/segment-cli/internal/model"
)

// Store defines the persistence contract of the segmentation pipeline.
type Store interface {
	// Profiles
	UpsertProfiles(ctx context.Context, profiles []model.EntityProfile) (int64, error)
	InsertPaymentDetails(ctx context.Context, details []model.PaymentDetail) (int64, error)
	AssignSegments(ctx context.Context, assignments []model.SegmentAssignment) (int64, error)
	LoadProfiles(ctx context.Context) ([]model.EntityProfile, error)
	GetProfile(ctx context.Context, id string) (*model.EntityProfile, error)
	CountProfiles(ctx context.Context) (int64, error)

	// Result sets. SaveResultSet writes the set inactive; CompleteTask activates it.
	SaveResultSet(ctx context.Context, rs *model.ResultSet) error
	GetResultSet(ctx context.Context, resultID string) (*model.ResultSet, error)
	ActiveResultSet(ctx context.Context) (*model.ResultSet, error)

	// Tasks
	CreateTask(ctx context.Context, task model.AnalysisTask) (*model.AnalysisTask, error)
	GetTask(ctx context.Context, id string) (*model.AnalysisTask, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.AnalysisTask, int, error)
	StartTask(ctx context.Context, id string) error
	ClaimNextTask(ctx context.Context) (*model.AnalysisTask, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	CompleteTask(ctx context.Context, id, resultID string) error
	FailTask(ctx context.Context, id, message string) error
	FailStaleTasks(ctx context.Context, startedBefore time.Time, message string) ([]string, error)
	DeleteTask(ctx context.Context, id string) error

	// Status
	CountTasks(ctx context.Context) (map[model.TaskStatus]int, error)
	LastCompletedTask(ctx context.Context) (*model.AnalysisTask, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Table names shared by both backends.
const (
	tableProfiles   = "entity_profiles"
	tableDetails    = "payment_details"
	tableTasks      = "analysis_tasks"
	tableResultSets = "result_sets"
	tableSegments   = "segment_results"
)

// profileColumns is the column order of profile writes. Segment columns are written only by
// AssignSegments so a re-ingest keeps the last assignment.
var profileColumns = []string{
	"id", "first_name", "last_name", "full_name", "primary_type", "specialty", "state", "city",
	"recency_days", "frequency", "monetary", "avg_payment_amount", "last_payment_date", "updated_at",
}

var assignmentColumns = []string{"segment_task_id", "segment_id", "segment_label"}

// clearAssignmentsSQL drops segment assignments owned by a task. Callers append the
// comparison on segment_task_id.
const clearAssignmentsSQL = `UPDATE entity_profiles SET segment_task_id = NULL, segment_id = NULL, segment_label = NULL
	WHERE segment_task_id`

var detailColumns = []string{
	"entity_id", "amount", "payment_date", "payment_category", "manufacturer", "product",
}

// cents rounds a money value to the two decimal places both schemas keep, half away from zero
// as Postgres NUMERIC(16,2) does.
func cents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// transitionError explains why a guarded task update matched no rows.
func transitionError(ctx context.Context, s Store, id, action string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return model.InvalidTransition(action, t.Status)
}

// progressError explains why a progress update matched no rows.
func progressError(ctx context.Context, s Store, id string, progress int) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TaskRunning {
		return model.InvalidTransition("update progress of", t.Status)
	}
	return eris.Wrapf(model.ErrInvalidTransition, "progress of task %s cannot move from %d to %d", id, t.Progress, progress)
}
