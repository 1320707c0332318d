package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/db"
	"github.com/sells-group/segment-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entity_profiles (
	id                 TEXT PRIMARY KEY,
	first_name         TEXT NOT NULL DEFAULT '',
	last_name          TEXT NOT NULL DEFAULT '',
	full_name          TEXT NOT NULL DEFAULT '',
	primary_type       TEXT NOT NULL DEFAULT '',
	specialty          TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT '',
	city               TEXT NOT NULL DEFAULT '',
	recency_days       INTEGER,
	frequency          BIGINT NOT NULL DEFAULT 0,
	monetary           NUMERIC(16,2) NOT NULL DEFAULT 0,
	avg_payment_amount NUMERIC(16,2) NOT NULL DEFAULT 0,
	last_payment_date  DATE,
	segment_task_id    TEXT,
	segment_id         INTEGER,
	segment_label      TEXT,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payment_details (
	id               BIGSERIAL PRIMARY KEY,
	entity_id        TEXT NOT NULL,
	amount           NUMERIC(16,2) NOT NULL,
	payment_date     DATE NOT NULL,
	payment_category TEXT NOT NULL DEFAULT '',
	manufacturer     TEXT NOT NULL DEFAULT '',
	product          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS analysis_tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	params       JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	progress     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_by   TEXT NOT NULL DEFAULT '',
	result_id    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS result_sets (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES analysis_tasks(id) ON DELETE CASCADE,
	algorithm     TEXT NOT NULL,
	features      JSONB NOT NULL,
	metrics       JSONB NOT NULL,
	visualization JSONB,
	active        BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS segment_results (
	result_id  TEXT NOT NULL REFERENCES result_sets(id) ON DELETE CASCADE,
	segment_id INTEGER NOT NULL,
	task_id    TEXT NOT NULL,
	label      TEXT NOT NULL,
	name       TEXT NOT NULL,
	count      INTEGER NOT NULL,
	percentage DOUBLE PRECISION NOT NULL,
	means      JSONB NOT NULL,
	strategy   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (result_id, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_payment_details_entity ON payment_details(entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_profiles_segment ON entity_profiles(segment_task_id, segment_id);
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_status ON analysis_tasks(status, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_tasks_single_running ON analysis_tasks(status) WHERE status = 'running';
CREATE UNIQUE INDEX IF NOT EXISTS idx_result_sets_single_active ON result_sets(active) WHERE active;
CREATE INDEX IF NOT EXISTS idx_result_sets_task ON result_sets(task_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Profiles ---

func (s *PostgresStore) UpsertProfiles(ctx context.Context, profiles []model.EntityProfile) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(profiles))
	for i, p := range profiles {
		rows[i] = []any{
			p.ID, p.FirstName, p.LastName, p.FullName(), p.PrimaryType, p.Specialty, p.State, p.City,
			p.Recency, p.Frequency, cents(p.Monetary), cents(p.AvgPayment), p.LastPaymentDate, now,
		}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        tableProfiles,
		Columns:      profileColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert profiles")
}

func (s *PostgresStore) InsertPaymentDetails(ctx context.Context, details []model.PaymentDetail) (int64, error) {
	rows := make([][]any, len(details))
	for i, d := range details {
		rows[i] = []any{d.EntityID, cents(d.Amount), d.PaymentDate, d.PaymentCategory, d.Manufacturer, d.Product}
	}
	n, err := db.CopyFrom(ctx, s.pool, tableDetails, detailColumns, rows)
	return n, eris.Wrap(err, "postgres: insert payment details")
}

func (s *PostgresStore) AssignSegments(ctx context.Context, assignments []model.SegmentAssignment) (int64, error) {
	rows := make([][]any, len(assignments))
	for i, a := range assignments {
		rows[i] = []any{a.EntityID, a.TaskID, int32(a.SegmentID), string(a.Label)}
	}
	n, err := db.BulkUpdate(ctx, s.pool, db.UpdateConfig{
		Table:   tableProfiles,
		Keys:    []string{"id"},
		Columns: assignmentColumns,
		Where:   ownerRunning,
	}, rows)
	return n, eris.Wrap(err, "postgres: assign segments")
}

// ownerRunning limits assignment writes to tasks still running, so a failed or reaped run
// cannot overwrite profiles.
const ownerRunning = `EXISTS (SELECT 1 FROM analysis_tasks a WHERE a.id = s."segment_task_id" AND a.status = 'running')`

const profileSelect = `SELECT id, first_name, last_name, primary_type, specialty, state, city,
	recency_days, frequency, monetary::float8, avg_payment_amount::float8, last_payment_date,
	segment_task_id, segment_id, segment_label FROM entity_profiles`

func (s *PostgresStore) LoadProfiles(ctx context.Context) ([]model.EntityProfile, error) {
	rows, err := s.pool.Query(ctx, profileSelect+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load profiles")
	}
	defer rows.Close()

	var out []model.EntityProfile
	for rows.Next() {
		p, err := scanProfilePg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load profiles iterate")
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*model.EntityProfile, error) {
	p, err := scanProfilePg(s.pool.QueryRow(ctx, profileSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrProfileNotFound, "postgres: get profile %s", id)
	}
	return p, err
}

func (s *PostgresStore) CountProfiles(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM entity_profiles`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count profiles")
}

func scanProfilePg(row pgx.Row) (*model.EntityProfile, error) {
	var p model.EntityProfile
	var segTask, segLabel *string
	var segID *int32
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.PrimaryType, &p.Specialty, &p.State, &p.City,
		&p.Recency, &p.Frequency, &p.Monetary, &p.AvgPayment, &p.LastPaymentDate,
		&segTask, &segID, &segLabel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan profile")
	}
	if segTask != nil && segID != nil {
		p.Segment = &model.SegmentRef{TaskID: *segTask, SegmentID: int(*segID)}
		if segLabel != nil {
			p.Segment.Label = model.Label(*segLabel)
		}
	}
	return &p, nil
}

// --- Result sets ---

func (s *PostgresStore) SaveResultSet(ctx context.Context, rs *model.ResultSet) error {
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	features, err := json.Marshal(rs.Features)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal features")
	}
	metrics, err := json.Marshal(rs.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}
	viz, err := json.Marshal(rs.Visualization)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal visualization")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save result set: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO result_sets (id, task_id, algorithm, features, metrics, visualization, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		rs.ID, rs.TaskID, rs.Algorithm, features, metrics, viz, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert result set %s", rs.ID)
	}

	for i := range rs.Segments {
		seg := &rs.Segments[i]
		means, err := json.Marshal(seg.Means)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal means")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO segment_results (result_id, segment_id, task_id, label, name, count, percentage, means, strategy, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rs.ID, seg.SegmentID, rs.TaskID, string(seg.Label), seg.Name, seg.Count, seg.Percentage, means, seg.Strategy, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert segment %d", seg.SegmentID)
		}
		seg.ResultID = rs.ID
		seg.CreatedAt = now
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: save result set: commit")
}

const resultSetSelect = `SELECT id, task_id, algorithm, features, metrics, visualization, active FROM result_sets`

func (s *PostgresStore) GetResultSet(ctx context.Context, resultID string) (*model.ResultSet, error) {
	return s.loadResultSet(ctx, resultSetSelect+` WHERE id = $1`, resultID)
}

func (s *PostgresStore) ActiveResultSet(ctx context.Context) (*model.ResultSet, error) {
	return s.loadResultSet(ctx, resultSetSelect+` WHERE active`)
}

func (s *PostgresStore) loadResultSet(ctx context.Context, query string, args ...any) (*model.ResultSet, error) {
	var rs model.ResultSet
	var features, metrics, viz []byte
	var active bool
	err := s.pool.QueryRow(ctx, query, args...).Scan(&rs.ID, &rs.TaskID, &rs.Algorithm, &features, &metrics, &viz, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrResultNotFound, "postgres: get result set")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get result set")
	}
	if err := decodeResultSet(&rs, features, metrics, viz); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT segment_id, label, name, count, percentage, means, strategy, created_at
		 FROM segment_results WHERE result_id = $1 ORDER BY segment_id`, rs.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list segments")
	}
	defer rows.Close()

	for rows.Next() {
		var seg model.SegmentResult
		var label string
		var means []byte
		if err := rows.Scan(&seg.SegmentID, &label, &seg.Name, &seg.Count, &seg.Percentage, &means, &seg.Strategy, &seg.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan segment")
		}
		seg.Label = model.Label(label)
		if err := json.Unmarshal(means, &seg.Means); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal means")
		}
		rs.Segments = append(rs.Segments, fillSegment(seg, &rs, active))
	}
	return &rs, eris.Wrap(rows.Err(), "postgres: list segments iterate")
}

func decodeResultSet(rs *model.ResultSet, features, metrics, viz []byte) error {
	if err := json.Unmarshal(features, &rs.Features); err != nil {
		return eris.Wrap(err, "store: unmarshal features")
	}
	if err := json.Unmarshal(metrics, &rs.Metrics); err != nil {
		return eris.Wrap(err, "store: unmarshal metrics")
	}
	if len(viz) > 0 {
		if err := json.Unmarshal(viz, &rs.Visualization); err != nil {
			return eris.Wrap(err, "store: unmarshal visualization")
		}
	}
	return nil
}

// fillSegment copies the set-level fields every segment row reports.
func fillSegment(seg model.SegmentResult, rs *model.ResultSet, active bool) model.SegmentResult {
	seg.ResultID = rs.ID
	seg.TaskID = rs.TaskID
	seg.Metrics = rs.Metrics
	seg.FeaturesUsed = rs.Features
	seg.Algorithm = rs.Algorithm
	seg.Active = active
	return seg
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, task model.AnalysisTask) (*model.AnalysisTask, error) {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal params")
	}
	task.ID = uuid.New().String()
	task.Status = model.TaskPending
	task.Progress = model.ProgressStarted
	task.CreatedAt = time.Now().UTC()
	if task.Type == "" {
		task.Type = model.TaskTypeClustering
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_tasks (id, name, type, params, status, progress, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.Name, task.Type, params, string(task.Status), task.Progress, task.CreatedBy, task.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create task")
	}
	return &task, nil
}

const taskSelect = `SELECT id, name, type, params, status, progress, error, created_by, result_id,
	created_at, started_at, completed_at FROM analysis_tasks`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.AnalysisTask, error) {
	t, err := scanTaskPg(s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrTaskNotFound, "postgres: get task %s", id)
	}
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.AnalysisTask, int, error) {
	filter = filter.Normalize()

	where := ` WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analysis_tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count tasks")
	}

	query := taskSelect + where + fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, filter.PageSize, filter.Offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.AnalysisTask
	for rows.Next() {
		t, err := scanTaskPg(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func (s *PostgresStore) StartTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET status = 'running', progress = 0, started_at = $2
		 WHERE id = $1 AND status = 'pending'
		 AND NOT EXISTS (SELECT 1 FROM analysis_tasks WHERE status = 'running')`,
		id, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(model.ErrInvalidTransition, "postgres: start task %s: another task is running", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: start task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.startError(ctx, id)
	}
	return nil
}

// startError distinguishes a busy runner from a task that is not pending.
func (s *PostgresStore) startError(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == model.TaskPending {
		return eris.Wrapf(model.ErrInvalidTransition, "start task %s: another task is running", id)
	}
	return model.InvalidTransition("start", t.Status)
}

func (s *PostgresStore) ClaimNextTask(ctx context.Context) (*model.AnalysisTask, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM analysis_tasks WHERE status = 'pending'
		 AND NOT EXISTS (SELECT 1 FROM analysis_tasks WHERE status = 'running')
		 ORDER BY created_at, id LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select next task")
	}

	if err := s.StartTask(ctx, id); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// lost the race to another worker
			return nil, nil
		}
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET progress = $2 WHERE id = $1 AND status = 'running' AND progress <= $2`,
		id, progress,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return progressError(ctx, s, id, progress)
	}
	return nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id, resultID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: complete task: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE analysis_tasks SET status = 'completed', progress = 100, result_id = $2, completed_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id, resultID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return transitionError(ctx, s, id, "complete")
	}

	if _, err := tx.Exec(ctx, `UPDATE result_sets SET active = false WHERE active AND id <> $1`, resultID); err != nil {
		return eris.Wrap(err, "postgres: deactivate result sets")
	}
	tag, err = tx.Exec(ctx, `UPDATE result_sets SET active = true WHERE id = $1 AND task_id = $2`, resultID, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: activate result set %s", resultID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrResultNotFound, "postgres: activate result set %s for task %s", resultID, id)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: complete task: commit")
}

func (s *PostgresStore) FailTask(ctx context.Context, id, message string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: fail task: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE analysis_tasks SET status = 'failed', error = $2, completed_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id, message, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return transitionError(ctx, s, id, "fail")
	}
	if _, err := tx.Exec(ctx, clearAssignmentsSQL+` = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: clear assignments of task %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: fail task: commit")
}

func (s *PostgresStore) FailStaleTasks(ctx context.Context, startedBefore time.Time, message string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fail stale tasks: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`UPDATE analysis_tasks SET status = 'failed', error = $2, completed_at = $3
		 WHERE status = 'running' AND started_at < $1 RETURNING id`,
		startedBefore, message, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fail stale tasks")
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan stale task")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: fail stale tasks iterate")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, clearAssignmentsSQL+` = ANY($1)`, ids); err != nil {
		return nil, eris.Wrap(err, "postgres: clear assignments of stale tasks")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: fail stale tasks: commit")
	}
	return ids, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == model.TaskRunning {
		return model.InvalidTransition("delete", t.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: delete task: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE entity_profiles SET segment_task_id = NULL, segment_id = NULL, segment_label = NULL
		 WHERE segment_task_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: clear assignments of task %s", id)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM segment_results WHERE result_id IN (SELECT id FROM result_sets WHERE task_id = $1)`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete segments of task %s", id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM result_sets WHERE task_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete result sets of task %s", id)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM analysis_tasks WHERE id = $1 AND status <> 'running'`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrInvalidTransition, "postgres: delete task %s: task started", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: delete task: commit")
}

// --- Status ---

func (s *PostgresStore) CountTasks(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM analysis_tasks GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count tasks by status")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count tasks iterate")
}

func (s *PostgresStore) LastCompletedTask(ctx context.Context) (*model.AnalysisTask, error) {
	t, err := scanTaskPg(s.pool.QueryRow(ctx,
		taskSelect+` WHERE status = 'completed' ORDER BY completed_at DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func scanTaskPg(row pgx.Row) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var params []byte
	var status string
	err := row.Scan(&t.ID, &t.Name, &t.Type, &params, &status, &t.Progress, &t.Error, &t.CreatedBy, &t.ResultID,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan task")
	}
	t.Status = model.TaskStatus(status)
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal params")
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
