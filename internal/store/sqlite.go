package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/segment-cli/internal/model"
)

// sqliteTime is fixed-width so text ordering matches time ordering.
const sqliteTime = "2006-01-02 15:04:05.000000000"

const sqliteDate = "2006-01-02"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which the task claim relies on.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
-- Money columns are REAL rounded to cents on write, the precision of NUMERIC(16,2) in Postgres.
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
	frequency          INTEGER NOT NULL DEFAULT 0,
	monetary           REAL NOT NULL DEFAULT 0,
	avg_payment_amount REAL NOT NULL DEFAULT 0,
	last_payment_date  TEXT,
	segment_task_id    TEXT,
	segment_id         INTEGER,
	segment_label      TEXT,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_details (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id        TEXT NOT NULL,
	amount           REAL NOT NULL,
	payment_date     TEXT NOT NULL,
	payment_category TEXT NOT NULL DEFAULT '',
	manufacturer     TEXT NOT NULL DEFAULT '',
	product          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS analysis_tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	params       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	progress     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_by   TEXT NOT NULL DEFAULT '',
	result_id    TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS result_sets (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES analysis_tasks(id) ON DELETE CASCADE,
	algorithm     TEXT NOT NULL,
	features      TEXT NOT NULL,
	metrics       TEXT NOT NULL,
	visualization TEXT,
	active        INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS segment_results (
	result_id  TEXT NOT NULL REFERENCES result_sets(id) ON DELETE CASCADE,
	segment_id INTEGER NOT NULL,
	task_id    TEXT NOT NULL,
	label      TEXT NOT NULL,
	name       TEXT NOT NULL,
	count      INTEGER NOT NULL,
	percentage REAL NOT NULL,
	means      TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (result_id, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_payment_details_entity ON payment_details(entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_profiles_segment ON entity_profiles(segment_task_id, segment_id);
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_status ON analysis_tasks(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_tasks_single_running ON analysis_tasks(status) WHERE status = 'running';
CREATE UNIQUE INDEX IF NOT EXISTS idx_result_sets_single_active ON result_sets(active) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_result_sets_task ON result_sets(task_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLiteStore) inTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin tx", name)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", name)
}

// --- Profiles ---

func (s *SQLiteStore) UpsertProfiles(ctx context.Context, profiles []model.EntityProfile) (int64, error) {
	if len(profiles) == 0 {
		return 0, nil
	}
	sets := make([]string, 0, len(profileColumns)-1)
	for _, c := range profileColumns[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	query := `INSERT INTO entity_profiles (` + strings.Join(profileColumns, ", ") + `)
		VALUES (?` + strings.Repeat(", ?", len(profileColumns)-1) + `)
		ON CONFLICT(id) DO UPDATE SET ` + strings.Join(sets, ", ")

	now := time.Now().UTC().Format(sqliteTime)
	var n int64
	err := s.inTx(ctx, "upsert profiles", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare profile upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, p := range profiles {
			var recency any
			if p.Recency != nil {
				recency = *p.Recency
			}
			if _, err := stmt.ExecContext(ctx,
				p.ID, p.FirstName, p.LastName, p.FullName(), p.PrimaryType, p.Specialty, p.State, p.City,
				recency, p.Frequency, cents(p.Monetary), cents(p.AvgPayment), formatDate(p.LastPaymentDate), now,
			); err != nil {
				return eris.Wrapf(err, "sqlite: upsert profile %s", p.ID)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) InsertPaymentDetails(ctx context.Context, details []model.PaymentDetail) (int64, error) {
	if len(details) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, "insert payment details", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO payment_details (`+strings.Join(detailColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare detail insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, d := range details {
			if _, err := stmt.ExecContext(ctx,
				d.EntityID, cents(d.Amount), d.PaymentDate.Format(sqliteDate), d.PaymentCategory, d.Manufacturer, d.Product,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert detail for %s", d.EntityID)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) AssignSegments(ctx context.Context, assignments []model.SegmentAssignment) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, "assign segments", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE entity_profiles SET segment_task_id = ?, segment_id = ?, segment_label = ?
			 WHERE id = ? AND EXISTS (SELECT 1 FROM analysis_tasks WHERE id = ? AND status = 'running')`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare assignment")
		}
		defer stmt.Close() //nolint:errcheck

		for _, a := range assignments {
			res, err := stmt.ExecContext(ctx, a.TaskID, a.SegmentID, string(a.Label), a.EntityID, a.TaskID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: assign %s", a.EntityID)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			n += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

const sqliteProfileSelect = `SELECT id, first_name, last_name, primary_type, specialty, state, city,
	recency_days, frequency, monetary, avg_payment_amount, last_payment_date,
	segment_task_id, segment_id, segment_label FROM entity_profiles`

func (s *SQLiteStore) LoadProfiles(ctx context.Context) ([]model.EntityProfile, error) {
	rows, err := s.db.QueryContext(ctx, sqliteProfileSelect+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load profiles")
	}
	defer rows.Close()

	var out []model.EntityProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load profiles iterate")
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*model.EntityProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, sqliteProfileSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrProfileNotFound, "sqlite: get profile %s", id)
	}
	return p, err
}

func (s *SQLiteStore) CountProfiles(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_profiles`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count profiles")
}

// --- Result sets ---

func (s *SQLiteStore) SaveResultSet(ctx context.Context, rs *model.ResultSet) error {
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	features, err := json.Marshal(rs.Features)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal features")
	}
	metrics, err := json.Marshal(rs.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}
	viz, err := json.Marshal(rs.Visualization)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal visualization")
	}

	now := time.Now().UTC()
	return s.inTx(ctx, "save result set", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO result_sets (id, task_id, algorithm, features, metrics, visualization, active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			rs.ID, rs.TaskID, rs.Algorithm, string(features), string(metrics), string(viz), now.Format(sqliteTime),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert result set %s", rs.ID)
		}
		for i := range rs.Segments {
			seg := &rs.Segments[i]
			means, err := json.Marshal(seg.Means)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal means")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO segment_results (result_id, segment_id, task_id, label, name, count, percentage, means, strategy, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rs.ID, seg.SegmentID, rs.TaskID, string(seg.Label), seg.Name, seg.Count, seg.Percentage,
				string(means), seg.Strategy, now.Format(sqliteTime),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert segment %d", seg.SegmentID)
			}
			seg.ResultID = rs.ID
			seg.CreatedAt = now
		}
		return nil
	})
}

const sqliteResultSetSelect = `SELECT id, task_id, algorithm, features, metrics, visualization, active FROM result_sets`

func (s *SQLiteStore) GetResultSet(ctx context.Context, resultID string) (*model.ResultSet, error) {
	return s.loadResultSet(ctx, sqliteResultSetSelect+` WHERE id = ?`, resultID)
}

func (s *SQLiteStore) ActiveResultSet(ctx context.Context) (*model.ResultSet, error) {
	return s.loadResultSet(ctx, sqliteResultSetSelect+` WHERE active = 1`)
}

func (s *SQLiteStore) loadResultSet(ctx context.Context, query string, args ...any) (*model.ResultSet, error) {
	var rs model.ResultSet
	var features, metrics string
	var viz sql.NullString
	var active bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&rs.ID, &rs.TaskID, &rs.Algorithm, &features, &metrics, &viz, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(model.ErrResultNotFound, "sqlite: get result set")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get result set")
	}
	if err := decodeResultSet(&rs, []byte(features), []byte(metrics), []byte(viz.String)); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, label, name, count, percentage, means, strategy, created_at
		 FROM segment_results WHERE result_id = ? ORDER BY segment_id`, rs.ID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list segments")
	}
	defer rows.Close()

	for rows.Next() {
		var seg model.SegmentResult
		var label, means, created string
		if err := rows.Scan(&seg.SegmentID, &label, &seg.Name, &seg.Count, &seg.Percentage, &means, &seg.Strategy, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan segment")
		}
		seg.Label = model.Label(label)
		if err := json.Unmarshal([]byte(means), &seg.Means); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal means")
		}
		if seg.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse segment created_at")
		}
		rs.Segments = append(rs.Segments, fillSegment(seg, &rs, active))
	}
	return &rs, eris.Wrap(rows.Err(), "sqlite: list segments iterate")
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task model.AnalysisTask) (*model.AnalysisTask, error) {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal params")
	}
	task.ID = uuid.New().String()
	task.Status = model.TaskPending
	task.Progress = model.ProgressStarted
	task.CreatedAt = time.Now().UTC()
	if task.Type == "" {
		task.Type = model.TaskTypeClustering
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_tasks (id, name, type, params, status, progress, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.Type, string(params), string(task.Status), task.Progress, task.CreatedBy,
		task.CreatedAt.Format(sqliteTime),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create task")
	}
	return &task, nil
}

const sqliteTaskSelect = `SELECT id, name, type, params, status, progress, error, created_by, result_id,
	created_at, started_at, completed_at FROM analysis_tasks`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.AnalysisTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, sqliteTaskSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrTaskNotFound, "sqlite: get task %s", id)
	}
	return t, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.AnalysisTask, int, error) {
	filter = filter.Normalize()

	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count tasks")
	}

	rows, err := s.db.QueryContext(ctx,
		sqliteTaskSelect+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, filter.PageSize, filter.Offset())...,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.AnalysisTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

func (s *SQLiteStore) StartTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_tasks SET status = 'running', progress = 0, started_at = ?
		 WHERE id = ? AND status = 'pending'
		 AND NOT EXISTS (SELECT 1 FROM analysis_tasks WHERE status = 'running')`,
		time.Now().UTC().Format(sqliteTime), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start task %s", id)
	}
	if err := checkRowsAffected(res, "task", id); err != nil {
		t, gerr := s.GetTask(ctx, id)
		if gerr != nil {
			return gerr
		}
		if t.Status == model.TaskPending {
			return eris.Wrapf(model.ErrInvalidTransition, "start task %s: another task is running", id)
		}
		return model.InvalidTransition("start", t.Status)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextTask(ctx context.Context) (*model.AnalysisTask, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM analysis_tasks WHERE status = 'pending'
		 AND NOT EXISTS (SELECT 1 FROM analysis_tasks WHERE status = 'running')
		 ORDER BY created_at, rowid LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select next task")
	}
	if err := s.StartTask(ctx, id); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_tasks SET progress = ? WHERE id = ? AND status = 'running' AND progress <= ?`,
		progress, id, progress,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", id)
	}
	if checkRowsAffected(res, "task", id) != nil {
		return progressError(ctx, s, id, progress)
	}
	return nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id, resultID string) error {
	var notRunning bool
	err := s.inTx(ctx, "complete task", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE analysis_tasks SET status = 'completed', progress = 100, result_id = ?, completed_at = ?
			 WHERE id = ? AND status = 'running'`,
			resultID, time.Now().UTC().Format(sqliteTime), id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: complete task %s", id)
		}
		if checkRowsAffected(res, "task", id) != nil {
			notRunning = true
			return model.ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `UPDATE result_sets SET active = 0 WHERE active = 1 AND id <> ?`, resultID); err != nil {
			return eris.Wrap(err, "sqlite: deactivate result sets")
		}
		res, err = tx.ExecContext(ctx, `UPDATE result_sets SET active = 1 WHERE id = ? AND task_id = ?`, resultID, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: activate result set %s", resultID)
		}
		if checkRowsAffected(res, "result set", resultID) != nil {
			return eris.Wrapf(model.ErrResultNotFound, "sqlite: activate result set %s for task %s", resultID, id)
		}
		return nil
	})
	if notRunning {
		return transitionError(ctx, s, id, "complete")
	}
	return err
}

func (s *SQLiteStore) FailTask(ctx context.Context, id, message string) error {
	var notRunning bool
	err := s.inTx(ctx, "fail task", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE analysis_tasks SET status = 'failed', error = ?, completed_at = ?
			 WHERE id = ? AND status = 'running'`,
			message, time.Now().UTC().Format(sqliteTime), id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: fail task %s", id)
		}
		if checkRowsAffected(res, "task", id) != nil {
			notRunning = true
			return model.ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, clearAssignmentsSQL+` = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: clear assignments of task %s", id)
		}
		return nil
	})
	if notRunning {
		return transitionError(ctx, s, id, "fail")
	}
	return err
}

func (s *SQLiteStore) FailStaleTasks(ctx context.Context, startedBefore time.Time, message string) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, "fail stale tasks", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM analysis_tasks WHERE status = 'running' AND started_at < ?`,
			startedBefore.UTC().Format(sqliteTime),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: select stale tasks")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return eris.Wrap(err, "sqlite: scan stale task")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: stale tasks iterate")
		}

		now := time.Now().UTC().Format(sqliteTime)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE analysis_tasks SET status = 'failed', error = ?, completed_at = ? WHERE id = ? AND status = 'running'`,
				message, now, id,
			); err != nil {
				return eris.Wrapf(err, "sqlite: fail stale task %s", id)
			}
			if _, err := tx.ExecContext(ctx, clearAssignmentsSQL+` = ?`, id); err != nil {
				return eris.Wrapf(err, "sqlite: clear assignments of task %s", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == model.TaskRunning {
		return model.InvalidTransition("delete", t.Status)
	}

	return s.inTx(ctx, "delete task", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_profiles SET segment_task_id = NULL, segment_id = NULL, segment_label = NULL
			 WHERE segment_task_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: clear assignments of task %s", id)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM segment_results WHERE result_id IN (SELECT id FROM result_sets WHERE task_id = ?)`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete segments of task %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM result_sets WHERE task_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete result sets of task %s", id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM analysis_tasks WHERE id = ? AND status <> 'running'`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete task %s", id)
		}
		return checkRowsAffected(res, "task", id)
	})
}

// --- Status ---

func (s *SQLiteStore) CountTasks(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analysis_tasks GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count tasks by status")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count tasks iterate")
}

func (s *SQLiteStore) LastCompletedTask(ctx context.Context) (*model.AnalysisTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		sqliteTaskSelect+` WHERE status = 'completed' ORDER BY completed_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var params, status, created string
	var started, completed sql.NullString

	err := row.Scan(&t.ID, &t.Name, &t.Type, &params, &status, &t.Progress, &t.Error, &t.CreatedBy, &t.ResultID,
		&created, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}

	t.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal params")
	}
	if t.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse created_at")
	}
	if t.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanProfile(row scannable) (*model.EntityProfile, error) {
	var p model.EntityProfile
	var recency, segID sql.NullInt64
	var lastDate, segTask, segLabel sql.NullString

	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.PrimaryType, &p.Specialty, &p.State, &p.City,
		&recency, &p.Frequency, &p.Monetary, &p.AvgPayment, &lastDate, &segTask, &segID, &segLabel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan profile")
	}

	if recency.Valid {
		p.Recency = model.IntPtr(int(recency.Int64))
	}
	if lastDate.Valid {
		d, err := time.Parse(sqliteDate, lastDate.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse last_payment_date")
		}
		p.LastPaymentDate = &d
	}
	if segTask.Valid && segID.Valid {
		p.Segment = &model.SegmentRef{TaskID: segTask.String, SegmentID: int(segID.Int64), Label: model.Label(segLabel.String)}
	}
	return &p, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTime, v.String)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse timestamp")
	}
	return &t, nil
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(sqliteDate)
}
