package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "segment.entity_profiles")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// BulkUpsert writes rows in one transaction via a temp table and INSERT ... ON CONFLICT.
// 1. Creates a temp table shaped like the target (dropped on commit)
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
// Re-running the same rows leaves the target unchanged.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		updateCols = without(cfg.Columns, cfg.ConflictKeys)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := tempName("_tmp_upsert_", cfg.Table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	action := "DO NOTHING"
	if len(updateCols) > 0 {
		setClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			q := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	)
	tag, err := tx.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// UpdateConfig defines the parameters for a bulk keyed update.
type UpdateConfig struct {
	Table   string   // target table
	Keys    []string // columns matched between staged rows and target
	Columns []string // columns overwritten on matching target rows
	// Where is an optional extra predicate on the target row, e.g. "t.active".
	Where string
}

// BulkUpdate overwrites Columns on existing target rows matched by Keys, in one transaction.
// Rows without a matching target are ignored. Returns the number of target rows updated.
func BulkUpdate(ctx context.Context, pool Pool, cfg UpdateConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Keys) == 0 {
		return 0, eris.New("db: update: no key columns specified")
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: update: no columns specified")
	}

	all := append(append([]string{}, cfg.Keys...), cfg.Columns...)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: update: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := tempName("_tmp_update_", cfg.Table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(all),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: update: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, all, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: update: COPY into temp table for %s", cfg.Table)
	}

	sets := make([]string, len(cfg.Columns))
	for i, col := range cfg.Columns {
		q := pgx.Identifier{col}.Sanitize()
		sets[i] = fmt.Sprintf("%s = s.%s", q, q)
	}
	conds := make([]string, 0, len(cfg.Keys)+1)
	for _, k := range cfg.Keys {
		q := pgx.Identifier{k}.Sanitize()
		conds = append(conds, fmt.Sprintf("t.%s = s.%s", q, q))
	}
	if cfg.Where != "" {
		conds = append(conds, cfg.Where)
	}

	updateSQL := fmt.Sprintf(
		"UPDATE %s AS t SET %s FROM %s AS s WHERE %s",
		sanitizeTable(cfg.Table),
		strings.Join(sets, ", "),
		pgx.Identifier{tempTable}.Sanitize(),
		strings.Join(conds, " AND "),
	)
	tag, err := tx.Exec(ctx, updateSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: update: UPDATE FROM for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: update: commit tx")
	}
	return tag.RowsAffected(), nil
}

func tempName(prefix, table string) string {
	return prefix + strings.ReplaceAll(table, ".", "_")
}

func without(cols, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, c := range cols {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

// identifier splits a possibly schema-qualified table name.
func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	return pgx.Identifier(parts)
}

// sanitizeTable handles schema-qualified table names like "segment.entity_profiles".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
