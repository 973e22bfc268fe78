package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// Index is the global task_index: the derived (task_id, user_id,
// next_run, enabled) projection of every per-user store. It is kept in
// sync on each per-user write and never stale for more than one poll
// interval.
type Index struct {
	db *sql.DB
}

// OpenIndex creates or opens the global index database.
func OpenIndex(path string) (*Index, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_index (
			task_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			next_run TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_index_due ON task_index(enabled, next_run);
		CREATE INDEX IF NOT EXISTS idx_task_index_user ON task_index(user_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database.
func (i *Index) Close() error { return i.db.Close() }

// SyncUser replaces every index row for one user with the store's
// current projection, in one transaction.
func (i *Index) SyncUser(ctx context.Context, userID string, rows []IndexRow) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		tx, err := i.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin index tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_index WHERE user_id = ?;`, userID); err != nil {
			return fmt.Errorf("clear user index: %w", err)
		}
		now := time.Now().UTC().Format(sqlitedb.TimeFormat)
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_index (task_id, user_id, next_run, enabled, updated_at)
				VALUES (?, ?, ?, ?, ?);
			`, row.TaskID, row.UserID, row.NextRun.UTC().Format(sqlitedb.TimeFormat),
				boolToInt(row.Enabled), now); err != nil {
				return fmt.Errorf("insert index row: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Due returns up to batch enabled rows with next_run ≤ now, ordered by
// next_run then task_id so same-instant cron ties break stably.
func (i *Index) Due(ctx context.Context, now time.Time, batch int) ([]IndexRow, error) {
	if batch <= 0 {
		batch = 64
	}
	rows, err := i.db.QueryContext(ctx, `
		SELECT task_id, user_id, next_run, enabled
		FROM task_index
		WHERE enabled = 1 AND next_run <= ?
		ORDER BY next_run ASC, task_id ASC
		LIMIT ?;
	`, now.UTC().Format(sqlitedb.TimeFormat), batch)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var (
			row     IndexRow
			nextRun string
			enabled int
		)
		if err := rows.Scan(&row.TaskID, &row.UserID, &nextRun, &enabled); err != nil {
			return nil, fmt.Errorf("scan due row: %w", err)
		}
		row.Enabled = enabled != 0
		if row.NextRun, err = time.Parse(time.RFC3339Nano, nextRun); err != nil {
			return nil, fmt.Errorf("parse next_run: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
