package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// EpochStore tracks the per-thread epoch: a monotonically increasing
// integer bumped on every inbound message. RunTasks carry the epoch that
// created them; a task whose epoch trails the thread's latest is stale
// and cancels instead of dispatching — latest message wins.
type EpochStore struct {
	db *sql.DB
}

// OpenEpochs creates or opens the thread-epoch database.
func OpenEpochs(path string) (*EpochStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_epochs (
			tenant_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, channel, thread_key)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure epoch schema: %w", err)
	}
	return &EpochStore{db: db}, nil
}

// Close releases the underlying database.
func (e *EpochStore) Close() error { return e.db.Close() }

// Bump increments the thread's epoch and returns the new value. The
// first message of a thread gets epoch 1.
func (e *EpochStore) Bump(ctx context.Context, tenantID string, ch channel.Channel, threadKey string) (int64, error) {
	var epoch int64
	err := sqlitedb.RetryOnBusy(ctx, 5, func() error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin epoch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_epochs (tenant_id, channel, thread_key, epoch)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(tenant_id, channel, thread_key)
			DO UPDATE SET epoch = epoch + 1;
		`, tenantID, ch.String(), threadKey); err != nil {
			return fmt.Errorf("bump epoch: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT epoch FROM thread_epochs
			WHERE tenant_id = ? AND channel = ? AND thread_key = ?;
		`, tenantID, ch.String(), threadKey).Scan(&epoch); err != nil {
			return fmt.Errorf("read epoch: %w", err)
		}
		return tx.Commit()
	})
	return epoch, err
}

// Current returns the thread's latest epoch; 0 when the thread is
// unknown.
func (e *EpochStore) Current(ctx context.Context, tenantID string, ch channel.Channel, threadKey string) (int64, error) {
	var epoch int64
	err := e.db.QueryRowContext(ctx, `
		SELECT epoch FROM thread_epochs
		WHERE tenant_id = ? AND channel = ? AND thread_key = ?;
	`, tenantID, ch.String(), threadKey).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current epoch: %w", err)
	}
	return epoch, nil
}

// Stale reports whether a task epoch trails the thread's latest. An
// unknown thread (current 0) or an untagged task (epoch 0) is never
// stale.
func (e *EpochStore) Stale(ctx context.Context, tenantID string, ch channel.Channel, threadKey string, taskEpoch int64) (bool, error) {
	if taskEpoch == 0 || threadKey == "" {
		return false, nil
	}
	current, err := e.Current(ctx, tenantID, ch, threadKey)
	if err != nil {
		return false, err
	}
	if current == 0 {
		return false, nil
	}
	return taskEpoch < current, nil
}
