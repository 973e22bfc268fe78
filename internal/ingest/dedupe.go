package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// DedupeKey builds the stable hash over (channel, tenant, external
// message id) used to reject duplicates at the gateway.
func DedupeKey(ch channel.Channel, tenantID, externalMessageID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", ch, tenantID, externalMessageID)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeStore is the durable set of processed dedupe keys.
type DedupeStore struct {
	db *sql.DB
}

// OpenDedupe creates or opens the store at path.
func OpenDedupe(path string) (*DedupeStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_messages (
			dedupe_key TEXT PRIMARY KEY,
			first_seen_at TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure dedupe schema: %w", err)
	}
	return &DedupeStore{db: db}, nil
}

// Close releases the underlying database.
func (d *DedupeStore) Close() error { return d.db.Close() }

// CheckAndInsert atomically records the key. Returns true for a fresh
// key; false when some caller (possibly concurrent) already inserted it.
func (d *DedupeStore) CheckAndInsert(ctx context.Context, dedupeKey string) (fresh bool, err error) {
	err = sqlitedb.RetryOnBusy(ctx, 5, func() error {
		res, execErr := d.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO processed_messages (dedupe_key, first_seen_at)
			VALUES (?, ?);
		`, dedupeKey, time.Now().UTC().Format(sqlitedb.TimeFormat))
		if execErr != nil {
			return fmt.Errorf("dedupe insert: %w", execErr)
		}
		n, _ := res.RowsAffected()
		fresh = n > 0
		return nil
	})
	return fresh, err
}
