// Package queue is the durable ingestion queue: a SQLite-backed,
// crash-safe FIFO-ish queue with per-employee partitioning, leases, and
// bounded retries. Delivery is at-least-once; the dedupe key makes
// successful completion at-most-once.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// Status is the envelope lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusLeased  Status = "leased"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Envelope is one queued inbound message with its routing decision and
// raw payload reference.
type Envelope struct {
	ID         string
	TenantID   string
	EmployeeID string
	Channel    channel.Channel
	DedupeKey  string
	RawBlobRef string
	Parsed     channel.InboundMessage
	ReceivedAt time.Time
	Attempts   int
	Status     Status
	LeaseExpiresAt *time.Time
	LastError  string
}

// NewEnvelopeID returns a time-ordered envelope id (UUIDv7 preferred,
// falling back to v4 when the clock source fails).
func NewEnvelopeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Options tunes queue behavior.
type Options struct {
	MaxAttempts int
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

// Queue is the durable ingestion queue.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	now         func() time.Time
}

// Open creates or opens the queue database at path.
func Open(path string, opts Options) (*Queue, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db, maxAttempts: opts.MaxAttempts, now: opts.Now}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if err := q.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) ensureSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS ingestion_queue (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			employee_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			raw_blob_ref TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL,
			received_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			lease_expires_at TEXT,
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_queue_claim
			ON ingestion_queue(employee_id, status, received_at);
		CREATE INDEX IF NOT EXISTS idx_queue_lease
			ON ingestion_queue(lease_expires_at);
	`)
	if err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	return nil
}

// Enqueue inserts the envelope as pending. A dedupe-key collision is not
// an error: the envelope is already queued (or processed) and inserted
// reports false.
func (q *Queue) Enqueue(ctx context.Context, env *Envelope) (inserted bool, err error) {
	payload, err := json.Marshal(env.Parsed)
	if err != nil {
		return false, fmt.Errorf("marshal envelope payload: %w", err)
	}
	err = sqlitedb.RetryOnBusy(ctx, 5, func() error {
		res, execErr := q.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO ingestion_queue
				(id, tenant_id, employee_id, channel, dedupe_key, raw_blob_ref,
				 payload_json, received_at, attempts, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'pending');
		`, env.ID, env.TenantID, env.EmployeeID, env.Channel.String(), env.DedupeKey,
			env.RawBlobRef, string(payload), env.ReceivedAt.UTC().Format(sqlitedb.TimeFormat))
		if execErr != nil {
			return fmt.Errorf("enqueue envelope: %w", execErr)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// ClaimNext atomically claims the oldest claimable envelope for the
// employee: a pending row, or a leased row whose lease expired. The
// claim bumps attempts and extends the lease.
func (q *Queue) ClaimNext(ctx context.Context, employeeID string, lease time.Duration) (*Envelope, error) {
	var claimed *Envelope
	err := sqlitedb.RetryOnBusy(ctx, 5, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := q.now().UTC()
		nowStr := now.Format(sqlitedb.TimeFormat)
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, employee_id, channel, dedupe_key, raw_blob_ref,
				payload_json, received_at, attempts, status, lease_expires_at, last_error
			FROM ingestion_queue
			WHERE employee_id = ?
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))
			ORDER BY received_at ASC, id ASC
			LIMIT 1;
		`, employeeID, nowStr)

		env, scanErr := scanEnvelope(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return fmt.Errorf("select claimable envelope: %w", scanErr)
		}

		leaseExpires := now.Add(lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE ingestion_queue
			SET status = 'leased', attempts = attempts + 1, lease_expires_at = ?
			WHERE id = ?
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?));
		`, leaseExpires.Format(sqlitedb.TimeFormat), env.ID, nowStr)
		if err != nil {
			return fmt.Errorf("lease envelope: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			claimed = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		env.Status = StatusLeased
		env.Attempts++
		env.LeaseExpiresAt = &leaseExpires
		claimed = env
		return nil
	})
	return claimed, err
}

// MarkDone records successful ingestion commit.
func (q *Queue) MarkDone(ctx context.Context, envelopeID string) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		_, err := q.db.ExecContext(ctx, `
			UPDATE ingestion_queue
			SET status = 'done', lease_expires_at = NULL
			WHERE id = ?;
		`, envelopeID)
		if err != nil {
			return fmt.Errorf("mark done: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed attempt. Below the attempt cap the
// envelope returns to pending; at the cap it becomes failed.
func (q *Queue) MarkFailed(ctx context.Context, envelopeID, errorMsg string) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		_, err := q.db.ExecContext(ctx, `
			UPDATE ingestion_queue
			SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
			    lease_expires_at = NULL,
			    last_error = ?
			WHERE id = ?;
		`, q.maxAttempts, errorMsg, envelopeID)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// Get loads one envelope by id.
func (q *Queue) Get(ctx context.Context, envelopeID string) (*Envelope, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, employee_id, channel, dedupe_key, raw_blob_ref,
			payload_json, received_at, attempts, status, lease_expires_at, last_error
		FROM ingestion_queue WHERE id = ?;
	`, envelopeID)
	env, err := scanEnvelope(row)
	if err != nil {
		return nil, fmt.Errorf("get envelope %s: %w", envelopeID, err)
	}
	return env, nil
}

// Depth counts envelopes awaiting delivery for an employee.
func (q *Queue) Depth(ctx context.Context, employeeID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM ingestion_queue
		WHERE employee_id = ? AND status IN ('pending', 'leased');
	`, employeeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var (
		env         Envelope
		ch          string
		payloadJSON string
		receivedAt  string
		leaseExpiry sql.NullString
	)
	if err := row.Scan(&env.ID, &env.TenantID, &env.EmployeeID, &ch, &env.DedupeKey,
		&env.RawBlobRef, &payloadJSON, &receivedAt, &env.Attempts, (*string)(&env.Status),
		&leaseExpiry, &env.LastError); err != nil {
		return nil, err
	}
	parsedCh, err := channel.Parse(ch)
	if err != nil {
		return nil, err
	}
	env.Channel = parsedCh
	if err := json.Unmarshal([]byte(payloadJSON), &env.Parsed); err != nil {
		return nil, fmt.Errorf("unmarshal envelope payload: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("parse received_at: %w", err)
	}
	env.ReceivedAt = t
	if leaseExpiry.Valid && leaseExpiry.String != "" {
		le, err := time.Parse(time.RFC3339Nano, leaseExpiry.String)
		if err != nil {
			return nil, fmt.Errorf("parse lease_expires_at: %w", err)
		}
		env.LeaseExpiresAt = &le
	}
	return &env, nil
}
