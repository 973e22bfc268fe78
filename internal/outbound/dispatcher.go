// Package outbound sends replies on their originating channel. The core
// talks to one Dispatcher; channel specifics live behind the Sender
// interface. Sends are idempotent per task id.
package outbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// Attachment is one outbound file.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Payload is one reply to deliver.
type Payload struct {
	Channel    channel.Channel
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	HTML       string
	Text       string
	InReplyTo  string
	References string
	ReplyHints map[string]string
	Attachments []Attachment
}

// Receipt identifies a completed send.
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// Transient/permanent send error classification. Transient errors are
// retried with backoff; permanent ones fail the task.
var (
	ErrTransient = errors.New("transient send failure")
	ErrPermanent = errors.New("permanent send failure")
)

// Transient wraps err as retryable.
func Transient(err error) error { return fmt.Errorf("%w: %v", ErrTransient, err) }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return fmt.Errorf("%w: %v", ErrPermanent, err) }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Sender delivers payloads on one channel.
type Sender interface {
	Send(ctx context.Context, p Payload) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p Payload) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, p Payload) (Receipt, error) { return f(ctx, p) }

// Dispatcher routes payloads to channel senders and enforces per-task
// send idempotency via the sent_receipts table.
type Dispatcher struct {
	senders  map[channel.Channel]Sender
	receipts *sql.DB
}

// NewDispatcher opens the receipt store and registers no senders.
func NewDispatcher(receiptDBPath string) (*Dispatcher, error) {
	db, err := sqlitedb.Open(receiptDBPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sent_receipts (
			task_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			sent_at TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure receipts schema: %w", err)
	}
	return &Dispatcher{
		senders:  make(map[channel.Channel]Sender),
		receipts: db,
	}, nil
}

// Close releases the receipt store.
func (d *Dispatcher) Close() error { return d.receipts.Close() }

// Register installs the sender for a channel.
func (d *Dispatcher) Register(ch channel.Channel, s Sender) {
	d.senders[ch] = s
}

// Send delivers the payload once per task id. A task that already has a
// receipt returns it without re-sending, so retries never double-send.
func (d *Dispatcher) Send(ctx context.Context, taskID string, p Payload) (Receipt, error) {
	if prior, ok, err := d.lookupReceipt(ctx, taskID); err != nil {
		return Receipt{}, err
	} else if ok {
		return prior, nil
	}

	sender, ok := d.senders[p.Channel]
	if !ok {
		return Receipt{}, Permanent(fmt.Errorf("no sender for channel %s", p.Channel))
	}

	// Chat channels take plain text; convert when only HTML was drafted.
	if !p.Channel.UsesHTMLReply() && p.Text == "" && p.HTML != "" {
		p.Text = HTMLToText(p.HTML)
	}

	receipt, err := sender.Send(ctx, p)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.SentAt.IsZero() {
		receipt.SentAt = time.Now().UTC()
	}
	if err := d.storeReceipt(ctx, taskID, receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (d *Dispatcher) lookupReceipt(ctx context.Context, taskID string) (Receipt, bool, error) {
	var (
		r      Receipt
		sentAt string
	)
	err := d.receipts.QueryRowContext(ctx, `
		SELECT message_id, sent_at FROM sent_receipts WHERE task_id = ?;
	`, taskID).Scan(&r.MessageID, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("lookup receipt: %w", err)
	}
	if r.SentAt, err = time.Parse(time.RFC3339Nano, sentAt); err != nil {
		return Receipt{}, false, fmt.Errorf("parse sent_at: %w", err)
	}
	return r, true, nil
}

func (d *Dispatcher) storeReceipt(ctx context.Context, taskID string, r Receipt) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		_, err := d.receipts.ExecContext(ctx, `
			INSERT OR IGNORE INTO sent_receipts (task_id, message_id, sent_at)
			VALUES (?, ?, ?);
		`, taskID, r.MessageID, r.SentAt.UTC().Format(sqlitedb.TimeFormat))
		if err != nil {
			return fmt.Errorf("store receipt: %w", err)
		}
		return nil
	})
}
