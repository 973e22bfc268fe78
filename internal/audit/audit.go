// Package audit records gateway and scheduler decisions to an
// append-only JSONL trail and, when configured, an audit_log table.
// Entries answer "what did the core decide about this message/task and
// why" without relying on log scraping.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dowhiz/dowhiz/internal/shared"
)

// Decision names for ingest and scheduler events.
const (
	DecisionAccepted    = "accepted"
	DecisionDuplicate   = "duplicate"
	DecisionNoRoute     = "no_route"
	DecisionBlacklisted = "blacklisted"
	DecisionParseError  = "parse_error"
	DecisionActionApply = "scheduler_action"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Channel   string `json:"channel,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	dropCount atomic.Int64
)

// Init opens the JSONL trail under homeDir/logs.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
	if db != nil {
		_, _ = db.Exec(`
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				decision TEXT NOT NULL,
				channel TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				trace_id TEXT NOT NULL DEFAULT ''
			);
		`)
	}
}

// Close flushes and closes the trail.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DropCount returns how many messages were dropped (duplicate, no-route,
// blacklisted) since startup.
func DropCount() int64 {
	return dropCount.Load()
}

// Record appends one decision. Subject identifies the message or task;
// detail carries the reason. Secrets are redacted before write.
func Record(ctx context.Context, decision, channelName, subject, detail string) {
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Decision:  decision,
		Channel:   channelName,
		Subject:   shared.Redact(subject),
		Detail:    shared.Redact(detail),
		TraceID:   shared.TraceID(ctx),
	}
	switch decision {
	case DecisionDuplicate, DecisionNoRoute, DecisionBlacklisted:
		dropCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		if data, err := json.Marshal(e); err == nil {
			_, _ = file.Write(append(data, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(ctx, `
			INSERT INTO audit_log (timestamp, decision, channel, subject, detail, trace_id)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.Timestamp, e.Decision, e.Channel, e.Subject, e.Detail, e.TraceID)
	}
}
