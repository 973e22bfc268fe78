package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// Store is one user's task database at users/<id>/state/tasks.db.
type Store struct {
	db     *sql.DB
	userID string
	now    func() time.Time
}

// OpenStore creates or opens a per-user task store.
func OpenStore(path, userID string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, userID: userID, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock injects a fixed clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// UserID returns the owning user.
func (s *Store) UserID() string { return s.userID }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			schedule_kind TEXT NOT NULL,
			cron_expr TEXT NOT NULL DEFAULT '',
			next_run TEXT NOT NULL,
			last_run TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_task_tasks (
			task_id TEXT PRIMARY KEY REFERENCES tasks(task_id) ON DELETE CASCADE,
			workspace_dir TEXT NOT NULL,
			model_name TEXT NOT NULL DEFAULT '',
			runner TEXT NOT NULL DEFAULT 'codex',
			agent_disabled INTEGER NOT NULL DEFAULT 0,
			reply_to TEXT NOT NULL DEFAULT '[]',
			reply_from TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT 'email',
			thread_key TEXT NOT NULL DEFAULT '',
			epoch INTEGER NOT NULL DEFAULT 0,
			archive_root TEXT NOT NULL DEFAULT '',
			employee_id TEXT NOT NULL DEFAULT '',
			reply_hints TEXT NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS send_reply_tasks (
			task_id TEXT PRIMARY KEY REFERENCES tasks(task_id) ON DELETE CASCADE,
			channel TEXT NOT NULL DEFAULT 'email',
			subject TEXT NOT NULL DEFAULT '',
			html_path TEXT NOT NULL,
			attachments_dir TEXT NOT NULL DEFAULT '',
			reply_from TEXT NOT NULL DEFAULT '',
			in_reply_to TEXT NOT NULL DEFAULT '',
			references_header TEXT NOT NULL DEFAULT '',
			reply_hints TEXT NOT NULL DEFAULT '{}',
			archive_root TEXT NOT NULL DEFAULT '',
			thread_key TEXT NOT NULL DEFAULT '',
			epoch INTEGER NOT NULL DEFAULT 0,
			employee_id TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS send_reply_recipients (
			task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			address TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (task_id, kind, position)
		);
		CREATE TABLE IF NOT EXISTS task_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(enabled, next_run);
		CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, started_at);
	`)
	if err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// AddTask persists a new task and returns its id.
func (s *Store) AddTask(ctx context.Context, task *Task) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	task.UserID = s.userID
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}

	err := sqlitedb.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, user_id, kind, enabled, schedule_kind, cron_expr, next_run, last_run, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?);
		`, task.TaskID, task.UserID, string(task.Kind), boolToInt(task.Enabled),
			string(task.Schedule.Kind), task.Schedule.Expression,
			task.Schedule.NextRun.UTC().Format(sqlitedb.TimeFormat),
			task.CreatedAt.UTC().Format(sqlitedb.TimeFormat)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		switch task.Kind {
		case KindRunTask:
			if task.RunTask == nil {
				return fmt.Errorf("run_task payload missing")
			}
			if err := insertRunTask(ctx, tx, task.TaskID, task.RunTask); err != nil {
				return err
			}
		case KindSendReply:
			if task.SendReply == nil {
				return fmt.Errorf("send_reply payload missing")
			}
			if err := insertSendReply(ctx, tx, task.TaskID, task.SendReply); err != nil {
				return err
			}
		case KindNoop:
		default:
			return fmt.Errorf("unknown task kind %q", task.Kind)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return task.TaskID, nil
}

func insertRunTask(ctx context.Context, tx *sql.Tx, taskID string, p *RunTaskPayload) error {
	replyTo, err := json.Marshal(p.ReplyTo)
	if err != nil {
		return fmt.Errorf("marshal reply_to: %w", err)
	}
	hints, err := json.Marshal(orEmpty(p.ReplyHints))
	if err != nil {
		return fmt.Errorf("marshal reply_hints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_task_tasks
			(task_id, workspace_dir, model_name, runner, agent_disabled, reply_to,
			 reply_from, channel, thread_key, epoch, archive_root, employee_id, reply_hints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, taskID, p.WorkspaceDir, p.ModelName, p.Runner, boolToInt(p.AgentDisabled),
		string(replyTo), p.ReplyFrom, p.Channel.String(), p.ThreadKey, p.Epoch,
		p.ArchiveRoot, p.EmployeeID, string(hints)); err != nil {
		return fmt.Errorf("insert run_task payload: %w", err)
	}
	return nil
}

func insertSendReply(ctx context.Context, tx *sql.Tx, taskID string, p *SendReplyPayload) error {
	hints, err := json.Marshal(orEmpty(p.ReplyHints))
	if err != nil {
		return fmt.Errorf("marshal reply_hints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO send_reply_tasks
			(task_id, channel, subject, html_path, attachments_dir, reply_from,
			 in_reply_to, references_header, reply_hints, archive_root, thread_key, epoch, employee_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, taskID, p.Channel.String(), p.Subject, p.HTMLPath, p.AttachmentsDir, p.From,
		p.InReplyTo, p.ReferencesHeader, string(hints), p.ArchiveRoot, p.ThreadKey,
		p.Epoch, p.EmployeeID); err != nil {
		return fmt.Errorf("insert send_reply payload: %w", err)
	}
	for kind, list := range map[string][]string{"to": p.To, "cc": p.Cc, "bcc": p.Bcc} {
		for i, addr := range list {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO send_reply_recipients (task_id, kind, address, position)
				VALUES (?, ?, ?, ?);
			`, taskID, kind, addr, i); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
	}
	return nil
}

// GetTask loads one task with its payload.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, kind, enabled, schedule_kind, cron_expr, next_run, last_run, created_at
		FROM tasks WHERE task_id = ?;
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	switch task.Kind {
	case KindRunTask:
		payload, loadErr := s.loadRunTask(ctx, taskID)
		if loadErr != nil {
			return nil, loadErr
		}
		task.RunTask = payload
	case KindSendReply:
		payload, loadErr := s.loadSendReply(ctx, taskID)
		if loadErr != nil {
			return nil, loadErr
		}
		task.SendReply = payload
	}
	return task, nil
}

func (s *Store) loadRunTask(ctx context.Context, taskID string) (*RunTaskPayload, error) {
	var (
		p        RunTaskPayload
		disabled int
		replyTo  string
		ch       string
		hints    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_dir, model_name, runner, agent_disabled, reply_to, reply_from,
			channel, thread_key, epoch, archive_root, employee_id, reply_hints
		FROM run_task_tasks WHERE task_id = ?;
	`, taskID).Scan(&p.WorkspaceDir, &p.ModelName, &p.Runner, &disabled, &replyTo,
		&p.ReplyFrom, &ch, &p.ThreadKey, &p.Epoch, &p.ArchiveRoot, &p.EmployeeID, &hints)
	if err != nil {
		return nil, fmt.Errorf("load run_task payload: %w", err)
	}
	p.AgentDisabled = disabled != 0
	if err := json.Unmarshal([]byte(replyTo), &p.ReplyTo); err != nil {
		return nil, fmt.Errorf("unmarshal reply_to: %w", err)
	}
	if err := json.Unmarshal([]byte(hints), &p.ReplyHints); err != nil {
		return nil, fmt.Errorf("unmarshal reply_hints: %w", err)
	}
	parsed, err := channel.Parse(ch)
	if err != nil {
		return nil, err
	}
	p.Channel = parsed
	return &p, nil
}

func (s *Store) loadSendReply(ctx context.Context, taskID string) (*SendReplyPayload, error) {
	var (
		p     SendReplyPayload
		ch    string
		hints string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel, subject, html_path, attachments_dir, reply_from, in_reply_to,
			references_header, reply_hints, archive_root, thread_key, epoch, employee_id
		FROM send_reply_tasks WHERE task_id = ?;
	`, taskID).Scan(&ch, &p.Subject, &p.HTMLPath, &p.AttachmentsDir, &p.From,
		&p.InReplyTo, &p.ReferencesHeader, &hints, &p.ArchiveRoot, &p.ThreadKey,
		&p.Epoch, &p.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("load send_reply payload: %w", err)
	}
	if err := json.Unmarshal([]byte(hints), &p.ReplyHints); err != nil {
		return nil, fmt.Errorf("unmarshal reply_hints: %w", err)
	}
	parsed, err := channel.Parse(ch)
	if err != nil {
		return nil, err
	}
	p.Channel = parsed

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, address FROM send_reply_recipients
		WHERE task_id = ? ORDER BY kind, position;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, addr string
		if err := rows.Scan(&kind, &addr); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		switch kind {
		case "to":
			p.To = append(p.To, addr)
		case "cc":
			p.Cc = append(p.Cc, addr)
		case "bcc":
			p.Bcc = append(p.Bcc, addr)
		}
	}
	return &p, rows.Err()
}

// ListTasks returns every task row (payloads not loaded), ordered by
// next_run then task_id.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, user_id, kind, enabled, schedule_kind, cron_expr, next_run, last_run, created_at
		FROM tasks ORDER BY next_run, task_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// SetEnabled flips a task's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET enabled = ? WHERE task_id = ?;
		`, boolToInt(enabled), taskID)
		if err != nil {
			return fmt.Errorf("set enabled: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// Reschedule replaces a task's schedule.
func (s *Store) Reschedule(ctx context.Context, taskID string, schedule Schedule) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET schedule_kind = ?, cron_expr = ?, next_run = ?, enabled = 1
			WHERE task_id = ?;
		`, string(schedule.Kind), schedule.Expression,
			schedule.NextRun.UTC().Format(sqlitedb.TimeFormat), taskID)
		if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// CompleteRun advances a task after a successful run: last_run set, and
// either the next cron occurrence or the one-shot disable.
func (s *Store) CompleteRun(ctx context.Context, taskID string, ranAt time.Time) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		switch task.Schedule.Kind {
		case ScheduleCron:
			next, nextErr := NextCronRun(task.Schedule.Expression, ranAt)
			if nextErr != nil {
				return nextErr
			}
			_, err := s.db.ExecContext(ctx, `
				UPDATE tasks SET last_run = ?, next_run = ? WHERE task_id = ?;
			`, ranAt.UTC().Format(sqlitedb.TimeFormat), next.Format(sqlitedb.TimeFormat), taskID)
			if err != nil {
				return fmt.Errorf("advance cron: %w", err)
			}
		default:
			// One-shot disable: the row stays for history.
			_, err := s.db.ExecContext(ctx, `
				UPDATE tasks SET last_run = ?, enabled = 0 WHERE task_id = ?;
			`, ranAt.UTC().Format(sqlitedb.TimeFormat), taskID)
			if err != nil {
				return fmt.Errorf("disable one-shot: %w", err)
			}
		}
		return nil
	})
}

// RecordExecution appends a task_executions history row and returns its id.
func (s *Store) RecordExecution(ctx context.Context, exec Execution) (int64, error) {
	var id int64
	err := sqlitedb.RetryOnBusy(ctx, 5, func() error {
		var finished any
		if exec.FinishedAt != nil {
			finished = exec.FinishedAt.UTC().Format(sqlitedb.TimeFormat)
		}
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO task_executions (task_id, started_at, finished_at, status, error_message, attempts)
			VALUES (?, ?, ?, ?, ?, ?);
		`, exec.TaskID, exec.StartedAt.UTC().Format(sqlitedb.TimeFormat), finished,
			string(exec.Status), exec.ErrorMessage, exec.Attempts)
		if execErr != nil {
			return fmt.Errorf("record execution: %w", execErr)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// FinishExecution closes an execution row with its outcome.
func (s *Store) FinishExecution(ctx context.Context, id int64, status ExecutionStatus, errorMessage string, finishedAt time.Time) error {
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE task_executions SET status = ?, error_message = ?, finished_at = ?
			WHERE id = ?;
		`, string(status), errorMessage, finishedAt.UTC().Format(sqlitedb.TimeFormat), id)
		if err != nil {
			return fmt.Errorf("finish execution: %w", err)
		}
		return nil
	})
}

// Executions lists a task's history, oldest first.
func (s *Store) Executions(ctx context.Context, taskID string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, finished_at, status, error_message, attempts
		FROM task_executions WHERE task_id = ? ORDER BY started_at, id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var (
			e        Execution
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &started, &finished, (*string)(&e.Status), &e.ErrorMessage, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finished.Valid {
			t, parseErr := time.Parse(time.RFC3339Nano, finished.String)
			if parseErr != nil {
				return nil, fmt.Errorf("parse finished_at: %w", parseErr)
			}
			e.FinishedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IndexRows projects the store into global task_index rows.
func (s *Store) IndexRows(ctx context.Context) ([]IndexRow, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]IndexRow, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, IndexRow{
			TaskID:  t.TaskID,
			UserID:  t.UserID,
			NextRun: t.Schedule.NextRun,
			Enabled: t.Enabled,
		})
	}
	return rows, nil
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t         Task
		enabled   int
		nextRun   string
		lastRun   sql.NullString
		createdAt string
	)
	if err := row.Scan(&t.TaskID, &t.UserID, (*string)(&t.Kind), &enabled,
		(*string)(&t.Schedule.Kind), &t.Schedule.Expression, &nextRun, &lastRun, &createdAt); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	var err error
	if t.Schedule.NextRun, err = time.Parse(time.RFC3339Nano, nextRun); err != nil {
		return nil, fmt.Errorf("parse next_run: %w", err)
	}
	if lastRun.Valid {
		lr, parseErr := time.Parse(time.RFC3339Nano, lastRun.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parse last_run: %w", parseErr)
		}
		t.LastRun = &lr
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
