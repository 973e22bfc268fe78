package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/dowhiz/dowhiz/internal/agent"
	"github.com/dowhiz/dowhiz/internal/archive"
	"github.com/dowhiz/dowhiz/internal/bus"
	"github.com/dowhiz/dowhiz/internal/outbound"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

// Outcome classifies one task execution for the core loop.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

// Executor runs one task to completion: agent invocation for RunTasks,
// outbound dispatch for SendReplies, with bounded retries and failure
// notifications.
type Executor struct {
	Invoker    *agent.Invoker
	Dispatcher *outbound.Dispatcher
	Epochs     *EpochStore
	Notifier   *Notifier
	TenantID   string

	// MaxAttempts is the total attempt count per execution (default 2:
	// one retry).
	MaxAttempts int
	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration
	// AgentTimeout bounds one agent invocation; zero means unbounded.
	AgentTimeout time.Duration
	// AgentEnv passes credential variables through to the agent.
	AgentEnv map[string]string

	Logger *slog.Logger
	Bus    *bus.Bus

	// Sleep is swappable so tests skip real backoff waits.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Executor) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return 2
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// backoff computes the capped exponential delay with jitter after
// failed attempt n (1-based), before attempt n+1.
func (e *Executor) backoff(attempt int) time.Duration {
	base := e.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	const maxDelay = 60 * time.Second
	delay := base << uint(attempt-1)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	return delay/2 + jitter
}

// Execute runs the task and returns its outcome. Side effects (successor
// tasks, sends, notifications) happen here; schedule advancement is the
// core loop's job.
func (e *Executor) Execute(ctx context.Context, store *Store, task *Task) (Outcome, error) {
	switch task.Kind {
	case KindRunTask:
		return e.executeRunTask(ctx, store, task)
	case KindSendReply:
		return e.executeSendReply(ctx, store, task)
	case KindNoop:
		return OutcomeSuccess, nil
	}
	return OutcomeFailed, fmt.Errorf("unknown task kind %q", task.Kind)
}

func (e *Executor) executeRunTask(ctx context.Context, store *Store, task *Task) (Outcome, error) {
	p := task.RunTask
	if p == nil {
		return OutcomeFailed, fmt.Errorf("run_task payload missing")
	}

	// Latest message wins: a stale epoch cancels before any work.
	if stale, err := e.Epochs.Stale(ctx, e.TenantID, p.Channel, p.ThreadKey, p.Epoch); err != nil {
		return OutcomeFailed, err
	} else if stale {
		e.recordCancelled(ctx, store, task, "superseded by newer message in thread")
		return OutcomeCancelled, nil
	}

	draftName, attachmentsDir := p.Channel.ReplyDraftName()
	runner, err := agent.ParseRunner(p.Runner)
	if err != nil {
		return OutcomeFailed, err
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		execID, recErr := store.RecordExecution(ctx, Execution{
			TaskID:    task.TaskID,
			StartedAt: e.now(),
			Status:    ExecStarted,
			Attempts:  attempt,
		})
		if recErr != nil {
			return OutcomeFailed, recErr
		}

		res, invokeErr := e.Invoker.Invoke(ctx, agent.Request{
			WorkspaceDir:       p.WorkspaceDir,
			Runner:             runner,
			Model:              p.ModelName,
			ReplyTo:            p.ReplyTo,
			ReplyDraftName:     draftName,
			AttachmentsDirName: attachmentsDir,
			Env:                e.AgentEnv,
			Disabled:           p.AgentDisabled,
			Timeout:            e.AgentTimeout,
		})
		if invokeErr == nil {
			execErr := e.afterRun(ctx, store, task, res)
			finishMsg := ""
			if execErr != "" {
				// Follow-up parse problems are recorded, never fatal.
				finishMsg = execErr
			}
			_ = store.FinishExecution(ctx, execID, ExecSuccess, finishMsg, e.now())
			if e.Bus != nil {
				e.Bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{
					TaskID: task.TaskID, UserID: task.UserID, Kind: string(task.Kind), Attempt: attempt,
				})
			}
			return OutcomeSuccess, nil
		}

		lastErr = invokeErr
		_ = store.FinishExecution(ctx, execID, ExecFailed, invokeErr.Error(), e.now())
		e.logger().Warn("agent run failed",
			"task", task.TaskID, "attempt", attempt, "error", invokeErr)

		if attempt < e.maxAttempts() {
			if e.Bus != nil {
				e.Bus.Publish(bus.TopicTaskRetrying, bus.TaskEvent{
					TaskID: task.TaskID, UserID: task.UserID, Kind: string(task.Kind),
					Attempt: attempt, Error: invokeErr.Error(),
				})
			}
			if sleepErr := e.sleep(ctx, e.backoff(attempt)); sleepErr != nil {
				return OutcomeFailed, sleepErr
			}
		}
	}

	e.Notifier.NotifyUserFailure(ctx, task)
	e.Notifier.NotifyAdmin(ctx, task, lastErr.Error())
	return OutcomeFailed, lastErr
}

// afterRun schedules the auto reply, ingests follow-up tasks, and
// applies scheduler actions. Returns a non-fatal detail string when any
// block was malformed.
func (e *Executor) afterRun(ctx context.Context, store *Store, task *Task, res agent.Result) string {
	p := task.RunTask

	// Re-check the epoch: an inbound that arrived mid-run supersedes
	// this result, so its reply is suppressed.
	stale, err := e.Epochs.Stale(ctx, e.TenantID, p.Channel, p.ThreadKey, p.Epoch)
	if err == nil && stale {
		e.logger().Info("discarding agent result for stale thread epoch",
			"task", task.TaskID, "thread", p.ThreadKey)
		return ""
	}

	if res.ReplyDraftPath != "" && len(p.ReplyTo) > 0 {
		if err := e.scheduleAutoReply(ctx, store, task, res); err != nil {
			e.logger().Warn("auto reply not scheduled", "task", task.TaskID, "error", err)
		}
	}

	e.ingestFollowUps(ctx, store, task, res.ScheduledTasks)
	e.applyActions(ctx, store, task, res.SchedulerActions)

	detail := ""
	if res.ScheduledTasksErr != "" {
		detail = res.ScheduledTasksErr
	}
	if res.SchedulerActionsErr != "" {
		if detail != "" {
			detail += "; "
		}
		detail += res.SchedulerActionsErr
	}
	return detail
}

func (e *Executor) scheduleAutoReply(ctx context.Context, store *Store, task *Task, res agent.Result) error {
	p := task.RunTask
	rc := loadReplyContext(p.WorkspaceDir)

	from := p.ReplyFrom
	if from == "" {
		from = rc.From
	}
	send := &SendReplyPayload{
		Channel:          p.Channel,
		Subject:          rc.Subject,
		HTMLPath:         res.ReplyDraftPath,
		AttachmentsDir:   res.AttachmentsDir,
		From:             from,
		To:               p.ReplyTo,
		InReplyTo:        rc.InReplyTo,
		ReferencesHeader: rc.References,
		ReplyHints:       p.ReplyHints,
		ArchiveRoot:      p.ArchiveRoot,
		ThreadKey:        p.ThreadKey,
		Epoch:            p.Epoch,
		EmployeeID:       p.EmployeeID,
	}
	id, err := store.AddTask(ctx, &Task{
		Kind:      KindSendReply,
		Enabled:   true,
		Schedule:  OneShotSchedule(e.now()),
		SendReply: send,
	})
	if err != nil {
		return err
	}
	e.logger().Info("auto reply scheduled", "task", task.TaskID, "reply_task", id, "channel", p.Channel.String())
	return nil
}

func (e *Executor) executeSendReply(ctx context.Context, store *Store, task *Task) (Outcome, error) {
	p := task.SendReply
	if p == nil {
		return OutcomeFailed, fmt.Errorf("send_reply payload missing")
	}

	// A reply whose thread moved on is suppressed, not sent.
	if stale, err := e.Epochs.Stale(ctx, e.TenantID, p.Channel, p.ThreadKey, p.Epoch); err != nil {
		return OutcomeFailed, err
	} else if stale {
		e.recordCancelled(ctx, store, task, "superseded by newer message in thread")
		return OutcomeCancelled, nil
	}

	payload, err := e.buildPayload(p)
	if err != nil {
		e.recordFailure(ctx, store, task, 1, err)
		e.Notifier.NotifyAdmin(ctx, task, err.Error())
		return OutcomeFailed, err
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		execID, recErr := store.RecordExecution(ctx, Execution{
			TaskID:    task.TaskID,
			StartedAt: e.now(),
			Status:    ExecStarted,
			Attempts:  attempt,
		})
		if recErr != nil {
			return OutcomeFailed, recErr
		}

		receipt, sendErr := e.Dispatcher.Send(ctx, task.TaskID, payload)
		if sendErr == nil {
			_ = store.FinishExecution(ctx, execID, ExecSuccess, "", e.now())
			e.archiveOutbound(task, payload, receipt)
			if e.Bus != nil {
				e.Bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{
					TaskID: task.TaskID, UserID: task.UserID, Kind: string(task.Kind), Attempt: attempt,
				})
			}
			return OutcomeSuccess, nil
		}

		lastErr = sendErr
		_ = store.FinishExecution(ctx, execID, ExecFailed, sendErr.Error(), e.now())

		if !outbound.IsTransient(sendErr) {
			break
		}
		if attempt < e.maxAttempts() {
			if sleepErr := e.sleep(ctx, e.backoff(attempt)); sleepErr != nil {
				return OutcomeFailed, sleepErr
			}
		}
	}

	e.Notifier.NotifyUserFailure(ctx, task)
	e.Notifier.NotifyAdmin(ctx, task, lastErr.Error())
	return OutcomeFailed, lastErr
}

func (e *Executor) buildPayload(p *SendReplyPayload) (outbound.Payload, error) {
	html, err := os.ReadFile(p.HTMLPath)
	if err != nil {
		return outbound.Payload{}, outbound.Permanent(fmt.Errorf("read reply draft: %v", err))
	}
	payload := outbound.Payload{
		Channel:    p.Channel,
		From:       p.From,
		To:         p.To,
		Cc:         p.Cc,
		Bcc:        p.Bcc,
		Subject:    p.Subject,
		InReplyTo:  p.InReplyTo,
		References: p.ReferencesHeader,
		ReplyHints: p.ReplyHints,
	}
	if p.Channel.UsesHTMLReply() {
		payload.HTML = string(html)
	} else {
		payload.Text = outbound.HTMLToText(string(html))
		if payload.Text == "" {
			payload.Text = string(html)
		}
	}
	if p.AttachmentsDir != "" {
		entries, readErr := os.ReadDir(p.AttachmentsDir)
		if readErr == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				content, fileErr := os.ReadFile(filepath.Join(p.AttachmentsDir, entry.Name()))
				if fileErr != nil {
					continue
				}
				payload.Attachments = append(payload.Attachments, outbound.Attachment{
					Name:        entry.Name(),
					ContentType: "application/octet-stream",
					Content:     content,
				})
			}
		}
	}
	return payload, nil
}

// archiveOutbound records the sent email in the user mail archive with
// direction=outbound. Chat sends are not archived as mail.
func (e *Executor) archiveOutbound(task *Task, payload outbound.Payload, receipt outbound.Receipt) {
	p := task.SendReply
	if p == nil || p.ArchiveRoot == "" || p.Channel.UsesHTMLReply() == false {
		return
	}
	arch, err := archive.Open(p.ArchiveRoot, 0)
	if err != nil {
		e.logger().Warn("outbound archive unavailable", "task", task.TaskID, "error", err)
		return
	}
	messageID := receipt.MessageID
	if messageID == "" {
		messageID = "sent-" + task.TaskID
	}
	out := archive.OutboundMessage{
		MessageID: messageID,
		Subject:   payload.Subject,
		From:      payload.From,
		To:        payload.To,
		Cc:        payload.Cc,
		Bcc:       payload.Bcc,
		HTML:      payload.HTML,
		Text:      payload.Text,
		SentAt:    receipt.SentAt,
	}
	if _, err := arch.AppendOutbound(out); err != nil {
		e.logger().Warn("outbound archive append failed", "task", task.TaskID, "error", err)
	}
}

func (e *Executor) recordCancelled(ctx context.Context, store *Store, task *Task, reason string) {
	now := e.now()
	id, err := store.RecordExecution(ctx, Execution{
		TaskID:    task.TaskID,
		StartedAt: now,
		Status:    ExecCancelled,
		ErrorMessage: reason,
		Attempts:  1,
	})
	if err == nil {
		_ = store.FinishExecution(ctx, id, ExecCancelled, reason, now)
	}
	if e.Bus != nil {
		e.Bus.Publish(bus.TopicTaskCancelled, bus.TaskEvent{
			TaskID: task.TaskID, UserID: task.UserID, Kind: string(task.Kind), Error: reason,
		})
	}
}

func (e *Executor) recordFailure(ctx context.Context, store *Store, task *Task, attempt int, err error) {
	now := e.now()
	id, recErr := store.RecordExecution(ctx, Execution{
		TaskID:    task.TaskID,
		StartedAt: now,
		Status:    ExecFailed,
		ErrorMessage: err.Error(),
		Attempts:  attempt,
	})
	if recErr == nil {
		_ = store.FinishExecution(ctx, id, ExecFailed, err.Error(), now)
	}
}

func loadReplyContext(workspaceDir string) workspace.ReplyContext {
	return workspace.LoadReplyContext(workspaceDir)
}
