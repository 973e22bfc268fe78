package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dowhiz/dowhiz/internal/agent"
	"github.com/dowhiz/dowhiz/internal/audit"
)

// ingestFollowUps turns the agent's SCHEDULED_TASKS entries into
// SendReply rows. Entries with bad paths or no recipients are skipped
// with a warning; one bad entry never blocks the rest.
func (e *Executor) ingestFollowUps(ctx context.Context, store *Store, task *Task, requests []agent.ScheduledTaskRequest) {
	if len(requests) == 0 {
		return
	}
	p := task.RunTask
	scheduled := 0
	for _, req := range requests {
		if req.SendEmail == nil {
			continue
		}
		if e.scheduleFollowUpSend(ctx, store, task, req.SendEmail) {
			scheduled++
		}
	}
	if scheduled > 0 {
		e.logger().Info("follow-up tasks scheduled",
			"task", task.TaskID, "count", scheduled, "workspace", p.WorkspaceDir)
	}
}

func (e *Executor) scheduleFollowUpSend(ctx context.Context, store *Store, task *Task, req *agent.ScheduledSendEmail) bool {
	p := task.RunTask

	if req.HTMLPath == "" {
		e.logger().Warn("scheduled send_email missing html_path", "task", task.TaskID)
		return false
	}
	htmlPath, err := agent.ResolveWorkspacePath(p.WorkspaceDir, req.HTMLPath)
	if err != nil {
		e.logger().Warn("scheduled send_email has invalid html_path",
			"task", task.TaskID, "path", req.HTMLPath, "error", err)
		return false
	}
	if _, statErr := os.Stat(htmlPath); statErr != nil {
		e.logger().Warn("scheduled send_email html_path does not exist",
			"task", task.TaskID, "path", htmlPath)
		return false
	}

	attachmentsRaw := req.AttachmentsDir
	if attachmentsRaw == "" {
		attachmentsRaw = "scheduled_email_attachments"
	}
	attachmentsDir, err := agent.ResolveWorkspacePath(p.WorkspaceDir, attachmentsRaw)
	if err != nil {
		e.logger().Warn("scheduled send_email has invalid attachments_dir",
			"task", task.TaskID, "path", attachmentsRaw, "error", err)
		return false
	}
	if _, statErr := os.Stat(attachmentsDir); statErr != nil {
		attachmentsDir = ""
	}

	to := req.To
	if len(to) == 0 {
		to = p.ReplyTo
	}
	if len(to) == 0 {
		e.logger().Warn("scheduled send_email missing recipients", "task", task.TaskID)
		return false
	}

	runAt, err := e.followUpRunAt(req)
	if err != nil {
		e.logger().Warn("scheduled send_email has invalid schedule",
			"task", task.TaskID, "error", err)
		return false
	}

	from := req.From
	if from == "" {
		from = p.ReplyFrom
	}
	send := &SendReplyPayload{
		Channel:        p.Channel,
		Subject:        req.Subject,
		HTMLPath:       htmlPath,
		AttachmentsDir: attachmentsDir,
		From:           from,
		To:             to,
		Cc:             req.Cc,
		Bcc:            req.Bcc,
		ReplyHints:     p.ReplyHints,
		ArchiveRoot:    p.ArchiveRoot,
		ThreadKey:      p.ThreadKey,
		Epoch:          p.Epoch,
		EmployeeID:     p.EmployeeID,
	}
	id, err := store.AddTask(ctx, &Task{
		Kind:      KindSendReply,
		Enabled:   true,
		Schedule:  OneShotSchedule(runAt),
		SendReply: send,
	})
	if err != nil {
		e.logger().Warn("failed to schedule follow-up send", "task", task.TaskID, "error", err)
		return false
	}
	e.logger().Info("follow-up send scheduled",
		"task", task.TaskID, "follow_up", id, "run_at", runAt)
	return true
}

func (e *Executor) followUpRunAt(req *agent.ScheduledSendEmail) (time.Time, error) {
	now := e.now()
	switch {
	case req.RunAt != "":
		t, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: run_at %q", ErrScheduleInvalid, req.RunAt)
		}
		return t.UTC(), nil
	case req.DelayMinutes != nil:
		return now.Add(time.Duration(*req.DelayMinutes) * time.Minute), nil
	case req.DelaySeconds != nil:
		return now.Add(time.Duration(*req.DelaySeconds) * time.Second), nil
	default:
		return now, nil
	}
}

// applyActions executes the agent's SCHEDULER_ACTIONS directives against
// the current user's store. Unknown or unowned task ids are silent
// no-ops.
func (e *Executor) applyActions(ctx context.Context, store *Store, task *Task, actions []agent.SchedulerActionRequest) {
	for _, action := range actions {
		switch action.Action {
		case "cancel":
			for _, id := range action.TaskIDs {
				if err := store.SetEnabled(ctx, id, false); err != nil {
					// Not found or not owned: ignore by contract.
					continue
				}
				audit.Record(ctx, audit.DecisionActionApply, "", id, "cancelled by agent")
				e.logger().Info("task cancelled by scheduler action", "task", id, "by", task.TaskID)
			}
		case "reschedule":
			schedule, err := e.parseScheduleRequest(action.Schedule)
			if err != nil {
				e.logger().Warn("reschedule action invalid",
					"task", action.TaskID, "error", err)
				continue
			}
			if err := store.Reschedule(ctx, action.TaskID, schedule); err != nil {
				continue
			}
			audit.Record(ctx, audit.DecisionActionApply, "", action.TaskID, "rescheduled by agent")
			e.logger().Info("task rescheduled by scheduler action",
				"task", action.TaskID, "next_run", schedule.NextRun)
		case "create_run_task":
			e.createRunTaskAction(ctx, store, task, action)
		}
	}
}

func (e *Executor) createRunTaskAction(ctx context.Context, store *Store, task *Task, action agent.SchedulerActionRequest) {
	p := task.RunTask
	if p == nil {
		e.logger().Warn("create_run_task action outside a run task", "by", task.TaskID)
		return
	}
	schedule, err := e.parseScheduleRequest(action.Schedule)
	if err != nil {
		e.logger().Warn("create_run_task schedule invalid", "by", task.TaskID, "error", err)
		return
	}

	model := p.ModelName
	if action.ModelName != "" {
		model = action.ModelName
	}
	disabled := p.AgentDisabled
	if action.AgentDisabled != nil {
		disabled = *action.AgentDisabled
	}
	replyTo := action.ReplyTo
	if len(replyTo) == 0 {
		replyTo = p.ReplyTo
	}

	// The new task targets the current workspace and carries the current
	// epoch forward.
	payload := &RunTaskPayload{
		WorkspaceDir:  p.WorkspaceDir,
		ModelName:     model,
		Runner:        p.Runner,
		AgentDisabled: disabled,
		ReplyTo:       replyTo,
		ReplyFrom:     p.ReplyFrom,
		Channel:       p.Channel,
		ThreadKey:     p.ThreadKey,
		Epoch:         p.Epoch,
		ArchiveRoot:   p.ArchiveRoot,
		EmployeeID:    p.EmployeeID,
		ReplyHints:    p.ReplyHints,
	}
	id, err := store.AddTask(ctx, &Task{
		Kind:     KindRunTask,
		Enabled:  true,
		Schedule: schedule,
		RunTask:  payload,
	})
	if err != nil {
		e.logger().Warn("create_run_task failed", "by", task.TaskID, "error", err)
		return
	}
	audit.Record(ctx, audit.DecisionActionApply, "", id, "run task created by agent")
	e.logger().Info("run task created by scheduler action",
		"task", id, "by", task.TaskID, "next_run", schedule.NextRun)
}

func (e *Executor) parseScheduleRequest(req *agent.ScheduleRequest) (Schedule, error) {
	if req == nil {
		return Schedule{}, fmt.Errorf("%w: missing schedule", ErrScheduleInvalid)
	}
	switch req.Type {
	case "cron":
		return CronSchedule(req.Expression, e.now())
	case "one_shot":
		t, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: run_at %q", ErrScheduleInvalid, req.RunAt)
		}
		return OneShotSchedule(t), nil
	}
	return Schedule{}, fmt.Errorf("%w: type %q", ErrScheduleInvalid, req.Type)
}
