package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dowhiz/dowhiz/internal/bus"
	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/outbound"
)

// FailureNotice is the one-sentence user-facing failure text; the task
// id is appended so support can correlate.
const FailureNotice = "We could not complete your request"

// Notifier delivers failure notifications: one sentence to the user on
// the originating channel, full detail to the admin channel.
type Notifier struct {
	Dispatcher   *outbound.Dispatcher
	AdminChannel channel.Channel
	AdminAddress string
	Logger       *slog.Logger
	Bus          *bus.Bus
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// NotifyUserFailure sends the short notice to the task's reply targets.
// Notification failures are logged, never propagated: the task is
// already failed.
func (n *Notifier) NotifyUserFailure(ctx context.Context, task *Task) {
	if n == nil || n.Dispatcher == nil {
		return
	}
	payload, ok := n.userPayload(task)
	if !ok {
		return
	}
	text := fmt.Sprintf("%s (task %s).", FailureNotice, task.TaskID)
	payload.Text = text
	payload.HTML = "<p>" + text + "</p>"
	payload.Subject = "We hit a problem with your request"

	if _, err := n.Dispatcher.Send(ctx, "failure-notify:"+task.TaskID, payload); err != nil {
		n.logger().Warn("failure notification not delivered",
			"task", task.TaskID, "error", err)
	}
}

// NotifyAdmin reports the failure with detail on the admin channel.
func (n *Notifier) NotifyAdmin(ctx context.Context, task *Task, detail string) {
	if n == nil {
		return
	}
	if n.Bus != nil {
		n.Bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
			TaskID: task.TaskID,
			UserID: task.UserID,
			Kind:   string(task.Kind),
			Error:  detail,
		})
	}
	if n.Dispatcher == nil || n.AdminAddress == "" {
		return
	}
	text := fmt.Sprintf("Task %s (%s, user %s) failed: %s", task.TaskID, task.Kind, task.UserID, detail)
	payload := outbound.Payload{
		Channel: n.AdminChannel,
		To:      []string{n.AdminAddress},
		Subject: "Task failure: " + task.TaskID,
		Text:    text,
		HTML:    "<p>" + text + "</p>",
	}
	if n.AdminChannel == "" {
		payload.Channel = channel.Email
	}
	if _, err := n.Dispatcher.Send(ctx, "admin-notify:"+task.TaskID, payload); err != nil {
		n.logger().Warn("admin notification not delivered",
			"task", task.TaskID, "error", err)
	}
}

func (n *Notifier) userPayload(task *Task) (outbound.Payload, bool) {
	switch task.Kind {
	case KindRunTask:
		if task.RunTask == nil || len(task.RunTask.ReplyTo) == 0 {
			return outbound.Payload{}, false
		}
		return outbound.Payload{
			Channel:    task.RunTask.Channel,
			From:       task.RunTask.ReplyFrom,
			To:         task.RunTask.ReplyTo,
			ReplyHints: task.RunTask.ReplyHints,
		}, true
	case KindSendReply:
		if task.SendReply == nil {
			return outbound.Payload{}, false
		}
		if len(task.SendReply.To) == 0 && len(task.SendReply.ReplyHints) == 0 {
			return outbound.Payload{}, false
		}
		return outbound.Payload{
			Channel:    task.SendReply.Channel,
			From:       task.SendReply.From,
			To:         task.SendReply.To,
			ReplyHints: task.SendReply.ReplyHints,
		}, true
	}
	return outbound.Payload{}, false
}
