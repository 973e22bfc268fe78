package scheduler

import (
	"errors"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Scheduler error taxonomy.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrScheduleInvalid = errors.New("invalid schedule")
)

// Kind is the task kind.
type Kind string

const (
	KindSendReply Kind = "send_reply"
	KindRunTask   Kind = "run_task"
	KindNoop      Kind = "noop"
)

// ScheduleKind distinguishes recurring from one-shot tasks.
type ScheduleKind string

const (
	ScheduleCron    ScheduleKind = "cron"
	ScheduleOneShot ScheduleKind = "one_shot"
)

// Schedule is when a task runs next.
type Schedule struct {
	Kind       ScheduleKind
	Expression string    // cron only
	NextRun    time.Time // UTC
}

// CronSchedule builds a cron schedule with its first run after now.
func CronSchedule(expression string, now time.Time) (Schedule, error) {
	next, err := NextCronRun(expression, now)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: ScheduleCron, Expression: expression, NextRun: next}, nil
}

// OneShotSchedule builds a one-shot schedule at the given instant.
func OneShotSchedule(at time.Time) Schedule {
	return Schedule{Kind: ScheduleOneShot, NextRun: at.UTC()}
}

// ExecutionStatus is the outcome of one task execution.
type ExecutionStatus string

const (
	ExecStarted   ExecutionStatus = "started"
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// RunTaskPayload carries a RunTask's workspace and reply routing.
type RunTaskPayload struct {
	WorkspaceDir  string
	ModelName     string
	Runner        string
	AgentDisabled bool
	ReplyTo       []string
	ReplyFrom     string
	Channel       channel.Channel
	ThreadKey     string
	Epoch         int64
	ArchiveRoot   string
	EmployeeID    string
	ReplyHints    map[string]string
}

// SendReplyPayload carries one outbound reply.
type SendReplyPayload struct {
	Channel          channel.Channel
	Subject          string
	HTMLPath         string
	AttachmentsDir   string
	From             string
	To               []string
	Cc               []string
	Bcc              []string
	InReplyTo        string
	ReferencesHeader string
	ReplyHints       map[string]string
	ArchiveRoot      string
	ThreadKey        string
	Epoch            int64
	EmployeeID       string
}

// Task is one scheduler row with its kind-specific payload.
type Task struct {
	TaskID    string
	UserID    string
	Kind      Kind
	Enabled   bool
	Schedule  Schedule
	LastRun   *time.Time
	CreatedAt time.Time

	RunTask   *RunTaskPayload
	SendReply *SendReplyPayload
}

// Execution is one task_executions history row.
type Execution struct {
	ID           int64
	TaskID       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       ExecutionStatus
	ErrorMessage string
	Attempts     int
}

// IndexRow is one global task_index row.
type IndexRow struct {
	TaskID  string
	UserID  string
	NextRun time.Time
	Enabled bool
}
