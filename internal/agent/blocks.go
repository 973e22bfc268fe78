// Package agent contracts with the external agent CLI: workspace in,
// reply draft plus sentinel-delimited stdout blocks out. The core never
// inspects the model; only this I/O surface.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Stdout sentinels. Zero or one block of each kind per run; duplicates
// resolve to the outermost span (first BEGIN to last END).
const (
	ScheduledTasksBegin   = "SCHEDULED_TASKS_JSON_BEGIN"
	ScheduledTasksEnd     = "SCHEDULED_TASKS_JSON_END"
	SchedulerActionsBegin = "SCHEDULER_ACTIONS_JSON_BEGIN"
	SchedulerActionsEnd   = "SCHEDULER_ACTIONS_JSON_END"
)

// ScheduledSendEmail is a follow-up send request emitted by the agent.
type ScheduledSendEmail struct {
	Subject        string   `json:"subject"`
	HTMLPath       string   `json:"html_path"`
	AttachmentsDir string   `json:"attachments_dir,omitempty"`
	From           string   `json:"from,omitempty"`
	To             []string `json:"to,omitempty"`
	Cc             []string `json:"cc,omitempty"`
	Bcc            []string `json:"bcc,omitempty"`
	DelayMinutes   *int64   `json:"delay_minutes,omitempty"`
	DelaySeconds   *int64   `json:"delay_seconds,omitempty"`
	RunAt          string   `json:"run_at,omitempty"`
}

// ScheduledTaskRequest is one entry of the SCHEDULED_TASKS block.
type ScheduledTaskRequest struct {
	Type      string              `json:"type"`
	SendEmail *ScheduledSendEmail `json:"-"`
}

// UnmarshalJSON dispatches on the "type" tag.
func (r *ScheduledTaskRequest) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	r.Type = tag.Type
	switch tag.Type {
	case "send_email":
		var send ScheduledSendEmail
		if err := json.Unmarshal(data, &send); err != nil {
			return err
		}
		r.SendEmail = &send
		return nil
	default:
		return fmt.Errorf("unknown scheduled task type %q", tag.Type)
	}
}

// ScheduleRequest is a schedule spec inside a scheduler action.
type ScheduleRequest struct {
	Type       string `json:"type"` // "cron" or "one_shot"
	Expression string `json:"expression,omitempty"`
	RunAt      string `json:"run_at,omitempty"`
}

// SchedulerActionRequest is one entry of the SCHEDULER_ACTIONS block.
type SchedulerActionRequest struct {
	Action  string `json:"action"`
	TaskIDs []string `json:"task_ids,omitempty"`
	TaskID  string   `json:"task_id,omitempty"`
	Schedule *ScheduleRequest `json:"schedule,omitempty"`
	ModelName     string   `json:"model_name,omitempty"`
	AgentDisabled *bool    `json:"agent_disabled,omitempty"`
	ReplyTo       []string `json:"reply_to,omitempty"`
}

// Block schemas: well-formedness is enforced before any entry is acted
// on, so a malformed block degrades to a logged detail instead of a
// half-applied action list.
const scheduledTasksSchema = `{
	"oneOf": [
		{"type": "array", "items": {"$ref": "#/$defs/task"}},
		{"type": "object", "required": ["tasks"], "properties": {"tasks": {"type": "array", "items": {"$ref": "#/$defs/task"}}}}
	],
	"$defs": {
		"task": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"const": "send_email"},
				"subject": {"type": "string"},
				"html_path": {"type": "string"},
				"attachments_dir": {"type": "string"},
				"from": {"type": "string"},
				"to": {"type": "array", "items": {"type": "string"}},
				"cc": {"type": "array", "items": {"type": "string"}},
				"bcc": {"type": "array", "items": {"type": "string"}},
				"delay_minutes": {"type": "integer"},
				"delay_seconds": {"type": "integer"},
				"run_at": {"type": "string"}
			}
		}
	}
}`

const schedulerActionsSchema = `{
	"oneOf": [
		{"type": "array", "items": {"$ref": "#/$defs/action"}},
		{"type": "object", "required": ["actions"], "properties": {"actions": {"type": "array", "items": {"$ref": "#/$defs/action"}}}}
	],
	"$defs": {
		"schedule": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"enum": ["cron", "one_shot"]},
				"expression": {"type": "string"},
				"run_at": {"type": "string"}
			}
		},
		"action": {
			"type": "object",
			"required": ["action"],
			"properties": {
				"action": {"enum": ["cancel", "reschedule", "create_run_task"]},
				"task_ids": {"type": "array", "items": {"type": "string"}},
				"task_id": {"type": "string"},
				"schedule": {"$ref": "#/$defs/schedule"},
				"model_name": {"type": "string"},
				"agent_disabled": {"type": "boolean"},
				"reply_to": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

var (
	schemaOnce      sync.Once
	tasksSchema     *jsonschema.Schema
	actionsSchema   *jsonschema.Schema
	schemaCompileErr error
)

func compileSchemas() {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
		return c.Compile(name)
	}
	tasksSchema, schemaCompileErr = compile("scheduled_tasks.json", scheduledTasksSchema)
	if schemaCompileErr != nil {
		return
	}
	actionsSchema, schemaCompileErr = compile("scheduler_actions.json", schedulerActionsSchema)
}

// extractBlock pulls the span between the first begin sentinel and the
// last end sentinel. Missing begin → absent; present begin with empty
// span → absent.
func extractBlock(output, begin, end string) (string, bool) {
	start := strings.Index(output, begin)
	if start < 0 {
		return "", false
	}
	start += len(begin)
	stop := strings.LastIndex(output, end)
	if stop < start {
		stop = len(output)
	}
	raw := strings.TrimSpace(output[start:stop])
	if raw == "" {
		return "", false
	}
	return raw, true
}

func validate(schema *jsonschema.Schema, raw string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

// ExtractScheduledTasks parses the SCHEDULED_TASKS block from agent
// stdout. A malformed block returns an empty list plus a detail string;
// it never fails the run.
func ExtractScheduledTasks(output string) ([]ScheduledTaskRequest, string) {
	raw, ok := extractBlock(output, ScheduledTasksBegin, ScheduledTasksEnd)
	if !ok {
		return nil, ""
	}
	schemaOnce.Do(compileSchemas)
	if schemaCompileErr != nil {
		return nil, fmt.Sprintf("scheduled tasks schema unavailable: %v", schemaCompileErr)
	}
	if err := validate(tasksSchema, raw); err != nil {
		return nil, fmt.Sprintf("scheduled tasks block failed validation: %v", err)
	}

	var list []ScheduledTaskRequest
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, ""
	}
	var wrapper struct {
		Tasks []ScheduledTaskRequest `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, fmt.Sprintf("failed to parse scheduled tasks JSON: %v", err)
	}
	return wrapper.Tasks, ""
}

// ExtractSchedulerActions parses the SCHEDULER_ACTIONS block from agent
// stdout with the same non-fatal error contract.
func ExtractSchedulerActions(output string) ([]SchedulerActionRequest, string) {
	raw, ok := extractBlock(output, SchedulerActionsBegin, SchedulerActionsEnd)
	if !ok {
		return nil, ""
	}
	schemaOnce.Do(compileSchemas)
	if schemaCompileErr != nil {
		return nil, fmt.Sprintf("scheduler actions schema unavailable: %v", schemaCompileErr)
	}
	if err := validate(actionsSchema, raw); err != nil {
		return nil, fmt.Sprintf("scheduler actions block failed validation: %v", err)
	}

	var list []SchedulerActionRequest
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, ""
	}
	var wrapper struct {
		Actions []SchedulerActionRequest `json:"actions"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, fmt.Sprintf("failed to parse scheduler actions JSON: %v", err)
	}
	return wrapper.Actions, ""
}
