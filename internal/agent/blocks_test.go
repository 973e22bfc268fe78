package agent

import (
	"strings"
	"testing"
)

func TestExtractSchedulerActions_MissingBlock(t *testing.T) {
	actions, detail := ExtractSchedulerActions("no scheduler actions here")
	if len(actions) != 0 || detail != "" {
		t.Fatalf("actions = %v, detail = %q", actions, detail)
	}
}

func TestExtractSchedulerActions_List(t *testing.T) {
	output := "before\n" + SchedulerActionsBegin +
		"\n[{\"action\":\"cancel\",\"task_ids\":[\"a\",\"b\"]}]\n" +
		SchedulerActionsEnd + "\nafter"
	actions, detail := ExtractSchedulerActions(output)
	if detail != "" {
		t.Fatalf("detail = %q", detail)
	}
	if len(actions) != 1 || actions[0].Action != "cancel" {
		t.Fatalf("actions = %+v", actions)
	}
	if len(actions[0].TaskIDs) != 2 || actions[0].TaskIDs[0] != "a" {
		t.Fatalf("task ids = %v", actions[0].TaskIDs)
	}
}

func TestExtractSchedulerActions_WrapperForm(t *testing.T) {
	output := SchedulerActionsBegin +
		"\n{\"actions\":[{\"action\":\"reschedule\",\"task_id\":\"t1\",\"schedule\":{\"type\":\"cron\",\"expression\":\"0 0 9 * * *\"}}]}\n" +
		SchedulerActionsEnd
	actions, detail := ExtractSchedulerActions(output)
	if detail != "" {
		t.Fatalf("detail = %q", detail)
	}
	if len(actions) != 1 || actions[0].Action != "reschedule" || actions[0].Schedule == nil {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].Schedule.Expression != "0 0 9 * * *" {
		t.Fatalf("schedule = %+v", actions[0].Schedule)
	}
}

func TestExtractSchedulerActions_InvalidJSONIsNonFatal(t *testing.T) {
	output := SchedulerActionsBegin + "\n[{\"action\":\"cancel\",\"task_ids\"::}]\n" + SchedulerActionsEnd
	actions, detail := ExtractSchedulerActions(output)
	if len(actions) != 0 {
		t.Fatalf("actions = %v", actions)
	}
	if detail == "" {
		t.Fatal("expected detail for invalid JSON")
	}
}

func TestExtractSchedulerActions_SchemaRejectsUnknownAction(t *testing.T) {
	output := SchedulerActionsBegin + "\n[{\"action\":\"explode\"}]\n" + SchedulerActionsEnd
	actions, detail := ExtractSchedulerActions(output)
	if len(actions) != 0 || detail == "" {
		t.Fatalf("actions = %v, detail = %q", actions, detail)
	}
}

func TestExtractScheduledTasks_List(t *testing.T) {
	output := ScheduledTasksBegin +
		"\n[{\"type\":\"send_email\",\"subject\":\"Reminder\",\"html_path\":\"followup.html\",\"delay_minutes\":30}]\n" +
		ScheduledTasksEnd
	tasks, detail := ExtractScheduledTasks(output)
	if detail != "" {
		t.Fatalf("detail = %q", detail)
	}
	if len(tasks) != 1 || tasks[0].SendEmail == nil {
		t.Fatalf("tasks = %+v", tasks)
	}
	send := tasks[0].SendEmail
	if send.Subject != "Reminder" || send.HTMLPath != "followup.html" || send.DelayMinutes == nil || *send.DelayMinutes != 30 {
		t.Fatalf("send = %+v", send)
	}
}

func TestExtractScheduledTasks_DuplicateBlocksSpanOutermost(t *testing.T) {
	// First BEGIN to last END: the widest span wins, matching a run that
	// echoed the sentinel twice.
	output := ScheduledTasksBegin + "\n[]\n" + ScheduledTasksEnd + "\n" +
		ScheduledTasksBegin + "\n[]\n" + ScheduledTasksEnd
	tasks, detail := ExtractScheduledTasks(output)
	if len(tasks) != 0 {
		t.Fatalf("tasks = %v", tasks)
	}
	// The widened span is not valid JSON, so a detail is reported but
	// the reply path is unaffected.
	if detail == "" {
		t.Fatal("expected detail for overlapping spans")
	}
}

func TestExtractScheduledTasks_EmptySpan(t *testing.T) {
	output := ScheduledTasksBegin + "\n\n" + ScheduledTasksEnd
	tasks, detail := ExtractScheduledTasks(output)
	if len(tasks) != 0 || detail != "" {
		t.Fatalf("tasks = %v, detail = %q", tasks, detail)
	}
}

func TestExtractBlock_MissingEndRunsToEOF(t *testing.T) {
	output := ScheduledTasksBegin + "\n[{\"type\":\"send_email\",\"subject\":\"x\",\"html_path\":\"y.html\"}]"
	tasks, detail := ExtractScheduledTasks(output)
	if detail != "" {
		t.Fatalf("detail = %q", detail)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestBuildPrompt_NamesContract(t *testing.T) {
	p := BuildPrompt(Request{
		ReplyTo:            []string{"alice@example.com"},
		ReplyDraftName:     "reply_email_draft.html",
		AttachmentsDirName: "reply_email_attachments",
	})
	for _, want := range []string{
		"reply_email_draft.html",
		ScheduledTasksBegin,
		SchedulerActionsBegin,
		"alice@example.com",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
