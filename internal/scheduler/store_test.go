package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "state", "tasks.db"), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRunTask(epoch int64) *RunTaskPayload {
	return &RunTaskPayload{
		WorkspaceDir: "/tmp/ws",
		ModelName:    "gpt-5.1",
		Runner:       "codex",
		ReplyTo:      []string{"alice@example.com"},
		ReplyFrom:    "oliver@dowhiz.com",
		Channel:      channel.Email,
		ThreadKey:    "<m-1@example>",
		Epoch:        epoch,
		ArchiveRoot:  "/tmp/mail",
		EmployeeID:   "oliver",
	}
}

func TestAddGetRunTask_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	id, err := s.AddTask(ctx, &Task{
		Kind:     KindRunTask,
		Enabled:  true,
		Schedule: OneShotSchedule(at),
		RunTask:  sampleRunTask(3),
	})
	if err != nil {
		t.Fatal(err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Kind != KindRunTask || !task.Enabled {
		t.Fatalf("task = %+v", task)
	}
	if !task.Schedule.NextRun.Equal(at) {
		t.Fatalf("next_run = %v", task.Schedule.NextRun)
	}
	p := task.RunTask
	if p == nil || p.Epoch != 3 || p.ReplyTo[0] != "alice@example.com" || p.Channel != channel.Email {
		t.Fatalf("payload = %+v", p)
	}
}

func TestAddGetSendReply_RecipientsOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{
		Kind:     KindSendReply,
		Enabled:  true,
		Schedule: OneShotSchedule(time.Now().UTC()),
		SendReply: &SendReplyPayload{
			Channel:  channel.Email,
			Subject:  "Re: Hello",
			HTMLPath: "/tmp/ws/reply_email_draft.html",
			To:       []string{"a@x.com", "b@x.com"},
			Cc:       []string{"c@x.com"},
			InReplyTo: "m-1@example",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	p := task.SendReply
	if len(p.To) != 2 || p.To[0] != "a@x.com" || p.To[1] != "b@x.com" {
		t.Fatalf("to = %v", p.To)
	}
	if len(p.Cc) != 1 || p.Cc[0] != "c@x.com" {
		t.Fatalf("cc = %v", p.Cc)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetTask(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompleteRun_OneShotDisable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	id, err := s.AddTask(ctx, &Task{
		Kind:     KindNoop,
		Enabled:  true,
		Schedule: OneShotSchedule(at),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(ctx, id, at); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Enabled {
		t.Fatal("one-shot still enabled after run")
	}
	if task.LastRun == nil || !task.LastRun.Equal(at) {
		t.Fatalf("last_run = %v", task.LastRun)
	}
}

func TestCompleteRun_CronAdvances(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	schedule, err := CronSchedule("0 0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	if !schedule.NextRun.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("first next_run = %v", schedule.NextRun)
	}

	id, err := s.AddTask(ctx, &Task{Kind: KindNoop, Enabled: true, Schedule: schedule})
	if err != nil {
		t.Fatal(err)
	}
	ranAt := schedule.NextRun
	if err := s.CompleteRun(ctx, id, ranAt); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !task.Schedule.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", task.Schedule.NextRun, want)
	}
	if !task.Enabled {
		t.Fatal("cron task disabled after run")
	}
}

func TestReschedule(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.AddTask(ctx, &Task{Kind: KindNoop, Enabled: true, Schedule: OneShotSchedule(now)})
	if err != nil {
		t.Fatal(err)
	}
	schedule, err := CronSchedule("0 0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reschedule(ctx, id, schedule); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	// now is 10:00, so the next 09:00 is tomorrow.
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if task.Schedule.Kind != ScheduleCron || !task.Schedule.NextRun.Equal(want) {
		t.Fatalf("schedule = %+v", task.Schedule)
	}

	if err := s.Reschedule(ctx, "missing", schedule); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecutions_History(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Kind: KindNoop, Enabled: true, Schedule: OneShotSchedule(time.Now().UTC())})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	execID, err := s.RecordExecution(ctx, Execution{TaskID: id, StartedAt: start, Status: ExecStarted, Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishExecution(ctx, execID, ExecFailed, "boom", start.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordExecution(ctx, Execution{TaskID: id, StartedAt: start.Add(2 * time.Second), Status: ExecSuccess, Attempts: 2}); err != nil {
		t.Fatal(err)
	}

	execs, err := s.Executions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("executions = %+v", execs)
	}
	if execs[0].Status != ExecFailed || execs[0].ErrorMessage != "boom" {
		t.Fatalf("first = %+v", execs[0])
	}
	if execs[1].Status != ExecSuccess {
		t.Fatalf("second = %+v", execs[1])
	}
}
