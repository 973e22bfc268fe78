package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dowhiz/dowhiz/internal/agent"
	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/outbound"
)

func TestSlots_CapsGlobalAndPerUser(t *testing.T) {
	slots := NewSlots(3, 2)

	r1, ok := slots.TryAcquire("u1")
	if !ok {
		t.Fatal("first acquire failed")
	}
	r2, ok := slots.TryAcquire("u1")
	if !ok {
		t.Fatal("second acquire failed")
	}
	// Per-user cap of 2 reached.
	if _, ok := slots.TryAcquire("u1"); ok {
		t.Fatal("third u1 acquire should fail")
	}
	// Another user still fits under the global cap.
	r3, ok := slots.TryAcquire("u2")
	if !ok {
		t.Fatal("u2 acquire failed")
	}
	// Global cap of 3 reached.
	if _, ok := slots.TryAcquire("u3"); ok {
		t.Fatal("fourth acquire should exceed global cap")
	}

	r1()
	if _, ok := slots.TryAcquire("u3"); !ok {
		t.Fatal("acquire after release failed")
	}
	r2()
	r3()
}

func TestSlots_ReleaseIsIdempotent(t *testing.T) {
	slots := NewSlots(1, 1)
	release, ok := slots.TryAcquire("u1")
	if !ok {
		t.Fatal("acquire failed")
	}
	release()
	release() // double release must not free a phantom slot
	if slots.InFlight() != 0 {
		t.Fatalf("in flight = %d", slots.InFlight())
	}
}

func TestSlots_ConcurrencyCapsHoldUnderLoad(t *testing.T) {
	slots := NewSlots(10, 3)
	var (
		mu        sync.Mutex
		inFlight  int
		maxGlobal int
		perUser   = map[string]int{}
		maxUser   int
	)
	var wg sync.WaitGroup
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i := 0; i < 200; i++ {
		user := users[i%len(users)]
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for {
				release, ok := slots.TryAcquire(user)
				if !ok {
					time.Sleep(time.Millisecond)
					continue
				}
				mu.Lock()
				inFlight++
				perUser[user]++
				if inFlight > maxGlobal {
					maxGlobal = inFlight
				}
				if perUser[user] > maxUser {
					maxUser = perUser[user]
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inFlight--
				perUser[user]--
				mu.Unlock()
				release()
				return
			}
		}(user)
	}
	wg.Wait()

	if maxGlobal > 10 {
		t.Errorf("global concurrency reached %d, cap 10", maxGlobal)
	}
	if maxUser > 3 {
		t.Errorf("per-user concurrency reached %d, cap 3", maxUser)
	}
}

// testHarness wires a core + executor against fakes: a bypassed or
// scripted agent and an in-memory email sender.
type testHarness struct {
	core      *Core
	index     *Index
	epochs    *EpochStore
	executor  *Executor
	dispatcher *outbound.Dispatcher
	sent      *sentLog
	usersRoot string
	now       time.Time
}

type sentLog struct {
	mu   sync.Mutex
	msgs []outbound.Payload
}

func (l *sentLog) add(p outbound.Payload) {
	l.mu.Lock()
	l.msgs = append(l.msgs, p)
	l.mu.Unlock()
}

func (l *sentLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func newHarness(t *testing.T, runCommand func(cmd *exec.Cmd) error) *testHarness {
	t.Helper()
	root := t.TempDir()

	index, err := OpenIndex(filepath.Join(root, "task_index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })

	epochs, err := OpenEpochs(filepath.Join(root, "epochs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { epochs.Close() })

	dispatcher, err := outbound.NewDispatcher(filepath.Join(root, "receipts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dispatcher.Close() })

	sent := &sentLog{}
	dispatcher.Register(channel.Email, outbound.SenderFunc(func(_ context.Context, p outbound.Payload) (outbound.Receipt, error) {
		sent.add(p)
		return outbound.Receipt{MessageID: "sent-" + p.Subject}, nil
	}))

	h := &testHarness{
		index:      index,
		epochs:     epochs,
		dispatcher: dispatcher,
		sent:       sent,
		usersRoot:  filepath.Join(root, "users"),
		now:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	invoker := &agent.Invoker{
		LookPath:   func(string) (string, error) { return "/usr/bin/codex", nil },
		RunCommand: runCommand,
	}
	h.executor = &Executor{
		Invoker:    invoker,
		Dispatcher: dispatcher,
		Epochs:     epochs,
		Notifier:   &Notifier{Dispatcher: dispatcher, AdminChannel: channel.Email, AdminAddress: "admin@dowhiz.com"},
		Sleep:      func(context.Context, time.Duration) error { return nil },
		Now:        func() time.Time { return h.now },
	}
	h.core = NewCore(Config{
		UsersRoot: h.usersRoot,
		Now:       func() time.Time { return h.now },
	}, index, NewSlots(10, 3), h.executor)
	t.Cleanup(h.core.Stop)
	return h
}

// drainTicks runs poll cycles until no work remains, waiting for
// goroutines between cycles.
func (h *testHarness) drainTicks(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		h.core.Tick(ctx)
		h.core.wg.Wait()
	}
}

func (h *testHarness) addRunTask(t *testing.T, userID string, epoch int64, workspace string) string {
	t.Helper()
	ctx := context.Background()
	store, err := h.core.StoreFor(userID)
	if err != nil {
		t.Fatal(err)
	}
	payload := sampleRunTask(epoch)
	payload.WorkspaceDir = workspace
	payload.ArchiveRoot = filepath.Join(h.usersRoot, userID, "mail")
	id, err := store.AddTask(ctx, &Task{
		Kind:     KindRunTask,
		Enabled:  true,
		Schedule: OneShotSchedule(h.now.Add(-time.Second)),
		RunTask:  payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.core.SyncUserIndex(ctx, userID); err != nil {
		t.Fatal(err)
	}
	return id
}

func writeDraft(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reply_email_draft.html"), []byte("<p>done</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCore_RunTaskProducesReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cmd *exec.Cmd) error {
		writeDraft(t, cmd.Dir)
		return nil
	})

	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := h.epochs.Bump(ctx, "", channel.Email, "<m-1@example>"); err != nil {
		t.Fatal(err)
	}
	id := h.addRunTask(t, "u1", 1, ws)

	// Tick 1 runs the RunTask and schedules the SendReply; tick 2 sends.
	h.drainTicks(ctx, 3)

	if h.sent.count() != 1 {
		t.Fatalf("sent %d messages, want 1", h.sent.count())
	}

	store, _ := h.core.StoreFor("u1")
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Enabled {
		t.Fatal("one-shot run task still enabled")
	}
	if task.LastRun == nil {
		t.Fatal("last_run not set")
	}
}

func TestCore_ThreadEpochCancellation(t *testing.T) {
	// Two inbound messages on one thread: only the later one replies.
	ctx := context.Background()
	h := newHarness(t, func(cmd *exec.Cmd) error {
		writeDraft(t, cmd.Dir)
		return nil
	})

	wsA := filepath.Join(t.TempDir(), "ws-a")
	wsB := filepath.Join(t.TempDir(), "ws-b")
	for _, ws := range []string{wsA, wsB} {
		if err := os.MkdirAll(ws, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	// Inbound A bumps the epoch to 1 and creates r_A; inbound B bumps to
	// 2 and creates r_B before r_A dispatches.
	epochA, err := h.epochs.Bump(ctx, "", channel.Email, "<m-1@example>")
	if err != nil {
		t.Fatal(err)
	}
	rA := h.addRunTask(t, "u1", epochA, wsA)
	epochB, err := h.epochs.Bump(ctx, "", channel.Email, "<m-1@example>")
	if err != nil {
		t.Fatal(err)
	}
	rB := h.addRunTask(t, "u1", epochB, wsB)

	h.drainTicks(ctx, 3)

	if h.sent.count() != 1 {
		t.Fatalf("sent %d messages, want exactly 1", h.sent.count())
	}

	store, _ := h.core.StoreFor("u1")
	execsA, err := store.Executions(ctx, rA)
	if err != nil {
		t.Fatal(err)
	}
	if len(execsA) != 1 || execsA[0].Status != ExecCancelled {
		t.Fatalf("r_A executions = %+v", execsA)
	}
	execsB, err := store.Executions(ctx, rB)
	if err != nil {
		t.Fatal(err)
	}
	if len(execsB) == 0 || execsB[len(execsB)-1].Status != ExecSuccess {
		t.Fatalf("r_B executions = %+v", execsB)
	}
}

func TestCore_AgentFailureThenRetrySucceeds(t *testing.T) {
	// Attempt 1 exits non-zero; attempt 2 succeeds. One reply, two
	// execution rows, no user-facing failure notification.
	ctx := context.Background()
	var attempts atomic.Int32
	h := newHarness(t, func(cmd *exec.Cmd) error {
		if attempts.Add(1) == 1 {
			cmd.Stderr.Write([]byte("transient agent crash"))
			return &exec.ExitError{}
		}
		writeDraft(t, cmd.Dir)
		return nil
	})

	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := h.epochs.Bump(ctx, "", channel.Email, "<m-1@example>"); err != nil {
		t.Fatal(err)
	}
	id := h.addRunTask(t, "u1", 1, ws)

	h.drainTicks(ctx, 3)

	if h.sent.count() != 1 {
		t.Fatalf("sent %d messages, want 1", h.sent.count())
	}
	store, _ := h.core.StoreFor("u1")
	execs, err := store.Executions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("executions = %+v", execs)
	}
	if execs[0].Status != ExecFailed || execs[1].Status != ExecSuccess {
		t.Fatalf("statuses = %s, %s", execs[0].Status, execs[1].Status)
	}
}

func TestCore_AgentFailureExhaustsAndNotifies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cmd *exec.Cmd) error {
		cmd.Stderr.Write([]byte("permanent agent crash"))
		return &exec.ExitError{}
	})

	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	h.addRunTask(t, "u1", 0, ws)

	h.drainTicks(ctx, 2)

	// Two notifications: one-sentence user notice + admin detail.
	if h.sent.count() != 2 {
		t.Fatalf("sent %d messages, want 2 notifications", h.sent.count())
	}
}

func TestCore_FollowupParseErrorDoesNotBlockReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cmd *exec.Cmd) error {
		writeDraft(t, cmd.Dir)
		cmd.Stdout.Write([]byte(agent.SchedulerActionsBegin + "\nnot json at all\n" + agent.SchedulerActionsEnd))
		return nil
	})

	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	id := h.addRunTask(t, "u1", 0, ws)

	h.drainTicks(ctx, 3)

	if h.sent.count() != 1 {
		t.Fatalf("sent %d messages, want 1", h.sent.count())
	}
	// The parse problem is surfaced in the execution row.
	store, _ := h.core.StoreFor("u1")
	execs, err := store.Executions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	last := execs[len(execs)-1]
	if last.Status != ExecSuccess || last.ErrorMessage == "" {
		t.Fatalf("last execution = %+v", last)
	}
}

func TestCore_DisabledBetweenIndexAndLoadSkips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cmd *exec.Cmd) error {
		writeDraft(t, cmd.Dir)
		return nil
	})
	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	id := h.addRunTask(t, "u1", 0, ws)

	// Disable after the index was synced, before the tick.
	store, _ := h.core.StoreFor("u1")
	if err := store.SetEnabled(ctx, id, false); err != nil {
		t.Fatal(err)
	}

	h.drainTicks(ctx, 2)
	if h.sent.count() != 0 {
		t.Fatalf("disabled task produced %d sends", h.sent.count())
	}
}
