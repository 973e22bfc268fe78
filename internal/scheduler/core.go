package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dowhiz/dowhiz/internal/bus"
)

// Slots are the process-wide concurrency gates: one global semaphore and
// one per-user semaphore family shared by every scheduler core in the
// process.
type Slots struct {
	global chan struct{}
	userCap int

	mu    sync.Mutex
	users map[string]chan struct{}
}

// NewSlots sizes the gates. Defaults: 10 global, 3 per user.
func NewSlots(maxGlobal, maxPerUser int) *Slots {
	if maxGlobal <= 0 {
		maxGlobal = 10
	}
	if maxPerUser <= 0 {
		maxPerUser = 3
	}
	return &Slots{
		global:  make(chan struct{}, maxGlobal),
		userCap: maxPerUser,
		users:   make(map[string]chan struct{}),
	}
}

func (s *Slots) userSlot(userID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.users[userID]
	if !ok {
		slot = make(chan struct{}, s.userCap)
		s.users[userID] = slot
	}
	return slot
}

// TryAcquire takes one global and one user slot without blocking.
// Returns a release func, or false when either gate is full — the caller
// skips the task this tick.
func (s *Slots) TryAcquire(userID string) (func(), bool) {
	select {
	case s.global <- struct{}{}:
	default:
		return nil, false
	}
	user := s.userSlot(userID)
	select {
	case user <- struct{}{}:
	default:
		<-s.global
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-user
			<-s.global
		})
	}, true
}

// InFlight reports the current global occupancy, for tests and gauges.
func (s *Slots) InFlight() int { return len(s.global) }

// Config tunes one scheduler core.
type Config struct {
	// UsersRoot is this employee's users/ directory; per-user stores
	// live at <UsersRoot>/<user_id>/state/tasks.db.
	UsersRoot    string
	PollInterval time.Duration
	Batch        int
	Logger       *slog.Logger
	Bus          *bus.Bus
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

// Core is the due-polling scheduler for one employee: reads the global
// index, gates on the shared slots, loads the task from its per-user
// store, and hands it to the executor.
type Core struct {
	cfg      Config
	index    *Index
	slots    *Slots
	executor *Executor

	storesMu sync.Mutex
	stores   map[string]*Store

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCore wires a scheduler core.
func NewCore(cfg Config, index *Index, slots *Slots, executor *Executor) *Core {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Core{
		cfg:      cfg,
		index:    index,
		slots:    slots,
		executor: executor,
		stores:   make(map[string]*Store),
		inFlight: make(map[string]struct{}),
	}
}

// StoreFor opens (or returns the cached) per-user store.
func (c *Core) StoreFor(userID string) (*Store, error) {
	c.storesMu.Lock()
	defer c.storesMu.Unlock()
	if s, ok := c.stores[userID]; ok {
		return s, nil
	}
	path := filepath.Join(c.cfg.UsersRoot, userID, "state", "tasks.db")
	s, err := OpenStore(path, userID)
	if err != nil {
		return nil, err
	}
	c.stores[userID] = s
	return s, nil
}

// SyncUserIndex refreshes the global index from one user's store. Called
// after every mutation so the index is never stale for more than one
// poll interval.
func (c *Core) SyncUserIndex(ctx context.Context, userID string) error {
	store, err := c.StoreFor(userID)
	if err != nil {
		return err
	}
	rows, err := store.IndexRows(ctx)
	if err != nil {
		return err
	}
	return c.index.SyncUser(ctx, userID, rows)
}

// Start launches the poll loop.
func (c *Core) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.cfg.Logger.Info("scheduler started", "poll_interval", c.cfg.PollInterval)
}

// Stop drains: cancels the loop and waits for in-flight executions.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.storesMu.Lock()
	for _, s := range c.stores {
		_ = s.Close()
	}
	c.stores = make(map[string]*Store)
	c.storesMu.Unlock()
	c.cfg.Logger.Info("scheduler stopped")
}

func (c *Core) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: dispatch every due task a slot can be found
// for. Exported for deterministic tests.
func (c *Core) Tick(ctx context.Context) {
	now := c.cfg.Now()
	due, err := c.index.Due(ctx, now, c.cfg.Batch)
	if err != nil {
		c.cfg.Logger.Error("due poll failed", "error", err)
		return
	}
	for _, row := range due {
		if !c.markInFlight(row.TaskID) {
			continue
		}
		release, ok := c.slots.TryAcquire(row.UserID)
		if !ok {
			// A gate is full: the task stays due and the next tick
			// retries.
			c.clearInFlight(row.TaskID)
			continue
		}
		c.dispatch(ctx, row, release)
	}
}

func (c *Core) markInFlight(taskID string) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	if _, ok := c.inFlight[taskID]; ok {
		return false
	}
	c.inFlight[taskID] = struct{}{}
	return true
}

func (c *Core) clearInFlight(taskID string) {
	c.inFlightMu.Lock()
	delete(c.inFlight, taskID)
	c.inFlightMu.Unlock()
}

func (c *Core) dispatch(ctx context.Context, row IndexRow, release func()) {
	cleanup := func() {
		release()
		c.clearInFlight(row.TaskID)
	}
	store, err := c.StoreFor(row.UserID)
	if err != nil {
		cleanup()
		c.cfg.Logger.Error("user store unavailable", "user", row.UserID, "error", err)
		return
	}
	task, err := store.GetTask(ctx, row.TaskID)
	if err != nil {
		cleanup()
		// The index raced a deletion; resync heals it.
		_ = c.SyncUserIndex(ctx, row.UserID)
		return
	}
	// Disabled between index read and load: cooperative cancellation,
	// release the slots and move on.
	if !task.Enabled {
		cleanup()
		_ = c.SyncUserIndex(ctx, row.UserID)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cleanup()
		c.run(ctx, store, task)
	}()
}

func (c *Core) run(ctx context.Context, store *Store, task *Task) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{
			TaskID: task.TaskID, UserID: task.UserID, Kind: string(task.Kind),
		})
	}
	outcome, err := c.executor.Execute(ctx, store, task)
	ranAt := c.cfg.Now()
	switch outcome {
	case OutcomeSuccess:
		// Advance last_run and recompute next_run; one-shot rows disable
		// and stay for history.
		if err := store.CompleteRun(ctx, task.TaskID, ranAt); err != nil {
			c.cfg.Logger.Error("schedule advance failed", "task", task.TaskID, "error", err)
		}
	case OutcomeCancelled:
		if err := store.SetEnabled(ctx, task.TaskID, false); err != nil {
			c.cfg.Logger.Error("cancel disable failed", "task", task.TaskID, "error", err)
		}
		c.cfg.Logger.Info("task cancelled", "task", task.TaskID)
	case OutcomeFailed:
		// Retries are exhausted. Cron tasks advance to their next
		// occurrence; one-shot tasks disable so they do not hot-loop.
		if task.Schedule.Kind == ScheduleCron {
			if err := store.CompleteRun(ctx, task.TaskID, ranAt); err != nil {
				c.cfg.Logger.Error("schedule advance failed", "task", task.TaskID, "error", err)
			}
		} else if err := store.SetEnabled(ctx, task.TaskID, false); err != nil {
			c.cfg.Logger.Error("failure disable failed", "task", task.TaskID, "error", err)
		}
		c.cfg.Logger.Warn("task failed", "task", task.TaskID, "error", err)
	}
	// Successor tasks (auto replies, follow-ups) changed the store;
	// refresh the index so they dispatch within one poll interval.
	if err := c.SyncUserIndex(ctx, task.UserID); err != nil {
		c.cfg.Logger.Error("index sync failed", "user", task.UserID, "error", err)
	}
}
