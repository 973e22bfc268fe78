// Package worker drains one employee's ingestion queue: each claimed
// envelope becomes a user, a workspace, a bumped thread epoch, and a
// RunTask row in that user's scheduler store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dowhiz/dowhiz/internal/archive"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/queue"
	"github.com/dowhiz/dowhiz/internal/scheduler"
	"github.com/dowhiz/dowhiz/internal/shared"
	"github.com/dowhiz/dowhiz/internal/userstore"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

// Consumer is one employee's queue worker.
type Consumer struct {
	Employee config.Employee
	Queue    *queue.Queue
	Users    *userstore.Store
	Epochs   *scheduler.EpochStore
	Core     *scheduler.Core
	Workspaces *workspace.Manager

	Lease        time.Duration
	PollInterval time.Duration
	MaxInline    int64
	TenantID     string
	Logger       *slog.Logger
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Consumer) lease() time.Duration {
	if c.Lease > 0 {
		return c.Lease
	}
	return 60 * time.Second
}

func (c *Consumer) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return time.Second
}

// Run drains the queue until the context ends. An empty queue backs off
// one poll interval before re-polling.
func (c *Consumer) Run(ctx context.Context) {
	c.logger().Info("ingestion consumer started", "employee", c.Employee.ID)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := c.Queue.ClaimNext(ctx, c.Employee.ID, c.lease())
		if err != nil {
			c.logger().Error("claim failed", "employee", c.Employee.ID, "error", err)
			env = nil
		}
		if env == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval()):
			}
			continue
		}

		ctx := shared.WithEnvelopeID(shared.WithEmployeeID(ctx, c.Employee.ID), env.ID)
		if err := c.ProcessOne(ctx, env); err != nil {
			c.logger().Error("envelope processing failed",
				"envelope", env.ID, "attempt", env.Attempts, "error", err)
			if failErr := c.Queue.MarkFailed(ctx, env.ID, err.Error()); failErr != nil {
				c.logger().Error("mark failed errored", "envelope", env.ID, "error", failErr)
			}
			continue
		}
		if err := c.Queue.MarkDone(ctx, env.ID); err != nil {
			c.logger().Error("mark done errored", "envelope", env.ID, "error", err)
		}
	}
}

// ProcessOne commits one envelope: resolve the user, bump the thread
// epoch, build the workspace, and create the RunTask. Exported so tests
// and drains can run a single envelope synchronously.
func (c *Consumer) ProcessOne(ctx context.Context, env *queue.Envelope) error {
	msg := env.Parsed

	user, err := c.Users.GetOrCreate(ctx, msg.Sender)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	paths := userstore.PathsFor(c.usersRoot(), user.UserID)
	for _, dir := range []string{paths.StateDir, paths.MemoryDir, paths.MailRoot, paths.WorkspacesRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure user dirs: %w", err)
		}
	}

	arch, err := archive.Open(paths.MailRoot, c.MaxInline)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	// The epoch bumps before the RunTask is created so the new task
	// carries the thread's latest value and preempts older ones.
	epoch, err := c.Epochs.Bump(ctx, c.TenantID, msg.Channel, msg.ThreadKey)
	if err != nil {
		return fmt.Errorf("bump epoch: %w", err)
	}

	wsDir, err := c.Workspaces.Build(workspace.BuildParams{
		WorkspacesRoot:    paths.WorkspacesRoot,
		MessageID:         msg.ExternalMessageID,
		Message:           msg,
		UserID:            user.UserID,
		MemoryDir:         paths.MemoryDir,
		Archive:           arch,
		EmployeeSkillsDir: c.employeeSkillsDir(),
	})
	if err != nil {
		return fmt.Errorf("build workspace: %w", err)
	}

	// Archive after hydration so references hold only prior messages.
	if _, err := arch.AppendInbound(msg); err != nil {
		return fmt.Errorf("archive inbound: %w", err)
	}

	store, err := c.Core.StoreFor(user.UserID)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	taskID, err := store.AddTask(ctx, &scheduler.Task{
		Kind:     scheduler.KindRunTask,
		Enabled:  true,
		Schedule: scheduler.OneShotSchedule(time.Now().UTC()),
		RunTask: &scheduler.RunTaskPayload{
			WorkspaceDir:  wsDir,
			ModelName:     c.Employee.Model,
			Runner:        c.Employee.Runner,
			AgentDisabled: c.Employee.AgentDisabled,
			ReplyTo:       msg.ReplyTo,
			ReplyFrom:     msg.ServiceAddress,
			Channel:       msg.Channel,
			ThreadKey:     msg.ThreadKey,
			Epoch:         epoch,
			ArchiveRoot:   paths.MailRoot,
			EmployeeID:    c.Employee.ID,
			ReplyHints:    msg.ReplyHints,
		},
	})
	if err != nil {
		return fmt.Errorf("create run task: %w", err)
	}
	if err := c.Core.SyncUserIndex(ctx, user.UserID); err != nil {
		return fmt.Errorf("sync task index: %w", err)
	}

	c.logger().Info("run task enqueued",
		"employee", c.Employee.ID,
		"user", user.UserID,
		"task", taskID,
		"workspace", wsDir,
		"thread", msg.ThreadKey,
		"epoch", epoch,
	)
	return nil
}

func (c *Consumer) usersRoot() string {
	return filepath.Join(c.Employee.RuntimeRoot, "users")
}

func (c *Consumer) employeeSkillsDir() string {
	dir := filepath.Join(c.Employee.RuntimeRoot, "skills")
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}
