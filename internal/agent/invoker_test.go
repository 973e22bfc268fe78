package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestInvoke_BinaryMissing(t *testing.T) {
	inv := &Invoker{
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}
	_, err := inv.Invoke(context.Background(), Request{
		WorkspaceDir: t.TempDir(),
		Runner:       RunnerCodex,
	})
	if !errors.Is(err, ErrBinaryMissing) {
		t.Fatalf("err = %v", err)
	}
}

func TestInvoke_ExitNonZero(t *testing.T) {
	inv := &Invoker{
		LookPath: func(string) (string, error) { return "/usr/bin/codex", nil },
		RunCommand: func(cmd *exec.Cmd) error {
			cmd.Stderr.Write([]byte("model quota exceeded"))
			return errors.New("exit status 1")
		},
	}
	_, err := inv.Invoke(context.Background(), Request{
		WorkspaceDir: t.TempDir(),
		Runner:       RunnerCodex,
		ReplyTo:      []string{"a@b.c"},
	})
	if !errors.Is(err, ErrExitNonZero) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "model quota exceeded") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}

func TestInvoke_MissingRequiredOutput(t *testing.T) {
	inv := &Invoker{
		LookPath:   func(string) (string, error) { return "/usr/bin/codex", nil },
		RunCommand: func(cmd *exec.Cmd) error { return nil },
	}
	_, err := inv.Invoke(context.Background(), Request{
		WorkspaceDir: t.TempDir(),
		Runner:       RunnerCodex,
		ReplyTo:      []string{"a@b.c"},
	})
	if !errors.Is(err, ErrMissingRequiredOutput) {
		t.Fatalf("err = %v", err)
	}
}

func TestInvoke_NoReplyNeededSucceedsWithoutDraft(t *testing.T) {
	inv := &Invoker{
		LookPath:   func(string) (string, error) { return "/usr/bin/codex", nil },
		RunCommand: func(cmd *exec.Cmd) error { return nil },
	}
	res, err := inv.Invoke(context.Background(), Request{
		WorkspaceDir: t.TempDir(),
		Runner:       RunnerCodex,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplyDraftPath != "" {
		t.Fatalf("res = %+v", res)
	}
}

func TestInvoke_CollectsDraftAndBlocks(t *testing.T) {
	dir := t.TempDir()
	inv := &Invoker{
		LookPath: func(string) (string, error) { return "/usr/bin/codex", nil },
		RunCommand: func(cmd *exec.Cmd) error {
			if err := os.WriteFile(filepath.Join(dir, "reply_email_draft.html"), []byte("<p>done</p>"), 0o644); err != nil {
				return err
			}
			cmd.Stdout.Write([]byte("working...\n" + SchedulerActionsBegin +
				"\n[{\"action\":\"cancel\",\"task_ids\":[\"t9\"]}]\n" + SchedulerActionsEnd + "\n"))
			return nil
		},
	}
	res, err := inv.Invoke(context.Background(), Request{
		WorkspaceDir: dir,
		Runner:       RunnerCodex,
		ReplyTo:      []string{"a@b.c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplyDraftPath == "" {
		t.Fatal("draft not collected")
	}
	if len(res.SchedulerActions) != 1 || res.SchedulerActions[0].TaskIDs[0] != "t9" {
		t.Fatalf("actions = %+v", res.SchedulerActions)
	}
}

func TestInvoke_BypassWritesPlaceholderOnlyWhenReplyable(t *testing.T) {
	inv := &Invoker{}

	dir := t.TempDir()
	res, err := inv.Invoke(context.Background(), Request{
		WorkspaceDir: dir,
		Disabled:     true,
		ReplyTo:      []string{"a@b.c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplyDraftPath == "" {
		t.Fatal("placeholder not written")
	}
	data, err := os.ReadFile(res.ReplyDraftPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "disabled") {
		t.Fatalf("placeholder = %q", data)
	}

	// Not replyable: no placeholder.
	dir2 := t.TempDir()
	res, err = inv.Invoke(context.Background(), Request{WorkspaceDir: dir2, Disabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplyDraftPath != "" {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveWorkspacePath(t *testing.T) {
	ws := t.TempDir()

	got, err := ResolveWorkspacePath(ws, "followup.html")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(ws, "followup.html") {
		t.Fatalf("got %q", got)
	}

	for _, bad := range []string{"/etc/passwd", "../outside.html", "a/../../x", ""} {
		if _, err := ResolveWorkspacePath(ws, bad); err == nil {
			t.Errorf("ResolveWorkspacePath(%q): expected error", bad)
		}
	}
}

func TestCommandArgs(t *testing.T) {
	codex := commandArgs(RunnerCodex, "gpt-5.1", "do it")
	if codex[0] != "exec" || codex[len(codex)-1] != "do it" {
		t.Fatalf("codex args = %v", codex)
	}
	claude := commandArgs(RunnerClaude, "", "do it")
	if claude[0] != "-p" || claude[1] != "do it" {
		t.Fatalf("claude args = %v", claude)
	}
}
