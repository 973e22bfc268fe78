package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dowhiz/dowhiz/internal/archive"
	"github.com/dowhiz/dowhiz/internal/channel"
)

func testMessage() channel.InboundMessage {
	return channel.InboundMessage{
		Channel:           channel.Email,
		ServiceAddress:    "oliver@dowhiz.com",
		Sender:            channel.Identifier{Type: channel.IdentEmail, Value: "alice@example.com"},
		ThreadKey:         "<m-1@example>",
		ExternalMessageID: "m-1@example",
		Subject:           "Hello",
		BodyText:          "hi there",
		BodyHTML:          "<p>hi there</p>",
		ReceivedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ReplyTo:           []string{"alice@example.com"},
		ReplyHints:        map[string]string{"message_id": "m-1@example"},
	}
}

func TestBuild_TreeLayout(t *testing.T) {
	root := t.TempDir()
	m := &Manager{}
	dir, err := m.Build(BuildParams{
		WorkspacesRoot: filepath.Join(root, "workspaces"),
		MessageID:      "m-1@example",
		Message:        testMessage(),
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{
		"incoming_email/email.html",
		"incoming_email/email.txt",
		"incoming_email/attachments",
		"references/past_emails/index.json",
		"memory",
		"skills",
		"reply_context.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
}

func TestBuild_IdempotentPerMessage(t *testing.T) {
	root := t.TempDir()
	m := &Manager{}
	params := BuildParams{
		WorkspacesRoot: filepath.Join(root, "ws"),
		MessageID:      "m-1@example",
		Message:        testMessage(),
		UserID:         "user-1",
	}
	a, err := m.Build(params)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Build(params)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("dirs differ: %s vs %s", a, b)
	}
}

func TestBuild_ReplyContext(t *testing.T) {
	root := t.TempDir()
	m := &Manager{}
	dir, err := m.Build(BuildParams{
		WorkspacesRoot: filepath.Join(root, "ws"),
		MessageID:      "m-1@example",
		Message:        testMessage(),
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	rc := LoadReplyContext(dir)
	if rc.Subject != "Re: Hello" {
		t.Errorf("subject = %q", rc.Subject)
	}
	if rc.From != "oliver@dowhiz.com" {
		t.Errorf("from = %q", rc.From)
	}
	if rc.InReplyTo != "m-1@example" {
		t.Errorf("in_reply_to = %q", rc.InReplyTo)
	}
}

func TestBuild_MemorySortedCopy(t *testing.T) {
	root := t.TempDir()
	memDir := filepath.Join(root, "memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"02-projects.md", "01-profile.md", "skip.txt"} {
		if err := os.WriteFile(filepath.Join(memDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := &Manager{}
	dir, err := m.Build(BuildParams{
		WorkspacesRoot: filepath.Join(root, "ws"),
		MessageID:      "m-1@example",
		Message:        testMessage(),
		UserID:         "user-1",
		MemoryDir:      memDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "memory"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 || names[0] != "01-profile.md" || names[1] != "02-projects.md" {
		t.Fatalf("memory files = %v", names)
	}
}

func TestBuild_SkillsOverlay(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base-skills")
	override := filepath.Join(root, "emp-skills")
	for dir, content := range map[string]string{base: "base", override: "override"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "common.md"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "base-only.md"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{SkillsDir: base}
	dir, err := m.Build(BuildParams{
		WorkspacesRoot:    filepath.Join(root, "ws"),
		MessageID:         "m-1@example",
		Message:           testMessage(),
		UserID:            "user-1",
		EmployeeSkillsDir: override,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "skills", "common.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "override" {
		t.Fatalf("common.md = %q, employee override must win", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "skills", "base-only.md")); err != nil {
		t.Fatal("base skill missing")
	}
}

func TestBuild_ArchiveHydration(t *testing.T) {
	root := t.TempDir()
	arch, err := archive.Open(filepath.Join(root, "mail"), 1024)
	if err != nil {
		t.Fatal(err)
	}
	small := channel.InboundMessage{
		Channel:           channel.Email,
		Sender:            channel.Identifier{Type: channel.IdentEmail, Value: "a@b.c"},
		ExternalMessageID: "small@example",
		Subject:           "small",
		BodyText:          "tiny",
		ReceivedAt:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := arch.AppendInbound(small); err != nil {
		t.Fatal(err)
	}

	m := &Manager{MaxInlineBytes: 1024}
	dir, err := m.Build(BuildParams{
		WorkspacesRoot: filepath.Join(root, "ws"),
		MessageID:      "m-1@example",
		Message:        testMessage(),
		UserID:         "user-1",
		Archive:        arch,
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "references", "past_emails", "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	var idx archive.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatal(err)
	}
	if idx.Version != 1 || len(idx.Entries) != 1 || idx.Entries[0].MessageID != "small@example" {
		t.Fatalf("index = %+v", idx)
	}
	// Hydrated copy of the small entry exists.
	if _, err := os.Stat(filepath.Join(dir, "references", "past_emails", idx.Entries[0].Path, "email.txt")); err != nil {
		t.Fatalf("hydrated entry missing: %v", err)
	}
}
