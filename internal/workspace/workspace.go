// Package workspace builds the per-RunTask directory tree handed to the
// agent: the incoming message, hydrated mail references, user memory,
// and the skill set. Workspaces are addressed by message id and owned by
// exactly one task.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dowhiz/dowhiz/internal/archive"
	"github.com/dowhiz/dowhiz/internal/channel"
)

// ReplyContext carries the reply-threading fields from the inbound
// message to the outbound send. Written as reply_context.json at build
// time; read back when the auto reply is scheduled.
type ReplyContext struct {
	Subject    string `json:"subject"`
	From       string `json:"from"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`
}

// Manager creates workspaces.
type Manager struct {
	// MaxInlineBytes caps archive entries copied into references; larger
	// entries stay manifest-only.
	MaxInlineBytes int64
	// SkillsDir is the base skill set copied into every workspace.
	SkillsDir string
}

// BuildParams names everything one workspace needs.
type BuildParams struct {
	WorkspacesRoot string
	MessageID      string
	Message        channel.InboundMessage
	UserID         string
	MemoryDir      string
	Archive        *archive.Archive
	// EmployeeSkillsDir optionally overlays per-employee skills on the
	// base set.
	EmployeeSkillsDir string
}

// Build creates the workspace tree for one RunTask and returns its path.
// Building the same message id twice reuses the existing directory.
func (m *Manager) Build(params BuildParams) (string, error) {
	if params.MessageID == "" {
		return "", fmt.Errorf("workspace build: empty message id")
	}
	dir := filepath.Join(params.WorkspacesRoot, sanitizeDirName(params.MessageID))
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	if err := m.writeIncoming(dir, params.Message); err != nil {
		return "", err
	}
	if err := m.writeReplyContext(dir, params.Message); err != nil {
		return "", err
	}
	if err := m.hydrateReferences(dir, params.UserID, params.Archive); err != nil {
		return "", err
	}
	if err := m.copyMemory(dir, params.MemoryDir); err != nil {
		return "", err
	}
	if err := m.copySkills(dir, params.EmployeeSkillsDir); err != nil {
		return "", err
	}
	return dir, nil
}

func (m *Manager) writeIncoming(dir string, msg channel.InboundMessage) error {
	incoming := filepath.Join(dir, "incoming_email")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return fmt.Errorf("create incoming dir: %w", err)
	}

	html := msg.BodyHTML
	if html == "" {
		html = "<pre>" + htmlEscape(msg.BodyText) + "</pre>"
	}
	if err := os.WriteFile(filepath.Join(incoming, "email.html"), []byte(html), 0o644); err != nil {
		return fmt.Errorf("write email.html: %w", err)
	}

	var text strings.Builder
	if msg.Subject != "" {
		fmt.Fprintf(&text, "Subject: %s\n", msg.Subject)
	}
	fmt.Fprintf(&text, "From: %s\n", msg.Sender.Value)
	if msg.ServiceAddress != "" {
		fmt.Fprintf(&text, "To: %s\n", msg.ServiceAddress)
	}
	fmt.Fprintf(&text, "Date: %s\n\n", msg.ReceivedAt.UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	text.WriteString(msg.BodyText)
	if err := os.WriteFile(filepath.Join(incoming, "email.txt"), []byte(text.String()), 0o644); err != nil {
		return fmt.Errorf("write email.txt: %w", err)
	}

	attDir := filepath.Join(incoming, "attachments")
	if err := os.MkdirAll(attDir, 0o755); err != nil {
		return fmt.Errorf("create attachments dir: %w", err)
	}
	for i, att := range msg.Attachments {
		if !att.Inline() || att.SizeBytes > m.maxInline() {
			continue
		}
		name := att.FileName
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		if err := os.WriteFile(filepath.Join(attDir, filepath.Base(name)), att.Content, 0o644); err != nil {
			return fmt.Errorf("write attachment %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) writeReplyContext(dir string, msg channel.InboundMessage) error {
	rc := ReplyContext{
		Subject:    replySubject(msg.Subject),
		From:       msg.ServiceAddress,
		InReplyTo:  msg.ReplyHints["message_id"],
		References: msg.ReplyHints["references"],
	}
	if rc.References == "" && rc.InReplyTo != "" {
		rc.References = "<" + rc.InReplyTo + ">"
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reply context: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reply_context.json"), data, 0o644); err != nil {
		return fmt.Errorf("write reply context: %w", err)
	}
	return nil
}

// LoadReplyContext reads the workspace's reply_context.json. A missing
// file yields a zero context, not an error.
func LoadReplyContext(workspaceDir string) ReplyContext {
	var rc ReplyContext
	data, err := os.ReadFile(filepath.Join(workspaceDir, "reply_context.json"))
	if err != nil {
		return rc
	}
	_ = json.Unmarshal(data, &rc)
	return rc
}

func (m *Manager) hydrateReferences(dir, userID string, arch *archive.Archive) error {
	refDir := filepath.Join(dir, "references", "past_emails")
	if err := os.MkdirAll(refDir, 0o755); err != nil {
		return fmt.Errorf("create references dir: %w", err)
	}
	var entries []archive.Entry
	if arch != nil {
		loaded, err := arch.Entries()
		if err != nil {
			return fmt.Errorf("load archive entries: %w", err)
		}
		for _, e := range loaded {
			size, sizeErr := arch.EntrySize(e)
			if sizeErr != nil {
				continue
			}
			if size <= m.maxInline() {
				if err := copyDir(arch.EntryDir(e), filepath.Join(refDir, e.Path)); err != nil {
					return fmt.Errorf("hydrate entry %s: %w", e.EntryID, err)
				}
			}
			// Oversized entries stay listed in the index; their manifest
			// carries blob URLs.
			entries = append(entries, e)
		}
	}
	if arch != nil {
		return arch.WriteIndex(filepath.Join(refDir, "index.json"), userID, entries)
	}
	idx := archive.Index{Version: 1, UserID: userID, Entries: []archive.Entry{}}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(refDir, "index.json"), data, 0o644)
}

func (m *Manager) copyMemory(dir, memoryDir string) error {
	dst := filepath.Join(dir, "memory")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if memoryDir == "" {
		return nil
	}
	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read memory dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	// Memos are presented in filename order.
	sort.Strings(names)
	for _, name := range names {
		if err := copyFile(filepath.Join(memoryDir, name), filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("copy memo %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) copySkills(dir, employeeSkillsDir string) error {
	dst := filepath.Join(dir, "skills")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	if m.SkillsDir != "" {
		if err := copyDirIfExists(m.SkillsDir, dst); err != nil {
			return fmt.Errorf("copy base skills: %w", err)
		}
	}
	// Employee overrides land after the base set so same-named files win.
	if employeeSkillsDir != "" {
		if err := copyDirIfExists(employeeSkillsDir, dst); err != nil {
			return fmt.Errorf("copy employee skills: %w", err)
		}
	}
	return nil
}

func (m *Manager) maxInline() int64 {
	if m.MaxInlineBytes > 0 {
		return m.MaxInlineBytes
	}
	return 50 * 1024 * 1024
}

func replySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func sanitizeDirName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "workspace"
	}
	return out
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyDirIfExists(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return copyDir(src, dst)
}
