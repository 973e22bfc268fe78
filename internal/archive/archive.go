// Package archive maintains the per-user mail archive: one directory per
// message (inbound and outbound) plus the index.json and attachment
// manifests the agent reads under references/past_emails/.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Direction of an archived message.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Entry is one archived message, as serialized into index.json.
type Entry struct {
	EntryID               string   `json:"entry_id"`
	DisplayName           string   `json:"display_name"`
	Path                  string   `json:"path"`
	Direction             string   `json:"direction"`
	Subject               string   `json:"subject"`
	From                  string   `json:"from"`
	To                    []string `json:"to"`
	Cc                    []string `json:"cc"`
	Bcc                   []string `json:"bcc"`
	Date                  string   `json:"date"`
	MessageID             string   `json:"message_id"`
	AttachmentsManifest   string   `json:"attachments_manifest"`
	AttachmentsCount      int      `json:"attachments_count"`
	LargeAttachmentsCount int      `json:"large_attachments_count"`
}

// Index is the references/past_emails/index.json document.
type Index struct {
	Version     int     `json:"version"`
	GeneratedAt string  `json:"generated_at"`
	UserID      string  `json:"user_id"`
	Entries     []Entry `json:"entries"`
}

// ManifestAttachment describes one attachment in a manifest.
type ManifestAttachment struct {
	FileName     string `json:"file_name"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Storage      string `json:"storage"` // "local" or "remote"
	RelativePath string `json:"relative_path"`
	BlobURL      string `json:"blob_url,omitempty"`
}

// Manifest is the per-message attachments manifest document.
type Manifest struct {
	Version     int                  `json:"version"`
	GeneratedAt string               `json:"generated_at"`
	MessageID   string               `json:"message_id"`
	Attachments []ManifestAttachment `json:"attachments"`
}

// Archive is one user's mail store rooted at mailRoot.
type Archive struct {
	root string
	now  func() time.Time
	// maxInlineBytes caps attachments stored locally; larger ones are
	// referenced by blob URL in the manifest.
	maxInlineBytes int64
}

// Open prepares the archive at root.
func Open(root string, maxInlineBytes int64) (*Archive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mail root: %w", err)
	}
	if maxInlineBytes <= 0 {
		maxInlineBytes = 50 * 1024 * 1024
	}
	return &Archive{
		root:           root,
		now:            func() time.Time { return time.Now().UTC() },
		maxInlineBytes: maxInlineBytes,
	}, nil
}

// SetClock injects a fixed clock for tests.
func (a *Archive) SetClock(now func() time.Time) { a.now = now }

// Root returns the archive root directory.
func (a *Archive) Root() string { return a.root }

// AppendInbound archives one inbound message: email.html, email.txt,
// local attachments, manifest, and metadata.
func (a *Archive) AppendInbound(msg channel.InboundMessage) (Entry, error) {
	return a.append(msg.ExternalMessageID, DirectionInbound, msg.Subject,
		senderDisplay(msg), msg.ReplyTo, nil, nil,
		msg.BodyHTML, msg.BodyText, msg.Attachments, msg.ReceivedAt)
}

// OutboundMessage is the dispatcher's view of a sent reply.
type OutboundMessage struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	HTML      string
	Text      string
	Attachments []channel.Attachment
	SentAt    time.Time
}

// AppendOutbound archives one sent reply with direction=outbound.
func (a *Archive) AppendOutbound(msg OutboundMessage) (Entry, error) {
	return a.append(msg.MessageID, DirectionOutbound, msg.Subject,
		msg.From, msg.To, msg.Cc, msg.Bcc,
		msg.HTML, msg.Text, msg.Attachments, msg.SentAt)
}

func (a *Archive) append(messageID, direction, subject, from string,
	to, cc, bcc []string, html, text string,
	attachments []channel.Attachment, date time.Time) (Entry, error) {

	if messageID == "" {
		return Entry{}, fmt.Errorf("archive append: empty message id")
	}
	if date.IsZero() {
		date = a.now()
	}
	entryID := sanitizeEntryID(messageID)
	entryDir := filepath.Join(a.root, entryID)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("create entry dir: %w", err)
	}

	if html != "" {
		if err := os.WriteFile(filepath.Join(entryDir, "email.html"), []byte(html), 0o644); err != nil {
			return Entry{}, fmt.Errorf("write email.html: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(entryDir, "email.txt"), []byte(text), 0o644); err != nil {
		return Entry{}, fmt.Errorf("write email.txt: %w", err)
	}

	manifest := Manifest{
		Version:     1,
		GeneratedAt: a.now().Format(time.RFC3339),
		MessageID:   messageID,
	}
	large := 0
	if len(attachments) > 0 {
		attDir := filepath.Join(entryDir, "attachments")
		if err := os.MkdirAll(attDir, 0o755); err != nil {
			return Entry{}, fmt.Errorf("create attachments dir: %w", err)
		}
		for i, att := range attachments {
			name := att.FileName
			if name == "" {
				name = fmt.Sprintf("attachment-%d", i+1)
			}
			name = sanitizeFileName(name)
			ma := ManifestAttachment{
				FileName:     name,
				OriginalName: att.FileName,
				ContentType:  att.ContentType,
				SizeBytes:    att.SizeBytes,
			}
			if att.Inline() && att.SizeBytes <= a.maxInlineBytes {
				rel := filepath.Join("attachments", name)
				if err := os.WriteFile(filepath.Join(entryDir, rel), att.Content, 0o644); err != nil {
					return Entry{}, fmt.Errorf("write attachment %s: %w", name, err)
				}
				ma.Storage = "local"
				ma.RelativePath = rel
			} else {
				ma.Storage = "remote"
				ma.BlobURL = att.BlobURL
				large++
			}
			manifest.Attachments = append(manifest.Attachments, ma)
		}
	}

	manifestPath := ""
	if len(manifest.Attachments) > 0 {
		manifestPath = "attachments_manifest.json"
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return Entry{}, fmt.Errorf("marshal manifest: %w", err)
		}
		if err := os.WriteFile(filepath.Join(entryDir, manifestPath), data, 0o644); err != nil {
			return Entry{}, fmt.Errorf("write manifest: %w", err)
		}
	}

	entry := Entry{
		EntryID:               entryID,
		DisplayName:           displayName(date, direction, subject),
		Path:                  entryID,
		Direction:             direction,
		Subject:               subject,
		From:                  from,
		To:                    to,
		Cc:                    cc,
		Bcc:                   bcc,
		Date:                  date.UTC().Format(time.RFC3339),
		MessageID:             messageID,
		AttachmentsManifest:   manifestPath,
		AttachmentsCount:      len(manifest.Attachments),
		LargeAttachmentsCount: large,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(entryDir, "meta.json"), data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write entry meta: %w", err)
	}
	return entry, nil
}

// Entries loads every archived entry, oldest first.
func (a *Archive) Entries() ([]Entry, error) {
	dirs, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("read mail root: %w", err)
	}
	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(a.root, d.Name(), "meta.json"))
		if readErr != nil {
			continue
		}
		var e Entry
		if json.Unmarshal(data, &e) == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out, nil
}

// WriteIndex builds index.json over the given entries for a user.
func (a *Archive) WriteIndex(path, userID string, entries []Entry) error {
	idx := Index{
		Version:     1,
		GeneratedAt: a.now().Format(time.RFC3339),
		UserID:      userID,
		Entries:     entries,
	}
	if idx.Entries == nil {
		idx.Entries = []Entry{}
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// EntryDir returns the on-disk directory of an entry.
func (a *Archive) EntryDir(e Entry) string {
	return filepath.Join(a.root, e.Path)
}

// EntrySize sums the entry's local file sizes.
func (a *Archive) EntrySize(e Entry) (int64, error) {
	var total int64
	err := filepath.Walk(a.EntryDir(e), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func sanitizeEntryID(messageID string) string {
	var b strings.Builder
	for _, r := range messageID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	id := strings.Trim(b.String(), "._")
	if id == "" {
		id = "entry"
	}
	return id
}

func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	return strings.ReplaceAll(name, string(os.PathSeparator), "_")
}

func displayName(date time.Time, direction, subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		s = "(no subject)"
	}
	return fmt.Sprintf("%s %s %s", date.UTC().Format("2006-01-02"), direction, s)
}

func senderDisplay(msg channel.InboundMessage) string {
	if msg.SenderName != "" {
		return fmt.Sprintf("%s <%s>", msg.SenderName, msg.Sender.Value)
	}
	return msg.Sender.Value
}
