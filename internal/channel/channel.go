// Package channel defines the canonical cross-channel message model:
// the closed set of channels, the inbound envelope every parser produces,
// and the identifier normalization rules shared by routing and identity.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies one of the supported messaging surfaces.
type Channel string

const (
	Email       Channel = "email"
	Slack       Channel = "slack"
	Discord     Channel = "discord"
	Sms         Channel = "sms"
	Telegram    Channel = "telegram"
	WhatsApp    Channel = "whatsapp"
	BlueBubbles Channel = "bluebubbles"
	GoogleDocs  Channel = "google_docs"
)

// All lists every supported channel in stable order.
func All() []Channel {
	return []Channel{Email, Slack, Discord, Sms, Telegram, WhatsApp, BlueBubbles, GoogleDocs}
}

// Parse maps a wire string to a Channel.
func Parse(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Email, Slack, Discord, Sms, Telegram, WhatsApp, BlueBubbles, GoogleDocs:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

func (c Channel) String() string { return string(c) }

// UsesHTMLReply reports whether replies on this channel are composed as
// HTML drafts (email-like) rather than plain text.
func (c Channel) UsesHTMLReply() bool {
	switch c {
	case Email, GoogleDocs:
		return true
	}
	return false
}

// ReplyDraftName returns the workspace file the agent writes its reply to
// for this channel, and the sibling attachments directory.
func (c Channel) ReplyDraftName() (draft, attachmentsDir string) {
	if c.UsesHTMLReply() {
		return "reply_email_draft.html", "reply_email_attachments"
	}
	return "reply_message.txt", "reply_attachments"
}

// InboundMessage is the canonical ingest envelope every channel parser
// produces. (channel, external_message_id) is unique per tenant.
type InboundMessage struct {
	Channel           Channel     `json:"channel"`
	ServiceAddress    string      `json:"service_address"` // the mailbox/bot/number the user wrote to
	Sender            Identifier  `json:"sender"`
	SenderName        string      `json:"sender_name,omitempty"`
	ThreadKey         string      `json:"thread_key"` // opaque per-channel thread identity
	ExternalMessageID string      `json:"external_message_id"`
	Subject           string      `json:"subject,omitempty"`
	BodyText          string      `json:"body_text"`
	BodyHTML          string      `json:"body_html,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ReceivedAt        time.Time   `json:"received_at"`
	// ReplyTo lists addresses a reply should go to (already filtered of
	// no-reply locals for email). Empty means the message is not replyable.
	ReplyTo []string `json:"reply_to,omitempty"`
	// ReplyHints carries channel-specific ids echoed back on send
	// (slack channel/ts, telegram chat id, discord channel id, ...).
	ReplyHints map[string]string `json:"reply_hints,omitempty"`
}

// Attachment is one inbound file. Either Content is inline or BlobRef
// points at the raw payload store.
type Attachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Content     []byte `json:"content,omitempty"`
	BlobRef     string `json:"blob_ref,omitempty"`
	BlobURL     string `json:"blob_url,omitempty"`
}

// Inline reports whether the attachment carries its bytes in memory.
func (a Attachment) Inline() bool { return len(a.Content) > 0 }
