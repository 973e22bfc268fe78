package inbound

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// googleDocsComment is the poller's normalized comment event: the Docs
// poller watches shared documents and posts mentions here.
type googleDocsComment struct {
	DocumentID  string `json:"document_id"`
	DocumentName string `json:"document_name"`
	CommentID   string `json:"comment_id"`
	AuthorEmail string `json:"author_email"`
	AuthorName  string `json:"author_name"`
	Content     string `json:"content"`
	QuotedText  string `json:"quoted_text"`
	MentionedAddress string `json:"mentioned_address"`
	CreatedTime string `json:"created_time"`
}

// ParseGoogleDocs converts a Docs comment event into the canonical
// message. The comment must mention an employee address; the poller
// resolves mentions before posting.
func ParseGoogleDocs(raw []byte) (channel.InboundMessage, error) {
	var comment googleDocsComment
	if err := json.Unmarshal(raw, &comment); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrMissingField, err)
	}
	if comment.DocumentID == "" {
		return channel.InboundMessage{}, missingField("document_id")
	}
	if comment.CommentID == "" {
		return channel.InboundMessage{}, missingField("comment_id")
	}
	if comment.AuthorEmail == "" {
		return channel.InboundMessage{}, missingField("author_email")
	}
	if comment.MentionedAddress == "" {
		return channel.InboundMessage{}, fmt.Errorf("%w: no employee mention", ErrUnsupportedEvent)
	}

	sender, err := channel.NormalizeEmail(comment.AuthorEmail)
	if err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: author_email: %v", ErrMissingField, err)
	}

	receivedAt := time.Now().UTC()
	if comment.CreatedTime != "" {
		if t, parseErr := time.Parse(time.RFC3339, comment.CreatedTime); parseErr == nil {
			receivedAt = t.UTC()
		}
	}

	body := comment.Content
	if comment.QuotedText != "" {
		body = fmt.Sprintf("%s\n\n> %s", comment.Content, comment.QuotedText)
	}

	return channel.InboundMessage{
		Channel:           channel.GoogleDocs,
		ServiceAddress:    comment.MentionedAddress,
		Sender:            channel.Identifier{Type: channel.IdentGoogleUser, Value: sender},
		SenderName:        comment.AuthorName,
		ThreadKey:         "gdocs:" + comment.DocumentID,
		ExternalMessageID: comment.DocumentID + ":" + comment.CommentID,
		Subject:           comment.DocumentName,
		BodyText:          body,
		ReceivedAt:        receivedAt,
		ReplyTo:           []string{sender},
		ReplyHints: map[string]string{
			"document_id": comment.DocumentID,
			"comment_id":  comment.CommentID,
		},
	}, nil
}
