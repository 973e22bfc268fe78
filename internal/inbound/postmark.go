package inbound

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// postmarkInbound mirrors the Postmark inbound webhook JSON body.
type postmarkInbound struct {
	From              string               `json:"From"`
	FromName          string               `json:"FromName"`
	To                string               `json:"To"`
	Cc                string               `json:"Cc"`
	Bcc               string               `json:"Bcc"`
	ToFull            []postmarkRecipient  `json:"ToFull"`
	CcFull            []postmarkRecipient  `json:"CcFull"`
	BccFull           []postmarkRecipient  `json:"BccFull"`
	ReplyTo           string               `json:"ReplyTo"`
	Subject           string               `json:"Subject"`
	TextBody          string               `json:"TextBody"`
	StrippedTextReply string               `json:"StrippedTextReply"`
	HTMLBody          string               `json:"HtmlBody"`
	MessageID         string               `json:"MessageID"`
	Date              string               `json:"Date"`
	Headers           []postmarkHeader     `json:"Headers"`
	Attachments       []postmarkAttachment `json:"Attachments"`
}

type postmarkRecipient struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
	ContentLength int64 `json:"ContentLength"`
}

func (p *postmarkInbound) headerValue(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// PostmarkOptions configures email parsing.
type PostmarkOptions struct {
	// Token, when set, must match the X-Postmark-Token transport header.
	Token string
	// ServiceAddresses lists the employee mailboxes; the first recipient
	// matching one becomes the service address. Empty list keeps the
	// first To entry.
	ServiceAddresses map[string]struct{}
}

// ParsePostmark converts a Postmark inbound webhook body into the
// canonical message. headerToken carries the X-Postmark-Token value.
func ParsePostmark(raw []byte, headerToken string, opts PostmarkOptions) (channel.InboundMessage, error) {
	if opts.Token != "" && headerToken != opts.Token {
		return channel.InboundMessage{}, ErrSignatureMismatch
	}

	var payload postmarkInbound
	if err := json.Unmarshal(raw, &payload); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrMissingField, err)
	}
	if strings.TrimSpace(payload.From) == "" {
		return channel.InboundMessage{}, missingField("From")
	}

	messageID := NormalizeMessageID(payload.MessageID)
	if messageID == "" {
		messageID = NormalizeMessageID(payload.headerValue("Message-ID"))
	}
	if messageID == "" {
		return channel.InboundMessage{}, missingField("MessageID")
	}

	serviceAddress := pickServiceAddress(&payload, opts.ServiceAddresses)
	if serviceAddress == "" {
		return channel.InboundMessage{}, missingField("To")
	}

	// Thread identity: the References chain when present, else the
	// message's own id so a fresh thread starts here.
	threadKey := strings.TrimSpace(payload.headerValue("References"))
	if threadKey == "" {
		threadKey = "<" + messageID + ">"
	}

	sender, err := channel.NormalizeEmail(payload.From)
	if err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: From: %v", ErrMissingField, err)
	}

	receivedAt := time.Now().UTC()
	if payload.Date != "" {
		for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
			if t, parseErr := time.Parse(layout, payload.Date); parseErr == nil {
				receivedAt = t.UTC()
				break
			}
		}
	}

	bodyText := payload.TextBody
	if strings.TrimSpace(bodyText) == "" {
		bodyText = payload.StrippedTextReply
	}

	var attachments []channel.Attachment
	for _, a := range payload.Attachments {
		content, decodeErr := base64.StdEncoding.DecodeString(a.Content)
		if decodeErr != nil {
			return channel.InboundMessage{}, fmt.Errorf("%w: attachment %s: %v", ErrMissingField, a.Name, decodeErr)
		}
		size := a.ContentLength
		if size == 0 {
			size = int64(len(content))
		}
		attachments = append(attachments, channel.Attachment{
			FileName:    a.Name,
			ContentType: a.ContentType,
			SizeBytes:   size,
			Content:     content,
		})
	}

	// Reply routing: prefer an explicit Reply-To, else the sender; both
	// pass the no-reply filter.
	replySource := payload.ReplyTo
	if strings.TrimSpace(replySource) == "" {
		replySource = payload.From
	}
	replyTo := channel.ReplyableRecipients(replySource)

	inReplyTo := NormalizeMessageID(payload.headerValue("In-Reply-To"))
	hints := map[string]string{
		"message_id": messageID,
	}
	if inReplyTo != "" {
		hints["in_reply_to"] = inReplyTo
	}
	if refs := payload.headerValue("References"); refs != "" {
		hints["references"] = refs
	}

	return channel.InboundMessage{
		Channel:           channel.Email,
		ServiceAddress:    serviceAddress,
		Sender:            channel.Identifier{Type: channel.IdentEmail, Value: sender},
		SenderName:        payload.FromName,
		ThreadKey:         threadKey,
		ExternalMessageID: messageID,
		Subject:           payload.Subject,
		BodyText:          bodyText,
		BodyHTML:          payload.HTMLBody,
		Attachments:       attachments,
		ReceivedAt:        receivedAt,
		ReplyTo:           replyTo,
		ReplyHints:        hints,
	}, nil
}

// NormalizeMessageID trims angle brackets and lowercases an RFC 5322
// message id.
func NormalizeMessageID(raw string) string {
	trimmed := strings.TrimFunc(strings.TrimSpace(raw), func(r rune) bool {
		return r == '<' || r == '>'
	})
	return strings.ToLower(trimmed)
}

// pickServiceAddress scans every recipient surface for the first address
// the registry serves: To, Cc, Bcc, their Full variants, then the
// forwarded-delivery headers.
func pickServiceAddress(p *postmarkInbound, serviceAddresses map[string]struct{}) string {
	var candidates []string
	for _, raw := range []string{p.To, p.Cc, p.Bcc} {
		candidates = append(candidates, channel.SplitRecipients(raw)...)
	}
	for _, list := range [][]postmarkRecipient{p.ToFull, p.CcFull, p.BccFull} {
		for _, r := range list {
			candidates = append(candidates, r.Email)
		}
	}
	for _, header := range []string{
		"X-Original-To", "Delivered-To", "Envelope-To", "X-Envelope-To",
		"X-Forwarded-To", "X-Original-Recipient", "Original-Recipient",
	} {
		if v := p.headerValue(header); v != "" {
			candidates = append(candidates, channel.SplitRecipients(v)...)
		}
	}

	var firstValid string
	for _, candidate := range candidates {
		normalized, err := channel.NormalizeEmail(candidate)
		if err != nil {
			continue
		}
		if firstValid == "" {
			firstValid = normalized
		}
		if len(serviceAddresses) == 0 {
			return normalized
		}
		if _, ok := serviceAddresses[normalized]; ok {
			return normalized
		}
	}
	return firstValid
}
