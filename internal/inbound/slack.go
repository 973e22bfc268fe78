package inbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// slackEnvelope mirrors the Slack Events API wrapper.
type slackEnvelope struct {
	Type      string      `json:"type"`
	Token     string      `json:"token"`
	Challenge string      `json:"challenge"`
	TeamID    string      `json:"team_id"`
	Event     *slackEvent `json:"event"`
}

type slackEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	User        string `json:"user"`
	BotID       string `json:"bot_id"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts"`
	EventTS     string `json:"event_ts"`
	Files       []slackFile `json:"files"`
}

type slackFile struct {
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivateDownload string `json:"url_private_download"`
}

// SlackOptions configures event parsing.
type SlackOptions struct {
	// SigningSecret enables v0 request-signature verification.
	SigningSecret string
	// BotUserIDs are our own bot identities; their messages drop.
	BotUserIDs map[string]struct{}
	// Now is the clock used for signature staleness; tests inject it.
	Now func() time.Time
}

// VerifySlackSignature checks the v0 signing scheme over the raw body.
// timestampHeader and signatureHeader carry X-Slack-Request-Timestamp
// and X-Slack-Signature.
func VerifySlackSignature(secret string, raw []byte, timestampHeader, signatureHeader string, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureMismatch)
	}
	// Replays older than five minutes are rejected.
	if diff := now.Unix() - ts; diff > 300 || diff < -300 {
		return fmt.Errorf("%w: stale timestamp", ErrSignatureMismatch)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, raw)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signatureHeader))) {
		return ErrSignatureMismatch
	}
	return nil
}

// ParseSlack converts a Slack Events API body into the canonical
// message. URL-verification requests return a ChallengeError carrying
// the challenge to echo.
func ParseSlack(raw []byte, timestampHeader, signatureHeader string, opts SlackOptions) (channel.InboundMessage, error) {
	now := time.Now().UTC()
	if opts.Now != nil {
		now = opts.Now()
	}
	if opts.SigningSecret != "" {
		if err := VerifySlackSignature(opts.SigningSecret, raw, timestampHeader, signatureHeader, now); err != nil {
			return channel.InboundMessage{}, err
		}
	}

	var envelope slackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrMissingField, err)
	}

	if envelope.Type == "url_verification" {
		return channel.InboundMessage{}, &ChallengeError{Challenge: Challenge{Body: envelope.Challenge}}
	}
	if envelope.Type != "event_callback" || envelope.Event == nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, envelope.Type)
	}

	event := envelope.Event
	if event.Type != "message" && event.Type != "app_mention" {
		return channel.InboundMessage{}, fmt.Errorf("%w: event %s", ErrUnsupportedEvent, event.Type)
	}
	// Edits, joins, and other subtypes are not new messages.
	if event.Subtype != "" && event.Subtype != "file_share" {
		return channel.InboundMessage{}, fmt.Errorf("%w: subtype %s", ErrUnsupportedEvent, event.Subtype)
	}
	if event.BotID != "" {
		return channel.InboundMessage{}, ErrOwnBotMessage
	}
	if _, ours := opts.BotUserIDs[event.User]; ours {
		return channel.InboundMessage{}, ErrOwnBotMessage
	}
	if event.User == "" {
		return channel.InboundMessage{}, missingField("event.user")
	}
	if event.Channel == "" {
		return channel.InboundMessage{}, missingField("event.channel")
	}
	if event.TS == "" {
		return channel.InboundMessage{}, missingField("event.ts")
	}

	// Thread identity: the root ts when threaded, else this message's ts.
	threadTS := event.ThreadTS
	if threadTS == "" {
		threadTS = event.TS
	}
	threadKey := fmt.Sprintf("slack:%s:%s", event.Channel, threadTS)

	receivedAt := now
	if secs, err := strconv.ParseFloat(event.TS, 64); err == nil {
		receivedAt = time.Unix(int64(secs), 0).UTC()
	}

	var attachments []channel.Attachment
	for _, f := range event.Files {
		attachments = append(attachments, channel.Attachment{
			FileName:    f.Name,
			ContentType: f.Mimetype,
			SizeBytes:   f.Size,
			BlobURL:     f.URLPrivateDownload,
		})
	}

	sender := strings.ToUpper(event.User)
	return channel.InboundMessage{
		Channel:           channel.Slack,
		ServiceAddress:    envelope.TeamID,
		Sender:            channel.Identifier{Type: channel.IdentSlackUser, Value: sender},
		ThreadKey:         threadKey,
		ExternalMessageID: event.Channel + ":" + event.TS,
		BodyText:          event.Text,
		Attachments:       attachments,
		ReceivedAt:        receivedAt,
		ReplyTo:           []string{sender},
		ReplyHints: map[string]string{
			"team_id":    envelope.TeamID,
			"channel_id": event.Channel,
			"thread_ts":  threadTS,
		},
	}, nil
}
