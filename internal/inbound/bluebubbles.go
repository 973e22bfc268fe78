package inbound

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// blueBubblesWebhook mirrors the BlueBubbles server webhook shape.
type blueBubblesWebhook struct {
	Type string             `json:"type"`
	Data blueBubblesMessage `json:"data"`
}

type blueBubblesMessage struct {
	GUID     string `json:"guid"`
	Text     string `json:"text"`
	IsFromMe bool   `json:"isFromMe"`
	Handle   *struct {
		Address     string `json:"address"`
		ContactName string `json:"displayName"`
	} `json:"handle"`
	Chats []struct {
		GUID string `json:"guid"`
	} `json:"chats"`
	Attachments []struct {
		TransferName string `json:"transferName"`
		MimeType     string `json:"mimeType"`
		TotalBytes   int64  `json:"totalBytes"`
	} `json:"attachments"`
	DateCreated int64 `json:"dateCreated"` // epoch millis
}

// BlueBubblesOptions configures iMessage webhook parsing.
type BlueBubblesOptions struct {
	// ServerAddress names this BlueBubbles server for routing.
	ServerAddress string
}

// ParseBlueBubbles converts a BlueBubbles webhook body into the
// canonical message. Only new-message events for messages we did not
// send ourselves pass.
func ParseBlueBubbles(raw []byte, opts BlueBubblesOptions) (channel.InboundMessage, error) {
	var wrapper blueBubblesWebhook
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrMissingField, err)
	}
	if wrapper.Type != "new-message" {
		return channel.InboundMessage{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, wrapper.Type)
	}
	msg := wrapper.Data
	if msg.IsFromMe {
		return channel.InboundMessage{}, ErrOwnBotMessage
	}
	if msg.GUID == "" {
		return channel.InboundMessage{}, missingField("data.guid")
	}
	if msg.Handle == nil || msg.Handle.Address == "" {
		return channel.InboundMessage{}, missingField("data.handle.address")
	}

	// Chat GUID groups the thread; a handle-only message threads by GUID.
	chatGUID := msg.GUID
	if len(msg.Chats) > 0 && msg.Chats[0].GUID != "" {
		chatGUID = msg.Chats[0].GUID
	}

	sender, err := channel.NormalizePhone(msg.Handle.Address)
	if err != nil {
		// iMessage handles may be email addresses.
		if normalized, emailErr := channel.NormalizeEmail(msg.Handle.Address); emailErr == nil {
			sender = normalized
		} else {
			return channel.InboundMessage{}, fmt.Errorf("%w: handle %q", ErrMissingField, msg.Handle.Address)
		}
	}

	var attachments []channel.Attachment
	for _, a := range msg.Attachments {
		// BlueBubbles attachment bytes are fetched separately by GUID.
		attachments = append(attachments, channel.Attachment{
			FileName:    a.TransferName,
			ContentType: a.MimeType,
			SizeBytes:   a.TotalBytes,
		})
	}

	receivedAt := time.Now().UTC()
	if msg.DateCreated > 0 {
		receivedAt = time.UnixMilli(msg.DateCreated).UTC()
	}

	return channel.InboundMessage{
		Channel:           channel.BlueBubbles,
		ServiceAddress:    opts.ServerAddress,
		Sender:            channel.Identifier{Type: channel.IdentIMessage, Value: sender},
		SenderName:        handleName(msg),
		ThreadKey:         "bluebubbles:" + chatGUID,
		ExternalMessageID: msg.GUID,
		BodyText:          msg.Text,
		Attachments:       attachments,
		ReceivedAt:        receivedAt,
		ReplyTo:           []string{sender},
		ReplyHints: map[string]string{
			"chat_guid": chatGUID,
		},
	}, nil
}

func handleName(msg blueBubblesMessage) string {
	if msg.Handle == nil {
		return ""
	}
	return msg.Handle.ContactName
}
