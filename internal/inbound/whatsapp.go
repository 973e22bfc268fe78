package inbound

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// whatsappWebhook mirrors the Meta Cloud API webhook shape.
type whatsappWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// VerifyWhatsAppChallenge handles the GET hub.challenge verification
// handshake. Returns the challenge to echo when the token matches.
func VerifyWhatsAppChallenge(query url.Values, verifyToken string) (Challenge, error) {
	if query.Get("hub.mode") != "subscribe" {
		return Challenge{}, fmt.Errorf("%w: hub.mode", ErrUnsupportedEvent)
	}
	if query.Get("hub.verify_token") != verifyToken {
		return Challenge{}, ErrSignatureMismatch
	}
	return Challenge{Body: query.Get("hub.challenge")}, nil
}

// ParseWhatsApp converts a Meta Cloud API webhook body into the
// canonical message. Status-only notifications drop.
func ParseWhatsApp(raw []byte) (channel.InboundMessage, error) {
	var payload whatsappWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrMissingField, err)
	}
	if payload.Object != "whatsapp_business_account" {
		return channel.InboundMessage{}, fmt.Errorf("%w: object %s", ErrUnsupportedEvent, payload.Object)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" || len(change.Value.Messages) == 0 {
				continue
			}
			msg := change.Value.Messages[0]
			if msg.Type != "text" {
				return channel.InboundMessage{}, fmt.Errorf("%w: message type %s", ErrUnsupportedEvent, msg.Type)
			}
			if msg.From == "" {
				return channel.InboundMessage{}, missingField("messages[0].from")
			}
			if msg.ID == "" {
				return channel.InboundMessage{}, missingField("messages[0].id")
			}

			sender, err := channel.NormalizePhone(msg.From)
			if err != nil {
				return channel.InboundMessage{}, fmt.Errorf("%w: from: %v", ErrMissingField, err)
			}
			service, err := channel.NormalizePhone(change.Value.Metadata.DisplayPhoneNumber)
			if err != nil {
				service = change.Value.Metadata.PhoneNumberID
			}

			senderName := ""
			if len(change.Value.Contacts) > 0 {
				senderName = change.Value.Contacts[0].Profile.Name
			}

			receivedAt := time.Now().UTC()
			if secs, parseErr := strconv.ParseInt(msg.Timestamp, 10, 64); parseErr == nil {
				receivedAt = time.Unix(secs, 0).UTC()
			}

			return channel.InboundMessage{
				Channel:           channel.WhatsApp,
				ServiceAddress:    service,
				Sender:            channel.Identifier{Type: channel.IdentWhatsApp, Value: sender},
				SenderName:        senderName,
				ThreadKey:         fmt.Sprintf("whatsapp:%s:%s", service, sender),
				ExternalMessageID: msg.ID,
				BodyText:          msg.Text.Body,
				ReceivedAt:        receivedAt,
				ReplyTo:           []string{sender},
				ReplyHints: map[string]string{
					"phone_number_id": change.Value.Metadata.PhoneNumberID,
					"to":              sender,
				},
			}, nil
		}
	}
	return channel.InboundMessage{}, fmt.Errorf("%w: no message in payload", ErrUnsupportedEvent)
}
