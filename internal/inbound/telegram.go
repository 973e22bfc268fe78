package inbound

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      *telegramUser `json:"from"`
	Chat      *telegramChat `json:"chat"`
	Date      int64         `json:"date"`
	Text      string        `json:"text"`
	Caption   string        `json:"caption"`
	Document  *telegramDoc  `json:"document"`
}

type telegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type telegramDoc struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// TelegramOptions configures webhook parsing.
type TelegramOptions struct {
	// SecretToken, when set, must match X-Telegram-Bot-Api-Secret-Token.
	SecretToken string
	// BotAddress names the bot this webhook serves; it becomes the
	// service address for routing.
	BotAddress string
}

// ParseTelegram converts a Telegram webhook update into the canonical
// message. Non-message updates and bot-authored messages drop.
func ParseTelegram(raw []byte, secretHeader string, opts TelegramOptions) (channel.InboundMessage, error) {
	if opts.SecretToken != "" && secretHeader != opts.SecretToken {
		return channel.InboundMessage{}, ErrSignatureMismatch
	}

	var update telegramUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrMissingField, err)
	}
	if update.Message == nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: not a message update", ErrUnsupportedEvent)
	}
	msg := update.Message
	if msg.From == nil {
		return channel.InboundMessage{}, missingField("message.from")
	}
	if msg.From.IsBot {
		return channel.InboundMessage{}, ErrOwnBotMessage
	}
	if msg.Chat == nil {
		return channel.InboundMessage{}, missingField("message.chat")
	}

	body := msg.Text
	if body == "" {
		body = msg.Caption
	}

	var attachments []channel.Attachment
	if msg.Document != nil {
		attachments = append(attachments, channel.Attachment{
			FileName:    msg.Document.FileName,
			ContentType: msg.Document.MimeType,
			SizeBytes:   msg.Document.FileSize,
			BlobURL:     "tg-file:" + msg.Document.FileID,
		})
	}

	sender := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	receivedAt := time.Now().UTC()
	if msg.Date > 0 {
		receivedAt = time.Unix(msg.Date, 0).UTC()
	}

	return channel.InboundMessage{
		Channel:           channel.Telegram,
		ServiceAddress:    opts.BotAddress,
		Sender:            channel.Identifier{Type: channel.IdentTelegram, Value: sender},
		SenderName:        msg.From.FirstName,
		ThreadKey:         "telegram:" + chatID,
		ExternalMessageID: chatID + ":" + strconv.FormatInt(msg.MessageID, 10),
		BodyText:          body,
		Attachments:       attachments,
		ReceivedAt:        receivedAt,
		ReplyTo:           []string{sender},
		ReplyHints: map[string]string{
			"chat_id": chatID,
		},
	}, nil
}
