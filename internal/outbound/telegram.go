package outbound

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramAPI is the slice of tgbotapi.BotAPI the sender needs;
// swappable in tests.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers replies through the Telegram Bot API.
type TelegramSender struct {
	bot telegramAPI
}

// NewTelegramSender authenticates the bot.
func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

// NewTelegramSenderWithAPI injects a bot API, for tests.
func NewTelegramSenderWithAPI(api telegramAPI) *TelegramSender {
	return &TelegramSender{bot: api}
}

// Send posts the text to the chat named by the reply hints.
func (s *TelegramSender) Send(_ context.Context, p Payload) (Receipt, error) {
	chatIDRaw := p.ReplyHints["chat_id"]
	if chatIDRaw == "" {
		return Receipt{}, Permanent(fmt.Errorf("missing chat_id reply hint"))
	}
	chatID, err := strconv.ParseInt(chatIDRaw, 10, 64)
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("bad chat_id %q", chatIDRaw))
	}
	text := p.Text
	if text == "" {
		text = HTMLToText(p.HTML)
	}
	if strings.TrimSpace(text) == "" {
		return Receipt{}, Permanent(fmt.Errorf("empty reply body"))
	}

	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := s.bot.Send(msg)
	if err != nil {
		// The bot API does not distinguish; network-flavored failures
		// get retried.
		return Receipt{}, Transient(err)
	}
	return Receipt{
		MessageID: strconv.Itoa(sent.MessageID),
		SentAt:    time.Now().UTC(),
	}, nil
}
