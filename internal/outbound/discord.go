package outbound

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordAPI is the slice of discordgo.Session the sender needs;
// swappable in tests.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSender delivers replies through the Discord REST API.
type DiscordSender struct {
	session discordAPI
}

// NewDiscordSender authenticates with a bot token.
func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord auth: %w", err)
	}
	return &DiscordSender{session: session}, nil
}

// NewDiscordSenderWithAPI injects a session, for tests.
func NewDiscordSenderWithAPI(api discordAPI) *DiscordSender {
	return &DiscordSender{session: api}
}

// Send posts the text to the channel named by the reply hints,
// referencing the original message when known.
func (s *DiscordSender) Send(_ context.Context, p Payload) (Receipt, error) {
	channelID := p.ReplyHints["channel_id"]
	if channelID == "" {
		return Receipt{}, Permanent(fmt.Errorf("missing channel_id reply hint"))
	}
	text := p.Text
	if text == "" {
		text = HTMLToText(p.HTML)
	}
	if strings.TrimSpace(text) == "" {
		return Receipt{}, Permanent(fmt.Errorf("empty reply body"))
	}

	send := &discordgo.MessageSend{Content: text}
	if msgID := p.ReplyHints["message_id"]; msgID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msgID, ChannelID: channelID}
	}
	for _, a := range p.Attachments {
		send.Files = append(send.Files, &discordgo.File{
			Name:        a.Name,
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(a.Content),
		})
	}

	sent, err := s.session.ChannelMessageSendComplex(channelID, send)
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil && restErr.Response.StatusCode < 500 {
			return Receipt{}, Permanent(err)
		}
		return Receipt{}, Transient(err)
	}
	return Receipt{MessageID: sent.ID, SentAt: time.Now().UTC()}, nil
}
