package inbound

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// DiscordOptions configures gateway-event conversion.
type DiscordOptions struct {
	// BotUserIDs are our own bot identities; their messages drop.
	BotUserIDs map[string]struct{}
	// AppAddress names this bot application for routing.
	AppAddress string
}

// FromDiscordMessage converts a discordgo MESSAGE_CREATE event into the
// canonical message. Discord messages arrive over the gateway websocket
// rather than an HTTP webhook, so this takes the already-decoded event.
func FromDiscordMessage(m *discordgo.MessageCreate, opts DiscordOptions) (channel.InboundMessage, error) {
	if m == nil || m.Message == nil || m.Author == nil {
		return channel.InboundMessage{}, missingField("message.author")
	}
	if m.Author.Bot {
		return channel.InboundMessage{}, ErrOwnBotMessage
	}
	if _, ours := opts.BotUserIDs[m.Author.ID]; ours {
		return channel.InboundMessage{}, ErrOwnBotMessage
	}
	if m.ID == "" {
		return channel.InboundMessage{}, missingField("message.id")
	}
	if m.ChannelID == "" {
		return channel.InboundMessage{}, missingField("message.channel_id")
	}

	// A reply threads by the message it directly references; otherwise
	// each Discord channel is one conversation.
	threadKey := "discord:" + m.ChannelID
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		threadKey = fmt.Sprintf("discord:%s:%s", m.ChannelID, m.MessageReference.MessageID)
	}

	var attachments []channel.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, channel.Attachment{
			FileName:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   int64(a.Size),
			BlobURL:     a.URL,
		})
	}

	receivedAt := time.Now().UTC()
	if !m.Timestamp.IsZero() {
		receivedAt = m.Timestamp.UTC()
	}

	sender := strings.ToUpper(m.Author.ID)
	return channel.InboundMessage{
		Channel:           channel.Discord,
		ServiceAddress:    opts.AppAddress,
		Sender:            channel.Identifier{Type: channel.IdentDiscordUser, Value: sender},
		SenderName:        m.Author.Username,
		ThreadKey:         threadKey,
		ExternalMessageID: m.ID,
		BodyText:          m.Content,
		Attachments:       attachments,
		ReceivedAt:        receivedAt,
		ReplyTo:           []string{sender},
		ReplyHints: map[string]string{
			"channel_id": m.ChannelID,
			"message_id": m.ID,
		},
	}, nil
}
