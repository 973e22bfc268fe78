package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/dowhiz/dowhiz/internal/inbound"
	"github.com/dowhiz/dowhiz/internal/ingest"
)

// DiscordListener consumes MESSAGE_CREATE events over the Discord
// gateway websocket — Discord pushes messages instead of posting
// webhooks, so this runs alongside the HTTP server.
type DiscordListener struct {
	Token   string
	AppID   string
	Ingest  *ingest.Service
	Logger  *slog.Logger
}

// Run connects and blocks until the context ends.
func (l *DiscordListener) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + l.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		opts := inbound.DiscordOptions{AppAddress: l.AppID}
		if s.State != nil && s.State.User != nil {
			opts.BotUserIDs = map[string]struct{}{s.State.User.ID: {}}
		}
		msg, parseErr := inbound.FromDiscordMessage(m, opts)
		if parseErr != nil {
			if errors.Is(parseErr, inbound.ErrOwnBotMessage) {
				return
			}
			logger.Warn("discord message dropped", "error", parseErr)
			return
		}
		if _, acceptErr := l.Ingest.Accept(ctx, msg, nil); acceptErr != nil {
			logger.Error("discord ingest failed", "message", m.ID, "error", acceptErr)
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway connect: %w", err)
	}
	logger.Info("discord gateway connected", "app", l.AppID)
	<-ctx.Done()
	return session.Close()
}
