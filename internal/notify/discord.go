package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/mkrh/fleetd/internal/events"
	"go.uber.org/zap"
)

// DiscordAdapter posts operator alerts to a Discord channel. Messages
// go over the REST API, so no gateway connection is opened.
type DiscordAdapter struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordAdapter creates a Discord alert adapter from a bot token
// and destination channel ID.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordAdapter{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (a *DiscordAdapter) Name() string { return "discord" }

// Alert sends the rendered event to the configured channel.
func (a *DiscordAdapter) Alert(_ context.Context, ev *events.Event) error {
	_, err := a.session.ChannelMessageSend(a.channelID, Format(ev))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	a.logger.Debug("discord alert sent", zap.String("channel", a.channelID))
	return nil
}
