package notify

import (
	"context"

	"github.com/mkrh/fleetd/internal/events"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts operator alerts to a Slack channel.
type SlackAdapter struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackAdapter creates a Slack alert adapter. token is the Bot User
// OAuth Token (xoxb-...), channel the destination channel ID.
func NewSlackAdapter(token, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

func (a *SlackAdapter) Name() string { return "slack" }

// Alert posts the rendered event to the configured channel.
func (a *SlackAdapter) Alert(ctx context.Context, ev *events.Event) error {
	_, ts, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(Format(ev), false),
	)
	if err != nil {
		return err
	}
	a.logger.Debug("slack alert sent",
		zap.String("channel", a.channel),
		zap.String("ts", ts))
	return nil
}
