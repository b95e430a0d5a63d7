package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Persona is how the bot appears when posting.
type Persona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // used when IconURL is empty, e.g. ":robot_face:"
}

// SlackNotifier posts notices to one Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	persona *Persona
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier posting with botToken (xoxb-...).
func NewSlackNotifier(botToken, channel string, persona *Persona, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		persona: persona,
		logger:  logger,
	}
}

func (s *SlackNotifier) Platform() string { return "slack" }

// Notify posts n to the configured channel.
func (s *SlackNotifier) Notify(ctx context.Context, n *Notice) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, s.options(n)...)
	if err != nil {
		s.logger.Error("slack send failed", zap.String("channel", s.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (s *SlackNotifier) options(n *Notice) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(slackText(n), false)}
	if p := s.persona; p != nil {
		opts = append(opts, slack.MsgOptionUsername(p.Name))
		if p.IconURL != "" {
			opts = append(opts, slack.MsgOptionIconURL(p.IconURL))
		} else if p.Emoji != "" {
			opts = append(opts, slack.MsgOptionIconEmoji(p.Emoji))
		}
	}
	return opts
}

func slackText(n *Notice) string {
	marker := ":white_check_mark:"
	if n.Severity == SeverityWarning {
		marker = ":warning:"
	}
	return fmt.Sprintf("%s *%s*\n```%s```", marker, n.Title, n.Content)
}

// Close is a no-op; the web API client holds no connection.
func (s *SlackNotifier) Close() error { return nil }
