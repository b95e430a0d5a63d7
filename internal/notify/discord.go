package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts notices through a Discord webhook, or through a bot
// when only a token and channel are configured.
type DiscordNotifier struct {
	session *discordgo.Session
	hookID  string
	token   string
	channel string
	persona *Persona
	logger  *zap.Logger
}

// NewDiscordWebhook creates a notifier for a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscordWebhook(webhookURL string, persona *Persona, logger *zap.Logger) (*DiscordNotifier, error) {
	id, token, err := parseWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, hookID: id, token: token, persona: persona, logger: logger}, nil
}

// NewDiscordBot creates a notifier sending as the bot to channelID.
func NewDiscordBot(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channel: channelID, logger: logger}, nil
}

func parseWebhook(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q has no /webhooks/<id>/<token>", raw)
}

func (d *DiscordNotifier) Platform() string { return "discord" }

// Notify sends n.
func (d *DiscordNotifier) Notify(ctx context.Context, n *Notice) error {
	content := discordText(n)
	if d.hookID != "" {
		params := &discordgo.WebhookParams{Content: content}
		if d.persona != nil {
			params.Username = d.persona.Name
			params.AvatarURL = d.persona.IconURL
		}
		if _, err := d.session.WebhookExecute(d.hookID, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord webhook execute: %w", err)
		}
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.channel, content, discordgo.WithContext(ctx)); err != nil {
		d.logger.Warn("discord send failed", zap.String("channel", d.channel), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func discordText(n *Notice) string {
	return fmt.Sprintf("**[%s] %s**\n```\n%s\n```", n.Severity, n.Title, n.Content)
}

// Close shuts down the Discord session.
func (d *DiscordNotifier) Close() error {
	return d.session.Close()
}
