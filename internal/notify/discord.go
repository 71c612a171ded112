package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Embed colours by severity.
var embedColor = map[string]int{
	"error":   0xE74C3C,
	"success": 0x2ECC71,
	"info":    0x3498DB,
}

// DiscordSender posts alerts to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Send posts msg as a single embed coloured by severity, with the event name
// in the footer.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       embedColor[msg.Severity()],
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	embed.Footer.Text = msg.Event

	// Discord answers 204 on success.
	if _, err := postJSON(ctx, d.client, d.webhookURL, map[string]any{
		"embeds": []discordEmbed{embed},
	}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name identifies the channel in delivery errors.
func (d *DiscordSender) Name() string {
	return "discord"
}
