package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

var severityIcon = map[string]string{
	"error":   "❌",
	"success": "✅",
	"info":    "ℹ️",
}

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a sender. An empty baseURL uses DefaultTelegramAPI.
func NewTelegramSender(baseURL, token, chatID string) *TelegramSender {
	if baseURL == "" {
		baseURL = DefaultTelegramAPI
	}
	return &TelegramSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
		client:  newHTTPClient(),
	}
}

// Send posts msg as a Markdown message. An ok=false reply is an error even
// when the HTTP status is 200.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	text := fmt.Sprintf("%s *%s*\n%s", severityIcon[msg.Severity()], msg.Title, msg.Body)

	body, err := postJSON(ctx, t.client, url, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		if desc := gjson.GetBytes(body, "description").String(); desc != "" {
			return fmt.Errorf("telegram: %s: %w", desc, err)
		}
		return fmt.Errorf("telegram: %w", err)
	}
	// The Bot API can answer 200 with ok=false.
	if res := gjson.GetBytes(body, "ok"); res.Exists() && !res.Bool() {
		return fmt.Errorf("telegram: %s", gjson.GetBytes(body, "description").String())
	}
	return nil
}

// Name identifies the channel in delivery errors.
func (t *TelegramSender) Name() string {
	return "telegram"
}
