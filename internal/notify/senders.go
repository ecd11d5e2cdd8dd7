package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one rendered alert bound for a channel.
type Message struct {
	Channel   string
	Title     string
	Body      string
	Severity  string
	MonitorID string
	Signature string
	Slot      uint64
}

// Sender delivers one message to an external channel. Delivery is
// best-effort; failures never gate the checkpoint.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🚨"
	case "high":
		return "🔴"
	case "medium":
		return "🟠"
	default:
		return "🟢"
	}
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#f44336"
	case "high":
		return "#ff5722"
	case "medium":
		return "#ff9800"
	default:
		return "#36a64f"
	}
}

// TelegramSender posts alerts through the Bot API.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{token: token, chatID: chatID, client: newHTTPClient()}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, msg *Message) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	text := fmt.Sprintf("%s *%s*\n\n%s", severityEmoji(msg.Severity), escapeMarkdown(msg.Title), escapeMarkdown(msg.Body))
	return postJSON(ctx, t.client, url, map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})
}

var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// SlackSender posts alerts to an incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{webhookURL: webhookURL, client: newHTTPClient()}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	return postJSON(ctx, s.client, s.webhookURL, map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color": severityColor(msg.Severity),
				"title": fmt.Sprintf("%s %s", severityEmoji(msg.Severity), msg.Title),
				"text":  msg.Body,
				"fields": []map[string]interface{}{
					{"title": "Monitor", "value": msg.MonitorID, "short": true},
					{"title": "Slot", "value": fmt.Sprintf("%d", msg.Slot), "short": true},
				},
			},
		},
	})
}

// DiscordSender posts alerts to a webhook as an embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newHTTPClient()}
}

func (d *DiscordSender) Name() string { return "discord" }

func discordColor(severity string) int {
	switch severity {
	case "critical":
		return 0xf44336
	case "high":
		return 0xff5722
	case "medium":
		return 0xff9800
	default:
		return 0x36a64f
	}
}

func (d *DiscordSender) Send(ctx context.Context, msg *Message) error {
	return postJSON(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("%s %s", severityEmoji(msg.Severity), msg.Title),
				"description": msg.Body,
				"color":       discordColor(msg.Severity),
				"fields": []map[string]interface{}{
					{"name": "Monitor", "value": msg.MonitorID, "inline": true},
					{"name": "Slot", "value": fmt.Sprintf("%d", msg.Slot), "inline": true},
				},
			},
		},
	})
}
