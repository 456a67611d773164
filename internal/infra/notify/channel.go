// Package notify announces replay runs on chat channels.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
)

// Channel delivers a text message to one chat destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

const defaultHTTPTimeout = 10 * time.Second

func defaultClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// postJSON posts payload to url. Client errors other than 429 are permanent and not retried.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "runner-notify/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		return respBody, nil
	}
	statusErr := fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(statusErr)
	}
	return nil, statusErr
}

// TelegramConfig addresses a Telegram bot channel.
type TelegramConfig struct {
	BotToken  string
	ChannelID string
	// BaseURL defaults to https://api.telegram.org.
	BaseURL string
}

// Telegram posts messages through the Bot API sendMessage method.
type Telegram struct {
	endpoint  string
	channelID string
	client    *http.Client
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	Ok          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegram constructs a Telegram channel. A nil client uses a client with a 10s timeout.
func NewTelegram(cfg TelegramConfig, client *http.Client) (*Telegram, error) {
	token := strings.TrimSpace(cfg.BotToken)
	channel := strings.TrimSpace(cfg.ChannelID)
	if token == "" || channel == "" {
		return nil, fmt.Errorf("telegram: bot token and channel id required")
	}
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Telegram{
		endpoint:  base + "/bot" + token + "/sendMessage",
		channelID: channel,
		client:    defaultClient(client),
	}, nil
}

// Name identifies the channel in logs and metrics.
func (t *Telegram) Name() string { return "telegram" }

// Send posts text to the configured channel.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := postJSON(ctx, t.client, t.endpoint, telegramMessage{
		ChatID:    t.channelID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	var resp telegramResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return backoff.Permanent(fmt.Errorf("telegram decode response: %w", err))
	}
	if !resp.Ok {
		return backoff.Permanent(fmt.Errorf("telegram rejected message: %s", resp.Description))
	}
	return nil
}

// Discord posts messages to a webhook.
type Discord struct {
	webhookURL string
	client     *http.Client
}

type discordMessage struct {
	Content string `json:"content"`
}

// NewDiscord constructs a Discord webhook channel. A nil client uses a client with a 10s timeout.
func NewDiscord(webhookURL string, client *http.Client) (*Discord, error) {
	url := strings.TrimSpace(webhookURL)
	if url == "" {
		return nil, fmt.Errorf("discord: webhook url required")
	}
	return &Discord{webhookURL: url, client: defaultClient(client)}, nil
}

// Name identifies the channel in logs and metrics.
func (d *Discord) Name() string { return "discord" }

// Send posts text to the webhook.
func (d *Discord) Send(ctx context.Context, text string) error {
	if _, err := postJSON(ctx, d.client, d.webhookURL, discordMessage{Content: text}); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
