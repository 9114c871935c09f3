// Package notify sends a message for every service a pass updated.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keelhaul/internal/reconcile"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTelegramURL = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second
)

// Options select what goes into an update message.
type Options struct {
	IncludeOldImage bool
	IncludeNewImage bool
}

// Telegram posts update messages to one chat through the Bot API.
//
// Production: NewTelegram(token, chatID, opts).
// Testing: set BaseURL to an httptest server.
type Telegram struct {
	Token   string
	ChatID  string
	Options Options
	BaseURL string
	Client  *http.Client

	log *slog.Logger
}

var _ reconcile.Reporter = (*Telegram)(nil)

func NewTelegram(token, chatID string, opts Options) *Telegram {
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		Options: opts,
		BaseURL: DefaultTelegramURL,
		Client: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: slog.With("component", "notify-telegram"),
	}
}

// ReportPass sends one message per updated service. Dry-run passes never
// notify. Delivery failures are logged and do not affect the pass.
func (t *Telegram) ReportPass(ctx context.Context, s reconcile.Summary) {
	if s.DryRun {
		return
	}
	for _, r := range s.Results {
		if r.Outcome != reconcile.OutcomeUpdated {
			continue
		}
		if err := t.Send(ctx, Message(r, t.Options)); err != nil {
			t.logger().WarnContext(ctx, "failed to send update notification", "service", r.ServiceName, "err", err)
		}
	}
}

// Message renders the notification text for an updated service.
func Message(r reconcile.Result, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service %s updated", r.ServiceName)
	if id := shortID(r.ServiceID); id != "" {
		fmt.Fprintf(&b, " (%s)", id)
	}
	if opts.IncludeOldImage && r.Image != "" {
		fmt.Fprintf(&b, "\nold image: %s", r.Image)
	}
	if opts.IncludeNewImage && r.UpdatedImage != "" {
		fmt.Fprintf(&b, "\nnew image: %s", r.UpdatedImage)
	}
	return b.String()
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts text to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.ChatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	url := strings.TrimSuffix(t.BaseURL, "/") + "/bot" + t.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// The request URL embeds the bot token.
		return fmt.Errorf("send message: %w", redact(err, t.Token))
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("send message: status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("send message: status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

func (t *Telegram) logger() *slog.Logger {
	if t.log == nil {
		return slog.Default()
	}
	return t.log
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, secret, "<redacted>"), err: err}
}
