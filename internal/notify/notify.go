// Package notify delivers share notifications via pluggable notifiers.
//
// The default implementation posts to the Telegram bot API using the token
// and chat configured in config.toml and gracefully degrades to a no-op when
// notifications are disabled. Delivery is best effort: callers log failures
// and never retry or block the pipeline on them.
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

	"github.com/dustin/go-humanize"

	"skylift/internal/config"
	"skylift/internal/release"
)

const userAgent = "skylift/1.0"

// TaskSummary carries the task fields worth mentioning in a notification.
type TaskSummary struct {
	ReleaseID  string
	Title      string
	MediaType  release.MediaType
	FileCount  int
	TotalBytes int64
}

// ShareInfo is the share result included in a success notification.
type ShareInfo struct {
	ShareURL    string
	ReceiveCode string
}

// Notifier defines the notification surface exposed to pipeline components.
type Notifier interface {
	NotifyShareCreated(ctx context.Context, summary TaskSummary, share ShareInfo) error
	NotifyTaskAbandoned(ctx context.Context, summary TaskSummary, reason string) error
	Test(ctx context.Context) error
}

// NewNotifier builds a Telegram-backed notifier when configured. Without a
// bot token and chat id it returns a noop implementation.
func NewNotifier(cfg *config.Config) Notifier {
	token := strings.TrimSpace(cfg.Notifications.TelegramBotToken)
	chatID := strings.TrimSpace(cfg.Notifications.TelegramChatID)
	if token == "" || chatID == "" {
		return noopNotifier{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &telegramNotifier{
		endpoint: "https://api.telegram.org/bot" + token + "/sendMessage",
		chatID:   chatID,
		client:   &http.Client{Timeout: timeout},
	}
}

type telegramNotifier struct {
	endpoint string
	chatID   string
	client   *http.Client
}

func (t *telegramNotifier) NotifyShareCreated(ctx context.Context, summary TaskSummary, share ShareInfo) error {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Share created: %s\n", displayTitle(summary))
	fmt.Fprintf(&b, "Files: %d (%s)\n", summary.FileCount, humanize.IBytes(uint64(summary.TotalBytes)))
	fmt.Fprintf(&b, "Link: %s\n", share.ShareURL)
	if share.ReceiveCode != "" {
		fmt.Fprintf(&b, "Code: %s\n", share.ReceiveCode)
	}
	return t.send(ctx, b.String())
}

func (t *telegramNotifier) NotifyTaskAbandoned(ctx context.Context, summary TaskSummary, reason string) error {
	msg := fmt.Sprintf("⚠️ Task abandoned: %s\nReason: %s", displayTitle(summary), reason)
	return t.send(ctx, msg)
}

func (t *telegramNotifier) Test(ctx context.Context) error {
	return t.send(ctx, "skylift notification test")
}

func (t *telegramNotifier) send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}
	return nil
}

func displayTitle(summary TaskSummary) string {
	if summary.Title != "" {
		return summary.Title
	}
	return summary.ReleaseID
}

// NewNop returns a notifier that drops everything. Useful for tests and
// callers that have no notifier wired.
func NewNop() Notifier {
	return noopNotifier{}
}

type noopNotifier struct{}

func (noopNotifier) NotifyShareCreated(context.Context, TaskSummary, ShareInfo) error { return nil }
func (noopNotifier) NotifyTaskAbandoned(context.Context, TaskSummary, string) error   { return nil }
func (noopNotifier) Test(context.Context) error                                       { return nil }
