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

// WebhookNotifier posts each notification as JSON to a configured endpoint,
// for chat-ops bridges and pager integrations.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook notifier requires a url")
	}
	lowered := strings.ToLower(url)
	if !strings.HasPrefix(lowered, "http://") && !strings.HasPrefix(lowered, "https://") {
		return nil, fmt.Errorf("unsupported webhook url scheme")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) Notify(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(map[string]any{
		"id":              notification.ID,
		"kind":            notification.Kind,
		"request_id":      notification.RequestID,
		"action":          notification.Action,
		"recipient":       notification.Recipient,
		"subject":         notification.Subject,
		"body":            notification.Body,
		"urgency":         notification.Urgency,
		"created_at_unix": notification.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	responseBody, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery failed: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	return nil
}
