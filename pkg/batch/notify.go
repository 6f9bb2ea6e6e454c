package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/postalworks/batchpress/pkg/httputil"
)

// Notification is the completion payload delivered to the requester.
type Notification struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Artifact  string `json:"artifact,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notifier delivers job completion notifications. Delivery failures never
// fail the job; the work product exists regardless of whether anyone heard
// about it.
type Notifier interface {
	Notify(ctx context.Context, url string, n Notification) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, Notification) error { return nil }

// WebhookNotifier POSTs the notification as JSON with retries on
// transient failures.
type WebhookNotifier struct {
	client *http.Client
	delay  time.Duration
	logger *log.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(client *http.Client, logger *log.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &WebhookNotifier{client: client, delay: time.Second, logger: logger}
}

// Notify delivers the payload. Server errors retry with backoff; client
// errors fail immediately since retrying a rejected payload cannot help.
func (w *WebhookNotifier) Notify(ctx context.Context, url string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return httputil.Retry(ctx, 3, w.delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return httputil.Retryable(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return httputil.Retryable(fmt.Errorf("webhook returned %s", resp.Status))
		case resp.StatusCode >= 400:
			return fmt.Errorf("webhook rejected notification: %s", resp.Status)
		}
		return nil
	})
}
