package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookChannel delivers notifications to a generic HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	secret  string
	client  *http.Client
	logger  *slog.Logger
}

// WebhookConfig contains configuration for a webhook channel.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Secret  string
	Timeout time.Duration
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(name string, cfg WebhookConfig, logger *slog.Logger) *WebhookChannel {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WebhookChannel{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		secret:  cfg.Secret,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("channel", name),
	}
}

// Name returns the configured channel name.
func (c *WebhookChannel) Name() string {
	return c.name
}

// Kind returns the channel kind.
func (c *WebhookChannel) Kind() ChannelKind {
	return ChannelKindWebhook
}

// Validate validates the webhook configuration.
func (c *WebhookChannel) Validate() error {
	if c.url == "" {
		return fmt.Errorf("webhook URL is required")
	}
	return nil
}

// Send sends a notification via webhook.
func (c *WebhookChannel) Send(ctx context.Context, notification *Notification) error {
	jsonPayload, err := json.Marshal(formatWebhookPayload(notification))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var signature string
	if c.secret != "" {
		signature = c.signPayload(jsonPayload)
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	var lastErr error
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		// The body reader is consumed per attempt, so the request is
		// rebuilt inside the loop.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonPayload))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "dispatchd/1.0")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		if signature != "" {
			req.Header.Set("X-Dispatchd-Signature", signature)
			req.Header.Set("X-Dispatchd-Signature-256", "sha256="+signature)
		}
		req.Header.Set("X-Dispatchd-Timestamp", timestamp)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook request failed: %w", err)
			c.logger.Warn("webhook request failed, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.logger.Debug("webhook notification sent",
				"status", resp.StatusCode,
				"notification_type", notification.Type,
			)
			return nil
		}

		lastErr = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))

		// Don't retry on client errors (4xx) except 429 (rate limit)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			return lastErr
		}

		c.logger.Warn("webhook returned error, retrying",
			"attempt", attempt+1,
			"status", resp.StatusCode,
		)
	}

	return lastErr
}

// signPayload creates an HMAC-SHA256 signature of the payload.
func (c *WebhookChannel) signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookPayload is the JSON body sent to webhook endpoints.
type WebhookPayload struct {
	Event        string `json:"event"`
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	URL          string `json:"url,omitempty"`
	JobID        string `json:"jobId"`
	JobName      string `json:"jobName"`
	InstanceID   string `json:"instanceId"`
	AgentID      string `json:"agentId,omitempty"`
	Status       string `json:"status"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	RetryCount   int    `json:"retryCount,omitempty"`
}

// formatWebhookPayload converts a notification into the wire payload.
func formatWebhookPayload(notification *Notification) WebhookPayload {
	payload := WebhookPayload{
		Event:        string(notification.Type),
		ID:           notification.ID.String(),
		Timestamp:    notification.CreatedAt.UTC().Format(time.RFC3339),
		Title:        notification.Title,
		Message:      notification.Message,
		URL:          notification.URL,
		JobID:        notification.JobID.String(),
		JobName:      notification.JobName,
		InstanceID:   notification.InstanceID.String(),
		Status:       notification.Status,
		ExitCode:     notification.ExitCode,
		ErrorMessage: notification.ErrorMessage,
		DurationMs:   notification.DurationMs,
		RetryCount:   notification.RetryCount,
	}
	if notification.AgentID != uuid.Nil {
		payload.AgentID = notification.AgentID.String()
	}
	return payload
}
