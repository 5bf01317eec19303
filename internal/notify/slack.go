package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SlackChannel delivers notifications to Slack via an incoming webhook
// or the chat.postMessage API.
type SlackChannel struct {
	name       string
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	token      string // Optional Bot token for API calls
	apiBaseURL string
	client     *http.Client
	logger     *slog.Logger
}

// SlackConfig contains configuration for a Slack channel.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Token      string
	APIBaseURL string
}

const defaultSlackAPIBaseURL = "https://slack.com/api"

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(name string, cfg SlackConfig, logger *slog.Logger) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}

	apiBaseURL := cfg.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultSlackAPIBaseURL
	}

	return &SlackChannel{
		name:       name,
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		iconEmoji:  cfg.IconEmoji,
		token:      cfg.Token,
		apiBaseURL: apiBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("channel", name),
	}
}

// Name returns the configured channel name.
func (c *SlackChannel) Name() string {
	return c.name
}

// Kind returns the channel kind.
func (c *SlackChannel) Kind() ChannelKind {
	return ChannelKindSlack
}

// Validate validates the Slack configuration.
func (c *SlackChannel) Validate() error {
	if c.webhookURL == "" && c.token == "" {
		return fmt.Errorf("either webhook URL or token is required")
	}
	if c.webhookURL == "" && c.token != "" && c.channel == "" {
		return fmt.Errorf("channel is required when using a Slack token")
	}
	return nil
}

// Send sends a notification to Slack.
func (c *SlackChannel) Send(ctx context.Context, notification *Notification) error {
	if c.webhookURL != "" {
		return c.sendWebhook(ctx, notification)
	}

	return c.sendAPI(ctx, notification)
}

func (c *SlackChannel) sendWebhook(ctx context.Context, notification *Notification) error {
	payload := c.formatMessage(notification)

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	var lastErr error
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonPayload))
		if err != nil {
			return fmt.Errorf("failed to create slack request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("slack request failed: %w", err)
			c.logger.Warn("slack request failed, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.logger.Debug("slack notification sent",
				"notification_type", notification.Type,
			)
			return nil
		}

		lastErr = fmt.Errorf("slack returned status %d: %s", resp.StatusCode, string(body))

		// Don't retry on client errors except rate limits
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			return lastErr
		}

		if resp.StatusCode == 429 {
			retryAfter := resp.Header.Get("Retry-After")
			c.logger.Warn("slack rate limited",
				"retry_after", retryAfter,
			)
		}
	}

	return lastErr
}

func (c *SlackChannel) sendAPI(ctx context.Context, notification *Notification) error {
	if c.token == "" {
		return fmt.Errorf("slack token is required")
	}
	if c.channel == "" {
		return fmt.Errorf("slack channel is required")
	}

	payload := c.formatMessage(notification)
	payload["channel"] = c.channel
	if _, ok := payload["text"]; !ok {
		payload["text"] = fmt.Sprintf("%s\n%s", notification.Title, notification.Message)
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	var lastErr error
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+"/chat.postMessage", bytes.NewReader(jsonPayload))
		if err != nil {
			return fmt.Errorf("failed to create slack api request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("slack api request failed: %w", err)
			c.logger.Warn("slack api request failed, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var apiResp struct {
				OK    bool   `json:"ok"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(body, &apiResp); err != nil {
				return nil
			}
			if apiResp.OK {
				c.logger.Debug("slack api notification sent",
					"notification_type", notification.Type,
				)
				return nil
			}
			lastErr = fmt.Errorf("slack api error: %s", apiResp.Error)
		} else {
			lastErr = fmt.Errorf("slack api returned status %d: %s", resp.StatusCode, string(body))
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			return lastErr
		}

		if resp.StatusCode == 429 {
			retryAfter := resp.Header.Get("Retry-After")
			c.logger.Warn("slack api rate limited",
				"retry_after", retryAfter,
			)
		}
	}

	return lastErr
}

// formatMessage formats the notification as Slack blocks.
func (c *SlackChannel) formatMessage(notification *Notification) map[string]interface{} {
	color := c.getColor(notification.Type)

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type":  "plain_text",
				"text":  notification.Title,
				"emoji": true,
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": notification.Message,
			},
		},
	}

	fields := []map[string]interface{}{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Job:* `%s`", notification.JobName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", notification.Status),
		},
	}
	if notification.ExitCode != nil {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Exit code:* %d", *notification.ExitCode),
		})
	}
	if notification.DurationMs > 0 {
		duration := time.Duration(notification.DurationMs) * time.Millisecond
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %s", duration.Round(time.Second)),
		})
	}
	if notification.RetryCount > 0 {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Attempt:* %d", notification.RetryCount+1),
		})
	}
	blocks = append(blocks, map[string]interface{}{
		"type":   "section",
		"fields": fields,
	})

	if notification.ErrorMessage != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Error:*\n```%s```", truncate(notification.ErrorMessage, 500)),
			},
		})
	}

	if notification.URL != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "actions",
			"elements": []map[string]interface{}{
				{
					"type": "button",
					"text": map[string]interface{}{
						"type":  "plain_text",
						"text":  "View Details",
						"emoji": true,
					},
					"url": notification.URL,
				},
			},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "divider",
	})

	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]interface{}{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Instance:* %s", notification.InstanceID),
			},
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Time:* <!date^%d^{date_short_pretty} at {time}|%s>",
					notification.CreatedAt.Unix(),
					notification.CreatedAt.Format(time.RFC3339)),
			},
		},
	})

	attachment := map[string]interface{}{
		"color":  color,
		"blocks": blocks,
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}

	if c.channel != "" {
		payload["channel"] = c.channel
	}
	if c.username != "" {
		payload["username"] = c.username
	}
	if c.iconEmoji != "" {
		payload["icon_emoji"] = c.iconEmoji
	}

	return payload
}

// getColor returns the attachment color for the notification type.
func (c *SlackChannel) getColor(notificationType NotificationType) string {
	switch notificationType {
	case NotificationTypeTaskFailed, NotificationTypeTaskKilled:
		return "#dc3545" // Red
	case NotificationTypeTaskTimeout:
		return "#ffc107" // Yellow/Warning
	default:
		return "#6c757d" // Gray
	}
}
