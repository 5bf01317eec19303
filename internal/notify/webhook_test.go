package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification(notificationType NotificationType) *Notification {
	exitCode := 3
	return &Notification{
		ID:           uuid.New(),
		Type:         notificationType,
		JobID:        uuid.New(),
		JobName:      "nightly-backup",
		InstanceID:   uuid.New(),
		AgentID:      uuid.New(),
		Status:       "failed",
		ExitCode:     &exitCode,
		ErrorMessage: "pg_dump: connection refused",
		DurationMs:   5000,
		RetryCount:   1,
		Title:        "Task Failed - nightly-backup",
		Message:      "Task instance failed for *nightly-backup*.",
		URL:          "https://dispatchd.example.com/instances/123",
		CreatedAt:    time.Now(),
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	t.Run("successful send with custom headers", func(t *testing.T) {
		var receivedHeaders http.Header
		var receivedPayload map[string]interface{}
		var mu sync.Mutex

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()

			receivedHeaders = r.Header.Clone()
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &receivedPayload)

			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		channel := NewWebhookChannel("ops", WebhookConfig{
			URL: server.URL,
			Headers: map[string]string{
				"X-Custom-Header": "custom-value",
				"Authorization":   "Bearer test-token",
			},
		}, nil)

		notification := testNotification(NotificationTypeTaskFailed)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, channel.Send(ctx, notification))

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, "custom-value", receivedHeaders.Get("X-Custom-Header"))
		assert.Equal(t, "Bearer test-token", receivedHeaders.Get("Authorization"))
		assert.Equal(t, "application/json", receivedHeaders.Get("Content-Type"))
		assert.Equal(t, "dispatchd/1.0", receivedHeaders.Get("User-Agent"))
		assert.NotEmpty(t, receivedHeaders.Get("X-Dispatchd-Timestamp"))
		assert.Empty(t, receivedHeaders.Get("X-Dispatchd-Signature"), "no secret means no signature")

		assert.Equal(t, string(NotificationTypeTaskFailed), receivedPayload["event"])
		assert.Equal(t, "nightly-backup", receivedPayload["jobName"])
		assert.Equal(t, notification.InstanceID.String(), receivedPayload["instanceId"])
		assert.Equal(t, "failed", receivedPayload["status"])
		assert.Equal(t, float64(3), receivedPayload["exitCode"])
		assert.Equal(t, notification.Title, receivedPayload["title"])
	})

	t.Run("HMAC signature verification", func(t *testing.T) {
		secret := "my-webhook-secret"

		var receivedBody []byte
		var receivedSignature, receivedSignature256 string
		var mu sync.Mutex

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()

			receivedBody, _ = io.ReadAll(r.Body)
			receivedSignature = r.Header.Get("X-Dispatchd-Signature")
			receivedSignature256 = r.Header.Get("X-Dispatchd-Signature-256")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		channel := NewWebhookChannel("ops", WebhookConfig{
			URL:    server.URL,
			Secret: secret,
		}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, channel.Send(ctx, testNotification(NotificationTypeTaskFailed)))

		mu.Lock()
		defer mu.Unlock()

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(receivedBody)
		want := hex.EncodeToString(mac.Sum(nil))

		assert.Equal(t, want, receivedSignature, "signature must cover the exact body sent")
		assert.Equal(t, "sha256="+want, receivedSignature256)
	})

	t.Run("client error no retry", func(t *testing.T) {
		attempts := 0
		var mu sync.Mutex

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			attempts++
			mu.Unlock()

			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad request"))
		}))
		defer server.Close()

		channel := NewWebhookChannel("ops", WebhookConfig{URL: server.URL}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := channel.Send(ctx, testNotification(NotificationTypeTaskFailed))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 400")

		mu.Lock()
		assert.Equal(t, 1, attempts)
		mu.Unlock()
	})

	t.Run("server error retries with full body", func(t *testing.T) {
		var bodies [][]byte
		var mu sync.Mutex

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()

			body, _ := io.ReadAll(r.Body)
			bodies = append(bodies, body)

			if len(bodies) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		channel := NewWebhookChannel("ops", WebhookConfig{URL: server.URL}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, channel.Send(ctx, testNotification(NotificationTypeTaskFailed)))

		mu.Lock()
		defer mu.Unlock()

		require.Len(t, bodies, 2)
		assert.NotEmpty(t, bodies[1], "retried request must carry the payload again")
		assert.Equal(t, bodies[0], bodies[1])
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		channel := NewWebhookChannel("ops", WebhookConfig{URL: server.URL}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := channel.Send(ctx, testNotification(NotificationTypeTaskFailed))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestWebhookChannel_Validate(t *testing.T) {
	channel := NewWebhookChannel("ops", WebhookConfig{}, nil)
	require.Error(t, channel.Validate())

	channel = NewWebhookChannel("ops", WebhookConfig{URL: "https://hooks.example.com/x"}, nil)
	require.NoError(t, channel.Validate())
}

func TestWebhookChannel_Identity(t *testing.T) {
	channel := NewWebhookChannel("ops", WebhookConfig{URL: "https://hooks.example.com/x"}, nil)
	assert.Equal(t, "ops", channel.Name())
	assert.Equal(t, ChannelKindWebhook, channel.Kind())
}
