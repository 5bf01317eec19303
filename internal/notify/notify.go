// Package notify delivers failure notifications for finished task
// instances through configured webhook and Slack channels.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
)

// NotificationType represents the kind of notification event.
type NotificationType string

const (
	// NotificationTypeTaskFailed indicates a task instance failed.
	NotificationTypeTaskFailed NotificationType = "task_failed"
	// NotificationTypeTaskTimeout indicates a task instance ran out of time.
	NotificationTypeTaskTimeout NotificationType = "task_timeout"
	// NotificationTypeTaskKilled indicates a task instance was killed.
	NotificationTypeTaskKilled NotificationType = "task_killed"
)

// typeForStatus maps a terminal instance status to its notification type.
// Statuses outside the failure set carry no notification.
func typeForStatus(status database.InstanceStatus) (NotificationType, bool) {
	switch status {
	case database.InstanceStatusFailed:
		return NotificationTypeTaskFailed, true
	case database.InstanceStatusTimeout:
		return NotificationTypeTaskTimeout, true
	case database.InstanceStatusKilled:
		return NotificationTypeTaskKilled, true
	default:
		return "", false
	}
}

// Event is a terminal task outcome that may trigger notifications.
type Event struct {
	// Type is the notification type derived from the terminal status.
	Type NotificationType
	// JobID is the job the instance belongs to.
	JobID uuid.UUID
	// JobName is the job's display name.
	JobName string
	// InstanceID is the finished task instance.
	InstanceID uuid.UUID
	// AgentID is the agent that ran the instance.
	AgentID uuid.UUID
	// Status is the terminal instance status.
	Status database.InstanceStatus
	// ExitCode is the process exit code, when one was observed.
	ExitCode *int
	// ErrorMessage is the failure cause reported by the agent.
	ErrorMessage string
	// DurationMs is how long the process ran.
	DurationMs int64
	// RetryCount is the retry ordinal of this instance, zero for the
	// first attempt.
	RetryCount int
	// Timestamp is when the outcome was reported.
	Timestamp time.Time
}

// Notification is a rendered notification ready for delivery.
type Notification struct {
	ID           uuid.UUID
	Type         NotificationType
	JobID        uuid.UUID
	JobName      string
	InstanceID   uuid.UUID
	AgentID      uuid.UUID
	Status       string
	ExitCode     *int
	ErrorMessage string
	DurationMs   int64
	RetryCount   int
	Title        string
	Message      string
	URL          string
	CreatedAt    time.Time
}

// ChannelKind identifies a channel implementation.
type ChannelKind string

const (
	ChannelKindWebhook ChannelKind = "webhook"
	ChannelKindSlack   ChannelKind = "slack"
)

// Channel delivers rendered notifications to one destination.
type Channel interface {
	// Name returns the configured channel name rules refer to.
	Name() string
	// Kind returns the channel implementation kind.
	Kind() ChannelKind
	// Send delivers a notification through the channel.
	Send(ctx context.Context, notification *Notification) error
	// Validate checks the channel configuration.
	Validate() error
}

// truncate cuts a string to the given length for embedding in messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
