package notify

import (
	"fmt"
	"strings"
	"time"
)

// renderTemplate returns the title and message for the event's type.
func renderTemplate(event Event) (title, message string) {
	switch event.Type {
	case NotificationTypeTaskTimeout:
		return TaskTimeoutTemplate(event)
	case NotificationTypeTaskKilled:
		return TaskKilledTemplate(event)
	default:
		return TaskFailedTemplate(event)
	}
}

// TaskFailedTemplate returns a notification for failed task instances.
func TaskFailedTemplate(event Event) (title, message string) {
	title = fmt.Sprintf("Task Failed - %s", event.JobName)

	var parts []string
	parts = append(parts, fmt.Sprintf("Task instance failed for *%s*.", event.JobName))
	parts = append(parts, "")
	parts = append(parts, fmt.Sprintf("*Instance:* `%s`", event.InstanceID))

	if event.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("*Exit code:* %d", *event.ExitCode))
	}
	if event.DurationMs > 0 {
		duration := time.Duration(event.DurationMs) * time.Millisecond
		parts = append(parts, fmt.Sprintf("*Duration:* %s", duration.Round(time.Second)))
	}
	if event.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("*Attempt:* %d", event.RetryCount+1))
	}
	if event.ErrorMessage != "" {
		parts = append(parts, "")
		parts = append(parts, fmt.Sprintf("*Error:*\n```%s```", truncate(event.ErrorMessage, 500)))
	}

	message = strings.Join(parts, "\n")
	return
}

// TaskTimeoutTemplate returns a notification for timed out task
// instances.
func TaskTimeoutTemplate(event Event) (title, message string) {
	title = fmt.Sprintf("Task Timed Out - %s", event.JobName)

	var parts []string
	parts = append(parts, fmt.Sprintf("Task instance exceeded its timeout for *%s*.", event.JobName))
	parts = append(parts, "")
	parts = append(parts, fmt.Sprintf("*Instance:* `%s`", event.InstanceID))

	if event.DurationMs > 0 {
		duration := time.Duration(event.DurationMs) * time.Millisecond
		parts = append(parts, fmt.Sprintf("*Duration before timeout:* %s", duration.Round(time.Second)))
	}
	if event.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("*Attempt:* %d", event.RetryCount+1))
	}

	message = strings.Join(parts, "\n")
	return
}

// TaskKilledTemplate returns a notification for killed task instances.
func TaskKilledTemplate(event Event) (title, message string) {
	title = fmt.Sprintf("Task Killed - %s", event.JobName)

	var parts []string
	parts = append(parts, fmt.Sprintf("Task instance was killed for *%s*.", event.JobName))
	parts = append(parts, "")
	parts = append(parts, fmt.Sprintf("*Instance:* `%s`", event.InstanceID))

	if event.DurationMs > 0 {
		duration := time.Duration(event.DurationMs) * time.Millisecond
		parts = append(parts, fmt.Sprintf("*Duration:* %s", duration.Round(time.Second)))
	}
	if event.ErrorMessage != "" {
		parts = append(parts, "")
		parts = append(parts, fmt.Sprintf("*Reason:*\n```%s```", truncate(event.ErrorMessage, 500)))
	}

	message = strings.Join(parts, "\n")
	return
}
