package notify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleMatches(t *testing.T) {
	event := Event{
		Type:    NotificationTypeTaskFailed,
		JobID:   uuid.New(),
		JobName: "nightly-backup",
	}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{
			name: "empty filters match everything",
			rule: Rule{Name: "all", Channel: "ops", Enabled: true},
			want: true,
		},
		{
			name: "disabled rule never matches",
			rule: Rule{Name: "all", Channel: "ops", Enabled: false},
			want: false,
		},
		{
			name: "matching type filter",
			rule: Rule{
				Name:    "failures",
				Channel: "ops",
				OnTypes: []NotificationType{NotificationTypeTaskFailed, NotificationTypeTaskKilled},
				Enabled: true,
			},
			want: true,
		},
		{
			name: "non-matching type filter",
			rule: Rule{
				Name:    "timeouts",
				Channel: "ops",
				OnTypes: []NotificationType{NotificationTypeTaskTimeout},
				Enabled: true,
			},
			want: false,
		},
		{
			name: "matching job filter",
			rule: Rule{
				Name:    "backups",
				Channel: "ops",
				Jobs:    []string{"nightly-backup", "weekly-backup"},
				Enabled: true,
			},
			want: true,
		},
		{
			name: "non-matching job filter",
			rule: Rule{
				Name:    "reports",
				Channel: "ops",
				Jobs:    []string{"daily-report"},
				Enabled: true,
			},
			want: false,
		},
		{
			name: "both filters must match",
			rule: Rule{
				Name:    "backup-timeouts",
				Channel: "ops",
				OnTypes: []NotificationType{NotificationTypeTaskTimeout},
				Jobs:    []string{"nightly-backup"},
				Enabled: true,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.matches(event))
		})
	}
}

func TestRuleEngine_Evaluate(t *testing.T) {
	rules := []Rule{
		{Name: "all-failures", Channel: "ops", Enabled: true},
		{Name: "timeouts-only", Channel: "pager", OnTypes: []NotificationType{NotificationTypeTaskTimeout}, Enabled: true},
		{Name: "disabled", Channel: "ops", Enabled: false},
	}
	engine := NewRuleEngine(rules, time.Minute)

	matched := engine.Evaluate(Event{
		Type:    NotificationTypeTaskFailed,
		JobID:   uuid.New(),
		JobName: "etl",
	})

	require.Len(t, matched, 1)
	assert.Equal(t, "all-failures", matched[0].Name)
}

func TestRuleEngine_Throttle(t *testing.T) {
	rule := Rule{Name: "all", Channel: "ops", Enabled: true}
	engine := NewRuleEngine([]Rule{rule}, time.Minute)

	event := Event{
		Type:    NotificationTypeTaskFailed,
		JobID:   uuid.New(),
		JobName: "etl",
	}

	require.Len(t, engine.Evaluate(event), 1)
	engine.MarkSent(rule, event)

	assert.Empty(t, engine.Evaluate(event), "repeat inside the window should be throttled")

	otherJob := event
	otherJob.JobID = uuid.New()
	assert.Len(t, engine.Evaluate(otherJob), 1, "other jobs are throttled independently")

	otherType := event
	otherType.Type = NotificationTypeTaskTimeout
	assert.Len(t, engine.Evaluate(otherType), 1, "other types are throttled independently")
}

func TestRuleEngine_ThrottleExpiry(t *testing.T) {
	rule := Rule{Name: "all", Channel: "ops", Enabled: true}
	engine := NewRuleEngine([]Rule{rule}, 20*time.Millisecond)

	event := Event{
		Type:    NotificationTypeTaskFailed,
		JobID:   uuid.New(),
		JobName: "etl",
	}

	engine.MarkSent(rule, event)
	assert.Empty(t, engine.Evaluate(event))

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, engine.Evaluate(event), 1, "expired window should allow the event again")
}

func TestRuleEngine_CleanupThrottleCache(t *testing.T) {
	rule := Rule{Name: "all", Channel: "ops", Enabled: true}
	engine := NewRuleEngine([]Rule{rule}, 10*time.Millisecond)

	engine.MarkSent(rule, Event{Type: NotificationTypeTaskFailed, JobID: uuid.New()})
	require.Len(t, engine.throttle, 1)

	// Entries survive cleanup until twice the window has passed.
	engine.CleanupThrottleCache()
	assert.Len(t, engine.throttle, 1)

	time.Sleep(25 * time.Millisecond)
	engine.CleanupThrottleCache()
	assert.Empty(t, engine.throttle)
}

func TestNewRuleEngine_DefaultWindow(t *testing.T) {
	engine := NewRuleEngine(nil, 0)
	assert.Equal(t, DefaultThrottleWindow, engine.window)
}
