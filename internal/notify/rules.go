package notify

import (
	"fmt"
	"sync"
	"time"
)

// Rule decides which events reach which channel.
type Rule struct {
	// Name identifies the rule in logs and throttle keys.
	Name string `yaml:"name" json:"name"`
	// Channel is the name of the channel the rule delivers to.
	Channel string `yaml:"channel" json:"channel"`
	// OnTypes limits the rule to the listed notification types. Empty
	// matches every type.
	OnTypes []NotificationType `yaml:"on_types" json:"on_types"`
	// Jobs limits the rule to the listed job names. Empty matches every
	// job.
	Jobs []string `yaml:"jobs" json:"jobs"`
	// Enabled toggles the rule without removing it.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// matches reports whether the rule applies to the event.
func (r *Rule) matches(event Event) bool {
	if !r.Enabled {
		return false
	}
	if len(r.OnTypes) > 0 {
		found := false
		for _, t := range r.OnTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Jobs) > 0 {
		found := false
		for _, name := range r.Jobs {
			if name == event.JobName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DefaultThrottleWindow suppresses repeat notifications for the same
// rule, job and type within this window.
const DefaultThrottleWindow = 5 * time.Minute

// RuleEngine evaluates rules against events and throttles repeats.
type RuleEngine struct {
	rules    []Rule
	throttle map[string]time.Time
	mu       sync.RWMutex
	window   time.Duration
}

// NewRuleEngine creates a rule engine with the given rules. A zero
// window falls back to DefaultThrottleWindow.
func NewRuleEngine(rules []Rule, window time.Duration) *RuleEngine {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &RuleEngine{
		rules:    rules,
		throttle: make(map[string]time.Time),
		window:   window,
	}
}

// Evaluate returns the rules that match the event and are not
// throttled.
func (e *RuleEngine) Evaluate(event Event) []Rule {
	var matched []Rule
	for _, rule := range e.rules {
		if !rule.matches(event) {
			continue
		}
		if e.shouldThrottle(rule, event) {
			continue
		}
		matched = append(matched, rule)
	}
	return matched
}

// throttleKey scopes throttling to one rule, job and type.
func throttleKey(rule Rule, event Event) string {
	return fmt.Sprintf("%s:%s:%s", rule.Name, event.JobID, event.Type)
}

// shouldThrottle reports whether the rule fired for this job and type
// inside the throttle window.
func (e *RuleEngine) shouldThrottle(rule Rule, event Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sent, ok := e.throttle[throttleKey(rule, event)]
	if !ok {
		return false
	}
	return time.Since(sent) < e.window
}

// MarkSent records that the rule fired for this job and type.
func (e *RuleEngine) MarkSent(rule Rule, event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.throttle[throttleKey(rule, event)] = time.Now()
}

// CleanupThrottleCache drops throttle entries older than twice the
// window. Entries past the window no longer suppress anything.
func (e *RuleEngine) CleanupThrottleCache() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-2 * e.window)
	for key, sent := range e.throttle {
		if sent.Before(cutoff) {
			delete(e.throttle, key)
		}
	}
}
