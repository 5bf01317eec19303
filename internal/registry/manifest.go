package registry

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/schedule"
)

// Manifest is one declarative job file: the jobs it defines and the
// schedules that fire them, in the manner of a cron.d entry.
type Manifest struct {
	Version  string          `yaml:"version"`
	Defaults DefaultConfig   `yaml:"defaults,omitempty"`
	Jobs     []JobDefinition `yaml:"jobs"`
}

// DefaultConfig contains default values applied to all jobs in the manifest.
type DefaultConfig struct {
	Executor             string            `yaml:"executor,omitempty"`
	TimeoutSeconds       int               `yaml:"timeout_seconds,omitempty"`
	MaxRetries           int               `yaml:"max_retries,omitempty"`
	RetryIntervalSeconds int               `yaml:"retry_interval_seconds,omitempty"`
	ContainerImage       string            `yaml:"container_image,omitempty"`
	WorkDir              string            `yaml:"work_dir,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
}

// JobDefinition defines a single job and when it runs.
type JobDefinition struct {
	Name                 string            `yaml:"name"`
	Executor             string            `yaml:"executor,omitempty"` // subprocess, container
	Command              string            `yaml:"command"`
	Args                 []string          `yaml:"args,omitempty"`
	WorkDir              string            `yaml:"work_dir,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
	ContainerImage       string            `yaml:"container_image,omitempty"`
	TimeoutSeconds       int               `yaml:"timeout_seconds,omitempty"`
	MaxRetries           int               `yaml:"max_retries,omitempty"`
	RetryIntervalSeconds int               `yaml:"retry_interval_seconds,omitempty"`
	Limits               *LimitsConfig     `yaml:"limits,omitempty"`
	Labels               map[string]string `yaml:"labels,omitempty"`
	NotifyOnFailure      bool              `yaml:"notify_on_failure,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled   *bool                `yaml:"enabled,omitempty"`
	Schedules []ScheduleDefinition `yaml:"schedules,omitempty"`
}

// LimitsConfig contains per-process resource ceilings. Zero means unlimited.
type LimitsConfig struct {
	MaxMemoryBytes int64   `yaml:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64 `yaml:"max_cpu_percent,omitempty"`
	MaxOutputBytes int64   `yaml:"max_output_bytes,omitempty"`
}

// ScheduleDefinition defines one firing rule for a job. Schedule names
// share one namespace across the manifest so depends_on can reference a
// schedule of any job in the same file.
type ScheduleDefinition struct {
	Name              string     `yaml:"name"`
	Kind              string     `yaml:"kind"` // cron, interval, dependency
	Cron              string     `yaml:"cron,omitempty"`
	Timezone          string     `yaml:"timezone,omitempty"`
	IntervalSeconds   int        `yaml:"interval_seconds,omitempty"`
	FirstDelaySeconds int        `yaml:"first_delay_seconds,omitempty"`
	ExecutionCount    int        `yaml:"execution_count,omitempty"`
	DependsOn         string     `yaml:"depends_on,omitempty"`
	ValidFrom         *time.Time `yaml:"valid_from,omitempty"`
	ValidUntil        *time.Time `yaml:"valid_until,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// ParseManifest parses a job manifest from a reader.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var manifest Manifest

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true) // Error on unknown fields

	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	applyDefaults(&manifest)

	return &manifest, nil
}

// ParseManifestBytes parses a manifest from bytes.
func ParseManifestBytes(data []byte) (*Manifest, error) {
	return ParseManifest(strings.NewReader(string(data)))
}

// ValidateManifest validates a parsed manifest.
func ValidateManifest(m *Manifest) error {
	var errors []string

	if m.Version == "" {
		errors = append(errors, "version is required")
	} else if !isValidVersion(m.Version) {
		errors = append(errors, fmt.Sprintf("unsupported version: %s (supported: 1, 1.0)", m.Version))
	}

	if len(m.Jobs) == 0 {
		errors = append(errors, "at least one job is required")
	}

	jobNames := make(map[string]bool)
	scheduleNames := make(map[string]bool)

	for i, job := range m.Jobs {
		prefix := fmt.Sprintf("jobs[%d]", i)

		if job.Name == "" {
			errors = append(errors, fmt.Sprintf("%s.name is required", prefix))
		} else if jobNames[job.Name] {
			errors = append(errors, fmt.Sprintf("%s.name '%s' is duplicated", prefix, job.Name))
		}
		jobNames[job.Name] = true

		if job.Command == "" {
			errors = append(errors, fmt.Sprintf("%s.command is required", prefix))
		}

		if job.Executor != "" && !isValidExecutor(job.Executor) {
			errors = append(errors, fmt.Sprintf("%s.executor must be 'subprocess' or 'container', got '%s'", prefix, job.Executor))
		}
		if job.Executor == string(database.ExecutorContainer) && job.ContainerImage == "" {
			errors = append(errors, fmt.Sprintf("%s.container_image is required for the container executor", prefix))
		}

		if job.TimeoutSeconds < 0 {
			errors = append(errors, fmt.Sprintf("%s.timeout_seconds cannot be negative", prefix))
		}
		if job.MaxRetries < 0 {
			errors = append(errors, fmt.Sprintf("%s.max_retries cannot be negative", prefix))
		}
		if job.RetryIntervalSeconds < 0 {
			errors = append(errors, fmt.Sprintf("%s.retry_interval_seconds cannot be negative", prefix))
		}

		for key := range job.Labels {
			if strings.TrimSpace(key) == "" {
				errors = append(errors, fmt.Sprintf("%s.labels contains an empty key", prefix))
			}
		}

		for j, sched := range job.Schedules {
			sPrefix := fmt.Sprintf("%s.schedules[%d]", prefix, j)

			if sched.Name == "" {
				errors = append(errors, fmt.Sprintf("%s.name is required", sPrefix))
			} else if scheduleNames[sched.Name] {
				errors = append(errors, fmt.Sprintf("%s.name '%s' is duplicated", sPrefix, sched.Name))
			}
			scheduleNames[sched.Name] = true

			errors = append(errors, validateScheduleDefinition(sPrefix, sched)...)
		}
	}

	// Dependency references resolve within the manifest.
	for i, job := range m.Jobs {
		for j, sched := range job.Schedules {
			if sched.Kind != string(database.ScheduleKindDependency) || sched.DependsOn == "" {
				continue
			}
			if !scheduleNames[sched.DependsOn] {
				errors = append(errors, fmt.Sprintf("jobs[%d].schedules[%d].depends_on references unknown schedule '%s'", i, j, sched.DependsOn))
			}
		}
	}

	if err := checkCircularDependencies(m); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return &ValidationError{Errors: errors}
	}

	return nil
}

// validateScheduleDefinition checks the kind-specific firing rule.
func validateScheduleDefinition(prefix string, sched ScheduleDefinition) []string {
	var errors []string

	switch sched.Kind {
	case string(database.ScheduleKindCron):
		// The same parser the scan loop uses decides validity here, so a
		// manifest that loads can never wedge the scanner.
		probe := &database.Schedule{
			Kind:     database.ScheduleKindCron,
			CronExpr: sched.Cron,
			Timezone: sched.Timezone,
		}
		if err := schedule.Validate(probe); err != nil {
			errors = append(errors, fmt.Sprintf("%s.cron: %v", prefix, err))
		}
	case string(database.ScheduleKindInterval):
		if sched.IntervalSeconds <= 0 {
			errors = append(errors, fmt.Sprintf("%s.interval_seconds must be positive", prefix))
		}
	case string(database.ScheduleKindDependency):
		if sched.DependsOn == "" {
			errors = append(errors, fmt.Sprintf("%s.depends_on is required for dependency schedules", prefix))
		}
	default:
		errors = append(errors, fmt.Sprintf("%s.kind must be 'cron', 'interval' or 'dependency', got '%s'", prefix, sched.Kind))
	}

	if sched.ExecutionCount < 0 {
		errors = append(errors, fmt.Sprintf("%s.execution_count cannot be negative", prefix))
	}
	if sched.FirstDelaySeconds < 0 {
		errors = append(errors, fmt.Sprintf("%s.first_delay_seconds cannot be negative", prefix))
	}
	if sched.ValidFrom != nil && sched.ValidUntil != nil && !sched.ValidUntil.After(*sched.ValidFrom) {
		errors = append(errors, fmt.Sprintf("%s.valid_until must be after valid_from", prefix))
	}

	return errors
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

// applyDefaults applies default configuration to job definitions.
func applyDefaults(m *Manifest) {
	for i := range m.Jobs {
		job := &m.Jobs[i]

		if job.Executor == "" {
			if m.Defaults.Executor != "" {
				job.Executor = m.Defaults.Executor
			} else {
				job.Executor = string(database.ExecutorSubprocess)
			}
		}

		// Zero timeout means unlimited, so only the defaults block fills it.
		if job.TimeoutSeconds == 0 && m.Defaults.TimeoutSeconds > 0 {
			job.TimeoutSeconds = m.Defaults.TimeoutSeconds
		}

		if job.MaxRetries == 0 && m.Defaults.MaxRetries > 0 {
			job.MaxRetries = m.Defaults.MaxRetries
		}

		if job.RetryIntervalSeconds == 0 && m.Defaults.RetryIntervalSeconds > 0 {
			job.RetryIntervalSeconds = m.Defaults.RetryIntervalSeconds
		}

		if job.ContainerImage == "" && m.Defaults.ContainerImage != "" {
			job.ContainerImage = m.Defaults.ContainerImage
		}

		if job.WorkDir == "" && m.Defaults.WorkDir != "" {
			job.WorkDir = m.Defaults.WorkDir
		}

		// Merge environment variables (job overrides defaults).
		if len(m.Defaults.Env) > 0 {
			if job.Env == nil {
				job.Env = make(map[string]string)
			}
			for k, v := range m.Defaults.Env {
				if _, exists := job.Env[k]; !exists {
					job.Env[k] = v
				}
			}
		}
	}
}

// isValidVersion checks if the manifest version is supported.
func isValidVersion(v string) bool {
	switch v {
	case "1", "1.0":
		return true
	default:
		return false
	}
}

// isValidExecutor checks if the executor kind is valid.
func isValidExecutor(t string) bool {
	switch database.ExecutorKind(t) {
	case database.ExecutorSubprocess, database.ExecutorContainer:
		return true
	default:
		return false
	}
}

// checkCircularDependencies detects dependency cycles between schedules.
func checkCircularDependencies(m *Manifest) error {
	deps := make(map[string][]string)
	for _, job := range m.Jobs {
		for _, sched := range job.Schedules {
			if sched.DependsOn != "" {
				deps[sched.Name] = []string{sched.DependsOn}
			} else {
				deps[sched.Name] = nil
			}
		}
	}

	// Track visited nodes for cycle detection
	visited := make(map[string]int) // 0 = unvisited, 1 = visiting, 2 = visited

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch visited[name] {
		case 1:
			cycle := append(path, name)
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		case 2:
			return nil
		}

		visited[name] = 1
		path = append(path, name)

		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known {
				continue // unknown reference is reported separately
			}
			if err := visit(dep, path); err != nil {
				return err
			}
		}

		visited[name] = 2
		return nil
	}

	for _, job := range m.Jobs {
		for _, sched := range job.Schedules {
			if visited[sched.Name] == 0 {
				if err := visit(sched.Name, nil); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// ExampleManifest returns an example manifest for documentation.
func ExampleManifest() string {
	return `version: "1"

defaults:
  executor: subprocess
  timeout_seconds: 300
  max_retries: 2
  env:
    TZ: UTC

jobs:
  - name: nightly-report
    command: /opt/reports/build.sh
    args: ["--format", "pdf"]
    work_dir: /opt/reports
    labels:
      pool: batch
    notify_on_failure: true
    schedules:
      - name: nightly-report-cron
        kind: cron
        cron: "0 2 * * *"
        timezone: Europe/Stockholm

  - name: cache-warmup
    command: /usr/local/bin/warmup
    timeout_seconds: 120
    schedules:
      - name: cache-warmup-interval
        kind: interval
        interval_seconds: 900
        first_delay_seconds: 60

  - name: report-upload
    executor: container
    container_image: uploader:latest
    command: /bin/upload
    schedules:
      - name: report-upload-after-build
        kind: dependency
        depends_on: nightly-report-cron
`
}
