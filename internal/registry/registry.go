// Package registry syncs declarative job manifests into the store.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/schedule"
)

// SyncResult contains the results of a manifest sync operation.
type SyncResult struct {
	JobsCreated      int
	JobsUpdated      int
	SchedulesCreated int
	SchedulesUpdated int
	SchedulesRemoved int
	Errors           []string
	SyncedAt         time.Time

	// ManagedJobs names every job defined by the synced manifests,
	// including jobs whose individual sync failed.
	ManagedJobs []string
}

func (r *SyncResult) merge(other *SyncResult) {
	r.JobsCreated += other.JobsCreated
	r.JobsUpdated += other.JobsUpdated
	r.SchedulesCreated += other.SchedulesCreated
	r.SchedulesUpdated += other.SchedulesUpdated
	r.SchedulesRemoved += other.SchedulesRemoved
	r.Errors = append(r.Errors, other.Errors...)
	r.ManagedJobs = append(r.ManagedJobs, other.ManagedJobs...)
}

// Registry applies manifests to the job and schedule stores.
type Registry struct {
	jobs      database.JobRepository
	schedules database.ScheduleRepository
	logger    *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(
	jobs database.JobRepository,
	schedules database.ScheduleRepository,
	logger *slog.Logger,
) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		jobs:      jobs,
		schedules: schedules,
		logger:    logger.With("component", "registry"),
	}
}

// SyncDir reads every .yaml/.yml file in dir in lexical order and syncs
// each manifest. A file that fails to parse or validate is recorded in
// the result and the remaining files still sync.
func (r *Registry) SyncDir(ctx context.Context, dir string) (*SyncResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	result := &SyncResult{SyncedAt: time.Now().UTC()}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}

		manifest, err := ParseManifestBytes(data)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		if err := ValidateManifest(manifest); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}

		res, err := r.SyncManifest(ctx, manifest)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		result.merge(res)
	}

	r.logger.Info("manifest sync completed",
		"dir", dir,
		"jobs_created", result.JobsCreated,
		"jobs_updated", result.JobsUpdated,
		"schedules_created", result.SchedulesCreated,
		"schedules_updated", result.SchedulesUpdated,
		"schedules_removed", result.SchedulesRemoved,
		"errors", len(result.Errors),
	)

	return result, nil
}

// SyncManifest applies one parsed and validated manifest: jobs are
// created or updated by name, and each job's stored schedules are brought
// to exactly the manifest's set.
func (r *Registry) SyncManifest(ctx context.Context, m *Manifest) (*SyncResult, error) {
	result := &SyncResult{SyncedAt: time.Now().UTC()}

	// Job pass. Schedule sync needs every job id, and dependency
	// references may cross jobs within the manifest.
	jobIDs := make(map[string]uuid.UUID, len(m.Jobs))
	for i := range m.Jobs {
		def := &m.Jobs[i]
		result.ManagedJobs = append(result.ManagedJobs, def.Name)

		id, err := r.syncJob(ctx, def, result)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", def.Name, err))
			continue
		}
		jobIDs[def.Name] = id
	}

	r.syncSchedules(ctx, m, jobIDs, result)

	return result, nil
}

// syncJob creates or updates one job by name and returns its id.
func (r *Registry) syncJob(ctx context.Context, def *JobDefinition, result *SyncResult) (uuid.UUID, error) {
	desired := jobFromDefinition(def)

	existing, err := r.jobs.GetByName(ctx, def.Name)
	if err != nil {
		if !database.IsNotFound(err) {
			return uuid.Nil, err
		}
		if err := r.jobs.Create(ctx, desired); err != nil {
			return uuid.Nil, err
		}
		result.JobsCreated++
		r.logger.Info("job created from manifest", "job_name", def.Name, "job_id", desired.ID)
		return desired.ID, nil
	}

	desired.ID = existing.ID
	desired.CreatedAt = existing.CreatedAt
	desired.UpdatedAt = existing.UpdatedAt
	if jobsEqual(desired, existing) {
		return existing.ID, nil
	}

	if err := r.jobs.Update(ctx, desired); err != nil {
		return uuid.Nil, err
	}
	result.JobsUpdated++
	r.logger.Info("job updated from manifest", "job_name", def.Name, "job_id", existing.ID)
	return existing.ID, nil
}

// plannedSchedule is one schedule definition bound to its synced job.
type plannedSchedule struct {
	jobID    uuid.UUID
	jobName  string
	def      *ScheduleDefinition
	existing map[string]*database.Schedule
}

// syncSchedules brings the stored schedules of every synced job to the
// manifest's set. Dependency schedules are deferred until their parent
// has an id, which validation's cycle check guarantees will happen.
func (r *Registry) syncSchedules(ctx context.Context, m *Manifest, jobIDs map[string]uuid.UUID, result *SyncResult) {
	scheduleIDs := make(map[string]uuid.UUID)
	var deferred []plannedSchedule

	for i := range m.Jobs {
		jobDef := &m.Jobs[i]
		jobID, ok := jobIDs[jobDef.Name]
		if !ok {
			continue // job sync failed, schedules reported with it
		}

		stored, err := r.schedules.ListByJob(ctx, jobID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: list schedules: %v", jobDef.Name, err))
			continue
		}
		existing := make(map[string]*database.Schedule, len(stored))
		for j := range stored {
			existing[stored[j].Name] = &stored[j]
		}

		seen := make(map[string]bool, len(jobDef.Schedules))
		for j := range jobDef.Schedules {
			schedDef := &jobDef.Schedules[j]
			seen[schedDef.Name] = true

			if schedDef.Kind == string(database.ScheduleKindDependency) {
				deferred = append(deferred, plannedSchedule{jobID: jobID, jobName: jobDef.Name, def: schedDef, existing: existing})
				continue
			}

			id, err := r.syncSchedule(ctx, jobID, schedDef, nil, existing, result)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("schedule %s: %v", schedDef.Name, err))
				continue
			}
			scheduleIDs[schedDef.Name] = id
		}

		// The manifest owns its jobs' schedules: stored ones it no
		// longer names are removed.
		for name, sched := range existing {
			if seen[name] {
				continue
			}
			if err := r.schedules.Delete(ctx, sched.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("schedule %s: delete: %v", name, err))
				continue
			}
			result.SchedulesRemoved++
			r.logger.Info("schedule removed, no longer in manifest", "schedule_name", name, "job_name", jobDef.Name)
		}
	}

	// Dependency schedules sync once their parent id is known. Chains
	// resolve over repeated passes; validation rejected cycles, so every
	// pass that does work shrinks the list.
	for len(deferred) > 0 {
		var remaining []plannedSchedule
		progressed := false

		for _, p := range deferred {
			parentID, ok := scheduleIDs[p.def.DependsOn]
			if !ok {
				remaining = append(remaining, p)
				continue
			}

			id, err := r.syncSchedule(ctx, p.jobID, p.def, &parentID, p.existing, result)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("schedule %s: %v", p.def.Name, err))
			} else {
				scheduleIDs[p.def.Name] = id
			}
			progressed = true
		}

		if !progressed {
			for _, p := range remaining {
				result.Errors = append(result.Errors, fmt.Sprintf("schedule %s: parent %s was not synced", p.def.Name, p.def.DependsOn))
			}
			return
		}
		deferred = remaining
	}
}

// syncSchedule creates or updates one schedule. An unchanged firing rule
// keeps the stored next firing so a periodic re-sync never disturbs the
// cadence; a changed rule or a re-enable recomputes it from now.
func (r *Registry) syncSchedule(
	ctx context.Context,
	jobID uuid.UUID,
	def *ScheduleDefinition,
	parentID *uuid.UUID,
	existing map[string]*database.Schedule,
	result *SyncResult,
) (uuid.UUID, error) {
	desired := scheduleFromDefinition(jobID, def, parentID)

	current, ok := existing[def.Name]
	if !ok {
		next, err := schedule.FirstFireAt(desired, time.Now())
		if err != nil {
			return uuid.Nil, err
		}
		desired.NextFireAt = next

		if err := r.schedules.Create(ctx, desired); err != nil {
			return uuid.Nil, err
		}
		result.SchedulesCreated++
		r.logger.Info("schedule created from manifest", "schedule_name", def.Name, "schedule_id", desired.ID)
		return desired.ID, nil
	}

	desired.ID = current.ID
	desired.CreatedAt = current.CreatedAt
	desired.UpdatedAt = current.UpdatedAt
	desired.ExecutedCount = current.ExecutedCount

	ruleChanged := !scheduleRulesEqual(desired, current)
	reEnabled := desired.Status == database.ScheduleStatusEnabled && current.Status != database.ScheduleStatusEnabled
	if ruleChanged || reEnabled {
		// Recompute from now, never from the stored rule: a stale
		// next_fire_at would fire a backlog.
		next, err := schedule.FirstFireAt(desired, time.Now())
		if err != nil {
			return uuid.Nil, err
		}
		desired.NextFireAt = next
	} else {
		desired.NextFireAt = current.NextFireAt
	}

	if !ruleChanged && desired.Status == current.Status {
		return current.ID, nil
	}

	if err := r.schedules.Update(ctx, desired); err != nil {
		return uuid.Nil, err
	}
	result.SchedulesUpdated++
	r.logger.Info("schedule updated from manifest", "schedule_name", def.Name, "schedule_id", current.ID)
	return current.ID, nil
}

// jobFromDefinition converts a manifest job definition to a database model.
func jobFromDefinition(def *JobDefinition) *database.Job {
	status := database.JobStatusEnabled
	if def.Enabled != nil && !*def.Enabled {
		status = database.JobStatusDisabled
	}

	var limits database.ResourceLimits
	if def.Limits != nil {
		limits = database.ResourceLimits{
			MaxMemoryBytes: def.Limits.MaxMemoryBytes,
			MaxCPUPercent:  def.Limits.MaxCPUPercent,
			MaxOutputBytes: def.Limits.MaxOutputBytes,
		}
	}

	return &database.Job{
		Name:            def.Name,
		Command:         def.Command,
		Args:            def.Args,
		WorkDir:         def.WorkDir,
		Env:             def.Env,
		Executor:        database.ExecutorKind(def.Executor),
		ContainerImage:  def.ContainerImage,
		Timeout:         time.Duration(def.TimeoutSeconds) * time.Second,
		MaxRetries:      def.MaxRetries,
		RetryInterval:   time.Duration(def.RetryIntervalSeconds) * time.Second,
		Limits:          limits,
		Labels:          def.Labels,
		Status:          status,
		NotifyOnFailure: def.NotifyOnFailure,
	}
}

// scheduleFromDefinition converts a manifest schedule definition to a
// database model. NextFireAt is left for the caller.
func scheduleFromDefinition(jobID uuid.UUID, def *ScheduleDefinition, parentID *uuid.UUID) *database.Schedule {
	status := database.ScheduleStatusEnabled
	if def.Enabled != nil && !*def.Enabled {
		status = database.ScheduleStatusDisabled
	}

	return &database.Schedule{
		JobID:          jobID,
		Name:           def.Name,
		Kind:           database.ScheduleKind(def.Kind),
		CronExpr:       def.Cron,
		Timezone:       def.Timezone,
		Interval:       time.Duration(def.IntervalSeconds) * time.Second,
		FirstDelay:     time.Duration(def.FirstDelaySeconds) * time.Second,
		ExecutionCount: def.ExecutionCount,
		DependsOn:      parentID,
		ValidFrom:      def.ValidFrom,
		ValidUntil:     def.ValidUntil,
		Status:         status,
	}
}

// jobsEqual reports whether two jobs carry the same definition. IDs and
// timestamps are expected to match already.
func jobsEqual(a, b *database.Job) bool {
	return a.Name == b.Name &&
		a.Command == b.Command &&
		stringSlicesEqual(a.Args, b.Args) &&
		a.WorkDir == b.WorkDir &&
		stringMapsEqual(a.Env, b.Env) &&
		a.Executor == b.Executor &&
		a.ContainerImage == b.ContainerImage &&
		a.Timeout == b.Timeout &&
		a.MaxRetries == b.MaxRetries &&
		a.RetryInterval == b.RetryInterval &&
		a.Limits == b.Limits &&
		stringMapsEqual(a.Labels, b.Labels) &&
		a.Status == b.Status &&
		a.NotifyOnFailure == b.NotifyOnFailure
}

// scheduleRulesEqual compares only the firing rule, not the runtime state.
func scheduleRulesEqual(a, b *database.Schedule) bool {
	return a.Kind == b.Kind &&
		a.CronExpr == b.CronExpr &&
		a.Timezone == b.Timezone &&
		a.Interval == b.Interval &&
		a.FirstDelay == b.FirstDelay &&
		a.ExecutionCount == b.ExecutionCount &&
		uuidPtrsEqual(a.DependsOn, b.DependsOn) &&
		timePtrsEqual(a.ValidFrom, b.ValidFrom) &&
		timePtrsEqual(a.ValidUntil, b.ValidUntil)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func uuidPtrsEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrsEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
