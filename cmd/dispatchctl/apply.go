package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/registry"
)

// jobApplyCmd creates or updates jobs and schedules from a manifest file,
// matched by name the same way the server-side manifest syncer does it.
var jobApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a job manifest",
	Long: `Apply a YAML job manifest against the server.

Jobs and schedules are matched by name: existing ones are updated in
place, missing ones are created. Nothing is deleted.`,
	Example: `  # Apply a manifest
  dispatchctl job apply -f jobs.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			return fmt.Errorf("--file is required")
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open manifest: %w", err)
		}
		defer f.Close()

		manifest, err := registry.ParseManifest(f)
		if err != nil {
			return err
		}
		if err := registry.ValidateManifest(manifest); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		return applyManifest(ctx, cmd, manifest)
	},
}

func applyManifest(ctx context.Context, cmd *cobra.Command, manifest *registry.Manifest) error {
	created, updated := 0, 0

	// Schedule names share one namespace across the manifest, so collect
	// ids as they land and resolve depends_on in a second pass.
	scheduleIDs := make(map[string]string)
	type pendingSchedule struct {
		jobID    string
		existing string
		def      registry.ScheduleDefinition
	}
	var dependents []pendingSchedule

	for i := range manifest.Jobs {
		def := &manifest.Jobs[i]
		req := jobRequestFromManifest(def)

		existing, err := apiClient.ListJobs(ctx, def.Name, 1, 0)
		if err != nil {
			return fmt.Errorf("failed to look up job %q: %w", def.Name, err)
		}

		var jobID string
		if len(existing.Jobs) > 0 {
			job, err := apiClient.UpdateJob(ctx, existing.Jobs[0].ID, req)
			if err != nil {
				return fmt.Errorf("failed to update job %q: %w", def.Name, err)
			}
			jobID = job.ID
			updated++
			cmd.Printf("job %s updated\n", def.Name)
		} else {
			job, err := apiClient.CreateJob(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to create job %q: %w", def.Name, err)
			}
			jobID = job.ID
			created++
			cmd.Printf("job %s created\n", def.Name)
		}

		current, err := apiClient.ListJobSchedules(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to list schedules of job %q: %w", def.Name, err)
		}
		byName := make(map[string]string, len(current.Schedules))
		for _, s := range current.Schedules {
			byName[s.Name] = s.ID
		}

		for _, sdef := range def.Schedules {
			if sdef.Kind == "dependency" {
				dependents = append(dependents, pendingSchedule{
					jobID:    jobID,
					existing: byName[sdef.Name],
					def:      sdef,
				})
				continue
			}
			id, madeNew, err := upsertSchedule(ctx, jobID, byName[sdef.Name], sdef, scheduleIDs)
			if err != nil {
				return err
			}
			scheduleIDs[sdef.Name] = id
			if madeNew {
				created++
				cmd.Printf("schedule %s created\n", sdef.Name)
			} else {
				updated++
				cmd.Printf("schedule %s updated\n", sdef.Name)
			}
		}
	}

	for _, p := range dependents {
		id, madeNew, err := upsertSchedule(ctx, p.jobID, p.existing, p.def, scheduleIDs)
		if err != nil {
			return err
		}
		scheduleIDs[p.def.Name] = id
		if madeNew {
			created++
			cmd.Printf("schedule %s created\n", p.def.Name)
		} else {
			updated++
			cmd.Printf("schedule %s updated\n", p.def.Name)
		}
	}

	cmd.Printf("%s %d created, %d updated\n", Green("✓"), created, updated)
	return nil
}

func upsertSchedule(ctx context.Context, jobID, existingID string, def registry.ScheduleDefinition, scheduleIDs map[string]string) (string, bool, error) {
	req := &ScheduleRequest{
		JobID:          jobID,
		Name:           def.Name,
		Kind:           def.Kind,
		CronExpr:       def.Cron,
		Timezone:       def.Timezone,
		IntervalMs:     int64(def.IntervalSeconds) * 1000,
		FirstDelayMs:   int64(def.FirstDelaySeconds) * 1000,
		ExecutionCount: def.ExecutionCount,
		ValidFrom:      def.ValidFrom,
		ValidUntil:     def.ValidUntil,
		Enabled:        def.Enabled,
	}
	if def.DependsOn != "" {
		upstream, ok := scheduleIDs[def.DependsOn]
		if !ok {
			return "", false, fmt.Errorf("schedule %q depends on unknown schedule %q", def.Name, def.DependsOn)
		}
		req.DependsOn = upstream
	}

	if existingID != "" {
		sched, err := apiClient.UpdateSchedule(ctx, existingID, req)
		if err != nil {
			return "", false, fmt.Errorf("failed to update schedule %q: %w", def.Name, err)
		}
		return sched.ID, false, nil
	}
	sched, err := apiClient.CreateSchedule(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("failed to create schedule %q: %w", def.Name, err)
	}
	return sched.ID, true, nil
}

func jobRequestFromManifest(def *registry.JobDefinition) *JobRequest {
	req := &JobRequest{
		Name:            def.Name,
		Command:         def.Command,
		Args:            def.Args,
		WorkDir:         def.WorkDir,
		Env:             def.Env,
		Executor:        def.Executor,
		ContainerImage:  def.ContainerImage,
		TimeoutMs:       int64(def.TimeoutSeconds) * 1000,
		MaxRetries:      def.MaxRetries,
		RetryIntervalMs: int64(def.RetryIntervalSeconds) * 1000,
		Labels:          def.Labels,
		NotifyOnFailure: def.NotifyOnFailure,
		Enabled:         def.Enabled,
	}
	if def.Limits != nil {
		req.Limits = ResourceLimits{
			MaxMemoryBytes: def.Limits.MaxMemoryBytes,
			MaxCPUPercent:  def.Limits.MaxCPUPercent,
			MaxOutputBytes: def.Limits.MaxOutputBytes,
		}
	}
	return req
}

func init() {
	jobApplyCmd.Flags().StringP("file", "f", "", "Path to the manifest file (required)")
	jobCmd.AddCommand(jobApplyCmd)
}
