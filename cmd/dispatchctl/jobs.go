package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// jobCmd is the parent command for job operations
var jobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{"jobs"},
	Short:   "Manage job definitions",
	Long:    `Commands for defining, running, and inspecting jobs.`,
}

// jobListCmd lists jobs
var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List job definitions.

Filters:
  --name      Exact name lookup
  --limit     Maximum number of results
  --offset    Number of results to skip`,
	Example: `  # List all jobs
  dispatchctl job list

  # Look up a job by name
  dispatchctl job list --name nightly-backup

  # List jobs as JSON
  dispatchctl job list -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		name, _ := cmd.Flags().GetString("name")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching jobs...")
		resp, err := apiClient.ListJobs(ctx, name, limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Jobs) == 0 {
			fmt.Println(Dim("No jobs found."))
			return nil
		}

		headers := []string{"ID", "NAME", "COMMAND", "EXECUTOR", "TIMEOUT", "STATUS", "UPDATED"}
		rows := make([][]string, len(resp.Jobs))
		for i, j := range resp.Jobs {
			command := j.Command
			if len(j.Args) > 0 {
				command += " " + strings.Join(j.Args, " ")
			}

			rows[i] = []string{
				truncate(j.ID, 12),
				j.Name,
				truncate(command, 40),
				j.Executor,
				formatDurationMs(j.TimeoutMs),
				formatJobStatus(j.Status),
				formatTimestamp(j.UpdatedAt),
			}
		}

		printTable(headers, rows)

		if int64(len(resp.Jobs)) < resp.Total {
			fmt.Printf("\n%s\n", Dim(fmt.Sprintf("Showing %d of %d jobs. Use --limit and --offset to see more.", len(resp.Jobs), resp.Total)))
		}

		return nil
	},
}

// jobGetCmd gets details for a specific job
var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Get job details",
	Long: `Display detailed information about a specific job.

Shows the job definition, resource limits, and label requirements.`,
	Example: `  # Get job details
  dispatchctl job get 0198f6a2-...

  # Include attached schedules and recent instances
  dispatchctl job get 0198f6a2-... --schedules --instances`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jobID := args[0]
		includeSchedules, _ := cmd.Flags().GetBool("schedules")
		includeInstances, _ := cmd.Flags().GetBool("instances")

		ShowSpinner("Fetching job details...")
		job, err := apiClient.GetJob(ctx, jobID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		var schedules []Schedule
		if includeSchedules {
			resp, err := apiClient.ListJobSchedules(ctx, jobID)
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}
			schedules = resp.Schedules
		}

		var instances []Instance
		if includeInstances {
			resp, err := apiClient.ListJobInstances(ctx, jobID, 10, 0)
			if err != nil {
				return fmt.Errorf("failed to list instances: %w", err)
			}
			instances = resp.Instances
		}

		if outputFormat == "json" {
			out := map[string]interface{}{"job": job}
			if includeSchedules {
				out["schedules"] = schedules
			}
			if includeInstances {
				out["instances"] = instances
			}
			return printJSON(out)
		}

		fmt.Printf("%s\n", Bold("Job Details"))
		fmt.Printf("  ID:       %s\n", job.ID)
		fmt.Printf("  Name:     %s\n", job.Name)
		fmt.Printf("  Status:   %s\n", formatJobStatus(job.Status))
		fmt.Printf("  Command:  %s\n", job.Command)
		if len(job.Args) > 0 {
			fmt.Printf("  Args:     %s\n", strings.Join(job.Args, " "))
		}
		if job.WorkDir != "" {
			fmt.Printf("  Work Dir: %s\n", job.WorkDir)
		}
		fmt.Printf("  Executor: %s\n", job.Executor)
		if job.ContainerImage != "" {
			fmt.Printf("  Image:    %s\n", job.ContainerImage)
		}
		if job.TimeoutMs > 0 {
			fmt.Printf("  Timeout:  %s\n", formatDurationMs(job.TimeoutMs))
		}
		if job.MaxRetries > 0 {
			fmt.Printf("  Retries:  %d (every %s)\n", job.MaxRetries, formatDurationMs(job.RetryIntervalMs))
		}
		fmt.Printf("  Notify:   %s\n", formatBool(job.NotifyOnFailure))
		fmt.Printf("  Created:  %s\n", formatTimestamp(job.CreatedAt))
		fmt.Printf("  Updated:  %s\n", formatTimestamp(job.UpdatedAt))

		if job.Limits.MaxMemoryBytes > 0 || job.Limits.MaxCPUPercent > 0 || job.Limits.MaxOutputBytes > 0 {
			fmt.Printf("\n%s\n", Bold("Resource Limits"))
			if job.Limits.MaxMemoryBytes > 0 {
				fmt.Printf("  Memory: %s\n", formatBytes(job.Limits.MaxMemoryBytes))
			}
			if job.Limits.MaxCPUPercent > 0 {
				fmt.Printf("  CPU:    %.1f%%\n", job.Limits.MaxCPUPercent)
			}
			if job.Limits.MaxOutputBytes > 0 {
				fmt.Printf("  Output: %s\n", formatBytes(job.Limits.MaxOutputBytes))
			}
		}

		if len(job.Env) > 0 {
			fmt.Printf("\n%s\n", Bold("Environment"))
			for k, v := range job.Env {
				fmt.Printf("  %s=%s\n", k, v)
			}
		}

		if len(job.Labels) > 0 {
			fmt.Printf("\n%s\n", Bold("Labels"))
			for k, v := range job.Labels {
				fmt.Printf("  %s: %s\n", k, v)
			}
		}

		if includeSchedules {
			fmt.Printf("\n%s\n", Bold("Schedules"))
			if len(schedules) == 0 {
				fmt.Println(Dim("  none"))
			} else {
				headers := []string{"ID", "NAME", "KIND", "RULE", "NEXT FIRE", "STATUS"}
				rows := make([][]string, len(schedules))
				for i, s := range schedules {
					rows[i] = []string{
						truncate(s.ID, 12),
						s.Name,
						s.Kind,
						formatScheduleRule(s),
						formatFireTime(s.NextFireAt),
						formatScheduleStatus(s.Status),
					}
				}
				printTable(headers, rows)
			}
		}

		if includeInstances {
			fmt.Printf("\n%s\n", Bold("Recent Instances"))
			if len(instances) == 0 {
				fmt.Println(Dim("  none"))
			} else {
				headers := []string{"ID", "STATUS", "SCHEDULED", "STARTED", "COMPLETED"}
				rows := make([][]string, len(instances))
				for i, inst := range instances {
					rows[i] = []string{
						truncate(inst.ID, 12),
						formatInstanceStatus(inst.Status),
						formatTimestamp(inst.ScheduledAt),
						formatTimestampPtr(inst.StartedAt),
						formatTimestampPtr(inst.CompletedAt),
					}
				}
				printTable(headers, rows)
			}
		}

		return nil
	},
}

// jobCreateCmd creates a new job
var jobCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a job",
	Long: `Create a new job definition.

The command is required; everything else is optional.`,
	Example: `  # Create a simple job
  dispatchctl job create nightly-backup --command /usr/local/bin/backup.sh

  # Create a job with arguments, timeout, and retries
  dispatchctl job create report --command python3 --args generate.py,--full \
    --timeout 30m --max-retries 2 --retry-interval 1m

  # Create a containerized job with label requirements
  dispatchctl job create etl --command ./run.sh --executor container \
    --image etl:latest --label zone=eu --label tier=batch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req, err := jobRequestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		ShowSpinner("Creating job...")
		job, err := apiClient.CreateJob(ctx, req)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(job)
		}

		fmt.Printf("%s Job created\n", Green("✓"))
		fmt.Printf("  ID:      %s\n", Bold(job.ID))
		fmt.Printf("  Name:    %s\n", job.Name)
		fmt.Printf("  Command: %s\n", job.Command)

		return nil
	},
}

// jobDeleteCmd deletes a job
var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Long: `Delete a job definition and its schedules.

Instance history for the job is deleted with it.`,
	Example: `  # Delete a job
  dispatchctl job delete 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jobID := args[0]

		ShowSpinner("Deleting job...")
		err := apiClient.DeleteJob(ctx, jobID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}

		fmt.Printf("%s Job %s deleted\n", Green("✓"), Bold(jobID))
		return nil
	},
}

// jobRunCmd triggers an immediate run of a job
var jobRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job now",
	Long: `Create an immediate one-off instance of a job.

The instance is scheduled for now and handed to the next agent with
matching labels and spare capacity. Disabled jobs are refused.`,
	Example: `  # Run a job immediately
  dispatchctl job run 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jobID := args[0]

		ShowSpinner("Triggering run...")
		inst, err := apiClient.RunJob(ctx, jobID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to run job: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(inst)
		}

		fmt.Printf("%s Instance created\n", Green("✓"))
		fmt.Printf("  Instance ID: %s\n", Bold(inst.ID))
		fmt.Printf("  Status:      %s\n", formatInstanceStatus(inst.Status))
		fmt.Printf("  Scheduled:   %s\n", formatTimestamp(inst.ScheduledAt))

		return nil
	},
}

// jobEnableCmd enables a job
var jobEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a job",
	Long:  `Enable a disabled job so its schedules materialize instances again.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobEnabled(args[0], true)
	},
}

// jobDisableCmd disables a job
var jobDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Long: `Disable a job.

Its schedules keep advancing but no new instances are created, so
re-enabling does not replay a backlog.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobEnabled(args[0], false)
	},
}

func setJobEnabled(jobID string, enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := apiClient.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	req := &JobRequest{
		Name:            job.Name,
		Command:         job.Command,
		Args:            job.Args,
		WorkDir:         job.WorkDir,
		Env:             job.Env,
		Executor:        job.Executor,
		ContainerImage:  job.ContainerImage,
		TimeoutMs:       job.TimeoutMs,
		MaxRetries:      job.MaxRetries,
		RetryIntervalMs: job.RetryIntervalMs,
		Limits:          job.Limits,
		Labels:          job.Labels,
		NotifyOnFailure: job.NotifyOnFailure,
		Enabled:         &enabled,
	}

	updated, err := apiClient.UpdateJob(ctx, jobID, req)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(updated)
	}

	fmt.Printf("%s Job %s is now %s\n", Green("✓"), Bold(updated.Name), formatJobStatus(updated.Status))
	return nil
}

// jobRequestFromFlags builds a JobRequest from command flags
func jobRequestFromFlags(cmd *cobra.Command, name string) (*JobRequest, error) {
	command, _ := cmd.Flags().GetString("command")
	if command == "" {
		return nil, fmt.Errorf("--command is required")
	}

	argsStr, _ := cmd.Flags().GetString("args")
	workDir, _ := cmd.Flags().GetString("workdir")
	executor, _ := cmd.Flags().GetString("executor")
	image, _ := cmd.Flags().GetString("image")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	retryInterval, _ := cmd.Flags().GetDuration("retry-interval")
	maxMemory, _ := cmd.Flags().GetInt64("max-memory")
	maxCPU, _ := cmd.Flags().GetFloat64("max-cpu")
	maxOutput, _ := cmd.Flags().GetInt64("max-output")
	envPairs, _ := cmd.Flags().GetStringSlice("env")
	labelPairs, _ := cmd.Flags().GetStringSlice("label")
	notify, _ := cmd.Flags().GetBool("notify")

	req := &JobRequest{
		Name:            name,
		Command:         command,
		WorkDir:         workDir,
		Executor:        executor,
		ContainerImage:  image,
		TimeoutMs:       timeout.Milliseconds(),
		MaxRetries:      maxRetries,
		RetryIntervalMs: retryInterval.Milliseconds(),
		NotifyOnFailure: notify,
		Limits: ResourceLimits{
			MaxMemoryBytes: maxMemory,
			MaxCPUPercent:  maxCPU,
			MaxOutputBytes: maxOutput,
		},
	}

	if argsStr != "" {
		req.Args = strings.Split(argsStr, ",")
	}

	env, err := parseKeyValuePairs(envPairs)
	if err != nil {
		return nil, fmt.Errorf("invalid --env: %w", err)
	}
	req.Env = env

	labels, err := parseKeyValuePairs(labelPairs)
	if err != nil {
		return nil, fmt.Errorf("invalid --label: %w", err)
	}
	req.Labels = labels

	return req, nil
}

// parseKeyValuePairs parses repeated key=value flag values into a map
func parseKeyValuePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	// List command flags
	jobListCmd.Flags().String("name", "", "Exact name lookup")
	jobListCmd.Flags().Int("limit", 50, "Maximum number of results")
	jobListCmd.Flags().Int("offset", 0, "Number of results to skip")

	// Get command flags
	jobGetCmd.Flags().Bool("schedules", false, "Include attached schedules")
	jobGetCmd.Flags().Bool("instances", false, "Include recent instances")

	// Create command flags
	jobCreateCmd.Flags().String("command", "", "Command to execute (required)")
	jobCreateCmd.Flags().String("args", "", "Comma-separated command arguments")
	jobCreateCmd.Flags().String("workdir", "", "Working directory")
	jobCreateCmd.Flags().String("executor", "", "Executor kind (subprocess, container)")
	jobCreateCmd.Flags().String("image", "", "Container image (container executor only)")
	jobCreateCmd.Flags().Duration("timeout", 0, "Execution timeout (0 = unlimited)")
	jobCreateCmd.Flags().Int("max-retries", 0, "Retries on failure")
	jobCreateCmd.Flags().Duration("retry-interval", 0, "Delay between retries")
	jobCreateCmd.Flags().Int64("max-memory", 0, "Memory ceiling in bytes")
	jobCreateCmd.Flags().Float64("max-cpu", 0, "CPU ceiling in percent")
	jobCreateCmd.Flags().Int64("max-output", 0, "Captured output ceiling in bytes")
	jobCreateCmd.Flags().StringSlice("env", nil, "Environment variable (key=value, repeatable)")
	jobCreateCmd.Flags().StringSlice("label", nil, "Agent label requirement (key=value, repeatable)")
	jobCreateCmd.Flags().Bool("notify", false, "Notify on failure")

	// Add subcommands
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobDeleteCmd)
	jobCmd.AddCommand(jobRunCmd)
	jobCmd.AddCommand(jobEnableCmd)
	jobCmd.AddCommand(jobDisableCmd)
}

// formatJobStatus returns a colored status string
func formatJobStatus(status string) string {
	switch strings.ToLower(status) {
	case "enabled":
		return Green("enabled")
	case "disabled":
		return Yellow("disabled")
	default:
		return Dim(status)
	}
}
