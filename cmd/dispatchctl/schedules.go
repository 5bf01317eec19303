package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// scheduleCmd is the parent command for schedule operations
var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"schedules", "sched"},
	Short:   "Manage schedules",
	Long:    `Commands for attaching cron, interval, and dependency firing rules to jobs.`,
}

// scheduleListCmd lists schedules
var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Long:  `List all schedules with their firing rules and next fire times.`,
	Example: `  # List all schedules
  dispatchctl schedule list

  # List schedules as JSON
  dispatchctl schedule list -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching schedules...")
		resp, err := apiClient.ListSchedules(ctx, limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Schedules) == 0 {
			fmt.Println(Dim("No schedules found."))
			return nil
		}

		headers := []string{"ID", "NAME", "JOB", "KIND", "RULE", "NEXT FIRE", "FIRED", "STATUS"}
		rows := make([][]string, len(resp.Schedules))
		for i, s := range resp.Schedules {
			rows[i] = []string{
				truncate(s.ID, 12),
				s.Name,
				truncate(s.JobID, 12),
				s.Kind,
				formatScheduleRule(s),
				formatFireTime(s.NextFireAt),
				fmt.Sprintf("%d", s.ExecutedCount),
				formatScheduleStatus(s.Status),
			}
		}

		printTable(headers, rows)
		return nil
	},
}

// scheduleGetCmd gets details for a specific schedule
var scheduleGetCmd = &cobra.Command{
	Use:   "get <schedule-id>",
	Short: "Get schedule details",
	Long:  `Display detailed information about a specific schedule.`,
	Example: `  # Get schedule details
  dispatchctl schedule get 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		scheduleID := args[0]

		ShowSpinner("Fetching schedule details...")
		sched, err := apiClient.GetSchedule(ctx, scheduleID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get schedule: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(sched)
		}

		fmt.Printf("%s\n", Bold("Schedule Details"))
		fmt.Printf("  ID:        %s\n", sched.ID)
		fmt.Printf("  Name:      %s\n", sched.Name)
		fmt.Printf("  Job:       %s\n", sched.JobID)
		fmt.Printf("  Kind:      %s\n", sched.Kind)
		fmt.Printf("  Status:    %s\n", formatScheduleStatus(sched.Status))

		switch sched.Kind {
		case "cron":
			fmt.Printf("  Cron:      %s\n", sched.CronExpr)
			if sched.Timezone != "" {
				fmt.Printf("  Timezone:  %s\n", sched.Timezone)
			}
		case "interval":
			fmt.Printf("  Interval:  %s\n", formatDurationMs(sched.IntervalMs))
			if sched.FirstDelayMs > 0 {
				fmt.Printf("  1st Delay: %s\n", formatDurationMs(sched.FirstDelayMs))
			}
			if sched.ExecutionCount > 0 {
				fmt.Printf("  Cap:       %d firings\n", sched.ExecutionCount)
			}
		case "dependency":
			fmt.Printf("  Parent:    %s\n", sched.DependsOn)
		}

		fmt.Printf("  Next Fire: %s\n", formatFireTime(sched.NextFireAt))
		fmt.Printf("  Fired:     %d times\n", sched.ExecutedCount)
		if sched.ValidFrom != nil {
			fmt.Printf("  Valid From:  %s\n", sched.ValidFrom.Local().Format("2006-01-02 15:04"))
		}
		if sched.ValidUntil != nil {
			fmt.Printf("  Valid Until: %s\n", sched.ValidUntil.Local().Format("2006-01-02 15:04"))
		}
		fmt.Printf("  Created:   %s\n", formatTimestamp(sched.CreatedAt))
		fmt.Printf("  Updated:   %s\n", formatTimestamp(sched.UpdatedAt))

		return nil
	},
}

// scheduleCreateCmd creates a new schedule
var scheduleCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a schedule",
	Long: `Create a new schedule bound to a job.

Exactly one firing rule must be given: --cron, --interval, or --depends-on.`,
	Example: `  # Fire every night at 02:30 UTC
  dispatchctl schedule create nightly --job 0198f6a2-... --cron "30 2 * * *" --timezone UTC

  # Fire every 10 minutes, first firing after 1 minute, 100 firings total
  dispatchctl schedule create sampler --job 0198f6a2-... \
    --interval 10m --first-delay 1m --count 100

  # Fire when another schedule's instance succeeds
  dispatchctl schedule create downstream --job 0198f6a2-... --depends-on 0198f7b3-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jobID, _ := cmd.Flags().GetString("job")
		if jobID == "" {
			return fmt.Errorf("--job is required")
		}

		cronExpr, _ := cmd.Flags().GetString("cron")
		timezone, _ := cmd.Flags().GetString("timezone")
		interval, _ := cmd.Flags().GetDuration("interval")
		firstDelay, _ := cmd.Flags().GetDuration("first-delay")
		count, _ := cmd.Flags().GetInt("count")
		dependsOn, _ := cmd.Flags().GetString("depends-on")

		req := &ScheduleRequest{
			JobID: jobID,
			Name:  args[0],
		}

		switch {
		case cronExpr != "":
			req.Kind = "cron"
			req.CronExpr = cronExpr
			req.Timezone = timezone
		case interval > 0:
			req.Kind = "interval"
			req.IntervalMs = interval.Milliseconds()
			req.FirstDelayMs = firstDelay.Milliseconds()
			req.ExecutionCount = count
		case dependsOn != "":
			req.Kind = "dependency"
			req.DependsOn = dependsOn
		default:
			return fmt.Errorf("one of --cron, --interval, or --depends-on is required")
		}

		if validFrom, _ := cmd.Flags().GetString("valid-from"); validFrom != "" {
			t, err := time.Parse(time.RFC3339, validFrom)
			if err != nil {
				return fmt.Errorf("invalid --valid-from (want RFC3339): %w", err)
			}
			req.ValidFrom = &t
		}
		if validUntil, _ := cmd.Flags().GetString("valid-until"); validUntil != "" {
			t, err := time.Parse(time.RFC3339, validUntil)
			if err != nil {
				return fmt.Errorf("invalid --valid-until (want RFC3339): %w", err)
			}
			req.ValidUntil = &t
		}

		ShowSpinner("Creating schedule...")
		sched, err := apiClient.CreateSchedule(ctx, req)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(sched)
		}

		fmt.Printf("%s Schedule created\n", Green("✓"))
		fmt.Printf("  ID:        %s\n", Bold(sched.ID))
		fmt.Printf("  Name:      %s\n", sched.Name)
		fmt.Printf("  Rule:      %s\n", formatScheduleRule(*sched))
		fmt.Printf("  Next Fire: %s\n", formatFireTime(sched.NextFireAt))

		return nil
	},
}

// scheduleDeleteCmd deletes a schedule
var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule",
	Long:  `Delete a schedule. The job and its instance history are left untouched.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		scheduleID := args[0]

		ShowSpinner("Deleting schedule...")
		err := apiClient.DeleteSchedule(ctx, scheduleID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to delete schedule: %w", err)
		}

		fmt.Printf("%s Schedule %s deleted\n", Green("✓"), Bold(scheduleID))
		return nil
	},
}

// scheduleEnableCmd enables a schedule
var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule",
	Long: `Enable a disabled or completed schedule.

The next fire time is recomputed from now, so a long-disabled schedule
does not fire a backlog.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Enabling schedule...")
		sched, err := apiClient.EnableSchedule(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to enable schedule: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(sched)
		}

		fmt.Printf("%s Schedule %s enabled\n", Green("✓"), Bold(sched.Name))
		fmt.Printf("  Next Fire: %s\n", formatFireTime(sched.NextFireAt))
		return nil
	},
}

// scheduleDisableCmd disables a schedule
var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule",
	Long:  `Disable a schedule so it stops materializing instances.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Disabling schedule...")
		sched, err := apiClient.DisableSchedule(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to disable schedule: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(sched)
		}

		fmt.Printf("%s Schedule %s disabled\n", Green("✓"), Bold(sched.Name))
		return nil
	},
}

func init() {
	// List command flags
	scheduleListCmd.Flags().Int("limit", 50, "Maximum number of results")
	scheduleListCmd.Flags().Int("offset", 0, "Number of results to skip")

	// Create command flags
	scheduleCreateCmd.Flags().String("job", "", "Job ID to bind (required)")
	scheduleCreateCmd.Flags().String("cron", "", "Cron expression (5-field)")
	scheduleCreateCmd.Flags().String("timezone", "", "Timezone for cron evaluation (IANA name)")
	scheduleCreateCmd.Flags().Duration("interval", 0, "Fixed firing interval")
	scheduleCreateCmd.Flags().Duration("first-delay", 0, "One-time delay before the first interval firing")
	scheduleCreateCmd.Flags().Int("count", 0, "Total firing cap (0 = unlimited)")
	scheduleCreateCmd.Flags().String("depends-on", "", "Parent schedule ID (fires on its success)")
	scheduleCreateCmd.Flags().String("valid-from", "", "Validity window start (RFC3339)")
	scheduleCreateCmd.Flags().String("valid-until", "", "Validity window end (RFC3339)")

	// Add subcommands
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleGetCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
	scheduleCmd.AddCommand(scheduleEnableCmd)
	scheduleCmd.AddCommand(scheduleDisableCmd)
}

// formatScheduleRule renders a schedule's firing rule for table display
func formatScheduleRule(s Schedule) string {
	switch s.Kind {
	case "cron":
		if s.Timezone != "" {
			return fmt.Sprintf("%s (%s)", s.CronExpr, s.Timezone)
		}
		return s.CronExpr
	case "interval":
		rule := "every " + formatDurationMs(s.IntervalMs)
		if s.ExecutionCount > 0 {
			rule += fmt.Sprintf(" ×%d", s.ExecutionCount)
		}
		return rule
	case "dependency":
		return "after " + truncate(s.DependsOn, 12)
	default:
		return Dim("-")
	}
}

// formatScheduleStatus returns a colored status string
func formatScheduleStatus(status string) string {
	switch strings.ToLower(status) {
	case "enabled":
		return Green("enabled")
	case "disabled":
		return Yellow("disabled")
	case "completed":
		return Dim("completed")
	default:
		return Dim(status)
	}
}
