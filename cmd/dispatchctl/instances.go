package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// instanceCmd is the parent command for instance operations
var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"instances", "inst"},
	Short:   "Manage task instances",
	Long:    `Commands for viewing, cancelling, and fetching output of task instances.`,
}

// instanceListCmd lists instances
var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task instances",
	Long: `List task instances with optional filtering.

Filters:
  --status    Filter by status (pending, acquired, running, succeeded,
              failed, cancelled, timeout, killed)
  --job       Filter by job ID
  --limit     Maximum number of results

The status and job filters are mutually exclusive.`,
	Example: `  # List recent instances
  dispatchctl instance list

  # List only running instances
  dispatchctl instance list --status running

  # List instances of one job
  dispatchctl instance list --job 0198f6a2-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		jobID, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching instances...")
		resp, err := apiClient.ListInstances(ctx, status, jobID, limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Instances) == 0 {
			fmt.Println(Dim("No instances found."))
			return nil
		}

		headers := []string{"ID", "JOB", "STATUS", "AGENT", "SCHEDULED", "DURATION", "EXIT"}
		rows := make([][]string, len(resp.Instances))
		for i, inst := range resp.Instances {
			agent := Dim("-")
			if inst.AgentID != "" {
				agent = truncate(inst.AgentID, 12)
			}

			duration := "-"
			if inst.Metrics != nil && inst.Metrics.DurationMs > 0 {
				duration = formatDurationMs(inst.Metrics.DurationMs)
			} else if inst.StartedAt != nil && inst.CompletedAt != nil {
				duration = formatDurationMs(inst.CompletedAt.Sub(*inst.StartedAt).Milliseconds())
			}

			exitCode := Dim("-")
			if inst.ExitCode != nil {
				exitCode = fmt.Sprintf("%d", *inst.ExitCode)
			}

			rows[i] = []string{
				truncate(inst.ID, 12),
				truncate(inst.JobID, 12),
				formatInstanceStatus(inst.Status),
				agent,
				formatTimestamp(inst.ScheduledAt),
				duration,
				exitCode,
			}
		}

		printTable(headers, rows)
		return nil
	},
}

// instanceGetCmd gets details for a specific instance
var instanceGetCmd = &cobra.Command{
	Use:   "get <instance-id>",
	Short: "Get instance details",
	Long:  `Display detailed information about a specific task instance.`,
	Example: `  # Get instance details
  dispatchctl instance get 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		instanceID := args[0]

		ShowSpinner("Fetching instance details...")
		inst, err := apiClient.GetInstance(ctx, instanceID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get instance: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(inst)
		}

		fmt.Printf("%s\n", Bold("Instance Details"))
		fmt.Printf("  ID:        %s\n", inst.ID)
		fmt.Printf("  Job:       %s\n", inst.JobID)
		if inst.ScheduleID != "" {
			fmt.Printf("  Schedule:  %s\n", inst.ScheduleID)
		}
		fmt.Printf("  Status:    %s\n", formatInstanceStatus(inst.Status))
		if inst.AgentID != "" {
			fmt.Printf("  Agent:     %s\n", inst.AgentID)
		}
		fmt.Printf("  Scheduled: %s\n", formatTimestamp(inst.ScheduledAt))
		if inst.StartedAt != nil {
			fmt.Printf("  Started:   %s\n", formatTimestampPtr(inst.StartedAt))
		}
		if inst.CompletedAt != nil {
			fmt.Printf("  Completed: %s\n", formatTimestampPtr(inst.CompletedAt))
		}
		if inst.ExitCode != nil {
			fmt.Printf("  Exit Code: %d\n", *inst.ExitCode)
		}
		if inst.RetryCount > 0 {
			fmt.Printf("  Retries:   %d\n", inst.RetryCount)
		}
		if inst.ErrorMessage != "" {
			fmt.Printf("  Error:     %s\n", Red(inst.ErrorMessage))
		}

		if inst.Metrics != nil {
			fmt.Printf("\n%s\n", Bold("Resource Metrics"))
			if inst.Metrics.PeakMemoryBytes > 0 {
				fmt.Printf("  Peak Memory: %s\n", formatBytes(inst.Metrics.PeakMemoryBytes))
			}
			if inst.Metrics.CPUPercent > 0 {
				fmt.Printf("  CPU:         %.1f%%\n", inst.Metrics.CPUPercent)
			}
			if inst.Metrics.DurationMs > 0 {
				fmt.Printf("  Duration:    %s\n", formatDurationMs(inst.Metrics.DurationMs))
			}
		}

		return nil
	},
}

// instanceCancelCmd cancels an instance
var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel a task instance",
	Long: `Cancel a pending or running task instance.

Pending instances are cancelled in place. Dispatched instances are
killed on their agent; the terminal status arrives with the agent's
kill report.`,
	Example: `  # Cancel an instance
  dispatchctl instance cancel 0198f6a2-...

  # Cancel with a reason
  dispatchctl instance cancel 0198f6a2-... --reason "superseded"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		instanceID := args[0]
		reason, _ := cmd.Flags().GetString("reason")

		ShowSpinner("Cancelling instance...")
		inst, err := apiClient.CancelInstance(ctx, instanceID, reason)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to cancel instance: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(inst)
		}

		if strings.EqualFold(inst.Status, "cancelled") {
			fmt.Printf("%s Instance cancelled\n", Green("✓"))
		} else {
			fmt.Printf("%s Cancel requested, waiting for agent\n", Green("✓"))
		}
		fmt.Printf("  Instance ID: %s\n", Bold(inst.ID))
		fmt.Printf("  Status:      %s\n", formatInstanceStatus(inst.Status))

		return nil
	},
}

// instanceOutputCmd fetches instance output
var instanceOutputCmd = &cobra.Command{
	Use:   "output <instance-id>",
	Short: "Show instance output",
	Long: `Display the captured output of a task instance.

For running instances, the live tail is shown when available. For
finished instances whose output was archived, a download URL is
printed alongside the stored head.`,
	Example: `  # Show output
  dispatchctl instance output 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		instanceID := args[0]

		ShowSpinner("Fetching output...")
		out, err := apiClient.GetInstanceOutput(ctx, instanceID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get output: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(out)
		}

		if out.Live {
			fmt.Printf("%s instance is still running, output is a live tail\n\n", Dim("→"))
		}

		if out.Output == "" {
			fmt.Println(Dim("No output captured."))
		} else {
			fmt.Println(out.Output)
		}

		if out.OutputURL != "" {
			fmt.Printf("\n%s full output: %s\n", Dim("→"), out.OutputURL)
		}

		return nil
	},
}

func init() {
	// List command flags
	instanceListCmd.Flags().String("status", "", "Filter by status")
	instanceListCmd.Flags().String("job", "", "Filter by job ID")
	instanceListCmd.Flags().Int("limit", 50, "Maximum number of results")
	instanceListCmd.Flags().Int("offset", 0, "Number of results to skip")

	// Cancel command flags
	instanceCancelCmd.Flags().String("reason", "", "Cancellation reason")

	// Add subcommands
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceCancelCmd)
	instanceCmd.AddCommand(instanceOutputCmd)
}

// formatInstanceStatus returns a colored status string
func formatInstanceStatus(status string) string {
	switch strings.ToLower(status) {
	case "pending":
		return Yellow("pending")
	case "acquired":
		return Cyan("acquired")
	case "running":
		return Cyan("running")
	case "succeeded":
		return Green("succeeded")
	case "failed":
		return Red("failed")
	case "timeout":
		return Red("timeout")
	case "killed":
		return Red("killed")
	case "cancelled":
		return Dim("cancelled")
	default:
		return Dim(status)
	}
}
