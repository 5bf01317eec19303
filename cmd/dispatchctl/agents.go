package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// agentCmd is the parent command for agent operations
var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"agents"},
	Short:   "Manage dispatchd agents",
	Long:    `Commands for viewing and managing dispatchd execution agents.`,
}

// agentListCmd lists all agents
var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all agents",
	Long: `List registered agents with their current status.

Filters:
  --name      Exact name lookup
  --online    Show only agents with a fresh heartbeat
  --limit     Maximum number of results`,
	Example: `  # List all agents
  dispatchctl agent list

  # List only online agents
  dispatchctl agent list --online

  # Look up an agent by name
  dispatchctl agent list --name worker-03`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		name, _ := cmd.Flags().GetString("name")
		onlineOnly, _ := cmd.Flags().GetBool("online")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching agents...")
		resp, err := apiClient.ListAgents(ctx, name, onlineOnly, limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Agents) == 0 {
			fmt.Println(Dim("No agents found."))
			return nil
		}

		headers := []string{"ID", "NAME", "STATUS", "CAPACITY", "LABELS", "LAST HEARTBEAT"}
		rows := make([][]string, len(resp.Agents))
		for i, a := range resp.Agents {
			rows[i] = []string{
				truncate(a.ID, 12),
				a.Name,
				formatAgentStatus(a.Status, a.Online),
				fmt.Sprintf("%d", a.MaxConcurrency),
				truncate(formatLabels(a.Labels), 30),
				formatTimestamp(a.LastHeartbeat),
			}
		}

		printTable(headers, rows)
		return nil
	},
}

// agentGetCmd gets details for a specific agent
var agentGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Get agent details",
	Long:  `Display detailed information about a specific agent.`,
	Example: `  # Get agent details
  dispatchctl agent get 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agentID := args[0]

		ShowSpinner("Fetching agent details...")
		agent, err := apiClient.GetAgent(ctx, agentID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get agent: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(agent)
		}

		fmt.Printf("%s\n", Bold("Agent Details"))
		fmt.Printf("  ID:             %s\n", agent.ID)
		fmt.Printf("  Name:           %s\n", agent.Name)
		fmt.Printf("  Status:         %s\n", formatAgentStatus(agent.Status, agent.Online))
		if agent.Address != "" {
			fmt.Printf("  Address:        %s\n", agent.Address)
		}
		fmt.Printf("  Max Concurrency: %d\n", agent.MaxConcurrency)
		fmt.Printf("  Registered:     %s\n", formatTimestamp(agent.RegisteredAt))
		fmt.Printf("  Last Heartbeat: %s\n", formatTimestamp(agent.LastHeartbeat))

		if len(agent.Labels) > 0 {
			fmt.Printf("\n%s\n", Bold("Labels"))
			keys := make([]string, 0, len(agent.Labels))
			for k := range agent.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, agent.Labels[k])
			}
		}

		return nil
	},
}

// agentDrainCmd drains an agent
var agentDrainCmd = &cobra.Command{
	Use:   "drain <agent-id>",
	Short: "Drain an agent",
	Long: `Put an agent into draining mode.

A draining agent finishes its running tasks but is excluded from
dispatch. Draining survives heartbeats; a reconnect clears it.`,
	Example: `  # Drain an agent for maintenance
  dispatchctl agent drain 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agentID := args[0]

		ShowSpinner("Draining agent...")
		agent, err := apiClient.DrainAgent(ctx, agentID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to drain agent: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(agent)
		}

		fmt.Printf("%s Agent %s is now draining\n", Green("✓"), Bold(agent.Name))
		fmt.Printf("  Status: %s\n", formatAgentStatus(agent.Status, agent.Online))

		return nil
	},
}

// agentUndrainCmd undrains an agent
var agentUndrainCmd = &cobra.Command{
	Use:   "undrain <agent-id>",
	Short: "Undrain an agent",
	Long: `Remove an agent from draining mode.

The agent resumes acquiring work on its next poll.`,
	Example: `  # Undrain an agent
  dispatchctl agent undrain 0198f6a2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agentID := args[0]

		ShowSpinner("Undraining agent...")
		agent, err := apiClient.UndrainAgent(ctx, agentID)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to undrain agent: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(agent)
		}

		fmt.Printf("%s Agent %s is back in rotation\n", Green("✓"), Bold(agent.Name))
		fmt.Printf("  Status: %s\n", formatAgentStatus(agent.Status, agent.Online))

		return nil
	},
}

func init() {
	// List command flags
	agentListCmd.Flags().String("name", "", "Exact name lookup")
	agentListCmd.Flags().Bool("online", false, "Show only online agents")
	agentListCmd.Flags().Int("limit", 50, "Maximum number of results")
	agentListCmd.Flags().Int("offset", 0, "Number of results to skip")

	// Add subcommands
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentGetCmd)
	agentCmd.AddCommand(agentDrainCmd)
	agentCmd.AddCommand(agentUndrainCmd)
}

// formatAgentStatus returns a colored status string
func formatAgentStatus(status string, online bool) string {
	switch strings.ToLower(status) {
	case "registered":
		if online {
			return Green("registered")
		}
		return Yellow("registered (stale)")
	case "connected":
		return Cyan("connected")
	case "draining":
		return Yellow("draining")
	case "disconnected":
		return Red("disconnected")
	default:
		return Dim(status)
	}
}

// formatLabels renders a label map as k=v pairs in stable order
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return Dim("-")
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
