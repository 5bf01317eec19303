package health

import (
	"context"
	"fmt"
)

// AgentRegistry defines the interface for agent gateway health checks.
type AgentRegistry interface {
	// OnlineCount returns the number of connected agents.
	OnlineCount() int
}

// GatewayCheck checks the health of the agent gateway.
type GatewayCheck struct {
	registry                AgentRegistry
	maxConnectionsThreshold int
}

// GatewayCheckOption configures a GatewayCheck.
type GatewayCheckOption func(*GatewayCheck)

// WithMaxConnectionsThreshold sets the threshold above which the check reports degraded status.
func WithMaxConnectionsThreshold(threshold int) GatewayCheckOption {
	return func(c *GatewayCheck) {
		c.maxConnectionsThreshold = threshold
	}
}

// NewGatewayCheck creates a new gateway health check.
func NewGatewayCheck(registry AgentRegistry, opts ...GatewayCheckOption) *GatewayCheck {
	c := &GatewayCheck{
		registry:                registry,
		maxConnectionsThreshold: 10000, // Default: warn if > 10k connections
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of the health check.
func (c *GatewayCheck) Name() string {
	return "gateway"
}

// Check performs the gateway health check.
func (c *GatewayCheck) Check(ctx context.Context) error {
	if c.maxConnectionsThreshold > 0 && c.registry.OnlineCount() > c.maxConnectionsThreshold {
		return fmt.Errorf("high connection count: %d", c.registry.OnlineCount())
	}
	return nil
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *GatewayCheck) CheckDetailed(ctx context.Context) Result {
	connCount := c.registry.OnlineCount()

	details := map[string]string{
		"connections": fmt.Sprintf("%d", connCount),
	}

	// Check if we're approaching connection limits
	if c.maxConnectionsThreshold > 0 && connCount > c.maxConnectionsThreshold {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: fmt.Sprintf("high connection count: %d", connCount),
			Details: details,
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "gateway is accepting agent connections",
		Details: details,
	}
}
