package health

import (
	"context"
	"fmt"
)

// Pinger defines the interface for database health checks.
type Pinger interface {
	// Health pings the database and returns an error if unreachable.
	Health(ctx context.Context) error
}

// DatabaseCheck checks the health of the database connection pool.
type DatabaseCheck struct {
	db        Pinger
	poolStats func() (acquired, idle, max int32)
}

// DatabaseCheckOption configures a DatabaseCheck.
type DatabaseCheckOption func(*DatabaseCheck)

// WithPoolStats supplies connection pool counters for detailed results.
func WithPoolStats(f func() (acquired, idle, max int32)) DatabaseCheckOption {
	return func(c *DatabaseCheck) {
		c.poolStats = f
	}
}

// NewDatabaseCheck creates a new database health check.
func NewDatabaseCheck(db Pinger, opts ...DatabaseCheckOption) *DatabaseCheck {
	c := &DatabaseCheck{db: db}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of the health check.
func (c *DatabaseCheck) Name() string {
	return "database"
}

// Check performs the database health check.
func (c *DatabaseCheck) Check(ctx context.Context) error {
	return c.db.Health(ctx)
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *DatabaseCheck) CheckDetailed(ctx context.Context) Result {
	if err := c.db.Health(ctx); err != nil {
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	result := Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "database is reachable",
	}

	if c.poolStats != nil {
		acquired, idle, max := c.poolStats()
		result.Details = map[string]string{
			"acquired": fmt.Sprintf("%d", acquired),
			"idle":     fmt.Sprintf("%d", idle),
			"max":      fmt.Sprintf("%d", max),
		}
	}

	return result
}
