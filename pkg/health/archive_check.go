package health

import (
	"context"
)

// ObjectStore defines the interface for output archive health checks.
type ObjectStore interface {
	// HealthCheck returns an error if the storage backend is unreachable.
	HealthCheck(ctx context.Context) error
}

// ArchiveCheck checks the health of the output archive backend.
type ArchiveCheck struct {
	store ObjectStore
}

// NewArchiveCheck creates a new archive health check.
func NewArchiveCheck(store ObjectStore) *ArchiveCheck {
	return &ArchiveCheck{store: store}
}

// Name returns the name of the health check.
func (c *ArchiveCheck) Name() string {
	return "archive"
}

// Check performs the archive health check.
func (c *ArchiveCheck) Check(ctx context.Context) error {
	return c.store.HealthCheck(ctx)
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *ArchiveCheck) CheckDetailed(ctx context.Context) Result {
	if err := c.store.HealthCheck(ctx); err != nil {
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "archive backend is reachable",
	}
}
