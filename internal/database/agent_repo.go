package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepo creates a new agent repository.
func NewAgentRepo(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

// Upsert registers an agent or refreshes its registration. The agent
// brings its own ID, so reconnects land on the same row.
func (r *agentRepo) Upsert(ctx context.Context, agent *Agent) error {
	if agent.Labels == nil {
		agent.Labels = map[string]string{}
	}
	err := r.db.pool.QueryRow(ctx, AgentUpsert,
		agent.ID,
		agent.Name,
		agent.Address,
		agent.Labels,
		agent.MaxConcurrency,
		agent.Status,
	).Scan(&agent.RegisteredAt)

	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves an agent by ID.
func (r *agentRepo) Get(ctx context.Context, id uuid.UUID) (*Agent, error) {
	agent, err := scanAgent(r.db.pool.QueryRow(ctx, AgentGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// GetByName retrieves an agent by name.
func (r *agentRepo) GetByName(ctx context.Context, name string) (*Agent, error) {
	agent, err := scanAgent(r.db.pool.QueryRow(ctx, AgentGetByName, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}
	return agent, nil
}

// List returns agents with pagination.
func (r *agentRepo) List(ctx context.Context, page Pagination) ([]Agent, error) {
	page = page.Normalize()
	rows, err := r.db.pool.Query(ctx, AgentList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// ListOnline returns agents whose heartbeat is fresher than ttl.
func (r *agentRepo) ListOnline(ctx context.Context, ttl time.Duration) ([]Agent, error) {
	rows, err := r.db.pool.Query(ctx, AgentListOnline, ttl.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list online agents: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// UpdateHeartbeat advances the agent's heartbeat and status. A heartbeat
// older than the stored one affects zero rows and is dropped silently,
// which keeps the recorded heartbeat monotonic under reordered delivery.
func (r *agentRepo) UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, status AgentStatus) error {
	result, err := r.db.pool.Exec(ctx, AgentUpdateHeartbeat, id, at, status)
	if err != nil {
		return fmt.Errorf("failed to update agent heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish an unknown agent from a stale heartbeat.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SetStatus updates only the agent's status.
func (r *agentRepo) SetStatus(ctx context.Context, id uuid.UUID, status AgentStatus) error {
	result, err := r.db.pool.Exec(ctx, AgentSetStatus, id, status)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleDisconnected marks agents without a recent heartbeat as
// disconnected.
func (r *agentRepo) MarkStaleDisconnected(ctx context.Context, ttl time.Duration) (int64, error) {
	result, err := r.db.pool.Exec(ctx, AgentMarkStaleDisconnected, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale agents disconnected: %w", err)
	}
	return result.RowsAffected(), nil
}

// Delete deletes an agent.
func (r *agentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, AgentDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAgent scans one row into an agent.
func scanAgent(row pgx.Row) (*Agent, error) {
	agent := &Agent{}
	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Address,
		&agent.Labels,
		&agent.MaxConcurrency,
		&agent.Status,
		&agent.LastHeartbeat,
		&agent.RegisteredAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// scanAgents scans rows into a slice of agents.
func scanAgents(rows pgx.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}
