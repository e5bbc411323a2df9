// ABOUTME: SQLite methods for agent records and their load counters
// ABOUTME: Load changes are single conditional UPDATEs so concurrent routes cannot overshoot

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `id, scope, name, capabilities, status, current_load, max_concurrent, endpoint, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAgent reads one agent row in agentColumns order
func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var caps, status, createdAt, updatedAt string
	var endpoint sql.NullString

	if err := row.Scan(
		&a.ID,
		&a.Scope,
		&a.Name,
		&caps,
		&status,
		&a.CurrentLoad,
		&a.MaxConcurrent,
		&endpoint,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	a.Status = AgentStatus(status)
	a.Endpoint = endpoint.String
	if a.Capabilities, err = decodeSet(caps); err != nil {
		return nil, fmt.Errorf("parsing capabilities: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// UpsertAgent inserts or updates an agent by id.
// On conflict only name, capabilities, max_concurrent and endpoint change;
// load is clamped if max_concurrent shrank.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	caps, err := encodeSet(NormalizeSkills(agent.Capabilities))
	if err != nil {
		return nil, fmt.Errorf("encoding capabilities: %w", err)
	}

	now := time.Now()
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := agent.Status
	if status == "" {
		status = AgentAvailable
	}

	query := `
		INSERT INTO agents (id, scope, name, capabilities, status, current_load, max_concurrent, endpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			max_concurrent = excluded.max_concurrent,
			endpoint = excluded.endpoint,
			updated_at = excluded.updated_at
		WHERE agents.scope = excluded.scope
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.ID,
		scopeOrDefault(agent.Scope),
		agent.Name,
		caps,
		string(status),
		agent.MaxConcurrent,
		nullString(agent.Endpoint),
		formatTime(createdAt),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting agent: %w", err)
	}
	if err := requireRow(result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("agent %s belongs to another scope: %w", agent.ID, ErrScopeConflict)
		}
		return nil, err
	}

	s.logger.Debug("upserted agent", "id", agent.ID, "name", agent.Name)
	return s.GetAgent(ctx, agent.ID)
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents in a scope ordered by name, optionally filtered by status.
func (s *SQLiteStore) ListAgents(ctx context.Context, scope string, status AgentStatus) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE scope = ?`
	args := []any{scopeOrDefault(scope)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets an agent's status.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) (*Agent, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating agent status: %w", err)
	}
	if err := requireRow(result); err != nil {
		return nil, err
	}

	s.logger.Debug("updated agent status", "id", id, "status", status)
	return s.GetAgent(ctx, id)
}

// DeleteAgent removes an agent and its skill metrics in one transaction.
// Returns the deleted row, or ErrNotFound.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) (*Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM skill_metrics WHERE scope = ? AND agent_id = ?`, a.Scope, id,
	); err != nil {
		return nil, fmt.Errorf("deleting agent metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing agent delete: %w", err)
	}

	s.logger.Debug("deleted agent", "id", id)
	return a, nil
}

// AdjustAgentLoad adds delta to current_load, never below zero. Increments stop
// at max_concurrent; a load already above a lowered cap only drains.
func (s *SQLiteStore) AdjustAgentLoad(ctx context.Context, id string, delta int) (*Agent, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET current_load = MAX(0, MIN(MAX(max_concurrent, current_load), current_load + ?)), updated_at = ?
		WHERE id = ?
	`, delta, formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("adjusting agent load: %w", err)
	}
	if err := requireRow(result); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// AcquireAgentSlot increments current_load if and only if the agent is
// available with spare capacity. The guard and the increment are one statement.
func (s *SQLiteStore) AcquireAgentSlot(ctx context.Context, id string) (*Agent, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET current_load = current_load + 1, updated_at = ?
		WHERE id = ? AND status = 'available' AND current_load < max_concurrent
	`, formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("acquiring agent slot: %w", err)
	}

	if err := requireRow(result); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Distinguish a missing agent from one that failed the guard
		if _, getErr := s.GetAgent(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAgentUnavailable
	}
	return s.GetAgent(ctx, id)
}

// CountAgentsByStatus returns the number of agents in each status for a scope.
func (s *SQLiteStore) CountAgentsByStatus(ctx context.Context, scope string) (map[AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agents WHERE scope = ? GROUP BY status`,
		scopeOrDefault(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("counting agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[AgentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning agent count: %w", err)
		}
		counts[AgentStatus(status)] = n
	}
	return counts, rows.Err()
}

// requireRow maps a zero-row UPDATE/DELETE result to ErrNotFound
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
