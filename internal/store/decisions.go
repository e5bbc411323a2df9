// ABOUTME: SQLite methods for the append-only routing decision log
// ABOUTME: Candidate rankings are stored as JSON alongside each decision

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AppendDecision records a routing decision. ID and CreatedAt are filled in
// when empty.
func (s *SQLiteStore) AppendDecision(ctx context.Context, d *RoutingDecision) error {
	args, err := decisionArgs(d)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO routing_decisions (id, scope, task_id, agent_id, outcome, score, reason, candidates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting routing decision: %w", err)
	}
	return nil
}

// AppendDecisionIfPending records d only while task d.TaskID is still pending
// at the given version. The check and the insert are one statement. Returns
// ErrConflict when the task has moved on and ErrNotFound when it is gone.
func (s *SQLiteStore) AppendDecisionIfPending(ctx context.Context, d *RoutingDecision, version int64) error {
	args, err := decisionArgs(d)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO routing_decisions (id, scope, task_id, agent_id, outcome, score, reason, candidates, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = ? AND version = ? AND status = 'pending')
	`
	result, err := s.db.ExecContext(ctx, query, append(args, d.TaskID, version)...)
	if err != nil {
		return fmt.Errorf("inserting routing decision: %w", err)
	}
	if err := requireRow(result); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, getErr := s.GetTask(ctx, d.TaskID); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// decisionArgs fills in defaults and returns the insert arguments in column order.
func decisionArgs(d *RoutingDecision) ([]any, error) {
	if d.ID == "" {
		d.ID = NewDecisionID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.Scope = scopeOrDefault(d.Scope)

	candidates := d.Candidates
	if candidates == nil {
		candidates = []CandidateScore{}
	}
	data, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("encoding candidates: %w", err)
	}
	return []any{
		d.ID,
		d.Scope,
		d.TaskID,
		nullString(d.AgentID),
		string(d.Outcome),
		d.Score,
		nullString(d.Reason),
		string(data),
		formatTime(d.CreatedAt),
	}, nil
}

// ListDecisions returns the decisions recorded for a task, oldest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, taskID string) ([]*RoutingDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, task_id, agent_id, outcome, score, reason, candidates, created_at
		FROM routing_decisions
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying routing decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RoutingDecision
	for rows.Next() {
		var d RoutingDecision
		var agentID, reason sql.NullString
		var outcome, candidates, createdAt string
		if err := rows.Scan(&d.ID, &d.Scope, &d.TaskID, &agentID, &outcome, &d.Score, &reason, &candidates, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning routing decision: %w", err)
		}
		d.AgentID = agentID.String
		d.Reason = reason.String
		d.Outcome = DecisionOutcome(outcome)
		if err := json.Unmarshal([]byte(candidates), &d.Candidates); err != nil {
			return nil, fmt.Errorf("parsing candidates: %w", err)
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routing decisions: %w", err)
	}
	return out, nil
}

// CountDecisions returns the number of routing decisions in a scope.
func (s *SQLiteStore) CountDecisions(ctx context.Context, scope string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM routing_decisions WHERE scope = ?`, scopeOrDefault(scope),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting routing decisions: %w", err)
	}
	return n, nil
}
