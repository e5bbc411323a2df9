// ABOUTME: SQLite methods for per-agent, per-skill outcome accumulators
// ABOUTME: Each outcome is a single upsert that increments counters in place

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const skillMetricsColumns = `scope, agent_id, skill, success_count, failure_count, total_duration_ms, sample_count, last_completed_at`

func scanSkillMetrics(row rowScanner) (*SkillMetrics, error) {
	var m SkillMetrics
	var last sql.NullString
	if err := row.Scan(
		&m.Scope,
		&m.AgentID,
		&m.Skill,
		&m.SuccessCount,
		&m.FailureCount,
		&m.TotalDurationMS,
		&m.SampleCount,
		&last,
	); err != nil {
		return nil, err
	}
	var err error
	if m.LastCompletedAt, err = parseNullTime(last); err != nil {
		return nil, fmt.Errorf("parsing last_completed_at: %w", err)
	}
	return &m, nil
}

// RecordOutcome adds one outcome to the (scope, agent, skill) accumulator,
// creating it on first use. Negative durations are recorded as zero.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, scope, agentID, skill string, success bool, durationMS int64) error {
	if durationMS < 0 {
		durationMS = 0
	}
	successInc, failureInc := 0, 1
	if success {
		successInc, failureInc = 1, 0
	}

	query := `
		INSERT INTO skill_metrics (scope, agent_id, skill, success_count, failure_count,
			total_duration_ms, sample_count, last_completed_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (scope, agent_id, skill) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms,
			sample_count = sample_count + 1,
			last_completed_at = excluded.last_completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		scopeOrDefault(scope),
		agentID,
		skill,
		successInc,
		failureInc,
		durationMS,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// ListSkillMetrics returns every accumulator in a scope.
func (s *SQLiteStore) ListSkillMetrics(ctx context.Context, scope string) ([]*SkillMetrics, error) {
	return s.querySkillMetrics(ctx,
		`SELECT `+skillMetricsColumns+` FROM skill_metrics WHERE scope = ? ORDER BY agent_id, skill`,
		scopeOrDefault(scope),
	)
}

// ListAgentSkillMetrics returns the accumulators of one agent.
func (s *SQLiteStore) ListAgentSkillMetrics(ctx context.Context, scope, agentID string) ([]*SkillMetrics, error) {
	return s.querySkillMetrics(ctx,
		`SELECT `+skillMetricsColumns+` FROM skill_metrics WHERE scope = ? AND agent_id = ? ORDER BY skill`,
		scopeOrDefault(scope), agentID,
	)
}

func (s *SQLiteStore) querySkillMetrics(ctx context.Context, query string, args ...any) ([]*SkillMetrics, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying skill metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SkillMetrics
	for rows.Next() {
		m, err := scanSkillMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning skill metrics row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating skill metrics rows: %w", err)
	}
	return out, nil
}
