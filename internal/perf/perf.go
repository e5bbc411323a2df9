// ABOUTME: Per-agent, per-skill performance accumulators used to rank agents
// ABOUTME: Records task outcomes and derives success rate and average latency

package perf

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/coven-dispatch/internal/store"
)

// AnySkill is the accumulator key used for tasks that require no skills.
const AnySkill = "*"

// NeutralSuccessRate is reported when an agent has no recorded outcomes.
const NeutralSuccessRate = 0.5

// Stats is an aggregate over one or more accumulators.
type Stats struct {
	Successes       int64
	Failures        int64
	TotalDurationMS int64
	Samples         int64
}

// Add folds an accumulator into the aggregate.
func (s Stats) Add(m *store.SkillMetrics) Stats {
	s.Successes += m.SuccessCount
	s.Failures += m.FailureCount
	s.TotalDurationMS += m.TotalDurationMS
	s.Samples += m.SampleCount
	return s
}

// SuccessRate is successes / (successes + failures), or NeutralSuccessRate with no samples.
func (s Stats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return NeutralSuccessRate
	}
	return float64(s.Successes) / float64(total)
}

// AvgLatencyMS is total duration / samples, or 0 with no samples.
func (s Stats) AvgLatencyMS() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.TotalDurationMS) / float64(s.Samples)
}

// HasSamples reports whether any outcome contributed to the aggregate.
func (s Stats) HasSamples() bool {
	return s.Samples > 0
}

// Index groups accumulators by agent id for ranking.
type Index map[string][]*store.SkillMetrics

// NewIndex builds an Index from a flat accumulator list.
func NewIndex(metrics []*store.SkillMetrics) Index {
	ix := make(Index)
	for _, m := range metrics {
		ix[m.AgentID] = append(ix[m.AgentID], m)
	}
	return ix
}

// Aggregate sums an agent's accumulators for the given skills.
// With no skills every accumulator of the agent counts.
func (ix Index) Aggregate(agentID string, skills []string) Stats {
	var s Stats
	for _, m := range ix[agentID] {
		if len(skills) == 0 || slices.Contains(skills, m.Skill) {
			s = s.Add(m)
		}
	}
	return s
}

// Tracker records outcomes and serves accumulators.
type Tracker struct {
	store  store.MetricsStore
	logger *slog.Logger
}

// NewTracker creates a Tracker over the given store.
func NewTracker(s store.MetricsStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		logger: logger.With("component", "perf"),
	}
}

// RecordOutcome adds one completion outcome for (agent, skill).
func (t *Tracker) RecordOutcome(ctx context.Context, scope, agentID, skill string, success bool, durationMS int64) error {
	if skill == "" {
		skill = AnySkill
	}
	if err := t.store.RecordOutcome(ctx, scope, agentID, skill, success, durationMS); err != nil {
		return fmt.Errorf("recording outcome for %s/%s: %w", agentID, skill, err)
	}
	t.logger.Debug("outcome recorded",
		"agent_id", agentID,
		"skill", skill,
		"success", success,
		"duration_ms", durationMS,
	)
	return nil
}

// RecordTaskOutcome records one outcome per required skill of a task, or a
// single AnySkill outcome when the task requires none.
func (t *Tracker) RecordTaskOutcome(ctx context.Context, scope, agentID string, skills []string, success bool, durationMS int64) error {
	if len(skills) == 0 {
		skills = []string{AnySkill}
	}
	for _, skill := range skills {
		if err := t.RecordOutcome(ctx, scope, agentID, skill, success, durationMS); err != nil {
			return err
		}
	}
	return nil
}

// All returns every accumulator in a scope.
func (t *Tracker) All(ctx context.Context, scope string) ([]*store.SkillMetrics, error) {
	return t.store.ListSkillMetrics(ctx, scope)
}

// ForAgent returns the accumulators of one agent.
func (t *Tracker) ForAgent(ctx context.Context, scope, agentID string) ([]*store.SkillMetrics, error) {
	return t.store.ListAgentSkillMetrics(ctx, scope, agentID)
}

// Index returns every accumulator in a scope grouped by agent.
func (t *Tracker) Index(ctx context.Context, scope string) (Index, error) {
	all, err := t.All(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading metrics index: %w", err)
	}
	return NewIndex(all), nil
}
