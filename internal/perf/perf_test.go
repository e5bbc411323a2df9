// ABOUTME: Tests for performance accumulators and derived statistics
// ABOUTME: Covers neutral defaults, per-skill recording and index aggregation

package perf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/store"
)

func TestStats_Defaults(t *testing.T) {
	var s Stats
	assert.Equal(t, NeutralSuccessRate, s.SuccessRate())
	assert.Equal(t, 0.0, s.AvgLatencyMS())
	assert.False(t, s.HasSamples())
}

func TestStats_Derived(t *testing.T) {
	s := Stats{}.Add(&store.SkillMetrics{SuccessCount: 3, FailureCount: 1, TotalDurationMS: 400, SampleCount: 4})
	assert.InDelta(t, 0.75, s.SuccessRate(), 1e-9)
	assert.InDelta(t, 100.0, s.AvgLatencyMS(), 1e-9)
	assert.True(t, s.HasSamples())
}

func TestTracker_RecordTaskOutcome(t *testing.T) {
	ms := store.NewMockStore()
	tr := NewTracker(ms, nil)
	ctx := context.Background()

	require.NoError(t, tr.RecordTaskOutcome(ctx, "", "agent-1", []string{"go", "sql"}, true, 200))
	require.NoError(t, tr.RecordTaskOutcome(ctx, "", "agent-1", nil, false, 50))

	mine, err := tr.ForAgent(ctx, "", "agent-1")
	require.NoError(t, err)
	require.Len(t, mine, 3)

	skills := []string{mine[0].Skill, mine[1].Skill, mine[2].Skill}
	assert.ElementsMatch(t, []string{AnySkill, "go", "sql"}, skills)
}

func TestIndex_Aggregate(t *testing.T) {
	ms := store.NewMockStore()
	tr := NewTracker(ms, nil)
	ctx := context.Background()

	require.NoError(t, tr.RecordOutcome(ctx, "", "agent-1", "go", true, 100))
	require.NoError(t, tr.RecordOutcome(ctx, "", "agent-1", "go", true, 300))
	require.NoError(t, tr.RecordOutcome(ctx, "", "agent-1", "sql", false, 1000))
	require.NoError(t, tr.RecordOutcome(ctx, "", "agent-2", "go", false, 10))

	ix, err := tr.Index(ctx, "")
	require.NoError(t, err)

	goOnly := ix.Aggregate("agent-1", []string{"go"})
	assert.Equal(t, 1.0, goOnly.SuccessRate())
	assert.InDelta(t, 200.0, goOnly.AvgLatencyMS(), 1e-9)

	all := ix.Aggregate("agent-1", nil)
	assert.InDelta(t, 2.0/3.0, all.SuccessRate(), 1e-9)

	unknown := ix.Aggregate("agent-3", []string{"go"})
	assert.Equal(t, NeutralSuccessRate, unknown.SuccessRate())

	assert.Equal(t, 0.0, ix.Aggregate("agent-2", nil).SuccessRate())
}
