// ABOUTME: Contract tests run against both SQLiteStore and MockStore
// ABOUTME: Covers agent upsert/load guards, task versioning, metrics and decisions

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func newTestAgent(id string, caps ...string) *Agent {
	return &Agent{
		ID:            id,
		Name:          id,
		Capabilities:  caps,
		MaxConcurrent: 2,
	}
}

func newTestTask(id string, urgency Urgency, createdAt time.Time, skills ...string) *Task {
	return &Task{
		ID:             id,
		Title:          "task " + id,
		RequiredSkills: skills,
		Urgency:        urgency,
		TimeoutSeconds: 3600,
		MaxRetries:     2,
		Status:         TaskPending,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestStore_UpsertAgent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a, err := s.UpsertAgent(ctx, newTestAgent("agent-1", "Code", " review ", "code"))
		require.NoError(t, err)
		assert.Equal(t, DefaultScope, a.Scope)
		assert.Equal(t, AgentAvailable, a.Status)
		assert.Equal(t, 0, a.CurrentLoad)
		assert.Equal(t, []string{"code", "review"}, a.Capabilities)

		_, err = s.UpdateAgentStatus(ctx, "agent-1", AgentBusy)
		require.NoError(t, err)
		_, err = s.AdjustAgentLoad(ctx, "agent-1", 1)
		require.NoError(t, err)

		// Re-registering never touches status or load
		update := newTestAgent("agent-1", "deploy")
		update.Name = "renamed"
		update.MaxConcurrent = 5
		a, err = s.UpsertAgent(ctx, update)
		require.NoError(t, err)
		assert.Equal(t, "renamed", a.Name)
		assert.Equal(t, []string{"deploy"}, a.Capabilities)
		assert.Equal(t, 5, a.MaxConcurrent)
		assert.Equal(t, AgentBusy, a.Status)
		assert.Equal(t, 1, a.CurrentLoad)
	})
}

func TestStore_UpsertAgent_ShrinkPreservesLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		agent := newTestAgent("agent-1")
		agent.MaxConcurrent = 3
		_, err := s.UpsertAgent(ctx, agent)
		require.NoError(t, err)
		for range 3 {
			_, err = s.AcquireAgentSlot(ctx, "agent-1")
			require.NoError(t, err)
		}

		// Three tasks are still in flight after the cap drops
		agent.MaxConcurrent = 1
		a, err := s.UpsertAgent(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, 3, a.CurrentLoad)
		_, err = s.AcquireAgentSlot(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrAgentUnavailable)

		// Restoring the cap does not free a slot
		agent.MaxConcurrent = 3
		a, err = s.UpsertAgent(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, 3, a.CurrentLoad)
		_, err = s.AcquireAgentSlot(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrAgentUnavailable)

		a, err = s.AdjustAgentLoad(ctx, "agent-1", -1)
		require.NoError(t, err)
		assert.Equal(t, 2, a.CurrentLoad)
		a, err = s.AcquireAgentSlot(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 3, a.CurrentLoad)
	})
}

func TestStore_AdjustAgentLoad_DrainsAboveLoweredCap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		agent := newTestAgent("agent-1")
		agent.MaxConcurrent = 4
		_, err := s.UpsertAgent(ctx, agent)
		require.NoError(t, err)
		_, err = s.AdjustAgentLoad(ctx, "agent-1", 3)
		require.NoError(t, err)

		agent.MaxConcurrent = 1
		_, err = s.UpsertAgent(ctx, agent)
		require.NoError(t, err)

		for _, want := range []int{2, 1, 0, 0} {
			a, err := s.AdjustAgentLoad(ctx, "agent-1", -1)
			require.NoError(t, err)
			assert.Equal(t, want, a.CurrentLoad)
		}
	})
}

func TestStore_UpsertAgent_RejectsOtherScope(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := newTestAgent("agent-1", "code")
		owner.Scope = "team-a"
		_, err := s.UpsertAgent(ctx, owner)
		require.NoError(t, err)

		intruder := newTestAgent("agent-1", "deploy")
		intruder.Scope = "team-b"
		intruder.Name = "intruder"
		_, err = s.UpsertAgent(ctx, intruder)
		assert.ErrorIs(t, err, ErrScopeConflict)

		got, err := s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "team-a", got.Scope)
		assert.Equal(t, "agent-1", got.Name)
		assert.Equal(t, []string{"code"}, got.Capabilities)
	})
}

func TestStore_GetAgent_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetAgent(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.UpdateAgentStatus(context.Background(), "missing", AgentOffline)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.DeleteAgent(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListAgents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			_, err := s.UpsertAgent(ctx, newTestAgent(id))
			require.NoError(t, err)
		}
		other := newTestAgent("z")
		other.Scope = "other"
		_, err := s.UpsertAgent(ctx, other)
		require.NoError(t, err)
		_, err = s.UpdateAgentStatus(ctx, "b", AgentOffline)
		require.NoError(t, err)

		all, err := s.ListAgents(ctx, "", "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, "b", all[1].ID)
		assert.Equal(t, "c", all[2].ID)

		offline, err := s.ListAgents(ctx, DefaultScope, AgentOffline)
		require.NoError(t, err)
		require.Len(t, offline, 1)
		assert.Equal(t, "b", offline[0].ID)

		counts, err := s.CountAgentsByStatus(ctx, DefaultScope)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[AgentAvailable])
		assert.Equal(t, 1, counts[AgentOffline])
	})
}

func TestStore_AdjustAgentLoad_Clamps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertAgent(ctx, newTestAgent("agent-1"))
		require.NoError(t, err)

		a, err := s.AdjustAgentLoad(ctx, "agent-1", -1)
		require.NoError(t, err)
		assert.Equal(t, 0, a.CurrentLoad)

		a, err = s.AdjustAgentLoad(ctx, "agent-1", 10)
		require.NoError(t, err)
		assert.Equal(t, 2, a.CurrentLoad)

		_, err = s.AdjustAgentLoad(ctx, "missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AcquireAgentSlot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertAgent(ctx, newTestAgent("agent-1"))
		require.NoError(t, err)

		a, err := s.AcquireAgentSlot(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 1, a.CurrentLoad)

		a, err = s.AcquireAgentSlot(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 2, a.CurrentLoad)

		_, err = s.AcquireAgentSlot(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrAgentUnavailable)

		_, err = s.AdjustAgentLoad(ctx, "agent-1", -2)
		require.NoError(t, err)
		_, err = s.UpdateAgentStatus(ctx, "agent-1", AgentBusy)
		require.NoError(t, err)
		_, err = s.AcquireAgentSlot(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrAgentUnavailable)

		_, err = s.AcquireAgentSlot(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AcquireAgentSlot_Concurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		agent := newTestAgent("agent-1")
		agent.MaxConcurrent = 3
		_, err := s.UpsertAgent(ctx, agent)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		acquired := 0
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.AcquireAgentSlot(ctx, "agent-1"); err == nil {
					mu.Lock()
					acquired++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, acquired)
		a, err := s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 3, a.CurrentLoad)
	})
}

func TestStore_DeleteAgent_RemovesMetrics(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertAgent(ctx, newTestAgent("agent-1"))
		require.NoError(t, err)
		require.NoError(t, s.RecordOutcome(ctx, DefaultScope, "agent-1", "code", true, 100))

		deleted, err := s.DeleteAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", deleted.ID)

		metrics, err := s.ListAgentSkillMetrics(ctx, DefaultScope, "agent-1")
		require.NoError(t, err)
		assert.Empty(t, metrics)
	})
}

func TestStore_TaskLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Now().UTC().Truncate(time.Millisecond)
		task := newTestTask("task-1", UrgencyHigh, created, "Code", "code")
		task.CallbackURL = "https://example.com/cb"
		require.NoError(t, s.CreateTask(ctx, task))

		got, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"code"}, got.RequiredSkills)
		assert.Equal(t, UrgencyHigh, got.Urgency)
		assert.Equal(t, "https://example.com/cb", got.CallbackURL)
		assert.True(t, got.CreatedAt.Equal(created))
		assert.Nil(t, got.AssignedAt)
		assert.Equal(t, int64(0), got.Version)

		assignedAt := created.Add(time.Second)
		got.Status = TaskAssigned
		got.AssignedTo = "agent-1"
		got.AssignedAt = &assignedAt
		require.NoError(t, s.UpdateTask(ctx, got))
		assert.Equal(t, int64(1), got.Version)

		reread, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, TaskAssigned, reread.Status)
		assert.Equal(t, "agent-1", reread.AssignedTo)
		require.NotNil(t, reread.AssignedAt)
		assert.True(t, reread.AssignedAt.Equal(assignedAt))
		assert.Equal(t, int64(1), reread.Version)

		reread.Status = TaskCompleted
		reread.AssignedTo = ""
		reread.AssignedAt = nil
		reread.Result = json.RawMessage(`{"ok":true}`)
		require.NoError(t, s.UpdateTask(ctx, reread))

		final, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, final.Status)
		assert.JSONEq(t, `{"ok":true}`, string(final.Result))
	})
}

func TestStore_UpdateTask_Conflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("task-1", UrgencyNormal, time.Now())))

		first, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		second, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)

		first.Reason = "first writer"
		require.NoError(t, s.UpdateTask(ctx, first))

		second.Reason = "second writer"
		err = s.UpdateTask(ctx, second)
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, int64(0), second.Version, "version untouched on conflict")

		got, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "first writer", got.Reason)

		missing := newTestTask("missing", UrgencyNormal, time.Now())
		assert.ErrorIs(t, s.UpdateTask(ctx, missing), ErrNotFound)
	})
}

func TestStore_DeleteTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("task-1", UrgencyNormal, time.Now())))

		task, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		now := time.Now()
		task.Status = TaskAssigned
		task.AssignedTo = "agent-1"
		task.AssignedAt = &now
		require.NoError(t, s.UpdateTask(ctx, task))

		deleted, err := s.DeleteTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, TaskAssigned, deleted.Status)
		assert.Equal(t, "agent-1", deleted.AssignedTo)

		_, err = s.DeleteTask(ctx, "task-1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetTask(ctx, "task-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListTasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()
		for i := range 5 {
			task := newTestTask(fmt.Sprintf("task-%d", i), UrgencyNormal, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.CreateTask(ctx, task))
		}
		assigned, err := s.GetTask(ctx, "task-2")
		require.NoError(t, err)
		now := time.Now()
		assigned.Status = TaskAssigned
		assigned.AssignedTo = "agent-1"
		assigned.AssignedAt = &now
		require.NoError(t, s.UpdateTask(ctx, assigned))

		all, err := s.ListTasks(ctx, TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "task-4", all[0].ID, "newest first")
		assert.Equal(t, "task-0", all[4].ID)

		limited, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		pending, err := s.ListTasks(ctx, TaskFilter{Status: TaskPending})
		require.NoError(t, err)
		assert.Len(t, pending, 4)

		byAgent, err := s.ListTasks(ctx, TaskFilter{AssignedTo: "agent-1"})
		require.NoError(t, err)
		require.Len(t, byAgent, 1)
		assert.Equal(t, "task-2", byAgent[0].ID)

		otherScope, err := s.ListTasks(ctx, TaskFilter{Scope: "other"})
		require.NoError(t, err)
		assert.Empty(t, otherScope)

		counts, err := s.CountTasksByStatus(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 4, counts[TaskPending])
		assert.Equal(t, 1, counts[TaskAssigned])
	})
}

func TestStore_ListTasksByStatus_UrgencyThenAge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()
		tasks := []*Task{
			newTestTask("low-old", UrgencyLow, base),
			newTestTask("normal-new", UrgencyNormal, base.Add(3*time.Second)),
			newTestTask("critical-new", UrgencyCritical, base.Add(4*time.Second)),
			newTestTask("normal-old", UrgencyNormal, base.Add(time.Second)),
			newTestTask("high", UrgencyHigh, base.Add(2*time.Second)),
		}
		for _, task := range tasks {
			require.NoError(t, s.CreateTask(ctx, task))
		}

		got, err := s.ListTasksByStatus(ctx, DefaultScope, TaskPending)
		require.NoError(t, err)
		ids := make([]string, len(got))
		for i, task := range got {
			ids[i] = task.ID
		}
		assert.Equal(t, []string{"critical-new", "high", "normal-old", "normal-new", "low-old"}, ids)
	})
}

func TestStore_RecordOutcome(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RecordOutcome(ctx, "", "agent-1", "code", true, 100))
		require.NoError(t, s.RecordOutcome(ctx, "", "agent-1", "code", false, 300))
		require.NoError(t, s.RecordOutcome(ctx, "", "agent-1", "review", true, -5))
		require.NoError(t, s.RecordOutcome(ctx, "", "agent-2", "code", true, 50))

		mine, err := s.ListAgentSkillMetrics(ctx, DefaultScope, "agent-1")
		require.NoError(t, err)
		require.Len(t, mine, 2)

		code := mine[0]
		assert.Equal(t, "code", code.Skill)
		assert.Equal(t, int64(1), code.SuccessCount)
		assert.Equal(t, int64(1), code.FailureCount)
		assert.Equal(t, int64(400), code.TotalDurationMS)
		assert.Equal(t, int64(2), code.SampleCount)
		assert.NotNil(t, code.LastCompletedAt)

		review := mine[1]
		assert.Equal(t, int64(0), review.TotalDurationMS, "negative durations clamp to zero")

		all, err := s.ListSkillMetrics(ctx, DefaultScope)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestStore_Decisions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()

		noMatch := &RoutingDecision{
			TaskID:    "task-1",
			Outcome:   DecisionNoMatch,
			Reason:    "No matching agent available",
			CreatedAt: base,
		}
		require.NoError(t, s.AppendDecision(ctx, noMatch))
		assert.NotEmpty(t, noMatch.ID)

		assigned := &RoutingDecision{
			TaskID:  "task-1",
			AgentID: "agent-1",
			Outcome: DecisionAssigned,
			Score:   0.8,
			Candidates: []CandidateScore{
				{AgentID: "agent-1", Score: 0.8, Reasons: []string{"success rate 1.00"}},
				{AgentID: "agent-2", Score: 0.4},
			},
			CreatedAt: base.Add(time.Second),
		}
		require.NoError(t, s.AppendDecision(ctx, assigned))
		require.NoError(t, s.AppendDecision(ctx, &RoutingDecision{TaskID: "task-2", Outcome: DecisionNoMatch}))

		got, err := s.ListDecisions(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, DecisionNoMatch, got[0].Outcome)
		assert.Empty(t, got[0].AgentID)
		assert.Equal(t, DecisionAssigned, got[1].Outcome)
		assert.Equal(t, "agent-1", got[1].AgentID)
		require.Len(t, got[1].Candidates, 2)
		assert.Equal(t, []string{"success rate 1.00"}, got[1].Candidates[0].Reasons)

		n, err := s.CountDecisions(ctx, DefaultScope)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestStore_AppendDecisionIfPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("task-1", UrgencyNormal, time.Now())))
		task, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		stale := task.Version

		noMatch := func() *RoutingDecision {
			return &RoutingDecision{TaskID: "task-1", Outcome: DecisionNoMatch}
		}
		require.NoError(t, s.AppendDecisionIfPending(ctx, noMatch(), stale))

		task.Reason = "touched"
		require.NoError(t, s.UpdateTask(ctx, task))
		assert.ErrorIs(t, s.AppendDecisionIfPending(ctx, noMatch(), stale), ErrConflict)
		require.NoError(t, s.AppendDecisionIfPending(ctx, noMatch(), task.Version))

		now := time.Now()
		task.Status = TaskAssigned
		task.AssignedTo = "agent-1"
		task.AssignedAt = &now
		require.NoError(t, s.UpdateTask(ctx, task))
		assert.ErrorIs(t, s.AppendDecisionIfPending(ctx, noMatch(), task.Version), ErrConflict,
			"assigned tasks never get a no-match entry")

		err = s.AppendDecisionIfPending(ctx, &RoutingDecision{TaskID: "missing", Outcome: DecisionNoMatch}, 0)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.ListDecisions(ctx, "task-1")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestNormalizeSkills(t *testing.T) {
	assert.Equal(t, []string{}, NormalizeSkills(nil))
	assert.Equal(t, []string{"a", "b"}, NormalizeSkills([]string{" B", "a", "", "b", "A "}))
}

func TestUrgencyRank(t *testing.T) {
	assert.Less(t, UrgencyCritical.Rank(), UrgencyHigh.Rank())
	assert.Less(t, UrgencyHigh.Rank(), UrgencyNormal.Rank())
	assert.Less(t, UrgencyNormal.Rank(), UrgencyLow.Rank())
	assert.Equal(t, UrgencyNormal.Rank(), Urgency("").Rank())
}

func TestIDPrefixes(t *testing.T) {
	assert.Regexp(t, `^ra_[0-9a-f]{24}$`, NewAgentID())
	assert.Regexp(t, `^rt_[0-9a-f]{24}$`, NewTaskID())
	assert.Regexp(t, `^rd_[0-9a-f]{24}$`, NewDecisionID())
	assert.NotEqual(t, NewTaskID(), NewTaskID())
}

func TestStore_ListActiveScopes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		for i, scope := range []string{"zeta", "alpha", "alpha", "done"} {
			task := newTestTask(fmt.Sprintf("task-%d", i), UrgencyNormal, now)
			task.Scope = scope
			require.NoError(t, s.CreateTask(ctx, task))
		}
		done, err := s.GetTask(ctx, "task-3")
		require.NoError(t, err)
		done.Status = TaskEscalated
		require.NoError(t, s.UpdateTask(ctx, done))

		scopes, err := s.ListActiveScopes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, scopes)
	})
}
