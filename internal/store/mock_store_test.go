// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on copy isolation and edge cases specific to the in-memory implementation

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	a, err := store.UpsertAgent(ctx, newTestAgent("agent-1", "code"))
	require.NoError(t, err)
	a.Capabilities[0] = "mutated"
	a.CurrentLoad = 99

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"code"}, got.Capabilities)
	assert.Equal(t, 0, got.CurrentLoad)
}

func TestMockStore_CreateTask_Duplicate(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTestTask("task-1", UrgencyNormal, time.Now())))
	err := store.CreateTask(ctx, newTestTask("task-1", UrgencyNormal, time.Now()))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMockStore_UpdateTask_KeepsImmutableFields(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, newTestTask("task-1", UrgencyHigh, time.Now(), "code")))

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.Title = "changed"
	task.RequiredSkills = []string{"other"}
	task.Reason = "updated"
	require.NoError(t, store.UpdateTask(ctx, task))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task task-1", got.Title)
	assert.Equal(t, []string{"code"}, got.RequiredSkills)
	assert.Equal(t, "updated", got.Reason)
}

func TestMockStore_Close(t *testing.T) {
	store := NewMockStore()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(context.Background()))
}
