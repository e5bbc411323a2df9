// ABOUTME: Tests for the async notifier wrapper and fan-out
// ABOUTME: Verifies failures are swallowed and deliveries detach from caller cancellation

package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsync_SwallowsErrors(t *testing.T) {
	var calls atomic.Int32
	inner := NotifierFunc(func(context.Context, Event) error {
		calls.Add(1)
		return errors.New("endpoint down")
	})
	a := NewAsync(inner, time.Second, nil)

	err := a.Notify(context.Background(), Event{Type: TaskAssigned, TaskID: "rt_1"})
	assert.NoError(t, err)
	a.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestAsync_DoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	inner := NotifierFunc(func(context.Context, Event) error {
		<-release
		return nil
	})
	a := NewAsync(inner, time.Second, nil)

	done := make(chan struct{})
	go func() {
		_ = a.Notify(context.Background(), Event{Type: TaskCompleted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on delivery")
	}
	close(release)
	a.Wait()
}

func TestAsync_DetachedFromCallerCancellation(t *testing.T) {
	var sawCancel atomic.Bool
	inner := NotifierFunc(func(ctx context.Context, _ Event) error {
		time.Sleep(20 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})
	a := NewAsync(inner, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Notify(ctx, Event{Type: TaskEscalated}))
	cancel()
	a.Wait()
	assert.False(t, sawCancel.Load())
}

func TestAsync_StampsTimestamp(t *testing.T) {
	got := make(chan Event, 1)
	a := NewAsync(NotifierFunc(func(_ context.Context, e Event) error {
		got <- e
		return nil
	}), time.Second, nil)

	require.NoError(t, a.Notify(context.Background(), Event{Type: TaskAssigned}))
	a.Wait()
	assert.False(t, (<-got).Timestamp.IsZero())
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var delivered atomic.Int32
	ok := NotifierFunc(func(context.Context, Event) error {
		delivered.Add(1)
		return nil
	})
	boom := errors.New("boom")
	failing := NotifierFunc(func(context.Context, Event) error {
		delivered.Add(1)
		return boom
	})

	err := Multi{failing, ok, Nop}.Notify(context.Background(), Event{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), delivered.Load())
}
