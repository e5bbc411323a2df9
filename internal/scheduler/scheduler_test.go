// ABOUTME: Tests for the maintenance scheduler
// ABOUTME: Uses a fake sweeper to check scope fan-out, error reporting and schedule validation

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/telemetry"
)

type fakeSweeper struct {
	mu      sync.Mutex
	scopes  []string
	calls   []string
	failFor string
	ran     chan string
}

func (f *fakeSweeper) ActiveScopes(context.Context) ([]string, error) {
	return f.scopes, nil
}

func (f *fakeSweeper) record(job, scope string) ([]dispatch.SweepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job+":"+scope)
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- job:
		default:
		}
	}
	if scope == f.failFor {
		return nil, errors.New("boom")
	}
	return []dispatch.SweepResult{{TaskID: "rt_1"}}, nil
}

func (f *fakeSweeper) RoutePending(_ context.Context, scope string) ([]dispatch.SweepResult, error) {
	return f.record(JobRoutePending, scope)
}

func (f *fakeSweeper) CheckTimeouts(_ context.Context, scope string) ([]dispatch.SweepResult, error) {
	return f.record(JobCheckTimeouts, scope)
}

func TestRunJob_SweepsEveryScope(t *testing.T) {
	sweeper := &fakeSweeper{scopes: []string{"a", "b"}}
	s := New(Config{}, sweeper, nil, nil)

	require.NoError(t, s.RunJob(context.Background(), JobRoutePending))
	require.NoError(t, s.RunJob(context.Background(), JobCheckTimeouts))

	assert.Equal(t, []string{
		"route_pending:a", "route_pending:b",
		"check_timeouts:a", "check_timeouts:b",
	}, sweeper.calls)
}

func TestRunJob_ContinuesPastFailingScope(t *testing.T) {
	sweeper := &fakeSweeper{scopes: []string{"a", "b", "c"}, failFor: "b"}
	metrics := telemetry.MustNewMetrics(prometheus.NewRegistry())
	s := New(Config{}, sweeper, metrics, nil)

	err := s.RunJob(context.Background(), JobRoutePending)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope b")
	assert.Len(t, sweeper.calls, 3)
}

func TestRunJob_Unknown(t *testing.T) {
	s := New(Config{}, &fakeSweeper{}, nil, nil)
	assert.Error(t, s.RunJob(context.Background(), "defragment"))
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(Config{RoutePending: "not a schedule"}, &fakeSweeper{}, nil, nil)
	err := s.Start(context.Background())
	assert.Error(t, err)
}

func TestStart_RegistersConfiguredJobs(t *testing.T) {
	s := New(Config{CheckTimeouts: "@every 1m"}, &fakeSweeper{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	assert.Equal(t, []string{JobCheckTimeouts}, s.Jobs())
}

func TestStart_RunsOnSchedule(t *testing.T) {
	sweeper := &fakeSweeper{scopes: []string{"default"}, ran: make(chan string, 1)}
	s := New(Config{RoutePending: "@every 1s"}, sweeper, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	select {
	case job := <-sweeper.ran:
		assert.Equal(t, JobRoutePending, job)
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
