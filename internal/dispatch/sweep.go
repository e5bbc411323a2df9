// ABOUTME: Maintenance sweeps: route every pending task and reclaim timed-out assignments
// ABOUTME: Work fans out with a bounded errgroup; urgency tiers run strictly in order

package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/telemetry"
)

// RoutePending makes one routing attempt for every pending task in scope.
// Critical tasks are routed before high, high before normal, and so on; a
// tier finishes before the next starts so lower urgencies never take capacity
// first. Within a tier older tasks start first.
func (d *Dispatcher) RoutePending(ctx context.Context, scope string) (results []SweepResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.RoutePending", attribute.String("scope", scope))
	defer func() { telemetry.EndSpan(span, err) }()

	tasks, err := d.store.ListTasksByStatus(ctx, scope, store.TaskPending)
	if err != nil {
		return nil, err
	}

	slots := make([]*SweepResult, len(tasks))
	for start := 0; start < len(tasks); {
		end := start + 1
		for end < len(tasks) && tasks[end].Urgency.Rank() == tasks[start].Urgency.Rank() {
			end++
		}

		var g errgroup.Group
		g.SetLimit(d.cfg.SweepConcurrency)
		for i := start; i < end; i++ {
			task := tasks[i]
			g.Go(func() error {
				slots[i] = d.sweepOne(task.ID, func() (*Result, error) {
					if err := ctx.Err(); err != nil {
						return nil, err
					}
					return d.route(ctx, task)
				})
				return nil
			})
		}
		_ = g.Wait()
		start = end
	}

	results = collect(slots)
	d.logger.Info("routed pending tasks", "scope", scope, "tasks", len(tasks), "assigned", countStatus(results, StatusAssigned))
	return results, ctx.Err()
}

// CheckTimeouts fails every assigned task whose assignment is older than its
// timeout, sending it through the usual retry or escalation path. A task
// that changed since it was listed is skipped.
func (d *Dispatcher) CheckTimeouts(ctx context.Context, scope string) (results []SweepResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.CheckTimeouts", attribute.String("scope", scope))
	defer func() { telemetry.EndSpan(span, err) }()

	assigned, err := d.store.ListTasksByStatus(ctx, scope, store.TaskAssigned)
	if err != nil {
		return nil, err
	}

	now := d.now()
	var expired []*store.Task
	for _, t := range assigned {
		if t.AssignedAt == nil {
			continue
		}
		if now.Sub(*t.AssignedAt) > time.Duration(t.TimeoutSeconds)*time.Second {
			expired = append(expired, t)
		}
	}

	slots := make([]*SweepResult, len(expired))
	var g errgroup.Group
	g.SetLimit(d.cfg.SweepConcurrency)
	for i, task := range expired {
		g.Go(func() error {
			slots[i] = d.sweepOne(task.ID, func() (*Result, error) {
				return d.complete(ctx, task, Completion{Success: false, Error: ReasonTimedOut})
			})
			return nil
		})
	}
	_ = g.Wait()

	results = collect(slots)
	if len(results) > 0 {
		d.logger.Info("reclaimed timed out tasks", "scope", scope, "tasks", len(results))
	}
	return results, ctx.Err()
}

// sweepOne runs fn for one task. Tasks that were moved, completed or deleted
// by a concurrent writer since they were listed yield nil.
func (d *Dispatcher) sweepOne(taskID string, fn func() (*Result, error)) *SweepResult {
	res, err := fn()
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, ErrInvalidState), errors.Is(err, store.ErrNotFound):
		d.logger.Debug("sweep skipped task", "task_id", taskID, "error", err)
		return nil
	case err != nil:
		d.logger.Warn("sweep failed for task", "task_id", taskID, "error", err)
		return &SweepResult{TaskID: taskID, Error: err.Error()}
	}
	return &SweepResult{TaskID: taskID, Routing: res.Routing}
}

func collect(slots []*SweepResult) []SweepResult {
	out := make([]SweepResult, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func countStatus(results []SweepResult, status RouteStatus) int {
	n := 0
	for _, r := range results {
		if r.Routing.Status == status {
			n++
		}
	}
	return n
}

// ActiveScopes returns the scopes that have pending or assigned tasks.
func (d *Dispatcher) ActiveScopes(ctx context.Context) ([]string, error) {
	return d.store.ListActiveScopes(ctx)
}
