// ABOUTME: Event notifier contract for task lifecycle events
// ABOUTME: Async wrapper and fan-out so notification failures never reach the caller

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/store"
)

// EventType names a task lifecycle event.
type EventType string

const (
	TaskAssigned  EventType = "task.assigned"
	TaskCompleted EventType = "task.completed"
	TaskEscalated EventType = "task.escalated"
)

// Event is one task lifecycle notification.
type Event struct {
	Type      EventType
	Scope     string
	TaskID    string
	AgentID   string
	Endpoint  string // assignee endpoint, set for TaskAssigned
	Task      *store.Task
	Timestamp time.Time
}

// Notifier delivers lifecycle events. Implementations may fail; callers
// wrap them in Async so failures are logged and swallowed.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers to every notifier, even after a failure.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async runs an inner Notifier on detached goroutines.
// Notify never blocks on delivery and always returns nil.
type Async struct {
	inner   Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps inner. Each delivery gets its own timeout, detached from
// the caller's cancellation.
func NewAsync(inner Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{
		inner:   inner,
		timeout: timeout,
		logger:  logger.With("component", "notifier"),
	}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	detached := context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(detached, a.timeout)
		defer cancel()

		if err := a.inner.Notify(ctx, event); err != nil {
			a.logger.Warn("event notification failed",
				"event", event.Type,
				"task_id", event.TaskID,
				"error", err,
			)
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
