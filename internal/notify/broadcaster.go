// ABOUTME: In-memory fan-out of lifecycle events to stream subscribers
// ABOUTME: Subscribers register per scope and receive events as they happen

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for lifecycle events.
// Subscribers register for a scope and receive every event of that scope.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // scope -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events in scope. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, scope string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[scope]; !ok {
		b.subscribers[scope] = make(map[string]chan Event)
	}
	b.subscribers[scope][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "scope", scope, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(scope, subID)
	}()

	return ch, subID
}

// Notify publishes the event to subscribers of its scope. It never fails.
func (b *Broadcaster) Notify(_ context.Context, event Event) error {
	b.Publish(event)
	return nil
}

// Publish sends an event to all subscribers of its scope.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[event.Scope] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"scope", event.Scope,
				"sub_id", id,
				"event", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(scope, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[scope]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, scope)
	}

	b.logger.Debug("subscriber removed", "scope", scope, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions across all scopes.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for scope, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, scope)
	}

	b.logger.Debug("broadcaster closed")
}
