// ABOUTME: HTTP webhook delivery of lifecycle events to agent endpoints and task callbacks
// ABOUTME: Rate limited, guarded by a per-host circuit breaker, best-effort

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/2389/coven-dispatch/internal/store"
)

// Default webhook settings.
const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultRateLimit       = 20 // requests per second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Timeout         time.Duration
	RateLimit       float64 // requests per second across all targets
	Burst           int
	BreakerFailures uint32 // consecutive failures before a host's circuit opens
	BreakerTimeout  time.Duration
	AllowPrivate    bool // permit http and private targets, for local development only
}

// DeliveryObserver is told the outcome of every delivery attempt.
type DeliveryObserver func(event EventType, outcome string)

// Delivery outcomes reported to a DeliveryObserver.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeOpen      = "circuit_open"
)

// Webhook posts events as JSON: task.assigned to the assignee's endpoint,
// task.completed and task.escalated to the task's callback URL.
type Webhook struct {
	cfg      WebhookConfig
	client   *http.Client
	limiter  *rate.Limiter
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	observe  DeliveryObserver
	logger   *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithObserver registers a delivery observer, typically a metrics counter.
func WithObserver(o DeliveryObserver) WebhookOption {
	return func(w *Webhook) { w.observe = o }
}

// WithHTTPClient replaces the guarded client. Used by tests with AllowPrivate.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger, opts ...WebhookOption) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RateLimit))
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	transport := http.DefaultTransport
	if !cfg.AllowPrivate {
		transport = newSafeTransport(cfg.Timeout)
	}

	w := &Webhook{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		observe:  func(EventType, string) {},
		logger:   logger.With("component", "webhook"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// payload is the JSON body of every webhook.
type payload struct {
	Event     EventType    `json:"event"`
	Task      *taskPayload `json:"task"`
	Timestamp time.Time    `json:"timestamp"`
}

type taskPayload struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	RequiredSkills []string        `json:"required_skills"`
	Urgency        string          `json:"urgency"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Status         string          `json:"status"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	RetryCount     int             `json:"retry_count"`
	Result         json.RawMessage `json:"result,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

func newTaskPayload(t *store.Task) *taskPayload {
	if t == nil {
		return nil
	}
	return &taskPayload{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		RequiredSkills: t.RequiredSkills,
		Urgency:        string(t.Urgency),
		TimeoutSeconds: t.TimeoutSeconds,
		Status:         string(t.Status),
		AssignedTo:     t.AssignedTo,
		RetryCount:     t.RetryCount,
		Result:         t.Result,
		Reason:         t.Reason,
	}
}

// target picks the URL an event is delivered to, or "" for none.
func target(event Event) string {
	switch event.Type {
	case TaskAssigned:
		return event.Endpoint
	case TaskCompleted, TaskEscalated:
		if event.Task != nil {
			return event.Task.CallbackURL
		}
	}
	return ""
}

// Notify delivers the event if it has a target. Events without one are ignored.
func (w *Webhook) Notify(ctx context.Context, event Event) error {
	dest := target(event)
	if dest == "" {
		return nil
	}

	if err := ValidateURL(dest, w.cfg.AllowPrivate); err != nil {
		w.observe(event.Type, OutcomeRejected)
		return err
	}
	if err := w.limiter.Wait(ctx); err != nil {
		w.observe(event.Type, OutcomeFailed)
		return fmt.Errorf("waiting for webhook rate limit: %w", err)
	}

	body, err := json.Marshal(payload{
		Event:     event.Type,
		Task:      newTaskPayload(event.Task),
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	u, _ := url.Parse(dest)
	_, err = w.breaker(u.Host).Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, dest, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.observe(event.Type, OutcomeOpen)
			return fmt.Errorf("webhook host %q circuit open: %w", u.Host, err)
		}
		w.observe(event.Type, OutcomeFailed)
		return err
	}

	w.observe(event.Type, OutcomeDelivered)
	w.logger.Debug("webhook delivered", "event", event.Type, "task_id", event.TaskID, "host", u.Host)
	return nil
}

func (w *Webhook) post(ctx context.Context, dest string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "coven-dispatch")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// breaker returns the circuit breaker for a host, creating it on first use.
func (w *Webhook) breaker(host string) *gobreaker.CircuitBreaker[struct{}] {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Timeout:     w.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	w.breakers[host] = cb
	return cb
}

// BreakerState reports the circuit state for a host, for monitoring.
func (w *Webhook) BreakerState(host string) gobreaker.State {
	return w.breaker(host).State()
}
