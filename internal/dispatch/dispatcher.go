// ABOUTME: Dispatcher routes tasks to agents and drives them to completion, retry or escalation
// ABOUTME: Applies transitions from Apply against the store, registry, metrics and notifier

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/coven-dispatch/internal/matcher"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/telemetry"
)

// ErrInvalidState indicates an operation that the task's current status forbids.
var ErrInvalidState = errors.New("invalid task state")

// ErrInvalidTask indicates a submission that fails validation.
var ErrInvalidTask = errors.New("invalid task")

// Defaults applied to submissions that omit them.
const (
	DefaultTimeoutSeconds   = 3600
	DefaultMaxRetries       = 2
	DefaultSweepConcurrency = 4
)

// RouteStatus is the outcome reported to callers of Route, Submit and Complete.
type RouteStatus string

const (
	StatusAssigned      RouteStatus = "assigned"
	StatusPending       RouteStatus = "pending"
	StatusAlreadyRouted RouteStatus = "already_routed"
	StatusCompleted     RouteStatus = "completed"
	StatusEscalated     RouteStatus = "escalated"
)

// RoutingResult describes what happened to a task.
type RoutingResult struct {
	Status     RouteStatus `json:"status"`
	AgentID    string      `json:"agent_id,omitempty"`
	AssignedTo string      `json:"assigned_to,omitempty"`
	Score      float64     `json:"score,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Reasons    []string    `json:"reasons,omitempty"`
}

// Result pairs the task as stored after an operation with its routing outcome.
type Result struct {
	Task    *store.Task
	Routing RoutingResult
}

// TaskSpec is the caller-supplied description of a new task.
type TaskSpec struct {
	Scope          string        `json:"-"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	RequiredSkills []string      `json:"required_skills,omitempty"`
	Urgency        store.Urgency `json:"urgency,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	MaxRetries     *int          `json:"max_retries,omitempty"`
	CallbackURL    string        `json:"callback_url,omitempty"`
}

// Completion is an agent's report on an assigned task.
type Completion struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SweepResult is the per-task outcome of RoutePending or CheckTimeouts.
type SweepResult struct {
	TaskID  string        `json:"task_id"`
	Routing RoutingResult `json:"routing"`
	Error   string        `json:"error,omitempty"`
}

// Stats summarizes a scope.
type Stats struct {
	Agents      map[store.AgentStatus]int `json:"agents"`
	AgentsTotal int                       `json:"agents_total"`
	Tasks       map[store.TaskStatus]int  `json:"tasks"`
	TasksTotal  int                       `json:"tasks_total"`
	Decisions   int                       `json:"total_decisions"`
}

// Config tunes routing.
type Config struct {
	Weights               matcher.Weights
	DefaultTimeoutSeconds int
	DefaultMaxRetries     int
	SweepConcurrency      int
}

// DefaultConfig returns the stock routing configuration.
func DefaultConfig() Config {
	return Config{
		Weights:               matcher.DefaultWeights,
		DefaultTimeoutSeconds: DefaultTimeoutSeconds,
		DefaultMaxRetries:     DefaultMaxRetries,
		SweepConcurrency:      DefaultSweepConcurrency,
	}
}

// Store is the persistence the dispatcher needs beyond the registry and tracker.
type Store interface {
	store.TaskStore
	store.DecisionStore
}

// Dispatcher owns the task lifecycle.
type Dispatcher struct {
	store    Store
	registry *registry.Registry
	tracker  *perf.Tracker
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier sets where lifecycle events go. Errors it returns are logged and dropped.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(s Store, reg *registry.Registry, tracker *perf.Tracker, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weights == (matcher.Weights{}) {
		cfg.Weights = matcher.DefaultWeights
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}

	d := &Dispatcher{
		store:    s,
		registry: reg,
		tracker:  tracker,
		notifier: notify.Nop,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates and stores a new pending task, then makes one routing attempt.
func (d *Dispatcher) Submit(ctx context.Context, spec TaskSpec) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.Submit", attribute.String("scope", spec.Scope))
	defer func() { telemetry.EndSpan(span, err) }()

	task, err := d.newTask(spec)
	if err != nil {
		return nil, err
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("submitting task: %w", err)
	}
	d.metrics.ObserveTransition(string(store.TaskPending))
	d.logger.Info("task submitted",
		"task_id", task.ID,
		"scope", task.Scope,
		"skills", task.RequiredSkills,
		"urgency", task.Urgency,
	)

	return d.route(ctx, task)
}

func (d *Dispatcher) newTask(spec TaskSpec) (*store.Task, error) {
	if spec.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	urgency := spec.Urgency
	if urgency == "" {
		urgency = store.UrgencyNormal
	}
	if !store.ValidUrgency(string(urgency)) {
		return nil, fmt.Errorf("%w: unknown urgency %q", ErrInvalidTask, spec.Urgency)
	}
	if spec.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must not be negative", ErrInvalidTask)
	}
	timeout := spec.TimeoutSeconds
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeoutSeconds
	}
	maxRetries := d.cfg.DefaultMaxRetries
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
		}
		maxRetries = *spec.MaxRetries
	}
	if spec.CallbackURL != "" {
		u, err := url.Parse(spec.CallbackURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, fmt.Errorf("%w: callback_url must be an absolute http(s) URL", ErrInvalidTask)
		}
	}

	scope := spec.Scope
	if scope == "" {
		scope = store.DefaultScope
	}

	now := d.now()
	return &store.Task{
		ID:             store.NewTaskID(),
		Scope:          scope,
		Title:          spec.Title,
		Description:    spec.Description,
		RequiredSkills: store.NormalizeSkills(spec.RequiredSkills),
		Urgency:        urgency,
		TimeoutSeconds: timeout,
		MaxRetries:     maxRetries,
		CallbackURL:    spec.CallbackURL,
		Status:         store.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Route makes one routing attempt for a task. Tasks that are not pending are
// reported as already_routed and left untouched.
func (d *Dispatcher) Route(ctx context.Context, taskID string) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.Route", attribute.String("task.id", taskID))
	defer func() { telemetry.EndSpan(span, err) }()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return d.route(ctx, task)
}

func (d *Dispatcher) route(ctx context.Context, task *store.Task) (*Result, error) {
	if task.Status != store.TaskPending {
		return alreadyRouted(task), nil
	}
	started := time.Now()

	agents, err := d.registry.List(ctx, task.Scope, store.AgentAvailable)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	index, err := d.tracker.Index(ctx, task.Scope)
	if err != nil {
		return nil, err
	}

	ranked := matcher.Rank(task, agents, index, d.cfg.Weights)
	candidates := make([]store.CandidateScore, len(ranked))
	for i, s := range ranked {
		candidates[i] = s.Candidate()
	}

	for _, cand := range ranked {
		tr, err := Apply(task, Event{
			Kind:       EventAssign,
			AgentID:    cand.Agent.ID,
			Score:      cand.Score,
			Reasons:    cand.Reasons,
			Candidates: candidates,
		}, d.now())
		if err != nil {
			return nil, err
		}

		err = d.commit(ctx, &tr)
		switch {
		case errors.Is(err, store.ErrAgentUnavailable):
			// Another route took the last slot, or the agent went away. Try the next one.
			d.metrics.ObserveConflict("agent_slot")
			d.logger.Debug("candidate unavailable", "task_id", task.ID, "agent_id", cand.Agent.ID)
			continue
		case errors.Is(err, store.ErrConflict):
			d.metrics.ObserveConflict("task_version")
			d.logger.Info("task routed concurrently", "task_id", task.ID)
			current, gerr := d.store.GetTask(ctx, task.ID)
			if gerr != nil {
				return nil, fmt.Errorf("reloading task %s: %w", task.ID, gerr)
			}
			return alreadyRouted(current), nil
		case err != nil:
			return nil, err
		}

		d.metrics.ObserveDecision(string(store.DecisionAssigned), time.Since(started))
		d.logger.Info("task assigned",
			"task_id", task.ID,
			"agent_id", cand.Agent.ID,
			"score", cand.Score,
			"candidates", len(ranked),
		)
		return &Result{Task: tr.Task, Routing: tr.Result}, nil
	}

	tr, err := Apply(task, Event{Kind: EventNoMatch, Candidates: candidates}, d.now())
	if err != nil {
		return nil, err
	}
	if err := d.commit(ctx, &tr); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// The snapshot went stale while ranking. Decide again from the stored row.
		d.metrics.ObserveConflict("task_version")
		current, gerr := d.store.GetTask(ctx, task.ID)
		if gerr != nil {
			return nil, fmt.Errorf("reloading task %s: %w", task.ID, gerr)
		}
		if current.Status != store.TaskPending {
			return alreadyRouted(current), nil
		}
		return d.route(ctx, current)
	}
	d.metrics.ObserveDecision(string(store.DecisionNoMatch), time.Since(started))
	d.logger.Info("no agent available", "task_id", task.ID, "skills", task.RequiredSkills)
	return &Result{Task: task, Routing: tr.Result}, nil
}

func alreadyRouted(task *store.Task) *Result {
	return &Result{
		Task:    task,
		Routing: RoutingResult{Status: StatusAlreadyRouted, AssignedTo: task.AssignedTo},
	}
}

// Complete records an agent's report on an assigned task. Failures are
// retried through a fresh routing attempt until max_retries, then escalated.
func (d *Dispatcher) Complete(ctx context.Context, taskID string, c Completion) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.Complete",
		attribute.String("task.id", taskID),
		attribute.Bool("success", c.Success),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return d.complete(ctx, task, c)
}

func (d *Dispatcher) complete(ctx context.Context, task *store.Task, c Completion) (*Result, error) {
	tr, err := Apply(task, Event{
		Kind:    EventComplete,
		Success: c.Success,
		Result:  c.Result,
		Error:   c.Error,
	}, d.now())
	if err != nil {
		return nil, err
	}

	if err := d.commit(ctx, &tr); err != nil {
		if errors.Is(err, store.ErrConflict) {
			d.metrics.ObserveConflict("task_version")
		}
		return nil, err
	}
	d.logger.Info("task completion recorded",
		"task_id", task.ID,
		"agent_id", task.AssignedTo,
		"success", c.Success,
		"status", tr.Task.Status,
		"retry_count", tr.Task.RetryCount,
	)

	// Routing never completes a task, so a retry is one explicit step rather
	// than a chain back into complete.
	if tr.Has(EffectReroute) {
		return d.route(ctx, tr.Task)
	}
	return &Result{Task: tr.Task, Routing: tr.Result}, nil
}

// commit applies a transition: pre-commit effects, the version-checked task
// write, then the remaining effects in order. Pre-commit effects are undone
// when the write fails.
func (d *Dispatcher) commit(ctx context.Context, tr *Transition) error {
	var acquired *store.Agent
	for _, eff := range tr.Effects {
		if !eff.PreCommit() {
			continue
		}
		agent, err := d.registry.Acquire(ctx, eff.AgentID)
		if errors.Is(err, store.ErrNotFound) {
			err = store.ErrAgentUnavailable
		}
		if err != nil {
			return fmt.Errorf("acquiring agent %s: %w", eff.AgentID, err)
		}
		acquired = agent
	}

	if tr.Task != nil {
		if err := d.store.UpdateTask(ctx, tr.Task); err != nil {
			if acquired != nil {
				d.release(ctx, acquired.ID)
			}
			return fmt.Errorf("updating task %s: %w", tr.Task.ID, err)
		}
		d.metrics.ObserveTransition(string(tr.Task.Status))
	}

	var errs []error
	for _, eff := range tr.Effects {
		switch eff.Kind {
		case EffectReleaseLoad:
			d.release(ctx, eff.AgentID)
		case EffectRecordOutcome:
			d.metrics.ObserveCompletion(eff.Success, time.Duration(eff.DurationMS)*time.Millisecond)
			if err := d.tracker.RecordTaskOutcome(ctx, tr.Task.Scope, eff.AgentID, eff.Skills, eff.Success, eff.DurationMS); err != nil {
				errs = append(errs, err)
			}
		case EffectLogDecision:
			if eff.IfVersion != nil {
				// Nothing else is written, so a stale task aborts the whole transition.
				if err := d.store.AppendDecisionIfPending(ctx, eff.Decision, *eff.IfVersion); err != nil {
					return fmt.Errorf("logging routing decision: %w", err)
				}
				continue
			}
			if err := d.store.AppendDecision(ctx, eff.Decision); err != nil {
				errs = append(errs, fmt.Errorf("logging routing decision: %w", err))
			}
		case EffectNotify:
			d.notify(ctx, eff, tr.Task, acquired)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Error("applying transition effects", "error", err)
		return err
	}
	return nil
}

// release gives back one slot. A missing agent was unregistered mid-task and
// has no load left to release.
func (d *Dispatcher) release(ctx context.Context, agentID string) {
	if _, err := d.registry.AdjustLoad(ctx, agentID, -1); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error("releasing agent load", "agent_id", agentID, "error", err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, eff Effect, task *store.Task, agent *store.Agent) {
	event := notify.Event{
		Type:      eff.Event,
		Scope:     task.Scope,
		TaskID:    task.ID,
		AgentID:   eff.AgentID,
		Task:      task.Clone(),
		Timestamp: d.now(),
	}
	if agent != nil {
		event.Endpoint = agent.Endpoint
	}
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Warn("notification failed", "event", eff.Event, "task_id", task.ID, "error", err)
	}
}

// Get returns a task or store.ErrNotFound.
func (d *Dispatcher) Get(ctx context.Context, id string) (*store.Task, error) {
	return d.store.GetTask(ctx, id)
}

// List returns tasks newest first.
func (d *Dispatcher) List(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	if filter.Status != "" && !store.ValidTaskStatus(string(filter.Status)) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, filter.Status)
	}
	return d.store.ListTasks(ctx, filter)
}

// Delete removes a task and reports whether it existed. An assigned task
// gives its slot back; the agent itself is not told.
func (d *Dispatcher) Delete(ctx context.Context, id string) (bool, error) {
	task, err := d.store.DeleteTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if task.Status == store.TaskAssigned && task.AssignedTo != "" {
		d.release(ctx, task.AssignedTo)
	}
	d.logger.Info("task deleted", "task_id", id, "status", task.Status)
	return true, nil
}

// Decisions returns the routing audit trail of a task, oldest first.
func (d *Dispatcher) Decisions(ctx context.Context, taskID string) ([]*store.RoutingDecision, error) {
	if _, err := d.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return d.store.ListDecisions(ctx, taskID)
}

// Stats counts agents, tasks and routing decisions in a scope.
func (d *Dispatcher) Stats(ctx context.Context, scope string) (*Stats, error) {
	agents, err := d.registry.Counts(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("counting agents: %w", err)
	}
	tasks, err := d.store.CountTasksByStatus(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	decisions, err := d.store.CountDecisions(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("counting decisions: %w", err)
	}

	stats := &Stats{
		Agents:    make(map[store.AgentStatus]int),
		Tasks:     make(map[store.TaskStatus]int),
		Decisions: decisions,
	}
	for _, s := range []store.AgentStatus{store.AgentAvailable, store.AgentBusy, store.AgentOffline} {
		stats.Agents[s] = agents[s]
		stats.AgentsTotal += agents[s]
	}
	for _, s := range []store.TaskStatus{store.TaskPending, store.TaskAssigned, store.TaskCompleted, store.TaskFailed, store.TaskEscalated} {
		stats.Tasks[s] = tasks[s]
		stats.TasksTotal += tasks[s]
	}
	return stats, nil
}
