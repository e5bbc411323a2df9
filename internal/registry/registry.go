// ABOUTME: Agent registry: registration, status changes and load accounting for agents
// ABOUTME: Thin validation layer over store.AgentStore with structured logging

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-dispatch/internal/store"
)

// ErrInvalidStatus indicates a status value outside available/busy/offline.
var ErrInvalidStatus = errors.New("invalid agent status")

// ErrInvalidAgent indicates a registration that fails validation.
var ErrInvalidAgent = errors.New("invalid agent")

// DefaultMaxConcurrent is used when a registration omits max_concurrent.
const DefaultMaxConcurrent = 3

// Spec is the caller-supplied description of an agent.
type Spec struct {
	ID            string   `json:"id,omitempty"`
	Scope         string   `json:"-"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
}

// Registry manages agent records.
type Registry struct {
	store         store.AgentStore
	maxConcurrent int
	logger        *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultMaxConcurrent overrides DefaultMaxConcurrent.
func WithDefaultMaxConcurrent(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// New creates a Registry over the given store.
func New(s store.AgentStore, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:         s,
		maxConcurrent: DefaultMaxConcurrent,
		logger:        logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a new agent or refreshes an existing one by id.
// New agents start available with zero load. Re-registration keeps status and load.
func (r *Registry) Register(ctx context.Context, spec Spec) (*store.Agent, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidAgent)
	}
	if spec.MaxConcurrent < 0 {
		return nil, fmt.Errorf("%w: max_concurrent must be positive", ErrInvalidAgent)
	}

	id := spec.ID
	if id == "" {
		id = store.NewAgentID()
	}
	maxConcurrent := spec.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = r.maxConcurrent
	}

	agent, err := r.store.UpsertAgent(ctx, &store.Agent{
		ID:            id,
		Scope:         spec.Scope,
		Name:          spec.Name,
		Capabilities:  store.NormalizeSkills(spec.Capabilities),
		Status:        store.AgentAvailable,
		MaxConcurrent: maxConcurrent,
		Endpoint:      spec.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"name", agent.Name,
		"capabilities", agent.Capabilities,
		"max_concurrent", agent.MaxConcurrent,
	)
	return agent, nil
}

// Get returns an agent or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns the agents of a scope ordered by name, optionally filtered by status.
func (r *Registry) List(ctx context.Context, scope string, status store.AgentStatus) ([]*store.Agent, error) {
	if status != "" && !store.ValidAgentStatus(string(status)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.store.ListAgents(ctx, scope, status)
}

// UpdateStatus changes an agent's status. Load is untouched.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status store.AgentStatus) (*store.Agent, error) {
	if !store.ValidAgentStatus(string(status)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	agent, err := r.store.UpdateAgentStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	r.logger.Info("agent status changed", "agent_id", id, "status", status)
	return agent, nil
}

// Unregister removes an agent and its performance history.
// Tasks still assigned to the agent are left as they are; CheckTimeouts reclaims them.
func (r *Registry) Unregister(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := r.store.DeleteAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("agent unregistered", "agent_id", id, "name", agent.Name)
	return agent, nil
}

// AdjustLoad adds delta to the agent's load, clamped to [0, max_concurrent].
func (r *Registry) AdjustLoad(ctx context.Context, id string, delta int) (*store.Agent, error) {
	agent, err := r.store.AdjustAgentLoad(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("agent load adjusted", "agent_id", id, "delta", delta, "load", agent.CurrentLoad)
	return agent, nil
}

// Acquire takes one slot on an available agent with spare capacity.
// Returns store.ErrAgentUnavailable when the agent cannot take more work.
func (r *Registry) Acquire(ctx context.Context, id string) (*store.Agent, error) {
	return r.store.AcquireAgentSlot(ctx, id)
}

// Counts returns the number of agents per status in a scope.
func (r *Registry) Counts(ctx context.Context, scope string) (map[store.AgentStatus]int, error) {
	return r.store.CountAgentsByStatus(ctx, scope)
}
