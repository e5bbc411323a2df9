// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same guards and orderings

package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var errMockClosed = errors.New("mock store closed")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent            // keyed by agent ID
	tasks     map[string]*Task             // keyed by task ID
	metrics   map[metricsKey]*SkillMetrics // keyed by (scope, agent, skill)
	decisions []*RoutingDecision           // append-only, insertion order
	closed    bool
}

type metricsKey struct {
	scope, agentID, skill string
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:  make(map[string]*Agent),
		tasks:   make(map[string]*Task),
		metrics: make(map[metricsKey]*SkillMetrics),
	}
}

// UpsertAgent inserts or updates an agent, preserving status and load on update.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.agents[agent.ID]; ok {
		if existing.Scope != scopeOrDefault(agent.Scope) {
			return nil, ErrScopeConflict
		}
		existing.Name = agent.Name
		existing.Capabilities = NormalizeSkills(agent.Capabilities)
		existing.MaxConcurrent = agent.MaxConcurrent
		existing.Endpoint = agent.Endpoint
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}

	a := agent.Clone()
	a.Scope = scopeOrDefault(a.Scope)
	a.Capabilities = NormalizeSkills(a.Capabilities)
	if a.Status == "" {
		a.Status = AgentAvailable
	}
	a.CurrentLoad = 0
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.agents[a.ID] = a
	return a.Clone(), nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgents returns agents in a scope ordered by name then id.
func (m *MockStore) ListAgents(ctx context.Context, scope string, status AgentStatus) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope = scopeOrDefault(scope)
	var out []*Agent
	for _, a := range m.agents {
		if a.Scope != scope {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(x, y *Agent) int {
		return cmp.Or(cmp.Compare(x.Name, y.Name), cmp.Compare(x.ID, y.ID))
	})
	return out, nil
}

// UpdateAgentStatus sets an agent's status.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return a.Clone(), nil
}

// DeleteAgent removes an agent and its skill metrics.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.agents, id)
	for k := range m.metrics {
		if k.scope == a.Scope && k.agentID == id {
			delete(m.metrics, k)
		}
	}
	return a.Clone(), nil
}

// AdjustAgentLoad adds delta to current_load, clamped to [0, max_concurrent].
func (m *MockStore) AdjustAgentLoad(ctx context.Context, id string, delta int) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.CurrentLoad = max(0, min(max(a.MaxConcurrent, a.CurrentLoad), a.CurrentLoad+delta))
	a.UpdatedAt = time.Now()
	return a.Clone(), nil
}

// AcquireAgentSlot increments current_load if the agent is available with capacity.
func (m *MockStore) AcquireAgentSlot(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != AgentAvailable || a.CurrentLoad >= a.MaxConcurrent {
		return nil, ErrAgentUnavailable
	}
	a.CurrentLoad++
	a.UpdatedAt = time.Now()
	return a.Clone(), nil
}

// CountAgentsByStatus returns the number of agents in each status for a scope.
func (m *MockStore) CountAgentsByStatus(ctx context.Context, scope string) (map[AgentStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope = scopeOrDefault(scope)
	counts := make(map[AgentStatus]int)
	for _, a := range m.agents {
		if a.Scope == scope {
			counts[a.Status]++
		}
	}
	return counts, nil
}

// CreateTask stores a new task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; ok {
		return ErrConflict
	}
	t := task.Clone()
	t.Scope = scopeOrDefault(t.Scope)
	t.RequiredSkills = NormalizeSkills(t.RequiredSkills)
	m.tasks[t.ID] = t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// UpdateTask writes the mutable task fields when the stored version matches.
func (m *MockStore) UpdateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != task.Version {
		return ErrConflict
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}

	next := task.Clone()
	// Immutable columns are never taken from the caller
	next.Scope = stored.Scope
	next.Title = stored.Title
	next.Description = stored.Description
	next.RequiredSkills = stored.RequiredSkills
	next.Urgency = stored.Urgency
	next.TimeoutSeconds = stored.TimeoutSeconds
	next.MaxRetries = stored.MaxRetries
	next.CallbackURL = stored.CallbackURL
	next.CreatedAt = stored.CreatedAt
	next.Version = stored.Version + 1
	m.tasks[task.ID] = next

	task.Version++
	return nil
}

// DeleteTask removes a task and returns the deleted row.
func (m *MockStore) DeleteTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.tasks, id)
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (m *MockStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope := scopeOrDefault(filter.Scope)
	var out []*Task
	for _, t := range m.tasks {
		if t.Scope != scope {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(x, y *Task) int {
		return cmp.Or(y.CreatedAt.Compare(x.CreatedAt), cmp.Compare(y.ID, x.ID))
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTasksByStatus returns tasks in a status, most urgent then oldest first.
func (m *MockStore) ListTasksByStatus(ctx context.Context, scope string, status TaskStatus) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope = scopeOrDefault(scope)
	var out []*Task
	for _, t := range m.tasks {
		if t.Scope == scope && t.Status == status {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *Task) int {
		return cmp.Or(
			cmp.Compare(x.Urgency.Rank(), y.Urgency.Rank()),
			x.CreatedAt.Compare(y.CreatedAt),
			cmp.Compare(x.ID, y.ID),
		)
	})
	return out, nil
}

// CountTasksByStatus returns the number of tasks in each status for a scope.
func (m *MockStore) CountTasksByStatus(ctx context.Context, scope string) (map[TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope = scopeOrDefault(scope)
	counts := make(map[TaskStatus]int)
	for _, t := range m.tasks {
		if t.Scope == scope {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// ListActiveScopes returns every scope with pending or assigned tasks, sorted.
func (m *MockStore) ListActiveScopes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var scopes []string
	for _, t := range m.tasks {
		if (t.Status == TaskPending || t.Status == TaskAssigned) && !seen[t.Scope] {
			seen[t.Scope] = true
			scopes = append(scopes, t.Scope)
		}
	}
	slices.Sort(scopes)
	return scopes, nil
}

// RecordOutcome adds one outcome to the (scope, agent, skill) accumulator.
func (m *MockStore) RecordOutcome(ctx context.Context, scope, agentID, skill string, success bool, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope = scopeOrDefault(scope)
	key := metricsKey{scope, agentID, skill}
	acc, ok := m.metrics[key]
	if !ok {
		acc = &SkillMetrics{Scope: scope, AgentID: agentID, Skill: skill}
		m.metrics[key] = acc
	}
	if success {
		acc.SuccessCount++
	} else {
		acc.FailureCount++
	}
	acc.TotalDurationMS += max(0, durationMS)
	acc.SampleCount++
	now := time.Now()
	acc.LastCompletedAt = &now
	return nil
}

// ListSkillMetrics returns every accumulator in a scope.
func (m *MockStore) ListSkillMetrics(ctx context.Context, scope string) ([]*SkillMetrics, error) {
	return m.listMetrics(scopeOrDefault(scope), "")
}

// ListAgentSkillMetrics returns the accumulators of one agent.
func (m *MockStore) ListAgentSkillMetrics(ctx context.Context, scope, agentID string) ([]*SkillMetrics, error) {
	return m.listMetrics(scopeOrDefault(scope), agentID)
}

func (m *MockStore) listMetrics(scope, agentID string) ([]*SkillMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SkillMetrics
	for k, acc := range m.metrics {
		if k.scope != scope || (agentID != "" && k.agentID != agentID) {
			continue
		}
		c := *acc
		out = append(out, &c)
	}
	slices.SortFunc(out, func(x, y *SkillMetrics) int {
		return cmp.Or(cmp.Compare(x.AgentID, y.AgentID), cmp.Compare(x.Skill, y.Skill))
	})
	return out, nil
}

// AppendDecision records a routing decision.
func (m *MockStore) AppendDecision(ctx context.Context, d *RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendDecisionLocked(d)
	return nil
}

// AppendDecisionIfPending records d only while its task is pending at version.
func (m *MockStore) AppendDecisionIfPending(ctx context.Context, d *RoutingDecision, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[d.TaskID]
	if !ok {
		return ErrNotFound
	}
	if t.Version != version || t.Status != TaskPending {
		return ErrConflict
	}
	m.appendDecisionLocked(d)
	return nil
}

func (m *MockStore) appendDecisionLocked(d *RoutingDecision) {
	if d.ID == "" {
		d.ID = NewDecisionID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.Scope = scopeOrDefault(d.Scope)

	c := *d
	c.Candidates = slices.Clone(d.Candidates)
	m.decisions = append(m.decisions, &c)
}

// ListDecisions returns a task's decisions in insertion order.
func (m *MockStore) ListDecisions(ctx context.Context, taskID string) ([]*RoutingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RoutingDecision
	for _, d := range m.decisions {
		if d.TaskID == taskID {
			c := *d
			c.Candidates = slices.Clone(d.Candidates)
			out = append(out, &c)
		}
	}
	return out, nil
}

// CountDecisions returns the number of routing decisions in a scope.
func (m *MockStore) CountDecisions(ctx context.Context, scope string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope = scopeOrDefault(scope)
	n := 0
	for _, d := range m.decisions {
		if d.Scope == scope {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds unless the store was closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMockClosed
	}
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure both implementations satisfy the Store interface
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
