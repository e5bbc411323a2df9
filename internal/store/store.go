// ABOUTME: Store interface and data types for coven-dispatch persistence
// ABOUTME: Defines Agent, Task, SkillMetrics, RoutingDecision and the Store contract

package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic version check fails because the
// row was modified by a concurrent writer
var ErrConflict = errors.New("version conflict")

// ErrAgentUnavailable is returned when an agent cannot take another task
// (not available, or already at max_concurrent)
var ErrAgentUnavailable = errors.New("agent unavailable")

// ErrScopeConflict is returned when an agent id is already registered in
// another scope.
var ErrScopeConflict = errors.New("agent registered in another scope")

// DefaultScope is used when callers don't supply a scope
const DefaultScope = "default"

// AgentStatus is the operational state of an agent
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

// ValidAgentStatus reports whether s is one of the known agent statuses.
func ValidAgentStatus(s string) bool {
	switch AgentStatus(s) {
	case AgentAvailable, AgentBusy, AgentOffline:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed" // transient; resolved to pending or escalated within one transition
	TaskEscalated TaskStatus = "escalated"
)

// ValidTaskStatus reports whether s is one of the known task statuses.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskPending, TaskAssigned, TaskCompleted, TaskFailed, TaskEscalated:
		return true
	}
	return false
}

// IsTerminal returns true for states a task never leaves.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskEscalated
}

// Urgency is a priority hint for a task
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ValidUrgency reports whether s is one of the known urgency levels.
func ValidUrgency(s string) bool {
	switch Urgency(s) {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Rank orders urgencies for sweeps: lower ranks are handled first.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyLow:
		return 3
	default:
		return 2
	}
}

// Agent is a worker that can be assigned tasks matching its capabilities
type Agent struct {
	ID            string
	Scope         string
	Name          string
	Capabilities  []string // normalized set, see NormalizeSkills
	Status        AgentStatus
	CurrentLoad   int
	MaxConcurrent int
	Endpoint      string // optional callback address for task.assigned
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

// Task is a unit of work routed to exactly one agent at a time
type Task struct {
	ID             string
	Scope          string
	Title          string
	Description    string
	RequiredSkills []string // normalized set, see NormalizeSkills
	Urgency        Urgency
	TimeoutSeconds int
	MaxRetries     int
	RetryCount     int
	CallbackURL    string
	Status         TaskStatus
	AssignedTo     string     // empty unless Status == TaskAssigned
	AssignedAt     *time.Time // set while assigned
	Result         json.RawMessage
	Reason         string // last routing or escalation reason
	Version        int64  // optimistic concurrency counter, bumped on every update
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.RequiredSkills = slices.Clone(t.RequiredSkills)
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.Result != nil {
		c.Result = slices.Clone(t.Result)
	}
	return &c
}

// SkillMetrics accumulates outcomes for one (agent, skill) pair
type SkillMetrics struct {
	Scope           string
	AgentID         string
	Skill           string
	SuccessCount    int64
	FailureCount    int64
	TotalDurationMS int64
	SampleCount     int64
	LastCompletedAt *time.Time
}

// DecisionOutcome is the result of one routing attempt
type DecisionOutcome string

const (
	DecisionAssigned DecisionOutcome = "assigned"
	DecisionNoMatch  DecisionOutcome = "no_match"
)

// CandidateScore is one ranked candidate recorded with a routing decision
type CandidateScore struct {
	AgentID string   `json:"agent_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// RoutingDecision is an append-only audit record of a routing attempt
type RoutingDecision struct {
	ID         string
	Scope      string
	TaskID     string
	AgentID    string // empty for no_match
	Outcome    DecisionOutcome
	Score      float64
	Reason     string
	Candidates []CandidateScore
	CreatedAt  time.Time
}

// TaskFilter specifies filtering options for listing tasks.
type TaskFilter struct {
	Scope      string
	Status     TaskStatus // empty means any
	AssignedTo string     // empty means any
	Limit      int        // default 50, max 1000
}

// NormalizeSkills lower-cases and trims skills, drops empties and duplicates,
// and sorts the result so stored sets compare equal regardless of input order.
func NormalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// AgentStore persists agents and their load counters
type AgentStore interface {
	// UpsertAgent inserts a new agent, or updates name, capabilities,
	// max_concurrent and endpoint of an existing one. Status and load of an
	// existing agent are never overwritten. Returns ErrScopeConflict when the
	// id is registered in another scope.
	UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, scope string, status AgentStatus) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) (*Agent, error)
	// DeleteAgent removes the agent and its skill metrics, returning the deleted row.
	DeleteAgent(ctx context.Context, id string) (*Agent, error)
	// AdjustAgentLoad atomically adds delta to current_load. The result is
	// never negative, and increments never pass max_concurrent.
	AdjustAgentLoad(ctx context.Context, id string, delta int) (*Agent, error)
	// AcquireAgentSlot atomically increments current_load only if the agent
	// is available and below max_concurrent. Returns ErrAgentUnavailable otherwise.
	AcquireAgentSlot(ctx context.Context, id string) (*Agent, error)
	CountAgentsByStatus(ctx context.Context, scope string) (map[AgentStatus]int, error)
}

// TaskStore persists tasks
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask writes the task if its stored version equals task.Version,
	// then bumps task.Version. Returns ErrConflict on a stale version.
	UpdateTask(ctx context.Context, task *Task) error
	// DeleteTask atomically removes a task and returns the deleted row.
	DeleteTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// ListTasksByStatus returns every task in the given state ordered by
	// urgency (critical first) then creation time (oldest first).
	ListTasksByStatus(ctx context.Context, scope string, status TaskStatus) ([]*Task, error)
	CountTasksByStatus(ctx context.Context, scope string) (map[TaskStatus]int, error)
	// ListActiveScopes returns the scopes that have pending or assigned tasks.
	ListActiveScopes(ctx context.Context) ([]string, error)
}

// MetricsStore persists per-agent, per-skill outcome accumulators
type MetricsStore interface {
	RecordOutcome(ctx context.Context, scope, agentID, skill string, success bool, durationMS int64) error
	ListSkillMetrics(ctx context.Context, scope string) ([]*SkillMetrics, error)
	ListAgentSkillMetrics(ctx context.Context, scope, agentID string) ([]*SkillMetrics, error)
}

// DecisionStore persists the routing audit trail
type DecisionStore interface {
	AppendDecision(ctx context.Context, decision *RoutingDecision) error
	// AppendDecisionIfPending appends only while the decision's task is
	// pending at version. Returns ErrConflict when the task has moved on.
	AppendDecisionIfPending(ctx context.Context, decision *RoutingDecision, version int64) error
	ListDecisions(ctx context.Context, taskID string) ([]*RoutingDecision, error)
	CountDecisions(ctx context.Context, scope string) (int, error)
}

// Store is the full persistence contract used by the dispatcher
type Store interface {
	AgentStore
	TaskStore
	MetricsStore
	DecisionStore

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
