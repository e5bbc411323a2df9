// ABOUTME: JSON response shapes for agents, tasks, metrics and routing decisions
// ABOUTME: Keeps wire field names snake_case and independent of the store structs

package api

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/store"
)

// AgentResponse is the wire form of an agent.
type AgentResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	CurrentLoad   int       `json:"current_load"`
	MaxConcurrent int       `json:"max_concurrent"`
	Endpoint      string    `json:"endpoint,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func agentResponse(a *store.Agent) AgentResponse {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentResponse{
		ID:            a.ID,
		Name:          a.Name,
		Capabilities:  caps,
		Status:        string(a.Status),
		CurrentLoad:   a.CurrentLoad,
		MaxConcurrent: a.MaxConcurrent,
		Endpoint:      a.Endpoint,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// TaskResponse is the wire form of a task.
type TaskResponse struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	RequiredSkills []string        `json:"required_skills"`
	Urgency        string          `json:"urgency"`
	Status         string          `json:"status"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	AssignedAt     *time.Time      `json:"assigned_at,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	MaxRetries     int             `json:"max_retries"`
	RetryCount     int             `json:"retry_count"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func taskResponse(t *store.Task) TaskResponse {
	skills := t.RequiredSkills
	if skills == nil {
		skills = []string{}
	}
	return TaskResponse{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		RequiredSkills: skills,
		Urgency:        string(t.Urgency),
		Status:         string(t.Status),
		AssignedTo:     t.AssignedTo,
		AssignedAt:     t.AssignedAt,
		TimeoutSeconds: t.TimeoutSeconds,
		MaxRetries:     t.MaxRetries,
		RetryCount:     t.RetryCount,
		CallbackURL:    t.CallbackURL,
		Result:         t.Result,
		Reason:         t.Reason,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// ResultResponse pairs a task with its routing outcome.
type ResultResponse struct {
	Task    TaskResponse           `json:"task"`
	Routing dispatch.RoutingResult `json:"routing"`
}

func resultResponse(res *dispatch.Result) ResultResponse {
	return ResultResponse{Task: taskResponse(res.Task), Routing: res.Routing}
}

// SkillMetricsResponse is one agent's record for one skill.
type SkillMetricsResponse struct {
	Skill           string     `json:"skill"`
	Successes       int64      `json:"success_count"`
	Failures        int64      `json:"failure_count"`
	Samples         int64      `json:"sample_count"`
	SuccessRate     float64    `json:"success_rate"`
	AvgDurationMS   float64    `json:"avg_duration_ms"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}

func skillMetricsResponse(m *store.SkillMetrics) SkillMetricsResponse {
	stats := perf.Stats{}.Add(m)
	return SkillMetricsResponse{
		Skill:           m.Skill,
		Successes:       m.SuccessCount,
		Failures:        m.FailureCount,
		Samples:         m.SampleCount,
		SuccessRate:     stats.SuccessRate(),
		AvgDurationMS:   stats.AvgLatencyMS(),
		LastCompletedAt: m.LastCompletedAt,
	}
}

// DecisionResponse is the wire form of a routing audit record.
type DecisionResponse struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Outcome    string                 `json:"outcome"`
	Score      float64                `json:"score"`
	Reason     string                 `json:"reason,omitempty"`
	Candidates []store.CandidateScore `json:"candidates"`
	CreatedAt  time.Time              `json:"created_at"`
}

func decisionResponse(d *store.RoutingDecision) DecisionResponse {
	candidates := d.Candidates
	if candidates == nil {
		candidates = []store.CandidateScore{}
	}
	return DecisionResponse{
		ID:         d.ID,
		AgentID:    d.AgentID,
		Outcome:    string(d.Outcome),
		Score:      d.Score,
		Reason:     d.Reason,
		Candidates: candidates,
		CreatedAt:  d.CreatedAt,
	}
}

// EventResponse is the payload of one SSE event.
type EventResponse struct {
	Type      string        `json:"type"`
	TaskID    string        `json:"task_id"`
	AgentID   string        `json:"agent_id,omitempty"`
	Task      *TaskResponse `json:"task,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
