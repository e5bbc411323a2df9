// ABOUTME: Pure task state machine: (task, event, now) -> next task row plus side effects
// ABOUTME: The Dispatcher applies the effects; nothing here touches storage or the network

package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/store"
)

// Reasons recorded on tasks and routing decisions.
const (
	ReasonNoMatch       = "No matching agent available"
	ReasonMaxRetries    = "Max retries exceeded"
	ReasonTimedOut      = "timed out"
	reasonFailedDefault = "failed"
)

// EventKind names an input to the state machine.
type EventKind string

const (
	// EventAssign assigns a pending task to a chosen agent.
	EventAssign EventKind = "assign"
	// EventNoMatch records that no agent could take a pending task.
	EventNoMatch EventKind = "no_match"
	// EventComplete reports the outcome of an assigned task.
	EventComplete EventKind = "complete"
)

// Event is an input to Apply.
type Event struct {
	Kind EventKind

	// EventAssign
	AgentID    string
	Score      float64
	Reasons    []string
	Candidates []store.CandidateScore

	// EventComplete
	Success bool
	Result  json.RawMessage
	Error   string
}

// EffectKind names a side effect requested by a transition.
type EffectKind string

const (
	EffectAcquireLoad   EffectKind = "acquire_load"
	EffectReleaseLoad   EffectKind = "release_load"
	EffectRecordOutcome EffectKind = "record_outcome"
	EffectLogDecision   EffectKind = "log_decision"
	EffectReroute       EffectKind = "reroute"
	EffectNotify        EffectKind = "notify"
)

// Effect is one side effect of a transition.
type Effect struct {
	Kind       EffectKind
	AgentID    string
	Skills     []string
	Success    bool
	DurationMS int64
	Decision   *store.RoutingDecision
	Event      notify.EventType

	// IfVersion, when set, makes EffectLogDecision conditional on the task
	// still being pending at that version.
	IfVersion *int64
}

// PreCommit reports whether the effect must succeed before the task row is
// written. A failed pre-commit effect aborts the transition.
func (e Effect) PreCommit() bool {
	return e.Kind == EffectAcquireLoad
}

// Transition is the outcome of applying an event to a task.
type Transition struct {
	From    store.TaskStatus
	Task    *store.Task // next row, nil when nothing is written
	Effects []Effect
	Result  RoutingResult
}

// Has reports whether the transition requests an effect of the given kind.
func (t Transition) Has(kind EffectKind) bool {
	for _, e := range t.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Apply computes the next state of task for event at time now.
// The input task is never modified.
func Apply(task *store.Task, ev Event, now time.Time) (Transition, error) {
	switch ev.Kind {
	case EventAssign:
		return applyAssign(task, ev, now)
	case EventNoMatch:
		return applyNoMatch(task, ev, now)
	case EventComplete:
		return applyComplete(task, ev, now)
	default:
		return Transition{}, fmt.Errorf("unknown event %q", ev.Kind)
	}
}

func applyAssign(task *store.Task, ev Event, now time.Time) (Transition, error) {
	if task.Status != store.TaskPending {
		return Transition{}, fmt.Errorf("%w: cannot assign task in status %s", ErrInvalidState, task.Status)
	}
	if ev.AgentID == "" {
		return Transition{}, fmt.Errorf("assign event without agent")
	}

	next := task.Clone()
	next.Status = store.TaskAssigned
	next.AssignedTo = ev.AgentID
	assignedAt := now
	next.AssignedAt = &assignedAt
	next.Reason = ""
	next.UpdatedAt = now

	decision := &store.RoutingDecision{
		Scope:      task.Scope,
		TaskID:     task.ID,
		AgentID:    ev.AgentID,
		Outcome:    store.DecisionAssigned,
		Score:      ev.Score,
		Reason:     strings.Join(ev.Reasons, "; "),
		Candidates: ev.Candidates,
		CreatedAt:  now,
	}

	return Transition{
		From: task.Status,
		Task: next,
		Effects: []Effect{
			{Kind: EffectAcquireLoad, AgentID: ev.AgentID},
			{Kind: EffectLogDecision, Decision: decision},
			{Kind: EffectNotify, AgentID: ev.AgentID, Event: notify.TaskAssigned},
		},
		Result: RoutingResult{
			Status:  StatusAssigned,
			AgentID: ev.AgentID,
			Score:   ev.Score,
			Reasons: ev.Reasons,
		},
	}, nil
}

func applyNoMatch(task *store.Task, ev Event, now time.Time) (Transition, error) {
	if task.Status != store.TaskPending {
		return Transition{}, fmt.Errorf("%w: task in status %s is not waiting for an agent", ErrInvalidState, task.Status)
	}

	version := task.Version
	decision := &store.RoutingDecision{
		Scope:      task.Scope,
		TaskID:     task.ID,
		Outcome:    store.DecisionNoMatch,
		Reason:     ReasonNoMatch,
		Candidates: ev.Candidates,
		CreatedAt:  now,
	}

	return Transition{
		From:    task.Status,
		Effects: []Effect{{Kind: EffectLogDecision, Decision: decision, IfVersion: &version}},
		Result:  RoutingResult{Status: StatusPending, Reason: ReasonNoMatch},
	}, nil
}

func applyComplete(task *store.Task, ev Event, now time.Time) (Transition, error) {
	if task.Status != store.TaskAssigned {
		return Transition{}, fmt.Errorf("%w: cannot complete task in status %s", ErrInvalidState, task.Status)
	}

	var durationMS int64
	if task.AssignedAt != nil {
		durationMS = max(now.Sub(*task.AssignedAt).Milliseconds(), 0)
	}
	skills := task.RequiredSkills
	if len(skills) == 0 {
		skills = []string{perf.AnySkill}
	}
	agentID := task.AssignedTo

	next := task.Clone()
	next.AssignedTo = ""
	next.AssignedAt = nil
	next.UpdatedAt = now
	if ev.Result != nil {
		next.Result = ev.Result
	}

	effects := []Effect{
		{Kind: EffectReleaseLoad, AgentID: agentID},
		{Kind: EffectRecordOutcome, AgentID: agentID, Skills: skills, Success: ev.Success, DurationMS: durationMS},
	}

	switch {
	case ev.Success:
		next.Status = store.TaskCompleted
		next.Reason = ""
		effects = append(effects, Effect{Kind: EffectNotify, AgentID: agentID, Event: notify.TaskCompleted})
		return Transition{
			From:    task.Status,
			Task:    next,
			Effects: effects,
			Result:  RoutingResult{Status: StatusCompleted, AgentID: agentID},
		}, nil

	case task.RetryCount < task.MaxRetries:
		next.Status = store.TaskPending
		next.RetryCount = task.RetryCount + 1
		next.Reason = fmt.Sprintf("retry %d/%d: %s", next.RetryCount, task.MaxRetries, failureReason(ev.Error))
		effects = append(effects, Effect{Kind: EffectReroute})
		return Transition{
			From:    task.Status,
			Task:    next,
			Effects: effects,
			Result:  RoutingResult{Status: StatusPending, Reason: next.Reason},
		}, nil

	default:
		next.Status = store.TaskEscalated
		next.Reason = ReasonMaxRetries
		effects = append(effects, Effect{Kind: EffectNotify, AgentID: agentID, Event: notify.TaskEscalated})
		return Transition{
			From:    task.Status,
			Task:    next,
			Effects: effects,
			Result:  RoutingResult{Status: StatusEscalated, AgentID: agentID, Reason: ReasonMaxRetries},
		}, nil
	}
}

func failureReason(msg string) string {
	if msg == "" {
		return reasonFailedDefault
	}
	return msg
}
