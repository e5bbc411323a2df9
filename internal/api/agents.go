// ABOUTME: Agent endpoints: register, list, get, unregister, status changes and skill metrics
// ABOUTME: Agents outside the request scope are reported as not found

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/store"
)

// UpdateStatusRequest is the body of PUT /api/agents/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// scopedAgent loads an agent and hides agents that belong to another scope.
func (a *API) scopedAgent(ctx context.Context, scope, id string) (*store.Agent, error) {
	agent, err := a.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Scope != scope {
		return nil, store.ErrNotFound
	}
	return agent, nil
}

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var spec registry.Spec
	if err := decodeJSON(w, r, &spec); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec.Scope = requestScope(r)

	// The store rejects ids owned by another scope; this lookup only picks
	// the status code for the same-scope case.
	status := http.StatusCreated
	if spec.ID != "" {
		existing, err := a.registry.Get(r.Context(), spec.ID)
		switch {
		case err == nil && existing.Scope == spec.Scope:
			status = http.StatusOK
		case err != nil && !errors.Is(err, store.ErrNotFound):
			a.sendError(w, r, err)
			return
		}
	}

	agent, err := a.registry.Register(r.Context(), spec)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, status, map[string]any{"agent": agentResponse(agent)})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	status := store.AgentStatus(r.URL.Query().Get("status"))
	agents, err := a.registry.List(r.Context(), requestScope(r), status)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	out := make([]AgentResponse, len(agents))
	for i, agent := range agents {
		out[i] = agentResponse(agent)
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"agents": out, "total": len(out)})
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.scopedAgent(r.Context(), requestScope(r), r.PathValue("id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"agent": agentResponse(agent)})
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.scopedAgent(r.Context(), requestScope(r), id); err != nil {
		a.sendError(w, r, err)
		return
	}
	agent, err := a.registry.Unregister(r.Context(), id)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"deleted": true, "agent": agentResponse(agent)})
}

func (a *API) handleUpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == "" {
		a.sendJSONError(w, http.StatusBadRequest, "status is required")
		return
	}

	id := r.PathValue("id")
	if _, err := a.scopedAgent(r.Context(), requestScope(r), id); err != nil {
		a.sendError(w, r, err)
		return
	}
	agent, err := a.registry.UpdateStatus(r.Context(), id, store.AgentStatus(req.Status))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"agent": agentResponse(agent)})
}

func (a *API) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	agent, err := a.scopedAgent(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	metrics, err := a.tracker.ForAgent(r.Context(), scope, agent.ID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	var overall perf.Stats
	skills := make([]SkillMetricsResponse, len(metrics))
	for i, m := range metrics {
		overall = overall.Add(m)
		skills[i] = skillMetricsResponse(m)
	}
	a.sendJSON(w, http.StatusOK, map[string]any{
		"agent_id": agent.ID,
		"skills":   skills,
		"overall": map[string]any{
			"success_count":   overall.Successes,
			"failure_count":   overall.Failures,
			"sample_count":    overall.Samples,
			"success_rate":    overall.SuccessRate(),
			"avg_duration_ms": overall.AvgLatencyMS(),
		},
	})
}
