// ABOUTME: Task endpoints: submit, list, get, delete, manual route, completion callback and audit trail
// ABOUTME: Submission honours Idempotency-Key so client retries return the original task

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/store"
)

// IdempotentReplayHeader is set on responses answered from the idempotency cache.
const IdempotentReplayHeader = "Idempotent-Replayed"

// scopedTask loads a task and hides tasks that belong to another scope.
func (a *API) scopedTask(ctx context.Context, scope, id string) (*store.Task, error) {
	task, err := a.dispatcher.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Scope != scope {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var spec dispatch.TaskSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec.Scope = requestScope(r)

	key := r.Header.Get(IdempotencyHeader)
	if key == "" || a.idem == nil {
		a.submit(w, r, spec)
		return
	}

	cacheKey := spec.Scope + "\x00" + key
	taskID, claimed := a.idem.Claim(cacheKey)
	if !claimed {
		if taskID == "" {
			a.sendJSONError(w, http.StatusConflict, "a request with this idempotency key is in progress")
			return
		}
		task, err := a.scopedTask(r.Context(), spec.Scope, taskID)
		if err != nil {
			a.sendError(w, r, err)
			return
		}
		a.logger.Debug("idempotent submission replayed", "task_id", task.ID)
		w.Header().Set(IdempotentReplayHeader, "true")
		a.sendJSON(w, http.StatusOK, ResultResponse{
			Task: taskResponse(task),
			Routing: dispatch.RoutingResult{
				Status:     dispatch.StatusAlreadyRouted,
				AssignedTo: task.AssignedTo,
			},
		})
		return
	}

	res := a.submit(w, r, spec)
	if res == nil {
		a.idem.Forget(cacheKey)
		return
	}
	a.idem.Set(cacheKey, res.Task.ID)
}

// submit runs a submission and writes the response. Returns nil on failure.
func (a *API) submit(w http.ResponseWriter, r *http.Request, spec dispatch.TaskSpec) *dispatch.Result {
	res, err := a.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		a.sendError(w, r, err)
		return nil
	}
	a.sendJSON(w, http.StatusCreated, resultResponse(res))
	return res
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Scope:      requestScope(r),
		Status:     store.TaskStatus(q.Get("status")),
		AssignedTo: q.Get("assigned_to"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			a.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	tasks, err := a.dispatcher.List(r.Context(), filter)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	out := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = taskResponse(t)
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"tasks": out, "total": len(out)})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.scopedTask(r.Context(), requestScope(r), r.PathValue("id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"task": taskResponse(task)})
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.scopedTask(r.Context(), requestScope(r), id); err != nil {
		a.sendError(w, r, err)
		return
	}
	deleted, err := a.dispatcher.Delete(r.Context(), id)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	if !deleted {
		a.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleRouteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.scopedTask(r.Context(), requestScope(r), id); err != nil {
		a.sendError(w, r, err)
		return
	}
	res, err := a.dispatcher.Route(r.Context(), id)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, resultResponse(res))
}

func (a *API) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var c dispatch.Completion
	if err := decodeJSON(w, r, &c); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	if _, err := a.scopedTask(r.Context(), requestScope(r), id); err != nil {
		a.sendError(w, r, err)
		return
	}
	res, err := a.dispatcher.Complete(r.Context(), id, c)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, resultResponse(res))
}

func (a *API) handleTaskDecisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.scopedTask(r.Context(), requestScope(r), id); err != nil {
		a.sendError(w, r, err)
		return
	}
	decisions, err := a.dispatcher.Decisions(r.Context(), id)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	out := make([]DecisionResponse, len(decisions))
	for i, d := range decisions {
		out[i] = decisionResponse(d)
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"decisions": out, "total": len(out)})
}
