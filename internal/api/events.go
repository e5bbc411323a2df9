// ABOUTME: Server-Sent Events stream of task lifecycle events, plus maintenance and stats endpoints
// ABOUTME: The stream is scoped by X-Scope and ends when the client disconnects

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/notify"
)

// keepaliveInterval is how often an idle stream gets a comment line.
const keepaliveInterval = 25 * time.Second

// MaintenanceResponse reports one maintenance run.
type MaintenanceResponse struct {
	Routed         int                    `json:"routed"`
	TimedOut       int                    `json:"timed_out"`
	RouteResults   []dispatch.SweepResult `json:"route_results"`
	TimeoutResults []dispatch.SweepResult `json:"timeout_results"`
	ProcessedAt    time.Time              `json:"processed_at"`
}

// handleMaintenance routes every pending task of the scope, then reclaims
// timed-out assignments.
func (a *API) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if status, msg := a.authorizeMaintenance(r); status != 0 {
		a.sendJSONError(w, status, msg)
		return
	}

	scope := requestScope(r)
	routed, err := a.dispatcher.RoutePending(r.Context(), scope)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	timedOut, err := a.dispatcher.CheckTimeouts(r.Context(), scope)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	a.logger.Info("maintenance run", "scope", scope, "routed", len(routed), "timed_out", len(timedOut))
	a.sendJSON(w, http.StatusOK, MaintenanceResponse{
		Routed:         len(routed),
		TimedOut:       len(timedOut),
		RouteResults:   routed,
		TimeoutResults: timedOut,
		ProcessedAt:    time.Now().UTC(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.dispatcher.Stats(r.Context(), requestScope(r))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, stats)
}

// handleEvents streams lifecycle events of the request scope as SSE.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.broadcaster == nil {
		a.sendJSONError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	scope := requestScope(r)
	events, subID := a.broadcaster.Subscribe(r.Context(), scope)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	a.writeSSEEvent(w, "connected", map[string]string{"scope": scope, "subscription_id": subID})
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			a.writeSSEEvent(w, string(event.Type), eventResponse(event))
			flusher.Flush()
		}
	}
}

func eventResponse(e notify.Event) EventResponse {
	resp := EventResponse{
		Type:      string(e.Type),
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		Timestamp: e.Timestamp,
	}
	if e.Task != nil {
		t := taskResponse(e.Task)
		resp.Task = &t
	}
	return resp
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
