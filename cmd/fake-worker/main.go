// ABOUTME: Minimal fake worker for E2E testing: registers over HTTP, polls for assignments and completes them
// ABOUTME: Usage: fake-worker [-addr http://localhost:8080] [-id fake-worker] [-skills go,review] [-fail-rate 0.1]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/coven-dispatch/internal/api"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/registry"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "dispatch HTTP address")
	agentID := flag.String("id", "fake-worker", "Agent ID")
	name := flag.String("name", "Fake Worker", "Agent display name")
	skills := flag.String("skills", "go", "Comma-separated capabilities")
	maxConcurrent := flag.Int("max", 2, "Maximum concurrent tasks")
	scope := flag.String("scope", "", "Scope to register in (default scope when empty)")
	failRate := flag.Float64("fail-rate", 0, "Fraction of tasks to report as failed")
	work := flag.Duration("work", 500*time.Millisecond, "Simulated work per task")
	poll := flag.Duration("poll", time.Second, "Poll interval")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := &worker{
		baseURL:  strings.TrimRight(*addr, "/"),
		scope:    *scope,
		failRate: *failRate,
		work:     *work,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	spec := registry.Spec{
		ID:            *agentID,
		Name:          *name,
		Capabilities:  strings.Split(*skills, ","),
		MaxConcurrent: *maxConcurrent,
	}
	if err := w.run(ctx, spec, *poll); err != nil {
		log.Fatal(err)
	}
}

type worker struct {
	baseURL  string
	scope    string
	agentID  string
	failRate float64
	work     time.Duration
	client   *http.Client
}

func (w *worker) run(ctx context.Context, spec registry.Spec, poll time.Duration) error {
	var reg struct {
		Agent api.AgentResponse `json:"agent"`
	}
	if err := w.call(ctx, http.MethodPost, "/api/agents", spec, &reg); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	w.agentID = reg.Agent.ID
	fmt.Fprintf(os.Stderr, "registered as %s (%s)\n", reg.Agent.ID, strings.Join(reg.Agent.Capabilities, ","))

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := w.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			log.Printf("poll error: %v", err)
		}
		select {
		case <-ctx.Done():
			w.goOffline()
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce completes every task currently assigned to the worker and
// returns how many it finished.
func (w *worker) pollOnce(ctx context.Context) (int, error) {
	var list struct {
		Tasks []api.TaskResponse `json:"tasks"`
	}
	path := "/api/tasks?status=assigned&assigned_to=" + url.QueryEscape(w.agentID)
	if err := w.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return 0, err
	}

	done := 0
	for _, t := range list.Tasks {
		log.Printf("working on %s: %s", t.ID, t.Title)
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-time.After(w.work):
		}

		if err := w.call(ctx, http.MethodPost, "/api/tasks/"+t.ID+"/complete", w.outcome(t), nil); err != nil {
			log.Printf("complete error for %s: %v", t.ID, err)
			continue
		}
		done++
	}
	return done, nil
}

func (w *worker) outcome(t api.TaskResponse) dispatch.Completion {
	if w.failRate > 0 && rand.Float64() < w.failRate {
		return dispatch.Completion{Success: false, Error: "simulated failure"}
	}
	result, _ := json.Marshal(map[string]string{"echo": t.Title})
	return dispatch.Completion{Success: true, Result: result}
}

func (w *worker) goOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	body := api.UpdateStatusRequest{Status: "offline"}
	if err := w.call(ctx, http.MethodPut, "/api/agents/"+w.agentID+"/status", body, nil); err != nil {
		log.Printf("going offline: %v", err)
	}
}

func (w *worker) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.scope != "" {
		req.Header.Set(api.ScopeHeader, w.scope)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
