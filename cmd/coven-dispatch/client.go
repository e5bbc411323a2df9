// ABOUTME: CLI subcommands that query a running coven-dispatch over its HTTP API
// ABOUTME: health, agents, tasks, stats and sweep print tables or summaries to stdout

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/api"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/store"
)

// apiClient talks to the HTTP API named in the local config.
type apiClient struct {
	baseURL string
	scope   string
	secret  string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	base := "http://" + cfg.Server.HTTPAddr
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Tailscale.Hostname
	}
	return &apiClient{
		baseURL: base,
		scope:   os.Getenv("COVEN_DISPATCH_SCOPE"),
		secret:  cfg.Maintenance.SharedSecret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends a request and decodes a JSON response into out (when non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, out any, bearer string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.scope != "" {
		req.Header.Set(api.ScopeHeader, c.scope)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func statusColor(status string) string {
	switch status {
	case "available", "completed":
		return color.GreenString(status)
	case "busy", "assigned":
		return color.CyanString(status)
	case "pending":
		return color.YellowString(status)
	case "offline", "escalated":
		return color.RedString(status)
	default:
		return status
	}
}

func runHealth(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodGet, "/health/ready", nil, ""); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	path := "/api/agents"
	if len(args) > 0 {
		path += "?status=" + url.QueryEscape(args[0])
	}

	var resp struct {
		Agents []api.AgentResponse `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, &resp, ""); err != nil {
		return err
	}
	if len(resp.Agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATUS\tLOAD\tCAPABILITIES")
	fmt.Fprintln(w, "  --\t----\t------\t----\t------------")
	for _, a := range resp.Agents {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, truncate(a.Name, 24), statusColor(a.Status), a.CurrentLoad, a.MaxConcurrent, truncate(fmt.Sprint(a.Capabilities), 40))
	}
	return w.Flush()
}

func runTasks(ctx context.Context, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	path := "/api/tasks"
	if len(args) > 0 {
		path += "?status=" + url.QueryEscape(args[0])
	}

	var resp struct {
		Tasks []api.TaskResponse `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, &resp, ""); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTITLE\tURGENCY\tSTATUS\tAGENT\tRETRIES\tCREATED")
	fmt.Fprintln(w, "  --\t-----\t-------\t------\t-----\t-------\t-------")
	for _, t := range resp.Tasks {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, truncate(t.Title, 32), t.Urgency, statusColor(t.Status), t.AssignedTo,
			t.RetryCount, t.MaxRetries, t.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func runStats(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var stats dispatch.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", &stats, ""); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("  Agents (%d)\n", stats.AgentsTotal)
	for _, s := range []store.AgentStatus{store.AgentAvailable, store.AgentBusy, store.AgentOffline} {
		fmt.Printf("    %-10s %d\n", s, stats.Agents[s])
	}
	cyan.Printf("  Tasks (%d)\n", stats.TasksTotal)
	for _, s := range []store.TaskStatus{store.TaskPending, store.TaskAssigned, store.TaskCompleted, store.TaskEscalated} {
		fmt.Printf("    %-10s %d\n", s, stats.Tasks[s])
	}
	cyan.Printf("  Routing decisions: %d\n", stats.Decisions)
	return nil
}

func runSweep(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if c.secret == "" {
		return fmt.Errorf("maintenance.shared_secret is not configured")
	}
	var resp api.MaintenanceResponse
	if err := c.do(ctx, http.MethodPost, "/api/maintenance", &resp, c.secret); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Routed %d pending task(s), reclaimed %d timed out\n", resp.Routed, resp.TimedOut)
	results := append(resp.RouteResults, resp.TimeoutResults...)
	for _, r := range results {
		line := fmt.Sprintf("    %s → %s", r.TaskID, r.Routing.Status)
		if r.Routing.AgentID != "" {
			line += " (" + r.Routing.AgentID + ")"
		}
		if r.Error != "" {
			line += " " + color.RedString(r.Error)
		}
		fmt.Println(line)
	}
	return nil
}
