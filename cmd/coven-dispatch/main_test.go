// ABOUTME: Tests for coven-dispatch CLI helpers
// ABOUTME: Covers config path resolution, the color log handler and the HTTP client

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/api"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_DISPATCH_CONFIG", "/etc/coven/dispatch.yaml")
	assert.Equal(t, "/etc/coven/dispatch.yaml", getConfigPath())

	t.Setenv("COVEN_DISPATCH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "dispatch.yaml"), getConfigPath())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.With("component", "dispatch").WithGroup("task").Info("routed", "id", "tk_1")
	out := buf.String()
	assert.Contains(t, out, "routed")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "task.id=")
	assert.Contains(t, out, "tk_1")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestAPIClient_Do(t *testing.T) {
	var gotScope, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope = r.Header.Get(api.ScopeHeader)
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"routed":2}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		}
	}))
	defer ts.Close()

	c := &apiClient{baseURL: ts.URL, scope: "team-a", http: ts.Client()}

	var resp api.MaintenanceResponse
	require.NoError(t, c.do(context.Background(), http.MethodPost, "/ok", &resp, "s3cret"))
	assert.Equal(t, 2, resp.Routed)
	assert.Equal(t, "team-a", gotScope)
	assert.Equal(t, "Bearer s3cret", gotAuth)

	err := c.do(context.Background(), http.MethodGet, "/denied", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized (status 401)")
	assert.Empty(t, gotAuth)
}
