package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"opsconsole/internal/console"
	"opsconsole/internal/policy"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	posts    []string
	requests []string
	failing  string
}

func (f *fakeSupervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	failing := f.failing
	f.mu.Unlock()
	if r.Method == http.MethodPost {
		f.mu.Lock()
		f.posts = append(f.posts, r.URL.Path)
		f.mu.Unlock()
		if r.URL.Path == failing {
			_, _ = w.Write([]byte(`{"status":"error","message":"cargo build failed"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","message":"done"}`))
		return
	}
	switch r.URL.Path {
	case "/health":
		_, _ = w.Write([]byte(`{"status":"healthy","runner":{"running":true,"pid":77,"api_responding":true},"watchdog":{"enabled":true},"supervisor":{"version":"1.2.3"}}`))
	case "/dev-start/status":
		_, _ = w.Write([]byte(`{"services":[{"name":"api","port":8080,"available":true}]}`))
	case "/ai/status":
		_, _ = w.Write([]byte(`{"running":false,"auto_debug_enabled":true}`))
	case "/workflow-loop/status":
		_, _ = w.Write([]byte(`{"running":false,"phase":"idle","config":{"max_iterations":10}}`))
	case "/workflow-loop/history":
		_, _ = w.Write([]byte(`{"iterations":[],"total":0}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

func (f *fakeSupervisor) postCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, p := range f.posts {
		if p == path {
			count++
		}
	}
	return count
}

// firstRequest returns the index of the first request matching want, or -1.
func (f *fakeSupervisor) firstRequest(want string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, request := range f.requests {
		if request == want {
			return i
		}
	}
	return -1
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = previous })
	return &buf
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "console.yaml")
}

// fastConfig writes a config with a short post-action refresh delay.
func fastConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "console.yaml")
	if err := os.WriteFile(path, []byte("actions:\n  refresh_delay: 10ms\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testSettings(t *testing.T, baseURL string) *consoleSettings {
	return &consoleSettings{Policy: fastConfig(t), BaseURL: baseURL, LogLevel: "error", LogFormat: "text"}
}

func TestRootCommandRegistersCommands(t *testing.T) {
	rootCmd, err := newRootCommand()
	if err != nil {
		t.Fatalf("new root command: %v", err)
	}
	for _, name := range []string{"status", "watch", "do", "remediate", "actions", "logs", "config-init"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("expected %s command, got %v (%v)", name, cmd, err)
		}
	}
}

func TestConfigInitWritesLoadableDefault(t *testing.T) {
	out := captureStdout(t)
	path := filepath.Join(t.TempDir(), "nested", "console.yaml")
	if err := executeCLI([]string{"config-init", "--path", path}); err != nil {
		t.Fatalf("config-init: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected path in output, got %q", out.String())
	}
	cfg, _, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Supervisor.BaseURL != policy.Default().Supervisor.BaseURL {
		t.Fatalf("unexpected base url %q", cfg.Supervisor.BaseURL)
	}
}

func TestActionsJSONMarksDestructive(t *testing.T) {
	out := captureStdout(t)
	if err := executeCLI([]string{"actions", "--json", "--policy", missingConfig(t)}); err != nil {
		t.Fatalf("actions: %v", err)
	}
	var rows []actionRow
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v\n%s", err, out.String())
	}
	if len(rows) != len(console.Actions()) {
		t.Fatalf("expected %d rows, got %d", len(console.Actions()), len(rows))
	}
	confirmByKey := map[string]bool{}
	for _, row := range rows {
		confirmByKey[row.Key] = row.Confirm
	}
	if !confirmByKey["runner-rebuild"] || !confirmByKey["fresh"] {
		t.Fatalf("expected rebuild and fresh to need confirmation: %+v", confirmByKey)
	}
	if confirmByKey["runner-stop"] {
		t.Fatalf("runner-stop should not need confirmation")
	}
}

func TestStatusJSONReadsEveryDomain(t *testing.T) {
	supervisor := &fakeSupervisor{}
	server := httptest.NewServer(supervisor)
	defer server.Close()

	out := captureStdout(t)
	err := executeCLI([]string{"status", "--json", "--policy", missingConfig(t), "--base-url", server.URL})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view console.View
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v\n%s", err, out.String())
	}
	if view.Health.Supervisor.Version != "1.2.3" {
		t.Fatalf("expected supervisor version, got %+v", view.Health.Supervisor)
	}
	if len(view.Services.Services) != 1 || view.Services.Services[0].Name != "api" {
		t.Fatalf("expected api service, got %+v", view.Services)
	}
	for _, domain := range view.Domains {
		if !domain.Present || domain.FetchFailed {
			t.Fatalf("expected %s to be read, got %+v", domain.Domain, domain)
		}
	}
}

func TestStatusMarksUnreachableDomainsStale(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	out := captureStdout(t)
	err := executeCLI([]string{"status", "--policy", missingConfig(t), "--base-url", server.URL, "--log-level", "error"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "stale:") {
		t.Fatalf("expected stale marker, got:\n%s", out.String())
	}
}

func TestDoRunsActionAndPrintsRefreshedState(t *testing.T) {
	supervisor := &fakeSupervisor{}
	server := httptest.NewServer(supervisor)
	defer server.Close()

	out := captureStdout(t)
	err := executeCLI([]string{"do", "--action", "runner-stop", "--policy", fastConfig(t), "--base-url", server.URL})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if supervisor.postCount("/runner/stop") != 1 {
		t.Fatalf("expected one stop request, got %v", supervisor.posts)
	}
	stop := supervisor.firstRequest("POST /runner/stop")
	health := supervisor.firstRequest("GET /health")
	if health < stop {
		t.Fatalf("expected health to be re-read after the action, got %v", supervisor.requests)
	}
	if !strings.Contains(out.String(), "ok") || !strings.Contains(out.String(), "1.2.3") {
		t.Fatalf("expected outcome and refreshed health in output, got:\n%s", out.String())
	}
}

func TestDoDestructiveNeedsConfirmationWithoutTerminal(t *testing.T) {
	supervisor := &fakeSupervisor{}
	server := httptest.NewServer(supervisor)
	defer server.Close()

	captureStdout(t)
	common := testSettings(t, server.URL)
	err := runDo(context.Background(), common, &doSettings{Action: "fresh", NoInteraction: true})
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if len(supervisor.posts) != 0 {
		t.Fatalf("destructive action must not run: %v", supervisor.posts)
	}

	if err := runDo(context.Background(), common, &doSettings{Action: "fresh", Yes: true, NoInteraction: true}); err != nil {
		t.Fatalf("do --yes: %v", err)
	}
	if supervisor.postCount("/dev-start/fresh") != 1 || len(supervisor.posts) != 1 {
		t.Fatalf("expected the action to run once, got %v", supervisor.posts)
	}
}

func TestDoRejectsUnknownAction(t *testing.T) {
	captureStdout(t)
	common := testSettings(t, "http://127.0.0.1:1")
	err := runDo(context.Background(), common, &doSettings{Action: "launch-rockets", NoInteraction: true})
	if !errors.Is(err, console.ErrUnknownAction) || !strings.Contains(err.Error(), "launch-rockets") {
		t.Fatalf("expected unknown action error, got %v", err)
	}
	if err := runDo(context.Background(), common, &doSettings{NoInteraction: true}); err == nil || !strings.Contains(err.Error(), "--action") {
		t.Fatalf("expected missing action error, got %v", err)
	}
}

func TestDoReportsFailedOutcome(t *testing.T) {
	supervisor := &fakeSupervisor{failing: "/runner/restart"}
	server := httptest.NewServer(supervisor)
	defer server.Close()

	out := captureStdout(t)
	err := runDo(context.Background(), testSettings(t, server.URL), &doSettings{Action: "runner-restart", NoInteraction: true})
	if err == nil || !strings.Contains(err.Error(), "runner-restart failed") {
		t.Fatalf("expected failed action error, got %v", err)
	}
	if !strings.Contains(out.String(), "cargo build failed") {
		t.Fatalf("expected failure message in output, got:\n%s", out.String())
	}
}

func TestRemediateRejectsUnknownTarget(t *testing.T) {
	err := runRemediate(context.Background(), testSettings(t, "http://127.0.0.1:1"), &remediateSettings{Target: "AI", NoInteraction: true})
	if err == nil || !strings.Contains(err.Error(), "unknown target") {
		t.Fatalf("expected unknown target error, got %v", err)
	}
}

func TestParseTarget(t *testing.T) {
	target, err := parseTarget(" backend ")
	if err != nil || string(target) != "Backend" {
		t.Fatalf("expected Backend, got %q (%v)", target, err)
	}
	if _, err := parseTarget("AI"); err == nil {
		t.Fatalf("AI is not a remediation target")
	}
}
