package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"opsconsole/internal/clock"
	"opsconsole/internal/dispatch"
	"opsconsole/internal/logging"
	"opsconsole/internal/model"
	"opsconsole/internal/policy"
	"opsconsole/internal/serviceapi"
	"opsconsole/internal/snapshot"
)

// fakeSupervisor serves the supervisor routes the console reads and calls.
type fakeSupervisor struct {
	t *testing.T

	mu          sync.Mutex
	health      string
	healthFail  bool
	loop        string
	aiRunning   bool
	actionCalls map[string]int
	responses   map[string]func(w http.ResponseWriter)

	loopEvents chan string
	aiEvents   chan string
}

func newFakeSupervisor(t *testing.T) *fakeSupervisor {
	return &fakeSupervisor{
		t:           t,
		health:      `{"status":"healthy","runner":{"running":true,"api_responding":true},"build":{"in_progress":false,"error_detected":false}}`,
		loop:        `{"running":false,"config":{"max_iterations":5},"current_iteration":0,"phase":"idle","iteration_count":0,"restart_signaled":false}`,
		actionCalls: map[string]int{},
		responses:   map[string]func(w http.ResponseWriter){},
		loopEvents:  make(chan string, 8),
		aiEvents:    make(chan string, 8),
	}
}

func (f *fakeSupervisor) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeSupervisor) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actionCalls[path]
}

func (f *fakeSupervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case serviceapi.StreamLogs:
		f.stream(w, r, nil, "")
		return
	case serviceapi.StreamAIOutput:
		f.stream(w, r, f.aiEvents, serviceapi.EventAIOutput)
		return
	case serviceapi.StreamWorkflowLoop:
		f.stream(w, r, f.loopEvents, serviceapi.EventWorkflowLoop)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Method == http.MethodPost {
		f.actionCalls[r.URL.Path]++
		if respond, ok := f.responses[r.URL.Path]; ok {
			respond(w)
			return
		}
		_, _ = io.WriteString(w, `{"status":"ok","message":"done"}`)
		return
	}
	switch r.URL.Path {
	case "/health":
		if f.healthFail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, f.health)
	case "/dev-start/status":
		_, _ = io.WriteString(w, `{"services":[{"name":"backend","port":8000,"available":true}]}`)
	case "/workflow-loop/status":
		_, _ = io.WriteString(w, f.loop)
	case "/workflow-loop/history":
		_, _ = io.WriteString(w, `{"iterations":[],"total":0}`)
	case "/ai/status":
		_, _ = fmt.Fprintf(w, `{"running":%t,"auto_debug_enabled":false,"external_claude_session":false,"pending_debug":false}`, f.aiRunning)
	case "/logs/history":
		_, _ = io.WriteString(w, `{"entries":[`+
			`{"timestamp":"2026-01-02T03:04:07Z","source":"runner","level":"info","message":"third"},`+
			`{"timestamp":"2026-01-02T03:04:06Z","source":"runner","level":"info","message":"second"},`+
			`{"timestamp":"2026-01-02T03:04:05Z","source":"runner","level":"info","message":"first"}`+
			`],"total":3,"limit":500}`)
	case "/logs/file/runner-tauri":
		_, _ = io.WriteString(w, `{"file":"runner-tauri.log","type":"runner-tauri","content":"panic: index out of range","lines":1}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSupervisor) stream(w http.ResponseWriter, r *http.Request, events chan string, name string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-events:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

type harness struct {
	fake    *fakeSupervisor
	clock   *clock.Fake
	console *Console
}

func newHarness(t *testing.T, mutate func(*policy.Config), opts Options) *harness {
	t.Helper()
	fake := newFakeSupervisor(t)
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := policy.Default()
	cfg.Supervisor.BaseURL = server.URL
	if mutate != nil {
		mutate(&cfg)
	}
	fakeClock := clock.NewFake(time.Unix(1_700_000_000, 0))
	opts.Clock = fakeClock
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	c, err := New(cfg, serviceapi.NewSupervisorClient(server.URL, 2*time.Second), opts)
	if err != nil {
		t.Fatalf("new console: %v", err)
	}
	t.Cleanup(c.Close)
	return &harness{fake: fake, clock: fakeClock, console: c}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.console.Start(context.Background()); err != nil {
		t.Fatalf("start console: %v", err)
	}
	waitFor(t, "initial polls", func() bool {
		for _, poller := range h.console.View().Pollers {
			if poller.TotalPolls < 1 {
				return false
			}
		}
		return true
	})
	waitFor(t, "streams connected", func() bool {
		for _, stream := range h.console.View().Streams {
			if !stream.Connected {
				return false
			}
		}
		return true
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerStopFailureIsRecordedAndClearedBySuccess(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.fake.set(func() {
		h.fake.responses["/runner/stop"] = func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"boom"}`)
		}
	})
	ctx := context.Background()

	result, err := h.console.Dispatch(ctx, "runner-stop")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Outcome.Kind != model.OutcomeSoftFailure {
		t.Fatalf("expected soft failure, got %+v", result.Outcome)
	}
	serviceErr, ok := h.console.Store().ServiceError(model.TargetRunner)
	if !ok || serviceErr.Stderr != "boom" || serviceErr.Origin != model.ErrorOriginAction {
		t.Fatalf("expected runner error boom, got %+v ok=%v", serviceErr, ok)
	}
	view := h.console.View()
	if len(view.Errors) != 1 || len(view.Notifications) != 1 || view.Notifications[0].Level != model.NotificationError {
		t.Fatalf("unexpected view errors=%+v notifications=%+v", view.Errors, view.Notifications)
	}

	h.fake.set(func() { delete(h.fake.responses, "/runner/stop") })
	if _, err := h.console.Dispatch(ctx, "runner-stop"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := h.console.Store().ServiceError(model.TargetRunner); ok {
		t.Fatalf("expected success to clear the runner error")
	}
}

func TestUnknownActionIsRejected(t *testing.T) {
	h := newHarness(t, nil, Options{})
	if _, err := h.console.Dispatch(context.Background(), "runner-explode"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestDestructiveActionWaitsForConfirmation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	broker := h.console.Confirmations()
	var prompted []model.ConfirmationRequest
	broker.SetPrompt(func(request model.ConfirmationRequest) {
		prompted = append(prompted, request)
		_ = broker.Cancel(request.ID)
	})

	_, err := h.console.Dispatch(context.Background(), "supervisor-restart")
	if !errors.Is(err, dispatch.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(prompted) != 1 || !strings.Contains(prompted[0].Message, "supervisor") {
		t.Fatalf("expected one supervisor prompt, got %+v", prompted)
	}
	if h.fake.calls("/supervisor/restart") != 0 {
		t.Fatalf("expected no restart request without confirmation")
	}

	broker.SetPrompt(func(request model.ConfirmationRequest) { _ = broker.Resolve(request.ID, true) })
	if _, err := h.console.Dispatch(context.Background(), "supervisor-restart"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if h.fake.calls("/supervisor/restart") != 1 {
		t.Fatalf("expected restart after confirmation")
	}
}

func TestConfirmUnknownDoesNotAffectCatalogKeys(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.Actions.ConfirmUnknown = true
	}, Options{})
	broker := h.console.Confirmations()
	broker.SetPrompt(func(request model.ConfirmationRequest) { _ = broker.Cancel(request.ID) })
	if _, err := h.console.Dispatch(context.Background(), "backend-start"); err != nil {
		t.Fatalf("expected non-destructive catalog key to run, got %v", err)
	}
	if !h.console.Destructive("some-new-key") {
		t.Fatalf("expected unknown key to need confirmation")
	}
}

func TestBuildErrorRaisesExternalRunnerError(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	h.fake.set(func() {
		h.fake.health = `{"status":"degraded","runner":{"running":false},"build":{"in_progress":false,"error_detected":true,"last_error":"error[E0425]: cannot find value"}}`
	})
	if err := h.console.Refresh(ctx, model.DomainHealth); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	serviceErr, ok := h.console.Store().ServiceError(model.TargetRunner)
	if !ok || serviceErr.Origin != model.ErrorOriginExternal || !strings.Contains(serviceErr.Stderr, "E0425") {
		t.Fatalf("expected external runner error, got %+v ok=%v", serviceErr, ok)
	}

	h.fake.set(func() {
		h.fake.health = `{"status":"healthy","runner":{"running":true},"build":{"in_progress":false,"error_detected":false}}`
	})
	if err := h.console.Refresh(ctx, model.DomainHealth); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := h.console.Store().ServiceError(model.TargetRunner); ok {
		t.Fatalf("expected external error to clear with the condition")
	}
}

func TestFailedPollKeepsLastPayload(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	if err := h.console.Refresh(ctx, model.DomainHealth); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.fake.set(func() { h.fake.healthFail = true })
	if err := h.console.Refresh(ctx, model.DomainHealth); err == nil {
		t.Fatalf("expected failed refresh")
	}
	health, snap, ok := snapshot.Payload[model.HealthSnapshot](h.console.Store(), model.DomainHealth)
	if !ok || health.Status != model.OverallHealthy || !snap.FetchFailed {
		t.Fatalf("expected stale healthy payload flagged as failed, got %+v %+v", health, snap)
	}

	h.fake.set(func() { h.fake.healthFail = false })
	if err := h.console.Refresh(ctx, model.DomainHealth); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, snap, _ := snapshot.Payload[model.HealthSnapshot](h.console.Store(), model.DomainHealth); snap.FetchFailed {
		t.Fatalf("expected successful poll to clear the failure flag")
	}
}

func TestWorkflowLoopPushAndGracefulStop(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.start(t)

	running := model.WorkflowLoopStatus{
		Running:          true,
		Config:           model.WorkflowLoopConfig{MaxIterations: 4},
		CurrentIteration: 2,
		Phase:            model.LoopPhaseRunningWorkflow,
	}
	h.pushLoop(t, running)
	waitFor(t, "pushed loop status", func() bool {
		status, snap, ok := snapshot.Payload[model.WorkflowLoopStatus](h.console.Store(), model.DomainWorkflowLoop)
		return ok && snap.Source == snapshot.SourcePush && status.Phase == model.LoopPhaseRunningWorkflow
	})
	if progress := h.console.View().Loop.Progress; progress != 50 {
		t.Fatalf("expected 50%% progress, got %v", progress)
	}

	result, err := h.console.Dispatch(context.Background(), "workflow-loop-stop")
	if err != nil || result.Outcome.Kind != model.OutcomeOK {
		t.Fatalf("stop: %+v err=%v", result, err)
	}
	if view := h.console.View(); !view.Loop.StopPending || !view.Loop.Status.Running {
		t.Fatalf("expected loop still running with stop pending, got %+v", view.Loop)
	}

	stopped := running
	stopped.Running = false
	stopped.Phase = model.LoopPhaseStopped
	h.pushLoop(t, stopped)
	waitFor(t, "stopped loop status", func() bool {
		view := h.console.View()
		return !view.Loop.Status.Running && !view.Loop.StopPending && view.Loop.Terminal
	})
}

func (h *harness) pushLoop(t *testing.T, status model.WorkflowLoopStatus) {
	t.Helper()
	encoded, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("encode status: %v", err)
	}
	h.fake.loopEvents <- string(encoded)
}

func TestRefreshFollowsActionAfterDelay(t *testing.T) {
	h := newHarness(t, nil, Options{})
	if _, err := h.console.Dispatch(context.Background(), "backend-start"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := h.console.Store().Get(model.DomainPorts); ok {
		t.Fatalf("expected no ports read before the refresh delay")
	}
	h.clock.Advance(1500 * time.Millisecond)
	services, _, ok := snapshot.Payload[model.ServicesStatus](h.console.Store(), model.DomainPorts)
	if !ok || len(services.Services) != 1 {
		t.Fatalf("expected ports refreshed after delay, got %+v", services)
	}
}

func TestAIOutputKeepsSessionAliveAndRemediationArms(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.start(t)
	h.console.Store().SetServiceError(model.ServiceError{Target: model.TargetRunner, Stderr: "boom"})

	result, err := h.console.Remediate(context.Background(), model.TargetRunner)
	if err != nil || result.Outcome.Kind != model.OutcomeOK {
		t.Fatalf("remediate: %+v err=%v", result, err)
	}
	if !h.console.Monitor().Active() {
		t.Fatalf("expected liveness monitor armed")
	}
	if h.fake.calls("/ai/debug") != 1 {
		t.Fatalf("expected one debug request")
	}

	h.fake.aiEvents <- `[{"timestamp":"2026-01-02T03:04:05Z","kind":"text","content":"reading main.rs"}]`
	waitFor(t, "ai output", func() bool { return len(h.console.AIOutput(0)) == 1 })

	h.fake.set(func() { h.fake.aiRunning = false })
	h.clock.Advance(31 * time.Second)
	waitFor(t, "session completion", func() bool {
		status, _, _ := snapshot.Payload[model.AIStatus](h.console.Store(), model.DomainAISession)
		return !status.Running && !h.console.Monitor().Active()
	})
}

func TestSeededLogsAndRingLimit(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.start(t)
	logs := h.console.Logs(0)
	if len(logs) != 3 || logs[0].Message != "first" || logs[2].Message != "third" {
		t.Fatalf("expected seeded history oldest first, got %+v", logs)
	}
	tail := h.console.Logs(2)
	if len(tail) != 2 || tail[0].Message != "second" || tail[1].Message != "third" {
		t.Fatalf("expected the two newest entries in order, got %+v", tail)
	}
	r := newRing[int](3)
	r.push(1, 2, 3, 4, 5)
	if got := r.last(0); len(got) != 3 || got[0] != 3 || got[2] != 5 || r.seen() != 5 {
		t.Fatalf("unexpected ring contents %v", got)
	}
	if got := r.last(2); got[0] != 4 {
		t.Fatalf("unexpected tail %v", got)
	}
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger(t *testing.T, level string) (*syncBuffer, *slog.Logger) {
	t.Helper()
	out := &syncBuffer{}
	logger, err := logging.New(out, level, logging.FormatText)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return out, logger
}

func TestLoopPhaseJumpsAreLogged(t *testing.T) {
	out, logger := bufferLogger(t, "debug")
	h := newHarness(t, nil, Options{Logger: logger})
	ctx := context.Background()
	if err := h.console.Refresh(ctx, model.DomainWorkflowLoop); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if strings.Contains(out.String(), "workflow loop phase") {
		t.Fatalf("expected no phase warning for the first status, got:\n%s", out)
	}

	h.fake.set(func() {
		h.fake.loop = `{"running":false,"config":{"max_iterations":5},"current_iteration":5,"phase":"complete"}`
	})
	if err := h.console.Refresh(ctx, model.DomainWorkflowLoop); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.Contains(out.String(), "unexpected workflow loop phase change") {
		t.Fatalf("expected idle to complete to be logged, got:\n%s", out)
	}

	h.fake.set(func() {
		h.fake.loop = `{"running":true,"config":{"max_iterations":5},"current_iteration":1,"phase":"warming_up"}`
	})
	if err := h.console.Refresh(ctx, model.DomainWorkflowLoop); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.Contains(out.String(), "unknown workflow loop phase") || !strings.Contains(out.String(), "warming_up") {
		t.Fatalf("expected unknown phase warning, got:\n%s", out)
	}
	loop, _, _ := snapshot.Payload[model.WorkflowLoopStatus](h.console.Store(), model.DomainWorkflowLoop)
	if loop.Phase != "warming_up" {
		t.Fatalf("expected unknown phase to be stored anyway, got %q", loop.Phase)
	}
}

func TestNotificationsAreLogged(t *testing.T) {
	out, logger := bufferLogger(t, "info")
	h := newHarness(t, nil, Options{Logger: logger})
	if _, err := h.console.Dispatch(context.Background(), "backend-start"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(out.String(), "msg=notification") || !strings.Contains(out.String(), "succeeded") {
		t.Fatalf("expected success notification in log, got:\n%s", out)
	}
}

func TestViewReportsRelayState(t *testing.T) {
	h := newHarness(t, nil, Options{})
	if relay := h.console.View().Relay; relay.Running || relay.Error == "" || relay.Mirroring {
		t.Fatalf("expected stopped relay before start, got %+v", relay)
	}
	h.start(t)
	if relay := h.console.View().Relay; !relay.Running || relay.Error != "" {
		t.Fatalf("expected running relay after start, got %+v", relay)
	}
}
