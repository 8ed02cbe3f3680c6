package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"opsconsole/internal/model"
)

// RemoteError is a non-2xx response from the supervisor. Declared is set
// when the body carried a JSON error message.
type RemoteError struct {
	Status   int
	Message  string
	Declared bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type SupervisorClient struct {
	baseURL string
	client  *http.Client
}

var (
	_ Supervisor = (*SupervisorClient)(nil)
	_ Actions    = (*SupervisorClient)(nil)
)

func NewSupervisorClient(baseURL string, timeout time.Duration) *SupervisorClient {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SupervisorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *SupervisorClient) BaseURL() string {
	return c.baseURL
}

// StreamURL resolves a push channel path against the base URL.
func (c *SupervisorClient) StreamURL(path string) string {
	return c.baseURL + path
}

func (c *SupervisorClient) Health(ctx context.Context) (model.HealthSnapshot, error) {
	var out model.HealthSnapshot
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *SupervisorClient) ServiceStatus(ctx context.Context) (model.ServicesStatus, error) {
	var out model.ServicesStatus
	err := c.doJSON(ctx, http.MethodGet, "/dev-start/status", nil, nil, &out)
	return out, err
}

func (c *SupervisorClient) AIStatus(ctx context.Context) (model.AIStatus, error) {
	var out model.AIStatus
	err := c.doJSON(ctx, http.MethodGet, "/ai/status", nil, nil, &out)
	return out, err
}

func (c *SupervisorClient) WorkflowLoopStatus(ctx context.Context) (model.WorkflowLoopStatus, error) {
	var out model.WorkflowLoopStatus
	err := c.doJSON(ctx, http.MethodGet, "/workflow-loop/status", nil, nil, &out)
	return out, err
}

func (c *SupervisorClient) WorkflowLoopHistory(ctx context.Context) (model.WorkflowLoopHistory, error) {
	var out model.WorkflowLoopHistory
	err := c.doJSON(ctx, http.MethodGet, "/workflow-loop/history", nil, nil, &out)
	return out, err
}

func (c *SupervisorClient) LogHistory(ctx context.Context, limit int) ([]model.LogEntry, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var response struct {
		Entries []model.LogEntry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/logs/history", query, nil, &response); err != nil {
		return nil, err
	}
	return response.Entries, nil
}

func (c *SupervisorClient) LogFileTail(ctx context.Context, logType string, tailLines int) (model.LogFileTail, error) {
	query := map[string]string{}
	if tailLines > 0 {
		query["tail_lines"] = strconv.Itoa(tailLines)
	}
	var out model.LogFileTail
	err := c.doJSON(ctx, http.MethodGet, "/logs/file/"+url.PathEscape(strings.TrimSpace(logType)), query, nil, &out)
	return out, err
}

func (c *SupervisorClient) StopRunner(ctx context.Context) (model.Outcome, error) {
	return c.action(ctx, "/runner/stop", map[string]any{})
}

func (c *SupervisorClient) RestartRunner(ctx context.Context, rebuild bool) (model.Outcome, error) {
	return c.action(ctx, "/runner/restart", map[string]any{"rebuild": rebuild})
}

func (c *SupervisorClient) SetWatchdog(ctx context.Context, enabled bool, resetAttempts bool) (model.Outcome, error) {
	return c.action(ctx, "/runner/watchdog", map[string]any{"enabled": enabled, "reset_attempts": resetAttempts})
}

func (c *SupervisorClient) RestartSupervisor(ctx context.Context) (model.Outcome, error) {
	return c.action(ctx, "/supervisor/restart", map[string]any{})
}

func (c *SupervisorClient) DevStart(ctx context.Context, action DevStartAction) (model.Outcome, error) {
	return c.action(ctx, "/dev-start/"+string(action), map[string]any{})
}

func (c *SupervisorClient) StartAIDebug(ctx context.Context, prompt string) (model.Outcome, error) {
	if len(prompt) > MaxPromptChars {
		return model.Outcome{}, fmt.Errorf("prompt exceeds %d characters", MaxPromptChars)
	}
	return c.action(ctx, "/ai/debug", map[string]any{"prompt": prompt})
}

func (c *SupervisorClient) StopAI(ctx context.Context) (model.Outcome, error) {
	return c.action(ctx, "/ai/stop", map[string]any{})
}

func (c *SupervisorClient) SetAutoDebug(ctx context.Context, enabled bool) (model.Outcome, error) {
	return c.action(ctx, "/ai/auto-debug", map[string]any{"enabled": enabled})
}

func (c *SupervisorClient) StopWorkflowLoop(ctx context.Context) (model.Outcome, error) {
	return c.action(ctx, "/workflow-loop/stop", map[string]any{})
}

func (c *SupervisorClient) SignalWorkflowLoopRestart(ctx context.Context) (model.Outcome, error) {
	return c.action(ctx, "/workflow-loop/signal-restart", map[string]any{})
}

// action posts body and decodes the response into an Outcome. A declared
// failure (status error or timeout, or a non-2xx with an error body) is a
// soft failure; anything that prevents reading a response is returned as err.
func (c *SupervisorClient) action(ctx context.Context, path string, body any) (model.Outcome, error) {
	var response actionResponse
	err := c.doJSON(ctx, http.MethodPost, path, nil, body, &response)
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Declared {
		return model.Outcome{
			Kind:    model.OutcomeSoftFailure,
			Status:  "error",
			Message: remote.Message,
			Stderr:  remote.Message,
		}, nil
	}
	if err != nil {
		return model.Outcome{}, err
	}
	return response.outcome(), nil
}

type actionResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Error    string `json:"error"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exit_code"`
}

func (r actionResponse) outcome() model.Outcome {
	out := model.Outcome{
		Kind:    model.OutcomeOK,
		Status:  r.Status,
		Message: strings.TrimSpace(r.Message),
		Stdout:  r.Stdout,
		Stderr:  r.Stderr,
	}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "error", "timeout", "failed":
		out.Kind = model.OutcomeSoftFailure
	}
	if r.ExitCode != nil && *r.ExitCode != 0 {
		out.Kind = model.OutcomeSoftFailure
	}
	if strings.TrimSpace(r.Error) != "" {
		out.Kind = model.OutcomeSoftFailure
		if out.Message == "" {
			out.Message = strings.TrimSpace(r.Error)
		}
	}
	if out.Kind == model.OutcomeSoftFailure && out.Stderr == "" {
		out.Stderr = out.Message
	}
	return out
}

func (c *SupervisorClient) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return errors.Wrapf(err, "parse url %s", path)
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, path)
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil {
		if msg := strings.TrimSpace(wrapper.Error); msg != "" {
			return &RemoteError{Status: status, Message: msg, Declared: true}
		}
		if msg := strings.TrimSpace(wrapper.Message); msg != "" {
			return &RemoteError{Status: status, Message: msg, Declared: true}
		}
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RemoteError{Status: status, Message: msg}
}
