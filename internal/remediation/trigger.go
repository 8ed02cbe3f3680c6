// Package remediation turns a failed target into an AI debug session.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"opsconsole/internal/dispatch"
	"opsconsole/internal/logging"
	"opsconsole/internal/model"
	"opsconsole/internal/snapshot"
)

var ErrSessionActive = errors.New("an AI session is already running")

const (
	ActionKey = "ai-debug"

	DefaultLogTailLines   = 100
	DefaultMaxPromptChars = 50000

	truncationMarker = "\n...[truncated]\n"
	closingSection   = "## Task\n\nDiagnose the failure above and apply a fix. Do not explore the filesystem beyond files named in the output.\n"
)

type LogSource interface {
	LogFileTail(ctx context.Context, logType string, tailLines int) (model.LogFileTail, error)
}

type Starter interface {
	StartAIDebug(ctx context.Context, prompt string) (model.Outcome, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Session is the liveness side of a started session.
type Session interface {
	Arm()
	Active() bool
}

type Options struct {
	LogTailLines   int
	MaxPromptChars int
	Logger         *slog.Logger
}

type Trigger struct {
	store      *snapshot.Store
	logs       LogSource
	starter    Starter
	dispatcher Dispatcher
	session    Session
	tailLines  int
	maxChars   int
	logger     *slog.Logger
}

func New(store *snapshot.Store, logs LogSource, starter Starter, dispatcher Dispatcher, session Session, opts Options) *Trigger {
	tail := opts.LogTailLines
	if tail <= 0 {
		tail = DefaultLogTailLines
	}
	maxChars := opts.MaxPromptChars
	if maxChars <= 0 || maxChars > DefaultMaxPromptChars {
		maxChars = DefaultMaxPromptChars
	}
	return &Trigger{
		store:      store,
		logs:       logs,
		starter:    starter,
		dispatcher: dispatcher,
		session:    session,
		tailLines:  tail,
		maxChars:   maxChars,
		logger:     logging.OrDefault(opts.Logger).With("component", "remediation"),
	}
}

// LogTypeFor maps a target to the supervisor log file that best explains its
// failures.
func LogTypeFor(target model.Target) (string, bool) {
	switch target {
	case model.TargetRunner, model.TargetSupervisor:
		return "runner-tauri", true
	case model.TargetBackend, model.TargetServices, model.TargetDocker:
		return "backend-err", true
	case model.TargetFrontend:
		return "frontend-err", true
	default:
		return "", false
	}
}

// Running reports whether a session is believed to be in progress, either
// from the last ai-session read or from the local liveness monitor.
func (t *Trigger) Running() bool {
	if t.session != nil && t.session.Active() {
		return true
	}
	if t.store == nil {
		return false
	}
	status, _, ok := snapshot.Payload[model.AIStatus](t.store, model.DomainAISession)
	return ok && status.Running
}

// Trigger starts a debug session for target. The check against a running
// session is advisory; the supervisor makes the final call.
func (t *Trigger) Trigger(ctx context.Context, target model.Target) (dispatch.Result, error) {
	if t.Running() {
		return dispatch.Result{}, ErrSessionActive
	}
	return t.dispatcher.Dispatch(ctx, dispatch.Request{
		Key:    ActionKey,
		Label:  fmt.Sprintf("AI debug %s", target),
		Target: model.TargetAI,
		Domain: model.DomainAISession,
		Run: func(ctx context.Context) (model.Outcome, error) {
			prompt := t.Prompt(ctx, target)
			outcome, err := t.starter.StartAIDebug(ctx, prompt)
			if err != nil || outcome.Failed() {
				return outcome, err
			}
			t.markStarted()
			return outcome, nil
		},
	})
}

// SessionEnded records that the session finished. It is wired to the
// liveness monitor's completion callback.
func (t *Trigger) SessionEnded() {
	if t.store == nil {
		return
	}
	status, _, _ := snapshot.Payload[model.AIStatus](t.store, model.DomainAISession)
	if !status.Running {
		return
	}
	status.Running = false
	t.store.Update(model.DomainAISession, status, snapshot.SourceLocal)
	t.logger.Info("AI session ended")
}

func (t *Trigger) markStarted() {
	if t.store != nil {
		status, _, _ := snapshot.Payload[model.AIStatus](t.store, model.DomainAISession)
		status.Running = true
		t.store.Update(model.DomainAISession, status, snapshot.SourceLocal)
	}
	if t.session != nil {
		t.session.Arm()
	}
}

// Prompt assembles the debug prompt for target from its recorded error and
// the tail of its log file. A failed log fetch leaves the log section out.
func (t *Trigger) Prompt(ctx context.Context, target model.Target) string {
	var serviceErr *model.ServiceError
	if t.store != nil {
		if found, ok := t.store.ServiceError(target); ok {
			serviceErr = &found
		}
	}
	logTail := ""
	if logType, ok := LogTypeFor(target); ok && t.logs != nil {
		tail, err := t.logs.LogFileTail(ctx, logType, t.tailLines)
		if err != nil {
			t.logger.Debug("log tail unavailable", "target", target, "type", logType, "error", err)
		} else {
			logTail = tail.Content
		}
	}
	return BuildPrompt(target, serviceErr, logTail, t.maxChars)
}

// BuildPrompt renders the prompt sections and truncates the result to
// maxChars bytes, the unit the supervisor measures. The closing instruction
// is kept whenever it fits.
func BuildPrompt(target model.Target, serviceErr *model.ServiceError, logTail string, maxChars int) string {
	var b strings.Builder
	b.WriteString("# AI Debug Session\n\n")
	fmt.Fprintf(&b, "**Target:** %s\n", target)
	if serviceErr != nil && serviceErr.ActionKey != "" {
		fmt.Fprintf(&b, "**Failed action:** %s\n", serviceErr.ActionKey)
	}
	b.WriteString("\n")
	if serviceErr != nil {
		writeBlock(&b, "## Stderr", serviceErr.Stderr)
		writeBlock(&b, "## Stdout", serviceErr.Stdout)
	}
	writeBlock(&b, "## Recent Logs", logTail)
	body := b.String()

	if maxChars <= 0 {
		maxChars = DefaultMaxPromptChars
	}
	budget := maxChars - len(closingSection)
	if len(body) > budget {
		body = truncateBytes(body, budget-len(truncationMarker)) + truncationMarker
	}
	return truncateBytes(body+closingSection, maxChars)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func writeBlock(b *strings.Builder, heading string, content string) {
	content = strings.TrimRight(content, "\n")
	if strings.TrimSpace(content) == "" {
		return
	}
	b.WriteString(heading)
	b.WriteString("\n\n```\n")
	b.WriteString(content)
	b.WriteString("\n```\n\n")
}
