package serviceapi

import (
	"context"

	"opsconsole/internal/model"
)

// Supervisor is the read side of the supervisor API used by pollers and the
// remediation trigger.
type Supervisor interface {
	Health(ctx context.Context) (model.HealthSnapshot, error)
	ServiceStatus(ctx context.Context) (model.ServicesStatus, error)
	AIStatus(ctx context.Context) (model.AIStatus, error)
	WorkflowLoopStatus(ctx context.Context) (model.WorkflowLoopStatus, error)
	WorkflowLoopHistory(ctx context.Context) (model.WorkflowLoopHistory, error)
	LogHistory(ctx context.Context, limit int) ([]model.LogEntry, error)
	LogFileTail(ctx context.Context, logType string, tailLines int) (model.LogFileTail, error)
}

// Actions is the control side. Every call returns a decoded outcome; the
// error is non-nil only for transport or decoding failures.
type Actions interface {
	StopRunner(ctx context.Context) (model.Outcome, error)
	RestartRunner(ctx context.Context, rebuild bool) (model.Outcome, error)
	SetWatchdog(ctx context.Context, enabled bool, resetAttempts bool) (model.Outcome, error)
	RestartSupervisor(ctx context.Context) (model.Outcome, error)
	DevStart(ctx context.Context, action DevStartAction) (model.Outcome, error)
	StartAIDebug(ctx context.Context, prompt string) (model.Outcome, error)
	StopAI(ctx context.Context) (model.Outcome, error)
	SetAutoDebug(ctx context.Context, enabled bool) (model.Outcome, error)
	StopWorkflowLoop(ctx context.Context) (model.Outcome, error)
	SignalWorkflowLoopRestart(ctx context.Context) (model.Outcome, error)
}

type DevStartAction string

const (
	DevStartBackend      DevStartAction = "backend"
	DevStartBackendStop  DevStartAction = "backend/stop"
	DevStartFrontend     DevStartAction = "frontend"
	DevStartFrontendStop DevStartAction = "frontend/stop"
	DevStartDocker       DevStartAction = "docker"
	DevStartDockerStop   DevStartAction = "docker/stop"
	DevStartAll          DevStartAction = "all"
	DevStartStop         DevStartAction = "stop"
	DevStartClean        DevStartAction = "clean"
	DevStartFresh        DevStartAction = "fresh"
	DevStartMigrate      DevStartAction = "migrate"
)

// Log file types served by /logs/file/{type}.
const (
	LogTypeRunner      = "runner-tauri"
	LogTypeBackend     = "backend"
	LogTypeBackendErr  = "backend-err"
	LogTypeFrontend    = "frontend"
	LogTypeFrontendErr = "frontend-err"
	LogTypeGeneral     = "runner-general"
	LogTypeAIOutput    = "ai-output"
)

// Push channel paths and event names.
const (
	StreamLogs         = "/logs/stream"
	StreamAIOutput     = "/ai/output/stream"
	StreamWorkflowLoop = "/workflow-loop/stream"

	EventLog          = "log"
	EventAIOutput     = "ai_output"
	EventWorkflowLoop = "status"
)

// MaxPromptChars is the supervisor's limit on /ai/debug prompts.
const MaxPromptChars = 50000
