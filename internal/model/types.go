package model

import "time"

type Domain string

const (
	DomainHealth          Domain = "health"
	DomainPorts           Domain = "ports"
	DomainWorkflowLoop    Domain = "workflow-loop"
	DomainWorkflowHistory Domain = "workflow-history"
	DomainAISession       Domain = "ai-session"
)

func AllDomains() []Domain {
	return []Domain{DomainHealth, DomainPorts, DomainWorkflowLoop, DomainWorkflowHistory, DomainAISession}
}

type Target string

const (
	TargetRunner     Target = "Runner"
	TargetSupervisor Target = "Supervisor"
	TargetBackend    Target = "Backend"
	TargetFrontend   Target = "Frontend"
	TargetDocker     Target = "Docker"
	TargetServices   Target = "Services"
	TargetAI         Target = "AI"
	TargetLoop       Target = "WorkflowLoop"
)

type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallBuilding OverallStatus = "building"
	OverallStopped  OverallStatus = "stopped"
)

type HealthSnapshot struct {
	Status     OverallStatus    `json:"status"`
	Runner     RunnerHealth     `json:"runner"`
	Ports      PortsHealth      `json:"ports"`
	Watchdog   WatchdogHealth   `json:"watchdog"`
	Build      BuildHealth      `json:"build"`
	Supervisor SupervisorHealth `json:"supervisor"`
}

type RunnerHealth struct {
	Running       bool       `json:"running"`
	PID           *int       `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	APIResponding bool       `json:"api_responding"`
	Mode          string     `json:"mode,omitempty"`
}

type PortStatus struct {
	Port  int  `json:"port"`
	InUse bool `json:"in_use"`
}

type PortsHealth struct {
	APIPort  PortStatus `json:"api_port"`
	VitePort PortStatus `json:"vite_port"`
}

type WatchdogHealth struct {
	Enabled         bool       `json:"enabled"`
	RestartAttempts int        `json:"restart_attempts"`
	LastRestartAt   *time.Time `json:"last_restart_at,omitempty"`
	DisabledReason  string     `json:"disabled_reason,omitempty"`
	CrashCount      int        `json:"crash_count"`
}

type BuildHealth struct {
	InProgress    bool       `json:"in_progress"`
	ErrorDetected bool       `json:"error_detected"`
	LastError     string     `json:"last_error,omitempty"`
	LastBuildAt   *time.Time `json:"last_build_at,omitempty"`
}

type SupervisorHealth struct {
	Version    string `json:"version"`
	DevMode    bool   `json:"dev_mode"`
	ProjectDir string `json:"project_dir,omitempty"`
}

type ServiceStatus struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	Available bool   `json:"available"`
}

type ServicesStatus struct {
	Services []ServiceStatus `json:"services"`
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

type LogFileTail struct {
	File    string `json:"file"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Lines   int    `json:"lines"`
}

type AIStatus struct {
	Running            bool            `json:"running"`
	Provider           string          `json:"provider,omitempty"`
	Model              string          `json:"model,omitempty"`
	AutoDebugEnabled   bool            `json:"auto_debug_enabled"`
	SessionStartedAt   *time.Time      `json:"session_started_at,omitempty"`
	LastDebugAt        *time.Time      `json:"last_debug_at,omitempty"`
	OutputTail         []AIOutputEntry `json:"output_tail,omitempty"`
	CodeBeingEdited    string          `json:"code_being_edited,omitempty"`
	ExternalSession    bool            `json:"external_claude_session"`
	PendingDebug       bool            `json:"pending_debug"`
	PendingDebugReason string          `json:"pending_debug_reason,omitempty"`
}

type AIOutputEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind,omitempty"`
	Content   string    `json:"content"`
}

type LoopPhase string

const (
	LoopPhaseIdle              LoopPhase = "idle"
	LoopPhaseBuildingWorkflow  LoopPhase = "building_workflow"
	LoopPhaseRunningWorkflow   LoopPhase = "running_workflow"
	LoopPhaseEvaluatingExit    LoopPhase = "evaluating_exit"
	LoopPhaseReflecting        LoopPhase = "reflecting"
	LoopPhaseImplementingFixes LoopPhase = "implementing_fixes"
	LoopPhaseBetweenIterations LoopPhase = "between_iterations"
	LoopPhaseWaitingForRunner  LoopPhase = "waiting_for_runner"
	LoopPhaseComplete          LoopPhase = "complete"
	LoopPhaseStopped           LoopPhase = "stopped"
	LoopPhaseError             LoopPhase = "error"
)

type WorkflowLoopConfig struct {
	WorkflowID    string `json:"workflow_id,omitempty"`
	MaxIterations int    `json:"max_iterations"`
}

type WorkflowLoopStatus struct {
	Running          bool               `json:"running"`
	Config           WorkflowLoopConfig `json:"config"`
	CurrentIteration int                `json:"current_iteration"`
	Phase            LoopPhase          `json:"phase"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	Error            string             `json:"error,omitempty"`
	IterationCount   int                `json:"iteration_count"`
	RestartSignaled  bool               `json:"restart_signaled"`
}

func (s WorkflowLoopStatus) MaxIterations() int {
	return s.Config.MaxIterations
}

type ExitCheckResult struct {
	ShouldExit bool   `json:"should_exit"`
	Reason     string `json:"reason"`
}

type IterationResult struct {
	Iteration           int             `json:"iteration"`
	StartedAt           time.Time       `json:"started_at"`
	CompletedAt         time.Time       `json:"completed_at"`
	TaskRunID           string          `json:"task_run_id"`
	ExitCheck           ExitCheckResult `json:"exit_check"`
	GeneratedWorkflowID string          `json:"generated_workflow_id,omitempty"`
	FixCount            *int            `json:"fix_count,omitempty"`
	FixesImplemented    *bool           `json:"fixes_implemented,omitempty"`
}

type WorkflowLoopHistory struct {
	Iterations []IterationResult `json:"iterations"`
	Total      int               `json:"total"`
}

type OutcomeKind string

const (
	OutcomeOK          OutcomeKind = "ok"
	OutcomeSoftFailure OutcomeKind = "soft_failure"
	OutcomeHardFailure OutcomeKind = "hard_failure"
)

// Outcome is the decoded result of a control action.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Stdout  string      `json:"stdout,omitempty"`
	Stderr  string      `json:"stderr,omitempty"`
}

func (o Outcome) Failed() bool {
	return o.Kind != OutcomeOK
}

type ErrorOrigin string

const (
	ErrorOriginAction   ErrorOrigin = "action"
	ErrorOriginExternal ErrorOrigin = "external"
)

type ServiceError struct {
	Target    Target      `json:"target"`
	Stdout    string      `json:"stdout,omitempty"`
	Stderr    string      `json:"stderr,omitempty"`
	ActionKey string      `json:"action_key,omitempty"`
	Origin    ErrorOrigin `json:"origin"`
	CreatedAt time.Time   `json:"created_at"`
}

type ConfirmationRequest struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type NotificationLevel string

const (
	NotificationSuccess NotificationLevel = "success"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

type Notification struct {
	ID        string            `json:"id"`
	Level     NotificationLevel `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}
