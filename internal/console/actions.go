package console

import (
	"context"
	"sort"

	"opsconsole/internal/model"
	"opsconsole/internal/serviceapi"
)

// Action is one entry of the control catalog.
type Action struct {
	Key     string       `json:"key"`
	Label   string       `json:"label"`
	Target  model.Target `json:"target"`
	Domain  model.Domain `json:"domain"`
	Confirm string       `json:"confirm,omitempty"`

	run  func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error)
	onOK func(c *Console)
}

func devStart(action serviceapi.DevStartAction) func(context.Context, serviceapi.Actions) (model.Outcome, error) {
	return func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) {
		return api.DevStart(ctx, action)
	}
}

func catalog() []Action {
	return []Action{
		{
			Key: "runner-stop", Label: "Stop runner", Target: model.TargetRunner, Domain: model.DomainHealth,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.StopRunner(ctx) },
		},
		{
			Key: "runner-restart", Label: "Restart runner", Target: model.TargetRunner, Domain: model.DomainHealth,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.RestartRunner(ctx, false) },
		},
		{
			Key: "runner-rebuild", Label: "Rebuild runner", Target: model.TargetRunner, Domain: model.DomainHealth,
			Confirm: "Rebuild and restart the runner? Running tasks will be interrupted.",
			run:     func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.RestartRunner(ctx, true) },
		},
		{
			Key: "supervisor-restart", Label: "Restart supervisor", Target: model.TargetSupervisor, Domain: model.DomainHealth,
			Confirm: "Restart the supervisor? The console will lose its connection until it comes back.",
			run:     func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.RestartSupervisor(ctx) },
		},
		{
			Key: "watchdog-enable", Label: "Enable watchdog", Target: model.TargetRunner, Domain: model.DomainHealth,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) {
				return api.SetWatchdog(ctx, true, false)
			},
		},
		{
			Key: "watchdog-disable", Label: "Disable watchdog", Target: model.TargetRunner, Domain: model.DomainHealth,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) {
				return api.SetWatchdog(ctx, false, false)
			},
		},
		{
			Key: "watchdog-reset", Label: "Reset watchdog", Target: model.TargetRunner, Domain: model.DomainHealth,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) {
				return api.SetWatchdog(ctx, true, true)
			},
		},
		{Key: "backend-start", Label: "Start backend", Target: model.TargetBackend, Domain: model.DomainPorts, run: devStart(serviceapi.DevStartBackend)},
		{Key: "backend-stop", Label: "Stop backend", Target: model.TargetBackend, Domain: model.DomainPorts, run: devStart(serviceapi.DevStartBackendStop)},
		{Key: "frontend-start", Label: "Start frontend", Target: model.TargetFrontend, Domain: model.DomainPorts, run: devStart(serviceapi.DevStartFrontend)},
		{Key: "frontend-stop", Label: "Stop frontend", Target: model.TargetFrontend, Domain: model.DomainPorts, run: devStart(serviceapi.DevStartFrontendStop)},
		{Key: "docker-start", Label: "Start docker services", Target: model.TargetDocker, Domain: model.DomainPorts, run: devStart(serviceapi.DevStartDocker)},
		{
			Key: "docker-stop", Label: "Stop docker services", Target: model.TargetDocker, Domain: model.DomainPorts,
			Confirm: "Stop the docker services? Databases and queues will go down.",
			run:     devStart(serviceapi.DevStartDockerStop),
		},
		{Key: "all-start", Label: "Start all services", Target: model.TargetServices, Domain: model.DomainPorts, run: devStart(serviceapi.DevStartAll)},
		{
			Key: "all-stop", Label: "Stop all services", Target: model.TargetServices, Domain: model.DomainPorts,
			Confirm: "Stop every dev service?",
			run:     devStart(serviceapi.DevStartStop),
		},
		{
			Key: "clean", Label: "Clean", Target: model.TargetServices, Domain: model.DomainPorts,
			Confirm: "Remove build artifacts and caches?",
			run:     devStart(serviceapi.DevStartClean),
		},
		{
			Key: "fresh", Label: "Fresh start", Target: model.TargetServices, Domain: model.DomainPorts,
			Confirm: "Reset the dev environment? Local data will be wiped.",
			run:     devStart(serviceapi.DevStartFresh),
		},
		{
			Key: "migrate", Label: "Run migrations", Target: model.TargetBackend, Domain: model.DomainPorts,
			Confirm: "Apply database migrations?",
			run:     devStart(serviceapi.DevStartMigrate),
		},
		{
			Key: "ai-stop", Label: "Stop AI session", Target: model.TargetAI, Domain: model.DomainAISession,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.StopAI(ctx) },
			onOK: func(c *Console) {
				c.monitor.Disarm()
				c.trigger.SessionEnded()
			},
		},
		{
			Key: "ai-auto-debug-on", Label: "Enable auto debug", Target: model.TargetAI, Domain: model.DomainAISession,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.SetAutoDebug(ctx, true) },
		},
		{
			Key: "ai-auto-debug-off", Label: "Disable auto debug", Target: model.TargetAI, Domain: model.DomainAISession,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.SetAutoDebug(ctx, false) },
		},
		{
			Key: "workflow-loop-stop", Label: "Stop workflow loop", Target: model.TargetLoop, Domain: model.DomainWorkflowLoop,
			run:  func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) { return api.StopWorkflowLoop(ctx) },
			onOK: func(c *Console) { c.stopTracker.Request() },
		},
		{
			Key: "workflow-loop-signal-restart", Label: "Signal workflow loop restart", Target: model.TargetLoop, Domain: model.DomainWorkflowLoop,
			run: func(ctx context.Context, api serviceapi.Actions) (model.Outcome, error) {
				return api.SignalWorkflowLoopRestart(ctx)
			},
		},
	}
}

// Actions lists the catalog sorted by key.
func Actions() []Action {
	out := catalog()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LookupAction finds a catalog entry by key.
func LookupAction(key string) (Action, bool) {
	for _, action := range catalog() {
		if action.Key == key {
			return action, true
		}
	}
	return Action{}, false
}
