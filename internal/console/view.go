package console

import (
	"sort"
	"time"

	"opsconsole/internal/hsm"
	"opsconsole/internal/liveness"
	"opsconsole/internal/model"
	"opsconsole/internal/snapshot"
	"opsconsole/internal/subscription"
)

const viewTail = 20

type DomainState struct {
	Domain      model.Domain    `json:"domain"`
	Present     bool            `json:"present"`
	Source      snapshot.Source `json:"source,omitempty"`
	Revision    uint64          `json:"revision"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	FetchFailed bool            `json:"fetch_failed"`
	FetchError  string          `json:"fetch_error,omitempty"`
}

type StreamState struct {
	Name string `json:"name"`
	subscription.State
}

type RelayState struct {
	Running   bool   `json:"running"`
	Mirroring bool   `json:"mirroring"`
	Error     string `json:"error,omitempty"`
}

// View is the merged, render-ready picture of everything the console knows.
type View struct {
	GeneratedAt   time.Time                  `json:"generated_at"`
	Health        model.HealthSnapshot       `json:"health"`
	Services      model.ServicesStatus       `json:"services"`
	AI            model.AIStatus             `json:"ai"`
	AISession     liveness.State             `json:"ai_session"`
	Loop          hsm.LoopView               `json:"workflow_loop"`
	History       model.WorkflowLoopHistory  `json:"workflow_history"`
	Domains       []DomainState              `json:"domains"`
	Errors        []model.ServiceError       `json:"errors"`
	Notifications []model.Notification       `json:"notifications"`
	Confirmation  *model.ConfirmationRequest `json:"confirmation,omitempty"`
	InFlight      string                     `json:"in_flight,omitempty"`
	Streams       []StreamState              `json:"streams"`
	Relay         RelayState                 `json:"relay"`
	Pollers       []PollerSnapshot           `json:"pollers"`
	RecentLogs    []model.LogEntry           `json:"recent_logs"`
	RecentOutput  []model.AIOutputEntry      `json:"recent_ai_output"`
}

func (c *Console) View() View {
	view := View{
		GeneratedAt:   c.clock.Now().UTC(),
		AISession:     c.monitor.State(),
		Errors:        c.store.ServiceErrors(),
		Notifications: c.notifications.Active(),
		RecentLogs:    c.logs.last(viewTail),
		RecentOutput:  c.aiOutput.last(viewTail),
	}
	view.Health, _, _ = snapshot.Payload[model.HealthSnapshot](c.store, model.DomainHealth)
	view.Services, _, _ = snapshot.Payload[model.ServicesStatus](c.store, model.DomainPorts)
	view.AI, _, _ = snapshot.Payload[model.AIStatus](c.store, model.DomainAISession)
	view.History, _, _ = snapshot.Payload[model.WorkflowLoopHistory](c.store, model.DomainWorkflowHistory)
	loop, _, _ := snapshot.Payload[model.WorkflowLoopStatus](c.store, model.DomainWorkflowLoop)
	view.Loop = hsm.View(loop, c.stopTracker.Pending())

	for _, domain := range model.AllDomains() {
		state := DomainState{Domain: domain}
		if snap, ok := c.store.Get(domain); ok {
			state.Present = snap.Payload != nil
			state.Source = snap.Source
			state.Revision = snap.Revision
			state.FetchFailed = snap.FetchFailed
			state.FetchError = snap.FetchError
			if !snap.UpdatedAt.IsZero() {
				state.UpdatedAt = timePtr(snap.UpdatedAt)
			}
		}
		view.Domains = append(view.Domains, state)
	}

	if request, ok := c.confirmations.Pending(); ok {
		view.Confirmation = &request
	}
	view.InFlight, _ = c.dispatcher.InFlight()

	view.Streams = []StreamState{
		{Name: "logs", State: c.logStream.State()},
		{Name: "ai_output", State: c.aiStream.State()},
		{Name: "workflow_loop", State: c.loopFeed.State()},
	}
	view.Relay.Mirroring = c.relay.Mirroring()
	if err := c.relay.Healthy(); err != nil {
		view.Relay.Error = err.Error()
	} else {
		view.Relay.Running = true
	}
	for _, poller := range c.pollers {
		view.Pollers = append(view.Pollers, poller.Snapshot())
	}
	sort.Slice(view.Pollers, func(i, j int) bool { return view.Pollers[i].Domain < view.Pollers[j].Domain })
	return view
}
