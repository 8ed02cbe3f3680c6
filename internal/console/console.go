// Package console wires the supervisor client, push subscriptions, pollers,
// the action dispatcher and the remediation trigger into one live view.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"opsconsole/internal/clock"
	"opsconsole/internal/confirm"
	"opsconsole/internal/dispatch"
	"opsconsole/internal/eventbus"
	"opsconsole/internal/hsm"
	"opsconsole/internal/liveness"
	"opsconsole/internal/logging"
	"opsconsole/internal/model"
	"opsconsole/internal/notify"
	"opsconsole/internal/policy"
	"opsconsole/internal/remediation"
	"opsconsole/internal/serviceapi"
	"opsconsole/internal/snapshot"
	"opsconsole/internal/subscription"
)

var ErrUnknownAction = errors.New("unknown action")

const (
	logTailSize      = 500
	aiOutputTailSize = 2000
	historyLimit     = 100
)

// Client is everything the console needs from the supervisor.
type Client interface {
	serviceapi.Supervisor
	serviceapi.Actions
	StreamURL(path string) string
}

type Options struct {
	// Dialer opens push channels. Defaults to an HTTP dialer without a
	// request timeout.
	Dialer subscription.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

type Console struct {
	cfg    policy.Config
	client Client
	clock  clock.Clock
	logger *slog.Logger

	store         *snapshot.Store
	notifications *notify.Center
	confirmations *confirm.Broker
	dispatcher    *dispatch.Dispatcher
	monitor       *liveness.Monitor
	trigger       *remediation.Trigger
	relay         *eventbus.Relay
	stopTracker   hsm.StopTracker

	logs     *ring[model.LogEntry]
	aiOutput *ring[model.AIOutputEntry]

	pollers   map[model.Domain]*Poller
	logStream *subscription.Subscription[model.LogEntry]
	aiStream  *subscription.Subscription[[]model.AIOutputEntry]
	loopFeed  *subscription.Subscription[model.WorkflowLoopStatus]

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg policy.Config, client Client, opts Options) (*Console, error) {
	if err := policy.Validate(cfg); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("supervisor client is required")
	}
	c := &Console{
		cfg:           cfg,
		client:        client,
		clock:         clock.OrReal(opts.Clock),
		logger:        logging.OrDefault(opts.Logger),
		confirmations: confirm.NewBroker(),
		logs:          newRing[model.LogEntry](logTailSize),
		aiOutput:      newRing[model.AIOutputEntry](aiOutputTailSize),
		pollers:       make(map[model.Domain]*Poller),
	}
	c.store = snapshot.NewStore(c.clock)
	c.notifications = notify.NewCenter(c.clock, cfg.Notifications.TTL.Std())
	c.notifications.SetListener(c.logNotification)

	// Destructive prompts always go through the broker; front ends answer
	// them by installing a prompt.
	c.dispatcher = dispatch.New(c.confirmations, c.store, c.notifications, c, dispatch.Options{
		Destructive:  c.Destructive,
		RefreshDelay: cfg.Actions.RefreshDelay.Std(),
		Clock:        c.clock,
		Logger:       c.logger,
	})

	c.monitor = liveness.NewMonitor(c.confirmSessionRunning, liveness.Options{
		Threshold: cfg.AI.QuietThreshold.Std(),
		Interval:  cfg.AI.CheckInterval.Std(),
		Clock:     c.clock,
		Logger:    c.logger,
	})
	c.trigger = remediation.New(c.store, client, client, c.dispatcher, c.monitor, remediation.Options{
		LogTailLines:   cfg.AI.LogTailLines,
		MaxPromptChars: cfg.AI.MaxPromptChars,
		Logger:         c.logger,
	})
	c.monitor.OnComplete(c.trigger.SessionEnded)

	c.relay = eventbus.NewRelay(eventbus.Options{
		RedisURL:     cfg.Relay.RedisURL,
		StreamPrefix: cfg.Relay.StreamPrefix,
		Logger:       c.logger,
	})
	if err := c.registerRelayHandlers(); err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = subscription.HTTPDialer{Client: &http.Client{}}
	}
	subOpts := subscription.Options{
		Floor:         cfg.Subscriptions.BackoffFloor.Std(),
		Cap:           cfg.Subscriptions.BackoffCap.Std(),
		StartDisabled: true,
		Clock:         c.clock,
		Logger:        c.logger,
	}
	c.logStream = subscription.New[model.LogEntry](dialer, client.StreamURL(serviceapi.StreamLogs), serviceapi.EventLog, subOpts)
	c.logStream.SetHandler(func(entry model.LogEntry) {
		c.publish(eventbus.TopicLogs, entry.Source, entry)
	})
	c.aiStream = subscription.New[[]model.AIOutputEntry](dialer, client.StreamURL(serviceapi.StreamAIOutput), serviceapi.EventAIOutput, subOpts)
	c.aiStream.SetHandler(func(entries []model.AIOutputEntry) {
		c.monitor.Touch()
		c.publish(eventbus.TopicAIOutput, "", entries)
	})
	c.loopFeed = subscription.New[model.WorkflowLoopStatus](dialer, client.StreamURL(serviceapi.StreamWorkflowLoop), serviceapi.EventWorkflowLoop, subOpts)
	c.loopFeed.SetHandler(func(status model.WorkflowLoopStatus) {
		c.publish(eventbus.TopicWorkflowLoop, string(status.Phase), status)
	})

	c.addPoller(model.DomainHealth, cfg.Polling.Health.Std(), c.pollHealth)
	c.addPoller(model.DomainPorts, cfg.Polling.Ports.Std(), c.pollPorts)
	c.addPoller(model.DomainWorkflowLoop, cfg.Polling.WorkflowLoop.Std(), c.pollWorkflowLoop)
	c.addPoller(model.DomainWorkflowHistory, cfg.Polling.WorkflowLoop.Std(), c.pollWorkflowHistory)
	c.addPoller(model.DomainAISession, cfg.Polling.AISession.Std(), c.pollAISession)
	return c, nil
}

func (c *Console) addPoller(domain model.Domain, interval time.Duration, poll pollFunc) {
	c.pollers[domain] = newPoller(domain, poll, interval, c.cfg.Polling.LogPeriod.Std(), c.clock, c.logger.With("component", "poller"))
}

// Start opens the push channels and begins polling. It returns once the
// relay is up; everything else runs until Close.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("console closed")
	}
	if c.started {
		return nil
	}
	if err := c.relay.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	c.seedLogs(ctx)
	for _, poller := range c.pollers {
		poller.Start(runCtx)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(runCtx)
	}()
	c.logStream.SetEnabled(true)
	c.aiStream.SetEnabled(true)
	c.loopFeed.SetEnabled(true)
	c.logger.Info("console started", "supervisor", c.cfg.Supervisor.BaseURL, "mirror", c.relay.Mirroring())
	return nil
}

// Close tears down streams, pollers and timers. Nothing is delivered to the
// store after it returns.
func (c *Console) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	c.dispatcher.Close()
	c.logStream.Close()
	c.aiStream.Close()
	c.loopFeed.Close()
	if cancel != nil {
		cancel()
	}
	for _, poller := range c.pollers {
		_ = poller.Wait(0)
	}
	c.wg.Wait()
	c.relay.Stop()
	c.notifications.Close()
	c.store.Close()
}

// Refresh re-reads one domain now. It is the dispatcher's post-action hook.
func (c *Console) Refresh(ctx context.Context, domain model.Domain) error {
	poller, ok := c.pollers[domain]
	if !ok {
		return fmt.Errorf("no poller for domain %s", domain)
	}
	return poller.runIteration(ctx)
}

// RefreshAll reads every domain once.
func (c *Console) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, domain := range model.AllDomains() {
		if err := c.Refresh(ctx, domain); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs a catalog action through the guarded dispatcher.
func (c *Console) Dispatch(ctx context.Context, key string) (dispatch.Result, error) {
	key = strings.TrimSpace(key)
	action, ok := LookupAction(key)
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, key)
	}
	return c.dispatcher.Dispatch(ctx, dispatch.Request{
		Key:     action.Key,
		Label:   action.Label,
		Target:  action.Target,
		Domain:  action.Domain,
		Confirm: action.Confirm,
		Run: func(ctx context.Context) (model.Outcome, error) {
			outcome, err := action.run(ctx, c.client)
			if err == nil && !outcome.Failed() && action.onOK != nil {
				action.onOK(c)
			}
			return outcome, err
		},
	})
}

// Remediate asks the AI to debug a failing target.
func (c *Console) Remediate(ctx context.Context, target model.Target) (dispatch.Result, error) {
	return c.trigger.Trigger(ctx, target)
}

// DismissError removes the error shown for a target.
func (c *Console) DismissError(target model.Target) bool {
	return c.store.DismissServiceError(target)
}

func (c *Console) Store() *snapshot.Store { return c.store }
func (c *Console) Notifications() *notify.Center { return c.notifications }
func (c *Console) Confirmations() *confirm.Broker { return c.confirmations }
func (c *Console) Monitor() *liveness.Monitor { return c.monitor }
func (c *Console) Logs(limit int) []model.LogEntry { return c.logs.last(limit) }
func (c *Console) AIOutput(limit int) []model.AIOutputEntry { return c.aiOutput.last(limit) }

// Destructive reports whether key needs confirmation under the current
// policy.
func (c *Console) Destructive(key string) bool {
	_, known := LookupAction(key)
	if key == remediation.ActionKey {
		known = true
	}
	return policy.IsDestructive(c.cfg, key, known)
}

func (c *Console) publish(topic string, key string, payload any) {
	if _, err := c.relay.Publish(topic, key, payload); err != nil {
		c.logger.Debug("relay publish failed", "topic", topic, "error", err)
	}
}

func (c *Console) registerRelayHandlers() error {
	if err := c.relay.RegisterHandler(eventbus.TopicLogs, func(_ context.Context, msg eventbus.Message) error {
		var entry model.LogEntry
		if err := msg.Decode(&entry); err != nil {
			return err
		}
		c.logs.push(entry)
		return nil
	}); err != nil {
		return err
	}
	if err := c.relay.RegisterHandler(eventbus.TopicAIOutput, func(_ context.Context, msg eventbus.Message) error {
		var entries []model.AIOutputEntry
		if err := msg.Decode(&entries); err != nil {
			return err
		}
		c.aiOutput.push(entries...)
		return nil
	}); err != nil {
		return err
	}
	return c.relay.RegisterHandler(eventbus.TopicWorkflowLoop, func(_ context.Context, msg eventbus.Message) error {
		var status model.WorkflowLoopStatus
		if err := msg.Decode(&status); err != nil {
			return err
		}
		c.applyWorkflowLoop(status, snapshot.SourcePush)
		return nil
	})
}

func (c *Console) seedLogs(ctx context.Context) {
	entries, err := c.client.LogHistory(ctx, logTailSize)
	if err != nil {
		c.logger.Debug("log history unavailable", "error", err)
		return
	}
	// History arrives newest first; the ring is oldest first.
	slices.Reverse(entries)
	c.logs.push(entries...)
}

func (c *Console) pollHealth(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		c.store.MarkFetchFailed(model.DomainHealth, err)
		return err
	}
	c.store.Update(model.DomainHealth, health, snapshot.SourcePoll)
	c.applyBuildFault(health.Build)
	return nil
}

// applyBuildFault mirrors the supervisor's build error flag into an
// external error on the runner. An error raised by an action is left alone.
func (c *Console) applyBuildFault(build model.BuildHealth) {
	if !build.ErrorDetected {
		c.store.ClearExternalServiceError(model.TargetRunner)
		return
	}
	if existing, ok := c.store.ServiceError(model.TargetRunner); ok && existing.Origin == model.ErrorOriginAction {
		return
	}
	detail := strings.TrimSpace(build.LastError)
	if detail == "" {
		detail = "build error detected"
	}
	if existing, ok := c.store.ServiceError(model.TargetRunner); ok && existing.Stderr == detail {
		return
	}
	c.store.SetServiceError(model.ServiceError{
		Target: model.TargetRunner,
		Stderr: detail,
		Origin: model.ErrorOriginExternal,
	})
}

func (c *Console) pollPorts(ctx context.Context) error {
	services, err := c.client.ServiceStatus(ctx)
	if err != nil {
		c.store.MarkFetchFailed(model.DomainPorts, err)
		return err
	}
	c.store.Update(model.DomainPorts, services, snapshot.SourcePoll)
	return nil
}

func (c *Console) pollWorkflowLoop(ctx context.Context) error {
	status, err := c.client.WorkflowLoopStatus(ctx)
	if err != nil {
		c.store.MarkFetchFailed(model.DomainWorkflowLoop, err)
		return err
	}
	c.applyWorkflowLoop(status, snapshot.SourcePoll)
	return nil
}

func (c *Console) applyWorkflowLoop(status model.WorkflowLoopStatus, source snapshot.Source) {
	if status.Config.MaxIterations <= 0 && c.cfg.WorkflowLoop.MaxIterations > 0 {
		status.Config.MaxIterations = c.cfg.WorkflowLoop.MaxIterations
	}
	prev, _, ok := snapshot.Payload[model.WorkflowLoopStatus](c.store, model.DomainWorkflowLoop)
	switch {
	case !hsm.IsKnownPhase(status.Phase):
		c.logger.Warn("unknown workflow loop phase", "phase", status.Phase, "source", source)
	case ok && !hsm.CanTransitionLoop(prev.Phase, status.Phase):
		c.logger.Debug("unexpected workflow loop phase change", "from", prev.Phase, "to", status.Phase, "source", source)
	}
	c.stopTracker.Observe(status)
	c.store.Update(model.DomainWorkflowLoop, status, source)
}

func (c *Console) logNotification(n model.Notification) {
	attrs := []any{"title", n.Title, "message", n.Message}
	switch n.Level {
	case model.NotificationError:
		c.logger.Error("notification", attrs...)
	case model.NotificationWarning:
		c.logger.Warn("notification", attrs...)
	default:
		c.logger.Info("notification", attrs...)
	}
}

func (c *Console) pollWorkflowHistory(ctx context.Context) error {
	history, err := c.client.WorkflowLoopHistory(ctx)
	if err != nil {
		c.store.MarkFetchFailed(model.DomainWorkflowHistory, err)
		return err
	}
	if len(history.Iterations) > historyLimit {
		history.Iterations = history.Iterations[len(history.Iterations)-historyLimit:]
	}
	c.store.Update(model.DomainWorkflowHistory, history, snapshot.SourcePoll)
	return nil
}

func (c *Console) pollAISession(ctx context.Context) error {
	status, err := c.client.AIStatus(ctx)
	if err != nil {
		c.store.MarkFetchFailed(model.DomainAISession, err)
		return err
	}
	c.applyAIStatus(status)
	return nil
}

func (c *Console) applyAIStatus(status model.AIStatus) {
	c.store.Update(model.DomainAISession, status, snapshot.SourcePoll)
	if status.Running && !c.monitor.Active() {
		c.monitor.Arm()
	}
}

// confirmSessionRunning is the liveness monitor's confirming read.
func (c *Console) confirmSessionRunning(ctx context.Context) (bool, error) {
	status, err := c.client.AIStatus(ctx)
	if err != nil {
		return false, err
	}
	c.store.Update(model.DomainAISession, status, snapshot.SourcePoll)
	return status.Running, nil
}
