package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"opsconsole/internal/confirm"
	"opsconsole/internal/console"
	"opsconsole/internal/dispatch"
	"opsconsole/internal/liveness"
	"opsconsole/internal/model"
	"opsconsole/internal/policy"
	"opsconsole/internal/ui"
)

var stdout io.Writer = os.Stdout

const bypassHint = "pass --yes to run destructive actions non-interactively"

type statusCommand struct {
	*cmds.CommandDescription
}

type outputSettings struct {
	JSON bool `glazed.parameter:"json"`
}

func newStatusCommand() (*statusCommand, error) {
	description, err := newConsoleCommandDescription(
		"status",
		"Show supervisor state once",
		"Read every domain once and print the merged console view. Domains that could not be read are marked stale.",
		jsonFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &statusCommand{CommandDescription: description}, nil
}

func (c *statusCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	common, err := initializeConsoleSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &outputSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	opsConsole, _, logger, err := common.openConsole()
	if err != nil {
		return err
	}
	defer opsConsole.Close()

	if err := opsConsole.RefreshAll(ctx); err != nil {
		logger.Warn("some domains could not be read", "error", err)
	}
	return printView(opsConsole.View(), settings.JSON)
}

var _ cmds.BareCommand = &statusCommand{}

type watchCommand struct {
	*cmds.CommandDescription
}

type watchSettings struct {
	IntervalSeconds int  `glazed.parameter:"interval"`
	JSON            bool `glazed.parameter:"json"`
}

func newWatchCommand() (*watchCommand, error) {
	description, err := newConsoleCommandDescription(
		"watch",
		"Follow supervisor state live",
		"Poll and subscribe to the supervisor and redraw the console view until interrupted.",
		parameters.NewParameterDefinition(
			"interval",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Redraw interval in seconds"),
			parameters.WithDefault(2),
		),
		jsonFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &watchCommand{CommandDescription: description}, nil
}

func (c *watchCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	common, err := initializeConsoleSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &watchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.IntervalSeconds <= 0 {
		return fmt.Errorf("--interval must be > 0")
	}
	opsConsole, cfg, _, err := common.openConsole()
	if err != nil {
		return err
	}
	defer opsConsole.Close()

	ctx, cancel := signalContext(ctx)
	defer cancel()
	if err := opsConsole.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Duration(settings.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		if settings.JSON {
			if err := writeJSON(stdout, opsConsole.View()); err != nil {
				return err
			}
		} else {
			fmt.Fprint(stdout, "\033[H\033[2J")
			fmt.Fprintf(stdout, "%s  %s  %s\n\n",
				ui.Bold("opsconsole"),
				cfg.Supervisor.BaseURL,
				ui.Muted(time.Now().Format(time.RFC3339)),
			)
			fmt.Fprint(stdout, ui.RenderView(opsConsole.View()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

var _ cmds.BareCommand = &watchCommand{}

type doCommand struct {
	*cmds.CommandDescription
}

type doSettings struct {
	Action        string `glazed.parameter:"action"`
	Yes           bool   `glazed.parameter:"yes"`
	NoInteraction bool   `glazed.parameter:"no-interaction"`
	JSON          bool   `glazed.parameter:"json"`
}

func newDoCommand() (*doCommand, error) {
	flags := append([]*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"action",
			parameters.ParameterTypeString,
			parameters.WithHelp("Action key (see `opsconsole actions`)"),
			parameters.WithDefault(""),
		),
		jsonFlag(),
	}, confirmFlags()...)
	description, err := newConsoleCommandDescription(
		"do",
		"Run a control action",
		"Run one control action against the supervisor. Destructive actions ask for confirmation first.",
		flags...,
	)
	if err != nil {
		return nil, err
	}
	return &doCommand{CommandDescription: description}, nil
}

func (c *doCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	common, err := initializeConsoleSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &doSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	ctx, cancel := signalContext(ctx)
	defer cancel()
	return runDo(ctx, common, settings)
}

func runDo(ctx context.Context, common *consoleSettings, settings *doSettings) error {
	key := strings.TrimSpace(settings.Action)
	if key == "" {
		return fmt.Errorf("--action is required")
	}
	ui.ConfigureInteraction(settings.NoInteraction)
	opsConsole, cfg, logger, err := common.openConsole()
	if err != nil {
		return err
	}
	defer opsConsole.Close()
	installPrompt(ctx, opsConsole.Confirmations(), settings.Yes)

	result, err := opsConsole.Dispatch(ctx, key)
	if err != nil {
		if errors.Is(err, dispatch.ErrCancelled) {
			if !settings.Yes && !ui.IsInteractive() {
				return fmt.Errorf("%s needs confirmation; %s", key, bypassHint)
			}
			fmt.Fprintln(stdout, ui.WarnMsg("%s cancelled", key))
			return nil
		}
		return err
	}
	if err := printResult(result, settings.JSON); err != nil {
		return err
	}
	action, _ := console.LookupAction(key)
	return printRefreshed(ctx, opsConsole, logger, cfg.Actions.RefreshDelay.Std(), action.Domain, settings.JSON)
}

var _ cmds.BareCommand = &doCommand{}

type remediateCommand struct {
	*cmds.CommandDescription
}

type remediateSettings struct {
	Target        string `glazed.parameter:"target"`
	Wait          bool   `glazed.parameter:"wait"`
	Yes           bool   `glazed.parameter:"yes"`
	NoInteraction bool   `glazed.parameter:"no-interaction"`
	JSON          bool   `glazed.parameter:"json"`
}

func newRemediateCommand() (*remediateCommand, error) {
	flags := append([]*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"target",
			parameters.ParameterTypeString,
			parameters.WithHelp("Failing target to debug (runner, supervisor, backend, frontend, docker, services)"),
			parameters.WithDefault("runner"),
		),
		parameters.NewParameterDefinition(
			"wait",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Wait until the AI session goes quiet"),
			parameters.WithDefault(false),
		),
		jsonFlag(),
	}, confirmFlags()...)
	description, err := newConsoleCommandDescription(
		"remediate",
		"Start an AI debug session for a failing target",
		"Collect the target's last error and recent logs, and hand them to the supervisor's AI debugger.",
		flags...,
	)
	if err != nil {
		return nil, err
	}
	return &remediateCommand{CommandDescription: description}, nil
}

func (c *remediateCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	common, err := initializeConsoleSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &remediateSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	ctx, cancel := signalContext(ctx)
	defer cancel()
	return runRemediate(ctx, common, settings)
}

func runRemediate(ctx context.Context, common *consoleSettings, settings *remediateSettings) error {
	target, err := parseTarget(settings.Target)
	if err != nil {
		return err
	}
	ui.ConfigureInteraction(settings.NoInteraction)
	opsConsole, cfg, logger, err := common.openConsole()
	if err != nil {
		return err
	}
	defer opsConsole.Close()
	installPrompt(ctx, opsConsole.Confirmations(), settings.Yes)

	if err := opsConsole.RefreshAll(ctx); err != nil {
		logger.Warn("some domains could not be read", "error", err)
	}
	if settings.Wait {
		if err := opsConsole.Start(ctx); err != nil {
			return err
		}
	}
	result, err := opsConsole.Remediate(ctx, target)
	if err != nil {
		return err
	}
	if err := printResult(result, settings.JSON); err != nil {
		return err
	}
	if !settings.Wait {
		return printRefreshed(ctx, opsConsole, logger, cfg.Actions.RefreshDelay.Std(), model.DomainAISession, settings.JSON)
	}
	return waitForSession(ctx, opsConsole.Monitor())
}

var _ cmds.BareCommand = &remediateCommand{}

func waitForSession(ctx context.Context, monitor *liveness.Monitor) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for monitor.State() == liveness.StateActive {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	fmt.Fprintln(stdout, ui.SuccessMsg("AI session finished"))
	return nil
}

type actionsCommand struct {
	*cmds.CommandDescription
}

type actionRow struct {
	Key     string       `json:"key"`
	Label   string       `json:"label"`
	Target  model.Target `json:"target"`
	Confirm bool         `json:"confirm"`
}

func newActionsCommand() (*actionsCommand, error) {
	description, err := newConsoleCommandDescription(
		"actions",
		"List control actions",
		"List every action `opsconsole do` accepts and whether the current config asks for confirmation.",
		jsonFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &actionsCommand{CommandDescription: description}, nil
}

func (c *actionsCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	common, err := initializeConsoleSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &outputSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	destructive := func(key string) bool { return policy.IsDestructive(cfg, key, true) }
	actions := console.Actions()
	if settings.JSON {
		rows := make([]actionRow, 0, len(actions))
		for _, action := range actions {
			rows = append(rows, actionRow{Key: action.Key, Label: action.Label, Target: action.Target, Confirm: destructive(action.Key)})
		}
		return writeJSON(stdout, rows)
	}
	fmt.Fprintln(stdout, ui.RenderActions(actions, destructive))
	return nil
}

var _ cmds.BareCommand = &actionsCommand{}

type logsCommand struct {
	*cmds.CommandDescription
}

type logsSettings struct {
	Tail int  `glazed.parameter:"tail"`
	JSON bool `glazed.parameter:"json"`
}

func newLogsCommand() (*logsCommand, error) {
	description, err := newConsoleCommandDescription(
		"logs",
		"Show recent supervisor logs",
		"Print the most recent supervisor log entries.",
		parameters.NewParameterDefinition(
			"tail",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Number of entries to show"),
			parameters.WithDefault(50),
		),
		jsonFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &logsCommand{CommandDescription: description}, nil
}

func (c *logsCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	common, err := initializeConsoleSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &logsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	opsConsole, _, _, err := common.openConsole()
	if err != nil {
		return err
	}
	defer opsConsole.Close()
	if err := opsConsole.Start(ctx); err != nil {
		return err
	}

	entries := opsConsole.Logs(settings.Tail)
	if settings.JSON {
		return writeJSON(stdout, entries)
	}
	for _, entry := range entries {
		fmt.Fprintln(stdout, formatLogEntry(entry))
	}
	return nil
}

var _ cmds.BareCommand = &logsCommand{}

type configInitCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitCommand() (*configInitCommand, error) {
	return &configInitCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default opsconsole config file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *configInitCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitCommand{}

// installPrompt answers destructive-action confirmations: --yes approves
// them, otherwise the terminal asks.
func installPrompt(ctx context.Context, broker *confirm.Broker, yes bool) {
	if yes {
		broker.SetPrompt(confirm.AutoAnswer(broker, true))
		return
	}
	broker.SetPrompt(ui.BrokerPrompt(ctx, broker, bypassHint))
}

// printRefreshed waits for the supervisor to settle after an action, re-reads
// the affected domain and prints the view.
func printRefreshed(ctx context.Context, opsConsole *console.Console, logger *slog.Logger, delay time.Duration, domain model.Domain, asJSON bool) error {
	if domain == "" {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	if err := opsConsole.Refresh(ctx, domain); err != nil {
		logger.Warn("refresh after action failed", "domain", domain, "error", err)
	}
	return printView(opsConsole.View(), asJSON)
}

func printView(view console.View, asJSON bool) error {
	if asJSON {
		return writeJSON(stdout, view)
	}
	fmt.Fprint(stdout, ui.RenderView(view))
	return nil
}

func printResult(result dispatch.Result, asJSON bool) error {
	if asJSON {
		if err := writeJSON(stdout, result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, ui.RenderResult(result))
	}
	if result.Outcome.Failed() {
		return fmt.Errorf("%s failed", result.Key)
	}
	return nil
}

func formatLogEntry(entry model.LogEntry) string {
	level := strings.ToUpper(string(entry.Level))
	switch entry.Level {
	case model.LogLevelError:
		level = ui.ErrorStyle.Render(level)
	case model.LogLevelWarn:
		level = ui.WarnStyle.Render(level)
	default:
		level = ui.Muted(level)
	}
	return fmt.Sprintf("%s %s [%s] %s", ui.Muted(entry.Timestamp.Format("15:04:05")), level, entry.Source, entry.Message)
}
