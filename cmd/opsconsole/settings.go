package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"opsconsole/internal/console"
	"opsconsole/internal/logging"
	"opsconsole/internal/model"
	"opsconsole/internal/policy"
	"opsconsole/internal/serviceapi"
)

const consoleLayerSlug = "console"

// consoleSettings are the flags every console-backed command shares.
type consoleSettings struct {
	Policy    string `glazed.parameter:"policy"`
	BaseURL   string `glazed.parameter:"base-url"`
	RedisURL  string `glazed.parameter:"redis-url"`
	LogLevel  string `glazed.parameter:"log-level"`
	LogFormat string `glazed.parameter:"log-format"`
}

func newConsoleLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(consoleLayerSlug, "Supervisor connection")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to "+policy.DefaultPolicyPath+")"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"base-url",
			parameters.ParameterTypeString,
			parameters.WithHelp("Supervisor base URL, overrides the config"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"redis-url",
			parameters.ParameterTypeString,
			parameters.WithHelp("Mirror console events to this Redis, overrides the config"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"log-level",
			parameters.ParameterTypeString,
			parameters.WithHelp("Log level (debug, info, warn, error)"),
			parameters.WithDefault("warn"),
		),
		parameters.NewParameterDefinition(
			"log-format",
			parameters.ParameterTypeString,
			parameters.WithHelp("Log format (text, json)"),
			parameters.WithDefault(logging.FormatText),
		),
	)
	return layer, nil
}

func newConsoleCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	consoleLayer, err := newConsoleLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(consoleLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func confirmFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"yes",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Skip confirmation for destructive actions"),
			parameters.WithDefault(false),
		),
		parameters.NewParameterDefinition(
			"no-interaction",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Never prompt; destructive actions fail without --yes"),
			parameters.WithDefault(false),
		),
	}
}

func jsonFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"json",
		parameters.ParameterTypeBool,
		parameters.WithHelp("Print JSON instead of text"),
		parameters.WithDefault(false),
	)
}

func initializeConsoleSettings(parsedLayers *layers.ParsedLayers) (*consoleSettings, error) {
	settings := &consoleSettings{}
	if err := parsedLayers.InitializeStruct(consoleLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// loadConfig reads the config file and applies flag overrides.
func (s *consoleSettings) loadConfig() (policy.Config, error) {
	cfg, _, err := policy.Load(s.Policy)
	if err != nil {
		return cfg, err
	}
	if baseURL := strings.TrimSpace(s.BaseURL); baseURL != "" {
		cfg.Supervisor.BaseURL = baseURL
	}
	if redisURL := strings.TrimSpace(s.RedisURL); redisURL != "" {
		cfg.Relay.RedisURL = redisURL
	}
	if err := policy.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *consoleSettings) openConsole() (*console.Console, policy.Config, *slog.Logger, error) {
	logger, err := logging.Configure(s.LogLevel, s.LogFormat)
	if err != nil {
		return nil, policy.Config{}, nil, err
	}
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, cfg, nil, err
	}
	client := serviceapi.NewSupervisorClient(cfg.Supervisor.BaseURL, cfg.Supervisor.RequestTimeout.Std())
	c, err := console.New(cfg, client, console.Options{Logger: logger})
	if err != nil {
		return nil, cfg, nil, err
	}
	return c, cfg, logger, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func parseTarget(raw string) (model.Target, error) {
	targets := []model.Target{
		model.TargetRunner,
		model.TargetSupervisor,
		model.TargetBackend,
		model.TargetFrontend,
		model.TargetDocker,
		model.TargetServices,
	}
	raw = strings.TrimSpace(raw)
	for _, target := range targets {
		if strings.EqualFold(raw, string(target)) {
			return target, nil
		}
	}
	names := make([]string, 0, len(targets))
	for _, target := range targets {
		names = append(names, strings.ToLower(string(target)))
	}
	return "", fmt.Errorf("unknown target %q (expected one of %s)", raw, strings.Join(names, ", "))
}
