package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPolicyPath = ".opsconsole/console.yaml"

// Duration is a time.Duration stored as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Version    int `yaml:"version"`
	Supervisor struct {
		BaseURL        string   `yaml:"base_url"`
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"supervisor"`
	Polling struct {
		Health       Duration `yaml:"health"`
		Ports        Duration `yaml:"ports"`
		WorkflowLoop Duration `yaml:"workflow_loop"`
		AISession    Duration `yaml:"ai_session"`
		LogPeriod    Duration `yaml:"log_period"`
	} `yaml:"polling"`
	Subscriptions struct {
		BackoffFloor Duration `yaml:"backoff_floor"`
		BackoffCap   Duration `yaml:"backoff_cap"`
	} `yaml:"subscriptions"`
	AI struct {
		QuietThreshold Duration `yaml:"quiet_threshold"`
		CheckInterval  Duration `yaml:"check_interval"`
		LogTailLines   int      `yaml:"log_tail_lines"`
		MaxPromptChars int      `yaml:"max_prompt_chars"`
	} `yaml:"ai"`
	Actions struct {
		Destructive    []string `yaml:"destructive"`
		ConfirmUnknown bool     `yaml:"confirm_unknown"`
		RefreshDelay   Duration `yaml:"refresh_delay"`
	} `yaml:"actions"`
	Notifications struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"notifications"`
	WorkflowLoop struct {
		MaxIterations int `yaml:"max_iterations"`
	} `yaml:"workflow_loop"`
	Relay struct {
		RedisURL     string `yaml:"redis_url"`
		StreamPrefix string `yaml:"stream_prefix"`
	} `yaml:"relay"`
}

func DefaultDestructiveActions() []string {
	return []string{
		"supervisor-restart",
		"runner-rebuild",
		"all-stop",
		"docker-stop",
		"clean",
		"fresh",
		"migrate",
	}
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Supervisor.BaseURL = "http://localhost:9875"
	cfg.Supervisor.RequestTimeout = Duration(15 * time.Second)
	cfg.Polling.Health = Duration(2 * time.Second)
	cfg.Polling.Ports = Duration(5 * time.Second)
	cfg.Polling.WorkflowLoop = Duration(3 * time.Second)
	cfg.Polling.AISession = Duration(3 * time.Second)
	cfg.Polling.LogPeriod = Duration(15 * time.Second)
	cfg.Subscriptions.BackoffFloor = Duration(time.Second)
	cfg.Subscriptions.BackoffCap = Duration(30 * time.Second)
	cfg.AI.QuietThreshold = Duration(30 * time.Second)
	cfg.AI.CheckInterval = Duration(5 * time.Second)
	cfg.AI.LogTailLines = 100
	cfg.AI.MaxPromptChars = 50000
	cfg.Actions.Destructive = DefaultDestructiveActions()
	cfg.Actions.RefreshDelay = Duration(1500 * time.Millisecond)
	cfg.Notifications.TTL = Duration(5 * time.Second)
	cfg.WorkflowLoop.MaxIterations = 10
	cfg.Relay.StreamPrefix = "opsconsole"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	b, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	base := strings.TrimSpace(cfg.Supervisor.BaseURL)
	if base == "" {
		return fmt.Errorf("supervisor.base_url cannot be empty")
	}
	if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("supervisor.base_url must be an absolute http(s) url")
	}
	if cfg.Supervisor.RequestTimeout <= 0 {
		return fmt.Errorf("supervisor.request_timeout must be > 0")
	}
	if cfg.Polling.Health <= 0 || cfg.Polling.Ports <= 0 || cfg.Polling.WorkflowLoop <= 0 || cfg.Polling.AISession <= 0 {
		return fmt.Errorf("polling intervals must be > 0")
	}
	if cfg.Subscriptions.BackoffFloor <= 0 {
		return fmt.Errorf("subscriptions.backoff_floor must be > 0")
	}
	if cfg.Subscriptions.BackoffCap < cfg.Subscriptions.BackoffFloor {
		return fmt.Errorf("subscriptions.backoff_cap must be >= backoff_floor")
	}
	if cfg.AI.QuietThreshold <= 0 || cfg.AI.CheckInterval <= 0 {
		return fmt.Errorf("ai quiet_threshold and check_interval must be > 0")
	}
	if cfg.AI.CheckInterval >= cfg.AI.QuietThreshold {
		return fmt.Errorf("ai.check_interval must be < ai.quiet_threshold")
	}
	if cfg.AI.LogTailLines < 0 {
		return fmt.Errorf("ai.log_tail_lines must be >= 0")
	}
	if cfg.AI.MaxPromptChars <= 0 {
		return fmt.Errorf("ai.max_prompt_chars must be > 0")
	}
	for _, key := range cfg.Actions.Destructive {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("actions.destructive cannot contain empty keys")
		}
	}
	if cfg.Actions.RefreshDelay < 0 {
		return fmt.Errorf("actions.refresh_delay must be >= 0")
	}
	if cfg.Notifications.TTL <= 0 {
		return fmt.Errorf("notifications.ttl must be > 0")
	}
	if cfg.WorkflowLoop.MaxIterations < 0 {
		return fmt.Errorf("workflow_loop.max_iterations must be >= 0")
	}
	if redisURL := strings.TrimSpace(cfg.Relay.RedisURL); redisURL != "" {
		if !strings.HasPrefix(redisURL, "redis://") && !strings.HasPrefix(redisURL, "rediss://") {
			return fmt.Errorf("relay.redis_url must use redis:// or rediss://")
		}
		if strings.TrimSpace(cfg.Relay.StreamPrefix) == "" {
			return fmt.Errorf("relay.stream_prefix cannot be empty when relay.redis_url is set")
		}
	}
	return nil
}

// IsDestructive reports whether an action key needs confirmation.
// Unknown keys follow actions.confirm_unknown.
func IsDestructive(cfg Config, key string, known bool) bool {
	key = strings.TrimSpace(key)
	for _, candidate := range cfg.Actions.Destructive {
		if strings.EqualFold(strings.TrimSpace(candidate), key) {
			return true
		}
	}
	return !known && cfg.Actions.ConfirmUnknown
}
