package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/retry"
)

// Config represents the gateway configuration, read from config.yaml.
type Config struct {
	WorkingDir      string                   `yaml:"working_dir,omitempty"`
	AllowedRoots    []string                 `yaml:"allowed_roots,omitempty"`
	AllowedUsers    []string                 `yaml:"allowed_users,omitempty"`
	DefaultBackend  string                   `yaml:"default_backend,omitempty"`
	AITimeout       Duration                 `yaml:"ai_timeout,omitempty"`
	CommandTimeout  Duration                 `yaml:"command_timeout,omitempty"`
	AskTimeout      Duration                 `yaml:"ask_timeout,omitempty"`
	KillGrace       Duration                 `yaml:"kill_grace,omitempty"`
	PersistInterval Duration                 `yaml:"persist_interval,omitempty"`
	Retry           RetryConfig              `yaml:"retry,omitempty"`
	RateLimit       RateLimitConfig          `yaml:"rate_limit,omitempty"`
	Backends        map[string]BackendConfig `yaml:"backends,omitempty"`
	Socket          string                   `yaml:"socket,omitempty"`
	AuditDB         string                   `yaml:"audit_db,omitempty"`
	Logging         LoggingConfig            `yaml:"logging,omitempty"`
	Notify          NotifyConfig             `yaml:"notify,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	BaseDelay   Duration `yaml:"base_delay,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty"`
	Multiplier  float64  `yaml:"multiplier,omitempty"`
}

// RateLimitConfig bounds dispatches per user. A zero PerMinute disables
// limiting.
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst,omitempty"`
}

// BackendConfig overrides the built-in invocation of one backend kind.
// Unset fields keep the defaults.
type BackendConfig struct {
	Command        string   `yaml:"command,omitempty"`
	PromptArgs     []string `yaml:"prompt_args,omitempty"`
	ExtraFlags     []string `yaml:"extra_flags,omitempty"`
	ResumeFlag     string   `yaml:"resume_flag,omitempty"`
	ContinueFlag   string   `yaml:"continue_flag,omitempty"`
	JSONOutput     *bool    `yaml:"json_output,omitempty"`
	Shell          *bool    `yaml:"shell,omitempty"`
	PermissionMode string   `yaml:"permission_mode,omitempty"`

	// Env adds variables to the CLI's environment. PWD and TMPDIR cannot
	// be overridden.
	Env map[string]string `yaml:"env,omitempty"`
}

// NotifyConfig enables ntfy push notifications. An empty Topic disables
// them.
type NotifyConfig struct {
	Topic       string   `yaml:"topic,omitempty"`
	Token       string   `yaml:"token,omitempty"`
	Events      string   `yaml:"events,omitempty"`
	MinDuration Duration `yaml:"min_duration,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "5m") or a bare number of milliseconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return &yaml.TypeError{Errors: []string{"expected duration"}}
	}
	v, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration accepts a Go duration string or an integer millisecond
// count.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	p := retry.DefaultPolicy()
	return &Config{
		DefaultBackend:  string(agent.KindClaude),
		AITimeout:       Duration(10 * time.Minute),
		CommandTimeout:  Duration(60 * time.Second),
		AskTimeout:      Duration(agent.DefaultAskTimeout),
		KillGrace:       Duration(3 * time.Second),
		PersistInterval: Duration(2 * time.Second),
		Retry: RetryConfig{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   Duration(p.BaseDelay),
			MaxDelay:    Duration(p.MaxDelay),
			Multiplier:  p.Multiplier,
		},
		RateLimit: RateLimitConfig{PerMinute: 10, Burst: 3},
		Logging:   LoggingConfig{Level: "info"},
		Notify:    NotifyConfig{Events: "attention,done,failed", MinDuration: Duration(time.Minute)},
	}
}

// Load reads configuration from path over the defaults, applies
// environment overrides and validates the result. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("AGENTGATE_ALLOWED_USERS"); v != "" {
		c.AllowedUsers = splitList(v)
	}
	if v := getenv("AGENTGATE_WORKING_DIR"); v != "" {
		c.WorkingDir = v
	}
	if v := getenv("AGENTGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("AGENTGATE_NTFY_TOPIC"); v != "" {
		c.Notify.Topic = v
	}
	if v := getenv("AGENTGATE_NTFY_TOKEN"); v != "" {
		c.Notify.Token = v
	}
	for name, dst := range map[string]*Duration{
		"AI_CLI_TIMEOUT":  &c.AITimeout,
		"COMMAND_TIMEOUT": &c.CommandTimeout,
	} {
		if v := getenv(name); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = Duration(d)
		}
	}
	return nil
}

func (c *Config) expandPaths() {
	c.WorkingDir = ExpandHome(c.WorkingDir)
	for i, r := range c.AllowedRoots {
		c.AllowedRoots[i] = ExpandHome(r)
	}
	c.Socket = ExpandHome(c.Socket)
	c.AuditDB = ExpandHome(c.AuditDB)
	c.Logging.File = ExpandHome(c.Logging.File)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := agent.ParseKind(c.DefaultBackend); err != nil {
		return fmt.Errorf("default_backend: %w", err)
	}
	for name := range c.Backends {
		if _, err := agent.ParseKind(name); err != nil {
			return fmt.Errorf("backends: %w", err)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	for _, e := range splitList(c.Notify.Events) {
		switch e {
		case "attention", "done", "failed":
		default:
			return fmt.Errorf("notify.events: unknown event %q", e)
		}
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	for name, d := range map[string]Duration{
		"ai_timeout":          c.AITimeout,
		"command_timeout":     c.CommandTimeout,
		"ask_timeout":         c.AskTimeout,
		"kill_grace":          c.KillGrace,
		"persist_interval":    c.PersistInterval,
		"notify.min_duration": c.Notify.MinDuration,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// DefaultKind is the backend used for lazily created sessions.
func (c *Config) DefaultKind() agent.Kind {
	return agent.Kind(c.DefaultBackend)
}

// IsAllowed reports whether userID may use the gateway. An empty allow
// list admits nobody.
func (c *Config) IsAllowed(userID string) bool {
	for _, u := range c.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay.D(),
		MaxDelay:    c.Retry.MaxDelay.D(),
		Multiplier:  c.Retry.Multiplier,
	}
}

// Tools returns the invocation of every backend kind with overrides
// applied over the defaults.
func (c *Config) Tools() map[agent.Kind]agent.Tool {
	tools := make(map[agent.Kind]agent.Tool, len(agent.Kinds()))
	for _, k := range agent.Kinds() {
		t := agent.DefaultTool(k)
		if o, ok := c.Backends[string(k)]; ok {
			if o.Command != "" {
				t.Command = o.Command
			}
			if o.PromptArgs != nil {
				t.PromptArgs = o.PromptArgs
			}
			if o.ExtraFlags != nil {
				t.ExtraFlags = o.ExtraFlags
			}
			if o.ResumeFlag != "" {
				t.ResumeFlag = o.ResumeFlag
			}
			if o.ContinueFlag != "" {
				t.ContinueFlag = o.ContinueFlag
			}
			if o.JSONOutput != nil {
				t.JSONOutput = *o.JSONOutput
			}
			if o.Shell != nil {
				t.Shell = *o.Shell
			}
			if o.PermissionMode != "" {
				t.PermissionMode = o.PermissionMode
			}
			for _, k := range slices.Sorted(maps.Keys(o.Env)) {
				t.Env = append(t.Env, k+"="+o.Env[k])
			}
		}
		tools[k] = t
	}
	return tools
}

// AgentOptions assembles the backend construction options.
func (c *Config) AgentOptions() agent.Options {
	return agent.Options{
		Tools:      c.Tools(),
		Policy:     c.RetryPolicy(),
		AskTimeout: c.AskTimeout.D(),
		KillGrace:  c.KillGrace.D(),
	}
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
