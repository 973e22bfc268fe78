// Package config loads and validates the daemon configuration from
// <home>/config.yaml. Only the keys documented here are recognized.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// QueueConfig tunes the durable ingestion queue.
type QueueConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	LeaseDurationSecs int `yaml:"lease_duration_secs"`
	PollIntervalSecs  int `yaml:"poll_interval_secs"`
}

// SchedulerConfig tunes the per-user scheduler.
type SchedulerConfig struct {
	MaxGlobalConcurrency int `yaml:"max_global_concurrency"`
	MaxUserConcurrency   int `yaml:"max_user_concurrency"`
	PollIntervalSecs     int `yaml:"poll_interval_secs"`
}

// AttachmentsConfig bounds inline attachment handling.
type AttachmentsConfig struct {
	MaxInlineBytes int64 `yaml:"max_inline_bytes"`
}

// Employee describes one digital-employee persona.
type Employee struct {
	ID          string   `yaml:"id"`
	Addresses   []string `yaml:"addresses"`
	Runner      string   `yaml:"runner"` // "codex" or "claude"
	Model       string   `yaml:"model"`
	RuntimeRoot string   `yaml:"runtime_root"`
	// AgentDisabled switches the invoker into deterministic placeholder
	// mode for this employee.
	AgentDisabled bool `yaml:"agent_disabled"`
}

// Route binds (channel, service address) to an employee. Key "*" is the
// per-channel wildcard.
type Route struct {
	Channel  string `yaml:"channel"`
	Key      string `yaml:"key"`
	Employee string `yaml:"employee"`
}

// AdminConfig names the channel + address failure notifications go to.
type AdminConfig struct {
	Channel string `yaml:"channel"`
	Address string `yaml:"address"`
}

// ChannelSecrets holds per-provider webhook credentials. Values support
// ${ENV_VAR} expansion.
type ChannelSecrets struct {
	PostmarkToken       string `yaml:"postmark_token"`
	PostmarkServerToken string `yaml:"postmark_server_token"`
	SlackSigningSecret  string `yaml:"slack_signing_secret"`
	SlackBotToken       string `yaml:"slack_bot_token"`
	SlackBotUserID      string `yaml:"slack_bot_user_id"`
	TwilioAuthToken     string `yaml:"twilio_auth_token"`
	TelegramBotToken    string `yaml:"telegram_bot_token"`
	TelegramWebhookSecret string `yaml:"telegram_webhook_secret"`
	DiscordBotToken     string `yaml:"discord_bot_token"`
	DiscordAppID        string `yaml:"discord_app_id"`
	WhatsAppVerifyToken string `yaml:"whatsapp_verify_token"`
	WhatsAppAccessToken string `yaml:"whatsapp_access_token"`
	BlueBubblesPassword string `yaml:"bluebubbles_password"`
}

// OtelConfig configures the telemetry provider.
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http" (default), "stdout" or "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the full recognized configuration surface.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Queue       QueueConfig       `yaml:"queue"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Attachments AttachmentsConfig `yaml:"attachments"`

	Employees []Employee `yaml:"employees"`
	Routes    []Route    `yaml:"routes"`
	// DefaultEmployee is the global fallback when no route matches.
	DefaultEmployee string `yaml:"default_employee"`

	// Blacklist lists sender addresses dropped at the gateway.
	Blacklist []string `yaml:"blacklist"`

	Admin   AdminConfig    `yaml:"admin"`
	Secrets ChannelSecrets `yaml:"secrets"`
	Otel    OtelConfig     `yaml:"otel"`

	// AgentTimeoutSecs bounds one agent invocation. 0 disables the bound.
	AgentTimeoutSecs int `yaml:"agent_timeout_secs"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8844",
		LogLevel: "info",
		Queue: QueueConfig{
			MaxAttempts:       5,
			LeaseDurationSecs: 60,
			PollIntervalSecs:  1,
		},
		Scheduler: SchedulerConfig{
			MaxGlobalConcurrency: 10,
			MaxUserConcurrency:   3,
			PollIntervalSecs:     1,
		},
		Attachments: AttachmentsConfig{
			MaxInlineBytes: 50 * 1024 * 1024,
		},
	}
}

// HomeDir resolves the runtime root: DOWHIZ_HOME or ~/.dowhiz.
func HomeDir() string {
	if v := os.Getenv("DOWHIZ_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dowhiz"
	}
	return filepath.Join(home, ".dowhiz")
}

// ConfigPath returns the canonical config file location under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml under the resolved home dir, applying defaults,
// ${ENV} expansion in secrets, and normalization.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under an explicit home dir.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dowhiz home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	expandSecrets(&cfg.Secrets)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func expandSecrets(s *ChannelSecrets) {
	expand := func(v string) string {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}"))
		}
		return v
	}
	s.PostmarkToken = expand(s.PostmarkToken)
	s.PostmarkServerToken = expand(s.PostmarkServerToken)
	s.SlackSigningSecret = expand(s.SlackSigningSecret)
	s.SlackBotToken = expand(s.SlackBotToken)
	s.SlackBotUserID = expand(s.SlackBotUserID)
	s.TwilioAuthToken = expand(s.TwilioAuthToken)
	s.TelegramBotToken = expand(s.TelegramBotToken)
	s.TelegramWebhookSecret = expand(s.TelegramWebhookSecret)
	s.DiscordBotToken = expand(s.DiscordBotToken)
	s.DiscordAppID = expand(s.DiscordAppID)
	s.WhatsAppVerifyToken = expand(s.WhatsAppVerifyToken)
	s.WhatsAppAccessToken = expand(s.WhatsAppAccessToken)
	s.BlueBubblesPassword = expand(s.BlueBubblesPassword)
}

func normalize(cfg *Config) {
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.LeaseDurationSecs <= 0 {
		cfg.Queue.LeaseDurationSecs = 60
	}
	if cfg.Queue.PollIntervalSecs <= 0 {
		cfg.Queue.PollIntervalSecs = 1
	}
	if cfg.Scheduler.MaxGlobalConcurrency <= 0 {
		cfg.Scheduler.MaxGlobalConcurrency = 10
	}
	if cfg.Scheduler.MaxUserConcurrency <= 0 {
		cfg.Scheduler.MaxUserConcurrency = 3
	}
	if cfg.Scheduler.PollIntervalSecs <= 0 {
		cfg.Scheduler.PollIntervalSecs = 1
	}
	if cfg.Attachments.MaxInlineBytes <= 0 {
		cfg.Attachments.MaxInlineBytes = 50 * 1024 * 1024
	}
	for i := range cfg.Employees {
		e := &cfg.Employees[i]
		if e.Runner == "" {
			e.Runner = "codex"
		}
		e.Runner = strings.ToLower(strings.TrimSpace(e.Runner))
		if e.RuntimeRoot == "" {
			e.RuntimeRoot = filepath.Join(cfg.HomeDir, "employees", e.ID)
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Employees))
	for _, e := range cfg.Employees {
		if e.ID == "" {
			return fmt.Errorf("employee with empty id")
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate employee id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Runner != "codex" && e.Runner != "claude" {
			return fmt.Errorf("employee %s: unknown runner %q", e.ID, e.Runner)
		}
	}
	for _, r := range cfg.Routes {
		if _, err := channel.Parse(r.Channel); err != nil {
			return fmt.Errorf("route %s/%s: %w", r.Channel, r.Key, err)
		}
		if r.Employee != "" && !seen[r.Employee] {
			return fmt.Errorf("route %s/%s: unknown employee %q", r.Channel, r.Key, r.Employee)
		}
	}
	if cfg.DefaultEmployee != "" && !seen[cfg.DefaultEmployee] {
		return fmt.Errorf("default_employee: unknown employee %q", cfg.DefaultEmployee)
	}
	return nil
}

// EmployeeByID looks up an employee from the registry.
func (c Config) EmployeeByID(id string) (Employee, bool) {
	for _, e := range c.Employees {
		if e.ID == id {
			return e, true
		}
	}
	return Employee{}, false
}

// Fingerprint is a stable hash of the operative config, logged at startup
// so drift between processes is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|q=%d/%d/%d|s=%d/%d/%d|inline=%d|emps=%d|routes=%d|default=%s",
		c.BindAddr, c.LogLevel,
		c.Queue.MaxAttempts, c.Queue.LeaseDurationSecs, c.Queue.PollIntervalSecs,
		c.Scheduler.MaxGlobalConcurrency, c.Scheduler.MaxUserConcurrency, c.Scheduler.PollIntervalSecs,
		c.Attachments.MaxInlineBytes, len(c.Employees), len(c.Routes), c.DefaultEmployee)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
