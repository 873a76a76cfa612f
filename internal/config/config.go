package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"hubline/internal/events"
)

// Config models hubline.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Jobs      JobsConfig      `yaml:"jobs"`
	AI        AIConfig        `yaml:"ai"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	BasePath   string `yaml:"base_path"`
	CORSOrigin string `yaml:"cors_origin,omitempty"`
}

type StorageConfig struct {
	// Driver is sqlite or memory.
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path,omitempty"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type JobsConfig struct {
	PollIntervalMS  int64         `yaml:"poll_interval_ms"`
	TTL             time.Duration `yaml:"ttl"`
	CompletionDelay time.Duration `yaml:"completion_delay"`
	Workers         int64         `yaml:"workers"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type AIConfig struct {
	// Provider is template or anthropic.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	MaxTokens int64  `yaml:"max_tokens,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret,omitempty"`
	Issuer           string        `yaml:"issuer,omitempty"`
	AllowActorHeader bool          `yaml:"allow_actor_header"`
	DevLogin         bool          `yaml:"dev_login"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	MetricInterval time.Duration `yaml:"metric_interval,omitempty"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id,omitempty"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Active reports whether the dispatcher should deliver to this hook.
func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

const (
	FileName  = "hubline.yml"
	EnvPrefix = "HUBLINE"
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	if c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("config.storage.busy_timeout_ms must not be negative")
	}
	if c.Jobs.PollIntervalMS <= 0 {
		return fmt.Errorf("config.jobs.poll_interval_ms must be positive")
	}
	if c.Jobs.TTL <= 0 {
		return fmt.Errorf("config.jobs.ttl must be positive")
	}
	if c.Jobs.CompletionDelay < 0 {
		return fmt.Errorf("config.jobs.completion_delay must not be negative")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("config.jobs.workers must be positive")
	}
	switch c.AI.Provider {
	case "template":
	case "anthropic":
		if strings.TrimSpace(c.AI.APIKey) == "" {
			return fmt.Errorf("config.ai.api_key is required for the anthropic provider (or set %s_AI_API_KEY)", EnvPrefix)
		}
	default:
		return fmt.Errorf("config.ai.provider must be template or anthropic, got %q", c.AI.Provider)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("config.auth.token_ttl must not be negative")
	}
	if c.Auth.DevLogin && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.dev_login needs config.auth.jwt_secret")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	if strings.TrimSpace(c.Log.Level) != "" {
		if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("config.log.level: %w", err)
		}
	}
	known := make(map[string]struct{}, len(events.Types))
	for _, t := range events.Types {
		known[t] = struct{}{}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if _, ok := known[evt]; !ok {
				return fmt.Errorf("config.webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Load reads the workspace config (or an explicit file), falls back to the
// defaults when there is none, then applies environment overrides.
func Load(workspace, file string, v *viper.Viper) (*Config, error) {
	path := file
	if path == "" {
		path = Path(workspace)
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if cfg, err = parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case os.IsNotExist(err) && file == "":
	default:
		return nil, err
	}
	if v != nil {
		cfg.ApplyEnv(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewEnv returns a viper instance reading HUBLINE_* variables, e.g.
// HUBLINE_AUTH_JWT_SECRET for auth.jwt_secret.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

var envKeys = []string{
	"server.addr", "server.base_path", "server.cors_origin",
	"storage.driver", "storage.path", "storage.busy_timeout_ms",
	"jobs.poll_interval_ms", "jobs.ttl", "jobs.completion_delay", "jobs.workers", "jobs.sweep_interval",
	"ai.provider", "ai.model", "ai.api_key", "ai.max_tokens", "ai.base_url",
	"auth.jwt_secret", "auth.issuer", "auth.allow_actor_header", "auth.dev_login", "auth.token_ttl",
	"log.level", "log.format",
	"telemetry.enabled", "telemetry.service_name", "telemetry.metric_interval",
}

// ApplyEnv overrides fields whose key is set in v.
func (c *Config) ApplyEnv(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	i64 := func(key string, dst *int64) {
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	str("server.addr", &c.Server.Addr)
	str("server.base_path", &c.Server.BasePath)
	str("server.cors_origin", &c.Server.CORSOrigin)
	str("storage.driver", &c.Storage.Driver)
	str("storage.path", &c.Storage.Path)
	if v.IsSet("storage.busy_timeout_ms") {
		c.Storage.BusyTimeoutMS = v.GetInt("storage.busy_timeout_ms")
	}
	i64("jobs.poll_interval_ms", &c.Jobs.PollIntervalMS)
	dur("jobs.ttl", &c.Jobs.TTL)
	dur("jobs.completion_delay", &c.Jobs.CompletionDelay)
	i64("jobs.workers", &c.Jobs.Workers)
	dur("jobs.sweep_interval", &c.Jobs.SweepInterval)
	str("ai.provider", &c.AI.Provider)
	str("ai.model", &c.AI.Model)
	str("ai.api_key", &c.AI.APIKey)
	i64("ai.max_tokens", &c.AI.MaxTokens)
	str("ai.base_url", &c.AI.BaseURL)
	str("auth.jwt_secret", &c.Auth.JWTSecret)
	str("auth.issuer", &c.Auth.Issuer)
	boolean("auth.allow_actor_header", &c.Auth.AllowActorHeader)
	boolean("auth.dev_login", &c.Auth.DevLogin)
	dur("auth.token_ttl", &c.Auth.TokenTTL)
	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
	boolean("telemetry.enabled", &c.Telemetry.Enabled)
	str("telemetry.service_name", &c.Telemetry.ServiceName)
	dur("telemetry.metric_interval", &c.Telemetry.MetricInterval)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.AI.APIKey != "" {
		out.AI.APIKey = "***"
	}
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "***"
	}
	out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if hook.Secret != "" {
			hook.Secret = "***"
		}
		out.Webhooks[i] = hook
	}
	return &out
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

storage:
  driver: sqlite
  busy_timeout_ms: 5000

jobs:
  poll_interval_ms: 2000
  ttl: 1h
  completion_delay: 2s
  workers: 4
  sweep_interval: 10m

ai:
  # template needs no network; anthropic requires api_key or HUBLINE_AI_API_KEY
  provider: template
  model: claude-haiku-4-5
  max_tokens: 1024

auth:
  allow_actor_header: false
  dev_login: false
  token_ttl: 12h

log:
  level: info
  format: json

telemetry:
  enabled: false
  service_name: hubline

# webhooks:
#   - id: ops
#     url: https://example.com/hooks/hubline
#     events: [decision.transitioned, job.completed]
#     secret: change-me
#     timeout_seconds: 5
`
