package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/leadops/internal/otel"
)

const (
	defaultBindAddr            = "127.0.0.1:18790"
	defaultRunnerInterval      = 30
	defaultIdempotencyTTLHours = 24
	defaultAdvisorTimeout      = 10
	defaultDigestSpec          = "0 8 * * *"
	defaultPurgeSpec           = "@hourly"
	defaultRequestsPerMinute   = 120
	defaultBurstSize           = 20
)

type RunnerConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	Disabled        bool `yaml:"disabled"`
}

// AdvisorConfig enables the model-backed plan advisor. The rule table is
// used alone when Enabled is false or no API key resolves.
type AdvisorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// RateLimitConfig bounds API calls per credential.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// MaintenanceConfig holds cron expressions; an empty value disables the job.
type MaintenanceConfig struct {
	DigestSpec string `yaml:"digest_spec"`
	PurgeSpec  string `yaml:"purge_spec"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	DBPath       string   `yaml:"db_path"`
	AllowOrigins []string `yaml:"allow_origins"`

	IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`

	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Runner      RunnerConfig      `yaml:"runner"`
	Advisor     AdvisorConfig     `yaml:"advisor"`
	Notify      NotifyConfig      `yaml:"notify"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`

	// SuperuserSecret only comes from LEADOPS_SUPERUSER_SECRET.
	SuperuserSecret string `yaml:"-"`

	// FirstRun is set when config.yaml did not exist.
	FirstRun bool `yaml:"-"`
}

func HomeDir() string {
	if override := os.Getenv("LEADOPS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".leadops")
}

func ConfigPath(homeDir string) string { return filepath.Join(homeDir, "config.yaml") }

func PolicyPath(homeDir string) string { return filepath.Join(homeDir, "policy.yaml") }

func (c Config) PolicyPath() string { return PolicyPath(c.HomeDir) }

func (c Config) RunnerInterval() time.Duration {
	return time.Duration(c.Runner.IntervalSeconds) * time.Second
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c Config) AdvisorTimeout() time.Duration {
	return time.Duration(c.Advisor.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that affect behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|runner=%d/%t|ttl=%d|advisor=%t/%s/%s|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Runner.IntervalSeconds, c.Runner.Disabled,
		c.IdempotencyTTLHours, c.Advisor.Enabled, c.Advisor.Provider, c.Advisor.Model, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		IdempotencyTTLHours: defaultIdempotencyTTLHours,
		Runner:              RunnerConfig{IntervalSeconds: defaultRunnerInterval},
		Advisor:             AdvisorConfig{Provider: "google", TimeoutSeconds: defaultAdvisorTimeout},
		Maintenance:         MaintenanceConfig{DigestSpec: defaultDigestSpec, PurgeSpec: defaultPurgeSpec},
	}
}

// Load reads config.yaml from HomeDir, then applies LEADOPS_* overrides.
// A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create leadops home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case os.IsNotExist(err):
		cfg.FirstRun = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "leadops.db")
	}
	if cfg.Runner.IntervalSeconds <= 0 {
		cfg.Runner.IntervalSeconds = defaultRunnerInterval
	}
	if cfg.IdempotencyTTLHours <= 0 {
		cfg.IdempotencyTTLHours = defaultIdempotencyTTLHours
	}
	cfg.Advisor.Provider = strings.ToLower(strings.TrimSpace(cfg.Advisor.Provider))
	if cfg.Advisor.Provider == "" || cfg.Advisor.Provider == "gemini" {
		cfg.Advisor.Provider = "google"
	}
	if cfg.Advisor.TimeoutSeconds <= 0 {
		cfg.Advisor.TimeoutSeconds = defaultAdvisorTimeout
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = defaultBurstSize
	}
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("LEADOPS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LEADOPS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LEADOPS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LEADOPS_SUPERUSER_SECRET"); raw != "" {
		cfg.SuperuserSecret = raw
	}
	if raw := os.Getenv("LEADOPS_ADVISOR_PROVIDER"); raw != "" {
		cfg.Advisor.Provider = raw
		cfg.Advisor.Enabled = true
	}
	if raw := os.Getenv("LEADOPS_ADVISOR_MODEL"); raw != "" {
		cfg.Advisor.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"LEADOPS_RUNNER_INTERVAL_SECONDS", &cfg.Runner.IntervalSeconds},
		{"LEADOPS_IDEMPOTENCY_TTL_HOURS", &cfg.IdempotencyTTLHours},
	}
	for _, o := range ints {
		raw := os.Getenv(o.env)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = v
	}
	if raw := os.Getenv("LEADOPS_TELEGRAM_CHAT_ID"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("LEADOPS_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.Telegram.ChatID = v
	}
	return nil
}

// AdvisorAPIKey resolves the advisor key: config first, then the provider's
// environment variable.
func (c Config) AdvisorAPIKey() string {
	if k := strings.TrimSpace(c.Advisor.APIKey); k != "" {
		return k
	}
	for _, p := range AdvisorProviders() {
		if p.Name == c.Advisor.Provider {
			return p.APIKey()
		}
	}
	return ""
}
