// Package config provides YAML configuration loading and validation for the
// fleetwatch server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups on minimal images

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fleetwatch/dashboard/internal/notify"
	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// Config is the top-level configuration of the fleetwatch server.
type Config struct {
	// HTTPAddr is the listen address of the REST API and WebSocket
	// endpoints. Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, also writes logs to a rotated file.
	LogFile string `yaml:"log_file"`

	Store      StoreConfig             `yaml:"store"`
	Auth       AuthConfig              `yaml:"auth"`
	Intervals  IntervalConfig          `yaml:"intervals"`
	Thresholds storage.ThresholdConfig `yaml:"thresholds"`
	Notify     NotifyConfig            `yaml:"notify"`

	// AuditLogPath is the hash-chained operator change log. Defaults to
	// "fleetwatch-audit.log".
	AuditLogPath string `yaml:"audit_log_path"`

	// Timezone renders times in notifications, e.g. "Asia/Bangkok".
	// Defaults to "UTC".
	Timezone string `yaml:"timezone"`
}

// StoreConfig selects the Fleet Record Store backend.
type StoreConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string. Overridden by FLEETWATCH_DSN.
	DSN string `yaml:"dsn"`

	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// AuthConfig holds dashboard session and agent credentials.
type AuthConfig struct {
	// JWTPublicKeyPath is the PEM RSA public key verifying RS256 session
	// tokens. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`

	// AgentAPIKeys are accepted on the ingestion endpoints. Overridden by
	// FLEETWATCH_AGENT_KEYS (comma-separated). At least one is required.
	AgentAPIKeys []string `yaml:"agent_api_keys"`
}

// IntervalConfig holds the scheduler periods.
type IntervalConfig struct {
	LivePush         time.Duration `yaml:"live_push"`
	AdminPush        time.Duration `yaml:"admin_push"`
	Evaluate         time.Duration `yaml:"evaluate"`
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
}

// NotifyConfig configures alert delivery. Sinks without credentials are
// disabled.
type NotifyConfig struct {
	Line    LineConfig    `yaml:"line"`
	Slack   SlackConfig   `yaml:"slack"`
	Email   EmailConfig   `yaml:"email"`
	WebPush WebPushConfig `yaml:"webpush"`
	Target  notify.Target `yaml:"target"`

	Cooldown    time.Duration `yaml:"cooldown"`
	QueueSize   int           `yaml:"queue_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// LineConfig configures the LINE Messaging API sink.
type LineConfig struct {
	// ChannelToken is overridden by FLEETWATCH_LINE_TOKEN.
	ChannelToken string `yaml:"channel_token"`
	Endpoint     string `yaml:"endpoint"`
}

// SlackConfig configures the Slack sink.
type SlackConfig struct {
	// Token is overridden by FLEETWATCH_SLACK_TOKEN.
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// EmailConfig configures the SMTP sink.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	// Password is overridden by FLEETWATCH_SMTP_PASSWORD.
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// WebPushConfig holds the VAPID key pair browsers subscribe against.
// Subscriptions themselves live in the store.
type WebPushConfig struct {
	VAPIDPublicKey string `yaml:"vapid_public_key"`
	// VAPIDPrivateKey is overridden by FLEETWATCH_VAPID_PRIVATE_KEY.
	VAPIDPrivateKey string        `yaml:"vapid_private_key"`
	Subscriber      string        `yaml:"subscriber"`
	TTL             time.Duration `yaml:"ttl"`
}

// Enabled reports whether the sink has enough configuration to send.
func (c LineConfig) Enabled() bool  { return c.ChannelToken != "" }
func (c SlackConfig) Enabled() bool { return c.Token != "" && c.Channel != "" }
func (c EmailConfig) Enabled() bool { return c.Host != "" && c.From != "" }
func (c WebPushConfig) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults and environment overrides, and validates the result. Problems
// are reported together.
//
// A ".env" file next to the working directory, when present, is loaded into
// the environment first; variables already set are not replaced.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: cannot load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := Config{Thresholds: storage.DefaultThresholds()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg, os.Getenv)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "fleetwatch.db"
	}
	if cfg.Store.WriteTimeout == 0 {
		cfg.Store.WriteTimeout = 3 * time.Second
	}
	if cfg.Store.HistoryRetention == 0 {
		cfg.Store.HistoryRetention = 30 * 24 * time.Hour
	}
	if cfg.Intervals.LivePush == 0 {
		cfg.Intervals.LivePush = 2 * time.Second
	}
	if cfg.Intervals.AdminPush == 0 {
		cfg.Intervals.AdminPush = 10 * time.Second
	}
	if cfg.Intervals.Evaluate == 0 {
		cfg.Intervals.Evaluate = 10 * time.Second
	}
	if cfg.Intervals.OfflineThreshold == 0 {
		cfg.Intervals.OfflineThreshold = 60 * time.Second
	}
	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 256
	}
	if cfg.Notify.SendTimeout == 0 {
		cfg.Notify.SendTimeout = 15 * time.Second
	}
	if cfg.Notify.Email.Port == 0 {
		cfg.Notify.Email.Port = 587
	}
	if cfg.Notify.WebPush.Subscriber == "" {
		cfg.Notify.WebPush.Subscriber = "mailto:admin@localhost"
	}
	if cfg.Notify.WebPush.TTL == 0 {
		cfg.Notify.WebPush.TTL = time.Hour
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "fleetwatch-audit.log"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
}

// applyEnv lets secrets come from the environment instead of the file.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("FLEETWATCH_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := getenv("FLEETWATCH_LINE_TOKEN"); v != "" {
		cfg.Notify.Line.ChannelToken = v
	}
	if v := getenv("FLEETWATCH_SLACK_TOKEN"); v != "" {
		cfg.Notify.Slack.Token = v
	}
	if v := getenv("FLEETWATCH_SMTP_PASSWORD"); v != "" {
		cfg.Notify.Email.Password = v
	}
	if v := getenv("FLEETWATCH_VAPID_PRIVATE_KEY"); v != "" {
		cfg.Notify.WebPush.VAPIDPrivateKey = v
	}
	if v := getenv("FLEETWATCH_AGENT_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.Auth.AgentAPIKeys = keys
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDrivers[cfg.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of: memory, sqlite, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
	}
	if cfg.Store.WriteTimeout < 0 {
		errs = append(errs, errors.New("store.write_timeout must be positive"))
	}
	if cfg.Auth.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("auth.jwt_public_key_path is required"))
	}
	if len(cfg.Auth.AgentAPIKeys) == 0 {
		errs = append(errs, errors.New("auth.agent_api_keys must contain at least one key"))
	}

	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"intervals.live_push", cfg.Intervals.LivePush},
		{"intervals.admin_push", cfg.Intervals.AdminPush},
		{"intervals.evaluate", cfg.Intervals.Evaluate},
		{"intervals.offline_threshold", cfg.Intervals.OfflineThreshold},
	} {
		if iv.d < time.Second {
			errs = append(errs, fmt.Errorf("%s must be at least 1s, got %s", iv.name, iv.d))
		}
	}

	errs = append(errs, validateThresholds(cfg.Thresholds)...)

	if cfg.Notify.Cooldown < 0 {
		errs = append(errs, errors.New("notify.cooldown must not be negative"))
	}
	if cfg.Notify.Email.Enabled() && len(cfg.Notify.Email.To) == 0 && len(cfg.Notify.Target.UserIDs) == 0 {
		errs = append(errs, errors.New("notify.email requires at least one recipient"))
	}
	if cfg.Notify.Line.Enabled() && len(cfg.Notify.Target.UserIDs)+len(cfg.Notify.Target.GroupIDs) == 0 {
		errs = append(errs, errors.New("notify.line requires notify.target user_ids or group_ids"))
	}
	if w := cfg.Notify.WebPush; (w.VAPIDPublicKey == "") != (w.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("notify.webpush needs both vapid_public_key and vapid_private_key"))
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", cfg.Timezone, err))
	}

	return errors.Join(errs...)
}

// ValidateThresholds checks an operator-supplied threshold configuration.
func ValidateThresholds(t storage.ThresholdConfig) error {
	return errors.Join(validateThresholds(t)...)
}

func validateThresholds(t storage.ThresholdConfig) []error {
	var errs []error
	for _, m := range []struct {
		name string
		rule storage.MetricRule
	}{
		{"cpu", t.CPU},
		{"ram", t.RAM},
		{"disk_io", t.DiskIO},
		{"network", t.Network},
	} {
		if m.rule.Threshold < 0 {
			errs = append(errs, fmt.Errorf("thresholds.%s.threshold must not be negative", m.name))
		}
	}
	if t.CPU.Threshold > 100 || t.RAM.Threshold > 100 {
		errs = append(errs, errors.New("thresholds.cpu and thresholds.ram are percentages and must not exceed 100"))
	}
	if t.ProcessStopped.Minutes < 0 || t.ProcessStopped.Seconds < 0 || t.ProcessStopped.Seconds > 59 {
		errs = append(errs, errors.New("thresholds.process_stopped needs minutes ≥ 0 and seconds in 0..59"))
	}
	return errs
}
