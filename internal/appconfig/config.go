// Package appconfig manages the session manager's ambient application
// configuration and well-known runtime file paths (config directory,
// settings file, event journal).
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BindPolicy gates whether a local forward may bind a non-loopback address.
type BindPolicy string

const (
	BindPolicyLoopbackOnly BindPolicy = "loopback-only"
	BindPolicyAllowPublic  BindPolicy = "allow-public"
)

// NormalizeBindPolicy coerces any unrecognized value to the safe default.
func NormalizeBindPolicy(v string) BindPolicy {
	switch BindPolicy(strings.TrimSpace(v)) {
	case BindPolicyAllowPublic:
		return BindPolicyAllowPublic
	default:
		return BindPolicyLoopbackOnly
	}
}

// HostKeyPolicy is the configured host-key handling policy; the security
// audit reports on it. The askpass script does not read it and answers every
// yes/no prompt with "yes".
type HostKeyPolicy string

const (
	HostKeyPolicyStrict     HostKeyPolicy = "strict"
	HostKeyPolicyAcceptNew  HostKeyPolicy = "accept-new"
	HostKeyPolicyInsecure   HostKeyPolicy = "insecure"
)

// NormalizeHostKeyPolicy coerces any unrecognized value to the safe default.
func NormalizeHostKeyPolicy(v string) HostKeyPolicy {
	switch HostKeyPolicy(strings.TrimSpace(v)) {
	case HostKeyPolicyAcceptNew:
		return HostKeyPolicyAcceptNew
	case HostKeyPolicyInsecure:
		return HostKeyPolicyInsecure
	default:
		return HostKeyPolicyStrict
	}
}

// SecurityConfig governs bind policy, host-key handling, and error redaction.
type SecurityConfig struct {
	BindPolicy    BindPolicy    `yaml:"bind_policy"`
	HostKeyPolicy HostKeyPolicy `yaml:"host_key_policy"`
	RedactErrors  bool          `yaml:"redact_errors"`
}

// ReconnectConfig governs the Liveness Monitor & Reconnector's backoff
// schedule (spec.md §4.6): delay = min(2^(n-1) * BaseBackoffMs, CapMs) +
// random(JitterMinMs..JitterMaxMs), up to MaxAttempts consecutive failures.
type ReconnectConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	CapMs        int `yaml:"cap_ms"`
	JitterMinMs  int `yaml:"jitter_min_ms"`
	JitterMaxMs  int `yaml:"jitter_max_ms"`
}

// AskpassConfig holds settings for the Askpass Bridge's fallback dialog. It
// is loaded and normalized here; the askpass script does not read it, and its
// dialog helpers run without a timeout.
type AskpassConfig struct {
	DialogTimeoutSec int `yaml:"dialog_timeout_sec"`
}

// LoggingConfig holds the configured log level. It is loaded and normalized
// here; no slog handler is built from it.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config holds the session manager's application-level configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Askpass   AskpassConfig   `yaml:"askpass"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Security: SecurityConfig{
			BindPolicy:    BindPolicyLoopbackOnly,
			HostKeyPolicy: HostKeyPolicyStrict,
			RedactErrors:  true,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:   5,
			BaseBackoffMs: 1000,
			CapMs:         30000,
			JitterMinMs:   100,
			JitterMaxMs:   800,
		},
		Askpass: AskpassConfig{DialogTimeoutSec: 30},
	}
}

// ConfigDir returns the application config directory path. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config/openchamber-ssh. Resolved
// fresh on every call (ambient env state is read at call time, per spec.md
// §9's design note on not capturing the data directory once).
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "openchamber-ssh"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "openchamber-ssh"), nil
}

// DataDir returns the settings/runtime data directory. Honors
// OPENCHAMBER_DATA_DIR per spec.md §6's documented environment variable,
// falling back to ConfigDir.
func DataDir() (string, error) {
	if d := os.Getenv("OPENCHAMBER_DATA_DIR"); d != "" {
		return d, nil
	}
	return ConfigDir()
}

// SettingsFilePath returns the full path to the settings document consumed
// by internal/settings.
func SettingsFilePath() (string, error) {
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "settings.json"), nil
}

// EventsFilePath returns the full path to the JSONL event journal.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// Load reads config.yaml from the config directory, creating it with
// defaults if missing, and normalizes any invalid values to safe defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalize(cfg), nil
}

func normalize(cfg Config) Config {
	def := Default()
	cfg.Security.BindPolicy = NormalizeBindPolicy(string(cfg.Security.BindPolicy))
	cfg.Security.HostKeyPolicy = NormalizeHostKeyPolicy(string(cfg.Security.HostKeyPolicy))
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		cfg.Reconnect.MaxAttempts = 0
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if cfg.Reconnect.BaseBackoffMs <= 0 {
		cfg.Reconnect.BaseBackoffMs = def.Reconnect.BaseBackoffMs
	}
	if cfg.Reconnect.CapMs <= 0 {
		cfg.Reconnect.CapMs = def.Reconnect.CapMs
	}
	if cfg.Reconnect.JitterMaxMs <= 0 {
		cfg.Reconnect.JitterMinMs = def.Reconnect.JitterMinMs
		cfg.Reconnect.JitterMaxMs = def.Reconnect.JitterMaxMs
	}
	if cfg.Askpass.DialogTimeoutSec <= 0 {
		cfg.Askpass.DialogTimeoutSec = def.Askpass.DialogTimeoutSec
	}
	return cfg
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
