// Package config provides configuration management for the classifying proxy.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// ListenerMode defines the protocol spoken on a listener.
type ListenerMode string

const (
	// ModePOP3 proxies POP3 sessions; messages are classified on RETR.
	ModePOP3 ListenerMode = "pop3"
	// ModeSMTP proxies SMTP sessions; messages are classified on DATA.
	ModeSMTP ListenerMode = "smtp"
)

// FileConfig is the top-level wrapper for the shared configuration file.
type FileConfig struct {
	Server   ServerConfig `toml:"server"`
	Popfiled Config       `toml:"popfiled"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	LogLevel string    `toml:"log_level"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the proxy configuration.
type Config struct {
	Hostname   string           `toml:"hostname"`
	LogLevel   string           `toml:"log_level"`
	Listeners  []ListenerConfig `toml:"listeners"`
	TLS        TLSConfig        `toml:"tls"`
	Timeouts   TimeoutsConfig   `toml:"timeouts"`
	Limits     LimitsConfig     `toml:"limits"`
	Metrics    MetricsConfig    `toml:"metrics"`
	History    HistoryConfig    `toml:"history"`
	Classifier ClassifierConfig `toml:"classifier"`
	POP3       POP3Config       `toml:"pop3"`
}

// ListenerConfig defines settings for a single listener.
// Upstream is the host:port of the real mail server. For SMTP it is the
// chain target and is required for any session to succeed; for POP3 it may
// be left empty when clients name the server in their USER command.
type ListenerConfig struct {
	Address     string       `toml:"address"`
	Mode        ListenerMode `toml:"mode"`
	Upstream    string       `toml:"upstream"`
	UpstreamTLS bool         `toml:"upstream_tls"`
}

// TLSConfig holds settings for TLS connections made to upstream servers.
type TLSConfig struct {
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Idle       string `toml:"idle"`
	Connect    string `toml:"connect"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int `toml:"max_connections"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// HistoryConfig locates the message history and controls its upkeep.
type HistoryConfig struct {
	MsgDir        string        `toml:"msgdir"`
	Database      string        `toml:"database"`
	RetentionDays int           `toml:"retention_days"`
	TickInterval  string        `toml:"tick_interval"`
	Archive       ArchiveConfig `toml:"archive"`
}

// ArchiveConfig controls copying expired messages into a per-bucket tree.
// Classes > 1 spreads each bucket over that many numbered subdirectories.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Classes int    `toml:"classes"`
}

// ClassifierConfig selects and configures the classifier backend.
type ClassifierConfig struct {
	Type          string       `toml:"type"`
	DefaultBucket string       `toml:"default_bucket"`
	Buckets       []string     `toml:"buckets"`
	Rules         []RuleConfig `toml:"rules"`
}

// RuleConfig is one rule of the keyword classifier.
type RuleConfig struct {
	Field    string `toml:"field"`
	Contains string `toml:"contains"`
	Bucket   string `toml:"bucket"`
	Magnet   string `toml:"magnet"`
}

// POP3Config holds POP3 proxy specific settings.
type POP3Config struct {
	// UserSeparator splits "user<sep>host[:port]" in USER and AUTH.
	UserSeparator string `toml:"user_separator"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":110", Mode: ModePOP3},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "1m",
			Idle:       "5m",
			Connect:    "30s",
		},
		Limits: LimitsConfig{
			MaxConnections: 100,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
		History: HistoryConfig{
			MsgDir:        "./messages",
			Database:      "./popfile.db",
			RetentionDays: 2,
			TickInterval:  "10s",
			Archive: ArchiveConfig{
				Enabled: false,
				Path:    "./archive",
				Classes: 0,
			},
		},
		Classifier: ClassifierConfig{
			Type:          "keyword",
			DefaultBucket: "unclassified",
		},
		POP3: POP3Config{
			UserSeparator: ":",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
		if l.Upstream != "" {
			if _, _, err := net.SplitHostPort(l.Upstream); err != nil {
				return fmt.Errorf("listener %d: invalid upstream %q: %w", i, l.Upstream, err)
			}
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	for name, v := range map[string]string{
		"connection": c.Timeouts.Connection,
		"command":    c.Timeouts.Command,
		"idle":       c.Timeouts.Idle,
		"connect":    c.Timeouts.Connect,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.History.MsgDir == "" {
		return errors.New("history msgdir is required")
	}
	if c.History.Database == "" {
		return errors.New("history database is required")
	}
	if c.History.RetentionDays < 0 {
		return errors.New("history retention_days must not be negative")
	}
	if c.History.TickInterval != "" {
		d, err := time.ParseDuration(c.History.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid history tick_interval: %w", err)
		}
		if d <= 0 {
			return errors.New("history tick_interval must be positive")
		}
	}
	if c.History.Archive.Enabled && c.History.Archive.Path == "" {
		return errors.New("archive path is required when archiving is enabled")
	}
	if c.History.Archive.Classes < 0 {
		return errors.New("archive classes must not be negative")
	}

	if c.Classifier.Type == "" {
		return errors.New("classifier type is required")
	}

	if c.POP3.UserSeparator == "" {
		return errors.New("pop3 user_separator must not be empty")
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 10 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Connection, 10*time.Minute)
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDurationOr(c.Command, 1*time.Minute)
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseDurationOr(c.Idle, 5*time.Minute)
}

// ConnectTimeout returns the upstream dial timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) ConnectTimeout() time.Duration {
	return parseDurationOr(c.Connect, 30*time.Second)
}

// Tick returns the maintenance tick interval.
// Returns 10 seconds if not configured or invalid.
func (h *HistoryConfig) Tick() time.Duration {
	d := parseDurationOr(h.TickInterval, 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModePOP3, ModeSMTP:
		return true
	default:
		return false
	}
}
