package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	Mode           string
	Upstream       string
	MaxConnections int
	MsgDir         string
	Database       string
	RetentionDays  int
}

// NewFlagSet registers the shared flags on a new FlagSet named name.
// Subcommands add their own flags before parsing.
func NewFlagSet(name string, f *Flags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&f.ConfigPath, "config", "./popfiled.toml", "Path to configuration file")
	fs.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	fs.StringVar(&f.Mode, "mode", "", "Protocol for -listen (pop3, smtp)")
	fs.StringVar(&f.Upstream, "upstream", "", "Upstream host:port for -listen")
	fs.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")
	fs.StringVar(&f.MsgDir, "msgdir", "", "Directory holding history message files")
	fs.StringVar(&f.Database, "database", "", "Path to the history database")
	fs.IntVar(&f.RetentionDays, "retention-days", 0, "Days to keep history")

	return fs
}

// ParseFlags parses args with the shared flag set.
func ParseFlags(name string, args []string) (*Flags, error) {
	f := &Flags{}
	if err := NewFlagSet(name, f).Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [popfiled],
// with [popfiled] values taking precedence over [server] values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.Popfiled)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen replaces ALL listeners with a single listener
		mode := ListenerMode(f.Mode)
		if mode == "" {
			mode = ModePOP3
		}
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: mode, Upstream: f.Upstream},
		}
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	if f.MsgDir != "" {
		cfg.History.MsgDir = f.MsgDir
	}

	if f.Database != "" {
		cfg.History.Database = f.Database
	}

	if f.RetentionDays > 0 {
		cfg.History.RetentionDays = f.RetentionDays
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Timeouts.Connect != "" {
		dst.Timeouts.Connect = src.Timeouts.Connect
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	dst.History = mergeHistory(dst.History, src.History)
	dst.Classifier = mergeClassifier(dst.Classifier, src.Classifier)

	if src.POP3.UserSeparator != "" {
		dst.POP3.UserSeparator = src.POP3.UserSeparator
	}

	return dst
}

func mergeHistory(dst, src HistoryConfig) HistoryConfig {
	if src.MsgDir != "" {
		dst.MsgDir = src.MsgDir
	}
	if src.Database != "" {
		dst.Database = src.Database
	}
	if src.RetentionDays != 0 {
		dst.RetentionDays = src.RetentionDays
	}
	if src.TickInterval != "" {
		dst.TickInterval = src.TickInterval
	}
	if src.Archive.Enabled {
		dst.Archive.Enabled = true
	}
	if src.Archive.Path != "" {
		dst.Archive.Path = src.Archive.Path
	}
	if src.Archive.Classes != 0 {
		dst.Archive.Classes = src.Archive.Classes
	}
	return dst
}

func mergeClassifier(dst, src ClassifierConfig) ClassifierConfig {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.DefaultBucket != "" {
		dst.DefaultBucket = src.DefaultBucket
	}
	if len(src.Buckets) > 0 {
		dst.Buckets = src.Buckets
	}
	if len(src.Rules) > 0 {
		dst.Rules = src.Rules
	}
	return dst
}
