// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local use: a viewer on the same machine.
	Development Environment = "development"
	// Production is for long-running shared sessions.
	Production Environment = "production"
)

// EnvironmentVariable names the config file for [Load].
const EnvironmentVariable = "GRIDCAST_CONFIG"

// Config is the master configuration for gridcast.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Session   SessionConfig   `yaml:"session"`
	History   HistoryConfig   `yaml:"history"`
	Transport TransportConfig `yaml:"transport"`
	Inspect   InspectConfig   `yaml:"inspect"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	LogLevel  string           `yaml:"log_level,omitempty"`
	Session   *SessionConfig   `yaml:"session,omitempty"`
	History   *HistoryConfig   `yaml:"history,omitempty"`
	Transport *TransportConfig `yaml:"transport,omitempty"`
	Inspect   *InspectConfig   `yaml:"inspect,omitempty"`
}

// SessionConfig configures the session broker and its viewers.
type SessionConfig struct {
	// Width and Height are the host terminal dimensions.
	// Default: 80x24
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// QueueSize is the outbound message capacity per viewer.
	// Default: 256
	QueueSize int `yaml:"queue_size"`

	// Overflow is what happens to a viewer whose queue is full.
	// Values: "resync" (drop queued messages, send a fresh snapshot),
	// "disconnect" (detach the viewer).
	// Default: resync
	Overflow string `yaml:"overflow"`

	// Compression is used for frames sent to a client before it
	// subscribes; the Subscribe's own preference applies afterwards.
	// Values: "none", "lz4", "zstd", "auto"
	// Default: auto
	Compression string `yaml:"compression"`

	// CompressionThreshold is the payload size below which frames are
	// sent uncompressed.
	// Default: 512
	CompressionThreshold int `yaml:"compression_threshold"`

	// RetentionInterval is how often the retention policy runs.
	// Default: 30s
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// HistoryConfig configures the grid history log.
type HistoryConfig struct {
	// SnapshotInterval is the number of deltas between checkpoints.
	// Default: 100
	SnapshotInterval int `yaml:"snapshot_interval"`

	// MaxScrollback bounds the retained scrolled-off lines.
	// Default: 10000
	MaxScrollback int `yaml:"max_scrollback"`

	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig selects automatic history pruning.
type RetentionConfig struct {
	// Mode is one of "manual", "deltas", "age", "bytes".
	// Default: manual
	Mode      string        `yaml:"mode"`
	MaxDeltas int           `yaml:"max_deltas"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxBytes  int64         `yaml:"max_bytes"`
}

// TransportConfig configures how viewers reach the host.
type TransportConfig struct {
	// Kind is one of "tcp", "unix", "websocket", "webrtc".
	// Default: unix
	Kind string `yaml:"kind"`

	// Address is the listen address: "host:port" for tcp and
	// websocket, a socket path for unix. Unused for webrtc.
	Address string `yaml:"address"`

	// Name identifies this host in WebRTC signaling.
	Name string `yaml:"name"`

	// SignalingDirectory is the directory WebRTC offers and answers are
	// exchanged through.
	SignalingDirectory string `yaml:"signaling_directory"`

	// ICEURLs lists STUN and TURN servers. TURN entries use
	// ICEUsername and ICECredential.
	ICEURLs       []string `yaml:"ice_urls"`
	ICEUsername   string   `yaml:"ice_username"`
	ICECredential string   `yaml:"ice_credential"`
}

// InspectConfig configures the debug inspection socket.
type InspectConfig struct {
	// SocketPath is the Unix socket for inspection requests. Empty
	// disables inspection.
	SocketPath string `yaml:"socket_path"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		Session: SessionConfig{
			Width:                80,
			Height:               24,
			QueueSize:            256,
			Overflow:             "resync",
			Compression:          "auto",
			CompressionThreshold: 512,
			RetentionInterval:    30 * time.Second,
		},
		History: HistoryConfig{
			SnapshotInterval: 100,
			MaxScrollback:    10000,
			Retention:        RetentionConfig{Mode: "manual"},
		},
		Transport: TransportConfig{
			Kind:    "unix",
			Address: filepath.Join(runtimeDir, "gridcast", "view.sock"),
			Name:    "host",
		},
		Inspect: InspectConfig{
			SocketPath: filepath.Join(runtimeDir, "gridcast", "inspect.sock"),
		},
	}
}

// Load loads configuration from the GRIDCAST_CONFIG environment
// variable. It fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your gridcast.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, on top of
// [Default].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment.
// Zero values in an override leave the base value in place.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	override(&c.LogLevel, overrides.LogLevel)

	if session := overrides.Session; session != nil {
		override(&c.Session.Width, session.Width)
		override(&c.Session.Height, session.Height)
		override(&c.Session.QueueSize, session.QueueSize)
		override(&c.Session.Overflow, session.Overflow)
		override(&c.Session.Compression, session.Compression)
		override(&c.Session.CompressionThreshold, session.CompressionThreshold)
		override(&c.Session.RetentionInterval, session.RetentionInterval)
	}

	if history := overrides.History; history != nil {
		override(&c.History.SnapshotInterval, history.SnapshotInterval)
		override(&c.History.MaxScrollback, history.MaxScrollback)
		override(&c.History.Retention.Mode, history.Retention.Mode)
		override(&c.History.Retention.MaxDeltas, history.Retention.MaxDeltas)
		override(&c.History.Retention.MaxAge, history.Retention.MaxAge)
		override(&c.History.Retention.MaxBytes, history.Retention.MaxBytes)
	}

	if transport := overrides.Transport; transport != nil {
		override(&c.Transport.Kind, transport.Kind)
		override(&c.Transport.Address, transport.Address)
		override(&c.Transport.Name, transport.Name)
		override(&c.Transport.SignalingDirectory, transport.SignalingDirectory)
		if len(transport.ICEURLs) > 0 {
			c.Transport.ICEURLs = transport.ICEURLs
		}
		override(&c.Transport.ICEUsername, transport.ICEUsername)
		override(&c.Transport.ICECredential, transport.ICECredential)
	}

	if inspect := overrides.Inspect; inspect != nil {
		override(&c.Inspect.SocketPath, inspect.SocketPath)
	}
}

func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}

	c.Inspect.SocketPath = expandVars(c.Inspect.SocketPath, vars)
	c.Transport.SignalingDirectory = expandVars(c.Transport.SignalingDirectory, vars)
	if c.Transport.Kind == "unix" {
		c.Transport.Address = expandVars(c.Transport.Address, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.Session.Width < 1 || c.Session.Width > 65535 || c.Session.Height < 1 || c.Session.Height > 65535 {
		errs = append(errs, fmt.Errorf("session dimensions %dx%d out of range", c.Session.Width, c.Session.Height))
	}
	if c.Session.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("session.queue_size must be positive"))
	}
	errs = appendChoiceError(errs, "session.overflow", c.Session.Overflow, "resync", "disconnect")
	errs = appendChoiceError(errs, "session.compression", c.Session.Compression, "none", "lz4", "zstd", "auto")
	if c.Session.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("session.compression_threshold must not be negative"))
	}
	if c.Session.RetentionInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.retention_interval must be positive"))
	}

	if c.History.SnapshotInterval <= 0 {
		errs = append(errs, fmt.Errorf("history.snapshot_interval must be positive"))
	}
	if c.History.MaxScrollback < 0 {
		errs = append(errs, fmt.Errorf("history.max_scrollback must not be negative"))
	}
	retention := c.History.Retention
	switch retention.Mode {
	case "manual":
	case "deltas":
		if retention.MaxDeltas <= 0 {
			errs = append(errs, fmt.Errorf("history.retention.max_deltas must be positive for mode deltas"))
		}
	case "age":
		if retention.MaxAge <= 0 {
			errs = append(errs, fmt.Errorf("history.retention.max_age must be positive for mode age"))
		}
	case "bytes":
		if retention.MaxBytes <= 0 {
			errs = append(errs, fmt.Errorf("history.retention.max_bytes must be positive for mode bytes"))
		}
	default:
		errs = appendChoiceError(errs, "history.retention.mode", retention.Mode, "manual", "deltas", "age", "bytes")
	}

	errs = appendChoiceError(errs, "transport.kind", c.Transport.Kind, "tcp", "unix", "websocket", "webrtc")
	switch c.Transport.Kind {
	case "tcp", "unix", "websocket":
		if c.Transport.Address == "" {
			errs = append(errs, fmt.Errorf("transport.address is required for %s", c.Transport.Kind))
		}
	case "webrtc":
		if c.Transport.Name == "" {
			errs = append(errs, fmt.Errorf("transport.name is required for webrtc"))
		}
		if c.Transport.SignalingDirectory == "" {
			errs = append(errs, fmt.Errorf("transport.signaling_directory is required for webrtc"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: must be one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}

// EnsurePaths creates the directories holding configured sockets and
// the signaling directory.
func (c *Config) EnsurePaths() error {
	directories := []string{c.Transport.SignalingDirectory}
	if c.Inspect.SocketPath != "" {
		directories = append(directories, filepath.Dir(c.Inspect.SocketPath))
	}
	if c.Transport.Kind == "unix" && c.Transport.Address != "" {
		directories = append(directories, filepath.Dir(c.Transport.Address))
	}
	for _, directory := range directories {
		if directory == "" {
			continue
		}
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}

func appendChoiceError(errs []error, field, value string, choices ...string) []error {
	if slices.Contains(choices, value) {
		return errs
	}
	return append(errs, fmt.Errorf("%s must be one of: %v (got %q)", field, choices, value))
}
