// Package config provides configuration management for OpenVPN Monitor.
// It handles loading, saving, and validating the YAML settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// Connection locates the OpenVPN management interface.
	Connection ConnectionConfig `yaml:"connection"`
	// Reconnect is the policy after the connection drops: "always", "never" or "manual".
	Reconnect string `yaml:"reconnect"`
	// ReconnectDelay is the flat delay before each reconnect attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// BusyWarningInterval is how often a missing banner is logged.
	BusyWarningInterval time.Duration `yaml:"busy_warning_interval"`
	// StatusInterval is the client list polling period.
	StatusInterval time.Duration `yaml:"status_interval"`
	// ByteCountInterval, in seconds, enables per-client byte counters. 0 disables them.
	ByteCountInterval int `yaml:"bytecount_interval"`
	// MaxBufferSize caps unframed inbound data in bytes.
	MaxBufferSize int `yaml:"max_buffer_size"`
	// Debug logs raw protocol traffic.
	Debug bool `yaml:"debug"`

	Log           LogConfig           `yaml:"log"`
	History       HistoryConfig       `yaml:"history"`
	Metrics       ListenerConfig      `yaml:"metrics"`
	Stream        ListenerConfig      `yaml:"stream"`
	NATS          NATSConfig          `yaml:"nats"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ConnectionConfig locates one management interface.
type ConnectionConfig struct {
	ID       string        `yaml:"id"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
	Username string        `yaml:"username,omitempty"`
	// Password is optional; the keyring is preferred.
	Password string `yaml:"password,omitempty"`
}

// LogConfig controls the application logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables logging to the rotated log file in the data directory.
	File bool `yaml:"file"`
}

// HistoryConfig controls the SQLite event history.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to history.db in the data directory.
	Path string `yaml:"path,omitempty"`
}

// ListenerConfig enables an HTTP endpoint.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NATSConfig controls event forwarding to NATS.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NotificationsConfig controls desktop notifications.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for a local OpenVPN server.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:    "127.0.0.1",
			Port:    7505,
			Timeout: common.DialTimeout,
		},
		Reconnect:           common.ReconnectAlways,
		ReconnectDelay:      common.ReconnectDelay,
		BusyWarningInterval: common.BusyWarningInterval,
		StatusInterval:      common.StatusInterval,
		MaxBufferSize:       common.MaxBufferSize,
		Log:                 LogConfig{Level: "info"},
		Metrics:             ListenerConfig{Listen: common.DefaultMetricsListen},
		Stream:              ListenerConfig{Listen: common.DefaultStreamListen},
		NATS: NATSConfig{
			URL:           common.DefaultNATSURL,
			SubjectPrefix: common.DefaultNATSPrefix,
		},
	}
}

// DefaultPath returns ~/.config/openvpn-monitor/config.yaml.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}

// Load loads the configuration from path, or from DefaultPath when path is empty.
// If the file doesn't exist, it creates one with default values.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, common.WrapError(err, "resolving config path")
		}
		path = p
	}

	// If it doesn't exist, return default configuration
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	// Start from defaults so omitted keys keep their default values
	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	// Validate values
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate verifies that configuration values are valid and fills in
// derived defaults.
func (c *Config) validate() error {
	if _, ok := management.ParseReconnectPolicy(c.Reconnect); !ok {
		common.LogWarn("Unknown reconnect policy %q, using %q", c.Reconnect, common.ReconnectAlways)
		c.Reconnect = common.ReconnectAlways // Fallback to default
	}
	if c.Connection.Host == "" {
		return fmt.Errorf("%w: connection.host is required", common.ErrInvalidConfig)
	}
	if c.Connection.Port < 1 || c.Connection.Port > 65535 {
		return fmt.Errorf("%w: connection.port %d out of range", common.ErrInvalidConfig, c.Connection.Port)
	}
	if c.Connection.ID == "" {
		c.Connection.ID = common.GenerateID()
	}
	if c.ByteCountInterval < 0 {
		return fmt.Errorf("%w: bytecount_interval must not be negative", common.ErrInvalidConfig)
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = common.MaxBufferSize
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = common.DefaultNATSPrefix
	}
	return nil
}

// Save saves the configuration to path.
func (c *Config) Save(path string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// Descriptor returns the management endpoint described by the configuration.
func (c *Config) Descriptor() management.Descriptor {
	return management.Descriptor{
		ID:       c.Connection.ID,
		Host:     c.Connection.Host,
		Port:     c.Connection.Port,
		Timeout:  c.Connection.Timeout,
		Username: c.Connection.Username,
		Password: c.Connection.Password,
	}
}

// ClientOptions returns the management client settings. Logger and
// credentials are left for the caller to supply.
func (c *Config) ClientOptions() management.ClientOptions {
	policy, _ := management.ParseReconnectPolicy(c.Reconnect)
	return management.ClientOptions{
		Options: management.Options{
			Reconnect:           policy,
			ReconnectDelay:      c.ReconnectDelay,
			BusyWarningInterval: c.BusyWarningInterval,
			Debug:               c.Debug,
		},
		StatusInterval:    c.StatusInterval,
		ByteCountInterval: c.ByteCountInterval,
		MaxBufferSize:     c.MaxBufferSize,
	}
}

// HistoryPath returns the configured database path or the default one.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.HistoryFileName), nil
}
