// Package common provides shared constants, types, and utilities
// used across the OpenVPN Monitor application.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "OpenVPN Monitor"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "openvpn-monitor"
	// KeyringService is the service name used for stored management passwords.
	KeyringService = "openvpn-monitor"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	HistoryFileName     = "history.db"
	CredentialsFileName = ".credentials"
	LogFileName         = "openvpn-monitor.log"
)

// Default timeouts and intervals for the management connection.
const (
	// DialTimeout bounds the TCP connect to the management port.
	DialTimeout = 5 * time.Second
	// ReconnectDelay is the flat delay before a reconnect attempt.
	ReconnectDelay = 10 * time.Second
	// BusyWarningInterval is how often "server busy" is logged while
	// the management banner has not arrived.
	BusyWarningInterval = 5 * time.Second
	// StatusInterval is how often the client list is polled.
	StatusInterval = 5 * time.Second
	// ShutdownTimeout bounds graceful shutdown of the process.
	ShutdownTimeout = 5 * time.Second
)

// MaxBufferSize is the default cap on unframed inbound data (1 MiB).
const MaxBufferSize = 1 << 20

// Default listen addresses for the optional sinks.
const (
	DefaultMetricsListen = "127.0.0.1:9176"
	DefaultStreamListen  = "127.0.0.1:9177"
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultNATSPrefix    = "openvpn"
)

// Reconnect policies.
const (
	ReconnectAlways = "always"
	ReconnectNever  = "never"
	ReconnectManual = "manual"
)
