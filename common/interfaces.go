// Package common provides shared constants, types, and utilities
// used across the OpenVPN Monitor application.
package common

// CredentialStore defines the interface for management password storage.
// Implementations may use the system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves the password for a connection id.
	Store(connectionID, password string) error
	// Get retrieves the password for a connection id.
	Get(connectionID string) (string, error)
	// Delete removes the password for a connection id.
	Delete(connectionID string) error
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}

// NopLogger discards everything. Handy in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
