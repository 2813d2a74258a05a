// Package common provides shared constants, types, utilities, and interfaces
// used throughout OpenVPN Monitor.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: default intervals, file names, and listen addresses
//   - Errors: sentinel errors checked with errors.Is across packages
//   - Interfaces: Logger, Notifier and CredentialStore abstractions
//   - Logger: leveled logging with caller info and rotated file output
//   - Utils: id generation and config/data directory helpers
//
// # Usage
//
//	common.LogInfo("Connecting to %s", addr)
//
//	log := common.GetLogger().WithPrefix("[mgmt:office]")
//	log.Warn("server busy")
//
//	if errors.Is(err, common.ErrNotReady) {
//	    // the banner has not arrived yet
//	}
package common
