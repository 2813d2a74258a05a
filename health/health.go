// Package health tracks whether each management connection is delivering
// status replies, based on the events its client publishes.
package health

import (
	"sync"
	"time"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

// HealthState represents the current health state of a connection.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often staleness is evaluated.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive socket errors before marking unhealthy.
	FailureThreshold int
	// StaleAfter is how long a healthy connection may go without a status reply.
	StaleAfter time.Duration
}

// DefaultHealthConfig returns defaults for a client polling every statusInterval.
func DefaultHealthConfig(statusInterval time.Duration) HealthConfig {
	if statusInterval <= 0 {
		statusInterval = common.StatusInterval
	}
	return HealthConfig{
		CheckInterval:    statusInterval,
		FailureThreshold: 3,
		StaleAfter:       3 * statusInterval,
	}
}

// ConnectionHealth tracks the health of one management connection.
type ConnectionHealth struct {
	ConnectionID     string
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	LastError        string
}

// HealthChecker derives connection health from bus events.
type HealthChecker struct {
	mu               sync.RWMutex
	config           HealthConfig
	running          bool
	stopChan         chan struct{}
	connectionHealth map[string]*ConnectionHealth
	onHealthChange   func(connectionID string, oldState, newState HealthState)
	now              func() time.Time
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(config HealthConfig) *HealthChecker {
	return &HealthChecker{
		config:           config,
		stopChan:         make(chan struct{}),
		connectionHealth: make(map[string]*ConnectionHealth),
		now:              time.Now,
	}
}

// SetOnHealthChange sets a callback for health state changes. It runs on
// its own goroutine.
func (hc *HealthChecker) SetOnHealthChange(callback func(connectionID string, oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// Attach follows the events published on bus.
func (hc *HealthChecker) Attach(bus *management.Bus) []management.ListenerID {
	return []management.ListenerID{
		bus.On(management.EventReady, hc.Handle),
		bus.On(management.EventClientList, hc.Handle),
		bus.On(management.EventSocketError, hc.Handle),
	}
}

// Handle updates health from one event.
func (hc *HealthChecker) Handle(ev management.Event) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	health := hc.entryLocked(ev.ConnectionID)
	oldState := health.State
	at := ev.Time
	if at.IsZero() {
		at = hc.now()
	}
	health.LastCheck = at

	switch ev.Kind {
	case management.EventReady, management.EventClientList:
		health.ConsecutiveFails = 0
		health.LastSuccess = at
		health.LastError = ""
		health.State = HealthHealthy

	case management.EventSocketError:
		health.ConsecutiveFails++
		if cerr, ok := ev.SocketError(); ok {
			health.LastError = cerr.Error()
		}
		common.LogWarn("Management connection %s failed (%d/%d): %s",
			ev.ConnectionID, health.ConsecutiveFails, hc.config.FailureThreshold, health.LastError)

		if health.ConsecutiveFails >= hc.config.FailureThreshold {
			health.State = HealthUnhealthy
		} else {
			health.State = HealthDegraded
		}
	}

	hc.notifyLocked(health, oldState)
}

func (hc *HealthChecker) entryLocked(id string) *ConnectionHealth {
	health, exists := hc.connectionHealth[id]
	if !exists {
		health = &ConnectionHealth{ConnectionID: id, State: HealthUnknown}
		hc.connectionHealth[id] = health
	}
	return health
}

// notifyLocked reports a state change. hc.mu must be held.
func (hc *HealthChecker) notifyLocked(health *ConnectionHealth, oldState HealthState) {
	if oldState == health.State {
		return
	}
	common.LogInfo("Health state changed for %s: %s -> %s",
		health.ConnectionID, oldState.String(), health.State.String())

	if hc.onHealthChange != nil {
		go hc.onHealthChange(health.ConnectionID, oldState, health.State)
	}
}

// Start begins the staleness loop.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	stop := hc.stopChan
	hc.mu.Unlock()

	common.LogDebug("Health checker started (interval: %v)", hc.config.CheckInterval)

	go hc.runLoop(stop)
}

// Stop stops the staleness loop.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.running {
		return
	}
	hc.running = false
	close(hc.stopChan)
}

// IsRunning returns whether the staleness loop is running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

func (hc *HealthChecker) runLoop(stop chan struct{}) {
	ticker := time.NewTicker(hc.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.checkStale()
		}
	}
}

// checkStale degrades healthy connections that stopped answering.
func (hc *HealthChecker) checkStale() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := hc.now()
	for _, health := range hc.connectionHealth {
		health.LastCheck = now
		if health.State != HealthHealthy || now.Sub(health.LastSuccess) <= hc.config.StaleAfter {
			continue
		}
		health.State = HealthDegraded
		health.LastError = "no status reply since " + health.LastSuccess.Format(time.RFC3339)
		hc.notifyLocked(health, HealthHealthy)
	}
}

// GetHealth returns a copy of the health of a connection.
func (hc *HealthChecker) GetHealth(connectionID string) (*ConnectionHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	health, exists := hc.connectionHealth[connectionID]
	if !exists {
		return nil, false
	}
	healthCopy := *health
	return &healthCopy, true
}

// Healthy reports whether every tracked connection is healthy. It is false
// until the first connection reports in.
func (hc *HealthChecker) Healthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if len(hc.connectionHealth) == 0 {
		return false
	}
	for _, health := range hc.connectionHealth {
		if health.State != HealthHealthy {
			return false
		}
	}
	return true
}

// RemoveConnection removes health tracking for a connection.
func (hc *HealthChecker) RemoveConnection(connectionID string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.connectionHealth, connectionID)
}
