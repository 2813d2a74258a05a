package health

import (
	"testing"
	"time"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state    HealthState
		expected string
	}{
		{HealthHealthy, "Healthy"},
		{HealthDegraded, "Degraded"},
		{HealthUnhealthy, "Unhealthy"},
		{HealthUnknown, "Unknown"},
		{HealthState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("HealthState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultHealthConfig(t *testing.T) {
	config := DefaultHealthConfig(10 * time.Second)

	if config.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval = %v, want 10s", config.CheckInterval)
	}
	if config.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %v, want 3", config.FailureThreshold)
	}
	if config.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v, want 30s", config.StaleAfter)
	}

	if got := DefaultHealthConfig(0).CheckInterval; got != common.StatusInterval {
		t.Errorf("zero interval CheckInterval = %v, want %v", got, common.StatusInterval)
	}
}

func socketError(id string) management.Event {
	return management.Event{
		Kind:         management.EventSocketError,
		ConnectionID: id,
		Payload:      &management.ConnectionError{ConnectionID: id, Op: "dial", Err: common.ErrConnectionFailed},
	}
}

func TestHealthChecker_Transitions(t *testing.T) {
	hc := NewHealthChecker(HealthConfig{CheckInterval: time.Hour, FailureThreshold: 2, StaleAfter: time.Minute})
	changes := make(chan HealthState, 8)
	hc.SetOnHealthChange(func(_ string, _, newState HealthState) { changes <- newState })

	bus := management.NewBus(nil)
	hc.Attach(bus)

	if hc.Healthy() {
		t.Error("no connection reported yet; should not be healthy")
	}

	bus.Emit(management.Event{Kind: management.EventReady, ConnectionID: "office", Time: time.Now()})
	if !hc.Healthy() {
		t.Error("ready connection should be healthy")
	}

	bus.Emit(socketError("office"))
	h, _ := hc.GetHealth("office")
	if h.State != HealthDegraded || h.ConsecutiveFails != 1 || h.LastError == "" {
		t.Errorf("after one error: %+v", h)
	}

	bus.Emit(socketError("office"))
	h, _ = hc.GetHealth("office")
	if h.State != HealthUnhealthy {
		t.Errorf("State = %v, want Unhealthy", h.State)
	}

	bus.Emit(management.Event{Kind: management.EventClientList, ConnectionID: "office", Time: time.Now()})
	h, _ = hc.GetHealth("office")
	if h.State != HealthHealthy || h.ConsecutiveFails != 0 {
		t.Errorf("after status reply: %+v", h)
	}

	// Unknown -> Healthy -> Degraded -> Unhealthy -> Healthy
	for i := 0; i < 4; i++ {
		select {
		case <-changes:
		case <-time.After(time.Second):
			t.Fatalf("got %d state changes, want 4", i)
		}
	}
}

func TestHealthChecker_Stale(t *testing.T) {
	hc := NewHealthChecker(HealthConfig{CheckInterval: time.Hour, FailureThreshold: 3, StaleAfter: time.Minute})
	start := time.Date(2025, 9, 18, 23, 0, 0, 0, time.UTC)
	now := start
	hc.now = func() time.Time { return now }

	hc.Handle(management.Event{Kind: management.EventClientList, ConnectionID: "office", Time: start})

	now = start.Add(30 * time.Second)
	hc.checkStale()
	if h, _ := hc.GetHealth("office"); h.State != HealthHealthy {
		t.Errorf("State = %v before StaleAfter", h.State)
	}

	now = start.Add(2 * time.Minute)
	hc.checkStale()
	h, _ := hc.GetHealth("office")
	if h.State != HealthDegraded {
		t.Errorf("State = %v, want Degraded", h.State)
	}
	if hc.Healthy() {
		t.Error("stale connection should not be healthy")
	}
}

func TestHealthChecker_StartStop(t *testing.T) {
	hc := NewHealthChecker(DefaultHealthConfig(time.Second))

	if hc.IsRunning() {
		t.Error("HealthChecker should not be running initially")
	}

	hc.Start()
	hc.Start() // no second loop
	if !hc.IsRunning() {
		t.Error("HealthChecker should be running after Start()")
	}

	hc.Stop()
	hc.Stop()
	if hc.IsRunning() {
		t.Error("HealthChecker should not be running after Stop()")
	}
}

func TestHealthChecker_GetAndRemove(t *testing.T) {
	hc := NewHealthChecker(DefaultHealthConfig(time.Second))

	if _, exists := hc.GetHealth("nonexistent"); exists {
		t.Error("GetHealth should return false for an unknown connection")
	}

	hc.Handle(management.Event{Kind: management.EventReady, ConnectionID: "office"})
	health, exists := hc.GetHealth("office")
	if !exists || health.State != HealthHealthy {
		t.Errorf("GetHealth() = %+v, %v", health, exists)
	}

	// The copy is detached.
	health.State = HealthUnhealthy
	if again, _ := hc.GetHealth("office"); again.State != HealthHealthy {
		t.Error("GetHealth should return a copy")
	}

	hc.RemoveConnection("office")
	if _, exists := hc.GetHealth("office"); exists {
		t.Error("RemoveConnection should remove the connection from tracking")
	}
}
