// Package readiness tracks the broker's liveness and readiness signals and
// answers the questions the HTTP ingress layer exposes at /healthy and
// /ready (spec §4.8, §6).
package readiness

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"postoffice/internal/domain"
)

// Monitor holds the point-in-time readiness state under a single lock. The
// broker transport, discovery client, and bootstrap wiring each call one of
// the Set* methods as their own state changes.
type Monitor struct {
	mu    sync.RWMutex
	state domain.ReadinessState
	bus   domain.EventBus
}

// SetEventBus attaches the bus every state-changing Set* method publishes an
// EventReadinessChanged snapshot to. Optional: a Monitor with no bus simply
// skips publishing.
func (m *Monitor) SetEventBus(bus domain.EventBus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

// publishLocked must be called with m.mu held.
func (m *Monitor) publishLocked() {
	if m.bus == nil {
		return
	}
	raw, err := json.Marshal(m.state)
	if err != nil {
		return
	}
	m.bus.Publish(context.Background(), domain.Event{Type: domain.EventReadinessChanged, Timestamp: time.Now(), Payload: raw})
}

// NewMonitor creates a Monitor. allowDegradedReady is the bootstrap override
// (env var ALLOW_READY_WITHOUT_RABBITMQ) that forces /ready to succeed even
// while the broker is down.
func NewMonitor(allowDegradedReady bool) *Monitor {
	return &Monitor{state: domain.ReadinessState{AllowDegradedReady: allowDegradedReady}}
}

// SetBrokerConnected records the broker transport's connection state.
func (m *Monitor) SetBrokerConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BrokerConnected = connected
	m.publishLocked()
}

// SetBrokerHealthy records the result of the broker's active health probe.
func (m *Monitor) SetBrokerHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BrokerHealthy = healthy
	m.publishLocked()
}

// SetDiscoveryRegistered records whether this broker has successfully
// registered itself with the discovery backend.
func (m *Monitor) SetDiscoveryRegistered(registered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.DiscoveryRegistered = registered
	m.publishLocked()
}

// Connected reports whether the broker transport currently believes it is
// connected, independent of the active health probe. Satisfies
// fallback.BrokerState so the sweeper knows when to take over delivery.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.BrokerConnected
}

// Ready reports whether /ready should answer 200.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Ready()
}

// Degraded reports whether Ready() is true only because of the bootstrap override.
func (m *Monitor) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Degraded()
}

// Snapshot returns the current readiness state for JSON rendering at
// /ready?detail=full.
func (m *Monitor) Snapshot() domain.ReadinessState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
