package readiness

import "testing"

func TestNotReadyByDefault(t *testing.T) {
	m := NewMonitor(false)
	if m.Ready() {
		t.Error("a fresh monitor with no broker signal should not be ready")
	}
}

func TestReadyWhenBrokerConnectedAndHealthy(t *testing.T) {
	m := NewMonitor(false)
	m.SetBrokerConnected(true)
	m.SetBrokerHealthy(true)
	if !m.Ready() {
		t.Error("expected ready once broker is connected and healthy")
	}
	if m.Degraded() {
		t.Error("should not report degraded when genuinely healthy")
	}
}

func TestNotReadyWhenConnectedButUnhealthy(t *testing.T) {
	m := NewMonitor(false)
	m.SetBrokerConnected(true)
	if m.Ready() {
		t.Error("connected but unhealthy should not be ready")
	}
}

func TestDegradedReadyOverride(t *testing.T) {
	m := NewMonitor(true)
	if !m.Ready() {
		t.Fatal("degraded-ready override should force ready=true")
	}
	if !m.Degraded() {
		t.Error("should report degraded since the broker is actually down")
	}

	m.SetBrokerConnected(true)
	m.SetBrokerHealthy(true)
	if m.Degraded() {
		t.Error("once genuinely healthy, degraded should clear even with the override still set")
	}
}

func TestConnectedTracksBrokerConnectedIndependentOfHealth(t *testing.T) {
	m := NewMonitor(false)
	m.SetBrokerConnected(true)
	if !m.Connected() {
		t.Error("Connected should reflect BrokerConnected regardless of health")
	}
}

func TestSnapshotReflectsAllFields(t *testing.T) {
	m := NewMonitor(false)
	m.SetBrokerConnected(true)
	m.SetBrokerHealthy(true)
	m.SetDiscoveryRegistered(true)

	snap := m.Snapshot()
	if !snap.BrokerConnected || !snap.BrokerHealthy || !snap.DiscoveryRegistered {
		t.Errorf("snapshot = %+v, want all true", snap)
	}
}
