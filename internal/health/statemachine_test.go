package health

import "testing"

func TestStateMachine_Transitions(t *testing.T) {
	now := int64(0)
	sm := NewStateMachine(func() int64 { return now })

	if sm.State() != StateOffline {
		t.Fatalf("expected offline start, got %s", sm.State())
	}
	if got := sm.Apply(EventConnecting); got != StateConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}
	if got := sm.Apply(EventConnect); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := sm.Apply(EventDisconnect); got != StateOffline {
		t.Fatalf("expected offline, got %s", got)
	}
	if got := sm.Apply(EventFailure); got != StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestStateMachine_ConnectClearsFailures(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventFailure)
	sm.Apply(EventFailure)
	if sm.ConsecutiveFailures() != 2 {
		t.Fatalf("expected 2 failures, got %d", sm.ConsecutiveFailures())
	}
	sm.Apply(EventConnect)
	if sm.ConsecutiveFailures() != 0 {
		t.Fatalf("connect did not clear failures")
	}
}

func TestStateMachine_UptimeDowntime(t *testing.T) {
	now := int64(1000)
	sm := NewStateMachine(func() int64 { return now })

	// Offline from 1000 to 3000.
	now = 3000
	sm.Apply(EventConnect)
	if sm.Downtime() != 2000 {
		t.Fatalf("expected 2000ms downtime, got %d", sm.Downtime())
	}

	now = 8000
	if sm.Uptime() != 5000 {
		t.Fatalf("expected 5000ms uptime, got %d", sm.Uptime())
	}

	sm.Apply(EventDisconnect)
	now = 9000
	if sm.Uptime() != 0 {
		t.Fatalf("uptime should be 0 while disconnected, got %d", sm.Uptime())
	}
	if sm.Downtime() != 3000 {
		t.Fatalf("expected 3000ms accumulated downtime, got %d", sm.Downtime())
	}
}

func TestStateMachine_FailureCounterDelegation(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventConnect)

	if got := sm.RecordFailure(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := sm.RecordFailure(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	sm.ResetFailures()
	if sm.ConsecutiveFailures() != 0 {
		t.Fatalf("reset did not clear counter")
	}
}
