// Package health tracks connection state and quality, and owns the adaptive
// heartbeat that probes the socket.
package health

import "sync"

type ConnState string

const (
	StateOffline    ConnState = "offline"
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateFailed     ConnState = "failed"
)

type ConnEvent string

const (
	EventConnecting  ConnEvent = "connecting"
	EventConnect     ConnEvent = "connect"
	EventDisconnect  ConnEvent = "disconnect"
	EventFailure     ConnEvent = "failure"
	EventReconnected ConnEvent = "reconnected"
)

// StateMachine is the lower-level connection state machine. It owns the
// transition table and the derived counters; the monitor only layers
// quality/heartbeat semantics on top of it.
type StateMachine struct {
	mu sync.Mutex

	state               ConnState
	consecutiveFailures int
	connectedSince      int64
	downSince           int64
	totalDowntime       int64

	clock func() int64
}

func NewStateMachine(clock func() int64) *StateMachine {
	m := &StateMachine{state: StateOffline, clock: clock}
	m.downSince = clock()
	return m
}

// Apply transitions the machine and returns the resulting state.
func (m *StateMachine) Apply(ev ConnEvent) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	switch ev {
	case EventConnecting:
		if m.state != StateConnected {
			m.state = StateConnecting
		}
	case EventConnect, EventReconnected:
		if m.state != StateConnected {
			if m.downSince != 0 {
				m.totalDowntime += now - m.downSince
				m.downSince = 0
			}
			m.connectedSince = now
		}
		m.state = StateConnected
		m.consecutiveFailures = 0
	case EventDisconnect:
		if m.state == StateConnected {
			m.downSince = now
			m.connectedSince = 0
		}
		m.state = StateOffline
	case EventFailure:
		if m.state == StateConnected {
			m.downSince = now
			m.connectedSince = 0
		}
		m.state = StateFailed
		m.consecutiveFailures++
	}
	return m.state
}

func (m *StateMachine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// RecordFailure increments the failure counter without a state transition.
// Heartbeat timeouts delegate here so monitor and machine never disagree.
func (m *StateMachine) RecordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	return m.consecutiveFailures
}

// ResetFailures clears the failure counter after a successful probe.
func (m *StateMachine) ResetFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
}

// Uptime is the milliseconds spent in the current connected stretch.
func (m *StateMachine) Uptime() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.connectedSince == 0 {
		return 0
	}
	return m.clock() - m.connectedSince
}

// Downtime is the total milliseconds spent not connected.
func (m *StateMachine) Downtime() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.totalDowntime
	if m.state != StateConnected && m.downSince != 0 {
		total += m.clock() - m.downSince
	}
	return total
}
