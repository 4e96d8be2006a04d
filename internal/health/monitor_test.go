package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct {
	latency time.Duration
	err     error
}

func (p *fakePinger) Ping(ctx context.Context) (time.Duration, error) {
	return p.latency, p.err
}

func TestMonitor_SuccessUpdatesQuality(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventConnect)
	pinger := &fakePinger{latency: 50 * time.Millisecond}
	m := NewMonitor(pinger, sm, nil)

	m.check(context.Background())

	st := m.Status()
	if st.Quality != QualityExcellent {
		t.Fatalf("expected excellent, got %s", st.Quality)
	}
	if st.Latency != 50*time.Millisecond {
		t.Fatalf("unexpected latency %v", st.Latency)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected failures %d", st.ConsecutiveFailures)
	}
}

func TestMonitor_FailuresDegradeThenFail(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventConnect)
	pinger := &fakePinger{err: errors.New("timeout")}
	m := NewMonitor(pinger, sm, nil)

	m.check(context.Background())
	if st := m.Status(); st.Quality != QualityPoor {
		t.Fatalf("expected poor after first failure, got %s", st.Quality)
	}

	// Standard profile tolerates 3 consecutive failures.
	m.check(context.Background())
	m.check(context.Background())
	if st := m.Status(); st.Quality != QualityFailed {
		t.Fatalf("expected failed after threshold, got %s", st.Quality)
	}

	pinger.err = nil
	pinger.latency = 80 * time.Millisecond
	m.check(context.Background())
	st := m.Status()
	if st.Quality != QualityExcellent || st.ConsecutiveFailures != 0 {
		t.Fatalf("recovery not reflected: %+v", st)
	}
}

func TestMonitor_TunesAfterTenChecks(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventConnect)
	pinger := &fakePinger{latency: 50 * time.Millisecond}
	m := NewMonitor(pinger, sm, nil)

	for i := 0; i < 10; i++ {
		m.check(context.Background())
	}
	if got := m.Profile().Name; got != "battery_saver" {
		t.Fatalf("stable network should tune to battery_saver, got %s", got)
	}
}

func TestMonitor_LockedProfileNeverTunes(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventConnect)
	pinger := &fakePinger{latency: 50 * time.Millisecond}
	m := NewMonitor(pinger, sm, nil)
	m.LockProfile(ProfileCorporate)

	for i := 0; i < 20; i++ {
		m.check(context.Background())
	}
	if got := m.Profile().Name; got != "corporate" {
		t.Fatalf("locked profile changed to %s", got)
	}
}

func TestMonitor_DisconnectResetsQuality(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	sm.Apply(EventConnect)
	pinger := &fakePinger{latency: 50 * time.Millisecond}
	m := NewMonitor(pinger, sm, nil)
	m.check(context.Background())

	m.HandleStatus(EventDisconnect)
	if st := m.Status(); st.Quality != QualityUnknown {
		t.Fatalf("expected unknown after disconnect, got %s", st.Quality)
	}
}

func TestMonitor_ReconnectsDriveCorporate(t *testing.T) {
	sm := NewStateMachine(func() int64 { return 0 })
	pinger := &fakePinger{latency: 50 * time.Millisecond}
	m := NewMonitor(pinger, sm, nil)

	for i := 0; i < 4; i++ {
		m.HandleStatus(EventDisconnect)
		m.HandleStatus(EventReconnected)
	}
	for i := 0; i < 10; i++ {
		m.check(context.Background())
	}
	if got := m.Profile().Name; got != "corporate" {
		t.Fatalf("frequent reconnects should tune to corporate, got %s", got)
	}
}
