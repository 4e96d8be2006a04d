package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityFailed    Quality = "failed"
	QualityUnknown   Quality = "unknown"
)

const (
	latencyHistoryCap = 50
	failureWindow     = time.Hour
	rateWindow        = 5 * time.Minute
	detectEvery       = 10
)

// Pinger is the transport primitive the heartbeat is built on.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// HealthStatus is a read-only snapshot of connection health.
type HealthStatus struct {
	Quality             Quality
	State               ConnState
	Latency             time.Duration
	LastSuccessfulPing  int64
	ConsecutiveFailures int
	Uptime              int64
	Downtime            int64
	Profile             string
}

type checkRecord struct {
	at time.Time
	ok bool
}

type failureRecord struct {
	at    time.Time
	cause string
}

// Monitor runs the adaptive heartbeat while the machine reports connected,
// and re-tunes the profile from observed behavior every ten completed checks.
type Monitor struct {
	pinger Pinger
	sm     *StateMachine
	log    *slog.Logger
	clock  func() time.Time

	mu              sync.Mutex
	profile         HeartbeatProfile
	profileLocked   bool
	quality         Quality
	latency         time.Duration
	lastSuccess     int64
	latencies       []time.Duration
	checks          []checkRecord
	failures        []failureRecord
	networkChanges  []time.Time
	checksSinceTune int
	reconfig        chan time.Duration
}

func NewMonitor(pinger Pinger, sm *StateMachine, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		pinger:   pinger,
		sm:       sm,
		log:      log.With("component", "health"),
		clock:    time.Now,
		profile:  ProfileStandard,
		quality:  QualityUnknown,
		reconfig: make(chan time.Duration, 1),
	}
}

// LockProfile pins a configured profile and disables auto-detection.
func (m *Monitor) LockProfile(p HeartbeatProfile) {
	m.mu.Lock()
	m.profile = p
	m.profileLocked = true
	m.mu.Unlock()
	m.requestReconfig(p.Interval)
}

// HandleStatus feeds a transport status event through the state machine and
// keeps the reconnect history used by profile detection.
func (m *Monitor) HandleStatus(ev ConnEvent) {
	state := m.sm.Apply(ev)
	if ev == EventReconnected {
		m.mu.Lock()
		now := m.clock()
		m.networkChanges = append(m.networkChanges, now)
		m.pruneLocked(now)
		m.mu.Unlock()
	}
	if state != StateConnected {
		m.mu.Lock()
		m.quality = QualityUnknown
		m.mu.Unlock()
	}
}

// Run drives the heartbeat until ctx is cancelled. Profile switches
// reconfigure the timer in place; monitoring never gaps.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	interval := m.profile.Interval
	m.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-m.reconfig:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next)
		case <-timer.C:
			if m.sm.State() == StateConnected {
				m.check(ctx)
			}
			m.mu.Lock()
			interval = m.profile.Interval
			m.mu.Unlock()
			timer.Reset(interval)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	timeout := m.profile.Timeout
	m.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	latency, err := m.pinger.Ping(pingCtx)
	cancel()

	now := m.clock()
	if err != nil {
		m.recordFailure(now, err.Error())
	} else {
		m.recordSuccess(now, latency)
	}
	m.maybeTune()
}

func (m *Monitor) recordSuccess(now time.Time, latency time.Duration) {
	m.sm.ResetFailures()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = latency
	m.lastSuccess = now.UnixMilli()
	m.quality = bucketLatency(latency)
	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > latencyHistoryCap {
		m.latencies = m.latencies[len(m.latencies)-latencyHistoryCap:]
	}
	m.checks = append(m.checks, checkRecord{at: now, ok: true})
	m.checksSinceTune++
	m.pruneLocked(now)
}

func (m *Monitor) recordFailure(now time.Time, cause string) {
	failures := m.sm.RecordFailure()

	m.mu.Lock()
	defer m.mu.Unlock()
	if failures >= m.profile.MaxConsecutiveFailures {
		m.quality = QualityFailed
	} else {
		m.quality = QualityPoor
	}
	m.failures = append(m.failures, failureRecord{at: now, cause: cause})
	m.checks = append(m.checks, checkRecord{at: now, ok: false})
	m.checksSinceTune++
	m.pruneLocked(now)
}

func bucketLatency(latency time.Duration) Quality {
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 500*time.Millisecond:
		return QualityGood
	case latency < 2*time.Second:
		return QualityPoor
	default:
		return QualityFailed
	}
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutFailure := now.Add(-failureWindow)
	i := 0
	for i < len(m.failures) && m.failures[i].at.Before(cutFailure) {
		i++
	}
	m.failures = m.failures[i:]

	cutRate := now.Add(-rateWindow)
	i = 0
	for i < len(m.checks) && m.checks[i].at.Before(cutRate) {
		i++
	}
	m.checks = m.checks[i:]

	i = 0
	for i < len(m.networkChanges) && m.networkChanges[i].Before(cutRate) {
		i++
	}
	m.networkChanges = m.networkChanges[i:]
}

// maybeTune re-evaluates the profile every ten completed checks. A switch
// reconfigures the heartbeat timer without stopping it.
func (m *Monitor) maybeTune() {
	m.mu.Lock()
	if m.profileLocked || m.checksSinceTune < detectEvery {
		m.mu.Unlock()
		return
	}
	m.checksSinceTune = 0

	now := m.clock()
	m.pruneLocked(now)

	total := len(m.checks)
	failed := 0
	for _, c := range m.checks {
		if !c.ok {
			failed++
		}
	}
	var rate float64
	if total > 0 {
		rate = float64(failed) / float64(total)
	}

	recent := m.latencies
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	var avg time.Duration
	if len(recent) > 0 {
		var sum time.Duration
		for _, l := range recent {
			sum += l
		}
		avg = sum / time.Duration(len(recent))
	}

	next := DetectProfile(rate, avg, len(m.networkChanges), failed)
	if next.Name == m.profile.Name {
		m.mu.Unlock()
		return
	}
	prev := m.profile.Name
	m.profile = next
	m.mu.Unlock()

	m.log.Info("heartbeat profile switched", "from", prev, "to", next.Name,
		"failureRate", rate, "avgLatency", avg)
	m.requestReconfig(next.Interval)
}

func (m *Monitor) requestReconfig(interval time.Duration) {
	select {
	case m.reconfig <- interval:
	default:
	}
}

// Status returns a read-only snapshot.
func (m *Monitor) Status() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthStatus{
		Quality:             m.quality,
		State:               m.sm.State(),
		Latency:             m.latency,
		LastSuccessfulPing:  m.lastSuccess,
		ConsecutiveFailures: m.sm.ConsecutiveFailures(),
		Uptime:              m.sm.Uptime(),
		Downtime:            m.sm.Downtime(),
		Profile:             m.profile.Name,
	}
}

// Profile returns the currently-active heartbeat profile.
func (m *Monitor) Profile() HeartbeatProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}
