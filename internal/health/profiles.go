package health

import "time"

// HeartbeatProfile bundles ping cadence, timeout and failure tolerance.
// Profiles come from the fixed named set below; they are never invented at
// runtime.
type HeartbeatProfile struct {
	Name                   string
	Interval               time.Duration
	Timeout                time.Duration
	MaxConsecutiveFailures int
}

var (
	ProfileStandard = HeartbeatProfile{
		Name:                   "standard",
		Interval:               30 * time.Second,
		Timeout:                10 * time.Second,
		MaxConsecutiveFailures: 3,
	}
	ProfileAggressive = HeartbeatProfile{
		Name:                   "aggressive",
		Interval:               15 * time.Second,
		Timeout:                5 * time.Second,
		MaxConsecutiveFailures: 2,
	}
	ProfileCorporate = HeartbeatProfile{
		Name:                   "corporate",
		Interval:               10 * time.Second,
		Timeout:                3 * time.Second,
		MaxConsecutiveFailures: 1,
	}
	ProfileBatterySaver = HeartbeatProfile{
		Name:                   "battery_saver",
		Interval:               60 * time.Second,
		Timeout:                15 * time.Second,
		MaxConsecutiveFailures: 5,
	}
)

// ProfileByName resolves a configured profile override.
func ProfileByName(name string) (HeartbeatProfile, bool) {
	switch name {
	case ProfileStandard.Name:
		return ProfileStandard, true
	case ProfileAggressive.Name:
		return ProfileAggressive, true
	case ProfileCorporate.Name:
		return ProfileCorporate, true
	case ProfileBatterySaver.Name:
		return ProfileBatterySaver, true
	}
	return HeartbeatProfile{}, false
}

// DetectProfile selects the heartbeat profile for the observed network
// behavior: failureRate over the five-minute window, average latency over the
// last ten samples, reconnect count in-window, and whether any failure was
// recorded recently.
func DetectProfile(failureRate float64, avgLatency time.Duration, networkChanges int, recentFailures int) HeartbeatProfile {
	if failureRate > 0.3 || networkChanges > 3 {
		return ProfileCorporate
	}
	if failureRate > 0.15 || avgLatency > time.Second {
		return ProfileAggressive
	}
	if failureRate < 0.05 && avgLatency < 200*time.Millisecond && recentFailures == 0 {
		return ProfileBatterySaver
	}
	return ProfileStandard
}
