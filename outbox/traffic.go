package outbox

import "time"

// TrafficProfile scales outbox defaults and gates cover traffic, folding
// in the bitchat reference's BatteryModeNormal/Low/UltraLow concept
// (SPEC_FULL.md §3 Supplemented features) as a Message Manager setting
// rather than a UI-facing battery API, which stays out of this core's
// scope (spec.md §1 Non-goals).
type TrafficProfile int

const (
	// ProfileNormal keeps the spec.md default TTL and never generates
	// cover traffic.
	ProfileNormal TrafficProfile = iota
	// ProfileLow shortens the default expiry window to shed backlog
	// sooner under constrained radio/battery budgets.
	ProfileLow
	// ProfileUltraLow shortens it further still and is the only profile
	// eligible to emit cover traffic, since a node that has already
	// accepted degraded delivery latency can also accept a little
	// dummy-ANNOUNCE overhead in exchange for participating in
	// traffic-analysis resistance.
	ProfileUltraLow
)

// DefaultTTL returns the outbox expiry window this profile applies to a
// message with no caller-specified TTL.
func (p TrafficProfile) DefaultTTL() time.Duration {
	switch p {
	case ProfileLow:
		return 6 * time.Hour
	case ProfileUltraLow:
		return 1 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// CoverTrafficEnabled reports whether this profile permits generating
// dummy ANNOUNCE broadcasts to mask real traffic timing. Only
// ProfileUltraLow returns true, so cover traffic is off under the default
// ProfileNormal; Core.Start runs the cover-traffic loop whenever this
// returns true, with no separate switch.
func (p TrafficProfile) CoverTrafficEnabled() bool {
	return p == ProfileUltraLow
}
