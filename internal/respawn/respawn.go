// Package respawn decides the backoff schedule and crash cap applied to
// daemons that exit unexpectedly: a near-immediate first retry, then a
// fixed two-tier delay until the cap trips and the service is blocked.
package respawn

import "time"

// DefaultCap is the number of consecutive failures
// allowed before a service is blocked pending an explicit operator start
//. internal/svccfg's RespawnCap setting overrides
// this per-Supervisor; callers pass the effective cap explicitly so a
// test (or an embedder) can run several Supervisors side by side with
// different policies.
const DefaultCap = 10

// DefaultStableAfter is how long a daemon must stay RUNNING before a
// later crash is treated as a fresh failure streak rather than a
// continuation of the old one. Overridable via StableAfterSec.
const DefaultStableAfter = 60 * time.Second

// NextDelay returns how long to wait before the (restartCnt)th restart
// attempt against cap. restartCnt is the counter value *after* being
// incremented for the crash that just happened (so NextDelay(1, cap) is
// the first retry).
//
//   - 1st restart: near-immediate, just enough to bounce through the step
//     loop rather than busy-spin synchronously.
//   - while restartCnt <= cap/2: every 2s.
//   - otherwise, until the cap: every 5s.
func NextDelay(restartCnt, cap int) time.Duration {
	switch {
	case restartCnt <= 1:
		return time.Millisecond
	case restartCnt <= cap/2:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}

// Exceeded reports whether restartCnt has gone past cap and the service
// must transition to HALTED/BlockCrashing instead of being retried again.
func Exceeded(restartCnt, cap int) bool {
	return restartCnt > cap
}
