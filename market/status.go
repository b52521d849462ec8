package market

import "time"

// EffectiveStatus computes what a job's status is at the given instant.
// Expiry is never applied by a background process; callers evaluate this on
// each interaction and persist the transition when it fires.
func EffectiveStatus(status Status, deadline time.Time, now time.Time) Status {
	if status == StatusOpen && now.After(deadline) {
		return StatusExpired
	}
	return status
}
