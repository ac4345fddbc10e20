// Package deferral implements the retry-timing policy spec.md §4.8/§4.14
// describes: how long to wait before retrying a temporarily-failed
// delivery, and how long a source-IP/destination pair gets blacklisted
// after a failure attributable to that pairing.
//
// Grounded directly on the teacher's internal/queue.nextDelay: the same
// escalating-by-age thresholds and the same "perturb so a restart doesn't
// retry everything at once" jitter, generalized from "time since the
// message was created" (teacher) to also accept an explicit retry count
// so deferral.NextDelay can be driven by either _deferred.count or the
// row's age depending on what the caller has on hand.
package deferral

import (
	"math/rand"
	"time"
)

// Default back-off windows, per spec.md §4.3/§4.14.
const (
	DefaultBlacklistTTL  = 6 * time.Hour
	DefaultLockTTL       = 61 * time.Minute
	DefaultEmptyZoneTTL  = 5 * time.Second
	DefaultBodyGCGrace   = 10 * time.Minute
	DefaultLockSweep     = 60 * time.Second
)

// NextDelay computes how long to wait before the next retry, given how
// long the message has been in the queue. Thresholds match the teacher's
// nextDelay: sub-minute-old rows get a 1-minute delay, up to 5 and 10
// minutes, then settle at 20 minutes for anything older.
func NextDelay(age time.Duration) time.Duration {
	var delay time.Duration
	switch {
	case age < 1*time.Minute:
		delay = 1 * time.Minute
	case age < 5*time.Minute:
		delay = 5 * time.Minute
	case age < 10*time.Minute:
		delay = 10 * time.Minute
	default:
		delay = 20 * time.Minute
	}

	// Perturb so mass-deferred rows (e.g. after a restart) don't all come
	// due at the exact same instant.
	delay += time.Duration(rand.Int63n(int64(60 * time.Second)))
	return delay
}

// NextDelayForCount is the count-based equivalent of NextDelay, used when
// the caller only has _deferred.count (e.g. internal/workersim's worker,
// which picks the TTL it sends in a DEFER from the row it was handed). The
// escalation mirrors NextDelay's shape but keyed by attempt number instead
// of elapsed time.
func NextDelayForCount(count int) time.Duration {
	var delay time.Duration
	switch {
	case count <= 0:
		delay = 1 * time.Minute
	case count <= 3:
		delay = 5 * time.Minute
	case count <= 6:
		delay = 10 * time.Minute
	default:
		delay = 20 * time.Minute
	}
	delay += time.Duration(rand.Int63n(int64(60 * time.Second)))
	return delay
}

// ShouldGiveUp reports whether a row that has been queued for age should
// stop retrying, per the caller-configured give-up window (the teacher's
// GiveUpAfter, generalized into spec.md's "maxQueueTime").
func ShouldGiveUp(age, maxQueueTime time.Duration) bool {
	if maxQueueTime <= 0 {
		return false
	}
	return age >= maxQueueTime
}
