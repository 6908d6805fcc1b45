// Package dunning decides whether and when a failed charge is retried.
package dunning

import (
	"time"

	"github.com/billingworks/rebill/internal/config"
)

// Policy answers retry questions from the current dunning configuration.
// Reads go through the config holder, so a hot reload takes effect on the
// next decision without restarting the scheduler.
type Policy struct {
	holder *config.DunningConfigHolder
}

func NewPolicy(holder *config.DunningConfigHolder) *Policy {
	return &Policy{holder: holder}
}

// MaxRetries is the total number of charge attempts in a dunning cycle.
// A record's retries_remaining starts here and hits zero exactly when
// attempt_number reaches it.
func (p *Policy) MaxRetries() int {
	return p.holder.Get().MaxRetries
}

// Exhausted reports whether a decline on the given attempt number depletes
// the schedule.
func (p *Policy) Exhausted(attemptNumber int) bool {
	return attemptNumber >= p.MaxRetries()
}

// DelayFor returns the wait before the retry that follows a failure on the
// given attempt number. Attempts past the configured schedule reuse the last
// delay rather than failing.
func (p *Policy) DelayFor(attemptNumber int) time.Duration {
	delays := p.holder.Get().RetryDelays
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// NextRetryAt computes the retry slot for a failure observed at failedAt on
// the given attempt. The second return is false when the schedule is
// exhausted.
func (p *Policy) NextRetryAt(failedAt time.Time, attemptNumber int) (time.Time, bool) {
	if p.Exhausted(attemptNumber) {
		return time.Time{}, false
	}
	return failedAt.Add(p.DelayFor(attemptNumber)), true
}
