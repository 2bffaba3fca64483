// Package retry decides whether a failed submission attempt is tried again.
package retry

import (
	"math"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
)

// Backoff controls the wait between attempts of the same record.
type Backoff struct {
	Initial time.Duration // zero disables backoff
	Factor  float64       // <= 1 means constant delay
	Max     time.Duration // zero means uncapped
}

// DelayForAttempt returns the wait after the given attempt (1-based):
// Initial * Factor^(attempt-1), capped at Max.
func (b Backoff) DelayForAttempt(attempt int) time.Duration {
	if b.Initial <= 0 || attempt < 1 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	nanos := float64(b.Initial.Nanoseconds()) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 {
		nanos = math.Min(nanos, float64(b.Max.Nanoseconds()))
	}
	return time.Duration(int64(nanos))
}

// Decision is the policy's verdict after one attempt.
type Decision struct {
	Retry        bool
	ResetSession bool          // discard the session before the next attempt
	Wait         time.Duration // backoff before the next attempt
}

// Policy allows up to MaxRetries additional attempts per record.
type Policy struct {
	MaxRetries int
	Backoff    Backoff
}

// New returns a policy; negative maxRetries is treated as zero.
func New(maxRetries int, backoff Backoff) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{MaxRetries: maxRetries, Backoff: backoff}
}

// MaxAttempts is MaxRetries + 1.
func (p Policy) MaxAttempts() int { return p.MaxRetries + 1 }

// Decide classifies the outcome of attempt (1-based). Successes and fatal
// failures are never retried; recoverable failures are retried with a fresh
// session until MaxAttempts is reached.
func (p Policy) Decide(attempt int, outcome types.AttemptOutcome) Decision {
	if outcome.Kind != types.OutcomeRecoverable {
		return Decision{}
	}
	if attempt >= p.MaxAttempts() {
		return Decision{ResetSession: true}
	}
	return Decision{
		Retry:        true,
		ResetSession: true,
		Wait:         p.Backoff.DelayForAttempt(attempt),
	}
}
