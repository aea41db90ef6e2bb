// Package backoff holds the single retry-delay policy shared by the job
// queue and the delivery worker. Policies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes the delay before retry attempt n (1-indexed: attempt 1 is
// the first retry after the initial failure).
//
// Delay = Base * Multiplier^(attempt-1), capped at Cap when Cap > 0. When
// Jitter is set the result is drawn uniformly from [0, delay] to avoid a
// thundering herd of simultaneous retries.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     bool
}

// Jobs returns the generic job-queue policy: 2^k seconds after the k-th
// failure, optionally capped. A zero cap leaves the growth unbounded.
func Jobs(cap time.Duration) Policy {
	return Policy{Base: 2 * time.Second, Multiplier: 2, Cap: cap}
}

// Deliveries returns the outbound-delivery policy: 1 minute base, doubling,
// capped at an hour.
func Deliveries() Policy {
	return Policy{Base: time.Minute, Multiplier: 2, Cap: time.Hour}
}

// Delay returns the wait before the given retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.Base) * math.Pow(mult, float64(attempt-1)))
	if d < 0 || (p.Cap > 0 && d > p.Cap) {
		// Negative means the float overflowed time.Duration.
		d = p.Cap
		if d == 0 {
			d = time.Duration(math.MaxInt64)
		}
	}
	if p.Jitter {
		d = time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return d
}
