// internal/backoff/backoff.go
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes capped exponential retry delays: Base * 2^attempt, clamped
// to Cap. With Jitter set, the delay is spread uniformly across ±JitterFrac
// of the unjittered value to avoid thundering-herd reconnects.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      bool
	// rng is only consulted when Jitter is set. Nil means the package-level
	// source, which tests override for determinism.
	Rng *rand.Rand
}

// JitterFrac is the jitter spread applied around the exponential delay.
const JitterFrac = 0.25

// Default is the retry policy shared by listener retries and the matchmaking
// subscriber: 1s base doubling to a 30s ceiling.
var Default = Policy{
	Base:        time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before retry number attempt (0-based). The raw
// exponential value is computed first and capped, then jitter is applied, so
// jittered delays stay within ±25% of the capped value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if !p.Jitter {
		return d
	}
	spread := float64(d) * JitterFrac
	var f float64
	if p.Rng != nil {
		f = p.Rng.Float64()
	} else {
		f = rand.Float64()
	}
	return time.Duration(float64(d) - spread + 2*spread*f)
}

// Exhausted reports whether attempt (0-based) is past the policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
