// internal/backoff/backoff_test.go
package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 8 * time.Second}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(10), "capped past the ceiling")
}

func TestDelayNegativeAttemptClamps(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 8 * time.Second}
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestJitterStaysWithinSpread(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: true, Rng: rand.New(rand.NewSource(7))}

	for attempt := 0; attempt < 6; attempt++ {
		raw := Policy{Base: p.Base, Cap: p.Cap}.Delay(attempt)
		lo := time.Duration(float64(raw) * (1 - JitterFrac))
		hi := time.Duration(float64(raw) * (1 + JitterFrac))
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 5}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(50))

	unlimited := Policy{Base: time.Second, Cap: time.Minute}
	assert.False(t, unlimited.Exhausted(1000), "zero MaxAttempts means no budget")
}
