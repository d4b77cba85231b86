// Package backoff paces reconnect attempts.
//
// With a multiplier of 1 every attempt waits the same delay, which is the
// classic "retry every N seconds" policy. Larger multipliers grow the delay
// geometrically up to Max, optionally with jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Defaults.
const (
	// DefaultDelay is the delay before the second attempt.
	DefaultDelay = 1 * time.Second

	// DefaultMax caps growing delays.
	DefaultMax = 60 * time.Second
)

// Config parameterises a Backoff.
type Config struct {
	// Initial is the first delay. Zero means retry immediately.
	Initial time.Duration

	// Max caps the delay. Zero means DefaultMax.
	Max time.Duration

	// Multiplier grows the delay after each attempt. Values below 1 mean 1.
	Multiplier float64

	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// Backoff computes successive delays. It is not safe for concurrent use.
type Backoff struct {
	cfg      Config
	current  time.Duration
	attempts int
	rng      *rand.Rand
}

// New creates a backoff from cfg.
func New(cfg Config) *Backoff {
	if cfg.Initial < 0 {
		cfg.Initial = 0
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		cfg:     cfg,
		current: cfg.Initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fixed returns a backoff that always waits d.
func Fixed(d time.Duration) *Backoff {
	return New(Config{Initial: d, Max: d})
}

// Next returns the next delay and advances.
func (b *Backoff) Next() time.Duration {
	delay := b.withJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next
	return delay
}

// Peek returns the next base delay without advancing.
func (b *Backoff) Peek() time.Duration {
	return b.current
}

// Reset returns to the initial delay.
func (b *Backoff) Reset() {
	b.current = b.cfg.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

func (b *Backoff) withJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*b.rng.Float64())
}
