// Package backoff computes reconnect delays for the realtime session.
//
// A Backoff grows exponentially from Min to Max by Multiplier and adds up to
// Jitter*delay of random spread. Randomness is injected so tests can pin it.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMin        = 15 * time.Second
	DefaultMax        = 5 * time.Minute
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
)

// Config parameterises the delay sequence.
type Config struct {
	Min        time.Duration `yaml:"min"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// Normalize fills unset or invalid fields with defaults.
func (c Config) Normalize() Config {
	if c.Min <= 0 {
		c.Min = DefaultMin
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Backoff is safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	cfg      Config
	current  time.Duration
	attempts int
	random   func() float64
}

// New returns a Backoff seeded from the wall clock.
func New(cfg Config) *Backoff {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return NewWithRandom(cfg, rng.Float64)
}

// NewWithRandom uses random, which must return values in [0, 1), for jitter.
func NewWithRandom(cfg Config, random func() float64) *Backoff {
	cfg = cfg.Normalize()
	if random == nil {
		random = func() float64 { return 0 }
	}
	return &Backoff{cfg: cfg, current: cfg.Min, random: random}
}

// Next returns the delay for the upcoming attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * b.cfg.Jitter * b.random())
	}

	b.attempts++
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max || next <= 0 {
		next = b.cfg.Max
	}
	b.current = next
	return delay
}

// Reset returns to the minimum delay. Called after a stable session.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.cfg.Min
	b.attempts = 0
}

// Attempts counts Next calls since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current is the base delay of the next attempt, without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) Config() Config {
	return b.cfg
}
