package session

import (
	"math/rand"
	"sync"
	"time"
)

// BreakerConfig holds the backoff and circuit-breaker tunables. The zero
// value is not usable; start from DefaultBreakerConfig.
type BreakerConfig struct {
	// Base and Cap bound the per-failure reconnect delay:
	// min(Base * 2^(n-1), Cap) for the n-th consecutive failure.
	Base time.Duration
	Cap  time.Duration
	// Stages maps the breaker level (0..3) to the silence window opened on
	// a handshake-classified failure.
	Stages [4]time.Duration
	// Jitter is the ± fraction applied to the silence window.
	Jitter float64
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Base:   10 * time.Second,
		Cap:    60 * time.Second,
		Stages: [4]time.Duration{15 * time.Second, 45 * time.Second, 120 * time.Second, 300 * time.Second},
		Jitter: 0.2,
	}
}

const maxBreakerLevel = 3

// Breaker tracks consecutive failures and decides whether a connection
// attempt is currently permitted. Ordinary transient failures back off
// gently; repeated handshake failures indicate a stuck BLE stack, so the
// breaker opens longer and demands a hard reset of the link handle.
//
// Pure state machine, no I/O. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	failures     uint
	level        int
	silenceUntil time.Time
	hardReset    bool

	now  func() time.Time
	rand func() float64
}

// NewBreaker creates a Breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:  cfg,
		now:  time.Now,
		rand: rand.Float64,
	}
}

// RecordFailure registers one failed attempt and returns the delay the
// caller should wait before its next scheduled retry. A handshake failure
// additionally escalates the breaker level, opens a jittered silence
// window, and requests a hard reset of the link handle.
func (b *Breaker) RecordFailure(handshake bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	delay := b.cfg.Base
	for n := uint(1); n < b.failures && delay < b.cfg.Cap; n++ {
		delay *= 2
	}
	if delay > b.cfg.Cap {
		delay = b.cfg.Cap
	}

	if handshake {
		if b.level < maxBreakerLevel {
			b.level++
		}
		stage := b.cfg.Stages[b.level]
		b.silenceUntil = b.now().Add(b.jittered(stage))
		b.hardReset = true
	}

	return delay
}

// RecordSuccess resets the breaker after a transition into Ready.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.level = 0
	b.silenceUntil = b.now()
	b.hardReset = false
}

// MayAttempt reports whether a connection attempt is permitted at now.
func (b *Breaker) MayAttempt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.silenceUntil)
}

// SilenceRemaining returns how long the breaker stays open from now, or
// zero when attempts are permitted.
func (b *Breaker) SilenceRemaining(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !now.Before(b.silenceUntil) {
		return 0
	}
	return b.silenceUntil.Sub(now)
}

// ConsumeHardReset reports whether a hard reset was requested and clears
// the request. Called once per connection attempt.
func (b *Breaker) ConsumeHardReset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	requested := b.hardReset
	b.hardReset = false
	return requested
}

// Level returns the current escalation stage (0..3).
func (b *Breaker) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// jittered spreads d by ±Jitter uniformly so simultaneous breakers do not
// reopen in lockstep.
func (b *Breaker) jittered(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	factor := 1 - b.cfg.Jitter + 2*b.cfg.Jitter*b.rand()
	return time.Duration(float64(d) * factor)
}
