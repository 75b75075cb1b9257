package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// PrimeConfig holds the handshake-priming tunables. The retry heuristics
// diverged over this subsystem's history, so they are knobs with documented
// defaults rather than constants.
type PrimeConfig struct {
	// Timeout is the overall handshake budget.
	Timeout time.Duration
	// Settle is the fixed delay after raw connect before the first read,
	// letting the underlying stack stabilize.
	Settle time.Duration
	// InitialDelay is the first NotReadyYet retry delay; it grows by
	// Multiplier up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// FastFailStreak NotReadyYet failures within FastFailWindow signal a
	// doomed handshake; failing fast lets the breaker escalate sooner
	// instead of burning the whole Timeout.
	FastFailStreak int
	FastFailWindow time.Duration
	// RetryUnknown selects the policy for errors the classifier does not
	// recognize as NotReadyYet: retry them like NotReadyYet (true) or
	// abort the handshake immediately (false).
	RetryUnknown bool
}

// DefaultPrimeConfig returns the documented defaults.
func DefaultPrimeConfig() PrimeConfig {
	return PrimeConfig{
		Timeout:        30 * time.Second,
		Settle:         250 * time.Millisecond,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     1.5,
		FastFailStreak: 7,
		FastFailWindow: 10 * time.Second,
		RetryUnknown:   true,
	}
}

// Primer forces service discovery completion after a raw connect by
// repeatedly issuing a lightweight read until it succeeds or the handshake
// budget elapses. It never issues a write.
type Primer struct {
	cfg    PrimeConfig
	logger *logrus.Logger

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPrimer creates a Primer with the given configuration.
func NewPrimer(cfg PrimeConfig, logger *logrus.Logger) *Primer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Primer{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Prime blocks until a lightweight read through link succeeds. Failure is a
// *SessionError of kind KindHandshakeTimeout (or the context error when the
// caller's context expires first).
func (p *Primer) Prime(ctx context.Context, link breezer.Breezer) error {
	if p.cfg.Settle > 0 {
		if err := p.sleep(ctx, p.cfg.Settle); err != nil {
			return err
		}
	}

	start := p.now()
	delay := p.cfg.InitialDelay
	attempt := 0
	notReadyStreak := 0

	for {
		attempt++
		_, err := link.Get(ctx)
		if err == nil {
			p.logger.WithField("attempts", attempt).Debug("BLE services are ready")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		elapsed := p.now().Sub(start)
		kind := Classify(err)

		switch kind {
		case NotReadyYet:
			notReadyStreak++
			if notReadyStreak >= p.cfg.FastFailStreak && elapsed < p.cfg.FastFailWindow {
				return &SessionError{
					Kind: KindHandshakeTimeout,
					Err:  fmt.Errorf("handshake doomed: %d not-ready failures in %s: %w", notReadyStreak, elapsed.Round(time.Millisecond), err),
				}
			}
		case LinkFatal:
			return &SessionError{
				Kind: KindHandshakeTimeout,
				Err:  fmt.Errorf("fatal error during priming: %w", err),
			}
		default:
			if !p.cfg.RetryUnknown {
				return &SessionError{
					Kind: KindHandshakeTimeout,
					Err:  fmt.Errorf("unrecognized error during priming: %w", err),
				}
			}
			notReadyStreak = 0
		}

		if elapsed+delay >= p.cfg.Timeout {
			return &SessionError{
				Kind: KindHandshakeTimeout,
				Err:  fmt.Errorf("BLE services are not ready after %s (%d attempts): %w", p.cfg.Timeout, attempt, err),
			}
		}

		p.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"kind":    kind.String(),
			"delay":   delay,
		}).Debug("Priming read failed, retrying")

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * p.cfg.Multiplier)
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
	}
}

// sleepCtx waits cooperatively, returning early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
