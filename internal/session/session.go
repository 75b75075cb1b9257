// Package session implements the connection lifecycle and resilience engine
// for one long-lived BLE link to a Tion breezer: connect/reconnect
// orchestration, service-discovery priming, failure classification,
// backoff and circuit-breaking, and serialization of all physical I/O.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// ConnState is the session's lifecycle state. Cyclic by design; Shutdown
// forces StateDisconnected and retires the session.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StatePriming      ConnState = "priming"
	StateReady        ConnState = "ready"
	StateBreakerOpen  ConnState = "breaker_open"
)

// Options configures a Session.
type Options struct {
	Breaker BreakerConfig
	Prime   PrimeConfig
	// ConnectTimeout bounds the raw connect step.
	ConnectTimeout time.Duration
	// StatusWait bounds the post-connect poll of the link's reported
	// connection status, when the link exposes one.
	StatusWait time.Duration
	// Gate is the admission gate around raw connects. Defaults to the
	// process-wide capacity-1 gate.
	Gate *Gate
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Breaker:        DefaultBreakerConfig(),
		Prime:          DefaultPrimeConfig(),
		ConnectTimeout: 30 * time.Second,
		StatusWait:     5 * time.Second,
	}
}

const statusPollInterval = 100 * time.Millisecond

// Session owns exactly one link handle at a time and serializes every
// physical GATT operation against it. The connect mutex guards the
// connect/prime/hard-reset sequence; the I/O mutex guards each get/set
// round trip and is never held across a backoff wait.
type Session struct {
	address string
	factory breezer.Factory
	logger  *logrus.Logger

	breaker *Breaker
	primer  *Primer
	gate    *Gate

	connectTimeout time.Duration
	statusWait     time.Duration

	connMu sync.Mutex
	ioMu   sync.Mutex

	mu        sync.RWMutex
	link      breezer.Breezer
	state     ConnState
	lastKnown *State
	retired   bool

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Session for one physical device. The factory is called once
// for the initial link handle and again on every hard reset.
func New(factory breezer.Factory, opts Options, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}

	link, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create link handle: %w", err)
	}

	gate := opts.Gate
	if gate == nil {
		gate = defaultGate
	}

	return &Session{
		address:        link.Address(),
		factory:        factory,
		logger:         logger,
		breaker:        NewBreaker(opts.Breaker),
		primer:         NewPrimer(opts.Prime, logger),
		gate:           gate,
		connectTimeout: opts.ConnectTimeout,
		statusWait:     opts.StatusWait,
		link:           link,
		state:          StateDisconnected,
		now:            time.Now,
		sleep:          sleepCtx,
	}, nil
}

// Address returns the device address this session is bound to.
func (s *Session) Address() string { return s.address }

// ConnectionState returns the current lifecycle state.
func (s *Session) ConnectionState() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastKnown returns the most recently committed state snapshot. Stale reads
// are acceptable; the snapshot is replaced wholesale, never torn.
func (s *Session) LastKnown() (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastKnown == nil {
		return State{}, false
	}
	return *s.lastKnown, true
}

// EnsureConnected brings the session to Ready, running the full
// connect/prime sequence if needed. Idempotent; concurrent callers
// serialize on the connect mutex so only one physical connect sequence
// runs, and a Ready session is a fast-path no-op.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.ensureConnectedLocked(ctx)
}

func (s *Session) ensureConnectedLocked(ctx context.Context) error {
	s.mu.RLock()
	retired := s.retired
	state := s.state
	s.mu.RUnlock()

	if retired {
		return &SessionError{Kind: KindRetired, Err: fmt.Errorf("session for %s was shut down", s.address)}
	}
	if state == StateReady {
		return nil
	}

	now := s.now()
	if !s.breaker.MayAttempt(now) {
		remaining := s.breaker.SilenceRemaining(now)
		s.setState(StateBreakerOpen)
		return &SessionError{
			Kind:       KindBreakerOpen,
			RetryAfter: remaining,
			Err:        fmt.Errorf("circuit breaker open for another %s (level %d)", remaining.Round(time.Second), s.breaker.Level()),
		}
	}

	// A stuck BLE stack tends to survive a soft reconnect; the breaker
	// demands the link handle be torn down and recreated first.
	if s.breaker.ConsumeHardReset() {
		if err := s.recreateLink(); err != nil {
			delay := s.breaker.RecordFailure(false)
			return &SessionError{Kind: KindTransient, RetryAfter: delay, Err: err}
		}
	}

	link := s.currentLink()

	// The admission gate covers only the raw connect: concurrent connect
	// handshakes confuse adapters, steady-state I/O does not.
	if err := s.gate.Acquire(ctx); err != nil {
		return err
	}
	s.setState(StateConnecting)
	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err := link.Connect(connectCtx)
	cancel()
	s.gate.Release()

	if err != nil {
		kind := Classify(err)
		delay := s.breaker.RecordFailure(kind == NotReadyYet)
		_ = link.Disconnect()
		s.setState(StateDisconnected)
		return &SessionError{Kind: KindTransient, RetryAfter: delay, Err: fmt.Errorf("connect failed: %w", err)}
	}

	s.waitStatusConnected(ctx, link)

	s.setState(StatePriming)
	if err := s.primer.Prime(ctx, link); err != nil {
		delay := s.breaker.RecordFailure(true)
		_ = link.Disconnect()
		s.setState(StateDisconnected)

		var serr *SessionError
		if errors.As(err, &serr) {
			return &SessionError{Kind: serr.Kind, RetryAfter: delay, Err: serr.Err}
		}
		return &SessionError{Kind: KindTransient, RetryAfter: delay, Err: err}
	}

	s.breaker.RecordSuccess()
	s.setState(StateReady)
	s.logger.WithField("address", s.address).Info("Session ready")
	return nil
}

// waitStatusConnected polls the link's reported status until it turns
// connected or the budget elapses. Best-effort: a link without a status
// observable, or one that never reports connected, still proceeds to
// priming, which is the authoritative readiness check.
func (s *Session) waitStatusConnected(ctx context.Context, link breezer.Breezer) {
	sr, ok := link.(breezer.StatusReporter)
	if !ok || s.statusWait <= 0 {
		return
	}

	deadline := s.now().Add(s.statusWait)
	for sr.ConnectionStatus() != breezer.StatusConnected {
		if !s.now().Before(deadline) {
			s.logger.WithField("status", sr.ConnectionStatus()).Debug("Link status never reported connected, proceeding to priming")
			return
		}
		if err := s.sleep(ctx, statusPollInterval); err != nil {
			return
		}
	}
}

// ReadState reads and normalizes the current device state. Requires Ready
// (EnsureConnected is called first); runs under the I/O mutex.
func (s *Session) ReadState(ctx context.Context) (State, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return State{}, err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	link := s.currentLink()
	raw, err := link.Get(ctx)
	if err != nil && errors.Is(err, breezer.ErrTooManyTries) {
		raw, err = s.reprimeAndRetry(ctx, link, err, func() (breezer.RawSnapshot, error) {
			return link.Get(ctx)
		})
	}
	if err != nil {
		return State{}, s.ioFailure("read", err)
	}

	st, err := Normalize(raw)
	if err != nil {
		// Codec/driver mismatch: fatal for this call, not for the session.
		return State{}, &SessionError{Kind: KindContract, Err: err}
	}

	s.commit(st)
	return st, nil
}

// Apply submits a command. On success the cache is refreshed when the
// driver returns fresh state; otherwise the command is treated as
// optimistically applied and the cached snapshot is served unchanged.
func (s *Session) Apply(ctx context.Context, fields breezer.Fields) (State, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return State{}, err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	link := s.currentLink()
	raw, err := link.Set(ctx, fields)
	if err != nil && errors.Is(err, breezer.ErrTooManyTries) {
		raw, err = s.reprimeAndRetry(ctx, link, err, func() (breezer.RawSnapshot, error) {
			return link.Set(ctx, fields)
		})
	}
	if err != nil {
		return State{}, s.ioFailure("apply", err)
	}

	if raw == nil {
		st, _ := s.LastKnown()
		return st, nil
	}

	st, err := Normalize(raw)
	if err != nil {
		return State{}, &SessionError{Kind: KindContract, Err: err}
	}

	s.commit(st)
	return st, nil
}

// reprimeAndRetry is the one bounded inline recovery for the link's "too
// many tries" signal: re-run priming, then retry the operation once.
// Called with the I/O mutex held, so the primed reads stay serialized.
func (s *Session) reprimeAndRetry(ctx context.Context, link breezer.Breezer, cause error, op func() (breezer.RawSnapshot, error)) (breezer.RawSnapshot, error) {
	s.logger.WithError(cause).Warn("Device kept rejecting requests, re-priming once before giving up")
	if err := s.primer.Prime(ctx, link); err != nil {
		return nil, cause
	}
	return op()
}

// ioFailure folds a steady-state I/O error into the breaker and marks the
// session disconnected so the next call runs the full connect sequence.
func (s *Session) ioFailure(op string, err error) error {
	kind := Classify(err)
	delay := s.breaker.RecordFailure(kind == NotReadyYet)
	s.setState(StateDisconnected)

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"op":      op,
		"kind":    kind.String(),
		"retry":   delay,
	}).Warn("I/O failed, session marked disconnected")

	return &SessionError{Kind: KindTransient, RetryAfter: delay, Err: fmt.Errorf("%s failed: %w", op, err)}
}

// Shutdown disconnects best-effort and retires the session. Safe to call
// even if the session never connected; no further transitions are
// permitted afterwards.
func (s *Session) Shutdown() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	s.retired = true
	s.state = StateDisconnected
	link := s.link
	s.mu.Unlock()

	if link != nil {
		// Best-effort: the session is going away regardless.
		_ = link.Disconnect()
	}
	s.logger.WithField("address", s.address).Info("Session shut down")
}

// recreateLink destroys the current link handle and builds a fresh one.
// Ownership transfers atomically under the state mutex.
func (s *Session) recreateLink() error {
	old := s.currentLink()
	if old != nil {
		_ = old.Disconnect()
	}

	link, err := s.factory()
	if err != nil {
		return fmt.Errorf("hard reset failed to recreate link handle: %w", err)
	}

	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	s.logger.WithField("address", s.address).Info("Hard reset: link handle recreated")
	return nil
}

func (s *Session) currentLink() breezer.Breezer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

func (s *Session) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) commit(st State) {
	s.mu.Lock()
	s.lastKnown = &st
	s.mu.Unlock()
}
