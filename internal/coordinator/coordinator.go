// Package coordinator drives the steady-state keep-alive polling of one
// session: refresh on a timer, reschedule to the backoff delay after a
// failure, restore the keep-alive interval after recovery, and fan results
// out to subscribers.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
	"github.com/erukolya/tionlink/internal/groutine"
	"github.com/erukolya/tionlink/internal/session"
)

// Refresher is the session surface the coordinator drives. Satisfied by
// *session.Session.
type Refresher interface {
	Address() string
	ReadState(ctx context.Context) (session.State, error)
	Apply(ctx context.Context, fields breezer.Fields) (session.State, error)
}

// Listener receives the outcome of every refresh and command. err is nil on
// success; on failure the state is the zero value.
type Listener func(st session.State, err error)

// Coordinator polls one session on the keep-alive interval.
type Coordinator struct {
	sess      Refresher
	keepAlive time.Duration
	logger    *logrus.Logger

	mu        sync.Mutex
	listeners []Listener
	lastState session.State
	lastErr   error
	delivered bool

	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

// New creates a coordinator for sess. keepAlive is the steady-state poll
// interval once the session is Ready.
func New(sess Refresher, keepAlive time.Duration, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	return &Coordinator{
		sess:      sess,
		keepAlive: keepAlive,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// Subscribe registers a listener. If a refresh already completed, the
// listener is immediately called with the last outcome.
func (c *Coordinator) Subscribe(fn Listener) {
	c.mu.Lock()
	delivered := c.delivered
	st, err := c.lastState, c.lastErr
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()

	if delivered {
		fn(st, err)
	}
}

// Start launches the polling worker. The first refresh runs immediately.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	groutine.Go(runCtx, "keepalive-"+c.sess.Address(), c.run)
}

// Stop cancels the polling worker and waits for it to exit. Safe to call
// when never started.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Refresh performs one immediate poll outside the timer schedule.
func (c *Coordinator) Refresh(ctx context.Context) (session.State, error) {
	st, err := c.sess.ReadState(ctx)
	c.deliver(st, err)
	return st, err
}

// Command applies a field change through the session and fans out the
// resulting state.
func (c *Coordinator) Command(ctx context.Context, fields breezer.Fields) (session.State, error) {
	st, err := c.sess.Apply(ctx, fields)
	c.deliver(st, err)
	return st, err
}

// Kick requests an immediate refresh from the worker without waiting for
// the next tick.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		st, err := c.sess.ReadState(ctx)
		if ctx.Err() != nil {
			return
		}
		c.deliver(st, err)

		timer.Reset(c.nextInterval(err))
	}
}

// nextInterval shortens the poll interval to the session's backoff delay
// after a failure and restores the keep-alive interval after success.
func (c *Coordinator) nextInterval(err error) time.Duration {
	if err == nil {
		return c.keepAlive
	}

	var serr *session.SessionError
	if errors.As(err, &serr) && serr.RetryAfter > 0 {
		c.logger.WithFields(logrus.Fields{
			"address": c.sess.Address(),
			"kind":    serr.Kind,
			"retry":   serr.RetryAfter,
		}).Info("Refresh failed, rescheduling at backoff delay")
		return serr.RetryAfter
	}

	c.logger.WithError(err).Info("Refresh failed, keeping poll interval")
	return c.keepAlive
}

func (c *Coordinator) deliver(st session.State, err error) {
	c.mu.Lock()
	c.lastState = st
	c.lastErr = err
	c.delivered = true
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(st, err)
	}
}
