package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// fakeClock is a deterministic time source. Its sleep advances the clock
// instead of blocking, so backoff schedules can be asserted exactly.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// getResult scripts one Get outcome on a fakeLink.
type getResult struct {
	raw breezer.RawSnapshot
	err error
}

// fakeLink is a scriptable breezer.Breezer. Get pops results off a queue;
// an exhausted queue keeps returning the last entry.
type fakeLink struct {
	addr string

	mu         sync.Mutex
	connectErr error
	getQueue   []getResult
	setRaw     breezer.RawSnapshot
	setErr     error
	status     breezer.Status

	connectCalls    atomic.Int32
	disconnectCalls atomic.Int32
	getCalls        atomic.Int32
	setCalls        atomic.Int32

	inflight    atomic.Int32
	maxInflight atomic.Int32
	opDelay     time.Duration
}

func newFakeLink(addr string) *fakeLink {
	return &fakeLink{addr: addr, status: breezer.StatusConnected}
}

func (l *fakeLink) Address() string { return l.addr }

func (l *fakeLink) Connect(ctx context.Context) error {
	l.connectCalls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectErr
}

func (l *fakeLink) Disconnect() error {
	l.disconnectCalls.Add(1)
	return nil
}

func (l *fakeLink) ConnectionStatus() breezer.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *fakeLink) enter() {
	n := l.inflight.Add(1)
	for {
		seen := l.maxInflight.Load()
		if n <= seen || l.maxInflight.CompareAndSwap(seen, n) {
			break
		}
	}
	if l.opDelay > 0 {
		time.Sleep(l.opDelay)
	}
}

func (l *fakeLink) leave() { l.inflight.Add(-1) }

func (l *fakeLink) Get(ctx context.Context) (breezer.RawSnapshot, error) {
	l.getCalls.Add(1)
	l.enter()
	defer l.leave()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.getQueue) == 0 {
		return goodSnapshot(), nil
	}
	res := l.getQueue[0]
	if len(l.getQueue) > 1 {
		l.getQueue = l.getQueue[1:]
	}
	return res.raw, res.err
}

func (l *fakeLink) Set(ctx context.Context, fields breezer.Fields) (breezer.RawSnapshot, error) {
	l.setCalls.Add(1)
	l.enter()
	defer l.leave()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setRaw, l.setErr
}

func (l *fakeLink) script(results ...getResult) {
	l.mu.Lock()
	l.getQueue = results
	l.mu.Unlock()
}

func goodSnapshot() breezer.RawSnapshot {
	return breezer.RawSnapshot{
		"model":         "S4",
		"state":         "on",
		"heating":       "off",
		"heater":        "on",
		"sound":         "off",
		"mode":          "outside",
		"heater_temp":   15,
		"fan_speed":     2,
		"in_temp":       4,
		"out_temp":      16,
		"filter_remain": 123.4,
	}
}

var errNotReady = errors.New("ATT request failed: service discovery has not been performed")

// newTestSession wires a session to a fake link and a fake clock. The
// returned clock drives the session, the primer and the breaker, and the
// breaker's jitter is pinned to the midpoint so windows are exact.
func newTestSession(opts Options, links ...*fakeLink) (*Session, *fakeClock, *atomic.Int32) {
	clock := newFakeClock()
	var factoryCalls atomic.Int32

	factory := func() (breezer.Breezer, error) {
		n := int(factoryCalls.Add(1))
		if n > len(links) {
			n = len(links)
		}
		return links[n-1], nil
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	sess, err := New(factory, opts, logger)
	if err != nil {
		panic(err)
	}
	sess.now = clock.now
	sess.sleep = clock.sleep
	sess.primer.now = clock.now
	sess.primer.sleep = clock.sleep
	sess.breaker.now = clock.now
	sess.breaker.rand = func() float64 { return 0.5 }
	return sess, clock, &factoryCalls
}

// fastOptions keeps the documented resilience defaults but drops the
// settle delay so priming needs a single scripted read.
func fastOptions() Options {
	opts := DefaultOptions()
	opts.Prime.Settle = 0
	// Each session gets a private gate so parallel tests do not serialize
	// against each other.
	opts.Gate = NewGate(1)
	return opts
}
