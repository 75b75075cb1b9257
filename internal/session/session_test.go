package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erukolya/tionlink/internal/breezer"
)

func TestReadStateHappyPath(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	sess, _, factoryCalls := newTestSession(fastOptions(), link)

	st, err := sess.ReadState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, sess.ConnectionState())
	assert.True(t, st.IsOn)
	assert.Equal(t, "S4", st.Model)
	assert.Equal(t, int32(1), link.connectCalls.Load())
	// One priming read plus the state read itself.
	assert.Equal(t, int32(2), link.getCalls.Load())
	assert.Equal(t, int32(1), factoryCalls.Load())

	cached, ok := sess.LastKnown()
	require.True(t, ok)
	assert.Equal(t, st, cached)
}

func TestReadStateIsIdempotentWhenReady(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.NoError(t, err)
	_, err = sess.ReadState(context.Background())
	require.NoError(t, err)

	// The connect sequence ran exactly once.
	assert.Equal(t, int32(1), link.connectCalls.Load())
}

func TestConnectFailureIsTransientWithBackoff(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	link.connectErr = errors.New("dial timeout")
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.Error(t, err)

	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindTransient, serr.Kind)
	assert.Equal(t, 10*time.Second, serr.RetryAfter)
	assert.Equal(t, StateDisconnected, sess.ConnectionState())
	// A connect failure does not open the breaker.
	assert.True(t, sess.breaker.MayAttempt(sess.now()))
	assert.Equal(t, int32(1), link.disconnectCalls.Load())
}

func TestConnectFailureBackoffDoubles(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	link.connectErr = errors.New("dial timeout")
	sess, _, _ := newTestSession(fastOptions(), link)

	expected := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, want := range expected {
		_, err := sess.ReadState(context.Background())
		var serr *SessionError
		require.True(t, errors.As(err, &serr), "attempt %d", i+1)
		assert.Equal(t, want, serr.RetryAfter, "attempt %d", i+1)
	}
}

func TestHandshakeFailureOpensBreaker(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	link.script(getResult{err: errNotReady})
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateDisconnected, sess.ConnectionState())
	assert.Equal(t, 1, sess.breaker.Level())
	assert.Equal(t, int32(1), link.disconnectCalls.Load())

	connectsBefore := link.connectCalls.Load()
	getsBefore := link.getCalls.Load()

	// The breaker is open: the next call is rejected without touching the
	// link at all.
	_, err = sess.ReadState(context.Background())
	require.Error(t, err)
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindBreakerOpen, serr.Kind)
	assert.Equal(t, 45*time.Second, serr.RetryAfter)
	assert.Equal(t, StateBreakerOpen, sess.ConnectionState())
	assert.Equal(t, connectsBefore, link.connectCalls.Load())
	assert.Equal(t, getsBefore, link.getCalls.Load())
}

func TestBreakerExpiryTriggersHardReset(t *testing.T) {
	first := newFakeLink("AA:BB:CC:DD:EE:FF")
	first.script(getResult{err: errNotReady})
	second := newFakeLink("AA:BB:CC:DD:EE:FF")

	sess, clock, factoryCalls := newTestSession(fastOptions(), first, second)

	_, err := sess.ReadState(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.Equal(t, int32(1), factoryCalls.Load())

	// Wait out the silence window, then reconnect: the old handle must be
	// torn down and a fresh one created before dialing.
	clock.advance(46 * time.Second)

	st, err := sess.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, sess.ConnectionState())
	assert.True(t, st.IsOn)
	assert.Equal(t, int32(2), factoryCalls.Load())
	assert.Equal(t, int32(1), second.connectCalls.Load())
	// Disconnected once on the handshake failure, once on the hard reset.
	assert.Equal(t, int32(2), first.disconnectCalls.Load())

	// Recovery resets the breaker completely.
	assert.Equal(t, 0, sess.breaker.Level())
	assert.Equal(t, uint(0), sess.breaker.Failures())
}

func TestRepeatedHandshakeFailuresEscalate(t *testing.T) {
	links := make([]*fakeLink, 4)
	for i := range links {
		links[i] = newFakeLink("AA:BB:CC:DD:EE:FF")
		links[i].script(getResult{err: errNotReady})
	}
	sess, clock, _ := newTestSession(fastOptions(), links...)

	tests := []struct {
		delay   time.Duration
		silence time.Duration
	}{
		{delay: 10 * time.Second, silence: 45 * time.Second},
		{delay: 20 * time.Second, silence: 120 * time.Second},
		{delay: 40 * time.Second, silence: 300 * time.Second},
	}
	for i, tt := range tests {
		_, err := sess.ReadState(context.Background())
		require.ErrorIs(t, err, ErrHandshakeTimeout, "failure %d", i+1)

		var serr *SessionError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, tt.delay, serr.RetryAfter, "backoff after failure %d", i+1)
		assert.Equal(t, i+1, sess.breaker.Level())
		assert.Equal(t, tt.silence, sess.breaker.SilenceRemaining(clock.now()), "silence after failure %d", i+1)

		clock.advance(tt.silence + time.Second)
	}

	// Level stays capped on further failures.
	_, err := sess.ReadState(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, 3, sess.breaker.Level())
}

func TestTooManyTriesTriggersSingleReprime(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	errTries := fmt.Errorf("%w: 3 attempts exhausted", breezer.ErrTooManyTries)
	link.script(
		getResult{raw: goodSnapshot()}, // priming read
		getResult{err: errTries},       // state read rejected
		getResult{raw: goodSnapshot()}, // re-priming read
		getResult{raw: goodSnapshot()}, // retried state read
	)
	sess, _, _ := newTestSession(fastOptions(), link)

	st, err := sess.ReadState(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsOn)
	assert.Equal(t, int32(4), link.getCalls.Load())
	assert.Equal(t, StateReady, sess.ConnectionState())
}

func TestTooManyTriesGivesUpAfterOneRetry(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	errTries := fmt.Errorf("%w: 3 attempts exhausted", breezer.ErrTooManyTries)
	link.script(
		getResult{raw: goodSnapshot()}, // priming read
		getResult{err: errTries},       // state read rejected
		getResult{raw: goodSnapshot()}, // re-priming read
		getResult{err: errTries},       // retry rejected too
	)
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.Error(t, err)
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindTransient, serr.Kind)
	assert.Equal(t, int32(4), link.getCalls.Load(), "exactly one inline retry")
	assert.Equal(t, StateDisconnected, sess.ConnectionState())
}

func TestIOFailureMarksSessionDisconnected(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	link.script(
		getResult{raw: goodSnapshot()},           // priming read
		getResult{err: errors.New("conn reset")}, // state read fails
		getResult{raw: goodSnapshot()},           // next priming read
		getResult{raw: goodSnapshot()},           // next state read
	)
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.Error(t, err)
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindTransient, serr.Kind)
	assert.Equal(t, 10*time.Second, serr.RetryAfter)
	assert.Equal(t, StateDisconnected, sess.ConnectionState())

	// The next call rebuilds the connection from scratch.
	_, err = sess.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), link.connectCalls.Load())
	assert.Equal(t, StateReady, sess.ConnectionState())
}

func TestApplyRefreshesCacheFromResponse(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	updated := goodSnapshot()
	updated["fan_speed"] = 5
	link.setRaw = updated
	sess, _, _ := newTestSession(fastOptions(), link)

	st, err := sess.Apply(context.Background(), breezer.Fields{"fan_speed": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, st.FanSpeed)
	assert.Equal(t, int32(1), link.setCalls.Load())

	cached, ok := sess.LastKnown()
	require.True(t, ok)
	assert.Equal(t, 5, cached.FanSpeed)
}

func TestApplyWithoutResponseKeepsCache(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	sess, _, _ := newTestSession(fastOptions(), link)

	// Seed the cache with a read first.
	seeded, err := sess.ReadState(context.Background())
	require.NoError(t, err)

	// A plain acknowledgement carries no state; the command is treated as
	// applied and the cached snapshot is served unchanged.
	st, err := sess.Apply(context.Background(), breezer.Fields{"is_on": true})
	require.NoError(t, err)
	assert.Equal(t, seeded, st)
	assert.Equal(t, int32(1), link.setCalls.Load())
}

func TestContractViolationDoesNotKillSession(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	broken := goodSnapshot()
	delete(broken, "fan_speed")
	link.script(
		getResult{raw: goodSnapshot()}, // priming read
		getResult{raw: broken},         // state read decodes incomplete
		getResult{raw: goodSnapshot()}, // next state read
	)
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContract)

	// Fatal for the call, not for the session: still Ready, breaker
	// untouched, no cache commit.
	assert.Equal(t, StateReady, sess.ConnectionState())
	assert.Equal(t, uint(0), sess.breaker.Failures())
	_, ok := sess.LastKnown()
	assert.False(t, ok)

	// The same session serves the next read without reconnecting.
	_, err = sess.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), link.connectCalls.Load())
}

func TestShutdownRetiresSession(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	sess, _, _ := newTestSession(fastOptions(), link)

	_, err := sess.ReadState(context.Background())
	require.NoError(t, err)

	sess.Shutdown()
	assert.Equal(t, StateDisconnected, sess.ConnectionState())
	assert.Equal(t, int32(1), link.disconnectCalls.Load())

	_, err = sess.ReadState(context.Background())
	assert.ErrorIs(t, err, ErrRetired)
	_, err = sess.Apply(context.Background(), breezer.Fields{"is_on": false})
	assert.ErrorIs(t, err, ErrRetired)

	// Idempotent.
	sess.Shutdown()
	assert.Equal(t, int32(1), link.disconnectCalls.Load())
}

func TestConcurrentCallersShareOneConnect(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	sess, _, _ := newTestSession(fastOptions(), link)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.ReadState(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), link.connectCalls.Load())
	assert.Equal(t, StateReady, sess.ConnectionState())
}

func TestPhysicalIOIsSerialized(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	link.opDelay = 5 * time.Millisecond
	sess, _, _ := newTestSession(fastOptions(), link)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_, err := sess.ReadState(context.Background())
				assert.NoError(t, err)
			} else {
				_, err := sess.Apply(context.Background(), breezer.Fields{"fan_speed": n})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	// At most one GATT round trip was ever in flight.
	assert.Equal(t, int32(1), link.maxInflight.Load())
}

func TestLastKnownSurvivesDisconnect(t *testing.T) {
	link := newFakeLink("AA:BB:CC:DD:EE:FF")
	link.script(
		getResult{raw: goodSnapshot()},           // priming read
		getResult{raw: goodSnapshot()},           // state read
		getResult{err: errors.New("conn reset")}, // later read fails
	)
	sess, _, _ := newTestSession(fastOptions(), link)

	st, err := sess.ReadState(context.Background())
	require.NoError(t, err)

	_, err = sess.ReadState(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, sess.ConnectionState())

	// The cache keeps serving the last committed snapshot.
	cached, ok := sess.LastKnown()
	require.True(t, ok)
	assert.Equal(t, st, cached)
}
