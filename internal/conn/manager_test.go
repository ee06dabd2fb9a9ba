// internal/conn/manager_test.go
package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m := NewManager(st, clk, logger)
	t.Cleanup(m.Close)
	return m, st, clk
}

func TestSubscribeDeliversWrites(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	var got [][]byte
	_, err := m.Subscribe(ctx, "l1", "lobbies/ABC12", func(data []byte) {
		got = append(got, data)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, "lobbies/ABC12", map[string]string{"code": "ABC12"}))
	require.Len(t, got, 1)
	assert.Contains(t, string(got[0]), "ABC12")
}

func TestSubscribeSameIDReplacesListener(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	first, second := 0, 0
	_, err := m.Subscribe(ctx, "dup", "a/b", func([]byte) { first++ }, nil)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "dup", "a/b", func([]byte) { second++ }, nil)
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, "a/b", 1))
	assert.Equal(t, 0, first, "replaced listener must not fire")
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, m.ListenerCount())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	fired := 0
	h, err := m.Subscribe(ctx, "l1", "a/b", func([]byte) { fired++ }, nil)
	require.NoError(t, err)
	assert.True(t, h.Unsubscribe())
	assert.False(t, h.Unsubscribe(), "second unsubscribe reports nothing removed")

	require.NoError(t, st.Set(ctx, "a/b", 1))
	assert.Equal(t, 0, fired)
}

func TestUnsubscribeByPattern(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	paths := map[string]string{
		"chat":     "lobbies/ABC12/chat",
		"state":    "lobbies/ABC12/gameState",
		"presence": "lobbies/ABC12/players",
		"other":    "lobbies/ZZZ99/chat",
	}
	for id, p := range paths {
		_, err := m.Subscribe(ctx, id, p, func([]byte) {}, nil)
		require.NoError(t, err)
	}

	removed := m.UnsubscribeByPattern("ABC12")
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, m.ListenerCount())
	_, ok := m.ListenerInfo("other")
	assert.True(t, ok)
}

func TestCallbackPanicTriggersRetry(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()

	calls := 0
	var errs []error
	_, err := m.Subscribe(ctx, "l1", "a/b", func([]byte) {
		calls++
		if calls == 1 {
			panic("render exploded")
		}
	}, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, "a/b", 1))
	require.Len(t, errs, 1)

	info, ok := m.ListenerInfo("l1")
	require.True(t, ok)
	assert.Equal(t, 0, info.RetryCount, "retry count increments when the retry fires")

	// The retry fires at RetryBase: the listener is recreated and the
	// resubscribe snapshot arrives cleanly, resetting the budget.
	clk.Advance(RetryBase)
	info, ok = m.ListenerInfo("l1")
	require.True(t, ok)
	assert.Equal(t, 0, info.RetryCount)
	assert.Equal(t, 2, calls, "panicked delivery plus resubscribe snapshot")

	require.NoError(t, st.Set(ctx, "a/b", 2))
	assert.Equal(t, 3, calls)
}

func TestStreamErrorBackoffExhaustsAndRemoves(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()

	var errs []error
	_, err := m.Subscribe(ctx, "l1", "a/b", func([]byte) {}, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)

	boom := errors.New("stream torn")

	// Each failure schedules a retry with doubled delay: 1s, 2s, 4s. After
	// the budget is spent the listener is removed.
	for i := 0; i < MaxRetryAttempts; i++ {
		st.FailSubscribers("a/b", boom)
		delay := RetryBase * (1 << i)
		clk.Advance(delay - time.Millisecond)
		info, ok := m.ListenerInfo("l1")
		require.True(t, ok, "listener should survive until its timer fires")
		assert.Equal(t, i, info.RetryCount)
		clk.Advance(time.Millisecond)
	}

	st.FailSubscribers("a/b", boom)
	assert.Equal(t, 0, m.ListenerCount(), "budget spent, listener dropped")
	assert.Len(t, errs, MaxRetryAttempts+1)
}

func TestSweepRemovesIdleListeners(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "stale", "a/b", func([]byte) {}, nil)
	require.NoError(t, err)

	// No deliveries for longer than the idle bound; the periodic sweep
	// collects the listener.
	clk.Advance(MaxListenerIdle + CleanupInterval)
	assert.Equal(t, 0, m.ListenerCount())
}

func TestHeartbeatFlipsStatus(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()

	var flips []bool
	m.OnStatusChange = func(connected bool) { flips = append(flips, connected) }

	_, err := m.Subscribe(ctx, "l1", "a/b", func([]byte) {}, nil)
	require.NoError(t, err)
	require.True(t, m.Connected())

	// Silence beyond the connected window flips the status down once.
	// Advance enough for the sweep not to interfere with LastActivity but
	// within MaxListenerIdle so the listener survives.
	clk.Advance(ConnectedWindow + HeartbeatInterval)
	assert.False(t, m.Connected())
	require.NotEmpty(t, flips)
	assert.False(t, flips[len(flips)-1])

	// A delivery flips it back up on the next heartbeat.
	require.NoError(t, st.Set(ctx, "a/b", 1))
	clk.Advance(HeartbeatInterval)
	assert.True(t, m.Connected())
	assert.True(t, flips[len(flips)-1])
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Close()
	_, err := m.Subscribe(context.Background(), "l1", "a/b", func([]byte) {}, nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestBackoffDelaysAreMonotonic(t *testing.T) {
	p := Backoff()
	prev := time.Duration(0)
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}
