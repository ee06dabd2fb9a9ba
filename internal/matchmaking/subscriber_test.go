// internal/matchmaking/subscriber_test.go
package matchmaking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/conn"
	"github.com/memeclash/memeclash/internal/store"
)

func newTestSubscriber(t *testing.T, uid string) (*Subscriber, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	mgr := conn.NewManager(st, clk, logger)
	t.Cleanup(mgr.Close)
	s := NewSubscriber(mgr, clk, logger, uid)
	t.Cleanup(s.UnsubscribeAll)
	return s, st, clk
}

func enqueue(t *testing.T, st *store.MemoryStore, uid string, at time.Time) {
	t.Helper()
	err := st.Set(context.Background(), "battleRoyaleQueue/"+uid, QueueEntry{
		UID: uid, DisplayName: uid, Rating: 1500, EnqueuedAt: at, LastHeartbeat: at,
	})
	require.NoError(t, err)
}

func TestQueuePositionOrdering(t *testing.T) {
	s, st, clk := newTestSubscriber(t, "me")
	ctx := context.Background()
	base := clk.Now()

	var positions []int
	s.OnPosition = func(p int) { positions = append(positions, p) }

	require.NoError(t, s.Start(ctx))

	enqueue(t, st, "first", base.Add(-2*time.Minute))
	enqueue(t, st, "me", base.Add(-time.Minute))

	queue, pos, _, connected := s.Snapshot()
	require.Len(t, queue, 2)
	assert.Equal(t, "first", queue[0].UID)
	assert.Equal(t, 2, pos)
	assert.True(t, connected)

	// The earlier player gets matched away; position improves.
	require.NoError(t, st.Delete(ctx, "battleRoyaleQueue/first"))
	_, pos, _, _ = s.Snapshot()
	assert.Equal(t, 1, pos)
	assert.Contains(t, positions, 2)
	assert.Contains(t, positions, 1)
}

func TestEnqueueTimeTieBreaksOnUID(t *testing.T) {
	s, st, clk := newTestSubscriber(t, "bbb")
	require.NoError(t, s.Start(context.Background()))

	at := clk.Now()
	enqueue(t, st, "bbb", at)
	enqueue(t, st, "aaa", at)

	queue, pos, _, _ := s.Snapshot()
	require.Len(t, queue, 2)
	assert.Equal(t, "aaa", queue[0].UID)
	assert.Equal(t, 2, pos)
}

func TestMatchNotice(t *testing.T) {
	s, st, clk := newTestSubscriber(t, "me")
	ctx := context.Background()

	var got []MatchNotice
	s.OnMatchFound = func(n MatchNotice) { got = append(got, n) }
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, "matchmaking/matches/me", MatchNotice{LobbyCode: "XY9Z1", MatchedAt: clk.Now()}))

	require.Len(t, got, 1)
	assert.Equal(t, "XY9Z1", got[0].LobbyCode)
	_, _, match, _ := s.Snapshot()
	require.NotNil(t, match)
	assert.Equal(t, "XY9Z1", match.LobbyCode)
}

func TestHeartbeatTimeoutFlipsDisconnected(t *testing.T) {
	s, st, clk := newTestSubscriber(t, "me")
	ctx := context.Background()

	var flips []bool
	s.OnStatusChange = func(c bool) { flips = append(flips, c) }
	require.NoError(t, s.Start(ctx))

	// Quiet for longer than the timeout: the next check flips it down.
	clk.Advance(ConnectionTimeout + HeartbeatCheckEvery)
	_, _, _, connected := s.Snapshot()
	assert.False(t, connected)
	require.NotEmpty(t, flips)
	assert.False(t, flips[len(flips)-1])

	// Any inbound message revives it without a reconnect cycle.
	enqueue(t, st, "someone", clk.Now())
	_, _, _, connected = s.Snapshot()
	assert.True(t, connected)
	assert.True(t, flips[len(flips)-1])
}

func TestStreamErrorRetriesWithJitterBounds(t *testing.T) {
	s, st, clk := newTestSubscriber(t, "me")
	require.NoError(t, s.Start(context.Background()))

	boom := errors.New("stream dead")
	st.FailSubscribers("battleRoyaleQueue", boom)

	_, _, _, connected := s.Snapshot()
	assert.False(t, connected)

	// First retry delay is 1s +/- 25%; advancing past the upper bound must
	// re-establish the streams, after which a queue write revives liveness.
	clk.Advance(time.Second + time.Second/4)
	enqueue(t, st, "me", clk.Now())
	_, pos, _, connected := s.Snapshot()
	assert.True(t, connected)
	assert.Equal(t, 1, pos)
}

func TestRetriesExhaustThenManualReconnect(t *testing.T) {
	s, st, clk := newTestSubscriber(t, "me")
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	boom := errors.New("stream dead")
	// Each error consumes one attempt; drive the budget to exhaustion
	// without letting the retry timers succeed in between.
	for i := 0; i <= MaxRetryAttempts; i++ {
		s.handleStreamError(ctx, boom)
	}
	clk.Advance(10 * time.Minute)
	_, _, _, connected := s.Snapshot()
	assert.False(t, connected, "past the budget the subscriber stays down")

	// Manual reconnect resets the budget and resubscribes immediately.
	require.NoError(t, s.Reconnect(ctx))
	enqueue(t, st, "me", clk.Now())
	_, pos, _, connected := s.Snapshot()
	assert.True(t, connected)
	assert.Equal(t, 1, pos)
}

func TestUnsubscribeAllResetsState(t *testing.T) {
	s, st, _ := newTestSubscriber(t, "me")
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	enqueue(t, st, "me", time.Now())

	s.UnsubscribeAll()
	queue, pos, match, connected := s.Snapshot()
	assert.Empty(t, queue)
	assert.Zero(t, pos)
	assert.Nil(t, match)
	assert.False(t, connected)

	// Subsequent writes no longer reach the subscriber.
	enqueue(t, st, "other", time.Now())
	queue, _, _, _ = s.Snapshot()
	assert.Empty(t, queue)
}
