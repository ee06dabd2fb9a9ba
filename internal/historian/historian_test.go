// internal/historian/historian_test.go
package historian

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/store"
)

func newSweepService(t *testing.T, st store.Store) *Service {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewService(nil, nil, st, logger)
}

func TestSweepRemovesStaleLobbies(t *testing.T) {
	st := store.NewMemoryStore()
	hs := newSweepService(t, st)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	stale := models.LobbyDocument{Code: "STALE", UpdatedAt: now.Add(-2 * time.Hour)}
	fresh := models.LobbyDocument{Code: "FRESH", UpdatedAt: now.Add(-10 * time.Minute)}
	require.NoError(t, st.Set(ctx, "lobbies/STALE", stale))
	require.NoError(t, st.Set(ctx, "lobbies/STALE/gameState", map[string]int{"currentRound": 2}))
	require.NoError(t, st.Set(ctx, "lobbies/FRESH", fresh))

	removed := hs.SweepStaleLobbies(ctx, now)
	assert.Equal(t, 1, removed)

	_, err := st.Get(ctx, "lobbies/STALE")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, "lobbies/STALE/gameState")
	assert.ErrorIs(t, err, store.ErrNotFound, "game state mirror goes with the lobby")
	_, err = st.Get(ctx, "lobbies/FRESH")
	assert.NoError(t, err)
}

func TestSweepToleratesEmptyStore(t *testing.T) {
	hs := newSweepService(t, store.NewMemoryStore())
	assert.Zero(t, hs.SweepStaleLobbies(context.Background(), time.Now()))
}

func TestSweepExactThresholdSurvives(t *testing.T) {
	st := store.NewMemoryStore()
	hs := newSweepService(t, st)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	// Exactly at the threshold is not yet stale; sweeping must be strict.
	doc := models.LobbyDocument{Code: "EDGEY", UpdatedAt: now.Add(-time.Hour)}
	require.NoError(t, st.Set(ctx, "lobbies/EDGEY", doc))

	assert.Zero(t, hs.SweepStaleLobbies(ctx, now))
	_, err := st.Get(ctx, "lobbies/EDGEY")
	assert.NoError(t, err)
}
