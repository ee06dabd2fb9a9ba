// internal/session/session_test.go
package session

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeclash/memeclash/internal/actions"
	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/conn"
	"github.com/memeclash/memeclash/internal/lobby"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/store"
)

// actionsHook wraps the real lifecycle service so individual calls can be
// failed or counted.
type actionsHook struct {
	*actions.Service
	updateErr  error
	leaveCalls int
}

func (h *actionsHook) UpdateSettings(ctx context.Context, code, requesterUID string, settings models.Settings) (*models.LobbyDocument, error) {
	if h.updateErr != nil {
		return nil, h.updateErr
	}
	return h.Service.UpdateSettings(ctx, code, requesterUID, settings)
}

func (h *actionsHook) LeaveLobby(ctx context.Context, code, uid string) error {
	h.leaveCalls++
	return h.Service.LeaveLobby(ctx, code, uid)
}

type fixture struct {
	store *store.MemoryStore
	clock *clock.Fake
	svc   *actions.Service
	hook  *actionsHook
	mgr   *conn.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := actions.NewService(st, clk, logger, rand.New(rand.NewSource(1)))
	mgr := conn.NewManager(st, clk, logger)
	t.Cleanup(mgr.Close)
	return &fixture{store: st, clock: clk, svc: svc, hook: &actionsHook{Service: svc}, mgr: mgr}
}

func (f *fixture) newSession(t *testing.T, uid string) *Session {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(uid, "Player "+uid, "", f.mgr, f.hook, f.clock, logger)
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) createLobby(t *testing.T) string {
	t.Helper()
	doc, err := f.svc.CreateLobby(context.Background(), "host", "Hosty", models.ModeClassic, models.MaxLobbySize, models.DefaultSettings())
	require.NoError(t, err)
	return doc.Code
}

func TestJoinRendersAndTracksRemoteWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "p1")
	var renders []*models.LobbyDocument
	s.OnLobby = func(doc *models.LobbyDocument) { renders = append(renders, doc) }

	doc, err := s.Join(ctx, code)
	require.NoError(t, err)
	assert.Contains(t, doc.Players, "p1")
	require.NotEmpty(t, renders)

	// A write from elsewhere flows straight through the subscription.
	newSettings := models.Settings{Rounds: 7, TimeLimit: 60, Categories: []string{"funny"}}
	_, err = f.svc.UpdateSettings(ctx, code, "host", newSettings)
	require.NoError(t, err)

	last := renders[len(renders)-1]
	require.NotNil(t, last)
	assert.Equal(t, 7, last.Settings.Rounds)
}

func TestApplyRendersPreviewThenConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "host")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	var renders []*models.LobbyDocument
	s.OnLobby = func(doc *models.LobbyDocument) { renders = append(renders, doc) }

	newSettings := models.Settings{Rounds: 9, TimeLimit: 90, Categories: []string{"dark"}}
	err = s.Apply(ctx, lobby.UpdateSettings{RequesterUID: "host", Settings: newSettings})
	require.NoError(t, err)

	require.NotEmpty(t, renders)
	assert.Equal(t, 9, renders[0].Settings.Rounds, "preview renders before the server answers")
	assert.Equal(t, 9, renders[len(renders)-1].Settings.Rounds)
	assert.Empty(t, s.pending, "acknowledged intents retire")
}

func TestApplyLocallyIllegalNeverSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "p1")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	err = s.Apply(ctx, lobby.UpdateSettings{RequesterUID: "p1", Settings: models.DefaultSettings()})
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	assert.Empty(t, s.pending)
}

func TestApplyServerRejectionRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "host")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	var renders []*models.LobbyDocument
	var rejected []error
	s.OnLobby = func(doc *models.LobbyDocument) { renders = append(renders, doc) }
	s.OnError = func(err error) { rejected = append(rejected, err) }

	// The intent passes local rules but the authoritative side disagrees
	// (stale host view, concurrent state change, quota).
	boom := models.ErrPermissionDenied
	f.hook.updateErr = boom

	newSettings := models.Settings{Rounds: 9, TimeLimit: 90, Categories: []string{"dark"}}
	err = s.Apply(ctx, lobby.UpdateSettings{RequesterUID: "host", Settings: newSettings})
	assert.ErrorIs(t, err, boom)

	require.GreaterOrEqual(t, len(renders), 2)
	assert.Equal(t, 9, renders[0].Settings.Rounds, "optimistic preview showed the change")
	last := renders[len(renders)-1]
	assert.Equal(t, models.DefaultSettings().Rounds, last.Settings.Rounds, "rollback restores the confirmed state")
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0], boom)
	assert.Empty(t, s.pending)
}

func TestPendingIntentsReplayOverSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "host")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	s.mu.Lock()
	s.pendingSeq++
	s.pending = append(s.pending, pendingIntent{
		seq:    s.pendingSeq,
		intent: lobby.UpdateSettings{RequesterUID: "host", Settings: models.Settings{Rounds: 9, TimeLimit: 90, Categories: []string{"dark"}}},
	})
	s.mu.Unlock()

	var last *models.LobbyDocument
	s.OnLobby = func(doc *models.LobbyDocument) { last = doc }

	// A foreign write lands while the intent is still in flight. The replay
	// keeps the local change visible on top of the fresh snapshot.
	_, err = f.svc.JoinLobby(ctx, code, "p2", "Player Two", "")
	require.NoError(t, err)

	require.NotNil(t, last)
	assert.Contains(t, last.Players, "p2")
	assert.Equal(t, 9, last.Settings.Rounds)
}

func TestLobbyDeletionClearsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "p1")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	cleared := false
	s.OnLobby = func(doc *models.LobbyDocument) { cleared = doc == nil }

	require.NoError(t, f.store.Delete(ctx, "lobbies/"+code))
	assert.True(t, cleared)

	err = s.Apply(ctx, lobby.Submit{UID: "p1", CardRef: "meme123"})
	assert.ErrorIs(t, err, models.ErrLobbyNotFound)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "p1")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	require.NoError(t, s.Leave(ctx))
	require.NoError(t, s.Leave(ctx))
	assert.Equal(t, 1, f.hook.leaveCalls)

	doc, err := f.svc.GetLobby(ctx, code)
	require.NoError(t, err)
	assert.NotContains(t, doc.Players, "p1")
}

func TestLeaveReleasesListeners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "p1")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)
	require.Equal(t, 2, f.mgr.ListenerCount(), "lobby and game state listeners are live while joined")

	require.NoError(t, s.Leave(ctx))
	assert.Equal(t, 0, f.mgr.ListenerCount(), "leaving releases every listener for the lobby")

	// A later write to the old lobby must not reach the departed session.
	var rendered []*models.LobbyDocument
	s.OnLobby = func(doc *models.LobbyDocument) { rendered = append(rendered, doc) }
	newSettings := models.Settings{Rounds: 7, TimeLimit: 60, Categories: []string{"funny"}}
	_, err = f.svc.UpdateSettings(ctx, code, "host", newSettings)
	require.NoError(t, err)

	assert.Empty(t, rendered)
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	assert.Nil(t, remote, "departed session holds no lobby state")
}

func TestHiddenTabTimesOutAndLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.createLobby(t)

	s := f.newSession(t, "p1")
	_, err := s.Join(ctx, code)
	require.NoError(t, err)

	// A short background stint keeps the session alive.
	s.MarkHidden()
	f.clock.Advance(time.Minute)
	require.NoError(t, s.MarkVisible(ctx))
	doc, err := f.svc.GetLobby(ctx, code)
	require.NoError(t, err)
	assert.Contains(t, doc.Players, "p1")

	// Past the teardown window the session abandons the lobby.
	s.MarkHidden()
	f.clock.Advance(HiddenTeardownAfter + time.Second)
	require.NoError(t, s.MarkVisible(ctx))
	doc, err = f.svc.GetLobby(ctx, code)
	require.NoError(t, err)
	assert.NotContains(t, doc.Players, "p1")
	assert.Equal(t, 1, f.hook.leaveCalls)
}
