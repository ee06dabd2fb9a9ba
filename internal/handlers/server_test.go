// internal/handlers/server_test.go
package handlers

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeclash/memeclash/internal/actions"
	"github.com/memeclash/memeclash/internal/auth"
	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/store"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	sessions, err := auth.NewSessions(0)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := actions.NewService(st, clock.NewFake(), logger, rand.New(rand.NewSource(1)))
	srv := &Server{Sessions: sessions, Actions: svc, Store: st, Logger: logger}
	return srv.Routes()
}

func newGuestToken(t *testing.T, h http.Handler, name string) (uid, token string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"display_name": name})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["uid"], resp["token"]
}

func doJSON(h http.Handler, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionMintsGuest(t *testing.T) {
	h := newTestServer(t)
	uid, token := newGuestToken(t, h, "MemeQueen")
	assert.NotEmpty(t, uid)
	assert.NotEmpty(t, token)
}

func TestCreateSessionRejectsEmptyName(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(h, http.MethodPost, "/session", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateLobbyRequiresAuth(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(h, http.MethodPost, "/lobby", "", map[string]string{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(h, http.MethodPost, "/lobby", "bogus-token", map[string]string{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLobbyLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)
	hostUID, hostToken := newGuestToken(t, h, "Hosty")
	_, playerToken := newGuestToken(t, h, "Playa")

	rec := doJSON(h, http.MethodPost, "/lobby", hostToken, map[string]interface{}{})
	require.Equal(t, http.StatusCreated, rec.Code)
	var lobbyDoc models.LobbyDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lobbyDoc))
	require.True(t, models.ValidCode(lobbyDoc.Code))
	assert.Equal(t, hostUID, lobbyDoc.HostUID)

	rec = doJSON(h, http.MethodPost, "/lobby/"+lobbyDoc.Code+"/join", playerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lobbyDoc))
	assert.Len(t, lobbyDoc.Players, 2)

	rec = doJSON(h, http.MethodPost, "/lobby/"+lobbyDoc.Code+"/start", hostToken,
		map[string]string{"situation": "When the wifi dies mid-presentation"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lobbyDoc))
	assert.Equal(t, models.StatusStarted, lobbyDoc.Status)
	require.NotNil(t, lobbyDoc.GameState)
	assert.Equal(t, models.PhaseSubmission, lobbyDoc.GameState.Phase)

	rec = doJSON(h, http.MethodPost, "/lobby/"+lobbyDoc.Code+"/submit", playerToken,
		map[string]string{"card_ref": "meme123"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(h, http.MethodGet, "/lobby/"+lobbyDoc.Code, hostToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lobbyDoc))
	assert.Len(t, lobbyDoc.GameState.Submissions, 1)
}

func TestLobbyErrorsMapToStatusCodes(t *testing.T) {
	h := newTestServer(t)
	_, token := newGuestToken(t, h, "Hosty")

	rec := doJSON(h, http.MethodGet, "/lobby/ZZZZZ", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "LOBBY_NOT_FOUND", body["error"])

	rec = doJSON(h, http.MethodGet, "/lobby/x", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(h, http.MethodPost, "/lobby/ZZZZZ/teleport", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaveReturnsPlainOK(t *testing.T) {
	h := newTestServer(t)
	_, hostToken := newGuestToken(t, h, "Hosty")
	_, playerToken := newGuestToken(t, h, "Playa")

	rec := doJSON(h, http.MethodPost, "/lobby", hostToken, map[string]interface{}{})
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc models.LobbyDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	rec = doJSON(h, http.MethodPost, "/lobby/"+doc.Code+"/join", playerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(h, http.MethodPost, "/lobby/"+doc.Code+"/leave", playerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
