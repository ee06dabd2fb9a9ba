// internal/handlers/server.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/actions"
	"github.com/memeclash/memeclash/internal/auth"
	"github.com/memeclash/memeclash/internal/middleware"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/monitoring"
	"github.com/memeclash/memeclash/internal/store"
)

// Server bundles the HTTP action surface and the realtime sync gateway.
// Recorder is optional; when present, lobby lifecycle events flow to the
// historian pipeline.
type Server struct {
	Sessions *auth.Sessions
	Actions  *actions.Service
	Store    store.Store
	Recorder *monitoring.Recorder
	Logger   *logrus.Logger
}

func (s *Server) record(r *http.Request, event string, fields map[string]interface{}) {
	if s.Recorder == nil {
		return
	}
	s.Recorder.Record(r.Context(), event, fields)
}

// Routes builds the full HTTP handler including logging middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleCreateSession)
	mux.HandleFunc("/lobby", s.handleCreateLobby)
	mux.HandleFunc("/lobby/", s.handleLobbyAction)
	mux.HandleFunc("/sync/ws", s.SyncWSHandler())
	return middleware.LogMiddleware(s.Logger)(mux)
}

// authenticate extracts and verifies the guest session token. It checks the
// Authorization bearer header first, then the auth_token cookie (browser
// clients), then the query string (the websocket path).
func (s *Server) authenticate(r *http.Request) (auth.Guest, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := r.Cookie("auth_token"); err == nil {
		token = c.Value
	} else {
		token = r.URL.Query().Get("auth_token")
	}
	if token == "" {
		return auth.Guest{}, models.ErrPermissionDenied
	}
	g, err := s.Sessions.AuthenticateJWT(token)
	if err != nil {
		return auth.Guest{}, models.ErrPermissionDenied
	}
	return g, nil
}

// handleCreateSession mints a guest identity. This is the only
// unauthenticated endpoint.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DisplayName == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	g, token, err := s.Sessions.CreateGuest(req.DisplayName)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"uid":          g.UID,
		"display_name": g.DisplayName,
		"token":        token,
	})
}

func (s *Server) handleCreateLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Mode       models.GameMode `json:"mode"`
		MaxPlayers int             `json:"max_players"`
		Settings   models.Settings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeClassic
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = models.MaxLobbySize
	}
	doc, err := s.Actions.CreateLobby(r.Context(), g.UID, g.DisplayName, req.Mode, req.MaxPlayers, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "lobby_created", map[string]interface{}{"code": doc.Code, "mode": doc.Mode, "host": g.UID})
	writeJSON(w, http.StatusCreated, doc)
}

// handleLobbyAction dispatches /lobby/{code} and /lobby/{code}/{action}.
func (s *Server) handleLobbyAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/lobby/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		http.Error(w, "missing lobby code", http.StatusBadRequest)
		return
	}
	code := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := s.authenticate(r); err != nil {
			writeError(w, err)
			return
		}
		doc, err := s.Actions.GetLobby(r.Context(), code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	str := func(key string) string {
		v, _ := body[key].(string)
		return v
	}

	ctx := r.Context()
	var doc *models.LobbyDocument
	switch parts[1] {
	case "join":
		doc, err = s.Actions.JoinLobby(ctx, code, g.UID, g.DisplayName, str("avatar_ref"))
	case "leave":
		err = s.Actions.LeaveLobby(ctx, code, g.UID)
	case "kick":
		doc, err = s.Actions.KickPlayer(ctx, code, g.UID, str("target_uid"))
	case "settings":
		var settings models.Settings
		raw, _ := json.Marshal(body["settings"])
		if jsonErr := json.Unmarshal(raw, &settings); jsonErr != nil {
			http.Error(w, "invalid settings", http.StatusBadRequest)
			return
		}
		doc, err = s.Actions.UpdateSettings(ctx, code, g.UID, settings)
	case "start":
		doc, err = s.Actions.StartGame(ctx, code, g.UID, str("situation"))
	case "submit":
		doc, err = s.Actions.Submit(ctx, code, g.UID, str("card_ref"))
	case "vote":
		doc, err = s.Actions.Vote(ctx, code, g.UID, str("target_uid"))
	case "advance":
		doc, err = s.Actions.AdvancePhase(ctx, code, str("situation"))
	case "ai":
		doc, err = s.Actions.AddAIPlayer(ctx, code, g.UID, str("display_name"))
	default:
		http.Error(w, "unknown lobby action", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	switch parts[1] {
	case "join", "leave", "start", "kick":
		s.record(r, "lobby_"+parts[1], map[string]interface{}{"code": code, "uid": g.UID})
	case "advance":
		if doc != nil && doc.GameState != nil && doc.GameState.Phase == models.PhaseGameOver {
			s.record(r, "game_finished", map[string]interface{}{"code": code, "rounds": doc.GameState.TotalRounds})
		}
	}
	if doc == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
