// internal/session/session.go
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/conn"
	"github.com/memeclash/memeclash/internal/lobby"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/reconnect"
)

// HiddenTeardownAfter is how long a tab may stay hidden before the session
// treats it as abandoned and leaves the lobby. A quick app switch on mobile
// stays well under this.
const HiddenTeardownAfter = 10 * time.Minute

// Actions is the authoritative mutation surface the session talks to. In
// process it is satisfied by the lifecycle service directly; over the wire
// it is satisfied by a thin gateway client with the same shape.
type Actions interface {
	JoinLobby(ctx context.Context, code, uid, displayName, avatarRef string) (*models.LobbyDocument, error)
	LeaveLobby(ctx context.Context, code, uid string) error
	CheckMembership(ctx context.Context, code, uid string) error
	UpdateSettings(ctx context.Context, code, requesterUID string, settings models.Settings) (*models.LobbyDocument, error)
	StartGame(ctx context.Context, code, requesterUID, situation string) (*models.LobbyDocument, error)
	KickPlayer(ctx context.Context, code, requesterUID, targetUID string) (*models.LobbyDocument, error)
	Submit(ctx context.Context, code, uid, cardRef string) (*models.LobbyDocument, error)
	Vote(ctx context.Context, code, voterUID, targetUID string) (*models.LobbyDocument, error)
}

// Session is the per-player client root: it owns the lobby subscription,
// applies intents optimistically against the local snapshot, and hands both
// optimistic and confirmed states to the render callback. The remote
// snapshot always wins; pending intents are replayed on top of each one so
// the player's own actions never visibly flicker out and back in.
type Session struct {
	uid         string
	displayName string
	avatarRef   string

	manager    *conn.Manager
	controller *reconnect.Controller
	actions    Actions
	clock      clock.Clock
	logger     *logrus.Logger

	// OnLobby receives every render-worthy state: remote snapshots with
	// pending intents replayed, and optimistic previews. OnError receives
	// rejected intents after rollback.
	OnLobby func(doc *models.LobbyDocument)
	OnError func(err error)

	mu         sync.Mutex
	code       string
	remote     *models.LobbyDocument
	pending    []pendingIntent
	pendingSeq int
	hiddenAt   time.Time
	torn       bool
	cancelSub  context.CancelFunc
}

// pendingIntent tags an optimistic intent with a sequence number so it can
// be retired once the authoritative side acknowledges or rejects it.
type pendingIntent struct {
	seq    int
	intent lobby.Intent
}

// New wires a session for an authenticated guest. The reconnection
// controller is created here so its membership and rejoin hooks can close
// over the session's lobby binding.
func New(uid, displayName, avatarRef string, manager *conn.Manager, actions Actions, clk clock.Clock, logger *logrus.Logger) *Session {
	s := &Session{
		uid:         uid,
		displayName: displayName,
		avatarRef:   avatarRef,
		manager:     manager,
		actions:     actions,
		clock:       clk,
		logger:      logger,
	}
	s.controller = reconnect.NewController(clk, logger)
	s.controller.CheckMembership = func(ctx context.Context) error {
		return actions.CheckMembership(ctx, s.currentCode(), uid)
	}
	s.controller.Rejoin = func(ctx context.Context) error {
		_, err := actions.JoinLobby(ctx, s.currentCode(), uid, displayName, avatarRef)
		if err == nil {
			s.resubscribe(ctx)
		}
		return err
	}
	manager.OnStatusChange = func(connected bool) {
		if !connected {
			s.controller.HandleConnectionLoss(context.Background())
		}
	}
	return s
}

// Controller exposes the reconnection controller for UI status binding and
// manual retry buttons.
func (s *Session) Controller() *reconnect.Controller { return s.controller }

func (s *Session) currentCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Join enters a lobby and establishes the realtime subscriptions for it.
// Joining the lobby the session is already in is a no-op rejoin.
func (s *Session) Join(ctx context.Context, rawCode string) (*models.LobbyDocument, error) {
	code := models.NormalizeCode(rawCode)
	doc, err := s.actions.JoinLobby(ctx, code, s.uid, s.displayName, s.avatarRef)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.code = doc.Code
	s.remote = doc
	s.pending = nil
	s.torn = false
	s.mu.Unlock()

	s.resubscribe(ctx)
	s.render(doc)
	return doc, nil
}

// resubscribe (re)establishes the lobby listeners. Subscribe is idempotent
// per listener id, so calling this after a rejoin simply replaces the dead
// listeners.
func (s *Session) resubscribe(ctx context.Context) {
	code := s.currentCode()
	if code == "" {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancelSub != nil {
		s.cancelSub()
	}
	s.cancelSub = cancel
	s.mu.Unlock()

	onErr := func(err error) {
		s.logger.WithError(err).Warn("lobby stream error")
	}
	if _, err := s.manager.Subscribe(subCtx, "lobby-"+code, "lobbies/"+code, s.onLobbySnapshot, onErr); err != nil {
		s.logger.WithError(err).Error("failed to subscribe to lobby")
	}
	if _, err := s.manager.Subscribe(subCtx, "game-"+code, "lobbies/"+code+"/gameState", func([]byte) {}, onErr); err != nil {
		s.logger.WithError(err).Error("failed to subscribe to game state")
	}
}

// onLobbySnapshot is the confirmation path: a fresh authoritative snapshot
// replaces the remote base, pending intents are replayed on top, and the
// result is rendered. A null payload means the lobby was deleted out from
// under us.
func (s *Session) onLobbySnapshot(data []byte) {
	if len(data) == 0 || string(data) == "null" {
		s.mu.Lock()
		s.remote = nil
		s.pending = nil
		s.mu.Unlock()
		s.render(nil)
		return
	}
	var doc models.LobbyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.WithError(err).Warn("ignoring malformed lobby snapshot")
		return
	}

	s.mu.Lock()
	s.remote = &doc
	view := s.overlayLocked(&doc)
	s.mu.Unlock()
	s.render(view)
}

// Apply runs an intent optimistically and then submits it to the
// authoritative side. The local preview renders immediately; a server
// rejection rolls the preview back and surfaces the error.
func (s *Session) Apply(ctx context.Context, intent lobby.Intent) error {
	s.mu.Lock()
	if s.remote == nil {
		s.mu.Unlock()
		return models.ErrLobbyNotFound
	}
	preview, err := lobby.Reduce(s.overlayLocked(s.remote), intent, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.pendingSeq++
	seq := s.pendingSeq
	s.pending = append(s.pending, pendingIntent{seq: seq, intent: intent})
	s.mu.Unlock()
	s.render(preview)

	if err := s.send(ctx, intent); err != nil {
		s.mu.Lock()
		s.dropPendingLocked(seq)
		view := s.overlayLocked(s.remote)
		s.mu.Unlock()
		s.render(view)
		if s.OnError != nil {
			s.OnError(err)
		}
		return err
	}
	s.mu.Lock()
	s.dropPendingLocked(seq)
	s.mu.Unlock()
	return nil
}

// send maps an intent onto the authoritative mutation surface.
func (s *Session) send(ctx context.Context, intent lobby.Intent) error {
	code := s.currentCode()
	var err error
	switch it := intent.(type) {
	case lobby.UpdateSettings:
		_, err = s.actions.UpdateSettings(ctx, code, it.RequesterUID, it.Settings)
	case lobby.StartGame:
		_, err = s.actions.StartGame(ctx, code, it.RequesterUID, it.Situation)
	case lobby.Kick:
		_, err = s.actions.KickPlayer(ctx, code, it.RequesterUID, it.TargetUID)
	case lobby.Submit:
		_, err = s.actions.Submit(ctx, code, it.UID, it.CardRef)
	case lobby.Vote:
		_, err = s.actions.Vote(ctx, code, it.VoterUID, it.TargetUID)
	case lobby.Leave:
		err = s.actions.LeaveLobby(ctx, code, it.UID)
	default:
		err = models.ValidationErrorf("UNSUPPORTED_INTENT", "intent %T cannot be sent", intent)
	}
	return err
}

// overlayLocked replays pending intents on top of base. Replays that no
// longer apply (the server already confirmed or rejected an equivalent
// change) are silently skipped; the authoritative snapshot is the truth.
func (s *Session) overlayLocked(base *models.LobbyDocument) *models.LobbyDocument {
	view := base
	for _, p := range s.pending {
		next, err := lobby.Reduce(view, p.intent, s.clock.Now())
		if err != nil {
			continue
		}
		view = next
	}
	return view
}

func (s *Session) dropPendingLocked(seq int) {
	for i, p := range s.pending {
		if p.seq == seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) render(doc *models.LobbyDocument) {
	if s.OnLobby != nil {
		s.OnLobby(doc)
	}
}

// Leave tears down all listeners for the current lobby and removes the
// player from it. Safe to call twice.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	code := s.code
	torn := s.torn
	s.torn = true
	s.code = ""
	s.remote = nil
	s.pending = nil
	if s.cancelSub != nil {
		s.cancelSub()
		s.cancelSub = nil
	}
	s.mu.Unlock()

	if torn || code == "" {
		return nil
	}
	removed := s.manager.UnsubscribeByPattern("^lobbies/" + code)
	s.logger.WithFields(logrus.Fields{"code": code, "listeners": removed}).Info("left lobby")
	s.controller.ResetConnectionState()
	return s.actions.LeaveLobby(ctx, code, s.uid)
}

// MarkHidden records the moment the tab went to the background.
func (s *Session) MarkHidden() {
	s.mu.Lock()
	s.hiddenAt = s.clock.Now()
	s.mu.Unlock()
}

// MarkVisible clears the hidden mark. If the tab was hidden longer than
// HiddenTeardownAfter the session is considered abandoned and leaves.
func (s *Session) MarkVisible(ctx context.Context) error {
	s.mu.Lock()
	hiddenAt := s.hiddenAt
	s.hiddenAt = time.Time{}
	s.mu.Unlock()

	if !hiddenAt.IsZero() && s.clock.Now().Sub(hiddenAt) > HiddenTeardownAfter {
		return s.Leave(ctx)
	}
	return nil
}

// Unload is the page-unload path: leave immediately, best effort.
func (s *Session) Unload(ctx context.Context) {
	if err := s.Leave(ctx); err != nil {
		s.logger.WithError(err).Debug("leave on unload failed")
	}
}

// Close shuts down the reconnection controller. The connection manager is
// shared and stays up.
func (s *Session) Close() {
	s.controller.Close()
}
