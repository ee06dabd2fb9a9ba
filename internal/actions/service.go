// internal/actions/service.go
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/lobby"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/rating"
	"github.com/memeclash/memeclash/internal/store"
)

// CodeGenAttempts bounds how many fresh codes are tried before giving up
// with CODE_GENERATION_FAILED. Each collision is a conditional-write
// rejection and retries immediately with a new candidate.
const CodeGenAttempts = 10

// Service is the server-authoritative lobby lifecycle layer. Every mutation
// runs through the same pure reducer the client uses for optimistic
// updates, so legality cannot diverge between the two enforcement points.
// Race-prone operations (code claims, submission slots, vote slots) go
// through the store's conditional-write primitive; everything else is
// host-gated or majority-gated and tolerates last-writer-wins.
type Service struct {
	store  store.Store
	clock  clock.Clock
	logger *logrus.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewService builds the lifecycle service. rng seeds lobby code generation
// and may be fixed in tests.
func NewService(st store.Store, clk clock.Clock, logger *logrus.Logger, rng *rand.Rand) *Service {
	return &Service{store: st, clock: clk, logger: logger, rng: rng}
}

// Path layout helpers.
func lobbyPath(code string) string     { return "lobbies/" + code }
func gameStatePath(code string) string { return lobbyPath(code) + "/gameState" }
func submissionSlotPath(code string, round int, uid string) string {
	return fmt.Sprintf("lobbies/%s/rounds/%d/submissions/%s", code, round, uid)
}
func voteSlotPath(code string, round int, uid string) string {
	return fmt.Sprintf("lobbies/%s/rounds/%d/votes/%s", code, round, uid)
}

// CreateLobby allocates a unique code with conditional writes and seeds the
// document with the creator as host.
func (s *Service) CreateLobby(ctx context.Context, hostUID, hostName string, mode models.GameMode, maxPlayers int, settings models.Settings) (*models.LobbyDocument, error) {
	if settings.Rounds == 0 {
		settings = models.DefaultSettings()
	}
	for attempt := 0; attempt < CodeGenAttempts; attempt++ {
		s.rngMu.Lock()
		code := models.RandomCode(s.rng)
		s.rngMu.Unlock()

		doc := lobby.NewDocument(code, hostUID, hostName, mode, maxPlayers, settings, s.clock.Now())
		ok, err := s.store.SetIfAbsent(ctx, lobbyPath(code), doc)
		if err != nil {
			return nil, err
		}
		if ok {
			s.logger.WithFields(logrus.Fields{"code": code, "host": hostUID}).Info("lobby created")
			return doc, nil
		}
		// Collision: another creator claimed this code first. Retry with a
		// fresh candidate.
	}
	return nil, models.ErrCodeGenerationFail
}

// JoinLobby performs an idempotent join: joining a lobby the player already
// belongs to succeeds without a duplicate record.
func (s *Service) JoinLobby(ctx context.Context, rawCode, uid, displayName, avatarRef string) (*models.LobbyDocument, error) {
	return s.mutate(ctx, rawCode, lobby.Join{UID: uid, DisplayName: displayName, AvatarRef: avatarRef})
}

// AddAIPlayer backfills an AI opponent. Host-only, waiting-only (the join
// rules apply as for any player).
func (s *Service) AddAIPlayer(ctx context.Context, rawCode, requesterUID, displayName string) (*models.LobbyDocument, error) {
	doc, err := s.getLobby(ctx, rawCode)
	if err != nil {
		return nil, err
	}
	if doc.HostUID != requesterUID {
		return nil, models.ErrPermissionDenied
	}
	aiUID := "ai-" + uuid.NewString()[:8]
	return s.mutate(ctx, rawCode, lobby.Join{UID: aiUID, DisplayName: displayName, AsAI: true})
}

// UpdateSettings replaces lobby settings, host-only while waiting.
func (s *Service) UpdateSettings(ctx context.Context, rawCode, requesterUID string, settings models.Settings) (*models.LobbyDocument, error) {
	return s.mutate(ctx, rawCode, lobby.UpdateSettings{RequesterUID: requesterUID, Settings: settings})
}

// StartGame transitions the lobby into its first round.
func (s *Service) StartGame(ctx context.Context, rawCode, requesterUID, situation string) (*models.LobbyDocument, error) {
	return s.mutate(ctx, rawCode, lobby.StartGame{RequesterUID: requesterUID, Situation: situation})
}

// LeaveLobby removes the player; an emptied lobby is deleted outright.
func (s *Service) LeaveLobby(ctx context.Context, rawCode, uid string) error {
	doc, err := s.mutate(ctx, rawCode, lobby.Leave{UID: uid})
	if err != nil {
		return err
	}
	if len(doc.Players) == 0 {
		code := doc.Code
		if err := s.store.Delete(ctx, lobbyPath(code)); err != nil {
			return err
		}
		_ = s.store.Delete(ctx, gameStatePath(code))
		s.logger.WithField("code", code).Info("empty lobby deleted")
	}
	return nil
}

// KickPlayer removes a player at the host's request.
func (s *Service) KickPlayer(ctx context.Context, rawCode, requesterUID, targetUID string) (*models.LobbyDocument, error) {
	return s.mutate(ctx, rawCode, lobby.Kick{RequesterUID: requesterUID, TargetUID: targetUID})
}

// Submit validates through the reducer, then claims the player's submission
// slot for the round with a conditional write before mirroring into the
// composite document. Two clients racing the same slot resolve at the
// conditional write; the loser gets ALREADY_SUBMITTED.
func (s *Service) Submit(ctx context.Context, rawCode, uid, cardRef string) (*models.LobbyDocument, error) {
	doc, err := s.getLobby(ctx, rawCode)
	if err != nil {
		return nil, err
	}
	next, err := lobby.Reduce(doc, lobby.Submit{UID: uid, CardRef: cardRef}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	sub := next.GameState.Submissions[uid]
	ok, err := s.store.SetIfAbsent(ctx, submissionSlotPath(doc.Code, next.GameState.CurrentRound, uid), sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrAlreadySubmitted
	}
	if err := s.writeLobby(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Vote claims the voter's vote slot with a conditional write, mirroring the
// submission path.
func (s *Service) Vote(ctx context.Context, rawCode, voterUID, targetUID string) (*models.LobbyDocument, error) {
	doc, err := s.getLobby(ctx, rawCode)
	if err != nil {
		return nil, err
	}
	next, err := lobby.Reduce(doc, lobby.Vote{VoterUID: voterUID, TargetUID: targetUID}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	ok, err := s.store.SetIfAbsent(ctx, voteSlotPath(doc.Code, next.GameState.CurrentRound, voterUID), targetUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrAlreadyVoted
	}
	if err := s.writeLobby(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// AdvancePhase reconciles the composite document from the authoritative
// slot paths first, then applies the phase transition. The slot paths win
// any mirror race: a submission that lost its mirror write is recovered
// here before completeness is judged.
func (s *Service) AdvancePhase(ctx context.Context, rawCode, nextSituation string) (*models.LobbyDocument, error) {
	doc, err := s.getLobby(ctx, rawCode)
	if err != nil {
		return nil, err
	}
	if doc.GameState != nil {
		s.reconcileRound(ctx, doc)
	}
	next, err := lobby.Reduce(doc, lobby.AdvancePhase{NextSituation: nextSituation}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.writeLobby(ctx, next); err != nil {
		return nil, err
	}
	if next.GameState != nil && next.GameState.Phase == models.PhaseGameOver {
		s.updateRatings(ctx, next)
	}
	return next, nil
}

// updateRatings finalizes persistent skill ratings for the human players of
// a finished match. Best effort: a failed rating write never fails the
// phase transition that triggered it.
func (s *Service) updateRatings(ctx context.Context, doc *models.LobbyDocument) {
	scores := map[string]int{}
	prior := map[string]rating.Rating{}
	for uid, p := range doc.Players {
		if p.IsAI {
			continue
		}
		scores[uid] = doc.GameState.PlayerScores[uid]
		if data, err := s.store.Get(ctx, "ratings/"+uid); err == nil {
			var r rating.Rating
			if json.Unmarshal(data, &r) == nil {
				prior[uid] = r
			}
		}
	}
	if len(scores) < 2 {
		return
	}
	for uid, r := range rating.FinalizeMatch(prior, scores) {
		if err := s.store.Set(ctx, "ratings/"+uid, r); err != nil {
			s.logger.WithError(err).WithField("uid", uid).Debug("rating write failed")
		}
	}
}

// CheckMembership reports whether uid is currently a player in the lobby.
// The reconnection controller uses it to tell "transient drop" from
// "evicted".
func (s *Service) CheckMembership(ctx context.Context, rawCode, uid string) error {
	doc, err := s.getLobby(ctx, rawCode)
	if err != nil {
		return err
	}
	if _, ok := doc.Players[uid]; !ok {
		return models.ErrPlayerNotFound
	}
	return nil
}

// GetLobby returns the current document for a normalized code.
func (s *Service) GetLobby(ctx context.Context, rawCode string) (*models.LobbyDocument, error) {
	return s.getLobby(ctx, rawCode)
}

// mutate is the shared read-reduce-write path for contention-tolerant
// intents.
func (s *Service) mutate(ctx context.Context, rawCode string, intent lobby.Intent) (*models.LobbyDocument, error) {
	doc, err := s.getLobby(ctx, rawCode)
	if err != nil {
		return nil, err
	}
	next, err := lobby.Reduce(doc, intent, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if next == doc {
		// Idempotent no-op (e.g. rejoin); nothing to write.
		return doc, nil
	}
	if err := s.writeLobby(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) getLobby(ctx context.Context, rawCode string) (*models.LobbyDocument, error) {
	code := models.NormalizeCode(rawCode)
	if !models.ValidCode(code) {
		return nil, models.ErrInvalidCode
	}
	data, err := s.store.Get(ctx, lobbyPath(code))
	if err == store.ErrNotFound {
		return nil, models.ErrLobbyNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc models.LobbyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode lobby %s: %w", code, err)
	}
	return &doc, nil
}

// writeLobby persists the document and mirrors the game state onto its own
// path for clients that only watch gameplay.
func (s *Service) writeLobby(ctx context.Context, doc *models.LobbyDocument) error {
	if err := s.store.Set(ctx, lobbyPath(doc.Code), doc); err != nil {
		return err
	}
	if doc.GameState != nil {
		if err := s.store.Set(ctx, gameStatePath(doc.Code), doc.GameState); err != nil {
			return err
		}
	}
	return nil
}

// reconcileRound folds the authoritative slot paths for the current round
// back into the composite document. Slot reads that reference players not
// present in the snapshot are kept: the player map may simply lag behind
// (no cross-path ordering), and the reducer treats them as pending.
func (s *Service) reconcileRound(ctx context.Context, doc *models.LobbyDocument) {
	gs := doc.GameState
	round := gs.CurrentRound

	if data, err := s.store.Get(ctx, fmt.Sprintf("lobbies/%s/rounds/%d/submissions", doc.Code, round)); err == nil {
		var subs map[string]models.Submission
		if json.Unmarshal(data, &subs) == nil {
			for uid, sub := range subs {
				if _, ok := gs.Submissions[uid]; !ok {
					gs.Submissions[uid] = sub
				}
			}
		}
	}
	if data, err := s.store.Get(ctx, fmt.Sprintf("lobbies/%s/rounds/%d/votes", doc.Code, round)); err == nil {
		var votes map[string]string
		if json.Unmarshal(data, &votes) == nil {
			for voter, target := range votes {
				if _, ok := gs.Votes[voter]; !ok {
					gs.Votes[voter] = target
				}
			}
		}
	}
}
