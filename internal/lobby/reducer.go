// internal/lobby/reducer.go
package lobby

import (
	"time"

	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/score"
)

// Reduce is the single authority for mutation legality. It maps the current
// document plus one intent to the next document, or a typed rejection. Pure:
// no I/O, no clock reads (the caller supplies now), no randomness. The same
// function runs at every enforcement point, client-side optimistic updates
// and the server-side actions service alike, so legality can never diverge.
//
// The input document is never mutated; accepted intents return a fresh clone.
func Reduce(doc *models.LobbyDocument, intent Intent, now time.Time) (*models.LobbyDocument, error) {
	if doc == nil {
		return nil, models.ErrLobbyNotFound
	}

	switch it := intent.(type) {
	case Join:
		return reduceJoin(doc, it, now)
	case Leave:
		return reduceRemove(doc, it.UID, now)
	case Kick:
		if it.RequesterUID != doc.HostUID {
			return nil, models.ErrPermissionDenied
		}
		if _, ok := doc.Players[it.TargetUID]; !ok {
			return nil, models.ErrPlayerNotFound
		}
		return reduceRemove(doc, it.TargetUID, now)
	case UpdateSettings:
		return reduceSettings(doc, it, now)
	case StartGame:
		return reduceStart(doc, it, now)
	case Submit:
		return reduceSubmit(doc, it, now)
	case Vote:
		return reduceVote(doc, it, now)
	case AdvancePhase:
		return reduceAdvance(doc, it, now)
	default:
		return nil, models.ValidationErrorf("UNKNOWN_INTENT", "unrecognized intent %T", intent)
	}
}

func reduceJoin(doc *models.LobbyDocument, it Join, now time.Time) (*models.LobbyDocument, error) {
	if _, ok := doc.Players[it.UID]; ok {
		// Idempotent rejoin: already a member, nothing to change.
		return doc, nil
	}
	switch doc.Status {
	case models.StatusStarted:
		return nil, models.ErrLobbyAlreadyStart
	case models.StatusFinished:
		return nil, models.ErrLobbyFinished
	}
	if len(doc.Players) >= doc.MaxPlayers {
		return nil, models.ErrLobbyFull
	}

	next := doc.Clone()
	next.Players[it.UID] = models.PlayerRecord{
		UID:         it.UID,
		DisplayName: it.DisplayName,
		AvatarRef:   it.AvatarRef,
		JoinedAt:    now,
		JoinSeq:     nextJoinSeq(doc),
		IsHost:      false,
		IsAI:        it.AsAI,
		Status:      models.PlayerWaiting,
	}
	next.UpdatedAt = now
	return next, nil
}

// reduceRemove handles both leave and kick. Host departure reassigns the host
// to the earliest-joined remaining player; when the last human leaves an
// AI-populated lobby, the game terminates rather than idling forever on a
// human-gated control.
func reduceRemove(doc *models.LobbyDocument, uid string, now time.Time) (*models.LobbyDocument, error) {
	departing, ok := doc.Players[uid]
	if !ok {
		return nil, models.ErrPlayerNotFound
	}

	next := doc.Clone()
	delete(next.Players, uid)

	if next.GameState != nil {
		// Drop the departing player's pending round data, and any votes cast
		// for them, so phase completeness stays well-defined.
		delete(next.GameState.Submissions, uid)
		delete(next.GameState.Votes, uid)
		for voter, target := range next.GameState.Votes {
			if target == uid {
				delete(next.GameState.Votes, voter)
			}
		}
	}

	if departing.IsHost {
		if successor := earliestJoined(next.Players); successor != "" {
			p := next.Players[successor]
			p.IsHost = true
			next.Players[successor] = p
			next.HostUID = successor
		} else {
			next.HostUID = ""
		}
	}

	// An AI-only lobby cannot progress phases that need a human, and an empty
	// lobby has no reason to exist. Both terminate.
	if next.HumanCount() == 0 && next.Status != models.StatusFinished {
		next.Status = models.StatusFinished
		if next.GameState != nil {
			next.GameState.Phase = models.PhaseGameOver
		}
	}

	next.UpdatedAt = now
	return next, nil
}

func reduceSettings(doc *models.LobbyDocument, it UpdateSettings, now time.Time) (*models.LobbyDocument, error) {
	if it.RequesterUID != doc.HostUID {
		return nil, models.ErrPermissionDenied
	}
	if doc.Status != models.StatusWaiting {
		return nil, models.ErrLobbyAlreadyStart
	}
	s := it.Settings
	if s.Rounds < models.MinRounds || s.Rounds > models.MaxRounds {
		return nil, models.ValidationErrorf("INVALID_SETTINGS",
			"rounds must be between %d and %d", models.MinRounds, models.MaxRounds)
	}
	if s.TimeLimit < models.MinTimeLimit || s.TimeLimit > models.MaxTimeLimit {
		return nil, models.ValidationErrorf("INVALID_SETTINGS",
			"time limit must be between %d and %d seconds", models.MinTimeLimit, models.MaxTimeLimit)
	}
	if len(s.Categories) == 0 {
		return nil, models.ValidationErrorf("INVALID_SETTINGS", "at least one category is required")
	}
	for _, cat := range s.Categories {
		if !models.IsKnownCategory(cat) {
			return nil, models.ValidationErrorf("INVALID_SETTINGS", "unknown category %q", cat)
		}
	}

	next := doc.Clone()
	next.Settings = models.Settings{
		Rounds:     s.Rounds,
		TimeLimit:  s.TimeLimit,
		Categories: append([]string(nil), s.Categories...),
	}
	next.UpdatedAt = now
	return next, nil
}

func reduceStart(doc *models.LobbyDocument, it StartGame, now time.Time) (*models.LobbyDocument, error) {
	if it.RequesterUID != doc.HostUID {
		return nil, models.ErrPermissionDenied
	}
	if doc.Status != models.StatusWaiting {
		return nil, models.ErrLobbyAlreadyStart
	}
	if len(doc.Players) < doc.MinPlayersToStart() {
		return nil, models.ValidationErrorf("NOT_ENOUGH_PLAYERS",
			"need at least %d players to start", doc.MinPlayersToStart())
	}

	next := doc.Clone()
	next.Status = models.StatusStarted
	next.GameState = &models.GameState{
		Phase:            models.PhaseSubmission,
		CurrentRound:     1,
		TotalRounds:      next.Settings.Rounds,
		CurrentSituation: it.Situation,
		Submissions:      map[string]models.Submission{},
		Votes:            map[string]string{},
		PlayerScores:     map[string]int{},
		Streaks:          map[string]models.Streak{},
		TimeLeft:         next.Settings.TimeLimit,
		RoundStartTime:   now,
		LastActivity:     now,
	}
	for uid, p := range next.Players {
		p.Status = models.PlayerPlaying
		p.Score = 0
		next.Players[uid] = p
		next.GameState.PlayerScores[uid] = 0
	}
	next.UpdatedAt = now
	return next, nil
}

func reduceSubmit(doc *models.LobbyDocument, it Submit, now time.Time) (*models.LobbyDocument, error) {
	gs := doc.GameState
	if doc.Status != models.StatusStarted || gs == nil || gs.Phase != models.PhaseSubmission {
		return nil, models.ErrWrongPhase
	}
	if _, ok := doc.Players[it.UID]; !ok {
		return nil, models.ErrPlayerNotFound
	}
	if _, ok := gs.Submissions[it.UID]; ok {
		return nil, models.ErrAlreadySubmitted
	}

	next := doc.Clone()
	next.GameState.Submissions[it.UID] = models.Submission{
		PlayerID:    it.UID,
		CardRef:     it.CardRef,
		SubmittedAt: now,
	}
	p := next.Players[it.UID]
	p.Status = models.PlayerSubmitted
	next.Players[it.UID] = p
	next.GameState.LastActivity = now
	next.UpdatedAt = now
	return next, nil
}

func reduceVote(doc *models.LobbyDocument, it Vote, now time.Time) (*models.LobbyDocument, error) {
	gs := doc.GameState
	if doc.Status != models.StatusStarted || gs == nil || gs.Phase != models.PhaseVoting {
		return nil, models.ErrWrongPhase
	}
	if it.VoterUID == it.TargetUID {
		return nil, models.ErrSelfVote
	}
	if _, ok := doc.Players[it.VoterUID]; !ok {
		return nil, models.ErrPlayerNotFound
	}
	if _, ok := gs.Votes[it.VoterUID]; ok {
		return nil, models.ErrAlreadyVoted
	}
	if _, ok := gs.Submissions[it.TargetUID]; !ok {
		return nil, models.ErrNoSuchSubmission
	}

	next := doc.Clone()
	next.GameState.Votes[it.VoterUID] = it.TargetUID
	next.GameState.LastActivity = now
	next.UpdatedAt = now
	return next, nil
}

func reduceAdvance(doc *models.LobbyDocument, it AdvancePhase, now time.Time) (*models.LobbyDocument, error) {
	gs := doc.GameState
	if doc.Status != models.StatusStarted || gs == nil {
		return nil, models.ErrWrongPhase
	}

	switch gs.Phase {
	case models.PhaseLoading:
		// Loading exists only as a fresh-start placeholder; it advances
		// unconditionally into submission.
		next := doc.Clone()
		next.GameState.Phase = models.PhaseSubmission
		next.GameState.RoundStartTime = now
		next.UpdatedAt = now
		return next, nil

	case models.PhaseSubmission:
		if !AllSubmitted(doc) {
			return nil, models.ErrPhaseNotReady
		}
		next := doc.Clone()
		next.GameState.Phase = models.PhaseVoting
		next.GameState.LastActivity = now
		next.UpdatedAt = now
		return next, nil

	case models.PhaseVoting:
		if !AllVoted(doc) {
			return nil, models.ErrPhaseNotReady
		}
		return resolveRound(doc, now)

	case models.PhaseResults:
		next := doc.Clone()
		ngs := next.GameState
		if ngs.CurrentRound >= ngs.TotalRounds {
			ngs.Phase = models.PhaseGameOver
			next.Status = models.StatusFinished
		} else {
			ngs.CurrentRound++
			ngs.Phase = models.PhaseSubmission
			ngs.CurrentSituation = it.NextSituation
			ngs.Submissions = map[string]models.Submission{}
			ngs.Votes = map[string]string{}
			ngs.RoundStartTime = now
			ngs.TimeLeft = next.Settings.TimeLimit
			for uid, p := range next.Players {
				if p.Status == models.PlayerSubmitted || p.Status == models.PlayerWinner {
					p.Status = models.PlayerPlaying
					next.Players[uid] = p
				}
			}
		}
		ngs.LastActivity = now
		next.UpdatedAt = now
		return next, nil

	default:
		return nil, models.ErrWrongPhase
	}
}

// resolveRound closes the voting phase: runs the deterministic score engine,
// applies totals and streaks, and lands in results.
func resolveRound(doc *models.LobbyDocument, now time.Time) (*models.LobbyDocument, error) {
	next := doc.Clone()
	gs := next.GameState

	res := score.ResolveRound(score.RoundInput{
		Players:      next.Players,
		Submissions:  gs.Submissions,
		Votes:        gs.Votes,
		CurrentRound: gs.CurrentRound,
		PriorScores:  gs.PlayerScores,
		PriorStreaks: gs.Streaks,
	})

	gs.Phase = models.PhaseResults
	gs.PlayerScores = res.TotalScores
	gs.Streaks = res.Streaks
	if res.Winner != "" {
		gs.RoundWinners = append(gs.RoundWinners, res.Winner)
	}
	for uid, p := range next.Players {
		p.Score = res.TotalScores[uid]
		if uid == res.Winner {
			p.Status = models.PlayerWinner
		}
		next.Players[uid] = p
	}
	gs.LastActivity = now
	next.UpdatedAt = now
	return next, nil
}

// AllSubmitted reports whether every current player has a submission this
// round. Submissions from uids not (yet) visible in Players are ignored
// rather than treated as errors: with no cross-path ordering guarantee a
// snapshot may briefly reference a player the client has not observed, and
// such states are pending, not broken.
func AllSubmitted(doc *models.LobbyDocument) bool {
	gs := doc.GameState
	if gs == nil || len(doc.Players) == 0 {
		return false
	}
	for uid := range doc.Players {
		if _, ok := gs.Submissions[uid]; !ok {
			return false
		}
	}
	return true
}

// AllVoted reports whether every eligible voter has voted. The sole submitter
// is exempt when only one submission exists: they cannot vote for themselves
// and there is nothing else to vote for.
func AllVoted(doc *models.LobbyDocument) bool {
	gs := doc.GameState
	if gs == nil || len(doc.Players) == 0 {
		return false
	}
	soleSubmitter := ""
	if len(gs.Submissions) == 1 {
		for uid := range gs.Submissions {
			soleSubmitter = uid
		}
	}
	for uid := range doc.Players {
		if uid == soleSubmitter {
			continue
		}
		if _, ok := gs.Votes[uid]; !ok {
			return false
		}
	}
	return true
}

// earliestJoined picks the host successor: smallest JoinedAt, with JoinSeq
// (insertion order) breaking timestamp ties.
func earliestJoined(players map[string]models.PlayerRecord) string {
	best := ""
	for uid, p := range players {
		if best == "" {
			best = uid
			continue
		}
		b := players[best]
		if p.JoinedAt.Before(b.JoinedAt) ||
			(p.JoinedAt.Equal(b.JoinedAt) && p.JoinSeq < b.JoinSeq) {
			best = uid
		}
	}
	return best
}

func nextJoinSeq(doc *models.LobbyDocument) int {
	max := -1
	for _, p := range doc.Players {
		if p.JoinSeq > max {
			max = p.JoinSeq
		}
	}
	return max + 1
}

// NewDocument seeds a fresh waiting lobby with the creator installed as host.
func NewDocument(code, hostUID, hostName string, mode models.GameMode, maxPlayers int, settings models.Settings, now time.Time) *models.LobbyDocument {
	if maxPlayers < models.MinLobbySize {
		maxPlayers = models.MinLobbySize
	}
	if maxPlayers > models.MaxLobbySize {
		maxPlayers = models.MaxLobbySize
	}
	return &models.LobbyDocument{
		Code:       code,
		HostUID:    hostUID,
		Status:     models.StatusWaiting,
		Mode:       mode,
		MaxPlayers: maxPlayers,
		Players: map[string]models.PlayerRecord{
			hostUID: {
				UID:         hostUID,
				DisplayName: hostName,
				JoinedAt:    now,
				JoinSeq:     0,
				IsHost:      true,
				Status:      models.PlayerWaiting,
			},
		},
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
