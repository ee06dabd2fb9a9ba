// internal/models/lobby.go
package models

import (
	"time"
)

// LobbyStatus is the coarse lifecycle state of a lobby. Transitions are
// monotonic: waiting -> started -> finished, never backwards.
type LobbyStatus string

const (
	StatusWaiting  LobbyStatus = "waiting"
	StatusStarted  LobbyStatus = "started"
	StatusFinished LobbyStatus = "finished"
)

// Phase is the stage of an active round, or of the overall game.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhaseSubmission Phase = "submission"
	PhaseVoting     Phase = "voting"
	PhaseResults    Phase = "results"
	PhaseGameOver   Phase = "game_over"
)

// PlayerStatus reflects what a player is doing right now.
type PlayerStatus string

const (
	PlayerWaiting   PlayerStatus = "waiting"
	PlayerPlaying   PlayerStatus = "playing"
	PlayerSubmitted PlayerStatus = "submitted"
	PlayerWinner    PlayerStatus = "winner"
)

// GameMode selects per-mode policy (e.g. the minimum player count to start).
type GameMode string

const (
	ModeClassic      GameMode = "classic"
	ModeBattleRoyale GameMode = "battle_royale"
)

// MaxPlayers bounds for lobby creation.
const (
	MinLobbySize = 3
	MaxLobbySize = 8
)

// Settings bounds, enforced by the reducer on every settings update.
const (
	MinRounds    = 3
	MaxRounds    = 15
	MinTimeLimit = 30
	MaxTimeLimit = 120
)

// KnownCategories is the full set of meme categories a lobby may enable.
var KnownCategories = []string{"funny", "dark", "wholesome", "random", "gaming"}

// Settings holds host-mutable lobby configuration. Mutable only while the
// lobby is still waiting.
type Settings struct {
	Rounds     int      `json:"rounds"`
	TimeLimit  int      `json:"timeLimit"` // seconds per phase
	Categories []string `json:"categories"`
}

// DefaultSettings returns the settings a fresh lobby starts with.
func DefaultSettings() Settings {
	return Settings{
		Rounds:     5,
		TimeLimit:  60,
		Categories: []string{"funny", "random"},
	}
}

// PlayerRecord is one player's entry in a lobby document.
type PlayerRecord struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
	// JoinSeq is a per-lobby monotonic counter assigned at join time. It is
	// the deterministic tie-break for host succession when two players share
	// the same JoinedAt timestamp.
	JoinSeq int          `json:"joinSeq"`
	IsHost  bool         `json:"isHost"`
	IsAI    bool         `json:"isAI"`
	Score   int          `json:"score"`
	Status  PlayerStatus `json:"status"`
}

// Submission is one player's card pick for the current round. At most one per
// player per round; cleared when the round advances.
type Submission struct {
	PlayerID    string    `json:"playerId"`
	CardRef     string    `json:"cardRef"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Streak tracks a player's consecutive-win run for the streak bonus.
type Streak struct {
	Count        int `json:"count"`
	LastWonRound int `json:"lastWonRound"`
}

// GameState is present on a lobby document once Status == started.
type GameState struct {
	Phase            Phase                 `json:"phase"`
	CurrentRound     int                   `json:"currentRound"`
	TotalRounds      int                   `json:"totalRounds"`
	CurrentSituation string                `json:"currentSituation"`
	Submissions      map[string]Submission `json:"submissions"`
	// Votes maps voter uid -> the uid of the player voted for.
	Votes          map[string]string `json:"votes"`
	PlayerScores   map[string]int    `json:"playerScores"`
	Streaks        map[string]Streak `json:"streaks"`
	RoundWinners   []string          `json:"roundWinners"`
	TimeLeft       int               `json:"timeLeft"`
	RoundStartTime time.Time         `json:"roundStartTime"`
	LastActivity   time.Time         `json:"lastActivity"`
}

// LobbyDocument is the authoritative shared state for one game session. The
// document store owns it; every client holds a read-through cached projection.
type LobbyDocument struct {
	Code       string                  `json:"code"`
	HostUID    string                  `json:"hostUid"`
	Status     LobbyStatus             `json:"status"`
	Mode       GameMode                `json:"mode"`
	MaxPlayers int                     `json:"maxPlayers"`
	Players    map[string]PlayerRecord `json:"players"`
	Settings   Settings                `json:"settings"`
	GameState  *GameState              `json:"gameState,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
	// UpdatedAt is bumped on every mutation and acts as an optimistic
	// staleness signal for cached projections.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy. The reducer never mutates its input document, so
// every accepted intent works on a clone.
func (d *LobbyDocument) Clone() *LobbyDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Players = make(map[string]PlayerRecord, len(d.Players))
	for uid, p := range d.Players {
		out.Players[uid] = p
	}
	out.Settings.Categories = append([]string(nil), d.Settings.Categories...)
	out.GameState = d.GameState.Clone()
	return &out
}

// Clone deep-copies a game state, tolerating nil.
func (gs *GameState) Clone() *GameState {
	if gs == nil {
		return nil
	}
	out := *gs
	out.Submissions = make(map[string]Submission, len(gs.Submissions))
	for k, v := range gs.Submissions {
		out.Submissions[k] = v
	}
	out.Votes = make(map[string]string, len(gs.Votes))
	for k, v := range gs.Votes {
		out.Votes[k] = v
	}
	out.PlayerScores = make(map[string]int, len(gs.PlayerScores))
	for k, v := range gs.PlayerScores {
		out.PlayerScores[k] = v
	}
	out.Streaks = make(map[string]Streak, len(gs.Streaks))
	for k, v := range gs.Streaks {
		out.Streaks[k] = v
	}
	out.RoundWinners = append([]string(nil), gs.RoundWinners...)
	return &out
}

// HumanCount returns the number of non-AI players currently in the lobby.
func (d *LobbyDocument) HumanCount() int {
	n := 0
	for _, p := range d.Players {
		if !p.IsAI {
			n++
		}
	}
	return n
}

// MinPlayersToStart is the per-mode start threshold. Classic lobbies can run
// head-to-head; battle royale needs at least three players.
func (d *LobbyDocument) MinPlayersToStart() int {
	if d.Mode == ModeBattleRoyale {
		return 3
	}
	return 2
}

// IsKnownCategory reports whether cat is part of the known category set.
func IsKnownCategory(cat string) bool {
	for _, c := range KnownCategories {
		if c == cat {
			return true
		}
	}
	return false
}
