// internal/lobby/intent.go
package lobby

import (
	"github.com/memeclash/memeclash/internal/models"
)

// Intent is a tagged local mutation request. The reducer validates an intent
// against the current document snapshot and either produces the next document
// or a typed rejection. Intents carry everything the transition needs so that
// Reduce stays pure.
type Intent interface {
	intent()
}

// Join adds a player to a waiting lobby. Joining a lobby the player is
// already in succeeds without change (idempotent rejoin).
type Join struct {
	UID         string
	DisplayName string
	AvatarRef   string
	AsAI        bool
}

// Leave removes a player voluntarily.
type Leave struct {
	UID string
}

// Kick removes a player at the host's request.
type Kick struct {
	RequesterUID string
	TargetUID    string
}

// UpdateSettings replaces lobby settings. Host-only, waiting-only.
type UpdateSettings struct {
	RequesterUID string
	Settings     models.Settings
}

// StartGame transitions waiting -> started. Host-only.
type StartGame struct {
	RequesterUID string
	// Situation is the first round's prompt, chosen by the caller (the core
	// does not manage the meme pool).
	Situation string
}

// Submit claims the player's submission slot for the current round.
type Submit struct {
	UID     string
	CardRef string
}

// Vote claims the voter's vote slot for the current round.
type Vote struct {
	VoterUID  string
	TargetUID string
}

// AdvancePhase moves submission -> voting -> results -> submission/game_over,
// subject to completeness checks. NextSituation seeds the following round's
// prompt when leaving results.
type AdvancePhase struct {
	NextSituation string
}

func (Join) intent()           {}
func (Leave) intent()          {}
func (Kick) intent()           {}
func (UpdateSettings) intent() {}
func (StartGame) intent()      {}
func (Submit) intent()         {}
func (Vote) intent()           {}
func (AdvancePhase) intent()   {}
