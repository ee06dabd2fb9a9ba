// internal/models/errors.go
package models

import "fmt"

// ErrorKind classifies an error by its propagation policy.
type ErrorKind int

const (
	// KindValidation errors are rejected synchronously at the reducer
	// boundary and never retried.
	KindValidation ErrorKind = iota
	// KindNotFound and KindPermission are terminal; each carries a distinct
	// user-facing remediation.
	KindNotFound
	KindPermission
	// KindConflict means a conditional write lost a race. Retry immediately
	// with a fresh attempt, up to a small fixed count.
	KindConflict
	// KindTransient covers network and timeout failures, retried with
	// bounded exponential backoff.
	KindTransient
)

// Error is a typed game error. Code is stable and machine-readable; Message
// is what surfaces to the player.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the caller may retry the operation at all.
// Conflicts retry immediately, transients retry with backoff; everything
// else is final.
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict || e.Kind == KindTransient
}

// Terminal lobby-lifecycle errors.
var (
	ErrLobbyNotFound      = &Error{Code: "LOBBY_NOT_FOUND", Kind: KindNotFound, Message: "no lobby with that code"}
	ErrLobbyFull          = &Error{Code: "LOBBY_FULL", Kind: KindValidation, Message: "lobby is full"}
	ErrLobbyAlreadyStart  = &Error{Code: "LOBBY_ALREADY_STARTED", Kind: KindValidation, Message: "game has already started"}
	ErrLobbyFinished      = &Error{Code: "LOBBY_FINISHED", Kind: KindValidation, Message: "game has already finished"}
	ErrPermissionDenied   = &Error{Code: "PERMISSION_DENIED", Kind: KindPermission, Message: "only the host may do that"}
	ErrPlayerNotFound     = &Error{Code: "PLAYER_NOT_FOUND", Kind: KindNotFound, Message: "player is not in this lobby"}
	ErrCodeGenerationFail = &Error{Code: "CODE_GENERATION_FAILED", Kind: KindConflict, Message: "could not allocate a unique lobby code"}
)

// Reducer validation errors.
var (
	ErrInvalidCode      = &Error{Code: "INVALID_CODE", Kind: KindValidation, Message: "lobby codes are 5 uppercase letters or digits"}
	ErrNotEnoughPlayers = &Error{Code: "NOT_ENOUGH_PLAYERS", Kind: KindValidation, Message: "not enough players to start"}
	ErrWrongPhase       = &Error{Code: "WRONG_PHASE", Kind: KindValidation, Message: "action not allowed in the current phase"}
	ErrAlreadySubmitted = &Error{Code: "ALREADY_SUBMITTED", Kind: KindValidation, Message: "you already submitted a card this round"}
	ErrAlreadyVoted     = &Error{Code: "ALREADY_VOTED", Kind: KindValidation, Message: "you already voted this round"}
	ErrSelfVote         = &Error{Code: "SELF_VOTE", Kind: KindValidation, Message: "you cannot vote for your own card"}
	ErrNoSuchSubmission = &Error{Code: "NO_SUCH_SUBMISSION", Kind: KindValidation, Message: "that player has no submission this round"}
	ErrPhaseNotReady    = &Error{Code: "PHASE_NOT_READY", Kind: KindValidation, Message: "phase cannot advance yet"}
)

// Transport errors.
var (
	ErrNetwork           = &Error{Code: "NETWORK_ERROR", Kind: KindTransient, Message: "network error, retrying"}
	ErrConnectionTimeout = &Error{Code: "CONNECTION_TIMEOUT", Kind: KindTransient, Message: "connection timed out"}
	ErrSlotTaken         = &Error{Code: "SLOT_TAKEN", Kind: KindConflict, Message: "slot was claimed by a concurrent write"}
)

// ValidationErrorf builds a one-off validation error with a formatted message.
func ValidationErrorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}
