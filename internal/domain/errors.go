package domain

import (
	"fmt"

	"trivia-live-service/internal/errors"
)

var (
	// ErrSessionNotFound is returned when a trivia session does not exist or was released.
	ErrSessionNotFound = errors.New(errors.CodeNotFound, errors.WithMessagef("session not found"))
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New(errors.CodeNotFound, errors.WithMessagef("participant not found in session"))
	// ErrCategoryNotFound indicates the question bank has no pool for a category.
	ErrCategoryNotFound = errors.New(errors.CodeNotFound, errors.WithMessagef("question category not found"))
	// ErrNotEnoughQuestions indicates the category pool is smaller than the requested count.
	ErrNotEnoughQuestions = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("not enough questions in category"))
	// ErrRankingNotFound is returned by ranking stores when a key has no entry in a scope.
	ErrRankingNotFound = errors.New(errors.CodeNotFound, errors.WithMessagef("ranking entry not found"))
	// ErrResultsNotFound is returned when no final results were exported for a session.
	ErrResultsNotFound = errors.New(errors.CodeNotFound, errors.WithMessagef("session results not found"))

	ErrSessionFull       = errors.New(errors.CodeResourceExhausted, errors.WithMessagef("session is full"))
	ErrSessionNotWaiting = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session is not accepting participants"))
	ErrSessionEnded      = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session has ended"))
	ErrInvalidTransition = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("operation not allowed in current session state"))
	ErrNoParticipants    = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session has no participants"))
	ErrNotHost           = errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can perform this action"))
	ErrInvalidSettings   = errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid session settings"))
)

// RejectReason explains why an answer submission was refused.
type RejectReason string

const (
	RejectStalePhase          RejectReason = "StalePhase"
	RejectDuplicateSubmission RejectReason = "DuplicateSubmission"
	RejectTooFast             RejectReason = "TooFast"
	RejectWindowExpired       RejectReason = "WindowExpired"
	RejectInvalidChoice       RejectReason = "InvalidChoice"
)

// Rejection is the validation outcome surfaced only to the submitting client.
type Rejection struct {
	Reason   RejectReason
	Position int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("answer rejected: %s (position %d)", r.Reason, r.Position)
}

// Reject builds a rejection for the given question position.
func Reject(reason RejectReason, position int) *Rejection {
	return &Rejection{Reason: reason, Position: position}
}
