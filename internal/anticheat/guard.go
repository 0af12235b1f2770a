// Package anticheat decides whether an answer submission may affect score.
package anticheat

import (
	"time"

	"trivia-live-service/internal/domain"
)

// DefaultMinElapsed is the fastest plausible human response.
const DefaultMinElapsed = time.Second

type Guard struct {
	MinElapsed time.Duration
}

func NewGuard(minElapsed time.Duration) Guard {
	if minElapsed <= 0 {
		minElapsed = DefaultMinElapsed
	}
	return Guard{MinElapsed: minElapsed}
}

// Input is the view of session and participant state the guard needs.
type Input struct {
	Status         domain.Status
	Phase          domain.Phase
	CurrentIndex   int
	Position       int
	WindowOpenedAt time.Time
	Window         time.Duration
	ReceivedAt     time.Time
	// Answered reports an existing record for (participant, Position).
	Answered bool
	Choice   string
	// Choices are the participant's own option tokens for Position.
	Choices []string
}

// Validate returns nil when the submission is accepted and a *domain.Rejection otherwise.
// An elapsed time equal to the window is still inside it.
func (g Guard) Validate(in Input) error {
	if in.Status != domain.StatusInProgress || in.Phase != domain.PhaseAnswerWindow || in.Position != in.CurrentIndex {
		return domain.Reject(domain.RejectStalePhase, in.Position)
	}
	if in.Answered {
		return domain.Reject(domain.RejectDuplicateSubmission, in.Position)
	}

	elapsed := in.ReceivedAt.Sub(in.WindowOpenedAt)
	if elapsed < g.MinElapsed {
		return domain.Reject(domain.RejectTooFast, in.Position)
	}
	if elapsed > in.Window {
		return domain.Reject(domain.RejectWindowExpired, in.Position)
	}

	for _, c := range in.Choices {
		if c == in.Choice {
			return nil
		}
	}
	return domain.Reject(domain.RejectInvalidChoice, in.Position)
}
