package domain

import "time"

// EventType names a client-facing event of the session stream.
type EventType string

const (
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventParticipantReady  EventType = "participant-ready"
	EventPhaseChanged      EventType = "phase-changed"
	EventQuestionRevealed  EventType = "question-revealed"
	EventAnswerAccepted    EventType = "answer-accepted"
	EventResultsRevealed   EventType = "results-revealed"
	EventRankingUpdated    EventType = "ranking-updated"
	EventSessionPaused     EventType = "session-paused"
	EventSessionResumed    EventType = "session-resumed"
	EventSessionEnded      EventType = "session-ended"
)

// Event is the envelope delivered to clients. Seq is monotonic per session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload"`
}

type PhasePayload struct {
	Status        Status     `json:"status"`
	Phase         Phase      `json:"phase"`
	QuestionIndex int        `json:"questionIndex"`
	Deadline      *time.Time `json:"deadline,omitempty"`
}

type ParticipantPayload struct {
	Participant    Participant `json:"participant"`
	CurrentPlayers int         `json:"currentPlayers"`
}

type ResultEntry struct {
	UserID  string `json:"userId"`
	Choice  string `json:"choiceText,omitempty"`
	Correct bool   `json:"correct"`
	Absent  bool   `json:"absent"`
	Points  int    `json:"points"`
	Total   int    `json:"total"`
	Streak  int    `json:"streak"`
}

type ResultsPayload struct {
	Position int           `json:"position"`
	Question string        `json:"question"`
	Answer   string        `json:"answer"`
	Results  []ResultEntry `json:"results"`
}

type RankingPayload struct {
	Ranking []Standing     `json:"ranking"`
	Crews   []CrewStanding `json:"crews,omitempty"`
}

type EndedPayload struct {
	Status    Status     `json:"status"`
	Reason    EndReason  `json:"reason"`
	Standings []Standing `json:"standings"`
}

// Internal events dispatched over the in-process bus.
const (
	EventNameScoreChanged = "score.changed"
	EventNameSessionEnded = "session.ended"
)

// ScoreChanged is published after a score mutation is committed in memory.
// OpID identifies the mutation so projections can apply it at most once. Order is the
// session's tie-break position for Total: among equal totals the lower Order ranks first.
// Handlers may receive changes out of order, so projections must not rely on arrival.
type ScoreChanged struct {
	SessionID string
	UserID    string
	Delta     int64
	Total     int64
	OpID      string
	Order     uint64
	At        time.Time
}

func (ScoreChanged) Name() string { return EventNameScoreChanged }

type SessionEnded struct {
	Results FinalResults
}

func (SessionEnded) Name() string { return EventNameSessionEnded }
