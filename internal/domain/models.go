package domain

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusAbandoned  Status = "ABANDONED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Phase is the sub-state of the question cycle.
type Phase string

const (
	PhaseJoin         Phase = "JOIN"
	PhaseQuestion     Phase = "QUESTION"
	PhaseAnswerWindow Phase = "ANSWER_WINDOW"
	PhaseResults      Phase = "RESULTS"
	PhaseCountdown    Phase = "COUNTDOWN"
)

// EndReason is carried by the terminal session-ended event.
type EndReason string

const (
	EndCompleted         EndReason = "completed"
	EndHostDisconnected  EndReason = "host-disconnected"
	EndHostLeft          EndReason = "host-left"
	EndTooFewPlayers     EndReason = "too-few-players"
	EndCancelled         EndReason = "cancelled"
	EndShutdown          EndReason = "shutdown"
	EndInternalError     EndReason = "internal-error"
	EndNoParticipants    EndReason = "no-participants"
	EndScheduledNoPlayer EndReason = "scheduled-start-without-players"
)

// Settings are fixed when the session is created.
type Settings struct {
	Category      string        `json:"category"`
	QuestionCount int           `json:"questionCount"`
	AnswerWindow  time.Duration `json:"answerWindow"`
	MaxPlayers    int           `json:"maxPlayers"`
	StartAt       *time.Time    `json:"startAt,omitempty"`
}

// Question is a question bank record. Answer is never sent to clients before RESULTS.
type Question struct {
	ID          string   `json:"id" yaml:"id"`
	Category    string   `json:"category" yaml:"category"`
	Text        string   `json:"text" yaml:"text"`
	Answer      string   `json:"answer" yaml:"answer"`
	Distractors []string `json:"distractors" yaml:"distractors"`
	Difficulty  int      `json:"difficulty" yaml:"difficulty"`
}

// Option is one answer choice as presented to a single participant.
// ID is an opaque token unique to that participant and question position.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionView is a sanitized question for one viewer.
type QuestionView struct {
	Position int       `json:"position"`
	Total    int       `json:"total"`
	Text     string    `json:"text"`
	Options  []Option  `json:"options"`
	Deadline time.Time `json:"deadline"`
	Window   float64   `json:"windowSeconds"`
}

// Participant is the roster view of a session member.
type Participant struct {
	UserID        string     `json:"userId"`
	DisplayName   string     `json:"displayName"`
	Crew          string     `json:"crew,omitempty"`
	Host          bool       `json:"host"`
	Ready         bool       `json:"ready"`
	Score         int        `json:"score"`
	Streak        int        `json:"streak"`
	ConnectionIDs []string   `json:"connectionIds"`
	Connected     bool       `json:"connected"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LeftAt        *time.Time `json:"leftAt,omitempty"`
}

// AnswerRecord is the per-question answer of one participant.
type AnswerRecord struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	Position    int           `json:"position"`
	QuestionID  string        `json:"questionId"`
	Choice      string        `json:"choice,omitempty"`
	ChoiceText  string        `json:"choiceText,omitempty"`
	Correct     bool          `json:"correct"`
	Absent      bool          `json:"absent"`
	Elapsed     time.Duration `json:"elapsed"`
	Base        int           `json:"base"`
	Bonus       int           `json:"bonus"`
	Points      int           `json:"points"`
	SubmittedAt time.Time     `json:"submittedAt"`
}

// AnswerReceipt acknowledges an accepted submission. Correctness is revealed at RESULTS.
type AnswerReceipt struct {
	SessionID   string    `json:"sessionId"`
	Position    int       `json:"position"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RankingEntry is one row of a ranking store query.
type RankingEntry struct {
	Key   string `json:"key"`
	Score int64  `json:"score"`
	Rank  int    `json:"rank"`
}

// Standing is one row of the in-memory live ranking of a session.
type Standing struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Crew        string `json:"crew,omitempty"`
	Score       int    `json:"score"`
	Streak      int    `json:"streak"`
}

// CrewStanding is the sum of member scores of a crew.
type CrewStanding struct {
	Rank    int    `json:"rank"`
	Crew    string `json:"crew"`
	Score   int    `json:"score"`
	Members int    `json:"members"`
}

// SessionInfo describes a session at creation time.
type SessionInfo struct {
	SessionID  string    `json:"sessionId"`
	HostID     string    `json:"hostId"`
	Settings   Settings  `json:"settings"`
	Status     Status    `json:"status"`
	Phase      Phase     `json:"phase"`
	CreatedAt  time.Time `json:"createdAt"`
	MaxPlayers int       `json:"maxPlayers"`
}

// Snapshot is the full current state for reconnecting clients and REST readers.
type Snapshot struct {
	SessionID      string         `json:"sessionId"`
	HostID         string         `json:"hostId"`
	Status         Status         `json:"status"`
	Phase          Phase          `json:"phase"`
	QuestionIndex  int            `json:"questionIndex"`
	TotalQuestions int            `json:"totalQuestions"`
	Question       *QuestionView  `json:"question,omitempty"`
	TimeRemaining  float64        `json:"timeRemainingSeconds"`
	Roster         []Participant  `json:"roster"`
	Ranking        []Standing     `json:"ranking"`
	Crews          []CrewStanding `json:"crews,omitempty"`
	CurrentPlayers int            `json:"currentPlayers"`
	MaxPlayers     int            `json:"maxPlayers"`
	LastSeq        uint64         `json:"lastSeq"`
	CreatedAt      time.Time      `json:"createdAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
}

// FinalResults is the export handed to the storage collaborator when a session ends.
type FinalResults struct {
	SessionID string                    `json:"sessionId"`
	HostID    string                    `json:"hostId"`
	Category  string                    `json:"category"`
	Status    Status                    `json:"status"`
	Reason    EndReason                 `json:"reason"`
	Standings []Standing                `json:"standings"`
	Crews     []CrewStanding            `json:"crews,omitempty"`
	Questions []string                  `json:"questions"`
	Answers   map[string][]AnswerRecord `json:"answers"`
	CreatedAt time.Time                 `json:"createdAt"`
	StartedAt *time.Time                `json:"startedAt,omitempty"`
	EndedAt   time.Time                 `json:"endedAt"`
}
