package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"trivia-live-service/internal/anticheat"
	"trivia-live-service/internal/domain"
	cerrors "trivia-live-service/internal/errors"
	"trivia-live-service/internal/event"
	"trivia-live-service/internal/scoring"
	"trivia-live-service/internal/telemetry"
)

// windowClosePastBoundary is how long after the window length the close timer fires.
// Answers landing in between are judged by the guard and get WindowExpired.
const windowClosePastBoundary = 50 * time.Millisecond

// Timings are the fixed dwell durations and thresholds shared by all sessions.
type Timings struct {
	Results      time.Duration
	Countdown    time.Duration
	AbandonGrace time.Duration
	// MinPlayers is the floor of connected participants while a question is live.
	MinPlayers         int
	OptionsPerQuestion int
}

func DefaultTimings() Timings {
	return Timings{
		Results:            5 * time.Second,
		Countdown:          5 * time.Second,
		AbandonGrace:       30 * time.Second,
		MinPlayers:         1,
		OptionsPerQuestion: DefaultOptionsPerQuestion,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.Results <= 0 {
		t.Results = d.Results
	}
	if t.Countdown <= 0 {
		t.Countdown = d.Countdown
	}
	if t.AbandonGrace <= 0 {
		t.AbandonGrace = d.AbandonGrace
	}
	if t.MinPlayers <= 0 {
		t.MinPlayers = d.MinPlayers
	}
	if t.OptionsPerQuestion < 2 {
		t.OptionsPerQuestion = d.OptionsPerQuestion
	}
	return t
}

// Emitter delivers client-facing events. Implementations must not block.
type Emitter interface {
	BroadcastToSession(sessionID string, ev domain.Event)
	SendToUser(userID string, ev domain.Event)
}

// Publisher dispatches internal events to asynchronous subscribers.
type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

type SessionConfig struct {
	ID        string
	HostID    string
	HostName  string
	HostCrew  string
	Settings  domain.Settings
	Questions []domain.Question
	Timings   Timings
	Engine    scoring.Engine
	Guard     anticheat.Guard
	Clock     Clock
	Emitter   Emitter
	Publisher Publisher
	Rand      *rand.Rand
	Logger    *slog.Logger
	// OnEnd runs once, outside the session lock, after the session reaches a terminal status.
	OnEnd func(domain.FinalResults)
}

type participant struct {
	domain.Participant
	joinSeq int
	// reached orders equal scores: lower means the score was reached earlier. Joining
	// counts as reaching zero.
	reached uint64
	options map[int][]domain.Option
	answers map[int]domain.AnswerRecord
	// received is the session-wide receive order of each accepted answer.
	received map[int]uint64
	// presence is the version of the last applied presence report.
	presence uint64
}

func (p *participant) active() bool { return p.LeftAt == nil }

// Session is one running trivia game. All mutation happens under mu; timer callbacks
// carry a generation number so a callback that lost a race with a transition is a no-op.
type Session struct {
	id        string
	hostID    string
	settings  domain.Settings
	timings   Timings
	engine    scoring.Engine
	guard     anticheat.Guard
	clock     Clock
	emitter   Emitter
	publisher Publisher
	rnd       *rand.Rand
	log       *slog.Logger
	onEnd     func(domain.FinalResults)

	mu           sync.Mutex
	status       domain.Status
	phase        domain.Phase
	pool         []domain.Question
	questions    []domain.Question
	index        int
	seq          uint64
	participants map[string]*participant
	joined       int
	reachSeq     uint64
	receiveSeq   uint64

	gen          uint64
	timer        Timer
	deadline     time.Time
	abandonGen   uint64
	abandonTimer Timer
	startTimer   Timer

	windowOpenedAt time.Time
	createdAt      time.Time
	startedAt      *time.Time
	endedAt        time.Time
	reason         domain.EndReason

	deferred []func()
}

// NewSession creates a WAITING session in the JOIN phase. When HostID is set the host joins
// as the first participant.
func NewSession(c SessionConfig) *Session {
	s := &Session{
		id:           c.ID,
		hostID:       c.HostID,
		settings:     c.Settings,
		timings:      c.Timings.withDefaults(),
		engine:       c.Engine,
		guard:        c.Guard,
		clock:        c.Clock,
		emitter:      c.Emitter,
		publisher:    c.Publisher,
		rnd:          c.Rand,
		log:          c.Logger,
		onEnd:        c.OnEnd,
		status:       domain.StatusWaiting,
		phase:        domain.PhaseJoin,
		pool:         c.Questions,
		index:        -1,
		participants: make(map[string]*participant),
	}
	if s.engine.MaxPoints == 0 {
		s.engine = scoring.NewEngine()
	}
	if s.guard.MinElapsed == 0 {
		s.guard = anticheat.NewGuard(0)
	}
	if s.clock == nil {
		s.clock = RealClock()
	}
	if s.emitter == nil {
		s.emitter = nopEmitter{}
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session_id", s.id)
	s.createdAt = s.clock.Now()

	_ = s.do(func() error {
		s.emitLocked(domain.EventPhaseChanged, s.phasePayloadLocked())
		if c.HostID != "" {
			s.addParticipantLocked(c.HostID, c.HostName, c.HostCrew, true)
			if s.activeCountLocked() == s.settings.MaxPlayers {
				s.log.Info("session: capacity reached, starting")
				return s.startLocked()
			}
		}
		if at := c.Settings.StartAt; at != nil {
			s.startTimer = s.clock.AfterFunc(max(at.Sub(s.createdAt), 0), s.scheduledStart)
		}
		return nil
	})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) HostID() string { return s.hostID }

func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Join adds a participant while the session is WAITING. Joining again with an active
// membership is a no-op apart from refreshing the display name, so reconnecting clients
// can always call it.
func (s *Session) Join(userID, displayName, crew string) (domain.Participant, error) {
	var out domain.Participant
	err := s.do(func() error {
		if s.status.Terminal() {
			return domain.ErrSessionEnded
		}
		p, ok := s.participants[userID]
		if ok && p.active() {
			if displayName != "" {
				p.DisplayName = displayName
			}
			out = s.viewLocked(p)
			return nil
		}
		if s.status != domain.StatusWaiting {
			return domain.ErrSessionNotWaiting
		}
		if s.activeCountLocked() >= s.settings.MaxPlayers {
			return domain.ErrSessionFull
		}

		if ok {
			p.LeftAt = nil
			p.Ready = false
			p.JoinedAt = s.clock.Now()
			if displayName != "" {
				p.DisplayName = displayName
			}
			p.Crew = crew
			s.emitLocked(domain.EventParticipantJoined, s.participantPayloadLocked(p))
		} else {
			p = s.addParticipantLocked(userID, displayName, crew, false)
		}
		out = s.viewLocked(p)

		if s.activeCountLocked() == s.settings.MaxPlayers {
			s.log.Info("session: capacity reached, starting")
			return s.startLocked()
		}
		return nil
	})
	return out, err
}

func (s *Session) Leave(userID string) error {
	return s.do(func() error {
		p, ok := s.participants[userID]
		if !ok || !p.active() {
			return domain.ErrParticipantNotFound
		}
		if s.status.Terminal() {
			return domain.ErrSessionEnded
		}

		now := s.clock.Now()
		p.LeftAt = &now
		p.Ready = false
		s.emitLocked(domain.EventParticipantLeft, s.participantPayloadLocked(p))

		if p.Host && s.status == domain.StatusWaiting {
			s.finishLocked(domain.StatusAbandoned, domain.EndHostLeft)
			return nil
		}
		s.checkPlayersLocked()
		s.maybeCloseWindowLocked()
		return nil
	})
}

// SetPresence records the user's current connections in this session. Reports with a
// version not newer than the last applied one are stale and ignored, as are unknown users.
// It never ends a participant's membership.
func (s *Session) SetPresence(userID string, connectionIDs []string, version uint64) {
	_ = s.do(func() error {
		p, ok := s.participants[userID]
		if !ok {
			return nil
		}
		if version <= p.presence {
			s.log.Debug("session: stale presence ignored", "user_id", userID, "version", version, "applied", p.presence)
			return nil
		}
		p.presence = version
		was := p.Connected
		p.ConnectionIDs = append([]string{}, connectionIDs...)
		p.Connected = len(connectionIDs) > 0

		if s.status.Terminal() || !p.active() || was == p.Connected {
			return nil
		}
		s.log.Debug("session: presence changed", "user_id", userID, "connected", p.Connected)

		if p.Host && was && s.status == domain.StatusWaiting {
			s.finishLocked(domain.StatusAbandoned, domain.EndHostDisconnected)
			return nil
		}
		s.checkPlayersLocked()
		if !p.Connected {
			s.maybeCloseWindowLocked()
		}
		return nil
	})
}

func (s *Session) SetReady(userID string, ready bool) error {
	return s.do(func() error {
		p, ok := s.participants[userID]
		if !ok || !p.active() {
			return domain.ErrParticipantNotFound
		}
		if s.status != domain.StatusWaiting {
			return s.stateErrLocked()
		}
		if p.Ready == ready {
			return nil
		}
		p.Ready = ready
		s.emitLocked(domain.EventParticipantReady, s.participantPayloadLocked(p))
		return nil
	})
}

func (s *Session) Start(userID string) error {
	return s.do(func() error {
		if err := s.requireHostLocked(userID); err != nil {
			return err
		}
		if s.status != domain.StatusWaiting {
			return s.stateErrLocked()
		}
		return s.startLocked()
	})
}

func (s *Session) Pause(userID string) error {
	return s.do(func() error {
		if err := s.requireHostLocked(userID); err != nil {
			return err
		}
		if s.status != domain.StatusInProgress {
			return s.stateErrLocked()
		}
		s.stopTimerLocked()
		s.stopAbandonLocked()
		s.deadline = time.Time{}
		s.status = domain.StatusPaused
		s.emitLocked(domain.EventSessionPaused, s.phasePayloadLocked())
		return nil
	})
}

// Resume restarts the interrupted phase with a full timer. An interrupted answer window
// re-opens at resume time; answers already accepted in it are kept.
func (s *Session) Resume(userID string) error {
	return s.do(func() error {
		if err := s.requireHostLocked(userID); err != nil {
			return err
		}
		if s.status != domain.StatusPaused {
			return s.stateErrLocked()
		}
		s.status = domain.StatusInProgress

		switch s.phase {
		case domain.PhaseQuestion, domain.PhaseAnswerWindow:
			s.openWindowLocked()
			s.emitLocked(domain.EventSessionResumed, s.phasePayloadLocked())
			s.revealLocked()
			s.maybeCloseWindowLocked()
		case domain.PhaseResults:
			s.scheduleLocked(s.timings.Results, s.countdownLocked)
			s.emitLocked(domain.EventSessionResumed, s.phasePayloadLocked())
		case domain.PhaseCountdown:
			s.scheduleLocked(s.timings.Countdown, s.advanceLocked)
			s.emitLocked(domain.EventSessionResumed, s.phasePayloadLocked())
		default:
			s.invariant(false, "paused in phase %s", s.phase)
		}
		s.checkPlayersLocked()
		return nil
	})
}

// Cancel ends the session as ABANDONED on behalf of the host.
func (s *Session) Cancel(userID string) error {
	return s.do(func() error {
		if err := s.requireHostLocked(userID); err != nil {
			return err
		}
		if s.status.Terminal() {
			return domain.ErrSessionEnded
		}
		s.finishLocked(domain.StatusAbandoned, domain.EndCancelled)
		return nil
	})
}

// Abort ends a live session as ABANDONED with reason. Ended sessions are left untouched.
func (s *Session) Abort(reason domain.EndReason) {
	_ = s.do(func() error {
		s.finishLocked(domain.StatusAbandoned, reason)
		return nil
	})
}

// SubmitAnswer validates and records an answer. Points are computed now and added to the
// participant's score when the window closes, so nothing about correctness leaks early.
// Rejections are returned as *domain.Rejection.
func (s *Session) SubmitAnswer(userID string, position int, choice string) (domain.AnswerReceipt, error) {
	var receipt domain.AnswerReceipt
	err := s.do(func() error {
		p, ok := s.participants[userID]
		if !ok || !p.active() {
			return domain.ErrParticipantNotFound
		}

		now := s.clock.Now()
		_, answered := p.answers[position]
		opts := p.options[position]
		err := s.guard.Validate(anticheat.Input{
			Status:         s.status,
			Phase:          s.phase,
			CurrentIndex:   s.index,
			Position:       position,
			WindowOpenedAt: s.windowOpenedAt,
			Window:         s.settings.AnswerWindow,
			ReceivedAt:     now,
			Answered:       answered,
			Choice:         choice,
			Choices:        optionIDs(opts),
		})
		if err != nil {
			var rej *domain.Rejection
			if errors.As(err, &rej) {
				telemetry.Answers.WithLabelValues(string(rej.Reason)).Inc()
			}
			return err
		}

		q := s.questions[position]
		text, _ := optionText(opts, choice)
		elapsed := now.Sub(s.windowOpenedAt)
		correct := text == q.Answer
		pts := s.engine.Score(correct, elapsed, s.settings.AnswerWindow)
		p.answers[position] = domain.AnswerRecord{
			SessionID:   s.id,
			UserID:      userID,
			Position:    position,
			QuestionID:  q.ID,
			Choice:      choice,
			ChoiceText:  text,
			Correct:     correct,
			Elapsed:     elapsed,
			Base:        pts.Base,
			Bonus:       pts.Bonus,
			Points:      pts.Total,
			SubmittedAt: now,
		}
		s.receiveSeq++
		p.received[position] = s.receiveSeq
		telemetry.Answers.WithLabelValues("accepted").Inc()

		receipt = domain.AnswerReceipt{SessionID: s.id, Position: position, SubmittedAt: now}
		s.sendLocked(userID, domain.EventAnswerAccepted, receipt)
		s.maybeCloseWindowLocked()
		return nil
	})
	return receipt, err
}

// Snapshot is the current state as seen by viewerID. Only a participant sees options.
func (s *Session) Snapshot(viewerID string) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.questions)
	if total == 0 {
		total = s.settings.QuestionCount
	}
	snap := domain.Snapshot{
		SessionID:      s.id,
		HostID:         s.hostID,
		Status:         s.status,
		Phase:          s.phase,
		QuestionIndex:  s.index,
		TotalQuestions: total,
		Roster:         s.rosterLocked(),
		Ranking:        s.standingsLocked(),
		Crews:          s.crewsLocked(),
		CurrentPlayers: s.activeCountLocked(),
		MaxPlayers:     s.settings.MaxPlayers,
		LastSeq:        s.seq,
		CreatedAt:      s.createdAt,
		StartedAt:      s.startedAt,
	}

	live := s.status == domain.StatusInProgress || s.status == domain.StatusPaused
	if live && (s.phase == domain.PhaseQuestion || s.phase == domain.PhaseAnswerWindow) {
		view := s.questionViewLocked()
		if p, ok := s.participants[viewerID]; ok {
			view.Options = p.options[s.index]
		}
		snap.Question = &view
	}

	switch s.status {
	case domain.StatusInProgress:
		if !s.deadline.IsZero() {
			snap.TimeRemaining = max(s.deadline.Sub(s.clock.Now()), 0).Seconds()
		}
	case domain.StatusPaused:
		snap.TimeRemaining = s.phaseDurationLocked().Seconds()
	}
	return snap
}

func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionInfo{
		SessionID:  s.id,
		HostID:     s.hostID,
		Settings:   s.settings,
		Status:     s.status,
		Phase:      s.phase,
		CreatedAt:  s.createdAt,
		MaxPlayers: s.settings.MaxPlayers,
	}
}

// Results exports standings and the answer log as of now.
func (s *Session) Results() domain.FinalResults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultsLocked()
}

// do runs fn under the session lock. A panic inside fn abandons this session only.
// Work queued on s.deferred runs after the lock is released.
func (s *Session) do(fn func() error) (err error) {
	s.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			s.fail(r)
			err = cerrors.Internal(fmt.Errorf("session %s: %v", s.id, r))
		}
		post := s.deferred
		s.deferred = nil
		s.mu.Unlock()
		for _, f := range post {
			f()
		}
	}()
	return fn()
}

func (s *Session) fail(cause any) {
	s.log.Error("session: fatal error, abandoning", "error", cause, "stack", string(debug.Stack()))
	if s.status.Terminal() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: finalize after fatal error failed", "error", r)
			s.status = domain.StatusAbandoned
			s.reason = domain.EndInternalError
		}
	}()
	s.finishLocked(domain.StatusAbandoned, domain.EndInternalError)
}

func (s *Session) invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Errorf("invariant violated: "+format, args...))
	}
}

func (s *Session) scheduledStart() {
	_ = s.do(func() error {
		if s.status != domain.StatusWaiting {
			return nil
		}
		s.startTimer = nil
		if s.activeCountLocked() == 0 {
			s.finishLocked(domain.StatusAbandoned, domain.EndScheduledNoPlayer)
			return nil
		}
		return s.startLocked()
	})
}

func (s *Session) startLocked() error {
	if s.activeCountLocked() == 0 {
		return domain.ErrNoParticipants
	}
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}

	s.questions = make([]domain.Question, 0, len(s.pool))
	for _, i := range s.rnd.Perm(len(s.pool)) {
		s.questions = append(s.questions, s.pool[i])
	}
	s.invariant(len(s.questions) > 0, "no questions to play")

	now := s.clock.Now()
	s.startedAt = &now
	s.status = domain.StatusInProgress
	s.log.Info("session: started", "participants", s.activeCountLocked(), "questions", len(s.questions))
	s.beginQuestionLocked(0)
	return nil
}

func (s *Session) beginQuestionLocked(i int) {
	s.invariant(i == s.index+1 && i < len(s.questions),
		"question %d out of sequence (current %d, total %d)", i, s.index, len(s.questions))

	s.stopTimerLocked()
	s.deadline = time.Time{}
	s.index = i
	s.phase = domain.PhaseQuestion
	s.emitLocked(domain.EventPhaseChanged, s.phasePayloadLocked())

	q := s.questions[i]
	for _, p := range s.participants {
		if p.active() {
			p.options[i] = buildOptions(s.rnd, q, s.timings.OptionsPerQuestion)
		}
	}

	s.openWindowLocked()
	s.emitLocked(domain.EventPhaseChanged, s.phasePayloadLocked())
	s.revealLocked()
	s.checkPlayersLocked()
}

// openWindowLocked opens the answer window now. The boundary is inclusive, so the close
// timer fires just past it and an answer at exactly elapsed == window is still accepted.
func (s *Session) openWindowLocked() {
	s.phase = domain.PhaseAnswerWindow
	s.windowOpenedAt = s.clock.Now()
	s.scheduleLocked(s.settings.AnswerWindow+windowClosePastBoundary, s.closeWindowLocked)
	s.deadline = s.windowOpenedAt.Add(s.settings.AnswerWindow)
}

// revealLocked sends every active participant the current question with their own options.
// All copies share one sequence number.
func (s *Session) revealLocked() {
	s.seq++
	ev := domain.Event{SessionID: s.id, Type: domain.EventQuestionRevealed, Seq: s.seq, At: s.clock.Now()}
	q := s.questions[s.index]
	for _, p := range s.orderedLocked() {
		if !p.active() {
			continue
		}
		opts, ok := p.options[s.index]
		if !ok {
			opts = buildOptions(s.rnd, q, s.timings.OptionsPerQuestion)
			p.options[s.index] = opts
		}
		view := s.questionViewLocked()
		view.Options = opts
		ev.Payload = view
		s.emitter.SendToUser(p.UserID, ev)
	}
}

func (s *Session) maybeCloseWindowLocked() {
	if s.status != domain.StatusInProgress || s.phase != domain.PhaseAnswerWindow {
		return
	}
	connected := 0
	for _, p := range s.participants {
		if !p.active() || !p.Connected {
			continue
		}
		connected++
		if _, ok := p.answers[s.index]; !ok {
			return
		}
	}
	if connected > 0 {
		s.closeWindowLocked()
	}
}

func (s *Session) closeWindowLocked() {
	s.invariant(s.phase == domain.PhaseAnswerWindow, "closing answer window in phase %s", s.phase)
	s.stopTimerLocked()

	q := s.questions[s.index]
	now := s.clock.Now()
	var scored []*participant
	results := make([]domain.ResultEntry, 0, len(s.participants))
	for _, p := range s.orderedLocked() {
		if !p.active() {
			continue
		}
		rec, ok := p.answers[s.index]
		if !ok {
			rec = domain.AnswerRecord{
				SessionID:   s.id,
				UserID:      p.UserID,
				Position:    s.index,
				QuestionID:  q.ID,
				Absent:      true,
				SubmittedAt: now,
			}
			p.answers[s.index] = rec
		}
		if rec.Correct {
			p.Streak++
		} else {
			p.Streak = 0
		}
		p.Score += rec.Points
		if rec.Points > 0 {
			scored = append(scored, p)
		}
		results = append(results, domain.ResultEntry{
			UserID:  p.UserID,
			Choice:  rec.ChoiceText,
			Correct: rec.Correct,
			Absent:  rec.Absent,
			Points:  rec.Points,
			Total:   p.Score,
			Streak:  p.Streak,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].received[s.index] < scored[j].received[s.index]
	})
	for _, p := range scored {
		s.reachSeq++
		p.reached = s.reachSeq
		s.publishLocked(domain.ScoreChanged{
			SessionID: s.id,
			UserID:    p.UserID,
			Delta:     int64(p.answers[s.index].Points),
			Total:     int64(p.Score),
			OpID:      fmt.Sprintf("ans:%s:%s:%d", s.id, p.UserID, s.index),
			Order:     p.reached,
			At:        now,
		})
	}

	s.phase = domain.PhaseResults
	s.scheduleLocked(s.timings.Results, s.countdownLocked)
	s.emitLocked(domain.EventPhaseChanged, s.phasePayloadLocked())
	s.emitLocked(domain.EventResultsRevealed, domain.ResultsPayload{
		Position: s.index,
		Question: q.Text,
		Answer:   q.Answer,
		Results:  results,
	})
	s.emitLocked(domain.EventRankingUpdated, domain.RankingPayload{
		Ranking: s.standingsLocked(),
		Crews:   s.crewsLocked(),
	})
}

func (s *Session) countdownLocked() {
	s.phase = domain.PhaseCountdown
	s.scheduleLocked(s.timings.Countdown, s.advanceLocked)
	s.emitLocked(domain.EventPhaseChanged, s.phasePayloadLocked())
}

func (s *Session) advanceLocked() {
	if s.index+1 < len(s.questions) {
		s.beginQuestionLocked(s.index + 1)
		return
	}
	s.finishLocked(domain.StatusCompleted, domain.EndCompleted)
}

func (s *Session) finishLocked(status domain.Status, reason domain.EndReason) {
	if s.status.Terminal() {
		return
	}
	s.stopTimerLocked()
	s.stopAbandonLocked()
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}

	s.status = status
	s.reason = reason
	s.endedAt = s.clock.Now()
	s.deadline = time.Time{}
	s.emitLocked(domain.EventSessionEnded, domain.EndedPayload{
		Status:    status,
		Reason:    reason,
		Standings: s.standingsLocked(),
	})

	telemetry.SessionsEnded.WithLabelValues(string(reason)).Inc()
	s.log.Info("session: ended", "status", status, "reason", reason)

	if s.onEnd != nil {
		results := s.resultsLocked()
		s.deferred = append(s.deferred, func() { s.onEnd(results) })
	}
}

// checkPlayersLocked arms the abandon timer when too few participants are connected while a
// question is live, and disarms it once enough are back.
func (s *Session) checkPlayersLocked() {
	if s.status != domain.StatusInProgress {
		return
	}
	if s.connectedCountLocked() >= s.timings.MinPlayers {
		s.stopAbandonLocked()
		return
	}
	if s.abandonTimer != nil {
		return
	}
	if s.phase != domain.PhaseQuestion && s.phase != domain.PhaseAnswerWindow {
		return
	}

	s.log.Warn("session: too few connected participants", "grace", s.timings.AbandonGrace)
	s.abandonGen++
	gen := s.abandonGen
	s.abandonTimer = s.clock.AfterFunc(s.timings.AbandonGrace, func() {
		_ = s.do(func() error {
			if gen != s.abandonGen || s.status != domain.StatusInProgress {
				return nil
			}
			s.abandonTimer = nil
			if s.connectedCountLocked() < s.timings.MinPlayers {
				s.finishLocked(domain.StatusAbandoned, domain.EndTooFewPlayers)
			}
			return nil
		})
	})
}

func (s *Session) stopAbandonLocked() {
	s.abandonGen++
	if s.abandonTimer != nil {
		s.abandonTimer.Stop()
		s.abandonTimer = nil
	}
}

func (s *Session) scheduleLocked(d time.Duration, fn func()) {
	s.stopTimerLocked()
	gen := s.gen
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() {
		_ = s.do(func() error {
			if gen != s.gen || s.status != domain.StatusInProgress {
				return nil
			}
			fn()
			return nil
		})
	})
}

func (s *Session) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) phaseDurationLocked() time.Duration {
	switch s.phase {
	case domain.PhaseQuestion, domain.PhaseAnswerWindow:
		return s.settings.AnswerWindow
	case domain.PhaseResults:
		return s.timings.Results
	case domain.PhaseCountdown:
		return s.timings.Countdown
	}
	return 0
}

func (s *Session) addParticipantLocked(userID, displayName, crew string, host bool) *participant {
	s.joined++
	s.reachSeq++
	p := &participant{
		Participant: domain.Participant{
			UserID:        userID,
			DisplayName:   displayName,
			Crew:          crew,
			Host:          host,
			ConnectionIDs: []string{},
			JoinedAt:      s.clock.Now(),
		},
		joinSeq:  s.joined,
		reached:  s.reachSeq,
		options:  make(map[int][]domain.Option),
		answers:  make(map[int]domain.AnswerRecord),
		received: make(map[int]uint64),
	}
	s.participants[userID] = p
	s.emitLocked(domain.EventParticipantJoined, s.participantPayloadLocked(p))
	s.publishLocked(domain.ScoreChanged{
		SessionID: s.id,
		UserID:    userID,
		OpID:      "join:" + s.id + ":" + userID,
		Order:     p.reached,
		At:        p.JoinedAt,
	})
	return p
}

func (s *Session) requireHostLocked(userID string) error {
	if userID != s.hostID {
		return domain.ErrNotHost
	}
	return nil
}

func (s *Session) stateErrLocked() error {
	if s.status.Terminal() {
		return domain.ErrSessionEnded
	}
	return domain.ErrInvalidTransition
}

func (s *Session) emitLocked(t domain.EventType, payload any) {
	s.seq++
	s.emitter.BroadcastToSession(s.id, domain.Event{
		SessionID: s.id,
		Type:      t,
		Seq:       s.seq,
		At:        s.clock.Now(),
		Payload:   payload,
	})
}

// sendLocked delivers a private event. It carries the last broadcast sequence number so
// other participants never observe a gap.
func (s *Session) sendLocked(userID string, t domain.EventType, payload any) {
	s.emitter.SendToUser(userID, domain.Event{
		SessionID: s.id,
		Type:      t,
		Seq:       s.seq,
		At:        s.clock.Now(),
		Payload:   payload,
	})
}

func (s *Session) publishLocked(e event.Event) {
	s.deferred = append(s.deferred, func() { s.publisher.Publish(context.Background(), e) })
}

func (s *Session) phasePayloadLocked() domain.PhasePayload {
	p := domain.PhasePayload{Status: s.status, Phase: s.phase, QuestionIndex: s.index}
	if !s.deadline.IsZero() {
		d := s.deadline
		p.Deadline = &d
	}
	return p
}

func (s *Session) participantPayloadLocked(p *participant) domain.ParticipantPayload {
	return domain.ParticipantPayload{Participant: s.viewLocked(p), CurrentPlayers: s.activeCountLocked()}
}

func (s *Session) questionViewLocked() domain.QuestionView {
	q := s.questions[s.index]
	return domain.QuestionView{
		Position: s.index,
		Total:    len(s.questions),
		Text:     q.Text,
		Deadline: s.deadline,
		Window:   s.settings.AnswerWindow.Seconds(),
	}
}

func (s *Session) viewLocked(p *participant) domain.Participant {
	v := p.Participant
	v.ConnectionIDs = append([]string{}, p.ConnectionIDs...)
	return v
}

func (s *Session) activeCountLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.active() {
			n++
		}
	}
	return n
}

func (s *Session) connectedCountLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.active() && p.Connected {
			n++
		}
	}
	return n
}

// orderedLocked returns all participants in join order.
func (s *Session) orderedLocked() []*participant {
	out := make([]*participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinSeq < out[j].joinSeq })
	return out
}

func (s *Session) rosterLocked() []domain.Participant {
	roster := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.orderedLocked() {
		if p.active() {
			roster = append(roster, s.viewLocked(p))
		}
	}
	return roster
}

// standingsLocked ranks active participants by score, then by who reached it first.
func (s *Session) standingsLocked() []domain.Standing {
	ranked := make([]*participant, 0, len(s.participants))
	for _, p := range s.orderedLocked() {
		if p.active() {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].reached < ranked[j].reached
	})

	out := make([]domain.Standing, len(ranked))
	for i, p := range ranked {
		out[i] = domain.Standing{
			Rank:        i + 1,
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Crew:        p.Crew,
			Score:       p.Score,
			Streak:      p.Streak,
		}
	}
	return out
}

// crewsLocked sums member scores per crew. Participants without a crew are not counted.
func (s *Session) crewsLocked() []domain.CrewStanding {
	byCrew := make(map[string]*domain.CrewStanding)
	for _, p := range s.participants {
		if !p.active() || p.Crew == "" {
			continue
		}
		c, ok := byCrew[p.Crew]
		if !ok {
			c = &domain.CrewStanding{Crew: p.Crew}
			byCrew[p.Crew] = c
		}
		c.Score += p.Score
		c.Members++
	}
	if len(byCrew) == 0 {
		return nil
	}

	out := make([]domain.CrewStanding, 0, len(byCrew))
	for _, c := range byCrew {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Crew < out[j].Crew
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func (s *Session) resultsLocked() domain.FinalResults {
	questions := make([]string, len(s.questions))
	for i, q := range s.questions {
		questions[i] = q.ID
	}

	answers := make(map[string][]domain.AnswerRecord, len(s.participants))
	for id, p := range s.participants {
		records := make([]domain.AnswerRecord, 0, len(p.answers))
		for _, rec := range p.answers {
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Position < records[j].Position })
		answers[id] = records
	}

	return domain.FinalResults{
		SessionID: s.id,
		HostID:    s.hostID,
		Category:  s.settings.Category,
		Status:    s.status,
		Reason:    s.reason,
		Standings: s.standingsLocked(),
		Crews:     s.crewsLocked(),
		Questions: questions,
		Answers:   answers,
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

type nopEmitter struct{}

func (nopEmitter) BroadcastToSession(string, domain.Event) {}
func (nopEmitter) SendToUser(string, domain.Event)         {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, event.Event) {}
