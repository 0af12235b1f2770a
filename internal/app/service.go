package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trivia-live-service/internal/anticheat"
	"trivia-live-service/internal/domain"
	cerrors "trivia-live-service/internal/errors"
	"trivia-live-service/internal/event"
	"trivia-live-service/internal/registry"
	"trivia-live-service/internal/scoring"
	"trivia-live-service/internal/telemetry"
)

const (
	DefaultQuestionCount = 10
	DefaultAnswerWindow  = 15 * time.Second
	DefaultMaxPlayers    = 50
	DefaultRetention     = 10 * time.Minute
)

// SessionRepository abstracts where live sessions are kept (in-memory, Redis-marked, etc).
type SessionRepository interface {
	Add(session *Session)
	Get(sessionID string) (*Session, bool)
	Delete(sessionID string)
	List() []*Session
}

// QuestionBank returns count distinct questions of a category in random order.
type QuestionBank interface {
	Questions(ctx context.Context, category string, count int) ([]domain.Question, error)
}

// ResultsStore persists final results of ended sessions.
type ResultsStore interface {
	SaveResults(ctx context.Context, r domain.FinalResults) error
	LoadResults(ctx context.Context, sessionID string) (domain.FinalResults, error)
}

type Bus interface {
	Publisher
	Subscribe(name string, h event.Handler)
}

type Config struct {
	Sessions  SessionRepository
	Questions QuestionBank
	// Results is optional; without it results are only available while the session is retained.
	Results ResultsStore
	Emitter Emitter
	Bus     Bus
	Timings Timings
	Engine  scoring.Engine
	Guard   anticheat.Guard
	Clock   Clock
	// Retention is how long an ended session stays queryable before it is released.
	Retention time.Duration
	// AnswerWindow and MaxPlayers apply to create requests that leave them out.
	AnswerWindow time.Duration
	MaxPlayers   int
	// Seed seeds question order and option permutations. Zero uses the current time.
	Seed   int64
	Logger *slog.Logger
}

type CreateSessionRequest struct {
	HostID        string     `json:"hostId"`
	HostName      string     `json:"hostName"`
	HostCrew      string     `json:"hostCrew,omitempty"`
	Category      string     `json:"category"`
	QuestionCount int        `json:"questionCount"`
	AnswerWindow  Seconds    `json:"answerWindowSeconds"`
	MaxPlayers    int        `json:"maxPlayers"`
	StartAt       *time.Time `json:"startAt,omitempty"`
}

// Seconds is a duration expressed in whole or fractional seconds on the wire.
type Seconds float64

func (s Seconds) Duration() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

type Identity struct {
	UserID      string
	DisplayName string
	Crew        string
}

// Service contains the live trivia use cases. It owns no game state itself; every
// mutation is delegated to the Session it concerns.
type Service struct {
	sessions  SessionRepository
	questions QuestionBank
	results   ResultsStore
	emitter   Emitter
	bus       Bus
	timings   Timings
	engine    scoring.Engine
	guard     anticheat.Guard
	clock     Clock
	retention time.Duration
	window    time.Duration
	capacity  int
	log       *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewService(c Config) *Service {
	s := &Service{
		sessions:  c.Sessions,
		questions: c.Questions,
		results:   c.Results,
		emitter:   c.Emitter,
		bus:       c.Bus,
		timings:   c.Timings.withDefaults(),
		engine:    c.Engine,
		guard:     c.Guard,
		clock:     c.Clock,
		retention: c.Retention,
		window:    c.AnswerWindow,
		capacity:  c.MaxPlayers,
		log:       c.Logger,
	}
	if s.clock == nil {
		s.clock = RealClock()
	}
	if s.engine.MaxPoints == 0 {
		s.engine = scoring.NewEngine()
	}
	if s.guard.MinElapsed == 0 {
		s.guard = anticheat.NewGuard(0)
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.window <= 0 {
		s.window = DefaultAnswerWindow
	}
	if s.capacity <= 0 {
		s.capacity = DefaultMaxPlayers
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s.rnd = rand.New(rand.NewSource(seed))

	if s.bus != nil && s.results != nil {
		s.bus.Subscribe(domain.EventNameSessionEnded, s.persistResults)
	}
	return s
}

// CreateSession samples the questions and opens a WAITING session with the host as its
// first participant.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (domain.SessionInfo, error) {
	req.HostID = strings.TrimSpace(req.HostID)
	if req.HostID == "" || strings.TrimSpace(req.Category) == "" {
		return domain.SessionInfo{}, cerrors.New(cerrors.CodeInvalidArgument,
			cerrors.WithMessagef("host and category are required"))
	}
	if req.QuestionCount == 0 {
		req.QuestionCount = DefaultQuestionCount
	}
	window := req.AnswerWindow.Duration()
	if window == 0 {
		window = s.window
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = s.capacity
	}
	if req.QuestionCount < 0 || window <= s.guard.MinElapsed || req.MaxPlayers < 1 {
		return domain.SessionInfo{}, domain.ErrInvalidSettings
	}
	if req.StartAt != nil && req.StartAt.Before(s.clock.Now()) {
		return domain.SessionInfo{}, cerrors.New(cerrors.CodeInvalidArgument,
			cerrors.WithMessagef("start time is in the past"))
	}

	questions, err := s.questions.Questions(ctx, req.Category, req.QuestionCount)
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("load questions: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.SessionInfo{}, cerrors.Internal(err)
	}

	name := req.HostName
	if name == "" {
		name = req.HostID
	}
	session := NewSession(SessionConfig{
		ID:       id.String(),
		HostID:   req.HostID,
		HostName: name,
		HostCrew: req.HostCrew,
		Settings: domain.Settings{
			Category:      req.Category,
			QuestionCount: req.QuestionCount,
			AnswerWindow:  window,
			MaxPlayers:    req.MaxPlayers,
			StartAt:       req.StartAt,
		},
		Questions: questions,
		Timings:   s.timings,
		Engine:    s.engine,
		Guard:     s.guard,
		Clock:     s.clock,
		Emitter:   s.emitter,
		Publisher: s.publisher(),
		Rand:      s.sessionRand(),
		Logger:    s.log,
		OnEnd:     s.sessionEnded,
	})
	s.sessions.Add(session)
	telemetry.SessionsActive.Inc()

	s.log.InfoContext(ctx, "session created",
		"session_id", session.ID(),
		"host_id", req.HostID,
		"category", req.Category,
		"questions", len(questions),
	)
	return session.Info(), nil
}

func (s *Service) Join(_ context.Context, sessionID string, id Identity) (domain.Participant, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.Participant{}, err
	}
	name := id.DisplayName
	if name == "" {
		name = id.UserID
	}
	return session.Join(id.UserID, name, id.Crew)
}

// HandlePresence is the registry hook: it forwards a user's connection set to the session.
// Hooks may arrive out of order; the session keeps the newest report by version.
func (s *Service) HandlePresence(p registry.Presence) {
	session, ok := s.sessions.Get(p.SessionID)
	if !ok {
		return
	}
	session.SetPresence(p.UserID, p.ConnectionIDs, p.Version)
}

func (s *Service) SubmitAnswer(_ context.Context, sessionID, userID string, position int, choice string) (domain.AnswerReceipt, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.AnswerReceipt{}, err
	}
	return session.SubmitAnswer(userID, position, choice)
}

func (s *Service) SetReady(_ context.Context, sessionID, userID string, ready bool) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.SetReady(userID, ready)
}

func (s *Service) Leave(_ context.Context, sessionID, userID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Leave(userID)
}

func (s *Service) Start(_ context.Context, sessionID, userID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Start(userID)
}

func (s *Service) Pause(_ context.Context, sessionID, userID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Pause(userID)
}

func (s *Service) Resume(_ context.Context, sessionID, userID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Resume(userID)
}

func (s *Service) Cancel(_ context.Context, sessionID, userID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Cancel(userID)
}

func (s *Service) Snapshot(_ context.Context, sessionID, viewerID string) (domain.Snapshot, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return session.Snapshot(viewerID), nil
}

// Results returns the final results of an ended session, from memory while it is retained
// and from the results store afterwards.
func (s *Service) Results(ctx context.Context, sessionID string) (domain.FinalResults, error) {
	if session, ok := s.sessions.Get(sessionID); ok {
		if !session.Status().Terminal() {
			return domain.FinalResults{}, domain.ErrResultsNotFound
		}
		return session.Results(), nil
	}
	if s.results == nil {
		return domain.FinalResults{}, domain.ErrSessionNotFound
	}
	return s.results.LoadResults(ctx, sessionID)
}

// ActiveSessions counts sessions that have not ended.
func (s *Service) ActiveSessions() int {
	n := 0
	for _, session := range s.sessions.List() {
		if !session.Status().Terminal() {
			n++
		}
	}
	return n
}

// Shutdown abandons every live session with reason shutdown so clients are told why.
func (s *Service) Shutdown(ctx context.Context) {
	for _, session := range s.sessions.List() {
		if ctx.Err() != nil {
			return
		}
		session.Abort(domain.EndShutdown)
	}
}

func (s *Service) session(sessionID string) (*Session, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) sessionEnded(r domain.FinalResults) {
	telemetry.SessionsActive.Dec()
	if s.bus != nil {
		s.bus.Publish(context.Background(), domain.SessionEnded{Results: r})
	}
	s.clock.AfterFunc(s.retention, func() {
		s.sessions.Delete(r.SessionID)
		s.log.Debug("session released", "session_id", r.SessionID)
	})
}

func (s *Service) persistResults(ctx context.Context, e event.Event) error {
	ev, ok := e.(domain.SessionEnded)
	if !ok {
		return fmt.Errorf("results: unexpected event %T", e)
	}
	if err := s.results.SaveResults(ctx, ev.Results); err != nil {
		return fmt.Errorf("save results of session %s: %w", ev.Results.SessionID, err)
	}
	return nil
}

func (s *Service) publisher() Publisher {
	if s.bus == nil {
		return nil
	}
	return s.bus
}

func (s *Service) sessionRand() *rand.Rand {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return rand.New(rand.NewSource(s.rnd.Int63()))
}
