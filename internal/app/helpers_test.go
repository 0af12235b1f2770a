package app_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/event"
	"trivia-live-service/internal/infra/memory"
	"trivia-live-service/internal/registry"
)

var epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

const window = 15 * time.Second

// fakeClock fires due timers synchronously from Advance, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	fn      func()
	done    bool
	stopped bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) app.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// recorder is an app.Emitter that keeps every event.
type recorder struct {
	mu         sync.Mutex
	broadcasts []domain.Event
	private    map[string][]domain.Event
	panicOn    domain.EventType
}

func newRecorder() *recorder { return &recorder{private: make(map[string][]domain.Event)} }

func (r *recorder) BroadcastToSession(_ string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, ev)
}

func (r *recorder) SendToUser(userID string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicOn != "" && ev.Type == r.panicOn {
		panic("emitter failure on " + string(ev.Type))
	}
	r.private[userID] = append(r.private[userID], ev)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.broadcasts...)
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) privateOf(userID string, t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.private[userID] {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// phases lists the phase of every phase-changed broadcast, ending with the terminal status.
func (r *recorder) phases() []string {
	var out []string
	for _, ev := range r.all() {
		switch p := ev.Payload.(type) {
		case domain.PhasePayload:
			if ev.Type == domain.EventPhaseChanged {
				out = append(out, string(p.Phase))
			}
		case domain.EndedPayload:
			out = append(out, string(p.Status))
		}
	}
	return out
}

func (r *recorder) ended(t *testing.T) domain.EndedPayload {
	t.Helper()
	evs := r.ofType(domain.EventSessionEnded)
	require.Len(t, evs, 1, "expected exactly one session-ended event")
	return evs[0].Payload.(domain.EndedPayload)
}

// syncBus dispatches on the publishing goroutine so tests observe handlers deterministically.
type syncBus struct {
	mu        sync.Mutex
	handlers  map[string][]event.Handler
	published []event.Event
}

func newSyncBus() *syncBus { return &syncBus{handlers: make(map[string][]event.Handler)} }

func (b *syncBus) Subscribe(name string, h event.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *syncBus) Publish(ctx context.Context, e event.Event) {
	b.mu.Lock()
	b.published = append(b.published, e)
	handlers := append([]event.Handler(nil), b.handlers[e.Name()]...)
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, e)
	}
}

func (b *syncBus) scoreChanges() []domain.ScoreChanged {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ScoreChanged
	for _, e := range b.published {
		if sc, ok := e.(domain.ScoreChanged); ok {
			out = append(out, sc)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	events  *recorder
	bus     *syncBus
	store   *memory.SessionStore
	results *memory.ResultsStore
	svc     *app.Service

	presence atomic.Uint64
}

func newHarness(t *testing.T, opts ...func(*app.Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   newFakeClock(),
		events:  newRecorder(),
		bus:     newSyncBus(),
		store:   memory.NewSessionStore(),
		results: memory.NewResultsStore(),
	}
	cfg := app.Config{
		Sessions:  h.store,
		Questions: memory.NewQuestionBank(memory.NewStaticLoader(fixtureQuestions()), time.Minute),
		Results:   h.results,
		Emitter:   h.events,
		Bus:       h.bus,
		Clock:     h.clock,
		Seed:      42,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.svc = app.NewService(cfg)
	return h
}

func (h *harness) create(req app.CreateSessionRequest) string {
	h.t.Helper()
	if req.HostID == "" {
		req.HostID = "host"
	}
	if req.Category == "" {
		req.Category = "science"
	}
	if req.QuestionCount == 0 {
		req.QuestionCount = len(fixtureQuestions())
	}
	if req.AnswerWindow == 0 {
		req.AnswerWindow = app.Seconds(window.Seconds())
	}
	info, err := h.svc.CreateSession(context.Background(), req)
	require.NoError(h.t, err)
	return info.SessionID
}

func (h *harness) join(sessionID string, userIDs ...string) {
	h.t.Helper()
	for _, id := range userIDs {
		_, err := h.svc.Join(context.Background(), sessionID, app.Identity{UserID: id, DisplayName: strings.ToUpper(id)})
		require.NoError(h.t, err)
	}
}

func (h *harness) connect(sessionID string, userIDs ...string) {
	for _, id := range userIDs {
		h.report(sessionID, id, h.presence.Add(1), "conn-"+id)
	}
}

func (h *harness) disconnect(sessionID string, userIDs ...string) {
	for _, id := range userIDs {
		h.report(sessionID, id, h.presence.Add(1))
	}
}

// report delivers a presence report with an explicit version, as the registry hook would.
func (h *harness) report(sessionID, userID string, version uint64, connIDs ...string) {
	h.svc.HandlePresence(registry.Presence{
		SessionID:     sessionID,
		UserID:        userID,
		ConnectionIDs: append([]string{}, connIDs...),
		Version:       version,
	})
}

func (h *harness) start(sessionID string) {
	h.t.Helper()
	require.NoError(h.t, h.svc.Start(context.Background(), sessionID, "host"))
}

func (h *harness) snapshot(sessionID, viewerID string) domain.Snapshot {
	h.t.Helper()
	snap, err := h.svc.Snapshot(context.Background(), sessionID, viewerID)
	require.NoError(h.t, err)
	return snap
}

// question returns the last question revealed to userID.
func (h *harness) question(userID string) domain.QuestionView {
	h.t.Helper()
	evs := h.events.privateOf(userID, domain.EventQuestionRevealed)
	require.NotEmpty(h.t, evs, "no question revealed to %s", userID)
	return evs[len(evs)-1].Payload.(domain.QuestionView)
}

func (h *harness) answer(sessionID, userID string, correct bool) (domain.AnswerReceipt, error) {
	h.t.Helper()
	q := h.question(userID)
	return h.svc.SubmitAnswer(context.Background(), sessionID, userID, q.Position, pick(h.t, q, correct))
}

func pick(t *testing.T, q domain.QuestionView, correct bool) string {
	t.Helper()
	for _, o := range q.Options {
		if strings.HasPrefix(o.Text, "right") == correct {
			return o.ID
		}
	}
	t.Fatalf("no %v option in %+v", correct, q.Options)
	return ""
}

func standingOf(t *testing.T, snap domain.Snapshot, userID string) domain.Standing {
	t.Helper()
	for _, s := range snap.Ranking {
		if s.UserID == userID {
			return s
		}
	}
	t.Fatalf("%s not ranked in %+v", userID, snap.Ranking)
	return domain.Standing{}
}

func fixtureQuestions() []domain.Question {
	var qs []domain.Question
	for i := 1; i <= 3; i++ {
		qs = append(qs, domain.Question{
			ID:       fmt.Sprintf("q%d", i),
			Category: "science",
			Text:     fmt.Sprintf("Question %d?", i),
			Answer:   fmt.Sprintf("right-%d", i),
			Distractors: []string{
				fmt.Sprintf("wrong-%da", i),
				fmt.Sprintf("wrong-%db", i),
				fmt.Sprintf("wrong-%dc", i),
				fmt.Sprintf("wrong-%dd", i),
				fmt.Sprintf("wrong-%de", i),
			},
			Difficulty: i,
		})
	}
	return qs
}
