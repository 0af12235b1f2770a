package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
	cerrors "trivia-live-service/internal/errors"
	"trivia-live-service/internal/scoring"
)

func TestSession_PhaseSequence(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{QuestionCount: 2})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	h.clock.Advance(2*(window+10*time.Second) + time.Second)

	assert.Equal(t, []string{
		"JOIN",
		"QUESTION", "ANSWER_WINDOW", "RESULTS", "COUNTDOWN",
		"QUESTION", "ANSWER_WINDOW", "RESULTS", "COUNTDOWN",
		"COMPLETED",
	}, h.events.phases())

	var last uint64
	for _, ev := range h.events.all() {
		assert.Greater(t, ev.Seq, last, "sequence must increase: %s", ev.Type)
		last = ev.Seq
	}

	h.clock.Advance(time.Hour)
	assert.Len(t, h.events.phases(), 10, "no transitions after the session ended")
}

func TestSession_QuestionsAreFrozenAtStart(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{QuestionCount: 3})
	h.connect(id, "host")
	h.start(id)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		q := h.question("host")
		assert.Equal(t, i, q.Position)
		assert.Equal(t, 3, q.Total)
		assert.False(t, seen[q.Text], "question %q repeated", q.Text)
		seen[q.Text] = true
		h.clock.Advance(window + 11*time.Second)
	}
	assert.Equal(t, domain.EndCompleted, h.events.ended(t).Reason)
}

func TestSession_ScenarioB_CorrectAndIncorrect(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{QuestionCount: 2})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	before := h.snapshot(id, "")
	require.Equal(t, "host", before.Ranking[0].UserID, "equal scores rank by join order")

	h.clock.Advance(2 * time.Second)
	_, err := h.answer(id, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAnswerWindow, h.snapshot(id, "").Phase, "host has not answered yet")

	h.clock.Advance(time.Second)
	_, err = h.answer(id, "host", false)
	require.NoError(t, err)

	snap := h.snapshot(id, "")
	assert.Equal(t, domain.PhaseResults, snap.Phase, "window closes once every connected participant answered")

	want := scoring.NewEngine().Score(true, 2*time.Second, window).Total
	p1 := standingOf(t, snap, "p1")
	host := standingOf(t, snap, "host")
	assert.Equal(t, 1, p1.Rank)
	assert.Equal(t, want, p1.Score)
	assert.Equal(t, 1, p1.Streak)
	assert.Equal(t, 2, host.Rank)
	assert.Equal(t, 0, host.Score)
	assert.Equal(t, 0, host.Streak)

	results := h.events.ofType(domain.EventResultsRevealed)
	require.Len(t, results, 1)
	payload := results[0].Payload.(domain.ResultsPayload)
	assert.Equal(t, "right-", payload.Answer[:6])
	require.Len(t, payload.Results, 2)
	assert.Equal(t, "host", payload.Results[0].UserID)
	assert.False(t, payload.Results[0].Correct)
	assert.True(t, payload.Results[1].Correct)
	assert.Equal(t, want, payload.Results[1].Points)

	rankings := h.events.ofType(domain.EventRankingUpdated)
	require.Len(t, rankings, 1)
	assert.Equal(t, "p1", rankings[0].Payload.(domain.RankingPayload).Ranking[0].UserID)
}

func TestSession_AnswerAcceptedIsPrivateAndRevealsNothing(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	h.clock.Advance(3 * time.Second)
	receipt, err := h.answer(id, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, 0, receipt.Position)
	assert.Equal(t, epoch.Add(3*time.Second), receipt.SubmittedAt)

	assert.Len(t, h.events.privateOf("p1", domain.EventAnswerAccepted), 1)
	assert.Empty(t, h.events.privateOf("host", domain.EventAnswerAccepted))
	assert.Empty(t, h.events.ofType(domain.EventAnswerAccepted))
	assert.Equal(t, 0, standingOf(t, h.snapshot(id, ""), "p1").Score, "points are applied at results")
}

func TestSession_DuplicateSubmissionKeepsScore(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{QuestionCount: 2})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	h.clock.Advance(2 * time.Second)
	_, err := h.answer(id, "p1", true)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	_, err = h.answer(id, "p1", false)
	var rej *domain.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, domain.RejectDuplicateSubmission, rej.Reason)

	h.clock.Advance(window)
	h.clock.Advance(10 * time.Second)
	h.clock.Advance(4 * time.Second)
	_, err = h.answer(id, "p1", true)
	require.NoError(t, err)
	_, err = h.answer(id, "p1", true)
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, domain.RejectDuplicateSubmission, rej.Reason)
	h.clock.Advance(window)

	sum := 0
	for _, ev := range h.events.ofType(domain.EventResultsRevealed) {
		for _, r := range ev.Payload.(domain.ResultsPayload).Results {
			if r.UserID == "p1" {
				sum += r.Points
			}
		}
	}
	p1 := standingOf(t, h.snapshot(id, ""), "p1")
	assert.Equal(t, sum, p1.Score)
	assert.Equal(t, 2, p1.Streak)
	assert.Positive(t, p1.Score)
	assert.LessOrEqual(t, p1.Score, 2*scoring.NewEngine().Max())
}

func TestSession_Rejections(t *testing.T) {
	tests := map[string]struct {
		arrange func(h *harness, id string) (userID string, position int, choice string)
		want    domain.RejectReason
	}{
		"answer under a second is too fast": {
			arrange: func(h *harness, id string) (string, int, string) {
				h.clock.Advance(500 * time.Millisecond)
				q := h.question("p1")
				return "p1", q.Position, pick(h.t, q, true)
			},
			want: domain.RejectTooFast,
		},
		"answer for a future position is stale": {
			arrange: func(h *harness, id string) (string, int, string) {
				h.clock.Advance(2 * time.Second)
				q := h.question("p1")
				return "p1", q.Position + 1, pick(h.t, q, true)
			},
			want: domain.RejectStalePhase,
		},
		"token copied from another participant is invalid": {
			arrange: func(h *harness, id string) (string, int, string) {
				h.clock.Advance(2 * time.Second)
				q := h.question("host")
				return "p1", q.Position, pick(h.t, q, true)
			},
			want: domain.RejectInvalidChoice,
		},
		"answer during results is stale": {
			arrange: func(h *harness, id string) (string, int, string) {
				q := h.question("p1")
				h.clock.Advance(window + time.Second)
				return "p1", q.Position, pick(h.t, q, true)
			},
			want: domain.RejectStalePhase,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			id := h.create(app.CreateSessionRequest{})
			h.join(id, "p1")
			h.connect(id, "host", "p1")
			h.start(id)

			userID, position, choice := tt.arrange(h, id)
			_, err := h.svc.SubmitAnswer(context.Background(), id, userID, position, choice)

			var rej *domain.Rejection
			require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
			assert.Equal(t, tt.want, rej.Reason)
			assert.Equal(t, domain.StatusInProgress, h.snapshot(id, "").Status, "rejections never end the session")
		})
	}
}

func TestSession_WindowBoundaryIsInclusive(t *testing.T) {
	tests := map[string]struct {
		elapsed time.Duration
		want    domain.RejectReason
	}{
		"answer at exactly the window is accepted": {elapsed: window},
		"one millisecond past the window expires":  {elapsed: window + time.Millisecond, want: domain.RejectWindowExpired},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			id := h.create(app.CreateSessionRequest{})
			h.join(id, "p1")
			h.connect(id, "host", "p1")
			h.start(id)

			h.clock.Advance(tt.elapsed)
			require.Equal(t, domain.PhaseAnswerWindow, h.snapshot(id, "").Phase)
			_, err := h.answer(id, "p1", true)

			if tt.want == "" {
				require.NoError(t, err)
				h.clock.Advance(time.Second)
				assert.Equal(t, 0, standingOf(t, h.snapshot(id, ""), "p1").Score, "a boundary answer scores nothing")
				results := h.events.ofType(domain.EventResultsRevealed)[0].Payload.(domain.ResultsPayload)
				for _, r := range results.Results {
					if r.UserID == "p1" {
						assert.False(t, r.Absent, "the boundary answer is recorded")
						assert.True(t, r.Correct)
					}
				}
				return
			}
			var rej *domain.Rejection
			require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
			assert.Equal(t, tt.want, rej.Reason)
		})
	}
}

func TestSession_OptionsArePerParticipant(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	hostQ, p1Q := h.question("host"), h.question("p1")
	require.Len(t, hostQ.Options, app.DefaultOptionsPerQuestion)
	require.Len(t, p1Q.Options, app.DefaultOptionsPerQuestion)

	tokens := map[string]bool{}
	for _, q := range []domain.QuestionView{hostQ, p1Q} {
		correct := 0
		for _, o := range q.Options {
			assert.False(t, tokens[o.ID], "option tokens must be unique")
			tokens[o.ID] = true
			if o.Text == "right-1" || o.Text == "right-2" || o.Text == "right-3" {
				correct++
			}
		}
		assert.Equal(t, 1, correct)
	}

	snap := h.snapshot(id, "p1")
	require.NotNil(t, snap.Question)
	assert.Equal(t, p1Q.Options, snap.Question.Options)
	assert.Empty(t, h.snapshot(id, "spectator").Question.Options)
}

func TestSession_ScenarioC_DisconnectMidWindow(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{QuestionCount: 2})
	h.join(id, "p1", "p2")
	h.connect(id, "host", "p1", "p2")
	h.start(id)

	h.clock.Advance(time.Second)
	h.disconnect(id, "p1")

	h.clock.Advance(time.Second)
	_, err := h.answer(id, "host", true)
	require.NoError(t, err)
	_, err = h.answer(id, "p2", false)
	require.NoError(t, err)

	snap := h.snapshot(id, "")
	require.Equal(t, domain.PhaseResults, snap.Phase, "only connected participants are waited for")
	p1 := standingOf(t, snap, "p1")
	assert.Equal(t, 0, p1.Score)
	assert.Equal(t, 0, p1.Streak)

	var roster *domain.Participant
	for i := range snap.Roster {
		if snap.Roster[i].UserID == "p1" {
			roster = &snap.Roster[i]
		}
	}
	require.NotNil(t, roster, "disconnected participant stays on the roster")
	assert.False(t, roster.Connected)

	results := h.events.ofType(domain.EventResultsRevealed)[0].Payload.(domain.ResultsPayload)
	for _, r := range results.Results {
		if r.UserID == "p1" {
			assert.True(t, r.Absent)
			assert.Equal(t, 0, r.Points)
		}
	}

	h.clock.Advance(10 * time.Second)
	h.connect(id, "p1")
	h.clock.Advance(2 * time.Second)

	q := h.snapshot(id, "p1").Question
	require.NotNil(t, q)
	assert.Equal(t, 1, q.Position)
	_, err = h.svc.SubmitAnswer(context.Background(), id, "p1", q.Position, pick(t, *q, true))
	require.NoError(t, err)
}

func TestSession_StalePresenceIsIgnored(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{QuestionCount: 1})
	h.join(id, "p1")
	h.report(id, "host", 1, "conn-host")
	h.report(id, "p1", 2, "conn-a")
	// p1 swaps connections; the report for dropping conn-a is delivered after the newer one.
	h.report(id, "p1", 4, "conn-b")
	h.report(id, "p1", 3)
	h.start(id)

	var p1 domain.Participant
	for _, p := range h.snapshot(id, "").Roster {
		if p.UserID == "p1" {
			p1 = p
		}
	}
	assert.True(t, p1.Connected)
	assert.Equal(t, []string{"conn-b"}, p1.ConnectionIDs)

	h.clock.Advance(2 * time.Second)
	_, err := h.answer(id, "host", true)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAnswerWindow, h.snapshot(id, "").Phase, "the window waits for the connected participant")

	_, err = h.answer(id, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseResults, h.snapshot(id, "").Phase)
}

func TestSession_ScenarioD_HostDisconnectsWhileWaiting(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")
	h.connect(id, "host", "p1")

	h.disconnect(id, "host")

	ended := h.events.ended(t)
	assert.Equal(t, domain.StatusAbandoned, ended.Status)
	assert.Equal(t, domain.EndHostDisconnected, ended.Reason)

	phases := h.events.phases()
	h.clock.Advance(time.Hour)
	assert.Equal(t, phases, h.events.phases(), "no transitions after abandonment")

	err := h.svc.Start(context.Background(), id, "host")
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
	_, err = h.svc.Join(context.Background(), id, app.Identity{UserID: "late"})
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestSession_HostLeavesWhileWaiting(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")

	require.NoError(t, h.svc.Leave(context.Background(), id, "host"))

	assert.Len(t, h.events.ofType(domain.EventParticipantLeft), 1)
	assert.Equal(t, domain.EndHostLeft, h.events.ended(t).Reason)
}

func TestSession_GuestLeaveAndRejoinWhileWaiting(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{MaxPlayers: 3})
	h.join(id, "p1")

	require.NoError(t, h.svc.Leave(context.Background(), id, "p1"))
	assert.Equal(t, 1, h.snapshot(id, "").CurrentPlayers)
	assert.ErrorIs(t, h.svc.Leave(context.Background(), id, "p1"), domain.ErrParticipantNotFound)

	h.join(id, "p1")
	assert.Equal(t, 2, h.snapshot(id, "").CurrentPlayers)
	assert.Len(t, h.events.ofType(domain.EventParticipantJoined), 3)
}

func TestSession_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	h.clock.Advance(5 * time.Second)
	assert.ErrorIs(t, h.svc.Pause(context.Background(), id, "p1"), domain.ErrNotHost)
	require.NoError(t, h.svc.Pause(context.Background(), id, "host"))

	phases := h.events.phases()
	h.clock.Advance(time.Minute)
	assert.Equal(t, phases, h.events.phases(), "timers are suspended while paused")

	snap := h.snapshot(id, "")
	assert.Equal(t, domain.StatusPaused, snap.Status)
	assert.Equal(t, window.Seconds(), snap.TimeRemaining)

	_, err := h.answer(id, "p1", true)
	var rej *domain.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, domain.RejectStalePhase, rej.Reason)

	require.NoError(t, h.svc.Resume(context.Background(), id, "host"))
	assert.ErrorIs(t, h.svc.Resume(context.Background(), id, "host"), domain.ErrInvalidTransition)
	assert.Len(t, h.events.ofType(domain.EventSessionPaused), 1)
	assert.Len(t, h.events.ofType(domain.EventSessionResumed), 1)
	assert.Equal(t, phases, h.events.phases(), "resume does not repeat a phase")
	assert.Equal(t, window.Seconds(), h.snapshot(id, "").TimeRemaining)

	h.clock.Advance(2 * time.Second)
	_, err = h.answer(id, "p1", true)
	require.NoError(t, err)
	_, err = h.answer(id, "host", false)
	require.NoError(t, err)

	want := scoring.NewEngine().Score(true, 2*time.Second, window).Total
	assert.Equal(t, want, standingOf(t, h.snapshot(id, ""), "p1").Score, "elapsed restarts at resume")
}

func TestSession_ResumeClosesWindowWhenConnectedAnswered(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1", "p2")
	h.connect(id, "host", "p1", "p2")
	h.start(id)
	ctx := context.Background()

	h.clock.Advance(2 * time.Second)
	for _, user := range []string{"host", "p1"} {
		_, err := h.answer(id, user, true)
		require.NoError(t, err)
	}
	require.NoError(t, h.svc.Pause(ctx, id, "host"))
	h.disconnect(id, "p2")
	require.Equal(t, domain.StatusPaused, h.snapshot(id, "").Status)

	require.NoError(t, h.svc.Resume(ctx, id, "host"))

	assert.Equal(t, domain.PhaseResults, h.snapshot(id, "").Phase, "everyone still connected has answered")
	results := h.events.ofType(domain.EventResultsRevealed)
	require.Len(t, results, 1)
	for _, r := range results[0].Payload.(domain.ResultsPayload).Results {
		assert.Equal(t, r.UserID == "p2", r.Absent, r.UserID)
	}
}

func TestSession_AutoStartAtCapacity(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{MaxPlayers: 2})
	h.connect(id, "host")

	h.join(id, "p1")

	snap := h.snapshot(id, "")
	assert.Equal(t, domain.StatusInProgress, snap.Status)
	assert.Equal(t, domain.PhaseAnswerWindow, snap.Phase)
	assert.Equal(t, 2, snap.CurrentPlayers)

	_, err := h.svc.Join(context.Background(), id, app.Identity{UserID: "p2"})
	assert.ErrorIs(t, err, domain.ErrSessionNotWaiting)
	assert.Equal(t, int(cerrors.CodeFailedPrecondition), int(cerrors.Convert(err).Code))

	_, err = h.svc.Join(context.Background(), id, app.Identity{UserID: "p1", DisplayName: "Renamed"})
	assert.NoError(t, err, "an existing participant can always rejoin")
}

func TestSession_HostAloneAtCapacityStarts(t *testing.T) {
	h := newHarness(t)
	info, err := h.svc.CreateSession(context.Background(), app.CreateSessionRequest{
		HostID:        "host",
		Category:      "science",
		QuestionCount: 1,
		MaxPlayers:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, info.Status)

	snap := h.snapshot(info.SessionID, "host")
	assert.Equal(t, domain.PhaseAnswerWindow, snap.Phase)
	assert.Equal(t, 1, snap.CurrentPlayers)
	require.NotNil(t, snap.Question)
	assert.NotEmpty(t, snap.Question.Options)
}

func TestSession_ScheduledStart(t *testing.T) {
	h := newHarness(t)
	at := epoch.Add(30 * time.Second)
	id := h.create(app.CreateSessionRequest{StartAt: &at})
	h.connect(id, "host")

	h.clock.Advance(29 * time.Second)
	assert.Equal(t, domain.StatusWaiting, h.snapshot(id, "").Status)

	h.clock.Advance(time.Second)
	snap := h.snapshot(id, "")
	assert.Equal(t, domain.StatusInProgress, snap.Status)
	require.NotNil(t, snap.StartedAt)
	assert.Equal(t, at, *snap.StartedAt)
}

func TestSession_TooFewPlayersAbandons(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.connect(id, "host")
	h.start(id)

	h.clock.Advance(time.Second)
	h.disconnect(id, "host")
	h.clock.Advance(29 * time.Second)
	assert.Empty(t, h.events.ofType(domain.EventSessionEnded))

	h.clock.Advance(time.Second)
	ended := h.events.ended(t)
	assert.Equal(t, domain.StatusAbandoned, ended.Status)
	assert.Equal(t, domain.EndTooFewPlayers, ended.Reason)
}

func TestSession_ReconnectWithinGraceKeepsSession(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.connect(id, "host")
	h.start(id)

	h.clock.Advance(time.Second)
	h.disconnect(id, "host")
	h.clock.Advance(10 * time.Second)
	h.connect(id, "host")
	h.clock.Advance(25 * time.Second)

	assert.Empty(t, h.events.ofType(domain.EventSessionEnded))
	assert.Equal(t, domain.StatusInProgress, h.snapshot(id, "").Status)
}

func TestSession_PanicAbandonsOnlyThatSession(t *testing.T) {
	h := newHarness(t)
	healthy := h.create(app.CreateSessionRequest{})
	broken := h.create(app.CreateSessionRequest{})
	h.connect(healthy, "host")
	h.connect(broken, "host")
	h.start(healthy)

	h.events.panicOn = domain.EventQuestionRevealed
	err := h.svc.Start(context.Background(), broken, "host")
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeInternal, cerrors.Convert(err).Code)

	assert.Equal(t, domain.StatusAbandoned, h.snapshot(broken, "").Status)
	ended := h.events.ended(t)
	assert.Equal(t, domain.EndInternalError, ended.Reason)

	h.events.panicOn = ""
	assert.Equal(t, domain.StatusInProgress, h.snapshot(healthy, "").Status)
}

func TestSession_ReadyAndHostOnlyActions(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")
	ctx := context.Background()

	require.NoError(t, h.svc.SetReady(ctx, id, "p1", true))
	require.NoError(t, h.svc.SetReady(ctx, id, "p1", true))
	assert.Len(t, h.events.ofType(domain.EventParticipantReady), 1)

	assert.ErrorIs(t, h.svc.Start(ctx, id, "p1"), domain.ErrNotHost)
	assert.ErrorIs(t, h.svc.Cancel(ctx, id, "p1"), domain.ErrNotHost)
	assert.ErrorIs(t, h.svc.Pause(ctx, id, "host"), domain.ErrInvalidTransition)

	h.connect(id, "host", "p1")
	h.start(id)
	assert.ErrorIs(t, h.svc.SetReady(ctx, id, "p1", false), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.svc.Start(ctx, id, "host"), domain.ErrInvalidTransition)

	require.NoError(t, h.svc.Cancel(ctx, id, "host"))
	assert.Equal(t, domain.EndCancelled, h.events.ended(t).Reason)
	assert.ErrorIs(t, h.svc.Cancel(ctx, id, "host"), domain.ErrSessionEnded)
}

func TestSession_CrewsAreSumsOfMembers(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{HostCrew: "red"})
	ctx := context.Background()
	for _, p := range []app.Identity{{UserID: "p1", Crew: "red"}, {UserID: "p2", Crew: "blue"}} {
		_, err := h.svc.Join(ctx, id, p)
		require.NoError(t, err)
	}
	h.connect(id, "host", "p1", "p2")
	h.start(id)

	h.clock.Advance(3 * time.Second)
	for _, user := range []string{"host", "p1"} {
		_, err := h.answer(id, user, true)
		require.NoError(t, err)
	}
	_, err := h.answer(id, "p2", true)
	require.NoError(t, err)

	each := scoring.NewEngine().Score(true, 3*time.Second, window).Total
	rankings := h.events.ofType(domain.EventRankingUpdated)
	require.Len(t, rankings, 1)
	crews := rankings[0].Payload.(domain.RankingPayload).Crews
	require.Len(t, crews, 2)
	assert.Equal(t, domain.CrewStanding{Rank: 1, Crew: "red", Score: 2 * each, Members: 2}, crews[0])
	assert.Equal(t, domain.CrewStanding{Rank: 2, Crew: "blue", Score: each, Members: 1}, crews[1])
}

func TestSession_TieBrokenByEarliestAchiever(t *testing.T) {
	h := newHarness(t)
	id := h.create(app.CreateSessionRequest{})
	h.join(id, "p1")
	h.connect(id, "host", "p1")
	h.start(id)

	// Both answer at the same elapsed time so both score equally; p1 is received first.
	h.clock.Advance(2 * time.Second)
	_, err := h.answer(id, "p1", true)
	require.NoError(t, err)
	_, err = h.answer(id, "host", true)
	require.NoError(t, err)

	snap := h.snapshot(id, "")
	require.Equal(t, snap.Ranking[0].Score, snap.Ranking[1].Score)
	assert.Equal(t, "p1", snap.Ranking[0].UserID)
}
