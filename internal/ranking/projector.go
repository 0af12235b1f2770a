package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/event"
	"trivia-live-service/internal/telemetry"
)

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 50 * time.Millisecond
)

type Subscriber interface {
	Subscribe(name string, h event.Handler)
}

type ProjectorConfig struct {
	Store Store
	// Daily additionally projects every score change into the scope of the current UTC day.
	Daily      bool
	DailyTTL   time.Duration
	SessionTTL time.Duration
	MaxRetries uint64
	// InitialInterval is the first backoff delay between retries.
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// Projector applies committed score changes to a Store. It never reads session state;
// everything it writes comes from bus events.
type Projector struct {
	store      Store
	daily      bool
	dailyTTL   time.Duration
	sessionTTL time.Duration
	maxRetries uint64
	interval   time.Duration
	log        *slog.Logger
}

func NewProjector(c ProjectorConfig) *Projector {
	p := &Projector{
		store:      c.Store,
		daily:      c.Daily,
		dailyTTL:   c.DailyTTL,
		sessionTTL: c.SessionTTL,
		maxRetries: c.MaxRetries,
		interval:   c.InitialInterval,
		log:        c.Logger,
	}
	if p.maxRetries == 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.interval <= 0 {
		p.interval = defaultInitialInterval
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Projector) Register(bus Subscriber) {
	bus.Subscribe(domain.EventNameScoreChanged, p.handleScoreChanged)
	bus.Subscribe(domain.EventNameSessionEnded, p.handleSessionEnded)
}

func (p *Projector) handleScoreChanged(ctx context.Context, e event.Event) error {
	ev, ok := e.(domain.ScoreChanged)
	if !ok {
		return fmt.Errorf("ranking: unexpected event %T", e)
	}

	if err := p.upsert(ctx, SessionScope(ev.SessionID), ev, ev.Order); err != nil {
		return err
	}
	if !p.daily {
		return nil
	}

	scope := DailyScope(ev.At)
	// Orders of different sessions are not comparable; the daily scope ranks by arrival.
	if err := p.upsert(ctx, scope, ev, 0); err != nil {
		return err
	}
	if p.dailyTTL > 0 {
		return p.retry(ctx, func() error { return p.store.Expire(ctx, scope, p.dailyTTL) })
	}
	return nil
}

func (p *Projector) handleSessionEnded(ctx context.Context, e event.Event) error {
	ev, ok := e.(domain.SessionEnded)
	if !ok {
		return fmt.Errorf("ranking: unexpected event %T", e)
	}
	if p.sessionTTL <= 0 {
		return nil
	}
	scope := SessionScope(ev.Results.SessionID)
	return p.retry(ctx, func() error { return p.store.Expire(ctx, scope, p.sessionTTL) })
}

func (p *Projector) upsert(ctx context.Context, scope string, ev domain.ScoreChanged, order uint64) error {
	err := p.retry(ctx, func() error {
		_, err := p.store.UpsertScore(ctx, scope, ev.UserID, ev.Delta, ev.OpID, order)
		return err
	})
	if err != nil {
		telemetry.RankingWrites.WithLabelValues("failed").Inc()
		p.log.ErrorContext(ctx, "ranking: upsert failed",
			"scope", scope,
			"user_id", ev.UserID,
			"op_id", ev.OpID,
			"error", err,
		)
		return err
	}
	telemetry.RankingWrites.WithLabelValues("ok").Inc()
	return nil
}

// retry runs op with exponential backoff. Upserts are safe to repeat because they carry an op id.
func (p *Projector) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)

	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		telemetry.RankingWrites.WithLabelValues("retry").Inc()
		p.log.WarnContext(ctx, "ranking: retrying store write", "wait", wait, "error", err)
	})
}
