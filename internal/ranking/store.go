// Package ranking defines the ranking store contract and the projector that keeps it
// in sync with committed session scores.
package ranking

import (
	"context"
	"time"

	"trivia-live-service/internal/domain"
)

// Store is a concurrency-safe sorted score index partitioned by scope.
// Entries with equal score are ordered by who reached that score first.
type Store interface {
	// UpsertScore adds delta to key within scope and returns the new total.
	// A non-empty opID is applied at most once per scope. A non-zero order places the key
	// among equal totals (lower first) and the highest order applied to a key wins, so
	// changes may arrive in any order. Zero orders by arrival in the store.
	UpsertScore(ctx context.Context, scope, key string, delta int64, opID string, order uint64) (int64, error)
	TopN(ctx context.Context, scope string, n int) ([]domain.RankingEntry, error)
	// RankOf returns domain.ErrRankingNotFound when key has no entry in scope.
	RankOf(ctx context.Context, scope, key string) (domain.RankingEntry, error)
	// Around returns up to radius entries on each side of key, clipped at both ends.
	// A negative radius counts as zero.
	Around(ctx context.Context, scope, key string, radius int) ([]domain.RankingEntry, error)
	Expire(ctx context.Context, scope string, ttl time.Duration) error
}

func SessionScope(sessionID string) string {
	return "session:" + sessionID
}

// DailyScope is the rolling scope of the UTC calendar day of t.
func DailyScope(t time.Time) string {
	return "daily:" + t.UTC().Format(time.DateOnly)
}
