package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"trivia-live-service/internal/domain"
)

// RankingStore is an in-process ranking.Store for single-node deployments and tests.
type RankingStore struct {
	clock func() time.Time

	mu     sync.Mutex
	scopes map[string]*rankingScope
}

type rankingScope struct {
	seq       uint64
	entries   map[string]*rankedKey
	ops       map[string]struct{}
	expiresAt time.Time
}

type rankedKey struct {
	key   string
	score int64
	// seq orders equal scores: lower means the score was reached earlier.
	seq uint64
}

func NewRankingStore() *RankingStore {
	return &RankingStore{
		clock:  time.Now,
		scopes: make(map[string]*rankingScope),
	}
}

func (s *RankingStore) UpsertScore(_ context.Context, scope, key string, delta int64, opID string, order uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scopeLocked(scope, true)
	if opID != "" {
		if _, seen := sc.ops[opID]; seen {
			if e, ok := sc.entries[key]; ok {
				return e.score, nil
			}
			return 0, nil
		}
		sc.ops[opID] = struct{}{}
	}

	e, ok := sc.entries[key]
	if !ok {
		e = &rankedKey{key: key}
		sc.entries[key] = e
	}
	switch {
	case order > 0:
		e.seq = max(e.seq, order)
	case !ok || delta != 0:
		sc.seq++
		e.seq = sc.seq
	}
	e.score += delta
	return e.score, nil
}

func (s *RankingStore) TopN(_ context.Context, scope string, n int) ([]domain.RankingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.rankedLocked(scope)
	if n >= 0 && n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked, nil
}

func (s *RankingStore) RankOf(_ context.Context, scope, key string) (domain.RankingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.rankedLocked(scope) {
		if e.Key == key {
			return e, nil
		}
	}
	return domain.RankingEntry{}, domain.ErrRankingNotFound
}

func (s *RankingStore) Around(_ context.Context, scope, key string, radius int) ([]domain.RankingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.rankedLocked(scope)
	for i, e := range ranked {
		if e.Key != key {
			continue
		}
		radius = max(radius, 0)
		lo, hi := max(0, i-radius), min(len(ranked), i+radius+1)
		return ranked[lo:hi], nil
	}
	return nil, domain.ErrRankingNotFound
}

func (s *RankingStore) Expire(_ context.Context, scope string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scopeLocked(scope, false)
	if sc == nil {
		return nil
	}
	if ttl <= 0 {
		delete(s.scopes, scope)
		return nil
	}
	sc.expiresAt = s.clock().Add(ttl)
	return nil
}

func (s *RankingStore) scopeLocked(scope string, create bool) *rankingScope {
	sc, ok := s.scopes[scope]
	if ok && !sc.expiresAt.IsZero() && !s.clock().Before(sc.expiresAt) {
		delete(s.scopes, scope)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		sc = &rankingScope{
			entries: make(map[string]*rankedKey),
			ops:     make(map[string]struct{}),
		}
		s.scopes[scope] = sc
	}
	return sc
}

func (s *RankingStore) rankedLocked(scope string) []domain.RankingEntry {
	sc := s.scopeLocked(scope, false)
	if sc == nil {
		return []domain.RankingEntry{}
	}

	keys := make([]*rankedKey, 0, len(sc.entries))
	for _, e := range sc.entries {
		keys = append(keys, e)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].score != keys[j].score {
			return keys[i].score > keys[j].score
		}
		return keys[i].seq < keys[j].seq
	})

	out := make([]domain.RankingEntry, len(keys))
	for i, k := range keys {
		out[i] = domain.RankingEntry{Key: k.key, Score: k.score, Rank: i + 1}
	}
	return out
}
