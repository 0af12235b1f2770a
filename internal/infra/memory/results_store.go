package memory

import (
	"context"
	"sync"

	"trivia-live-service/internal/domain"
)

// ResultsStore keeps final session results in process memory.
type ResultsStore struct {
	mu      sync.RWMutex
	results map[string]domain.FinalResults
}

func NewResultsStore() *ResultsStore {
	return &ResultsStore{results: make(map[string]domain.FinalResults)}
}

func (s *ResultsStore) SaveResults(_ context.Context, r domain.FinalResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.SessionID] = r
	return nil
}

func (s *ResultsStore) LoadResults(_ context.Context, sessionID string) (domain.FinalResults, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[sessionID]
	if !ok {
		return domain.FinalResults{}, domain.ErrResultsNotFound
	}
	return r, nil
}
