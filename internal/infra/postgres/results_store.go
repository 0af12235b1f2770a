package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"trivia-live-service/internal/domain"
)

// ResultsStore keeps final session results as JSONB, one row per session.
type ResultsStore struct {
	pool *pgxpool.Pool
}

func NewResultsStore(pool *pgxpool.Pool) *ResultsStore {
	return &ResultsStore{pool: pool}
}

func (s *ResultsStore) SaveResults(ctx context.Context, r domain.FinalResults) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO session_results (session_id, host_id, category, status, reason, ended_at, data)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
ON CONFLICT (session_id) DO UPDATE SET
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	ended_at = EXCLUDED.ended_at,
	data = EXCLUDED.data`,
		r.SessionID, r.HostID, r.Category, string(r.Status), string(r.Reason), r.EndedAt, string(data))
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

func (s *ResultsStore) LoadResults(ctx context.Context, sessionID string) (domain.FinalResults, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM session_results WHERE session_id=$1`, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FinalResults{}, domain.ErrResultsNotFound
	}
	if err != nil {
		return domain.FinalResults{}, fmt.Errorf("load results: %w", err)
	}
	var r domain.FinalResults
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.FinalResults{}, fmt.Errorf("unmarshal results: %w", err)
	}
	return r, nil
}
