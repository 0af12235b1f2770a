package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"trivia-live-service/internal/domain"
)

// QuestionLoader loads category pools from the questions table.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadCategory(ctx context.Context, category string) ([]domain.Question, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, category, text, answer, distractors, difficulty FROM questions WHERE category=$1 ORDER BY id`,
		category)
	if err != nil {
		return nil, fmt.Errorf("load category %s: %w", category, err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.Category, &q.Text, &q.Answer, &q.Distractors, &q.Difficulty); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load category %s: %w", category, err)
	}
	if len(out) == 0 {
		return nil, domain.ErrCategoryNotFound
	}
	return out, nil
}

// UpsertQuestions writes questions in one transaction, replacing rows with the same id.
func (l *QuestionLoader) UpsertQuestions(ctx context.Context, questions []domain.Question) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range questions {
		_, err := tx.Exec(ctx, `
INSERT INTO questions (id, category, text, answer, distractors, difficulty)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	category = EXCLUDED.category,
	text = EXCLUDED.text,
	answer = EXCLUDED.answer,
	distractors = EXCLUDED.distractors,
	difficulty = EXCLUDED.difficulty`,
			q.ID, q.Category, q.Text, q.Answer, q.Distractors, q.Difficulty)
		if err != nil {
			return fmt.Errorf("upsert question %s: %w", q.ID, err)
		}
	}
	return tx.Commit(ctx)
}
