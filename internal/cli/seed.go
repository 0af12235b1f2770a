package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"trivia-live-service/internal/config"
	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/infra/memory"
	"trivia-live-service/internal/infra/postgres"
	infraredis "trivia-live-service/internal/infra/redis"
)

// NewSeedCmd loads a YAML question bank into Postgres and drops stale cached pools.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a YAML question bank into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Quiz.BankFile
			}
			return runSeed(cmd.Context(), cfg, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "question bank YAML (defaults to quiz.bankFile)")
	return cmd
}

func runSeed(ctx context.Context, cfg config.Config, file string) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}
	bank, err := memory.LoadBankFile(file)
	if err != nil {
		return err
	}
	if err := runMigrations(ctx, cfg); err != nil {
		return err
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	var questions []domain.Question
	for _, category := range bank.Categories() {
		qs, err := bank.LoadCategory(ctx, category)
		if err != nil {
			return err
		}
		questions = append(questions, qs...)
	}
	if err := postgres.NewQuestionLoader(pool).UpsertQuestions(ctx, questions); err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		cache := infraredis.NewQuestionBank(client, nil, cfg.Quiz.TTL.Std())
		for _, category := range bank.Categories() {
			if err := cache.Invalidate(ctx, category); err != nil {
				return err
			}
		}
	}

	slog.InfoContext(ctx, "question bank imported", "file", file, "questions", len(questions), "categories", len(bank.Categories()))
	return nil
}
