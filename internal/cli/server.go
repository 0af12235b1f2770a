package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trivia-live-service/internal/anticheat"
	"trivia-live-service/internal/app"
	"trivia-live-service/internal/config"
	"trivia-live-service/internal/event"
	"trivia-live-service/internal/infra/memory"
	"trivia-live-service/internal/infra/postgres"
	infraredis "trivia-live-service/internal/infra/redis"
	"trivia-live-service/internal/ranking"
	"trivia-live-service/internal/registry"
	"trivia-live-service/internal/telemetry"
	transport "trivia-live-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the trivia server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

type backends struct {
	redis redis.UniversalClient
	pg    *pgxpool.Pool
}

func (b backends) close() {
	if b.pg != nil {
		b.pg.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := telemetry.InitLogger(cfg.Log.Level, cfg.Log.Format)

	if portFlag != "" {
		cfg.Server.Port = portFlag
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg); err != nil {
			return err
		}
	}

	var infra backends
	defer infra.close()
	if cfg.Redis.Addr != "" {
		if infra.redis, err = connectRedis(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.Postgres.URL != "" {
		if infra.pg, err = pgxpool.Connect(ctx, cfg.Postgres.URL); err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
	}

	loader, err := questionLoader(cfg, infra)
	if err != nil {
		return err
	}

	var (
		questions    app.QuestionBank
		sessions     app.SessionRepository
		rankingStore ranking.Store
		results      app.ResultsStore = memory.NewResultsStore()
		liveness     *infraredis.SessionStore
	)
	if infra.redis != nil {
		node, _ := os.Hostname()
		liveness = infraredis.NewSessionStore(infra.redis, cfg.Redis.TTL.Std(), node)
		questions = infraredis.NewQuestionBank(infra.redis, loader, cfg.Quiz.TTL.Std())
		sessions = liveness
		rankingStore = infraredis.NewRankingStore(infra.redis)
	} else {
		questions = memory.NewQuestionBank(loader, cfg.Quiz.TTL.Std())
		sessions = memory.NewSessionStore()
		rankingStore = memory.NewRankingStore()
	}
	if infra.pg != nil {
		results = postgres.NewResultsStore(infra.pg)
	}

	bus := event.NewBus(event.WithLogger(log))
	reg := registry.New(registry.Config{Logger: log})
	svc := app.NewService(app.Config{
		Sessions:  sessions,
		Questions: questions,
		Results:   results,
		Emitter:   reg,
		Bus:       bus,
		Timings: app.Timings{
			Results:            cfg.Game.Results.Std(),
			Countdown:          cfg.Game.Countdown.Std(),
			AbandonGrace:       cfg.Game.AbandonGrace.Std(),
			MinPlayers:         cfg.Game.MinPlayers,
			OptionsPerQuestion: cfg.Game.OptionsPerQuestion,
		},
		Guard:        anticheat.NewGuard(cfg.Game.MinAnswerTime.Std()),
		Retention:    cfg.Game.Retention.Std(),
		AnswerWindow: cfg.Game.AnswerWindow.Std(),
		MaxPlayers:   cfg.Game.MaxPlayers,
		Logger:       log,
	})
	reg.SetPresenceHook(svc.HandlePresence)

	ranking.NewProjector(ranking.ProjectorConfig{
		Store:      rankingStore,
		Daily:      cfg.Ranking.Daily,
		DailyTTL:   cfg.Ranking.DailyTTL.Std(),
		SessionTTL: cfg.Ranking.SessionTTL.Std(),
		MaxRetries: cfg.Ranking.MaxRetries,
		Logger:     log,
	}).Register(bus)

	httpServer := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: transport.NewRouter(transport.Config{
			Service:  svc,
			Registry: reg,
			Ranking:  rankingStore,
			Logger:   log,
		}),
		ReadHeaderTimeout: 15 * time.Second,
	}

	grpcServer := grpc.NewServer(telemetry.GRPCServerInterceptor())
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.InfoContext(ctx, "server: HTTP listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		log.InfoContext(ctx, "server: gRPC listening", "port", cfg.Server.GRPCPort)
		return grpcServer.Serve(lis)
	})
	if liveness != nil {
		eg.Go(func() error {
			refreshLiveness(ctx, liveness, cfg.Redis.TTL.Std()/2)
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("server: shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()

		svc.Shutdown(shutdownCtx)
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		bus.Stop()
		log.Info("server: shutdown completed")
		return err
	})

	return eg.Wait()
}

func connectRedis(ctx context.Context, cfg config.Config) (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := telemetry.MonitorRedis(r); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if err := r.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return r, nil
}

func questionLoader(cfg config.Config, infra backends) (memory.QuestionLoader, error) {
	if infra.pg != nil {
		return postgres.NewQuestionLoader(infra.pg), nil
	}
	if cfg.Quiz.BankFile == "" {
		return nil, fmt.Errorf("no question source: configure postgres.url or quiz.bankFile")
	}
	return memory.LoadBankFile(cfg.Quiz.BankFile)
}

func refreshLiveness(ctx context.Context, store *infraredis.SessionStore, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "server: refresh session liveness", "error", err)
			}
		}
	}
}
