package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"medquiz-service/internal/app"
	"medquiz-service/internal/config"
	"medquiz-service/internal/infra/memory"
	openaisource "medquiz-service/internal/infra/openai"
	pgstore "medquiz-service/internal/infra/postgres"
	redisinfra "medquiz-service/internal/infra/redis"
	transport "medquiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	// Question source: OpenAI when a key is configured, otherwise the
	// seeded in-memory bank so the service still runs in demos.
	var source app.QuestionSource
	if cfg.OpenAI.APIKey != "" {
		source = openaisource.NewQuestionSource(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	} else {
		log.Printf("no OpenAI key configured, serving seeded sample questions")
		source = memory.NewQuestionSource(memory.SampleQuestions())
	}
	if redisClient != nil {
		cacheTTL := config.TTLDuration(cfg.Questions.CacheTTL, 10*time.Minute)
		source = redisinfra.NewQuestionCache(redisClient, source, cacheTTL)
	}

	var store app.ResultStore = memory.NewResultStore()
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = pgstore.NewResultStore(pool)
	}

	var presence transport.Presence
	if redisClient != nil {
		presenceTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
		presence = redisinfra.NewAttemptTracker(redisClient, presenceTTL)
	}

	reviews := app.NewReviewService(source, store)
	wsHandler := transport.NewWSHandler(source, store, reviews, presence)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting medquiz service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
