package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/database"
	"chatrelay-backend/internal/handlers"
	"chatrelay-backend/internal/logging"
	"chatrelay-backend/internal/middleware"
	"chatrelay-backend/internal/repository"
	"chatrelay-backend/internal/router"
	"chatrelay-backend/internal/services"
	"chatrelay-backend/internal/websocket"
)

// store bundles the repositories for the configured driver with its cleanup.
type store struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	close    func()
}

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("✗ Configuration invalid: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.WithField("env", cfg.Env).Info("🚀 Starting chat relay backend...")
	logger.Info("✓ Environment variables loaded")

	ctx := context.Background()

	// ──── Step 2: Open Store and Run Migrations ────
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("✗ Database initialization failed: %v", err)
	}
	defer st.close()

	// ──── Step 3: Initialize Redis Client (optional) ────
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatalf("✗ Redis connection failed: %v", err)
		}
		defer redisClient.Close()
		logger.Info("✓ Redis connected")
	} else {
		logger.Info("Redis not configured; using in-process locking and fan-out")
	}

	// ──── Step 4: Initialize Completion Client ────
	completer, completerCloser, err := newCompleter(ctx, cfg)
	if err != nil {
		logger.Fatalf("✗ Completion client initialization failed: %v", err)
	}
	defer completerCloser.Close()
	logger.WithField("provider", cfg.CompletionProvider).Info("✓ Completion client initialized")

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret, cfg.TokenTTL)
	wsHub := websocket.NewHub(redisClient, jwtAuth, logger)
	defer wsHub.Close()

	authService := services.NewAuthService(st.users, jwtAuth, logger)
	chatService := services.NewChatService(
		st.messages,
		completer,
		newTurnLocker(cfg, redisClient, logger),
		wsHub,
		cfg.CompletionTimeout,
		logger,
	)

	// ──── Initialize Handlers ────
	authHandler := handlers.NewAuthHandler(authService)
	chatHandler := handlers.NewChatHandler(chatService)

	// ──── Step 5: Start HTTP Server ────
	r := router.New(jwtAuth, authHandler, chatHandler, wsHub, cfg.FrontendURL, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg.CompletionTimeout),
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout(cfg.CompletionTimeout))
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}()

	logger.Infof("✓ Chat relay ready on http://localhost:%s", cfg.Port)
	logger.Infof("  WS:  ws://localhost:%s/auth/chat/ws", cfg.Port)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Server error: %v", err)
	}
	<-done
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db, database.DialectSQLite, logger); err != nil {
			db.Close()
			return nil, err
		}
		logger.WithField("path", cfg.SQLitePath).Info("✓ SQLite opened and migrations applied")
		return &store{
			users:    repository.NewSQLiteUserRepo(db),
			messages: repository.NewSQLiteMessageRepo(db),
			close:    func() { db.Close() },
		}, nil

	default:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("✓ PostgreSQL connected")

		sqlDB := database.PostgresSQLDB(pool)
		if err := database.Migrate(ctx, sqlDB, database.DialectPostgres, logger); err != nil {
			sqlDB.Close()
			pool.Close()
			return nil, err
		}
		logger.Info("✓ Database migrations applied")
		return &store{
			users:    repository.NewUserRepo(pool),
			messages: repository.NewMessageRepo(pool),
			close: func() {
				sqlDB.Close()
				pool.Close()
			},
		}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newCompleter(ctx context.Context, cfg *config.Config) (services.Completer, io.Closer, error) {
	switch cfg.CompletionProvider {
	case config.ProviderGemini:
		g, err := services.NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	default:
		return services.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nopCloser{}, nil
	}
}

func newTurnLocker(cfg *config.Config, redisClient *redis.Client, logger *logrus.Logger) services.TurnLocker {
	switch {
	case !cfg.SerializeTurns:
		return services.NoopTurnLocker()
	case redisClient != nil:
		return services.NewRedisTurnLocker(redisClient, services.TurnLockTTL(cfg.CompletionTimeout), logger)
	default:
		return services.NewMemoryTurnLocker()
	}
}

// writeTimeout covers a chat turn that first waits out the previous one (bounded by the
// completion timeout) and then runs its own completion call.
func writeTimeout(completionTimeout time.Duration) time.Duration {
	return 2*completionTimeout + 15*time.Second
}
