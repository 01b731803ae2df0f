package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/clearledger/ledgerd/internal/infra/postgres"
	infraredis "github.com/clearledger/ledgerd/internal/infra/redis"
	"github.com/clearledger/ledgerd/internal/ledger"
	"github.com/clearledger/ledgerd/internal/transport/httpapi"
	"github.com/clearledger/ledgerd/internal/transport/httpapi/handler"
	"github.com/clearledger/ledgerd/internal/transport/httpapi/middleware"
	"github.com/clearledger/ledgerd/pkg/config"
	"github.com/clearledger/ledgerd/pkg/logger"
)

func main() {
	// Create context that listens for termination signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env when present; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewDefault(cfg.Env)
	log.Info("Starting ledgerd API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	// Database connection pool
	db, err := postgres.NewPool(ctx, postgres.Config{
		URL:                cfg.DatabaseURL,
		MaxConns:           cfg.DBMaxConns,
		StatementTimeoutMS: cfg.StatementTimeoutMS,
	})
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("Database connection established")

	// Redis treasury cache is optional; the service runs without it
	var treasuryCache *infraredis.TreasuryCache
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		treasuryCache = infraredis.NewTreasuryCache(redisClient, log)
		log.Info("Redis connection established, treasury cache enabled")
	} else {
		log.Info("REDIS_URL not configured, treasury cache disabled")
	}

	// Repository and domain services
	repo := postgres.NewLedgerRepository(db.Pool)
	transactionSvc := ledger.NewService(repo, log)
	accountSvc := ledger.NewAccountService(repo)
	ruleSvc := ledger.NewRuleService(repo)
	reconciliationSvc := ledger.NewReconciliationService(repo)

	jwtSvc := middleware.NewJWTService(cfg.JWTSecret,
		time.Duration(cfg.JWTExpirationMinutes)*time.Minute)

	// Handlers receive nil cache interfaces when Redis is disabled
	var invalidator handler.TreasuryInvalidator
	var statusCache handler.TreasuryStatusCache
	if treasuryCache != nil {
		invalidator = treasuryCache
		statusCache = treasuryCache
	}

	transactionHandler := handler.NewTransactionHandler(transactionSvc, invalidator)
	accountHandler := handler.NewAccountHandler(accountSvc, statusCache)
	treasuryHandler := handler.NewTreasuryHandler(reconciliationSvc, invalidator)
	ruleHandler := handler.NewAllocationRuleHandler(ruleSvc)
	healthHandler := handler.NewHealthHandler(db)

	allowedOrigins := cfg.AllowOrigins
	if len(allowedOrigins) == 0 && !cfg.IsProduction() {
		allowedOrigins = []string{"http://localhost:5173"}
	}

	r := httpapi.NewRouter(httpapi.Config{
		Logger:             log,
		AllowedOrigins:     allowedOrigins,
		JWTService:         jwtSvc,
		TransactionHandler: transactionHandler,
		AccountHandler:     accountHandler,
		TreasuryHandler:    treasuryHandler,
		RuleHandler:        ruleHandler,
		HealthHandler:      healthHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for termination signal
	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("Server stopped gracefully")
}
