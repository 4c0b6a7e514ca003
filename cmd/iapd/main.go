package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/code-payments/iapkit/config"
	"github.com/code-payments/iapkit/entitlement"
	entitlement_memory "github.com/code-payments/iapkit/entitlement/memory"
	entitlement_postgres "github.com/code-payments/iapkit/entitlement/postgres"
	entitlement_redis "github.com/code-payments/iapkit/entitlement/redis"
	"github.com/code-payments/iapkit/event"
	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/iap/android"
	"github.com/code-payments/iapkit/iap/apple"
	"github.com/code-payments/iapkit/iap/cache"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	var logger *zap.Logger
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	if err := run(logger, cfg); err != nil {
		logger.Fatal("Exiting", zap.Error(err))
	}
}

func run(log *zap.Logger, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := newVerifier(ctx, log, cfg)
	if err != nil {
		return err
	}

	manager := iap.NewManager(
		log,
		iap.NewFileLocator(cfg.ReceiptPath),
		verifier,
		store,
		event.NewBus[string, *entitlement.Snapshot](),
	)

	stream, err := manager.Subscribe(ctx, "iapd")
	if err != nil {
		return err
	}
	go func() {
		for s := range stream.Channel() {
			fields := []zap.Field{
				zap.Uint64("version", s.Version),
				zap.Strings("product_ids", s.ProductIDs),
			}
			if s.LastError != nil {
				fields = append(fields, zap.String("last_error", s.LastError.Error()))
			}
			log.Info("Entitlements updated", fields...)
		}
	}()

	if _, err := manager.Validate(ctx); err != nil {
		log.Warn("Initial validation failed", zap.Error(err))
	}

	if cfg.RevalidateSchedule == "" {
		log.Info("No revalidation schedule configured, exiting")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.RevalidateSchedule, func() {
		if _, err := manager.Revalidate(ctx); err != nil {
			log.Warn("Scheduled validation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule revalidation: %w", err)
	}
	c.Start()

	log.Info("Revalidating receipts", zap.String("schedule", cfg.RevalidateSchedule))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (entitlement.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return entitlement_redis.NewInRedis(client, cfg.RedisKeyPrefix), func() { client.Close() }, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := entitlement_postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return entitlement_postgres.NewInPostgres(db), func() { db.Close() }, nil

	default:
		return entitlement_memory.NewInMemory(), func() {}, nil
	}
}

func newVerifier(ctx context.Context, log *zap.Logger, cfg *config.Config) (iap.Verifier, error) {
	var verifier iap.Verifier
	switch cfg.Platform {
	case config.PlatformAndroid:
		serviceAccount, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account: %w", err)
		}
		verifier, err = android.NewAndroidVerifierFromCredentials(ctx, log, serviceAccount, cfg.PackageName, cfg.SubscriptionIDs...)
		if err != nil {
			return nil, err
		}

	default:
		verifier = apple.NewClient(
			log,
			apple.WithURLs(cfg.ProductionURL, cfg.SandboxURL),
			apple.WithSharedSecret(cfg.SharedSecret),
			apple.WithExcludeOldTransactions(cfg.ExcludeOldTransactions),
			apple.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		)
	}

	if cfg.CacheTTL > 0 {
		verifier = cache.NewInCache(verifier, cfg.CacheTTL)
	}
	return verifier, nil
}
