package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/papertrade/leverd/internal/blob/s3"
	"github.com/papertrade/leverd/internal/cache/redis"
	"github.com/papertrade/leverd/internal/config"
	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/store/postgres"
)

// Dependencies holds the shared infrastructure clients and the stores built
// on top of them. Modes pick what they need; nil fields mean the backing
// service is not configured for the current mode.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	S3       *s3blob.Client

	PositionStore domain.PositionStore
	TradeStore    domain.TradeStore
	AuditStore    domain.AuditStore

	PriceCache domain.PriceCache
	SignalBus  domain.SignalBus
	Locks      domain.LockManager

	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver
}

// Wire connects to Postgres, Redis, and optionally S3, and builds the store
// layer. It returns the dependencies together with a cleanup function that
// closes every client opened so far; on error the cleanup has already run.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	deps := &Dependencies{}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	closers = append(closers, pg.Close)
	deps.Postgres = pg

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: run migrations: %w", err)
		}
		logger.InfoContext(ctx, "database migrations applied")
	}

	deps.PositionStore = postgres.NewPositionStore(pg.Pool())
	deps.TradeStore = postgres.NewTradeStore(pg.Pool())
	deps.AuditStore = postgres.NewAuditStore(pg.Pool())

	rd, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: connect redis: %w", err)
	}
	closers = append(closers, func() { _ = rd.Close() })
	deps.Redis = rd

	deps.PriceCache = redis.NewPriceCache(rd)
	deps.SignalBus = redis.NewSignalBus(rd)
	deps.Locks = redis.NewLockManager(rd)

	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: connect s3: %w", err)
		}
		deps.S3 = s3c
		deps.BlobWriter = s3blob.NewWriter(s3c)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.TradeStore, deps.AuditStore)
	}

	return deps, cleanup, nil
}
