package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/betledger/internal/blob/s3"
	"github.com/alanyoungcy/betledger/internal/cache/redis"
	"github.com/alanyoungcy/betledger/internal/config"
	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/notify"
	"github.com/alanyoungcy/betledger/internal/server/handler"
	"github.com/alanyoungcy/betledger/internal/store/memory"
	"github.com/alanyoungcy/betledger/internal/store/postgres"
	"github.com/alanyoungcy/betledger/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	LedgerStore  domain.LedgerStore
	AuditStore   domain.AuditStore
	ReceiptStore domain.ReceiptStore
	TxQueue      domain.TxQueue

	// Caches and coordination
	BetCache    domain.BetCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	NonceGuard  domain.NonceGuard
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Probes feed the health endpoint.
	Probes map[string]handler.Probe
}

// Wire constructs the concrete implementations selected by cfg and returns
// them with a cleanup function to call on shutdown. Redis and S3 are
// optional; without them the in-process implementations are used.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Probes: make(map[string]handler.Probe)}

	// --- Ledger backend ---
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.LedgerStore = postgres.NewLedgerStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.ReceiptStore = postgres.NewReceiptStore(pool)
		deps.Probes["postgres"] = pgClient.Ping

	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.Ledger.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := sqlite.Migrate(db); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.LedgerStore = sqlite.NewLedgerStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.ReceiptStore = sqlite.NewReceiptStore(db)
		deps.Probes["sqlite"] = db.PingContext

	default:
		deps.LedgerStore = memory.NewLedgerStore()
		deps.AuditStore = memory.NewAuditStore()
		deps.ReceiptStore = memory.NewReceiptStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		// Receipts follow the queue so every replica sees the same state.
		deps.ReceiptStore = redis.NewReceiptStore(redisClient)
		deps.TxQueue = redis.NewTxQueue(redisClient)
		deps.BetCache = redis.NewBetCache(redisClient, cfg.Server.BetCacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.NonceGuard = redis.NewNonceGuard(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Probes["redis"] = redisClient.Ping
	} else {
		deps.TxQueue = memory.NewTxQueue(cfg.TxPool.QueueSize)
		deps.BetCache = memory.NewBetCache(4096, cfg.Server.BetCacheTTL.Duration)
		deps.RateLimiter = memory.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.LockManager = memory.NewLockManager()
		deps.NonceGuard = crypto.NewMemoryNonceGuard(cfg.Identity.NonceCacheSize, 2*cfg.Identity.EnvelopeWindow.Duration)
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- Object storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Probes["s3"] = s3Client.Health
		if cfg.S3.ArchiveEnabled {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.LedgerStore, deps.AuditStore)
		}
	} else {
		blobs := memory.NewBlobStore()
		deps.BlobWriter = blobs
		deps.BlobReader = blobs
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
