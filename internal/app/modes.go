package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/ledger"
	"github.com/alanyoungcy/betledger/internal/metadata"
	"github.com/alanyoungcy/betledger/internal/server"
	"github.com/alanyoungcy/betledger/internal/server/handler"
	"github.com/alanyoungcy/betledger/internal/server/ws"
	"github.com/alanyoungcy/betledger/internal/service"
	"github.com/alanyoungcy/betledger/internal/txpool"
)

// services holds the domain services shared by every mode.
type services struct {
	metadata *metadata.Store
	bets     *service.BetService
	pool     *txpool.Pool
}

func (a *App) buildServices(deps *Dependencies) *services {
	meta := metadata.NewStore(deps.BlobWriter, deps.BlobReader, metadata.Options{
		CacheSize: a.cfg.Metadata.CacheSize,
		CacheTTL:  a.cfg.Metadata.CacheTTL.Duration,
		Locks:     deps.LockManager,
	}, a.logger)
	l := ledger.New(deps.LedgerStore, ledger.SystemClock{})
	bets := service.NewBetService(l, meta, deps.BetCache, deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)
	pool := txpool.New(deps.TxQueue, deps.ReceiptStore, bets, txpool.Config{
		Workers:      a.cfg.TxPool.Workers,
		MaxAttempts:  a.cfg.TxPool.MaxAttempts,
		RetryBackoff: a.cfg.TxPool.RetryBackoff.Duration,
		DedupTTL:     a.cfg.TxPool.DedupTTL.Duration,
	}, a.logger)
	return &services{metadata: meta, bets: bets, pool: pool}
}

func (a *App) newSweeper(deps *Dependencies, svc *services) *metadata.Sweeper {
	return metadata.NewSweeper(svc.metadata, deps.LedgerStore, deps.LockManager, deps.AuditStore, metadata.SweeperConfig{
		Schedule: a.cfg.Metadata.SweepSchedule,
		Grace:    a.cfg.Metadata.SweepGrace.Duration,
		Delete:   a.cfg.Metadata.SweepDelete,
	}, a.logger)
}

// ServerMode serves the HTTP API and websocket stream, applies queued
// commands and runs the scheduled metadata sweep.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	g.Go(func() error { return svc.pool.Run(ctx) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })

	sweeper := a.newSweeper(deps, svc)
	var jobs []func(context.Context)
	if deps.Archiver != nil {
		jobs = append(jobs, a.archive(deps))
	}
	g.Go(func() error { return sweeper.Run(ctx, jobs...) })

	verifier := crypto.NewVerifier(deps.NonceGuard, a.cfg.Identity.EnvelopeWindow.Duration)
	txs := service.NewTxService(verifier, svc.pool, deps.RateLimiter, service.RateLimit{
		Limit:  a.cfg.Server.RateLimit,
		Window: a.cfg.Server.RateWindow.Duration,
	}, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Probes, a.logger),
		Bets:     handler.NewBetHandler(svc.bets, a.logger),
		Metadata: handler.NewMetadataHandler(svc.bets, a.logger),
		Tx:       handler.NewTxHandler(txs, a.cfg.Server.WaitTimeout.Duration, a.logger),
		Audit:    handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		MetricsPath: metricsPath,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// WorkerMode only applies queued commands. It needs a shared queue, so it
// runs alongside one or more server replicas.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode", slog.Int("workers", a.cfg.TxPool.Workers))

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)
	g.Go(func() error { return svc.pool.Run(ctx) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	return g.Wait()
}

// SweepMode runs one metadata sweep, plus the archive export when enabled,
// and exits.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	svc := a.buildServices(deps)
	report, err := a.newSweeper(deps, svc).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("app: sweep: %w", err)
	}
	a.logger.InfoContext(ctx, "sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("orphans", len(report.Orphans)),
		slog.Int("deleted", len(report.Deleted)),
	)

	if deps.Archiver != nil {
		a.archive(deps)(ctx)
	}
	return nil
}

// archive returns a job exporting audit entries and settled bets older than
// s3.archive_after.
func (a *App) archive(deps *Dependencies) func(context.Context) {
	return func(ctx context.Context) {
		before := time.Now().Add(-a.cfg.S3.ArchiveAfter.Duration)
		if n, err := deps.Archiver.ArchiveAudit(ctx, before); err != nil {
			a.logger.ErrorContext(ctx, "archive audit failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "archived audit entries", slog.Int64("count", n))
		}
		if n, err := deps.Archiver.ArchiveSettledBets(ctx, before); err != nil {
			a.logger.ErrorContext(ctx, "archive settled bets failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "archived settled bets", slog.Int64("count", n))
		}
	}
}
