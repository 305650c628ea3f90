package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/betledger/internal/domain"
)

const (
	sweepLockKey  = "metadata-sweep"
	sweepLockTTL  = 10 * time.Minute
	sweepPageSize = 500
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned int      `json:"scanned"`
	Orphans []string `json:"orphans"`
	Deleted []string `json:"deleted"`
}

// SweeperConfig controls orphan handling.
type SweeperConfig struct {
	// Schedule is a cron expression with a seconds field, e.g. "0 0 * * * *".
	Schedule string
	// Grace is how old an unreferenced document must be before it counts as
	// an orphan. Uploads precede create_bet, so young documents are usually
	// waiting for their bet.
	Grace time.Duration
	// Delete removes orphans; otherwise they are only reported.
	Delete bool
}

// Sweeper finds metadata documents that no bet references. These appear
// when an upload succeeds but the create_bet that should reference it is
// rejected or never submitted.
type Sweeper struct {
	store  *Store
	ledger domain.LedgerStore
	locks  domain.LockManager
	audit  domain.AuditStore
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper. locks may be nil for a single process.
func NewSweeper(store *Store, ledger domain.LedgerStore, locks domain.LockManager, audit domain.AuditStore, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Grace <= 0 {
		cfg.Grace = 24 * time.Hour
	}
	return &Sweeper{
		store:  store,
		ledger: ledger,
		locks:  locks,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "metadata-sweeper")),
		now:    time.Now,
	}
}

// Sweep scans the store once. With another sweep holding the lock it
// returns an empty report.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	if s.locks != nil {
		release, err := s.locks.Acquire(ctx, sweepLockKey, sweepLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.InfoContext(ctx, "sweep already running elsewhere")
			return SweepReport{}, nil
		}
		if err != nil {
			return SweepReport{}, fmt.Errorf("metadata: sweep lock: %w", err)
		}
		defer release()
	}

	referenced, err := s.referencedRefs(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	docs, err := s.store.List(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Scanned: len(docs)}
	cutoff := s.now().Add(-s.cfg.Grace)
	for ref, info := range docs {
		if referenced[ref] || info.LastModified.After(cutoff) {
			continue
		}
		report.Orphans = append(report.Orphans, ref)
	}
	sort.Strings(report.Orphans)

	if s.cfg.Delete && len(report.Orphans) > 0 {
		deleted, err := s.deleteOrphans(ctx, report.Orphans)
		if err != nil {
			return report, err
		}
		report.Deleted = deleted
	}

	if len(report.Orphans) > 0 && s.audit != nil {
		if err := s.audit.Log(ctx, "metadata.orphans", map[string]any{
			"orphans": report.Orphans,
			"deleted": report.Deleted,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "metadata sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("orphans", len(report.Orphans)),
		slog.Int("deleted", len(report.Deleted)),
	)
	return report, nil
}

// deleteOrphans pins every candidate, then re-reads bet references and
// object ages before deleting. A bet created or a re-upload made since the
// first scan keeps its document; candidates pinned by someone else are left
// for the next sweep.
func (s *Sweeper) deleteOrphans(ctx context.Context, candidates []string) ([]string, error) {
	pinned := make([]string, 0, len(candidates))
	for _, ref := range candidates {
		release, err := s.store.Pin(ctx, ref)
		if err != nil {
			s.logger.DebugContext(ctx, "orphan busy, skipping",
				slog.String("ref", ref),
				slog.String("error", err.Error()),
			)
			continue
		}
		defer release()
		pinned = append(pinned, ref)
	}
	if len(pinned) == 0 {
		return nil, nil
	}

	referenced, err := s.referencedRefs(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.cfg.Grace)
	var deleted []string
	for _, ref := range pinned {
		info, ok := docs[ref]
		if !ok || referenced[ref] || info.LastModified.After(cutoff) {
			continue
		}
		if err := s.store.Remove(ctx, ref); err != nil {
			s.logger.WarnContext(ctx, "orphan delete failed",
				slog.String("ref", ref),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted = append(deleted, ref)
	}
	return deleted, nil
}

func (s *Sweeper) referencedRefs(ctx context.Context) (map[string]bool, error) {
	refs := make(map[string]bool)
	for offset := 0; ; offset += sweepPageSize {
		bets, err := s.ledger.ListBets(ctx, domain.ListOpts{Limit: sweepPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("metadata: list bets: %w", err)
		}
		for _, b := range bets {
			if b.ExternalRef != "" {
				refs[b.ExternalRef] = true
			}
		}
		if len(bets) < sweepPageSize {
			return refs, nil
		}
	}
}

// Run sweeps on the configured schedule until ctx is done. Extra jobs, such
// as archive exports, share the scheduler.
func (s *Sweeper) Run(ctx context.Context, extra ...func(context.Context)) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "metadata sweep failed", slog.String("error", err.Error()))
		}
		for _, job := range extra {
			job(ctx)
		}
	})
	if err != nil {
		return fmt.Errorf("metadata: schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.logger.InfoContext(ctx, "metadata sweeper scheduled", slog.String("schedule", s.cfg.Schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
