// Package txpool is the submit-and-confirm channel between clients and the
// ledger. Submit queues a command and returns a pending receipt; workers
// apply queued commands and resolve each receipt to confirmed or rejected.
package txpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/metrics"
)

// Applier executes a dequeued command against the ledger.
type Applier interface {
	ApplyCommand(ctx context.Context, tx domain.PendingTx) (domain.Result, error)
}

// Config tunes the pool.
type Config struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	PollInterval time.Duration
	DedupTTL     time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
}

// Pool owns the queue, the receipts and the workers.
type Pool struct {
	queue    domain.TxQueue
	receipts domain.ReceiptStore
	applier  Applier
	dedup    *Dedup
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Pool. applier may be nil on processes that only submit.
func New(queue domain.TxQueue, receipts domain.ReceiptStore, applier Applier, cfg Config, logger *slog.Logger) *Pool {
	cfg.defaults()
	return &Pool{
		queue:    queue,
		receipts: receipts,
		applier:  applier,
		dedup:    NewDedup(cfg.DedupTTL),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "txpool")),
		now:      time.Now,
	}
}

// Submit queues cmd and returns its pending receipt. Failing to reach the
// queue is a transport error and nothing is applied.
func (p *Pool) Submit(ctx context.Context, cmd domain.Command) (domain.Receipt, error) {
	if !cmd.Type.Valid() {
		return domain.Receipt{}, domain.ErrUnknownCommand.Withf("%q", cmd.Type)
	}
	tx := domain.PendingTx{
		TxID:        uuid.NewString(),
		Command:     cmd,
		SubmittedAt: p.now().UTC(),
	}
	receipt := domain.Receipt{
		TxID:        tx.TxID,
		Type:        cmd.Type,
		Caller:      cmd.Caller,
		Status:      domain.TxPending,
		BetID:       cmd.BetID,
		SubmittedAt: tx.SubmittedAt,
	}
	if err := p.receipts.Put(ctx, receipt); err != nil {
		return domain.Receipt{}, domain.ErrSubmitFailed.Withf("record receipt: %v", err)
	}
	if err := p.queue.Enqueue(ctx, tx); err != nil {
		p.resolve(ctx, tx, domain.Result{}, domain.ErrSubmitFailed.Withf("%v", err))
		if errors.Is(err, domain.ErrSubmitFailed) {
			return domain.Receipt{}, err
		}
		return domain.Receipt{}, domain.ErrSubmitFailed.Withf("%v", err)
	}

	metrics.TxSubmitted.WithLabelValues(string(cmd.Type)).Inc()
	p.logger.InfoContext(ctx, "command submitted",
		slog.String("tx_id", tx.TxID),
		slog.String("type", string(cmd.Type)),
		slog.String("caller", cmd.Caller),
	)
	return receipt, nil
}

// Status returns the current receipt for txID.
func (p *Pool) Status(ctx context.Context, txID string) (domain.Receipt, error) {
	return p.receipts.Get(ctx, txID)
}

// Await blocks until the receipt for txID is terminal or ctx is done. On
// ctx expiry it returns the last pending receipt together with ctx's
// error; the command may still be applied later.
func (p *Pool) Await(ctx context.Context, txID string) (domain.Receipt, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r, err := p.receipts.Get(ctx, txID)
		if err != nil {
			return domain.Receipt{}, err
		}
		if r.Status.Terminal() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	if p.applier == nil {
		return errors.New("txpool: run without an applier")
	}
	p.logger.InfoContext(ctx, "txpool workers started", slog.Int("workers", p.cfg.Workers))
	defer p.logger.Info("txpool workers stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.work(ctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(p.cfg.DedupTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.dedup.Cleanup()
			}
		}
	})
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) error {
	for {
		tx, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.ErrorContext(ctx, "dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.RetryBackoff):
			}
			continue
		}
		p.process(ctx, tx)
	}
}

// process applies one command. The context passed to the applier is
// detached from shutdown so a command that started is finished.
func (p *Pool) process(ctx context.Context, tx domain.PendingTx) {
	log := p.logger.With(
		slog.String("tx_id", tx.TxID),
		slog.String("type", string(tx.Command.Type)),
		slog.Int("attempt", tx.Attempts+1),
	)

	if p.dedup.Seen(tx.TxID) {
		log.Debug("duplicate delivery, skipping")
		return
	}
	if r, err := p.receipts.Get(ctx, tx.TxID); err == nil && r.Status.Terminal() {
		log.Debug("already resolved, skipping")
		return
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	start := time.Now()
	res, err := p.applier.ApplyCommand(applyCtx, tx)
	metrics.TxApplyDuration.WithLabelValues(string(tx.Command.Type)).Observe(time.Since(start).Seconds())

	if err != nil && domain.Retryable(err) && tx.Attempts+1 < p.cfg.MaxAttempts && ctx.Err() == nil {
		log.Warn("transient failure, requeueing", slog.String("error", err.Error()))
		metrics.TxRetries.WithLabelValues(string(tx.Command.Type)).Inc()
		p.dedup.Forget(tx.TxID)
		tx.Attempts++
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.RetryBackoff * time.Duration(tx.Attempts)):
		}
		qerr := p.queue.Enqueue(context.WithoutCancel(ctx), tx)
		if qerr == nil {
			return
		}
		err = fmt.Errorf("%w (requeue failed: %v)", err, qerr)
	}
	p.resolve(applyCtx, tx, res, err)
	if err != nil {
		log.Info("command rejected",
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return
	}
	log.Info("command confirmed", slog.Uint64("bet_id", res.BetID))
}

func (p *Pool) resolve(ctx context.Context, tx domain.PendingTx, res domain.Result, err error) {
	now := p.now().UTC()
	r := domain.Receipt{
		TxID:        tx.TxID,
		Type:        tx.Command.Type,
		Caller:      tx.Command.Caller,
		Status:      domain.TxConfirmed,
		BetID:       tx.Command.BetID,
		SubmittedAt: tx.SubmittedAt,
		ResolvedAt:  &now,
	}
	if err != nil {
		r.Status = domain.TxRejected
		r.ErrorKind = domain.KindOf(err)
		r.ErrorCode = domain.CodeOf(err)
		r.Error = err.Error()
	} else {
		r.BetID = res.BetID
		r.Payout = res.Payout
	}
	metrics.TxResolved.WithLabelValues(string(r.Type), string(r.Status), string(r.ErrorKind)).Inc()

	if perr := p.receipts.Put(ctx, r); perr != nil {
		p.logger.ErrorContext(ctx, "receipt write failed",
			slog.String("tx_id", tx.TxID),
			slog.String("error", perr.Error()),
		)
	}
}
