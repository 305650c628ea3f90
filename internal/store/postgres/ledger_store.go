package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. Mutations hold
// a row lock on the bet for the duration of the transaction.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const betSelectCols = `id, creator, title, description, outcomes,
	investment_deadline, settlement_deadline, external_ref,
	settled, winning_outcome, paid_out::TEXT, created_at, settled_at`

const positionSelectCols = `bet_id, outcome, investor, amount::TEXT, claimed, payout::TEXT, updated_at`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var b domain.Bet
	var id int64
	var paidOut string
	err := row.Scan(
		&id, &b.Creator, &b.Title, &b.Description, &b.Outcomes,
		&b.InvestmentDeadline, &b.SettlementDeadline, &b.ExternalRef,
		&b.Settled, &b.WinningOutcome, &paidOut, &b.CreatedAt, &b.SettledAt,
	)
	if err != nil {
		return domain.Bet{}, err
	}
	b.ID = uint64(id)
	if b.PaidOut, err = parseAmount(paidOut); err != nil {
		return domain.Bet{}, err
	}
	return b, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var betID int64
	var amount string
	var payout *string
	if err := row.Scan(&betID, &p.Outcome, &p.Investor, &amount, &p.Claimed, &payout, &p.UpdatedAt); err != nil {
		return domain.Position{}, err
	}
	p.BetID = uint64(betID)
	var err error
	if p.Amount, err = parseAmount(amount); err != nil {
		return domain.Position{}, err
	}
	if payout != nil {
		if p.Payout, err = parseAmount(*payout); err != nil {
			return domain.Position{}, err
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateBet allocates the next id from the counter row and inserts the bet
// and its zeroed pools in one transaction.
func (s *LedgerStore) CreateBet(ctx context.Context, txID string, bet domain.Bet) (domain.Bet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: begin create bet: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := checkApplied(ctx, tx, txID); err != nil {
		return domain.Bet{}, err
	}

	var id int64
	const nextID = `
		UPDATE ledger_counters SET next_value = next_value + 1
		WHERE name = 'bets'
		RETURNING next_value - 1`
	if err := tx.QueryRow(ctx, nextID).Scan(&id); err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: allocate bet id: %w", err)
	}

	const insertBet = `
		INSERT INTO bets (
			id, creator, title, description, outcomes,
			investment_deadline, settlement_deadline, external_ref,
			settled, winning_outcome, paid_out, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			FALSE, 0, 0, $9
		)`
	if _, err := tx.Exec(ctx, insertBet,
		id, bet.Creator, bet.Title, bet.Description, bet.Outcomes,
		bet.InvestmentDeadline, bet.SettlementDeadline, bet.ExternalRef,
		bet.CreatedAt,
	); err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: insert bet %d: %w", id, err)
	}

	const insertPools = `
		INSERT INTO outcome_pools (bet_id, outcome, total_staked)
		SELECT $1, g, 0 FROM generate_series(0, $2::INT - 1) AS g`
	if _, err := tx.Exec(ctx, insertPools, id, len(bet.Outcomes)); err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: insert pools for bet %d: %w", id, err)
	}
	if err := recordApplied(ctx, tx, txID, uint64(id), nil); err != nil {
		return domain.Bet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: commit create bet %d: %w", id, err)
	}

	out := bet.Clone()
	out.ID = uint64(id)
	out.PaidOut = new(big.Int)
	return out, nil
}

// Mutate locks the bet row, loads the investor's positions, applies fn and
// writes back only what changed.
func (s *LedgerStore) Mutate(ctx context.Context, txID string, betID uint64, investor string, fn domain.MutateFunc) (*domain.BetState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin mutate bet %d: %w", betID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bet, err := scanBet(tx.QueryRow(ctx,
		`SELECT `+betSelectCols+` FROM bets WHERE id = $1 FOR UPDATE`, int64(betID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound.Withf("bet %d", betID)
		}
		return nil, fmt.Errorf("postgres: lock bet %d: %w", betID, err)
	}
	if err := checkApplied(ctx, tx, txID); err != nil {
		return nil, err
	}

	pools, err := loadPools(ctx, tx, betID, len(bet.Outcomes))
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE bet_id = $1 AND investor = $2`,
		int64(betID), investor)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions bet %d: %w", betID, err)
	}
	positions, err := scanPositions(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions bet %d: %w", betID, err)
	}

	state := &domain.BetState{
		Bet:       bet,
		Pools:     pools,
		Investor:  investor,
		Positions: make(map[int]*domain.Position, len(positions)),
	}
	for i := range positions {
		state.Positions[positions[i].Outcome] = &positions[i]
	}

	work := state.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	const updateBet = `
		UPDATE bets SET
			settled = $2, winning_outcome = $3, paid_out = $4::NUMERIC, settled_at = $5
		WHERE id = $1`
	if _, err := tx.Exec(ctx, updateBet,
		int64(betID), work.Bet.Settled, work.Bet.WinningOutcome,
		amountString(work.Bet.PaidOut), work.Bet.SettledAt,
	); err != nil {
		return nil, fmt.Errorf("postgres: update bet %d: %w", betID, err)
	}

	for i, p := range work.Pools {
		if p.Cmp(state.Pools[i]) == 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outcome_pools SET total_staked = $3::NUMERIC WHERE bet_id = $1 AND outcome = $2`,
			int64(betID), i, p.String(),
		); err != nil {
			return nil, fmt.Errorf("postgres: update pool %d/%d: %w", betID, i, err)
		}
	}

	const upsertPosition = `
		INSERT INTO positions (bet_id, outcome, investor, amount, claimed, payout, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7)
		ON CONFLICT (bet_id, outcome, investor) DO UPDATE SET
			amount     = EXCLUDED.amount,
			claimed    = EXCLUDED.claimed,
			payout     = EXCLUDED.payout,
			updated_at = EXCLUDED.updated_at`
	for o, p := range work.Positions {
		if prev := state.Positions[o]; prev != nil && samePosition(*prev, *p) {
			continue
		}
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := tx.Exec(ctx, upsertPosition,
			int64(betID), o, investor, amountString(p.Amount), p.Claimed, nullableAmount(p.Payout), updated,
		); err != nil {
			return nil, fmt.Errorf("postgres: upsert position %d/%d/%s: %w", betID, o, investor, err)
		}
	}
	if err := recordApplied(ctx, tx, txID, betID, work.Payout); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit mutate bet %d: %w", betID, err)
	}
	return work, nil
}

func checkApplied(ctx context.Context, tx pgx.Tx, txID string) error {
	if txID == "" {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_txs WHERE tx_id = $1)`, txID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check applied tx %s: %w", txID, err)
	}
	if exists {
		return domain.ErrAlreadyApplied
	}
	return nil
}

// recordApplied inserts the applied row. A concurrent delivery of the same
// transaction that committed first makes the insert a no-op, which aborts
// this one.
func recordApplied(ctx context.Context, tx pgx.Tx, txID string, betID uint64, payout *big.Int) error {
	if txID == "" {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO applied_txs (tx_id, bet_id, payout)
		VALUES ($1, $2, $3::NUMERIC)
		ON CONFLICT (tx_id) DO NOTHING`,
		txID, int64(betID), nullableAmount(payout),
	)
	if err != nil {
		return fmt.Errorf("postgres: record applied tx %s: %w", txID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyApplied
	}
	return nil
}

// AppliedTx returns the record written when txID was committed.
func (s *LedgerStore) AppliedTx(ctx context.Context, txID string) (domain.AppliedTx, error) {
	rec := domain.AppliedTx{TxID: txID}
	var betID int64
	var payout *string
	err := s.pool.QueryRow(ctx,
		`SELECT bet_id, payout::TEXT, applied_at FROM applied_txs WHERE tx_id = $1`, txID,
	).Scan(&betID, &payout, &rec.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AppliedTx{}, domain.ErrNotFound.Withf("tx %s", txID)
		}
		return domain.AppliedTx{}, fmt.Errorf("postgres: get applied tx %s: %w", txID, err)
	}
	rec.BetID = uint64(betID)
	if payout != nil {
		if rec.Payout, err = parseAmount(*payout); err != nil {
			return domain.AppliedTx{}, err
		}
	}
	return rec, nil
}

// GetBet returns a bet by id.
func (s *LedgerStore) GetBet(ctx context.Context, id uint64) (domain.Bet, error) {
	bet, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betSelectCols+` FROM bets WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound.Withf("bet %d", id)
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet %d: %w", id, err)
	}
	return bet, nil
}

// GetPools returns every outcome pool of a bet ordered by outcome.
func (s *LedgerStore) GetPools(ctx context.Context, id uint64) ([]*big.Int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT cardinality(outcomes) FROM bets WHERE id = $1`, int64(id)).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound.Withf("bet %d", id)
		}
		return nil, fmt.Errorf("postgres: get pools %d: %w", id, err)
	}
	return loadPools(ctx, s.pool, id, n)
}

// GetPosition returns one investor position.
func (s *LedgerStore) GetPosition(ctx context.Context, betID uint64, outcome int, investor string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE bet_id = $1 AND outcome = $2 AND investor = $3`,
		int64(betID), outcome, investor))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d/%d/%s: %w", betID, outcome, investor, err)
	}
	return p, nil
}

// ListBets returns bets ordered by id.
func (s *LedgerStore) ListBets(ctx context.Context, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets WHERE 1=1`
	args := []any{}
	query, args = appendTimeFilter(query, args, "created_at", opts)
	query += " ORDER BY id ASC"
	query, args = appendPaging(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets: %w", err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return bets, nil
}

// ListPositions returns every position in a bet.
func (s *LedgerStore) ListPositions(ctx context.Context, betID uint64) ([]domain.Position, error) {
	if _, err := s.GetBet(ctx, betID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE bet_id = $1 ORDER BY outcome, investor`,
		int64(betID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %d: %w", betID, err)
	}
	defer rows.Close()
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions %d: %w", betID, err)
	}
	return positions, nil
}

// ListPositionsByInvestor returns an investor's positions across all bets.
func (s *LedgerStore) ListPositionsByInvestor(ctx context.Context, investor string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE investor = $1`
	args := []any{investor}
	query, args = appendTimeFilter(query, args, "updated_at", opts)
	query += " ORDER BY bet_id, outcome"
	query, args = appendPaging(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", investor, err)
	}
	defer rows.Close()
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", investor, err)
	}
	return positions, nil
}

// NextBetID returns the id the next bet will receive.
func (s *LedgerStore) NextBetID(ctx context.Context) (uint64, error) {
	var next int64
	if err := s.pool.QueryRow(ctx, `SELECT next_value FROM ledger_counters WHERE name = 'bets'`).Scan(&next); err != nil {
		return 0, fmt.Errorf("postgres: next bet id: %w", err)
	}
	return uint64(next), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPools(ctx context.Context, q querier, betID uint64, n int) ([]*big.Int, error) {
	rows, err := q.Query(ctx,
		`SELECT outcome, total_staked::TEXT FROM outcome_pools WHERE bet_id = $1 ORDER BY outcome`,
		int64(betID))
	if err != nil {
		return nil, fmt.Errorf("postgres: load pools %d: %w", betID, err)
	}
	defer rows.Close()

	pools := make([]*big.Int, n)
	for i := range pools {
		pools[i] = new(big.Int)
	}
	for rows.Next() {
		var outcome int
		var total string
		if err := rows.Scan(&outcome, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan pool %d: %w", betID, err)
		}
		if outcome < 0 || outcome >= n {
			continue
		}
		if pools[outcome], err = parseAmount(total); err != nil {
			return nil, err
		}
	}
	return pools, rows.Err()
}

func appendTimeFilter(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s < $%d", col, len(args))
	}
	return query, args
}

func appendPaging(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func samePosition(a, b domain.Position) bool {
	return a.Claimed == b.Claimed &&
		a.Amount.Cmp(b.Amount) == 0 &&
		amountString(a.Payout) == amountString(b.Payout)
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
