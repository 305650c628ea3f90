package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// LedgerStore implements domain.LedgerStore on SQLite. The single-connection
// pool makes every transaction exclusive.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore creates a LedgerStore over an opened and migrated database.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const betCols = `id, creator, title, description, outcomes,
	investment_deadline, settlement_deadline, external_ref,
	settled, winning_outcome, paid_out, created_at, settled_at`

const positionCols = `bet_id, outcome, investor, amount, claimed, payout, updated_at`

func scanBet(row rowScanner) (domain.Bet, error) {
	var (
		b                      domain.Bet
		id                     int64
		outcomesJSON, paidOut  string
		invest, settle, create int64
		settledAt              sql.NullInt64
	)
	if err := row.Scan(
		&id, &b.Creator, &b.Title, &b.Description, &outcomesJSON,
		&invest, &settle, &b.ExternalRef,
		&b.Settled, &b.WinningOutcome, &paidOut, &create, &settledAt,
	); err != nil {
		return domain.Bet{}, err
	}
	if err := json.Unmarshal([]byte(outcomesJSON), &b.Outcomes); err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: decode outcomes of bet %d: %w", id, err)
	}
	b.ID = uint64(id)
	b.InvestmentDeadline = fromMicros(invest)
	b.SettlementDeadline = fromMicros(settle)
	b.CreatedAt = fromMicros(create)
	if settledAt.Valid {
		t := fromMicros(settledAt.Int64)
		b.SettledAt = &t
	}
	var err error
	if b.PaidOut, err = parseAmount(paidOut); err != nil {
		return domain.Bet{}, err
	}
	return b, nil
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p       domain.Position
		betID   int64
		amount  string
		payout  sql.NullString
		updated int64
	)
	if err := row.Scan(&betID, &p.Outcome, &p.Investor, &amount, &p.Claimed, &payout, &updated); err != nil {
		return domain.Position{}, err
	}
	p.BetID = uint64(betID)
	p.UpdatedAt = fromMicros(updated)
	var err error
	if p.Amount, err = parseAmount(amount); err != nil {
		return domain.Position{}, err
	}
	if payout.Valid {
		if p.Payout, err = parseAmount(payout.String); err != nil {
			return domain.Position{}, err
		}
	}
	return p, nil
}

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()
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

// CreateBet inserts the bet with id equal to the current bet count.
func (s *LedgerStore) CreateBet(ctx context.Context, txID string, bet domain.Bet) (domain.Bet, error) {
	outcomesJSON, err := json.Marshal(bet.Outcomes)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: encode outcomes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: begin create bet: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkApplied(ctx, tx, txID); err != nil {
		return domain.Bet{}, err
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bets`).Scan(&id); err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: allocate bet id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bets (
			id, creator, title, description, outcomes,
			investment_deadline, settlement_deadline, external_ref,
			settled, winning_outcome, paid_out, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '0', ?)`,
		id, bet.Creator, bet.Title, bet.Description, string(outcomesJSON),
		bet.InvestmentDeadline.UnixMicro(), bet.SettlementDeadline.UnixMicro(), bet.ExternalRef,
		bet.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: insert bet %d: %w", id, err)
	}
	for o := range bet.Outcomes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outcome_pools (bet_id, outcome, total_staked) VALUES (?, ?, '0')`, id, o,
		); err != nil {
			return domain.Bet{}, fmt.Errorf("sqlite: insert pool %d/%d: %w", id, o, err)
		}
	}
	if err := recordApplied(ctx, tx, txID, uint64(id), nil); err != nil {
		return domain.Bet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: commit create bet %d: %w", id, err)
	}

	out := bet.Clone()
	out.ID = uint64(id)
	out.PaidOut = new(big.Int)
	return out, nil
}

// Mutate loads, applies and writes back a bet state inside one transaction.
func (s *LedgerStore) Mutate(ctx context.Context, txID string, betID uint64, investor string, fn domain.MutateFunc) (*domain.BetState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin mutate bet %d: %w", betID, err)
	}
	defer func() { _ = tx.Rollback() }()

	bet, err := scanBet(tx.QueryRowContext(ctx, `SELECT `+betCols+` FROM bets WHERE id = ?`, int64(betID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound.Withf("bet %d", betID)
		}
		return nil, fmt.Errorf("sqlite: load bet %d: %w", betID, err)
	}
	if err := checkApplied(ctx, tx, txID); err != nil {
		return nil, err
	}
	pools, err := loadPools(ctx, tx, betID, len(bet.Outcomes))
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE bet_id = ? AND investor = ?`, int64(betID), investor)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load positions bet %d: %w", betID, err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan positions bet %d: %w", betID, err)
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

	var settledAt any
	if work.Bet.SettledAt != nil {
		settledAt = work.Bet.SettledAt.UnixMicro()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bets SET settled = ?, winning_outcome = ?, paid_out = ?, settled_at = ? WHERE id = ?`,
		work.Bet.Settled, work.Bet.WinningOutcome, amountString(work.Bet.PaidOut), settledAt, int64(betID),
	); err != nil {
		return nil, fmt.Errorf("sqlite: update bet %d: %w", betID, err)
	}

	for i, p := range work.Pools {
		if p.Cmp(state.Pools[i]) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outcome_pools SET total_staked = ? WHERE bet_id = ? AND outcome = ?`,
			p.String(), int64(betID), i,
		); err != nil {
			return nil, fmt.Errorf("sqlite: update pool %d/%d: %w", betID, i, err)
		}
	}

	for o, p := range work.Positions {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		var payout any
		if p.Payout != nil {
			payout = p.Payout.String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (bet_id, outcome, investor, amount, claimed, payout, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (bet_id, outcome, investor) DO UPDATE SET
				amount = excluded.amount,
				claimed = excluded.claimed,
				payout = excluded.payout,
				updated_at = excluded.updated_at`,
			int64(betID), o, investor, amountString(p.Amount), p.Claimed, payout, updated.UnixMicro(),
		); err != nil {
			return nil, fmt.Errorf("sqlite: upsert position %d/%d/%s: %w", betID, o, investor, err)
		}
	}
	if err := recordApplied(ctx, tx, txID, betID, work.Payout); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit mutate bet %d: %w", betID, err)
	}
	return work, nil
}

func checkApplied(ctx context.Context, tx *sql.Tx, txID string) error {
	if txID == "" {
		return nil
	}
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM applied_txs WHERE tx_id = ?`, txID).Scan(&n)
	switch {
	case err == nil:
		return domain.ErrAlreadyApplied
	case errors.Is(err, sql.ErrNoRows):
		return nil
	default:
		return fmt.Errorf("sqlite: check applied tx %s: %w", txID, err)
	}
}

func recordApplied(ctx context.Context, tx *sql.Tx, txID string, betID uint64, payout *big.Int) error {
	if txID == "" {
		return nil
	}
	var p any
	if payout != nil {
		p = payout.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied_txs (tx_id, bet_id, payout, applied_at) VALUES (?, ?, ?, ?)`,
		txID, int64(betID), p, time.Now().UnixMicro(),
	); err != nil {
		return fmt.Errorf("sqlite: record applied tx %s: %w", txID, err)
	}
	return nil
}

// AppliedTx returns the record written when txID was committed.
func (s *LedgerStore) AppliedTx(ctx context.Context, txID string) (domain.AppliedTx, error) {
	var (
		rec     = domain.AppliedTx{TxID: txID}
		betID   int64
		payout  sql.NullString
		applied int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT bet_id, payout, applied_at FROM applied_txs WHERE tx_id = ?`, txID,
	).Scan(&betID, &payout, &applied)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AppliedTx{}, domain.ErrNotFound.Withf("tx %s", txID)
		}
		return domain.AppliedTx{}, fmt.Errorf("sqlite: get applied tx %s: %w", txID, err)
	}
	rec.BetID = uint64(betID)
	rec.AppliedAt = fromMicros(applied)
	if payout.Valid {
		if rec.Payout, err = parseAmount(payout.String); err != nil {
			return domain.AppliedTx{}, err
		}
	}
	return rec, nil
}

func (s *LedgerStore) GetBet(ctx context.Context, id uint64) (domain.Bet, error) {
	bet, err := scanBet(s.db.QueryRowContext(ctx, `SELECT `+betCols+` FROM bets WHERE id = ?`, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound.Withf("bet %d", id)
		}
		return domain.Bet{}, fmt.Errorf("sqlite: get bet %d: %w", id, err)
	}
	return bet, nil
}

func (s *LedgerStore) GetPools(ctx context.Context, id uint64) ([]*big.Int, error) {
	bet, err := s.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	return loadPools(ctx, s.db, id, len(bet.Outcomes))
}

func (s *LedgerStore) GetPosition(ctx context.Context, betID uint64, outcome int, investor string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE bet_id = ? AND outcome = ? AND investor = ?`,
		int64(betID), outcome, investor))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("sqlite: get position %d/%d/%s: %w", betID, outcome, investor, err)
	}
	return p, nil
}

func (s *LedgerStore) ListBets(ctx context.Context, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE 1=1`
	var args []any
	query, args = appendFilters(query, args, "created_at", opts)
	query += ` ORDER BY id ASC`
	query, args = appendPaging(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets: %w", err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *LedgerStore) ListPositions(ctx context.Context, betID uint64) ([]domain.Position, error) {
	if _, err := s.GetBet(ctx, betID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE bet_id = ? ORDER BY outcome, investor`, int64(betID))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions %d: %w", betID, err)
	}
	return collectPositions(rows)
}

func (s *LedgerStore) ListPositionsByInvestor(ctx context.Context, investor string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE investor = ?`
	args := []any{investor}
	query, args = appendFilters(query, args, "updated_at", opts)
	query += ` ORDER BY bet_id, outcome`
	query, args = appendPaging(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions for %s: %w", investor, err)
	}
	return collectPositions(rows)
}

func (s *LedgerStore) NextBetID(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: next bet id: %w", err)
	}
	return uint64(n), nil
}

func loadPools(ctx context.Context, q queryer, betID uint64, n int) ([]*big.Int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT outcome, total_staked FROM outcome_pools WHERE bet_id = ? ORDER BY outcome`, int64(betID))
	if err != nil {
		return nil, fmt.Errorf("sqlite: load pools %d: %w", betID, err)
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
			return nil, fmt.Errorf("sqlite: scan pool %d: %w", betID, err)
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

func appendFilters(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		query += ` AND ` + col + ` >= ?`
		args = append(args, opts.Since.UnixMicro())
	}
	if opts.Until != nil {
		query += ` AND ` + col + ` < ?`
		args = append(args, opts.Until.UnixMicro())
	}
	return query, args
}

func appendPaging(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}
	return query, args
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("sqlite: invalid amount %q", s)
	}
	return v, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
