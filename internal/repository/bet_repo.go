package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/domain"
)

// BetRepository handles all database operations for Bets.
type BetRepository struct {
	db *sqlx.DB
}

// NewBetRepository creates a new BetRepository.
func NewBetRepository(db *sqlx.DB) *BetRepository {
	return &BetRepository{db: db}
}

// CreateTx inserts a new bet inside an existing transaction.
func (r *BetRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, b *domain.Bet) error {
	query := `
		INSERT INTO bets
			(id, market_id, user_address, option_idx, slots, amount_qu, tx_id, status,
			 payout_qu, commitment_hash, commitment_nonce, user_signature, created_at, updated_at)
		VALUES
			(:id, :market_id, :user_address, :option_idx, :slots, :amount_qu, :tx_id, :status,
			 :payout_qu, :commitment_hash, :commitment_nonce, :user_signature, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, b); err != nil {
		return fmt.Errorf("bet_repo.CreateTx: %w", err)
	}
	return nil
}

// GetByID fetches a bet by its primary key.
func (r *BetRepository) GetByID(ctx context.Context, id string) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBetNotFound
		}
		return nil, fmt.Errorf("bet_repo.GetByID: %w", err)
	}
	return &b, nil
}

// ListByMarket returns all bets for a market, oldest first.
func (r *BetRepository) ListByMarket(ctx context.Context, marketID string) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE market_id = ? ORDER BY created_at ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.ListByMarket: %w", err)
	}
	return bets, nil
}

// ListByUser returns a user's bet history, paginated.
func (r *BetRepository) ListByUser(ctx context.Context, address string, limit, offset int) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE user_address = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.ListByUser: %w", err)
	}
	return bets, nil
}

// ConfirmDeposit performs the deposit-gated confirmation in one transaction:
// recheck slot capacity for the option, and only then move the bet
// pending_deposit → pending, increment total_pool and the slot map. Returns
// domain.ErrSlotsExhausted when the option is full so the caller can route the
// deposit to the refund path.
func (r *BetRepository) ConfirmDeposit(ctx context.Context, betID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bet_repo.ConfirmDeposit: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var bet domain.Bet
	if err = tx.GetContext(ctx, &bet, `SELECT * FROM bets WHERE id = ?`, betID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrBetNotFound
		}
		return fmt.Errorf("bet_repo.ConfirmDeposit: load bet: %w", err)
	}
	if bet.Status != domain.BetPendingDeposit {
		// Already confirmed by a previous cycle; idempotent no-op.
		_ = tx.Rollback()
		return nil
	}

	var m domain.Market
	if err = tx.GetContext(ctx, &m, `SELECT * FROM markets WHERE id = ?`, bet.MarketID); err != nil {
		return fmt.Errorf("bet_repo.ConfirmDeposit: load market: %w", err)
	}

	slots := m.SlotCounts()
	if int(bet.OptionIdx) >= len(slots) {
		err = fmt.Errorf("bet_repo.ConfirmDeposit: option %d out of range", bet.OptionIdx)
		return err
	}
	if slots[bet.OptionIdx]+bet.Slots > m.MaxSlots {
		err = domain.ErrSlotsExhausted
		return err
	}
	slots[bet.OptionIdx] += bet.Slots
	slotsJSON, _ := json.Marshal(slots)

	now := time.Now().UTC()
	var res sql.Result
	res, err = tx.ExecContext(ctx, `
		UPDATE bets SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'pending_deposit'`, now, betID)
	if err != nil {
		return fmt.Errorf("bet_repo.ConfirmDeposit: update bet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = domain.ErrBetNotFound
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE markets SET total_pool = total_pool + ?, slots_json = ?, updated_at = ?
		WHERE id = ?`, bet.AmountQU, string(slotsJSON), now, bet.MarketID); err != nil {
		return fmt.Errorf("bet_repo.ConfirmDeposit: update market: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("bet_repo.ConfirmDeposit: commit: %w", err)
	}
	return nil
}

// MarkConfirmed records the joinBet transaction: pending → confirmed.
func (r *BetRepository) MarkConfirmed(ctx context.Context, betID, txID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bets SET status = 'confirmed', tx_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		txID, time.Now().UTC(), betID)
	if err != nil {
		return fmt.Errorf("bet_repo.MarkConfirmed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBetNotFound
	}
	return nil
}

// SetStatusTx sets a bet's final status and payout inside the settlement
// transaction.
func (r *BetRepository) SetStatusTx(ctx context.Context, tx *sqlx.Tx, betID string, status domain.BetStatus, payoutQU int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE bets SET status = ?, payout_qu = ?, updated_at = ? WHERE id = ?`,
		string(status), payoutQU, time.Now().UTC(), betID)
	if err != nil {
		return fmt.Errorf("bet_repo.SetStatusTx: %w", err)
	}
	return nil
}

// MarkRefunded moves a bet to refunded. pending_deposit bets never updated the
// pool, so there is nothing to roll back.
func (r *BetRepository) MarkRefunded(ctx context.Context, betID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bets SET status = 'refunded', updated_at = ?
		WHERE id = ? AND status NOT IN ('won','lost')`,
		time.Now().UTC(), betID)
	if err != nil {
		return fmt.Errorf("bet_repo.MarkRefunded: %w", err)
	}
	return nil
}

// Aggregates holds pool and slot totals recomputed from funded bet rows.
type Aggregates struct {
	TotalPool int64
	Slots     []int64
}

// RecomputeAggregates sums amount and slots over the funded bet statuses —
// the ghost-bet rule excludes pending_deposit by construction.
func (r *BetRepository) RecomputeAggregates(ctx context.Context, marketID string, optionCount int) (*Aggregates, error) {
	type row struct {
		OptionIdx int64 `db:"option_idx"`
		Amount    int64 `db:"amount"`
		Slots     int64 `db:"slots"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT option_idx, COALESCE(SUM(amount_qu),0) AS amount, COALESCE(SUM(slots),0) AS slots
		FROM bets
		WHERE market_id = ? AND status IN ('pending','confirmed','won','lost')
		GROUP BY option_idx`, marketID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.RecomputeAggregates: %w", err)
	}

	agg := &Aggregates{Slots: make([]int64, optionCount)}
	for _, rw := range rows {
		agg.TotalPool += rw.Amount
		if int(rw.OptionIdx) < optionCount {
			agg.Slots[rw.OptionIdx] = rw.Slots
		}
	}
	return agg, nil
}

// ListFundedByMarket returns the bets that count toward the pool, oldest first.
func (r *BetRepository) ListFundedByMarket(ctx context.Context, marketID string) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT * FROM bets
		WHERE market_id = ? AND status IN ('pending','confirmed','won','lost')
		ORDER BY created_at ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.ListFundedByMarket: %w", err)
	}
	return bets, nil
}
