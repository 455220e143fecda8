package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/domain"
)

// EscrowRepository handles all database operations for Escrows. Every state
// transition verifies the current status in the UPDATE's WHERE clause, so a
// transition from S to S' only happens when the row is exactly in S at the
// moment of write — that is the engine's mutual-exclusion primitive.
type EscrowRepository struct {
	db *sqlx.DB
}

// NewEscrowRepository creates a new EscrowRepository.
func NewEscrowRepository(db *sqlx.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

// CreateTx inserts a new escrow inside an existing transaction.
func (r *EscrowRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, e *domain.Escrow) error {
	query := `
		INSERT INTO escrows
			(id, bet_id, market_id, escrow_address, user_address, option_idx, slots,
			 expected_amount, status, deposit_detected_at, deposit_amount, join_tx_id,
			 join_tick, join_retries, payout_detected_at, payout_amount, sweep_tx_id,
			 sweep_tick, expires_at, created_at, updated_at)
		VALUES
			(:id, :bet_id, :market_id, :escrow_address, :user_address, :option_idx, :slots,
			 :expected_amount, :status, :deposit_detected_at, :deposit_amount, :join_tx_id,
			 :join_tick, :join_retries, :payout_detected_at, :payout_amount, :sweep_tx_id,
			 :sweep_tick, :expires_at, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("escrow_repo.CreateTx: %w", err)
	}
	return nil
}

// GetByID fetches an escrow by its primary key.
func (r *EscrowRepository) GetByID(ctx context.Context, id string) (*domain.Escrow, error) {
	var e domain.Escrow
	err := r.db.GetContext(ctx, &e, `SELECT * FROM escrows WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, fmt.Errorf("escrow_repo.GetByID: %w", err)
	}
	return &e, nil
}

// ListByStatus returns every escrow in the given status, oldest first.
func (r *EscrowRepository) ListByStatus(ctx context.Context, status domain.EscrowStatus) ([]*domain.Escrow, error) {
	var escrows []*domain.Escrow
	err := r.db.SelectContext(ctx, &escrows,
		`SELECT * FROM escrows WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("escrow_repo.ListByStatus: %w", err)
	}
	return escrows, nil
}

// ListByMarketAndStatus returns a market's escrows in the given status.
func (r *EscrowRepository) ListByMarketAndStatus(ctx context.Context, marketID string, status domain.EscrowStatus) ([]*domain.Escrow, error) {
	var escrows []*domain.Escrow
	err := r.db.SelectContext(ctx, &escrows,
		`SELECT * FROM escrows WHERE market_id = ? AND status = ? ORDER BY created_at ASC`,
		marketID, string(status))
	if err != nil {
		return nil, fmt.Errorf("escrow_repo.ListByMarketAndStatus: %w", err)
	}
	return escrows, nil
}

// ListByMarketAndStatusTx is ListByMarketAndStatus inside the caller's
// transaction. The pool is capped at one connection, so any read issued while
// a settlement transaction is open must go through that transaction.
func (r *EscrowRepository) ListByMarketAndStatusTx(ctx context.Context, tx *sqlx.Tx, marketID string, status domain.EscrowStatus) ([]*domain.Escrow, error) {
	var escrows []*domain.Escrow
	err := tx.SelectContext(ctx, &escrows,
		`SELECT * FROM escrows WHERE market_id = ? AND status = ? ORDER BY created_at ASC`,
		marketID, string(status))
	if err != nil {
		return nil, fmt.Errorf("escrow_repo.ListByMarketAndStatusTx: %w", err)
	}
	return escrows, nil
}

// MarkDepositDetected records a detected deposit: awaiting_deposit → deposit_detected.
func (r *EscrowRepository) MarkDepositDetected(ctx context.Context, id string, amount int64) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = 'deposit_detected', deposit_detected_at = ?, deposit_amount = ?, updated_at = ?
		WHERE id = ? AND status = 'awaiting_deposit'`,
		now, amount, now, id)
	if err != nil {
		return fmt.Errorf("escrow_repo.MarkDepositDetected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEscrowState
	}
	return nil
}

// BeginJoin claims the escrow for a joinBet broadcast: deposit_detected → joining_sc.
func (r *EscrowRepository) BeginJoin(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'joining_sc', updated_at = ?
		WHERE id = ? AND status = 'deposit_detected'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("escrow_repo.BeginJoin: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordJoinTx stores the joinBet transaction id and its target tick.
func (r *EscrowRepository) RecordJoinTx(ctx context.Context, id, txID string, tick uint32) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET join_tx_id = ?, join_tick = ?, updated_at = ? WHERE id = ?`,
		txID, tick, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.RecordJoinTx: %w", err)
	}
	return nil
}

// ConfirmJoinBet transitions joining_sc → active_in_sc once the funds left the
// escrow address.
func (r *EscrowRepository) ConfirmJoinBet(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'active_in_sc', updated_at = ?
		WHERE id = ? AND status = 'joining_sc'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("escrow_repo.ConfirmJoinBet: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RevertJoinBet undoes a joinBet attempt for retry: joining_sc →
// deposit_detected, clearing the tx id and tick and bumping the retry counter.
func (r *EscrowRepository) RevertJoinBet(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = 'deposit_detected', join_tx_id = NULL, join_tick = 0,
		    join_retries = join_retries + 1, updated_at = ?
		WHERE id = ? AND status = 'joining_sc'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.RevertJoinBet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEscrowState
	}
	return nil
}

// RouteToRefundSweep sends an escrow down the refund path: its balance will be
// swept back to the user by the regular sweep phases. Valid from the states
// where money can be stranded at the escrow address.
func (r *EscrowRepository) RouteToRefundSweep(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'won_awaiting_sweep', updated_at = ?
		WHERE id = ? AND status IN ('awaiting_deposit','deposit_detected','joining_sc')`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.RouteToRefundSweep: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEscrowState
	}
	return nil
}

// MarkWonTx transitions active_in_sc → won_awaiting_sweep inside the
// settlement transaction, attaching the expected payout.
func (r *EscrowRepository) MarkWonTx(ctx context.Context, tx *sqlx.Tx, id string, payoutQU int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = 'won_awaiting_sweep', payout_amount = ?, updated_at = ?
		WHERE id = ? AND status = 'active_in_sc'`,
		payoutQU, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.MarkWonTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEscrowState
	}
	return nil
}

// MarkLostTx transitions active_in_sc → lost inside the settlement transaction.
// The caller archives the key.
func (r *EscrowRepository) MarkLostTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = 'lost', updated_at = ?
		WHERE id = ? AND status = 'active_in_sc'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.MarkLostTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEscrowState
	}
	return nil
}

// ClaimForSweep is the sweep mutex: won_awaiting_sweep → sweeping iff the row
// is currently in won_awaiting_sweep. At most one caller per row-lifetime wins.
func (r *EscrowRepository) ClaimForSweep(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'sweeping', updated_at = ?
		WHERE id = ? AND status = 'won_awaiting_sweep'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("escrow_repo.ClaimForSweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordSweepTx stores the sweep transaction id and target tick. Called
// before the broadcast so ConfirmSweepComplete's guard can ever pass.
func (r *EscrowRepository) RecordSweepTx(ctx context.Context, id, txID string, tick uint32) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET sweep_tx_id = ?, sweep_tick = ?, updated_at = ? WHERE id = ?`,
		txID, tick, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.RecordSweepTx: %w", err)
	}
	return nil
}

// ClearSweepTx removes a recorded sweep tx after a failed broadcast.
func (r *EscrowRepository) ClearSweepTx(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET sweep_tx_id = NULL, sweep_tick = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.ClearSweepTx: %w", err)
	}
	return nil
}

// ConfirmSweepComplete transitions sweeping → swept. The sweep_tx_id guard is
// load-bearing: an escrow must never reach swept without a recorded tx.
func (r *EscrowRepository) ConfirmSweepComplete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'swept', updated_at = ?
		WHERE id = ? AND status = 'sweeping'
		  AND sweep_tx_id IS NOT NULL AND sweep_tx_id <> ''`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("escrow_repo.ConfirmSweepComplete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RevertSweepClaim releases the sweep mutex: sweeping → won_awaiting_sweep.
func (r *EscrowRepository) RevertSweepClaim(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'won_awaiting_sweep', updated_at = ?
		WHERE id = ? AND status = 'sweeping'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.RevertSweepClaim: %w", err)
	}
	return nil
}

// MarkExpiredTx finalises an unfunded escrow inside the expiry transaction:
// awaiting_deposit → expired.
func (r *EscrowRepository) MarkExpiredTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = 'expired', updated_at = ?
		WHERE id = ? AND status = 'awaiting_deposit'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("escrow_repo.MarkExpiredTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEscrowState
	}
	return nil
}

// ListExpired returns awaiting_deposit escrows past their expiry.
func (r *EscrowRepository) ListExpired(ctx context.Context, now time.Time) ([]*domain.Escrow, error) {
	var escrows []*domain.Escrow
	err := r.db.SelectContext(ctx, &escrows, `
		SELECT * FROM escrows WHERE status = 'awaiting_deposit' AND expires_at <= ?
		ORDER BY expires_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("escrow_repo.ListExpired: %w", err)
	}
	return escrows, nil
}

// ListIdleSince returns escrows in the given status whose last update is older
// than the cutoff. Used by the orphan recovery pass.
func (r *EscrowRepository) ListIdleSince(ctx context.Context, status domain.EscrowStatus, cutoff time.Time) ([]*domain.Escrow, error) {
	var escrows []*domain.Escrow
	err := r.db.SelectContext(ctx, &escrows, `
		SELECT * FROM escrows WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC`, string(status), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("escrow_repo.ListIdleSince: %w", err)
	}
	return escrows, nil
}
