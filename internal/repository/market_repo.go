package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/domain"
)

// MarketRepository handles all database operations for Markets.
type MarketRepository struct {
	db *sqlx.DB
}

// NewMarketRepository creates a new MarketRepository.
func NewMarketRepository(db *sqlx.DB) *MarketRepository {
	return &MarketRepository{db: db}
}

// CreateTx inserts a new market row inside an existing transaction.
func (r *MarketRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, m *domain.Market) error {
	query := `
		INSERT INTO markets
			(id, on_chain_bet_id, pair, question, market_type, status, options_json, slots_json,
			 total_pool, min_bet_per_slot, max_slots, resolution_type, target, target_high,
			 close_date, end_date, refund_at, resolution_price, winning_option, creator_address,
			 creation_tx_id, commitment_hash, oracle_addrs_json, oracle_fee_bps, category,
			 ai_attempts, ai_proof_json, provenance, created_at, updated_at)
		VALUES
			(:id, :on_chain_bet_id, :pair, :question, :market_type, :status, :options_json, :slots_json,
			 :total_pool, :min_bet_per_slot, :max_slots, :resolution_type, :target, :target_high,
			 :close_date, :end_date, :refund_at, :resolution_price, :winning_option, :creator_address,
			 :creation_tx_id, :commitment_hash, :oracle_addrs_json, :oracle_fee_bps, :category,
			 :ai_attempts, :ai_proof_json, :provenance, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("market_repo.CreateTx: %w", err)
	}
	return nil
}

// GetByID fetches a market by its primary key.
func (r *MarketRepository) GetByID(ctx context.Context, id string) (*domain.Market, error) {
	var m domain.Market
	err := r.db.GetContext(ctx, &m, `SELECT * FROM markets WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMarketNotFound
		}
		return nil, fmt.Errorf("market_repo.GetByID: %w", err)
	}
	return &m, nil
}

// List returns a paginated slice of markets filtered by optional status.
func (r *MarketRepository) List(ctx context.Context, limit, offset int, status string) ([]*domain.Market, error) {
	var markets []*domain.Market
	var err error
	if status != "" {
		err = r.db.SelectContext(ctx, &markets,
			`SELECT * FROM markets WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			status, limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &markets,
			`SELECT * FROM markets ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("market_repo.List: %w", err)
	}
	return markets, nil
}

// ListByStatus returns every market in the given status, oldest first.
func (r *MarketRepository) ListByStatus(ctx context.Context, status domain.MarketStatus) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets,
		`SELECT * FROM markets WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListByStatus: %w", err)
	}
	return markets, nil
}

// CloseExpired transitions every active market whose betting window has passed
// to closed. Returns the number of markets closed. No RPC involved.
func (r *MarketRepository) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE markets
		SET status = 'closed', updated_at = ?
		WHERE status = 'active' AND close_date <= ?`,
		now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("market_repo.CloseExpired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListDueForResolution returns active/closed markets whose end date has passed.
func (r *MarketRepository) ListDueForResolution(ctx context.Context, now time.Time) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets, `
		SELECT * FROM markets
		WHERE status IN ('active','closed') AND end_date <= ?
		ORDER BY end_date ASC`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListDueForResolution: %w", err)
	}
	return markets, nil
}

// ListPendingBetID returns markets that still need on-chain bet-id discovery:
// pending_tx markets plus active ones carrying bet-id 0.
func (r *MarketRepository) ListPendingBetID(ctx context.Context) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets, `
		SELECT * FROM markets
		WHERE status = 'pending_tx'
		   OR (status = 'active' AND (on_chain_bet_id IS NULL OR on_chain_bet_id = 0))
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListPendingBetID: %w", err)
	}
	return markets, nil
}

// MarkPendingTx records the issueBet transaction and moves draft → pending_tx.
func (r *MarketRepository) MarkPendingTx(ctx context.Context, id, txID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE markets
		SET status = 'pending_tx', creation_tx_id = ?, updated_at = ?
		WHERE id = ? AND status = 'draft'`,
		txID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.MarkPendingTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}

// Activate sets the discovered on-chain bet id and moves the market to active.
// betID 0 activates without discovery; the stuck-market pass retries later.
func (r *MarketRepository) Activate(ctx context.Context, id string, betID uint32) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE markets
		SET status = 'active', on_chain_bet_id = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending_tx','active')`,
		betID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.Activate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}

// TryClaimForResolution atomically moves an active/closed market to resolving.
// Returns false when another party already holds the claim.
func (r *MarketRepository) TryClaimForResolution(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE markets
		SET status = 'resolving', updated_at = ?
		WHERE id = ? AND status IN ('active','closed')`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("market_repo.TryClaimForResolution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RevertResolving releases a resolution claim so a later cycle can retry.
func (r *MarketRepository) RevertResolving(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets
		SET status = 'closed', updated_at = ?
		WHERE id = ? AND status = 'resolving'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.RevertResolving: %w", err)
	}
	return nil
}

// ResolveTx finalises a market inside the settlement transaction: resolving →
// resolved with winning option, resolution price and the recomputed aggregates.
func (r *MarketRepository) ResolveTx(ctx context.Context, tx *sqlx.Tx, id string, winningOption int64, price decimal.NullDecimal, totalPool int64, slotsJSON string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE markets
		SET status = 'resolved',
		    winning_option = ?,
		    resolution_price = ?,
		    total_pool = ?,
		    slots_json = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'resolving'`,
		winningOption, price, totalPool, slotsJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.ResolveTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketClaimed
	}
	return nil
}

// CancelTx marks the market as cancelled inside the refund transaction.
func (r *MarketRepository) CancelTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE markets
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status NOT IN ('resolved','cancelled')`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.CancelTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}

// SetAggregates replaces the cached pool and slot map with recomputed values.
// Absolute set, not delta — the bet rows are truth, these columns are cache.
func (r *MarketRepository) SetAggregates(ctx context.Context, id string, totalPool int64, slotsJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets SET total_pool = ?, slots_json = ?, updated_at = ? WHERE id = ?`,
		totalPool, slotsJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.SetAggregates: %w", err)
	}
	return nil
}

// SetCommitmentHash corrects a stored commitment hash (migration support for
// rows written before the canonical formula).
func (r *MarketRepository) SetCommitmentHash(ctx context.Context, id, hash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets SET commitment_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.SetCommitmentHash: %w", err)
	}
	return nil
}

// SetResolutionProofTx stores the oracle's raw proof JSON alongside the
// resolved market.
func (r *MarketRepository) SetResolutionProofTx(ctx context.Context, tx *sqlx.Tx, id, proofJSON string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE markets SET ai_proof_json = ?, updated_at = ? WHERE id = ?`,
		proofJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.SetResolutionProofTx: %w", err)
	}
	return nil
}

// IncrementAIAttempts bumps the ai resolution attempt counter.
func (r *MarketRepository) IncrementAIAttempts(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets SET ai_attempts = ai_attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("market_repo.IncrementAIAttempts: %w", err)
	}
	return nil
}

// ListStuckPendingTx returns pending_tx markets untouched since the cutoff.
func (r *MarketRepository) ListStuckPendingTx(ctx context.Context, cutoff time.Time) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets, `
		SELECT * FROM markets WHERE status = 'pending_tx' AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListStuckPendingTx: %w", err)
	}
	return markets, nil
}

// ListStuckResolving returns resolving markets whose end date is older than
// the cutoff — a resolution attempt died mid-flight.
func (r *MarketRepository) ListStuckResolving(ctx context.Context, cutoff time.Time) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets, `
		SELECT * FROM markets WHERE status = 'resolving' AND end_date < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListStuckResolving: %w", err)
	}
	return markets, nil
}

// ListStuckDiscovery returns active markets still carrying bet-id 0 past the
// cutoff.
func (r *MarketRepository) ListStuckDiscovery(ctx context.Context, cutoff time.Time) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets, `
		SELECT * FROM markets
		WHERE status = 'active' AND (on_chain_bet_id IS NULL OR on_chain_bet_id = 0)
		  AND created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListStuckDiscovery: %w", err)
	}
	return markets, nil
}

// ListRefundDue returns custom/ai markets past their auto-refund deadline that
// never resolved.
func (r *MarketRepository) ListRefundDue(ctx context.Context, now time.Time) ([]*domain.Market, error) {
	var markets []*domain.Market
	err := r.db.SelectContext(ctx, &markets, `
		SELECT * FROM markets
		WHERE refund_at IS NOT NULL AND refund_at <= ?
		  AND status IN ('active','closed')`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.ListRefundDue: %w", err)
	}
	return markets, nil
}
