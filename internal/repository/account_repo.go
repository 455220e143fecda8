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

// AccountRepository handles custodial balances and the append-only ledger.
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByAddress fetches an account.
func (r *AccountRepository) GetByAddress(ctx context.Context, address string) (*domain.Account, error) {
	var a domain.Account
	err := r.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE address = ?`, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("account_repo.GetByAddress: %w", err)
	}
	return &a, nil
}

// GetOrCreateTx fetches an account inside tx, creating a zero-balance row on
// first sight of the address.
func (r *AccountRepository) GetOrCreateTx(ctx context.Context, tx *sqlx.Tx, address string) (*domain.Account, error) {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (address, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO NOTHING`, address, now, now); err != nil {
		return nil, fmt.Errorf("account_repo.GetOrCreateTx: insert: %w", err)
	}
	var a domain.Account
	if err := tx.GetContext(ctx, &a, `SELECT * FROM accounts WHERE address = ?`, address); err != nil {
		return nil, fmt.Errorf("account_repo.GetOrCreateTx: load: %w", err)
	}
	return &a, nil
}

// CreditTx adds amount to the account's balance and running totals, and
// appends the matching ledger row, all inside the caller's transaction.
// amount must be positive; the caller classifies it via typ.
func (r *AccountRepository) CreditTx(ctx context.Context, tx *sqlx.Tx, address string, amount int64, typ domain.LedgerType, txHash, marketID *string) error {
	if amount <= 0 {
		return fmt.Errorf("account_repo.CreditTx: non-positive amount %d", amount)
	}
	if _, err := r.GetOrCreateTx(ctx, tx, address); err != nil {
		return err
	}

	totalCol := ""
	switch typ {
	case domain.LedgerDeposit:
		totalCol = ", total_deposited = total_deposited + ?"
	case domain.LedgerPayout:
		totalCol = ", total_won = total_won + ?"
	}
	now := time.Now().UTC()
	args := []any{amount}
	if totalCol != "" {
		args = append(args, amount)
	}
	args = append(args, now, address)
	query := fmt.Sprintf(`UPDATE accounts SET balance_qu = balance_qu + ?%s, updated_at = ? WHERE address = ?`, totalCol)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("account_repo.CreditTx: update: %w", err)
	}
	return r.AppendLedgerTx(ctx, tx, &domain.LedgerEntry{
		Address: address, Type: typ, AmountQU: amount,
		TxHash: txHash, MarketID: marketID, Status: "completed", CreatedAt: now,
	})
}

// DebitTx subtracts amount from the account's balance with a floor at zero:
// the guarded UPDATE fails rather than let a balance go negative. Appends the
// matching ledger row on success.
func (r *AccountRepository) DebitTx(ctx context.Context, tx *sqlx.Tx, address string, amount int64, typ domain.LedgerType, txHash, marketID *string) error {
	if amount <= 0 {
		return fmt.Errorf("account_repo.DebitTx: non-positive amount %d", amount)
	}
	totalCol := ""
	switch typ {
	case domain.LedgerWithdrawal:
		totalCol = ", total_withdrawn = total_withdrawn + ?"
	case domain.LedgerBet:
		totalCol = ", total_bet = total_bet + ?"
	}
	now := time.Now().UTC()
	args := []any{amount}
	if totalCol != "" {
		args = append(args, amount)
	}
	args = append(args, now, address, amount)
	query := fmt.Sprintf(`
		UPDATE accounts SET balance_qu = balance_qu - ?%s, updated_at = ?
		WHERE address = ? AND balance_qu >= ?`, totalCol)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("account_repo.DebitTx: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInsufficientBalance
	}
	return r.AppendLedgerTx(ctx, tx, &domain.LedgerEntry{
		Address: address, Type: typ, AmountQU: -amount,
		TxHash: txHash, MarketID: marketID, Status: "completed", CreatedAt: now,
	})
}

// AppendLedgerTx inserts one ledger row inside the caller's transaction.
func (r *AccountRepository) AppendLedgerTx(ctx context.Context, tx *sqlx.Tx, e *domain.LedgerEntry) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO ledger (address, type, amount_qu, tx_hash, market_id, status, created_at)
		VALUES (:address, :type, :amount_qu, :tx_hash, :market_id, :status, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("account_repo.AppendLedgerTx: %w", err)
	}
	return nil
}

// ListLedger returns a user's ledger history, newest first.
func (r *AccountRepository) ListLedger(ctx context.Context, address string, limit, offset int) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM ledger WHERE address = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("account_repo.ListLedger: %w", err)
	}
	return entries, nil
}

// SolvencyLeaves returns every positive-balance account for the merkle
// snapshot, sorted by address so the tree is deterministic.
func (r *AccountRepository) SolvencyLeaves(ctx context.Context) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts WHERE balance_qu > 0 ORDER BY address ASC`)
	if err != nil {
		return nil, fmt.Errorf("account_repo.SolvencyLeaves: %w", err)
	}
	return accounts, nil
}
