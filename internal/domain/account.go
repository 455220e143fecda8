package domain

import "time"

// ──────────────────────────────────────────────────────────────────────────────
// Account
// ──────────────────────────────────────────────────────────────────────────────

// Account is a custodial balance keyed by the user's payout address. The
// platform's own address is process configuration, not an account row.
type Account struct {
	Address        string    `json:"address"         db:"address"`
	DisplayName    string    `json:"display_name"    db:"display_name"`
	BalanceQU      int64     `json:"balance_qu"      db:"balance_qu"`
	TotalDeposited int64     `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn int64     `json:"total_withdrawn" db:"total_withdrawn"`
	TotalBet       int64     `json:"total_bet"       db:"total_bet"`
	TotalWon       int64     `json:"total_won"       db:"total_won"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"      db:"updated_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger transaction
// ──────────────────────────────────────────────────────────────────────────────

// LedgerType classifies an append-only ledger record.
type LedgerType string

const (
	LedgerDeposit      LedgerType = "deposit"
	LedgerWithdrawal   LedgerType = "withdrawal"
	LedgerBet          LedgerType = "bet"
	LedgerPayout       LedgerType = "payout"
	LedgerMarketCreate LedgerType = "market_create"
	LedgerRefund       LedgerType = "refund"
)

// LedgerEntry is one append-only money-movement record.
type LedgerEntry struct {
	ID        int64      `json:"id"         db:"id"`
	Address   string     `json:"address"    db:"address"`
	Type      LedgerType `json:"type"       db:"type"`
	AmountQU  int64      `json:"amount_qu"  db:"amount_qu"`
	TxHash    *string    `json:"tx_hash"    db:"tx_hash"`
	MarketID  *string    `json:"market_id"  db:"market_id"`
	Status    string     `json:"status"     db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
