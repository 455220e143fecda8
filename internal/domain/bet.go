package domain

import "time"

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BetStatus represents the current state of a custodial bet.
type BetStatus string

const (
	// BetPendingDeposit is the escrow-flow entry state. It is the only status
	// that does not contribute to the market pool or slot map (ghost-bet rule).
	BetPendingDeposit BetStatus = "pending_deposit"
	BetPending        BetStatus = "pending"   // deposit confirmed, pool incremented
	BetConfirmed      BetStatus = "confirmed" // joinBet landed on chain
	BetWon            BetStatus = "won"
	BetLost           BetStatus = "lost"
	BetRefunded       BetStatus = "refunded"
)

// FundedStatuses are the bet statuses that count toward the market pool and
// slot map. Every aggregate recomputation filters on exactly this set.
var FundedStatuses = []BetStatus{BetPending, BetConfirmed, BetWon, BetLost}

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet represents one user's stake on one option of a market.
type Bet struct {
	ID              string    `json:"id"               db:"id"`
	MarketID        string    `json:"market_id"        db:"market_id"`
	UserAddress     string    `json:"user_address"     db:"user_address"`
	OptionIdx       int64     `json:"option_idx"       db:"option_idx"`
	Slots           int64     `json:"slots"            db:"slots"`
	AmountQU        int64     `json:"amount_qu"        db:"amount_qu"`
	TxID            *string   `json:"tx_id"            db:"tx_id"`
	Status          BetStatus `json:"status"           db:"status"`
	PayoutQU        int64     `json:"payout_qu"        db:"payout_qu"`
	CommitmentHash  string    `json:"commitment_hash"  db:"commitment_hash"`
	CommitmentNonce string    `json:"commitment_nonce" db:"commitment_nonce"`
	UserSignature   *string   `json:"user_signature"   db:"user_signature"`
	CreatedAt       time.Time `json:"created_at"       db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"       db:"updated_at"`
}

// IsFunded reports whether the bet contributes to the market pool.
func (b *Bet) IsFunded() bool {
	switch b.Status {
	case BetPending, BetConfirmed, BetWon, BetLost:
		return true
	}
	return false
}
