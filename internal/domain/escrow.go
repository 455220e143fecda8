package domain

import "time"

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// EscrowStatus represents the lifecycle state of a per-bet escrow address.
//
// Terminal states: expired, lost, swept, completed, refunded.
type EscrowStatus string

const (
	EscrowAwaitingDeposit EscrowStatus = "awaiting_deposit"
	EscrowDepositDetected EscrowStatus = "deposit_detected"
	EscrowJoiningSC       EscrowStatus = "joining_sc"
	EscrowActiveInSC      EscrowStatus = "active_in_sc"
	EscrowWonAwaitingSweep EscrowStatus = "won_awaiting_sweep"
	EscrowSweeping        EscrowStatus = "sweeping"
	EscrowSwept           EscrowStatus = "swept"
	EscrowCompleted       EscrowStatus = "completed"
	EscrowLost            EscrowStatus = "lost"
	EscrowExpired         EscrowStatus = "expired"
	EscrowRefunding       EscrowStatus = "refunding"
	EscrowRefunded        EscrowStatus = "refunded"
)

// KeyStatus represents the lifecycle state of an encrypted escrow seed.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeySwept    KeyStatus = "swept"
	KeyArchived KeyStatus = "archived"
)

// ──────────────────────────────────────────────────────────────────────────────
// Escrow
// ──────────────────────────────────────────────────────────────────────────────

// Escrow is a single-use on-chain identity holding one bet's deposit until it
// is forwarded into the smart contract, and later the winnings until they are
// swept to the user's payout address.
type Escrow struct {
	ID             string       `json:"id"              db:"id"`
	BetID          string       `json:"bet_id"          db:"bet_id"`
	MarketID       string       `json:"market_id"       db:"market_id"`
	EscrowAddress  string       `json:"escrow_address"  db:"escrow_address"` // 60-char identity
	UserAddress    string       `json:"user_address"    db:"user_address"`   // payout destination
	OptionIdx      int64        `json:"option_idx"      db:"option_idx"`
	Slots          int64        `json:"slots"           db:"slots"`
	ExpectedAmount int64        `json:"expected_amount" db:"expected_amount"`
	Status         EscrowStatus `json:"status"          db:"status"`

	DepositDetectedAt *time.Time `json:"deposit_detected_at" db:"deposit_detected_at"`
	DepositAmount     int64      `json:"deposit_amount"      db:"deposit_amount"`

	JoinTxID   *string `json:"join_tx_id"   db:"join_tx_id"`
	JoinTick   uint32  `json:"join_tick"    db:"join_tick"`
	JoinRetries int64  `json:"join_retries" db:"join_retries"`

	PayoutDetectedAt *time.Time `json:"payout_detected_at" db:"payout_detected_at"`
	PayoutAmount     int64      `json:"payout_amount"      db:"payout_amount"`

	SweepTxID *string `json:"sweep_tx_id" db:"sweep_tx_id"`
	SweepTick uint32  `json:"sweep_tick"  db:"sweep_tick"`

	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the escrow can no longer move money.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case EscrowExpired, EscrowLost, EscrowSwept, EscrowCompleted, EscrowRefunded:
		return true
	}
	return false
}

// Expired reports whether the deposit window has passed.
func (e *Escrow) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ──────────────────────────────────────────────────────────────────────────────
// EscrowKey
// ──────────────────────────────────────────────────────────────────────────────

// EscrowKey is the AEAD-encrypted seed of one escrow identity. On archive the
// storage layer overwrites ciphertext, IV and tag with fresh random bytes in
// the same write.
type EscrowKey struct {
	EscrowID   string    `json:"escrow_id"  db:"escrow_id"`
	Ciphertext string    `json:"-"          db:"ciphertext"` // hex
	IV         string    `json:"-"          db:"iv"`         // hex
	AuthTag    string    `json:"-"          db:"auth_tag"`   // hex
	Status     KeyStatus `json:"status"     db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
