package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Market errors
var (
	// ErrMarketNotFound is returned when no market matches the given criteria.
	ErrMarketNotFound = errors.New("market not found")

	// ErrInvalidMarket is returned when creation parameters are malformed.
	ErrInvalidMarket = errors.New("invalid market parameters")

	// ErrInvalidWindow is returned when the close/end window is outside the
	// allowed range for the market type.
	ErrInvalidWindow = errors.New("invalid resolution window")

	// ErrInvalidOptions is returned when the option list breaks the 2–8 count
	// or 31-byte label limits.
	ErrInvalidOptions = errors.New("invalid option list")

	// ErrMarketNotOpen is returned when an escrow is opened against a market
	// that is not accepting deposits.
	ErrMarketNotOpen = errors.New("market is not open for betting")

	// ErrMarketClaimed is returned when a resolution claim races another and
	// loses.
	ErrMarketClaimed = errors.New("market already claimed for resolution")

	// ErrNoBetID is returned when an on-chain operation needs the Quottery
	// bet id but discovery has not completed.
	ErrNoBetID = errors.New("on-chain bet id not yet discovered")
)

// Bet / escrow errors
var (
	// ErrBetNotFound is returned when no bet matches the given criteria.
	ErrBetNotFound = errors.New("bet not found")

	// ErrBetTooSmall is returned when the per-slot amount is below the minimum.
	ErrBetTooSmall = errors.New("bet amount is below the minimum per slot")

	// ErrAmountOverflow is returned when an amount would exceed the safe
	// integer range at the chain boundary.
	ErrAmountOverflow = errors.New("amount exceeds safe integer range")

	// ErrSlotsExhausted is returned when confirming a deposit would exceed the
	// option's max slot count. Callers route the deposit to the refund path.
	ErrSlotsExhausted = errors.New("no slots left on this option")

	// ErrEscrowNotFound is returned when no escrow matches the given criteria.
	ErrEscrowNotFound = errors.New("escrow not found")

	// ErrEscrowClaimed is returned when a sweep claim races another and loses.
	ErrEscrowClaimed = errors.New("escrow already claimed for sweep")

	// ErrEscrowState is returned when an operation finds the escrow in an
	// unexpected status.
	ErrEscrowState = errors.New("escrow is not in the required state")

	// ErrKeyNotActive is returned when a decrypt is attempted on a key that is
	// no longer in the active status.
	ErrKeyNotActive = errors.New("escrow key is not active")
)

// Account / ledger errors
var (
	// ErrAccountNotFound is returned when no account matches the address.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient account balance")
)

// Replay / idempotency errors
var (
	// ErrNonceReplayed is returned when a single-use nonce is delivered twice.
	ErrNonceReplayed = errors.New("nonce already used")
)

// Settlement errors
var (
	// ErrSolvencyViolation is returned when computed payouts exceed the
	// recomputed pool. The market is frozen for review; no escrow is touched.
	ErrSolvencyViolation = errors.New("payouts exceed market pool")

	// ErrOracleUndecided is returned when an oracle adapter cannot produce a
	// decisive result yet.
	ErrOracleUndecided = errors.New("oracle result not available")

	// ErrMarketNotResolved is returned when settlement evidence is requested
	// for a market that has not resolved.
	ErrMarketNotResolved = errors.New("market is not resolved")
)
