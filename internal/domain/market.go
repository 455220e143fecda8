// Package domain defines the core business entities and types for the
// custodial Quottery settlement engine. All monetary amounts are integer QU.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketDraft     MarketStatus = "draft"      // created locally, not yet on chain
	MarketPendingTx MarketStatus = "pending_tx" // issueBet sent, bet-id not yet discovered
	MarketActive    MarketStatus = "active"     // accepting deposits
	MarketClosed    MarketStatus = "closed"     // betting window over, awaiting end
	MarketResolving MarketStatus = "resolving"  // claimed by a resolution attempt
	MarketResolved  MarketStatus = "resolved"   // winner determined, payouts computed
	MarketCancelled MarketStatus = "cancelled"  // voided; all bets refunded
)

// MarketType selects which oracle adapter resolves the market.
type MarketType string

const (
	MarketTypePrice  MarketType = "price"
	MarketTypeSports MarketType = "sports"
	MarketTypeAI     MarketType = "ai"
	MarketTypeCustom MarketType = "custom"
)

// ResolutionType determines the winner rule applied to the oracle price.
type ResolutionType string

const (
	ResolveAbove   ResolutionType = "above"
	ResolveBelow   ResolutionType = "below"
	ResolveRange   ResolutionType = "range"
	ResolveBracket ResolutionType = "bracket"
)

// Provenance records who proposed the market.
type Provenance string

const (
	ProvenanceUser     Provenance = "user"
	ProvenanceAIParsed Provenance = "ai_parsed"
	ProvenanceTrending Provenance = "trending_agent"
)

// Quottery contract limits.
const (
	MinOptions       = 2
	MaxOptions       = 8
	MaxOptionLabel   = 31 // bytes; 32-byte field with null terminator
	MinBetPerSlot    = 10_000
	MaxSlotsPerOpt   = 2_048
	MaxAIAttempts    = 3
	MaxJoinRetries   = 3
	AutoRefundAfter  = 48 * time.Hour
	PriceWindowMax   = 30 * 24 * time.Hour
	GenericWindowMax = 90 * 24 * time.Hour
	WindowMin        = time.Minute
)

// MaxSafeAmount is the largest QU amount accepted at the creation boundary.
// The chain SDK downstream round-trips amounts through a float64-backed JSON
// field, so anything above 2^53-1 would silently lose precision.
const MaxSafeAmount = int64(1)<<53 - 1

// ──────────────────────────────────────────────────────────────────────────────
// Market
// ──────────────────────────────────────────────────────────────────────────────

// Market represents one Quottery bet tracked by the engine. The stored
// TotalPool and slot counts are caches over the bet rows; resolution and the
// repair pass always recompute them from bets.
type Market struct {
	ID            string       `json:"id"              db:"id"`
	OnChainBetID  *uint32      `json:"on_chain_bet_id" db:"on_chain_bet_id"`
	Pair          string       `json:"pair"            db:"pair"`
	Question      string       `json:"question"        db:"question"`
	MarketType    MarketType   `json:"market_type"     db:"market_type"`
	Status        MarketStatus `json:"status"          db:"status"`
	OptionsJSON   string       `json:"-"               db:"options_json"`
	SlotsJSON     string       `json:"-"               db:"slots_json"`
	TotalPool     int64        `json:"total_pool"      db:"total_pool"`
	MinBetPerSlot int64        `json:"min_bet_per_slot" db:"min_bet_per_slot"`
	MaxSlots      int64        `json:"max_slots"       db:"max_slots"`

	ResolutionType ResolutionType  `json:"resolution_type" db:"resolution_type"`
	Target         decimal.Decimal `json:"target"          db:"target"`
	TargetHigh     decimal.NullDecimal `json:"target_high" db:"target_high"`

	CloseDate time.Time  `json:"close_date"  db:"close_date"`
	EndDate   time.Time  `json:"end_date"    db:"end_date"`
	RefundAt  *time.Time `json:"refund_at"   db:"refund_at"` // custom/ai auto-refund deadline

	ResolutionPrice decimal.NullDecimal `json:"resolution_price" db:"resolution_price"`
	WinningOption   *int64              `json:"winning_option"   db:"winning_option"`

	CreatorAddress  string     `json:"creator_address" db:"creator_address"`
	CreationTxID    *string    `json:"creation_tx_id"  db:"creation_tx_id"`
	CommitmentHash  string     `json:"commitment_hash" db:"commitment_hash"`
	OracleAddrsJSON string     `json:"-"               db:"oracle_addrs_json"`
	OracleFeeBps    int64      `json:"oracle_fee_bps"  db:"oracle_fee_bps"`
	Category        string     `json:"category"        db:"category"`
	AIAttempts      int64      `json:"ai_attempts"     db:"ai_attempts"`
	AIProofJSON     *string    `json:"-"               db:"ai_proof_json"`
	Provenance      Provenance `json:"provenance"      db:"provenance"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Options decodes the option label list.
func (m *Market) Options() []string {
	var opts []string
	_ = json.Unmarshal([]byte(m.OptionsJSON), &opts)
	return opts
}

// SlotCounts decodes the per-option slot map. The slice always has one entry
// per option; a missing or malformed column yields all zeroes.
func (m *Market) SlotCounts() []int64 {
	var slots []int64
	_ = json.Unmarshal([]byte(m.SlotsJSON), &slots)
	if n := len(m.Options()); len(slots) != n {
		slots = make([]int64, n)
	}
	return slots
}

// SetSlotCounts encodes the per-option slot map.
func (m *Market) SetSlotCounts(slots []int64) {
	b, _ := json.Marshal(slots)
	m.SlotsJSON = string(b)
}

// OracleAddresses decodes the oracle address list.
func (m *Market) OracleAddresses() []string {
	var addrs []string
	_ = json.Unmarshal([]byte(m.OracleAddrsJSON), &addrs)
	return addrs
}

// IsTerminal reports whether the market can no longer move money.
func (m *Market) IsTerminal() bool {
	return m.Status == MarketResolved || m.Status == MarketCancelled
}

// BetID returns the on-chain bet id, or 0 when not yet discovered.
func (m *Market) BetID() uint32 {
	if m.OnChainBetID == nil {
		return 0
	}
	return *m.OnChainBetID
}

// Validate checks the creation-time constraints.
func (m *Market) Validate() error {
	opts := m.Options()
	if len(opts) < MinOptions || len(opts) > MaxOptions {
		return fmt.Errorf("%w: %d options", ErrInvalidOptions, len(opts))
	}
	for _, o := range opts {
		if o == "" || len(o) > MaxOptionLabel {
			return fmt.Errorf("%w: label %q", ErrInvalidOptions, o)
		}
	}
	if m.MinBetPerSlot < MinBetPerSlot {
		return ErrBetTooSmall
	}
	if m.MaxSlots < 1 || m.MaxSlots > MaxSlotsPerOpt {
		return fmt.Errorf("%w: max_slots %d", ErrInvalidMarket, m.MaxSlots)
	}
	// amount_per_slot × max_slots must stay inside the safe-integer range.
	if m.MinBetPerSlot > MaxSafeAmount/m.MaxSlots {
		return ErrAmountOverflow
	}
	if m.CloseDate.After(m.EndDate) {
		return fmt.Errorf("%w: close after end", ErrInvalidWindow)
	}
	window := m.EndDate.Sub(m.CloseDate)
	maxWindow := GenericWindowMax
	if m.MarketType == MarketTypePrice {
		maxWindow = PriceWindowMax
	}
	if window < WindowMin || window > maxWindow {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, window)
	}
	switch m.ResolutionType {
	case ResolveAbove, ResolveBelow:
	case ResolveRange, ResolveBracket:
		if !m.TargetHigh.Valid {
			return fmt.Errorf("%w: %s requires target_high", ErrInvalidMarket, m.ResolutionType)
		}
	default:
		return fmt.Errorf("%w: resolution type %q", ErrInvalidMarket, m.ResolutionType)
	}
	return nil
}

// DetermineWinner applies the market's resolution rule to a price and returns
// the winning option index.
func (m *Market) DetermineWinner(price decimal.Decimal) (int, error) {
	switch m.ResolutionType {
	case ResolveAbove:
		if price.GreaterThanOrEqual(m.Target) {
			return 0, nil
		}
		return 1, nil
	case ResolveBelow:
		if price.LessThanOrEqual(m.Target) {
			return 0, nil
		}
		return 1, nil
	case ResolveRange:
		if !m.TargetHigh.Valid {
			return 0, fmt.Errorf("%w: range without target_high", ErrInvalidMarket)
		}
		if price.GreaterThanOrEqual(m.Target) && price.LessThanOrEqual(m.TargetHigh.Decimal) {
			return 0, nil
		}
		return 1, nil
	case ResolveBracket:
		bounds, err := m.bracketBoundaries()
		if err != nil {
			return 0, err
		}
		for i, b := range bounds {
			if price.LessThan(b) {
				return i, nil
			}
		}
		return len(m.Options()) - 1, nil
	}
	return 0, fmt.Errorf("%w: resolution type %q", ErrInvalidMarket, m.ResolutionType)
}

// bracketBoundaries returns the upper bound of each bracket except the last.
// Boundaries come from the stored AI resolution proof when present, otherwise
// they are spaced evenly between target and target_high.
func (m *Market) bracketBoundaries() ([]decimal.Decimal, error) {
	n := len(m.Options())
	if m.AIProofJSON != nil {
		var proof struct {
			Brackets []decimal.Decimal `json:"brackets"`
		}
		if err := json.Unmarshal([]byte(*m.AIProofJSON), &proof); err == nil && len(proof.Brackets) == n-1 {
			return proof.Brackets, nil
		}
	}
	if !m.TargetHigh.Valid {
		return nil, fmt.Errorf("%w: bracket without target_high", ErrInvalidMarket)
	}
	span := m.TargetHigh.Decimal.Sub(m.Target)
	step := span.Div(decimal.NewFromInt(int64(n)))
	bounds := make([]decimal.Decimal, 0, n-1)
	for i := 1; i < n; i++ {
		bounds = append(bounds, m.Target.Add(step.Mul(decimal.NewFromInt(int64(i)))))
	}
	return bounds, nil
}
