package domain_test

import (
	"testing"
	"time"

	"github.com/qpredict/engine/internal/domain"
	"github.com/shopspring/decimal"
)

// TestParimutuelPayoutMath validates the settlement arithmetic used by the
// resolution service. No I/O — pure integer math.
//
//	Scenario:
//	  pool        = 40 000 QU  (Alice 2 slots on option 0, Bob 2 slots on option 1)
//	  winner      = option 0
//	  oracle fee  = 0 bps
//
//	Expected:
//	  winner_stake = 40000 × 2 / 4          = 20 000
//	  loser_pool   = 40000 − 20000          = 20 000
//	  fees         = 2% + 10% + 0.5% of it  =  2 500
//	  winner_pool  = 20000 + 20000 − 2500   = 37 500
//	  per_slot     = ⌊37500 / 2⌋            = 18 750
func TestParimutuelPayoutMath(t *testing.T) {
	r := domain.ComputePayout(40_000, 2, 4, 0)

	if r.WinnerStakeQU != 20_000 {
		t.Errorf("winner stake = %d, want 20000", r.WinnerStakeQU)
	}
	if r.LoserPoolQU != 20_000 {
		t.Errorf("loser pool = %d, want 20000", r.LoserPoolQU)
	}
	if got := r.Fees.Total(); got != 2_500 {
		t.Errorf("fees = %d, want 2500", got)
	}
	if r.WinnerPoolQU != 37_500 {
		t.Errorf("winner pool = %d, want 37500", r.WinnerPoolQU)
	}
	if r.PerSlotQU != 18_750 {
		t.Errorf("per slot = %d, want 18750", r.PerSlotQU)
	}

	// Alice holds both winning slots; her payout equals the whole winner pool
	// minus flooring residue.
	alice := r.PerSlotQU * 2
	if alice != 37_500 {
		t.Errorf("alice payout = %d, want 37500", alice)
	}
	if alice > 40_000 {
		t.Errorf("payout %d exceeds pool", alice)
	}
}

// TestPayoutNeverExceedsPool sweeps a grid of pool/slot splits and asserts the
// solvency invariant: total payouts ≤ pool.
func TestPayoutNeverExceedsPool(t *testing.T) {
	pools := []int64{10_000, 40_000, 123_456_789, domain.MaxSafeAmount / 4}
	for _, pool := range pools {
		for winnerSlots := int64(1); winnerSlots <= 16; winnerSlots++ {
			for totalSlots := winnerSlots; totalSlots <= winnerSlots+16; totalSlots++ {
				r := domain.ComputePayout(pool, winnerSlots, totalSlots, 100)
				total := r.PerSlotQU * winnerSlots
				if total > pool {
					t.Fatalf("pool=%d winner=%d total=%d: payout %d exceeds pool",
						pool, winnerSlots, totalSlots, total)
				}
			}
		}
	}
}

// TestPayoutDegenerateInputs verifies zero-value handling.
func TestPayoutDegenerateInputs(t *testing.T) {
	for _, r := range []domain.PayoutResult{
		domain.ComputePayout(0, 1, 1, 0),
		domain.ComputePayout(1000, 0, 1, 0),
		domain.ComputePayout(1000, 1, 0, 0),
	} {
		if r.PerSlotQU != 0 {
			t.Errorf("degenerate input produced per-slot %d", r.PerSlotQU)
		}
	}
}

// TestDetermineWinner exercises the four resolution rules.
func TestDetermineWinner(t *testing.T) {
	two := func(rt domain.ResolutionType, target, high string) *domain.Market {
		m := &domain.Market{
			ResolutionType: rt,
			Target:         decimal.RequireFromString(target),
			OptionsJSON:    `["YES","NO"]`,
		}
		if high != "" {
			m.TargetHigh = decimal.NullDecimal{Valid: true, Decimal: decimal.RequireFromString(high)}
		}
		return m
	}

	cases := []struct {
		name   string
		market *domain.Market
		price  string
		want   int
	}{
		{"above hit", two(domain.ResolveAbove, "100000", ""), "105000", 0},
		{"above exact", two(domain.ResolveAbove, "100000", ""), "100000", 0},
		{"above miss", two(domain.ResolveAbove, "100000", ""), "99999.99", 1},
		{"below hit", two(domain.ResolveBelow, "100000", ""), "95000", 0},
		{"below miss", two(domain.ResolveBelow, "100000", ""), "100000.01", 1},
		{"range inside", two(domain.ResolveRange, "90000", "110000"), "100000", 0},
		{"range outside", two(domain.ResolveRange, "90000", "110000"), "111000", 1},
	}
	for _, tc := range cases {
		got, err := tc.market.DetermineWinner(decimal.RequireFromString(tc.price))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: winner = %d, want %d", tc.name, got, tc.want)
		}
	}

	// Bracket with four options over [0, 400): evenly spaced boundaries at
	// 100, 200, 300.
	m := &domain.Market{
		ResolutionType: domain.ResolveBracket,
		Target:         decimal.NewFromInt(0),
		TargetHigh:     decimal.NullDecimal{Valid: true, Decimal: decimal.NewFromInt(400)},
		OptionsJSON:    `["a","b","c","d"]`,
	}
	for price, want := range map[string]int{"50": 0, "150": 1, "250": 2, "350": 3, "9999": 3} {
		got, err := m.DetermineWinner(decimal.RequireFromString(price))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("bracket price %s: winner = %d, want %d", price, got, want)
		}
	}
}

// TestMarketValidate covers the boundary behaviors at market creation.
func TestMarketValidate(t *testing.T) {
	base := func() *domain.Market {
		m := &domain.Market{
			MarketType:     domain.MarketTypePrice,
			ResolutionType: domain.ResolveAbove,
			Target:         decimal.NewFromInt(100000),
			OptionsJSON:    `["YES","NO"]`,
			MinBetPerSlot:  10_000,
			MaxSlots:       100,
		}
		m.CloseDate = mustTime(t, "2026-01-01T00:00:00Z")
		m.EndDate = mustTime(t, "2026-01-01T01:00:00Z")
		return m
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("baseline market should validate: %v", err)
	}

	m := base()
	m.MinBetPerSlot = 9_999
	if err := m.Validate(); err == nil {
		t.Error("min bet below floor should be rejected")
	}

	m = base()
	m.MaxSlots = 4096
	if err := m.Validate(); err == nil {
		t.Error("max slots above 2048 should be rejected")
	}

	m = base()
	m.MaxSlots = 2048
	m.MinBetPerSlot = domain.MaxSafeAmount/2048 + 1
	if err := m.Validate(); err == nil {
		t.Error("amount × slots over 2^53-1 should be rejected")
	}

	m = base()
	m.EndDate = m.CloseDate.Add(30 * 24 * time.Hour)
	if err := m.Validate(); err != nil {
		t.Errorf("30-day price window should validate: %v", err)
	}
	m.EndDate = m.EndDate.Add(time.Second)
	if err := m.Validate(); err == nil {
		t.Error("price window over 30 days should be rejected")
	}

	m = base()
	m.MarketType = domain.MarketTypeCustom
	m.EndDate = m.CloseDate.Add(90 * 24 * time.Hour)
	if err := m.Validate(); err != nil {
		t.Errorf("90-day custom window should validate: %v", err)
	}

	m = base()
	m.EndDate = m.CloseDate.Add(30 * time.Second)
	if err := m.Validate(); err == nil {
		t.Error("sub-minute window should be rejected")
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
