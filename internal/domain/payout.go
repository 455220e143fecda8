package domain

import (
	"math/big"
)

// Quottery fee split, applied to the loser pool only. Basis points.
const (
	BurnFeeBps        = 200 // 2%
	ShareholderFeeBps = 1000 // 10%
	OperatorFeeBps    = 50  // 0.5%
)

// FeeBreakdown itemises the deductions taken from the loser pool.
type FeeBreakdown struct {
	BurnQU        int64 `json:"burn_qu"`
	ShareholderQU int64 `json:"shareholder_qu"`
	OperatorQU    int64 `json:"operator_qu"`
	OracleQU      int64 `json:"oracle_qu"`
}

// Total returns the sum of all fee components.
func (f FeeBreakdown) Total() int64 {
	return f.BurnQU + f.ShareholderQU + f.OperatorQU + f.OracleQU
}

// PayoutResult is the outcome of the parimutuel settlement arithmetic.
type PayoutResult struct {
	WinnerStakeQU int64        `json:"winner_stake_qu"`
	LoserPoolQU   int64        `json:"loser_pool_qu"`
	WinnerPoolQU  int64        `json:"winner_pool_qu"`
	PerSlotQU     int64        `json:"per_slot_qu"`
	Fees          FeeBreakdown `json:"fees"`
}

// ComputePayout runs the smart contract's settlement model over the recomputed
// pool and slot totals. Fees apply to the loser pool only; the per-slot payout
// is a floor division. All intermediates go through big.Int because
// pool × winner_slots can exceed int64.
//
//	winner_stake = pool × winner_slots / total_slots
//	loser_pool   = pool − winner_stake
//	winner_pool  = winner_stake + loser_pool − (burn + shareholder + operator + oracle)
//	per_slot     = ⌊winner_pool / winner_slots⌋
func ComputePayout(poolQU, winnerSlots, totalSlots, oracleFeeBps int64) PayoutResult {
	if winnerSlots <= 0 || totalSlots <= 0 || poolQU <= 0 {
		return PayoutResult{}
	}

	pool := big.NewInt(poolQU)

	winnerStake := new(big.Int).Mul(pool, big.NewInt(winnerSlots))
	winnerStake.Quo(winnerStake, big.NewInt(totalSlots))

	loserPool := new(big.Int).Sub(pool, winnerStake)

	fees := FeeBreakdown{
		BurnQU:        bpsOf(loserPool, BurnFeeBps),
		ShareholderQU: bpsOf(loserPool, ShareholderFeeBps),
		OperatorQU:    bpsOf(loserPool, OperatorFeeBps),
		OracleQU:      bpsOf(loserPool, oracleFeeBps),
	}

	winnerPool := new(big.Int).Add(winnerStake, loserPool)
	winnerPool.Sub(winnerPool, big.NewInt(fees.Total()))

	perSlot := new(big.Int).Quo(winnerPool, big.NewInt(winnerSlots))

	return PayoutResult{
		WinnerStakeQU: winnerStake.Int64(),
		LoserPoolQU:   loserPool.Int64(),
		WinnerPoolQU:  winnerPool.Int64(),
		PerSlotQU:     perSlot.Int64(),
		Fees:          fees,
	}
}

// bpsOf computes amount × bps / 10000 with floor rounding.
func bpsOf(amount *big.Int, bps int64) int64 {
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	v.Quo(v, big.NewInt(10_000))
	return v.Int64()
}
