package fairness

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/domain"
)

// PayoutSummary mirrors the settlement arithmetic inside a proof package.
type PayoutSummary struct {
	TotalPoolQU      int64 `json:"total_pool_qu"`
	WinnerSlots      int64 `json:"winner_slots"`
	TotalSlots       int64 `json:"total_slots"`
	WinnerStakeQU    int64 `json:"winner_stake_qu"`
	LoserPoolQU      int64 `json:"loser_pool_qu"`
	BurnFeeQU        int64 `json:"burn_fee_qu"`
	ShareholderFeeQU int64 `json:"shareholder_fee_qu"`
	OperatorFeeQU    int64 `json:"operator_fee_qu"`
	OracleFeeQU      int64 `json:"oracle_fee_qu"`
	WinnerPoolQU     int64 `json:"winner_pool_qu"`
	PerSlotQU        int64 `json:"per_slot_qu"`
}

// ResolutionProof is the self-contained settlement evidence for one market.
// Everything a third party needs to re-derive the outcome is inside.
type ResolutionProof struct {
	MarketID         string                      `json:"market_id"`
	Pair             string                      `json:"pair"`
	Question         string                      `json:"question"`
	Options          []string                    `json:"options"`
	ResolutionType   string                      `json:"resolution_type"`
	Target           string                      `json:"target"`
	TargetHigh       *string                     `json:"target_high,omitempty"`
	CloseDate        string                      `json:"close_date"`
	EndDate          string                      `json:"end_date"`
	MinBetPerSlot    int64                       `json:"min_bet_per_slot"`
	MaxSlots         int64                       `json:"max_slots"`
	CreatorAddress   string                      `json:"creator_address"`
	MarketCommitment string                      `json:"market_commitment"`
	ResolutionPrice  string                      `json:"resolution_price"`
	WinningOption    int64                       `json:"winning_option"`
	Attestations     []*domain.OracleAttestation `json:"attestations"`
	Payout           PayoutSummary               `json:"payout"`
	ChainEntries     []*domain.ChainEntry        `json:"chain_entries"`
	OnChainTxIDs     []string                    `json:"on_chain_tx_ids"`
	ProofHash        string                      `json:"proof_hash"`
}

// BuildProof assembles and hashes a resolution proof package. The proof hash
// covers the package minus the hash field itself.
func BuildProof(m *domain.Market, attestations []*domain.OracleAttestation, payout PayoutSummary, chainEntries []*domain.ChainEntry, txIDs []string) (*ResolutionProof, error) {
	if !m.ResolutionPrice.Valid || m.WinningOption == nil {
		return nil, errors.New("fairness.BuildProof: market not resolved")
	}
	commitment, err := MarketCommitment(m)
	if err != nil {
		return nil, err
	}

	p := &ResolutionProof{
		MarketID:         m.ID,
		Pair:             m.Pair,
		Question:         m.Question,
		Options:          m.Options(),
		ResolutionType:   string(m.ResolutionType),
		Target:           m.Target.String(),
		CloseDate:        m.CloseDate.UTC().Format("2006-01-02T15:04:05Z"),
		EndDate:          m.EndDate.UTC().Format("2006-01-02T15:04:05Z"),
		MinBetPerSlot:    m.MinBetPerSlot,
		MaxSlots:         m.MaxSlots,
		CreatorAddress:   m.CreatorAddress,
		MarketCommitment: commitment,
		ResolutionPrice:  m.ResolutionPrice.Decimal.String(),
		WinningOption:    *m.WinningOption,
		Attestations:     attestations,
		Payout:           payout,
		ChainEntries:     chainEntries,
		OnChainTxIDs:     txIDs,
	}
	if m.TargetHigh.Valid {
		th := m.TargetHigh.Decimal.String()
		p.TargetHigh = &th
	}

	hash, err := p.computeHash()
	if err != nil {
		return nil, err
	}
	p.ProofHash = hash
	return p, nil
}

func (p *ResolutionProof) computeHash() (string, error) {
	clone := *p
	clone.ProofHash = ""
	return CanonicalHash(&clone)
}

// MedianPrice returns the median over a set of attestation prices. Even
// counts average the middle pair.
func MedianPrice(attestations []*domain.OracleAttestation) (decimal.Decimal, error) {
	if len(attestations) == 0 {
		return decimal.Zero, errors.New("fairness.MedianPrice: no attestations")
	}
	prices := make([]decimal.Decimal, 0, len(attestations))
	for _, a := range attestations {
		d, err := decimal.NewFromString(a.Price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fairness.MedianPrice: %q: %w", a.Price, err)
		}
		prices = append(prices, d)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid], nil
	}
	return prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2)), nil
}

// VerifyProof independently re-derives everything in the package: the proof
// hash, the market commitment, every attestation signature, the median price
// over the attestations, the winner rule, and the chain subset.
func VerifyProof(p *ResolutionProof, operatorSecret string) error {
	want, err := p.computeHash()
	if err != nil {
		return err
	}
	if want != p.ProofHash {
		return errors.New("fairness.VerifyProof: proof hash mismatch")
	}

	m, err := marketFromProof(p)
	if err != nil {
		return err
	}
	commitment, err := MarketCommitment(m)
	if err != nil {
		return err
	}
	if commitment != p.MarketCommitment {
		return errors.New("fairness.VerifyProof: market commitment mismatch")
	}

	for _, a := range p.Attestations {
		if err := VerifyAttestation(a, operatorSecret); err != nil {
			return err
		}
	}

	price, err := decimal.NewFromString(p.ResolutionPrice)
	if err != nil {
		return fmt.Errorf("fairness.VerifyProof: resolution price: %w", err)
	}
	if len(p.Attestations) > 1 {
		median, err := MedianPrice(p.Attestations)
		if err != nil {
			return err
		}
		if !median.Equal(price) {
			return errors.New("fairness.VerifyProof: resolution price is not the attestation median")
		}
	}

	winner, err := m.DetermineWinner(price)
	if err != nil {
		return err
	}
	if int64(winner) != p.WinningOption {
		return fmt.Errorf("fairness.VerifyProof: winner rule yields %d, proof claims %d", winner, p.WinningOption)
	}

	if v := VerifyChainSequence(p.ChainEntries); !v.Valid {
		return fmt.Errorf("fairness.VerifyProof: chain broken at seq %d: %s", v.BrokenAt, v.Reason)
	}
	return nil
}

// marketFromProof rebuilds enough of the market to replay the commitment and
// the winner rule.
func marketFromProof(p *ResolutionProof) (*domain.Market, error) {
	target, err := decimal.NewFromString(p.Target)
	if err != nil {
		return nil, fmt.Errorf("fairness: proof target: %w", err)
	}
	optsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return nil, fmt.Errorf("fairness: proof options: %w", err)
	}
	m := &domain.Market{
		ID:             p.MarketID,
		Pair:           p.Pair,
		Question:       p.Question,
		ResolutionType: domain.ResolutionType(p.ResolutionType),
		Target:         target,
		MinBetPerSlot:  p.MinBetPerSlot,
		MaxSlots:       p.MaxSlots,
		CreatorAddress: p.CreatorAddress,
		OptionsJSON:    string(optsJSON),
	}
	m.CloseDate, err = domain.ParseUTCTimestamp(p.CloseDate)
	if err != nil {
		return nil, err
	}
	m.EndDate, err = domain.ParseUTCTimestamp(p.EndDate)
	if err != nil {
		return nil, err
	}
	if p.TargetHigh != nil {
		th, err := decimal.NewFromString(*p.TargetHigh)
		if err != nil {
			return nil, fmt.Errorf("fairness: proof target_high: %w", err)
		}
		m.TargetHigh = decimal.NullDecimal{Valid: true, Decimal: th}
	}
	return m, nil
}
