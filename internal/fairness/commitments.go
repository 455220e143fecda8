package fairness

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/qpredict/engine/internal/domain"
)

// NewCommitmentNonce returns 16 random bytes as hex.
func NewCommitmentNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("fairness.NewCommitmentNonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BetCommitment binds a bet to its parameters before the deposit arrives.
func BetCommitment(marketID, userAddress string, option, slots int64, nonce string) string {
	material := fmt.Sprintf("%s|%s|%d|%d|%s", marketID, userAddress, option, slots, nonce)
	return SHA256Hex([]byte(material))
}

// MarketCommitment hashes the market's resolution-relevant parameters so they
// cannot be changed after bets are taken.
func MarketCommitment(m *domain.Market) (string, error) {
	var targetHigh any
	if m.TargetHigh.Valid {
		targetHigh = m.TargetHigh.Decimal.String()
	}
	return CanonicalHash(map[string]any{
		"pair":            m.Pair,
		"question":        m.Question,
		"resolution_type": string(m.ResolutionType),
		"target":          m.Target.String(),
		"target_high":     targetHigh,
		"close":           m.CloseDate.UTC().Format("2006-01-02T15:04:05Z"),
		"end":             m.EndDate.UTC().Format("2006-01-02T15:04:05Z"),
		"min_bet":         m.MinBetPerSlot,
		"max_slots":       m.MaxSlots,
		"creator":         m.CreatorAddress,
	})
}
