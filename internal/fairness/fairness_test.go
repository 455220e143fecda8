package fairness

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/qpredict/engine/internal/domain"
)

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": []any{"x", 2}},
	})
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":["x",2],"z":true},"b":1}`, got)

	// Same value, different construction order: identical output.
	again, err := CanonicalJSON(struct {
		A map[string]any `json:"a"`
		B int            `json:"b"`
	}{A: map[string]any{"y": []any{"x", 2}, "z": true}, B: 1})
	require.NoError(t, err)
	require.Equal(t, got, again)
}

// ──────────────────────────────────────────────────────────────────────────────
// Commitment chain
// ──────────────────────────────────────────────────────────────────────────────

func buildTestChain(t *testing.T, n int) []*domain.ChainEntry {
	t.Helper()
	entries := make([]*domain.ChainEntry, 0, n)
	prev := domain.GenesisHash
	for i := 1; i <= n; i++ {
		payload := fmt.Sprintf(`{"n":%d}`, i)
		e := &domain.ChainEntry{
			SequenceNum: int64(i),
			EventType:   domain.EventBetPlaced,
			EntityID:    fmt.Sprintf("bet_%d", i),
			PayloadJSON: payload,
			PayloadHash: SHA256Hex([]byte(payload)),
			PrevHash:    prev,
			CreatedAt:   time.Now().UTC(),
		}
		e.ChainHash = linkHash(e)
		prev = e.ChainHash
		entries = append(entries, e)
	}
	return entries
}

func TestVerifyChainSequence(t *testing.T) {
	entries := buildTestChain(t, 5)
	v := VerifyChainSequence(entries)
	require.True(t, v.Valid)
	require.Equal(t, 5, v.Checked)
}

// Mutating any historical payload must break verification at that link.
func TestChainDetectsMutation(t *testing.T) {
	entries := buildTestChain(t, 5)
	entries[2].PayloadJSON = `{"n":999}`

	v := VerifyChainSequence(entries)
	require.False(t, v.Valid)
	require.Equal(t, int64(3), v.BrokenAt)
	require.Equal(t, "payload hash mismatch", v.Reason)

	// Re-hashing the tampered payload still breaks the link to the next row.
	entries[2].PayloadHash = SHA256Hex([]byte(entries[2].PayloadJSON))
	entries[2].ChainHash = linkHash(entries[2])
	v = VerifyChainSequence(entries)
	require.False(t, v.Valid)
	require.Equal(t, int64(4), v.BrokenAt)
}

// Entity-filtered slices skip sequence gaps without failing.
func TestChainSliceWithGaps(t *testing.T) {
	entries := buildTestChain(t, 6)
	slice := []*domain.ChainEntry{entries[0], entries[2], entries[5]}
	v := VerifyChainSequence(slice)
	require.True(t, v.Valid)
}

// ──────────────────────────────────────────────────────────────────────────────
// Commitments & attestations
// ──────────────────────────────────────────────────────────────────────────────

func TestBetCommitmentBindsNonce(t *testing.T) {
	nonce, err := NewCommitmentNonce()
	require.NoError(t, err)
	require.Len(t, nonce, 32)

	c1 := BetCommitment("mkt_1", "ALICE", 0, 2, nonce)
	c2 := BetCommitment("mkt_1", "ALICE", 0, 2, nonce)
	require.Equal(t, c1, c2)

	other, _ := NewCommitmentNonce()
	require.NotEqual(t, c1, BetCommitment("mkt_1", "ALICE", 0, 2, other))
	require.NotEqual(t, c1, BetCommitment("mkt_1", "ALICE", 1, 2, nonce))
}

func TestAttestationRoundTrip(t *testing.T) {
	price := decimal.RequireFromString("104250.5")
	a := NewAttestation("mkt_1", "binance", "BTC/USDT", price, 100, 7, 1756000000, "op-secret")
	require.Equal(t, "104250.50000000", a.Price)
	require.NoError(t, VerifyAttestation(a, "op-secret"))

	require.Error(t, VerifyAttestation(a, "wrong-secret"))

	a.Price = "104250.60000000"
	require.Error(t, VerifyAttestation(a, "op-secret"), "edited price must fail the hash")
}

// ──────────────────────────────────────────────────────────────────────────────
// Solvency merkle tree
// ──────────────────────────────────────────────────────────────────────────────

func TestMerkleRootDeterministic(t *testing.T) {
	leaves := []BalanceLeaf{
		{"CAROL", 5_000},
		{"ALICE", 30_000},
		{"BOB", 12_500},
	}
	root := MerkleRoot(leaves)
	require.Len(t, root, 64)

	// Input order must not matter: the tree sorts by address.
	shuffled := []BalanceLeaf{leaves[1], leaves[2], leaves[0]}
	require.Equal(t, root, MerkleRoot(shuffled))

	// Changing one balance changes the root.
	leaves[0].BalanceQU++
	require.NotEqual(t, root, MerkleRoot(leaves))
}

func TestInclusionProof(t *testing.T) {
	leaves := []BalanceLeaf{
		{"ALICE", 30_000},
		{"BOB", 12_500},
		{"CAROL", 5_000}, // odd leaf, self-paired
	}
	root := MerkleRoot(leaves)

	for _, l := range leaves {
		path, err := InclusionProof(leaves, l.Address)
		require.NoError(t, err)
		require.True(t, VerifyInclusion(l.Address, l.BalanceQU, path, root), l.Address)
		require.False(t, VerifyInclusion(l.Address, l.BalanceQU+1, path, root),
			"wrong balance must not verify")
	}

	_, err := InclusionProof(leaves, "MALLORY")
	require.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Resolution proof package
// ──────────────────────────────────────────────────────────────────────────────

func resolvedMarket(t *testing.T) *domain.Market {
	t.Helper()
	winner := int64(0)
	return &domain.Market{
		ID:             "mkt_test",
		Pair:           "BTC/USDT",
		Question:       "BTC above 100k?",
		MarketType:     domain.MarketTypePrice,
		ResolutionType: domain.ResolveAbove,
		Target:         decimal.NewFromInt(100_000),
		OptionsJSON:    `["YES","NO"]`,
		MinBetPerSlot:  10_000,
		MaxSlots:       100,
		CloseDate:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		CreatorAddress: "CREATOR",
		ResolutionPrice: decimal.NullDecimal{
			Valid: true, Decimal: decimal.RequireFromString("104000"),
		},
		WinningOption: &winner,
	}
}

func TestBuildAndVerifyProof(t *testing.T) {
	m := resolvedMarket(t)
	atts := []*domain.OracleAttestation{
		NewAttestation(m.ID, "binance", m.Pair, decimal.RequireFromString("103900"), 0, 0, 1, "op-secret"),
		NewAttestation(m.ID, "bybit", m.Pair, decimal.RequireFromString("104000"), 0, 0, 1, "op-secret"),
		NewAttestation(m.ID, "okx", m.Pair, decimal.RequireFromString("104100"), 0, 0, 1, "op-secret"),
	}
	payout := PayoutSummary{TotalPoolQU: 40_000, WinnerSlots: 2, TotalSlots: 4, PerSlotQU: 18_750}
	chain := buildTestChain(t, 3)

	proof, err := BuildProof(m, atts, payout, chain, []string{"tx1", "tx2"})
	require.NoError(t, err)
	require.NotEmpty(t, proof.ProofHash)
	require.NoError(t, VerifyProof(proof, "op-secret"))

	// Tampering with the claimed winner must fail: first the hash, and after
	// re-hashing, the winner-rule replay.
	proof.WinningOption = 1
	require.Error(t, VerifyProof(proof, "op-secret"))
	proof.ProofHash, err = proof.computeHash()
	require.NoError(t, err)
	require.Error(t, VerifyProof(proof, "op-secret"))
}

func TestVerifyProofChecksMedian(t *testing.T) {
	m := resolvedMarket(t)
	// Median of these two is 104000 — matches the stored resolution price.
	atts := []*domain.OracleAttestation{
		NewAttestation(m.ID, "binance", m.Pair, decimal.RequireFromString("103000"), 0, 0, 1, "op-secret"),
		NewAttestation(m.ID, "bybit", m.Pair, decimal.RequireFromString("105000"), 0, 0, 1, "op-secret"),
	}
	proof, err := BuildProof(m, atts, PayoutSummary{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, VerifyProof(proof, "op-secret"))

	// A resolution price off the attestation median must not verify.
	m.ResolutionPrice = decimal.NullDecimal{Valid: true, Decimal: decimal.RequireFromString("105000")}
	proof, err = BuildProof(m, atts, PayoutSummary{}, nil, nil)
	require.NoError(t, err)
	require.Error(t, VerifyProof(proof, "op-secret"))
}

func TestMedianPrice(t *testing.T) {
	mk := func(prices ...string) []*domain.OracleAttestation {
		var atts []*domain.OracleAttestation
		for _, p := range prices {
			atts = append(atts, &domain.OracleAttestation{Price: p})
		}
		return atts
	}

	med, err := MedianPrice(mk("3", "1", "2"))
	require.NoError(t, err)
	require.True(t, med.Equal(decimal.NewFromInt(2)))

	med, err = MedianPrice(mk("1", "4"))
	require.NoError(t, err)
	require.True(t, med.Equal(decimal.RequireFromString("2.5")))

	_, err = MedianPrice(nil)
	require.Error(t, err)
}
