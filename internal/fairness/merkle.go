package fairness

import (
	"fmt"
	"sort"
)

// BalanceLeaf is one account in the solvency snapshot.
type BalanceLeaf struct {
	Address   string `json:"address"`
	BalanceQU int64  `json:"balance_qu"`
}

// LeafHash hashes one account leaf.
func LeafHash(address string, balanceQU int64) string {
	return SHA256Hex([]byte(fmt.Sprintf("%s|%d", address, balanceQU)))
}

// MerkleRoot builds the solvency tree: leaves sorted by address ascending,
// levels combined pairwise, odd nodes paired with themselves. An empty leaf
// set hashes the empty string.
func MerkleRoot(leaves []BalanceLeaf) string {
	if len(leaves) == 0 {
		return SHA256Hex(nil)
	}
	level := hashedLeaves(leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func hashedLeaves(leaves []BalanceLeaf) []string {
	sorted := make([]BalanceLeaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	hashes := make([]string, len(sorted))
	for i, l := range sorted {
		hashes[i] = LeafHash(l.Address, l.BalanceQU)
	}
	return hashes
}

func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i] // odd node pairs with itself
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, SHA256Hex([]byte(level[i]+right)))
	}
	return next
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"` // sibling sits to the right of the path node
}

// InclusionProof walks an address's path up the tree. Returns an error when
// the address is not in the leaf set.
func InclusionProof(leaves []BalanceLeaf, address string) ([]ProofStep, error) {
	sorted := make([]BalanceLeaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	idx := -1
	for i, l := range sorted {
		if l.Address == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("fairness.InclusionProof: address %s not in snapshot", address)
	}

	level := hashedLeaves(leaves)
	var path []ProofStep
	for len(level) > 1 {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // odd node, self-paired
		}
		path = append(path, ProofStep{Hash: level[sibling], Right: sibling >= idx})
		level = nextLevel(level)
		idx /= 2
	}
	return path, nil
}

// VerifyInclusion replays an inclusion proof against a root.
func VerifyInclusion(address string, balanceQU int64, path []ProofStep, root string) bool {
	h := LeafHash(address, balanceQU)
	for _, step := range path {
		if step.Right {
			h = SHA256Hex([]byte(h + step.Hash))
		} else {
			h = SHA256Hex([]byte(step.Hash + h))
		}
	}
	return h == root
}
