package fairness

import (
	"fmt"

	"github.com/qpredict/engine/internal/domain"
)

// ChainVerification is the outcome of a commitment chain check.
type ChainVerification struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"` // sequence number of the first bad link
	Reason   string `json:"reason,omitempty"`
}

// linkHash recomputes one link's chain hash from its fields.
func linkHash(e *domain.ChainEntry) string {
	material := fmt.Sprintf("%d|%s|%s|%s|%s",
		e.SequenceNum, e.EventType, e.EntityID, e.PayloadHash, e.PrevHash)
	return SHA256Hex([]byte(material))
}

// VerifyChainSequence checks a slice of chain entries. Every entry must
// recompute to its stored payload and chain hashes; consecutive sequence
// numbers must link prev_hash to the prior chain_hash. Gaps (entity-filtered
// slices) are not required to link across.
func VerifyChainSequence(entries []*domain.ChainEntry) ChainVerification {
	for i, e := range entries {
		if got := SHA256Hex([]byte(e.PayloadJSON)); got != e.PayloadHash {
			return ChainVerification{
				Checked: i, BrokenAt: e.SequenceNum,
				Reason: "payload hash mismatch",
			}
		}
		if got := linkHash(e); got != e.ChainHash {
			return ChainVerification{
				Checked: i, BrokenAt: e.SequenceNum,
				Reason: "chain hash mismatch",
			}
		}
		if i > 0 {
			prev := entries[i-1]
			if e.SequenceNum == prev.SequenceNum+1 && e.PrevHash != prev.ChainHash {
				return ChainVerification{
					Checked: i, BrokenAt: e.SequenceNum,
					Reason: "broken link to previous entry",
				}
			}
		}
	}
	return ChainVerification{Valid: true, Checked: len(entries)}
}
