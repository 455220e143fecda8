// Package fairness implements the provably-fair layer: canonical hashing,
// the commitment chain verifier, oracle attestations, the solvency merkle
// tree and resolution proof packages. SHA-256 and HMAC-SHA-256 are the only
// primitives.
package fairness

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalJSON renders v with recursively sorted object keys and no
// whitespace. Every proof hash in the system goes through this function, so
// its output must never change shape.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fairness.CanonicalJSON: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("fairness.CanonicalJSON: %w", err)
	}
	var sb strings.Builder
	writeCanonical(&sb, decoded)
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(t)
		sb.Write(b)
	}
}

// SHA256Hex returns the hex digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash is SHA256Hex over CanonicalJSON.
func CanonicalHash(v any) (string, error) {
	cj, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex([]byte(cj)), nil
}
