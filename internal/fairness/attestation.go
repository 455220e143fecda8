package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/domain"
)

// AttestationHash hashes one price observation. The price renders with
// exactly eight decimal places so every verifier reproduces the same string.
func AttestationHash(source, pair string, price decimal.Decimal, tick, epoch uint32, sourceTS int64) string {
	material := fmt.Sprintf("%s|%s|%s|%d|%d|%d",
		source, pair, price.StringFixed(8), tick, epoch, sourceTS)
	return SHA256Hex([]byte(material))
}

// SignAttestation computes the HMAC-SHA256 server signature over a hash.
func SignAttestation(attestationHash, operatorSecret string) string {
	mac := hmac.New(sha256.New, []byte(operatorSecret))
	mac.Write([]byte(attestationHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewAttestation builds a fully signed attestation for one price sample.
func NewAttestation(marketID, source, pair string, price decimal.Decimal, tick, epoch uint32, sourceTS int64, operatorSecret string) *domain.OracleAttestation {
	hash := AttestationHash(source, pair, price, tick, epoch, sourceTS)
	return &domain.OracleAttestation{
		MarketID:        marketID,
		Source:          source,
		Pair:            pair,
		Price:           price.StringFixed(8),
		Tick:            tick,
		Epoch:           epoch,
		SourceTS:        sourceTS,
		AttestationHash: hash,
		ServerSignature: SignAttestation(hash, operatorSecret),
		CreatedAt:       time.Now().UTC(),
	}
}

// VerifyAttestation recomputes the hash and signature of a stored
// attestation.
func VerifyAttestation(a *domain.OracleAttestation, operatorSecret string) error {
	price, err := decimal.NewFromString(a.Price)
	if err != nil {
		return fmt.Errorf("fairness.VerifyAttestation: price %q: %w", a.Price, err)
	}
	if got := AttestationHash(a.Source, a.Pair, price, a.Tick, a.Epoch, a.SourceTS); got != a.AttestationHash {
		return fmt.Errorf("fairness.VerifyAttestation: hash mismatch for %s/%s", a.Source, a.Pair)
	}
	want := SignAttestation(a.AttestationHash, operatorSecret)
	if !hmac.Equal([]byte(want), []byte(a.ServerSignature)) {
		return fmt.Errorf("fairness.VerifyAttestation: bad signature for %s/%s", a.Source, a.Pair)
	}
	return nil
}
