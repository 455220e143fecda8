package qubic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
)

// seedPattern is the only accepted seed shape: 55 lowercase ASCII letters.
var seedPattern = regexp.MustCompile(`^[a-z]{55}$`)

// ValidSeed reports whether s is a well-formed seed.
func ValidSeed(s string) bool {
	return seedPattern.MatchString(s)
}

// Identity is one derived on-chain identity: seed in, keypair and 60-char
// address out.
type Identity struct {
	Seed       string
	PublicKey  [32]byte
	privateKey ed25519.PrivateKey
	Address    string
}

// NewRandomSeed generates a fresh 55-letter seed.
func NewRandomSeed() (string, error) {
	buf := make([]byte, 55)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("qubic.NewRandomSeed: %w", err)
	}
	for i, b := range buf {
		buf[i] = 'a' + b%26
	}
	return string(buf), nil
}

// DeriveIdentity deterministically derives the keypair and address from a
// seed: subseed = SHA256(seed), ed25519 key from the subseed, address from
// the public key.
func DeriveIdentity(seed string) (*Identity, error) {
	if !ValidSeed(seed) {
		return nil, fmt.Errorf("qubic.DeriveIdentity: malformed seed")
	}
	subseed := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(subseed[:])

	id := &Identity{Seed: seed, privateKey: priv}
	copy(id.PublicKey[:], priv.Public().(ed25519.PublicKey))
	id.Address = EncodeAddress(id.PublicKey)
	return id, nil
}

// Sign signs a digest with the identity's private key.
func (id *Identity) Sign(digest []byte) []byte {
	return ed25519.Sign(id.privateKey, digest)
}

// EncodeAddress renders a public key as the 60-character uppercase identity:
// four little-endian u64 quarters, each as 14 base-26 letters, plus a 4-letter
// checksum over the key.
func EncodeAddress(pubkey [32]byte) string {
	out := make([]byte, 0, 60)
	for q := 0; q < 4; q++ {
		v := binary.LittleEndian.Uint64(pubkey[q*8:])
		for i := 0; i < 14; i++ {
			out = append(out, byte('A'+v%26))
			v /= 26
		}
	}
	sum := sha256.Sum256(pubkey[:])
	check := binary.LittleEndian.Uint32(sum[:4]) & 0x3FFFF
	for i := 0; i < 4; i++ {
		out = append(out, byte('A'+check%26))
		check /= 26
	}
	return string(out)
}

// DecodeAddress recovers the public key from a 60-character identity,
// verifying shape and checksum.
func DecodeAddress(addr string) ([32]byte, error) {
	var pubkey [32]byte
	if len(addr) != 60 {
		return pubkey, fmt.Errorf("qubic.DecodeAddress: length %d", len(addr))
	}
	for q := 0; q < 4; q++ {
		var v uint64
		for i := 13; i >= 0; i-- {
			c := addr[q*14+i]
			if c < 'A' || c > 'Z' {
				return pubkey, fmt.Errorf("qubic.DecodeAddress: bad character %q", c)
			}
			v = v*26 + uint64(c-'A')
		}
		binary.LittleEndian.PutUint64(pubkey[q*8:], v)
	}
	if EncodeAddress(pubkey) != addr {
		return pubkey, fmt.Errorf("qubic.DecodeAddress: checksum mismatch")
	}
	return pubkey, nil
}

// ValidAddress checks the shape and checksum of a 60-character identity.
func ValidAddress(addr string) bool {
	_, err := DecodeAddress(addr)
	return err == nil
}
