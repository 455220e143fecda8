// Package vault encrypts escrow seeds at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

const (
	keyLen = 32
	ivLen  = 12
	tagLen = 16
)

// Seeds are exactly 55 lowercase ASCII letters; anything else is rejected on
// both encrypt and decrypt.
var seedPattern = regexp.MustCompile(`^[a-z]{55}$`)

var (
	ErrBadSeed    = errors.New("vault: malformed seed")
	ErrBadMaster  = errors.New("vault: empty master secret")
	ErrDecryption = errors.New("vault: decryption failed")
)

// EncryptedSeed is the hex-encoded AEAD output stored in escrow_keys.
type EncryptedSeed struct {
	Ciphertext string
	IV         string
	AuthTag    string
}

// Vault holds the derived master key.
type Vault struct {
	key [keyLen]byte
}

// New derives the master key from the operator secret: a 64-hex-char secret
// decodes directly, anything else is hashed with SHA-256.
func New(operatorSecret string) (*Vault, error) {
	if operatorSecret == "" {
		return nil, ErrBadMaster
	}
	v := &Vault{}
	if len(operatorSecret) == 64 {
		if decoded, err := hex.DecodeString(operatorSecret); err == nil {
			copy(v.key[:], decoded)
			return v, nil
		}
	}
	v.key = sha256.Sum256([]byte(operatorSecret))
	return v, nil
}

// Encrypt seals a seed with a fresh random IV.
func (v *Vault) Encrypt(seed string) (*EncryptedSeed, error) {
	if !seedPattern.MatchString(seed) {
		return nil, ErrBadSeed
	}
	aead, err := v.aead()
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("vault.Encrypt: iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(seed), nil)
	// Seal appends the 16-byte tag; store it separately.
	split := len(sealed) - tagLen
	return &EncryptedSeed{
		Ciphertext: hex.EncodeToString(sealed[:split]),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens a sealed seed and validates the plaintext shape. An AEAD
// failure and a malformed plaintext are both fatal for the escrow.
func (v *Vault) Decrypt(enc *EncryptedSeed) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", err
	}
	ciphertext, err := hex.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext hex", ErrDecryption)
	}
	iv, err := hex.DecodeString(enc.IV)
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("%w: iv", ErrDecryption)
	}
	tag, err := hex.DecodeString(enc.AuthTag)
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("%w: tag", ErrDecryption)
	}

	plain, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryption
	}
	if !seedPattern.MatchString(string(plain)) {
		return "", ErrBadSeed
	}
	return string(plain), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return aead, nil
}
