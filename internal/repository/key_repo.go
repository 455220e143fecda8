package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/domain"
)

// KeyRepository stores the AEAD-encrypted escrow seeds.
type KeyRepository struct {
	db *sqlx.DB
}

// NewKeyRepository creates a new KeyRepository.
func NewKeyRepository(db *sqlx.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// CreateTx inserts an encrypted key inside the escrow-creation transaction, so
// an escrow row never exists without its key.
func (r *KeyRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, k *domain.EscrowKey) error {
	query := `
		INSERT INTO escrow_keys (escrow_id, ciphertext, iv, auth_tag, status, created_at, updated_at)
		VALUES (:escrow_id, :ciphertext, :iv, :auth_tag, :status, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, k); err != nil {
		return fmt.Errorf("key_repo.CreateTx: %w", err)
	}
	return nil
}

// Get fetches the encrypted key for an escrow. Only active keys decrypt to a
// real seed; callers must check Status before use.
func (r *KeyRepository) Get(ctx context.Context, escrowID string) (*domain.EscrowKey, error) {
	var k domain.EscrowKey
	err := r.db.GetContext(ctx, &k, `SELECT * FROM escrow_keys WHERE escrow_id = ?`, escrowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrKeyNotActive
		}
		return nil, fmt.Errorf("key_repo.Get: %w", err)
	}
	return &k, nil
}

// GetActive fetches the key and verifies it is still usable.
func (r *KeyRepository) GetActive(ctx context.Context, escrowID string) (*domain.EscrowKey, error) {
	k, err := r.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if k.Status != domain.KeyActive {
		return nil, domain.ErrKeyNotActive
	}
	return k, nil
}

// MarkSwept records that the key's escrow has been emptied. The material is
// kept until Archive in case a sweep has to be retried.
func (r *KeyRepository) MarkSwept(ctx context.Context, escrowID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE escrow_keys SET status = 'swept', updated_at = ?
		WHERE escrow_id = ? AND status = 'active'`,
		time.Now().UTC(), escrowID)
	if err != nil {
		return fmt.Errorf("key_repo.MarkSwept: %w", err)
	}
	return nil
}

// Archive destroys the key material. The ciphertext, IV and tag are replaced
// with fresh random bytes of the same length in the same UPDATE that flips the
// status, so no row ever holds the old ciphertext alongside an archived
// status.
func (r *KeyRepository) Archive(ctx context.Context, escrowID string) error {
	k, err := r.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_keys SET ciphertext = ?, iv = ?, auth_tag = ?, status = 'archived', updated_at = ?
		WHERE escrow_id = ? AND status <> 'archived'`,
		randomHex(len(k.Ciphertext)), randomHex(len(k.IV)), randomHex(len(k.AuthTag)),
		time.Now().UTC(), escrowID)
	if err != nil {
		return fmt.Errorf("key_repo.Archive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrKeyNotActive
	}
	return nil
}

// randomHex returns n hex characters of fresh randomness.
func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}
