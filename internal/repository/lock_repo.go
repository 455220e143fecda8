package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/domain"
)

// LockRepository holds the cron lock, nonce replay guard and idempotency
// cache. All three ride on SQLite primary-key conflicts.
type LockRepository struct {
	db *sqlx.DB
}

// NewLockRepository creates a new LockRepository.
func NewLockRepository(db *sqlx.DB) *LockRepository {
	return &LockRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Cron lock
// ──────────────────────────────────────────────────────────────────────────────

// AcquireCronLock tries to take the named lock for ttl. An expired lock is
// swept first, so a crashed holder cannot wedge the scheduler past the TTL.
func (r *LockRepository) AcquireCronLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM cron_locks WHERE name = ? AND expires_at <= ?`, name, now); err != nil {
		return false, fmt.Errorf("lock_repo.AcquireCronLock: sweep: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cron_locks (name, holder_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`, name, holderID, now, now.Add(ttl))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("lock_repo.AcquireCronLock: %w", err)
	}
	return true, nil
}

// ReleaseCronLock drops the lock if this holder still owns it.
func (r *LockRepository) ReleaseCronLock(ctx context.Context, name, holderID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cron_locks WHERE name = ? AND holder_id = ?`, name, holderID)
	if err != nil {
		return fmt.Errorf("lock_repo.ReleaseCronLock: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Nonce replay guard
// ──────────────────────────────────────────────────────────────────────────────

// InsertNonce records a (address, nonce) pair. A replay hits the primary key
// and surfaces as domain.ErrNonceReplayed.
func (r *LockRepository) InsertNonce(ctx context.Context, address, nonce, endpoint string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nonces (address, nonce, endpoint, created_at) VALUES (?, ?, ?, ?)`,
		address, nonce, endpoint, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrNonceReplayed
		}
		return fmt.Errorf("lock_repo.InsertNonce: %w", err)
	}
	return nil
}

// SweepNonces deletes nonces older than maxAge. Signed requests carry a
// timestamp bound far shorter than the retention window, so deletion cannot
// reopen a replay.
func (r *LockRepository) SweepNonces(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE created_at < ?`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("lock_repo.SweepNonces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Idempotency cache
// ──────────────────────────────────────────────────────────────────────────────

// GetIdempotent returns the cached response for a key, or ("", false).
func (r *LockRepository) GetIdempotent(ctx context.Context, key string) (string, bool, error) {
	var response string
	err := r.db.GetContext(ctx, &response,
		`SELECT response_json FROM idempotency_keys WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock_repo.GetIdempotent: %w", err)
	}
	return response, true, nil
}

// PutIdempotent caches a response under a key. First write wins.
func (r *LockRepository) PutIdempotent(ctx context.Context, key, responseJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, response_json, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`, key, responseJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("lock_repo.PutIdempotent: %w", err)
	}
	return nil
}

// SweepIdempotent deletes cached responses older than maxAge.
func (r *LockRepository) SweepIdempotent(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("lock_repo.SweepIdempotent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
