package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/domain"
)

// AuditRepository owns the commitment chain, oracle attestations and solvency
// proofs. The chain is append-only; nothing here updates or deletes a link.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Commitment chain
// ──────────────────────────────────────────────────────────────────────────────

// AppendChainTx appends one event to the commitment chain inside the caller's
// transaction. It reads the current head under the same transaction, so two
// concurrent appends cannot produce the same sequence number.
func (r *AuditRepository) AppendChainTx(ctx context.Context, tx *sqlx.Tx, eventType, entityID, payloadJSON string) (*domain.ChainEntry, error) {
	var head domain.ChainEntry
	prevHash := domain.GenesisHash
	seq := int64(1)
	err := tx.GetContext(ctx, &head,
		`SELECT * FROM commitment_chain ORDER BY sequence_num DESC LIMIT 1`)
	switch {
	case err == nil:
		prevHash = head.ChainHash
		seq = head.SequenceNum + 1
	case errors.Is(err, sql.ErrNoRows):
		// first link
	default:
		return nil, fmt.Errorf("audit_repo.AppendChainTx: head: %w", err)
	}

	entry := &domain.ChainEntry{
		SequenceNum: seq,
		EventType:   eventType,
		EntityID:    entityID,
		PayloadJSON: payloadJSON,
		PayloadHash: sha256Hex([]byte(payloadJSON)),
		PrevHash:    prevHash,
		CreatedAt:   time.Now().UTC(),
	}
	entry.ChainHash = ChainHash(entry.SequenceNum, entry.EventType, entry.EntityID, entry.PayloadHash, entry.PrevHash)

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO commitment_chain
			(sequence_num, event_type, entity_id, payload_json, payload_hash, prev_hash, chain_hash, created_at)
		VALUES
			(:sequence_num, :event_type, :entity_id, :payload_json, :payload_hash, :prev_hash, :chain_hash, :created_at)`,
		entry); err != nil {
		return nil, fmt.Errorf("audit_repo.AppendChainTx: insert: %w", err)
	}
	return entry, nil
}

// AppendChain appends one event in its own transaction. For call sites that
// are not already inside a larger mutation.
func (r *AuditRepository) AppendChain(ctx context.Context, eventType, entityID, payloadJSON string) (*domain.ChainEntry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit_repo.AppendChain: begin: %w", err)
	}
	entry, err := r.AppendChainTx(ctx, tx, eventType, entityID, payloadJSON)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit_repo.AppendChain: commit: %w", err)
	}
	return entry, nil
}

// ChainHash computes one link's hash from its fields.
func ChainHash(seq int64, eventType, entityID, payloadHash, prevHash string) string {
	material := fmt.Sprintf("%d|%s|%s|%s|%s", seq, eventType, entityID, payloadHash, prevHash)
	return sha256Hex([]byte(material))
}

// GetChainHead returns the newest link, or nil when the chain is empty.
func (r *AuditRepository) GetChainHead(ctx context.Context) (*domain.ChainEntry, error) {
	var head domain.ChainEntry
	err := r.db.GetContext(ctx, &head,
		`SELECT * FROM commitment_chain ORDER BY sequence_num DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit_repo.GetChainHead: %w", err)
	}
	return &head, nil
}

// ListChainRange returns links with from ≤ sequence_num ≤ to, in order.
func (r *AuditRepository) ListChainRange(ctx context.Context, from, to int64) ([]*domain.ChainEntry, error) {
	var entries []*domain.ChainEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM commitment_chain
		WHERE sequence_num >= ? AND sequence_num <= ?
		ORDER BY sequence_num ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit_repo.ListChainRange: %w", err)
	}
	return entries, nil
}

// ListChainByEntity returns every link touching an entity, in order.
func (r *AuditRepository) ListChainByEntity(ctx context.Context, entityID string) ([]*domain.ChainEntry, error) {
	var entries []*domain.ChainEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM commitment_chain WHERE entity_id = ? ORDER BY sequence_num ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit_repo.ListChainByEntity: %w", err)
	}
	return entries, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Oracle attestations
// ──────────────────────────────────────────────────────────────────────────────

// InsertAttestation stores one signed price observation.
func (r *AuditRepository) InsertAttestation(ctx context.Context, a *domain.OracleAttestation) error {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO oracle_attestations
			(market_id, source, pair, price, tick, epoch, source_ts, attestation_hash, server_signature, created_at)
		VALUES
			(:market_id, :source, :pair, :price, :tick, :epoch, :source_ts, :attestation_hash, :server_signature, :created_at)`,
		a)
	if err != nil {
		return fmt.Errorf("audit_repo.InsertAttestation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// ListAttestations returns a market's attestations, oldest first.
func (r *AuditRepository) ListAttestations(ctx context.Context, marketID string) ([]*domain.OracleAttestation, error) {
	var atts []*domain.OracleAttestation
	err := r.db.SelectContext(ctx, &atts, `
		SELECT * FROM oracle_attestations WHERE market_id = ? ORDER BY id ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("audit_repo.ListAttestations: %w", err)
	}
	return atts, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Solvency proofs
// ──────────────────────────────────────────────────────────────────────────────

// InsertSolvencyProof stores one merkle snapshot.
func (r *AuditRepository) InsertSolvencyProof(ctx context.Context, p *domain.SolvencyProof) error {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO solvency_proofs
			(merkle_root, total_user_balance, on_chain_balance, is_solvent, account_count, tick, epoch, leaves_json, created_at)
		VALUES
			(:merkle_root, :total_user_balance, :on_chain_balance, :is_solvent, :account_count, :tick, :epoch, :leaves_json, :created_at)`,
		p)
	if err != nil {
		return fmt.Errorf("audit_repo.InsertSolvencyProof: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

// LatestSolvencyProof returns the newest snapshot, or nil when none exists.
func (r *AuditRepository) LatestSolvencyProof(ctx context.Context) (*domain.SolvencyProof, error) {
	var p domain.SolvencyProof
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM solvency_proofs ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit_repo.LatestSolvencyProof: %w", err)
	}
	return &p, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
