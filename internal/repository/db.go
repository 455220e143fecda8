// Package repository contains all database access for the settlement engine.
// One SQLite file, one process-wide writer; every multi-row mutation that
// crosses an invariant line runs inside a single transaction.
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Open connects to the SQLite database at path, applies the pragmas the
// engine depends on (WAL, foreign keys, busy timeout) and creates any missing
// tables. Pass ":memory:" for tests.
func Open(path string, busyTimeout time.Duration) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_loc=UTC",
		path, busyTimeout.Milliseconds())
	if path == ":memory:" {
		// Shared cache so every pool connection sees the same in-memory DB.
		dsn = "file::memory:?cache=shared&_busy_timeout=5000&_foreign_keys=on&_loc=UTC"
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository.Open: %w", err)
	}
	// A single writer keeps the atomic-claim updates serialisable.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository.Open: migrate: %w", err)
	}
	return db, nil
}

// migrate creates all tables and indices. Idempotent.
func migrate(db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id               TEXT PRIMARY KEY,
		on_chain_bet_id  INTEGER,
		pair             TEXT NOT NULL DEFAULT '',
		question         TEXT NOT NULL,
		market_type      TEXT NOT NULL,
		status           TEXT NOT NULL,
		options_json     TEXT NOT NULL,
		slots_json       TEXT NOT NULL,
		total_pool       INTEGER NOT NULL DEFAULT 0,
		min_bet_per_slot INTEGER NOT NULL,
		max_slots        INTEGER NOT NULL,
		resolution_type  TEXT NOT NULL,
		target           TEXT NOT NULL,
		target_high      TEXT,
		close_date       DATETIME NOT NULL,
		end_date         DATETIME NOT NULL,
		refund_at        DATETIME,
		resolution_price TEXT,
		winning_option   INTEGER,
		creator_address  TEXT NOT NULL DEFAULT '',
		creation_tx_id   TEXT,
		commitment_hash  TEXT NOT NULL DEFAULT '',
		oracle_addrs_json TEXT NOT NULL DEFAULT '[]',
		oracle_fee_bps   INTEGER NOT NULL DEFAULT 0,
		category         TEXT NOT NULL DEFAULT '',
		ai_attempts      INTEGER NOT NULL DEFAULT 0,
		ai_proof_json    TEXT,
		provenance       TEXT NOT NULL DEFAULT 'user',
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status);`,
	`CREATE INDEX IF NOT EXISTS idx_markets_end_date ON markets(end_date);`,

	`CREATE TABLE IF NOT EXISTS bets (
		id               TEXT PRIMARY KEY,
		market_id        TEXT NOT NULL REFERENCES markets(id),
		user_address     TEXT NOT NULL,
		option_idx       INTEGER NOT NULL,
		slots            INTEGER NOT NULL,
		amount_qu        INTEGER NOT NULL,
		tx_id            TEXT,
		status           TEXT NOT NULL,
		payout_qu        INTEGER NOT NULL DEFAULT 0,
		commitment_hash  TEXT NOT NULL DEFAULT '',
		commitment_nonce TEXT NOT NULL DEFAULT '',
		user_signature   TEXT,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_id);`,
	`CREATE INDEX IF NOT EXISTS idx_bets_user ON bets(user_address);`,

	`CREATE TABLE IF NOT EXISTS escrows (
		id                  TEXT PRIMARY KEY,
		bet_id              TEXT NOT NULL REFERENCES bets(id),
		market_id           TEXT NOT NULL REFERENCES markets(id),
		escrow_address      TEXT NOT NULL UNIQUE,
		user_address        TEXT NOT NULL,
		option_idx          INTEGER NOT NULL,
		slots               INTEGER NOT NULL,
		expected_amount     INTEGER NOT NULL,
		status              TEXT NOT NULL,
		deposit_detected_at DATETIME,
		deposit_amount      INTEGER NOT NULL DEFAULT 0,
		join_tx_id          TEXT,
		join_tick           INTEGER NOT NULL DEFAULT 0,
		join_retries        INTEGER NOT NULL DEFAULT 0,
		payout_detected_at  DATETIME,
		payout_amount       INTEGER NOT NULL DEFAULT 0,
		sweep_tx_id         TEXT,
		sweep_tick          INTEGER NOT NULL DEFAULT 0,
		expires_at          DATETIME NOT NULL,
		created_at          DATETIME NOT NULL,
		updated_at          DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_market ON escrows(market_id);`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_bet ON escrows(bet_id);`,

	`CREATE TABLE IF NOT EXISTS escrow_keys (
		escrow_id  TEXT PRIMARY KEY REFERENCES escrows(id),
		ciphertext TEXT NOT NULL,
		iv         TEXT NOT NULL,
		auth_tag   TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS accounts (
		address         TEXT PRIMARY KEY,
		display_name    TEXT NOT NULL DEFAULT '',
		balance_qu      INTEGER NOT NULL DEFAULT 0,
		total_deposited INTEGER NOT NULL DEFAULT 0,
		total_withdrawn INTEGER NOT NULL DEFAULT 0,
		total_bet       INTEGER NOT NULL DEFAULT 0,
		total_won       INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS ledger (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		address    TEXT NOT NULL,
		type       TEXT NOT NULL,
		amount_qu  INTEGER NOT NULL,
		tx_hash    TEXT,
		market_id  TEXT,
		status     TEXT NOT NULL DEFAULT 'completed',
		created_at DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS commitment_chain (
		sequence_num INTEGER PRIMARY KEY,
		event_type   TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		chain_hash   TEXT NOT NULL,
		created_at   DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chain_entity ON commitment_chain(entity_id);`,

	`CREATE TABLE IF NOT EXISTS oracle_attestations (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		market_id        TEXT NOT NULL,
		source           TEXT NOT NULL,
		pair             TEXT NOT NULL,
		price            TEXT NOT NULL,
		tick             INTEGER NOT NULL DEFAULT 0,
		epoch            INTEGER NOT NULL DEFAULT 0,
		source_ts        INTEGER NOT NULL,
		attestation_hash TEXT NOT NULL,
		server_signature TEXT NOT NULL,
		created_at       DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_attestations_market ON oracle_attestations(market_id);`,

	`CREATE TABLE IF NOT EXISTS solvency_proofs (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		merkle_root        TEXT NOT NULL,
		total_user_balance INTEGER NOT NULL,
		on_chain_balance   INTEGER NOT NULL,
		is_solvent         INTEGER NOT NULL,
		account_count      INTEGER NOT NULL,
		tick               INTEGER NOT NULL DEFAULT 0,
		epoch              INTEGER NOT NULL DEFAULT 0,
		leaves_json        TEXT NOT NULL,
		created_at         DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS nonces (
		address    TEXT NOT NULL,
		nonce      TEXT NOT NULL,
		endpoint   TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (address, nonce)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_nonces_created ON nonces(created_at);`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key           TEXT PRIMARY KEY,
		response_json TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS cron_locks (
		name        TEXT PRIMARY KEY,
		holder_id   TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at  DATETIME NOT NULL
	);`,
}

// ──────────────────────────────────────────────────────────────────────────────
// Backup
// ──────────────────────────────────────────────────────────────────────────────

// Backup snapshots the live database into dir via VACUUM INTO and prunes all
// but the most recent keep files. Safe to run while the engine is writing —
// VACUUM INTO takes a read transaction.
func Backup(ctx context.Context, db *sqlx.DB, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("repository.Backup: mkdir: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("qpredict-%s.db", time.Now().UTC().Format("20060102T150405Z")))
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, name); err != nil {
		return "", fmt.Errorf("repository.Backup: vacuum: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return name, fmt.Errorf("repository.Backup: prune readdir: %w", err)
	}
	var snaps []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "qpredict-") && strings.HasSuffix(e.Name(), ".db") {
			snaps = append(snaps, e.Name())
		}
	}
	sort.Strings(snaps)
	for len(snaps) > keep {
		if err := os.Remove(filepath.Join(dir, snaps[0])); err != nil {
			return name, fmt.Errorf("repository.Backup: prune: %w", err)
		}
		snaps = snaps[1:]
	}
	return name, nil
}
