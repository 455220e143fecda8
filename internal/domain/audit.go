package domain

import "time"

// GenesisHash seeds the commitment chain before any event exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Commitment-chain event types. One vocabulary for the whole engine so
// verifiers can replay without a mapping table.
const (
	EventMarketCreated     = "market_created"
	EventMarketActive      = "market_active"
	EventMarketClosed      = "market_closed"
	EventMarketResolved    = "market_resolved"
	EventMarketCanceled    = "market_cancelled"
	EventBetPlaced         = "bet_placed"
	EventBetConfirmed      = "bet_confirmed"
	EventBetRefunded       = "bet_refunded"
	EventEscrowSwept       = "escrow_swept"
	EventPayoutCredited    = "payout_credited"
	EventSolvencyProved    = "solvency_proved"
	EventSolvencyViolation = "solvency_violation"
	EventMarketRecovery    = "market_recovery"
)

// ChainEntry is one link of the append-only commitment chain. chain_hash
// covers the sequence number, event, entity, payload hash and the previous
// link, so any retroactive edit breaks every later link.
type ChainEntry struct {
	SequenceNum int64     `json:"sequence_num" db:"sequence_num"`
	EventType   string    `json:"event_type"   db:"event_type"`
	EntityID    string    `json:"entity_id"    db:"entity_id"`
	PayloadJSON string    `json:"payload_json" db:"payload_json"`
	PayloadHash string    `json:"payload_hash" db:"payload_hash"`
	PrevHash    string    `json:"prev_hash"    db:"prev_hash"`
	ChainHash   string    `json:"chain_hash"   db:"chain_hash"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// OracleAttestation is one price observation from one source, hashed and
// HMAC-signed at fetch time so the resolution inputs are tamper-evident.
type OracleAttestation struct {
	ID              int64     `json:"id"               db:"id"`
	MarketID        string    `json:"market_id"        db:"market_id"`
	Source          string    `json:"source"           db:"source"`
	Pair            string    `json:"pair"             db:"pair"`
	Price           string    `json:"price"            db:"price"` // 8-decimal fixed string
	Tick            uint32    `json:"tick"             db:"tick"`
	Epoch           uint32    `json:"epoch"            db:"epoch"`
	SourceTS        int64     `json:"source_ts"        db:"source_ts"`
	AttestationHash string    `json:"attestation_hash" db:"attestation_hash"`
	ServerSignature string    `json:"server_signature" db:"server_signature"`
	CreatedAt       time.Time `json:"created_at"       db:"created_at"`
}

// SolvencyProof is one merkle snapshot of custodial balances against the
// platform's on-chain balance.
type SolvencyProof struct {
	ID               int64     `json:"id"                 db:"id"`
	MerkleRoot       string    `json:"merkle_root"        db:"merkle_root"`
	TotalUserBalance int64     `json:"total_user_balance" db:"total_user_balance"`
	OnChainBalance   int64     `json:"on_chain_balance"   db:"on_chain_balance"`
	IsSolvent        bool      `json:"is_solvent"         db:"is_solvent"`
	AccountCount     int64     `json:"account_count"      db:"account_count"`
	Tick             uint32    `json:"tick"               db:"tick"`
	Epoch            uint32    `json:"epoch"              db:"epoch"`
	LeavesJSON       string    `json:"-"                  db:"leaves_json"`
	CreatedAt        time.Time `json:"created_at"         db:"created_at"`
}
