package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/qpredict/engine/internal/domain"
)

func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(":memory:", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedMarket(t *testing.T, db *sqlx.DB, status domain.MarketStatus) *domain.Market {
	t.Helper()
	now := time.Now().UTC()
	m := &domain.Market{
		ID:             domain.NewMarketID(),
		Pair:           "BTC/USDT",
		Question:       "BTC above 100k?",
		MarketType:     domain.MarketTypePrice,
		Status:         status,
		OptionsJSON:    `["YES","NO"]`,
		SlotsJSON:      `[0,0]`,
		MinBetPerSlot:  10_000,
		MaxSlots:       4,
		ResolutionType: domain.ResolveAbove,
		Target:         decimal.NewFromInt(100_000),
		CloseDate:      now.Add(time.Hour),
		EndDate:        now.Add(2 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, NewMarketRepository(db).CreateTx(context.Background(), tx, m))
	require.NoError(t, tx.Commit())
	return m
}

func seedBet(t *testing.T, db *sqlx.DB, marketID string, option, slots, amount int64, status domain.BetStatus) *domain.Bet {
	t.Helper()
	now := time.Now().UTC()
	b := &domain.Bet{
		ID:          domain.NewBetID(),
		MarketID:    marketID,
		UserAddress: "USERADDR",
		OptionIdx:   option,
		Slots:       slots,
		AmountQU:    amount,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, NewBetRepository(db).CreateTx(context.Background(), tx, b))
	require.NoError(t, tx.Commit())
	return b
}

func seedEscrow(t *testing.T, db *sqlx.DB, betID, marketID string, status domain.EscrowStatus) *domain.Escrow {
	t.Helper()
	now := time.Now().UTC()
	e := &domain.Escrow{
		ID:             domain.NewEscrowID(),
		BetID:          betID,
		MarketID:       marketID,
		EscrowAddress:  fmt.Sprintf("ESCROW%054d", now.UnixNano()%1_000_000),
		UserAddress:    "USERADDR",
		OptionIdx:      0,
		Slots:          2,
		ExpectedAmount: 20_000,
		Status:         status,
		ExpiresAt:      now.Add(2 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, NewEscrowRepository(db).CreateTx(context.Background(), tx, e))
	require.NoError(t, tx.Commit())
	return e
}

// ──────────────────────────────────────────────────────────────────────────────
// Escrow claims
// ──────────────────────────────────────────────────────────────────────────────

// One winner per escrow: the second ClaimForSweep must lose.
func TestClaimForSweepIsExclusive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketResolved)
	b := seedBet(t, db, m.ID, 0, 2, 20_000, domain.BetWon)
	e := seedEscrow(t, db, b.ID, m.ID, domain.EscrowWonAwaitingSweep)
	repo := NewEscrowRepository(db)

	claimed, err := repo.ClaimForSweep(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.ClaimForSweep(ctx, e.ID)
	require.NoError(t, err)
	require.False(t, claimed, "second claim must lose")
}

// ConfirmSweepComplete must refuse an escrow with no recorded sweep tx even
// when the status is sweeping.
func TestConfirmSweepRequiresRecordedTx(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketResolved)
	b := seedBet(t, db, m.ID, 0, 2, 20_000, domain.BetWon)
	e := seedEscrow(t, db, b.ID, m.ID, domain.EscrowWonAwaitingSweep)
	repo := NewEscrowRepository(db)

	claimed, err := repo.ClaimForSweep(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := repo.ConfirmSweepComplete(ctx, e.ID)
	require.NoError(t, err)
	require.False(t, ok, "swept without a sweep tx id")

	require.NoError(t, repo.RecordSweepTx(ctx, e.ID, "sweeptx123", 777))
	ok, err = repo.ConfirmSweepComplete(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSwept, got.Status)
	require.Equal(t, uint32(777), got.SweepTick)
}

// RevertJoinBet clears the broadcast evidence and counts the retry.
func TestRevertJoinBetClearsTx(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketActive)
	b := seedBet(t, db, m.ID, 0, 2, 20_000, domain.BetPending)
	e := seedEscrow(t, db, b.ID, m.ID, domain.EscrowDepositDetected)
	repo := NewEscrowRepository(db)

	claimed, err := repo.BeginJoin(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.RecordJoinTx(ctx, e.ID, "jointx", 500))
	require.NoError(t, repo.RevertJoinBet(ctx, e.ID))

	got, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowDepositDetected, got.Status)
	require.Nil(t, got.JoinTxID)
	require.Equal(t, int64(1), got.JoinRetries)
}

// ──────────────────────────────────────────────────────────────────────────────
// Deposit confirmation
// ──────────────────────────────────────────────────────────────────────────────

// Deposit confirmation updates pool and slots exactly once, and rejects the
// deposit when the option's slots are exhausted.
func TestConfirmDeposit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketActive) // max 4 slots per option
	betRepo := NewBetRepository(db)
	marketRepo := NewMarketRepository(db)

	b1 := seedBet(t, db, m.ID, 0, 3, 30_000, domain.BetPendingDeposit)
	require.NoError(t, betRepo.ConfirmDeposit(ctx, b1.ID))

	got, err := marketRepo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30_000), got.TotalPool)
	require.Equal(t, []int64{3, 0}, got.SlotCounts())

	// Idempotent re-confirm must not double-count.
	require.NoError(t, betRepo.ConfirmDeposit(ctx, b1.ID))
	got, err = marketRepo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30_000), got.TotalPool)

	// Two more slots on option 0 would exceed max_slots = 4.
	b2 := seedBet(t, db, m.ID, 0, 2, 20_000, domain.BetPendingDeposit)
	err = betRepo.ConfirmDeposit(ctx, b2.ID)
	require.ErrorIs(t, err, domain.ErrSlotsExhausted)

	// The rejected bet stayed a ghost: nothing changed.
	got, err = marketRepo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30_000), got.TotalPool)
	require.Equal(t, []int64{3, 0}, got.SlotCounts())
}

// Pending-deposit bets never enter the recomputed aggregates.
func TestRecomputeAggregatesExcludesGhosts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketActive)
	seedBet(t, db, m.ID, 0, 2, 20_000, domain.BetConfirmed)
	seedBet(t, db, m.ID, 1, 1, 10_000, domain.BetPending)
	seedBet(t, db, m.ID, 1, 2, 20_000, domain.BetPendingDeposit) // ghost
	seedBet(t, db, m.ID, 0, 1, 10_000, domain.BetRefunded)       // out of pool

	agg, err := NewBetRepository(db).RecomputeAggregates(ctx, m.ID, 2)
	require.NoError(t, err)
	require.Equal(t, int64(30_000), agg.TotalPool)
	require.Equal(t, []int64{2, 1}, agg.Slots)
}

// ──────────────────────────────────────────────────────────────────────────────
// Market claims
// ──────────────────────────────────────────────────────────────────────────────

func TestTryClaimForResolution(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketClosed)
	repo := NewMarketRepository(db)

	claimed, err := repo.TryClaimForResolution(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.TryClaimForResolution(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	require.NoError(t, repo.RevertResolving(ctx, m.ID))
	claimed, err = repo.TryClaimForResolution(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, claimed, "claim reopens after revert")
}

func TestCloseExpired(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketActive)
	repo := NewMarketRepository(db)

	n, err := repo.CloseExpired(ctx, m.CloseDate.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, n, "window still open")

	n, err = repo.CloseExpired(ctx, m.CloseDate.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Key archive
// ──────────────────────────────────────────────────────────────────────────────

// Archive must replace the material and flip the status in one write, and the
// old ciphertext must be unrecoverable through the repository.
func TestKeyArchiveOverwritesMaterial(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := seedMarket(t, db, domain.MarketActive)
	b := seedBet(t, db, m.ID, 0, 2, 20_000, domain.BetPending)
	e := seedEscrow(t, db, b.ID, m.ID, domain.EscrowActiveInSC)
	repo := NewKeyRepository(db)

	now := time.Now().UTC()
	orig := &domain.EscrowKey{
		EscrowID:   e.ID,
		Ciphertext: "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899",
		IV:         "00112233445566778899aabb",
		AuthTag:    "ffeeddccbbaa99887766554433221100",
		Status:     domain.KeyActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreateTx(ctx, tx, orig))
	require.NoError(t, tx.Commit())

	require.NoError(t, repo.Archive(ctx, e.ID))

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyArchived, got.Status)
	require.NotEqual(t, orig.Ciphertext, got.Ciphertext)
	require.NotEqual(t, orig.IV, got.IV)
	require.NotEqual(t, orig.AuthTag, got.AuthTag)
	require.Len(t, got.Ciphertext, len(orig.Ciphertext))

	_, err = repo.GetActive(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotActive)
}

// ──────────────────────────────────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────────────────────────────────

func TestAccountCreditDebit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAccountRepository(db)

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreditTx(ctx, tx, "ALICE", 50_000, domain.LedgerPayout, nil, nil))
	require.NoError(t, repo.DebitTx(ctx, tx, "ALICE", 20_000, domain.LedgerWithdrawal, nil, nil))
	require.NoError(t, tx.Commit())

	a, err := repo.GetByAddress(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, int64(30_000), a.BalanceQU)
	require.Equal(t, int64(50_000), a.TotalWon)
	require.Equal(t, int64(20_000), a.TotalWithdrawn)

	// Overdraft must fail and leave the balance untouched.
	tx, err = db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	err = repo.DebitTx(ctx, tx, "ALICE", 40_000, domain.LedgerWithdrawal, nil, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_ = tx.Rollback()

	a, err = repo.GetByAddress(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, int64(30_000), a.BalanceQU)

	entries, err := repo.ListLedger(ctx, "ALICE", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

// ──────────────────────────────────────────────────────────────────────────────
// Commitment chain
// ──────────────────────────────────────────────────────────────────────────────

func TestCommitmentChainLinks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAuditRepository(db)

	e1, err := repo.AppendChain(ctx, domain.EventMarketCreated, "mkt_1", `{"q":"one"}`)
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.SequenceNum)
	require.Equal(t, domain.GenesisHash, e1.PrevHash)

	e2, err := repo.AppendChain(ctx, domain.EventBetPlaced, "bet_1", `{"q":"two"}`)
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.SequenceNum)
	require.Equal(t, e1.ChainHash, e2.PrevHash)
	require.Equal(t,
		ChainHash(e2.SequenceNum, e2.EventType, e2.EntityID, e2.PayloadHash, e2.PrevHash),
		e2.ChainHash)

	head, err := repo.GetChainHead(ctx)
	require.NoError(t, err)
	require.Equal(t, e2.ChainHash, head.ChainHash)
}

// ──────────────────────────────────────────────────────────────────────────────
// Locks, nonces, idempotency
// ──────────────────────────────────────────────────────────────────────────────

func TestCronLock(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewLockRepository(db)

	ok, err := repo.AcquireCronLock(ctx, "qpredict_cron", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.AcquireCronLock(ctx, "qpredict_cron", "holder-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "held lock must not be re-acquired")

	require.NoError(t, repo.ReleaseCronLock(ctx, "qpredict_cron", "holder-a"))
	ok, err = repo.AcquireCronLock(ctx, "qpredict_cron", "holder-b", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCronLockExpiry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewLockRepository(db)

	ok, err := repo.AcquireCronLock(ctx, "qpredict_cron", "dead-holder", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Already past its TTL, so a new holder sweeps it.
	ok, err = repo.AcquireCronLock(ctx, "qpredict_cron", "live-holder", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNonceReplay(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewLockRepository(db)

	require.NoError(t, repo.InsertNonce(ctx, "ALICE", "n-1", "/v1/escrow"))
	err := repo.InsertNonce(ctx, "ALICE", "n-1", "/v1/escrow")
	require.ErrorIs(t, err, domain.ErrNonceReplayed)

	// Same nonce, different address is fine.
	require.NoError(t, repo.InsertNonce(ctx, "BOB", "n-1", "/v1/escrow"))
}

func TestIdempotencyFirstWriteWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewLockRepository(db)

	_, found, err := repo.GetIdempotent(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, repo.PutIdempotent(ctx, "key-1", `{"id":"a"}`))
	require.NoError(t, repo.PutIdempotent(ctx, "key-1", `{"id":"b"}`))

	resp, found, err := repo.GetIdempotent(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"id":"a"}`, resp)
}
