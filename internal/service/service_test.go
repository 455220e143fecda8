package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
	"github.com/qpredict/engine/internal/oracle"
	"github.com/qpredict/engine/internal/qubic"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/vault"
)

const masterSeed = "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabc"

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type joinCall struct {
	betID, slots, option uint32
	amount               int64
}

// fakeChain scripts the RPC surface: balances are set by the test, failures
// are injected per method.
type fakeChain struct {
	mu       sync.Mutex
	tick     uint32
	balances map[string]int64

	betID    uint32
	betFound bool

	joinErr      error
	broadcastErr error
	afterRead    func(address string)

	joins       []joinCall
	published   []uint32
	cancelled   []uint32
	broadcasted []string
	transfers   []int64
	sweepSeq    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{tick: 100, balances: make(map[string]int64)}
}

func (f *fakeChain) setBalance(addr string, qu int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = qu
}

func (f *fakeChain) GetTickInfo(context.Context) (*qubic.TickInfo, error) {
	return &qubic.TickInfo{Tick: f.tick, Epoch: 1}, nil
}

func (f *fakeChain) GetBalance(_ context.Context, address string) (int64, error) {
	f.mu.Lock()
	qu := f.balances[address]
	after := f.afterRead
	f.mu.Unlock()
	if after != nil {
		after(address)
	}
	return qu, nil
}

func (f *fakeChain) IssueBet(_ context.Context, _ string, _ qubic.IssueBetInput, _ int64) (*qubic.TxResult, error) {
	return &qubic.TxResult{TxID: "issue-tx", TargetTick: f.tick + 5}, nil
}

func (f *fakeChain) JoinBet(_ context.Context, _ string, betID, slots, option uint32, amount int64) (*qubic.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joins = append(f.joins, joinCall{betID, slots, option, amount})
	return &qubic.TxResult{TxID: fmt.Sprintf("join-tx-%d", len(f.joins)), TargetTick: f.tick + 5}, nil
}

func (f *fakeChain) PublishResult(_ context.Context, _ string, _ uint32, winningOption uint32) (*qubic.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, winningOption)
	return &qubic.TxResult{TxID: "publish-tx", TargetTick: f.tick + 5}, nil
}

func (f *fakeChain) CancelBet(_ context.Context, _ string, betID uint32) (*qubic.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, betID)
	return &qubic.TxResult{TxID: "cancel-tx", TargetTick: f.tick + 5}, nil
}

func (f *fakeChain) BuildTransfer(_ context.Context, _, _ string, amount int64) (*qubic.PreparedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepSeq++
	f.transfers = append(f.transfers, amount)
	return &qubic.PreparedTx{TxID: fmt.Sprintf("sweep-tx-%d", f.sweepSeq), TargetTick: f.tick + 5}, nil
}

func (f *fakeChain) Broadcast(_ context.Context, tx *qubic.PreparedTx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return f.broadcastErr
	}
	f.broadcasted = append(f.broadcasted, tx.TxID)
	return nil
}

func (f *fakeChain) IssueFee(context.Context, int64, int64, time.Time) int64 { return 10 }

func (f *fakeChain) FindBetID(context.Context, string, string) (uint32, bool, error) {
	return f.betID, f.betFound, nil
}

// fakeOracle returns one scripted result for every market.
type fakeOracle struct {
	result *oracle.Result
	err    error
}

func (f *fakeOracle) CanResolve(*domain.Market) bool { return true }
func (f *fakeOracle) FetchResult(context.Context, *domain.Market) (*oracle.Result, error) {
	return f.result, f.err
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

// ──────────────────────────────────────────────────────────────────────────────
// Environment
// ──────────────────────────────────────────────────────────────────────────────

type testEnv struct {
	db       *sqlx.DB
	chain    *fakeChain
	markets  *repository.MarketRepository
	bets     *repository.BetRepository
	escrowsR *repository.EscrowRepository
	keys     *repository.KeyRepository
	accounts *repository.AccountRepository
	audit    *repository.AuditRepository

	escrowSvc  *EscrowService
	marketSvc  *MarketService
	recovery   *RecoveryService
	resolution func(result *oracle.Result) *ResolutionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.Open(":memory:", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := newFakeChain()

	master, err := qubic.DeriveIdentity(masterSeed)
	require.NoError(t, err)

	cfg := &config.Config{
		Chain: config.ChainConfig{
			TxFeeQU:        0,
			MasterIdentity: master.Address,
			MasterSeed:     masterSeed,
		},
		Engine: config.EngineConfig{
			EscrowExpiry:      2 * time.Hour,
			JoinTimeoutTicks:  600,
			SweepTimeoutTicks: 300,
		},
	}

	v, err := vault.New("test-operator-secret")
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		chain:    chain,
		markets:  repository.NewMarketRepository(db),
		bets:     repository.NewBetRepository(db),
		escrowsR: repository.NewEscrowRepository(db),
		keys:     repository.NewKeyRepository(db),
		accounts: repository.NewAccountRepository(db),
		audit:    repository.NewAuditRepository(db),
	}
	env.escrowSvc = NewEscrowService(db, env.markets, env.bets, env.escrowsR, env.keys,
		env.accounts, env.audit, v, chain, cfg, nopNotifier{}, logger)
	env.marketSvc = NewMarketService(db, env.markets, env.bets, env.escrowsR, env.keys,
		env.accounts, env.audit, chain, cfg, nopNotifier{}, logger)
	env.recovery = NewRecoveryService(env.markets, env.bets, env.escrowsR, env.audit, chain,
		env.marketSvc, cfg, nopNotifier{}, logger)
	env.resolution = func(result *oracle.Result) *ResolutionService {
		fo := &fakeOracle{result: result}
		return NewResolutionService(db, env.markets, env.bets, env.escrowsR, env.keys,
			env.accounts, env.audit, oracle.NewDispatcher(fo, fo, fo, fo), chain, cfg,
			nopNotifier{}, logger)
	}
	return env
}

// createActiveMarket creates a price market via the full creation pipeline
// and discovers its on-chain bet id.
func (env *testEnv) createActiveMarket(t *testing.T) *domain.Market {
	t.Helper()
	ctx := context.Background()
	env.chain.betID = 7
	env.chain.betFound = true

	m, err := env.marketSvc.Create(ctx, CreateMarketInput{
		Pair:           "btc/usdt",
		Question:       "BTC above 100k?",
		MarketType:     domain.MarketTypePrice,
		ResolutionType: domain.ResolveAbove,
		Target:         decimal.NewFromInt(100_000),
		Options:        []string{"YES", "NO"},
		CloseDate:      time.Now().Add(time.Hour),
		EndDate:        time.Now().Add(2 * time.Hour),
		MinBetPerSlot:  10_000,
		MaxSlots:       100,
		CreatorAddress: "creator",
	})
	require.NoError(t, err)
	env.marketSvc.DiscoverBetIDs(ctx)

	m, err = env.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MarketActive, m.Status)
	require.Equal(t, uint32(7), m.BetID())
	return m
}

// openFundedEscrow runs an escrow through deposit detection and joinBet
// confirmation, leaving it active in the contract.
func (env *testEnv) openFundedEscrow(t *testing.T, marketID, user string, option, slots int64) (*domain.Escrow, *domain.Bet) {
	t.Helper()
	ctx := context.Background()

	e, b, err := env.escrowSvc.CreateEscrow(ctx, marketID, user, option, slots)
	require.NoError(t, err)

	env.chain.setBalance(e.EscrowAddress, e.ExpectedAmount)
	env.escrowSvc.CheckDeposits(ctx)
	env.escrowSvc.ExecuteJoinBets(ctx)
	env.chain.setBalance(e.EscrowAddress, 0) // funds moved into the contract
	env.escrowSvc.ConfirmJoinBets(ctx)

	e, err = env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowActiveInSC, e.Status)
	b, err = env.bets.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetConfirmed, b.Status)
	return e, b
}

// pushPastEnd rewrites the market window into the past and closes it.
func (env *testEnv) pushPastEnd(t *testing.T, marketID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	_, err := env.db.Exec(`UPDATE markets SET close_date = ?, end_date = ? WHERE id = ?`,
		past.Add(-time.Hour), past, marketID)
	require.NoError(t, err)
	env.marketSvc.CloseExpired(context.Background())
}

// ──────────────────────────────────────────────────────────────────────────────
// End-to-end settlement
// ──────────────────────────────────────────────────────────────────────────────

func TestSettlementHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	alice, _ := qubic.DeriveIdentity("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob, _ := qubic.DeriveIdentity("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	aliceEscrow, aliceBet := env.openFundedEscrow(t, m.ID, alice.Address, 0, 2)
	bobEscrow, bobBet := env.openFundedEscrow(t, m.ID, bob.Address, 1, 2)

	env.pushPastEnd(t, m.ID)

	rs := env.resolution(&oracle.Result{
		WinningOption: 0,
		ProofSource:   "price_median",
		CurrentPrice:  decimal.NewNullDecimal(decimal.NewFromInt(105_000)),
	})
	rs.ResolveDue(ctx)

	m2, err := env.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MarketResolved, m2.Status)
	require.Equal(t, int64(0), *m2.WinningOption)
	require.Equal(t, int64(40_000), m2.TotalPool)
	require.Equal(t, []uint32{0}, env.chain.published)

	// Loser pool 20 000 at 12.5% fees: winner pool 37 500, per slot 18 750.
	aliceBet2, err := env.bets.GetByID(ctx, aliceBet.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetWon, aliceBet2.Status)
	require.Equal(t, int64(37_500), aliceBet2.PayoutQU)

	bobBet2, err := env.bets.GetByID(ctx, bobBet.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetLost, bobBet2.Status)
	require.Equal(t, int64(0), bobBet2.PayoutQU)

	acct, err := env.accounts.GetByAddress(ctx, alice.Address)
	require.NoError(t, err)
	require.Equal(t, int64(37_500), acct.BalanceQU)

	aliceE, err := env.escrowsR.GetByID(ctx, aliceEscrow.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, aliceE.Status)
	require.Equal(t, int64(37_500), aliceE.PayoutAmount)

	bobE, err := env.escrowsR.GetByID(ctx, bobEscrow.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowLost, bobE.Status)
	_, err = env.keys.GetActive(ctx, bobEscrow.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotActive)

	// The contract pays winners to their escrow address; sweep it home.
	env.chain.setBalance(aliceEscrow.EscrowAddress, 37_500)
	env.escrowSvc.ExecuteSweeps(ctx)

	aliceE, err = env.escrowsR.GetByID(ctx, aliceEscrow.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSweeping, aliceE.Status)
	require.NotNil(t, aliceE.SweepTxID)
	require.Equal(t, []string{*aliceE.SweepTxID}, env.chain.broadcasted,
		"the broadcast carries the recorded tx id")

	env.chain.setBalance(aliceEscrow.EscrowAddress, 0)
	env.escrowSvc.ConfirmSweeps(ctx)

	aliceE, err = env.escrowsR.GetByID(ctx, aliceEscrow.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSwept, aliceE.Status)
	_, err = env.keys.GetActive(ctx, aliceEscrow.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotActive)

	// The whole run leaves an intact commitment chain and a verifiable proof.
	head, err := env.audit.GetChainHead(ctx)
	require.NoError(t, err)
	entries, err := env.audit.ListChainRange(ctx, 1, head.SequenceNum)
	require.NoError(t, err)
	chainCheck := fairness.VerifyChainSequence(entries)
	require.True(t, chainCheck.Valid, chainCheck.Reason)

	proof, err := rs.BuildResolutionProof(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, fairness.VerifyProof(proof, "test-operator-secret"))
	require.Equal(t, int64(18_750), proof.Payout.PerSlotQU)
}

// Settlement holds the pool's only connection for its whole transaction, so
// every read it needs must run inside that transaction. A regression here
// shows up as the resolve phase wedging on itself until the deadline.
func TestSettlementFinishesUnderDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := env.createActiveMarket(t)

	env.openFundedEscrow(t, m.ID, "WINUSER", 0, 1)
	env.openFundedEscrow(t, m.ID, "LOSEUSER", 1, 1)
	env.pushPastEnd(t, m.ID)

	rs := env.resolution(&oracle.Result{WinningOption: 0, ProofSource: "price_median"})
	rs.ResolveDue(ctx)

	m2, err := env.markets.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MarketResolved, m2.Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// joinBet retries
// ──────────────────────────────────────────────────────────────────────────────

func TestJoinBetRetriesExhaustedRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, b, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "USERADDR", 0, 2)
	require.NoError(t, err)

	env.chain.setBalance(e.EscrowAddress, e.ExpectedAmount)
	env.escrowSvc.CheckDeposits(ctx)

	env.chain.joinErr = errors.New("sc rejected")
	for i := 0; i < domain.MaxJoinRetries; i++ {
		env.escrowSvc.ExecuteJoinBets(ctx)
	}
	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowDepositDetected, e2.Status)
	require.Equal(t, int64(domain.MaxJoinRetries), e2.JoinRetries)

	// The next pass gives up and routes the deposit back to the user.
	env.escrowSvc.ExecuteJoinBets(ctx)

	e2, err = env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, e2.Status)

	b2, err := env.bets.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetRefunded, b2.Status)

	env.escrowSvc.ExecuteSweeps(ctx)
	e2, err = env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSweeping, e2.Status)
	require.NotNil(t, e2.SweepTxID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Sweep failure handling
// ──────────────────────────────────────────────────────────────────────────────

func TestSweepBroadcastFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, _, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "USERADDR", 0, 1)
	require.NoError(t, err)
	require.NoError(t, env.escrowsR.MarkDepositDetected(ctx, e.ID, e.ExpectedAmount))
	require.NoError(t, env.escrowsR.RouteToRefundSweep(ctx, e.ID))

	env.chain.setBalance(e.EscrowAddress, e.ExpectedAmount)
	env.chain.broadcastErr = errors.New("gateway down")
	env.escrowSvc.ExecuteSweeps(ctx)

	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, e2.Status, "failed broadcast releases the claim")
	require.Nil(t, e2.SweepTxID, "failed broadcast clears the recorded tx")

	env.chain.broadcastErr = nil
	env.escrowSvc.ExecuteSweeps(ctx)

	e2, err = env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSweeping, e2.Status)
	require.NotNil(t, e2.SweepTxID)

	env.chain.setBalance(e.EscrowAddress, 0)
	env.escrowSvc.ConfirmSweeps(ctx)
	e2, err = env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSwept, e2.Status)
}

func TestSweepTransfersPostClaimBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, _, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "WINNER", 0, 1)
	require.NoError(t, err)
	require.NoError(t, env.escrowsR.MarkDepositDetected(ctx, e.ID, e.ExpectedAmount))
	require.NoError(t, env.escrowsR.RouteToRefundSweep(ctx, e.ID))

	// The contract payout lands between the filter read and the claim; the
	// sweep must pick it up, not the stale pre-claim figure.
	env.chain.setBalance(e.EscrowAddress, 10_000)
	env.chain.afterRead = func(addr string) {
		env.chain.setBalance(addr, 37_500)
		env.chain.afterRead = nil
	}
	env.escrowSvc.ExecuteSweeps(ctx)

	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowSweeping, e2.Status)
	require.Equal(t, []int64{37_500}, env.chain.transfers,
		"the amount swept comes from the balance read under the claim")
}

// ──────────────────────────────────────────────────────────────────────────────
// Expiry
// ──────────────────────────────────────────────────────────────────────────────

func TestExpiredEscrowHandling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	funded, fundedBet, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "LATEUSER", 0, 1)
	require.NoError(t, err)
	empty, emptyBet, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "GONEUSER", 1, 1)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = env.db.Exec(`UPDATE escrows SET expires_at = ? WHERE id IN (?, ?)`,
		past, funded.ID, empty.ID)
	require.NoError(t, err)

	// The deposit landed after the window; never keep it.
	env.chain.setBalance(funded.EscrowAddress, funded.ExpectedAmount)
	env.escrowSvc.HandleExpired(ctx)

	f, err := env.escrowsR.GetByID(ctx, funded.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, f.Status)
	fb, err := env.bets.GetByID(ctx, fundedBet.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetRefunded, fb.Status)

	em, err := env.escrowsR.GetByID(ctx, empty.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowExpired, em.Status)
	eb, err := env.bets.GetByID(ctx, emptyBet.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetRefunded, eb.Status)
	_, err = env.keys.GetActive(ctx, empty.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotActive)
}

func TestCancelUnfundedEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, b, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "QUITTER", 0, 1)
	require.NoError(t, err)

	require.NoError(t, env.escrowSvc.CancelUnfunded(ctx, e.ID))

	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowExpired, e2.Status)
	b2, err := env.bets.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetRefunded, b2.Status)
	_, err = env.keys.GetActive(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotActive)

	// Single-shot: the second call finds the escrow already expired.
	require.ErrorIs(t, env.escrowSvc.CancelUnfunded(ctx, e.ID), domain.ErrEscrowState)
}

func TestCancelUnfundedEscrowRefusesMoney(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, b, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "KEEPER", 1, 1)
	require.NoError(t, err)

	// Even a single qu on the address blocks the cancel; the deposit and
	// refund paths own funded escrows.
	env.chain.setBalance(e.EscrowAddress, 1)
	require.ErrorIs(t, env.escrowSvc.CancelUnfunded(ctx, e.ID), domain.ErrEscrowState)

	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowAwaitingDeposit, e2.Status)
	b2, err := env.bets.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetPendingDeposit, b2.Status)
	_, err = env.keys.GetActive(ctx, e.ID)
	require.NoError(t, err, "the key stays live while the escrow can still fund")
}

// ──────────────────────────────────────────────────────────────────────────────
// Recovery
// ──────────────────────────────────────────────────────────────────────────────

func TestRecoveryReleasesOrphanSweepClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, _, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "USERADDR", 0, 1)
	require.NoError(t, err)

	// A sweep claim that died before recording its tx.
	stale := time.Now().UTC().Add(-20 * time.Minute)
	_, err = env.db.Exec(`UPDATE escrows SET status = 'sweeping', sweep_tx_id = NULL, updated_at = ? WHERE id = ?`,
		stale, e.ID)
	require.NoError(t, err)

	env.recovery.RecoverOrphanEscrows(ctx)

	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, e2.Status)

	// The repair leaves a market_recovery entry on the commitment chain.
	entries, err := env.audit.ListChainByEntity(ctx, m.ID)
	require.NoError(t, err)
	var recovered bool
	for _, en := range entries {
		if en.EventType == domain.EventMarketRecovery {
			recovered = true
		}
	}
	require.True(t, recovered, "recovery actions must land on the chain")
}

func TestRecoveryConfirmsLandedJoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, b, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "USERADDR", 0, 1)
	require.NoError(t, err)
	env.chain.setBalance(e.EscrowAddress, e.ExpectedAmount)
	env.escrowSvc.CheckDeposits(ctx)
	env.escrowSvc.ExecuteJoinBets(ctx)

	// The join landed (balance drained) but the confirm phase never ran.
	env.chain.setBalance(e.EscrowAddress, 0)
	stale := time.Now().UTC().Add(-45 * time.Minute)
	_, err = env.db.Exec(`UPDATE escrows SET updated_at = ? WHERE id = ?`, stale, e.ID)
	require.NoError(t, err)

	env.recovery.RecoverOrphanEscrows(ctx)

	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowActiveInSC, e2.Status)
	b2, err := env.bets.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetConfirmed, b2.Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────────────────────────────────

func TestCancelRefundsFundedBets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createActiveMarket(t)

	e, b := env.openFundedEscrow(t, m.ID, "REFUNDUSER", 0, 2)
	ghost, ghostBet, err := env.escrowSvc.CreateEscrow(ctx, m.ID, "GHOSTUSER", 1, 1)
	require.NoError(t, err)

	require.NoError(t, env.marketSvc.Cancel(ctx, m.ID, "operator request"))

	m2, err := env.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MarketCancelled, m2.Status)
	require.Equal(t, []uint32{7}, env.chain.cancelled)

	b2, err := env.bets.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetRefunded, b2.Status)
	acct, err := env.accounts.GetByAddress(ctx, "REFUNDUSER")
	require.NoError(t, err)
	require.Equal(t, b.AmountQU, acct.BalanceQU)

	// The ghost bet never funded the pool; it is refunded on paper only.
	gb, err := env.bets.GetByID(ctx, ghostBet.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BetRefunded, gb.Status)
	_, err = env.accounts.GetByAddress(ctx, "GHOSTUSER")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	ge, err := env.escrowsR.GetByID(ctx, ghost.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, ge.Status)

	// The funded stake comes back from the contract to the escrow address.
	e2, err := env.escrowsR.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowWonAwaitingSweep, e2.Status)
	require.Equal(t, e.ExpectedAmount, e2.PayoutAmount)
}

// ──────────────────────────────────────────────────────────────────────────────
// Solvency snapshots
// ──────────────────────────────────────────────────────────────────────────────

func TestSolvencySnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, err := env.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	for addr, qu := range map[string]int64{"ACCA": 1000, "ACCB": 2500, "ACCC": 500} {
		require.NoError(t, env.accounts.CreditTx(ctx, tx, addr, qu, domain.LedgerDeposit, nil, nil))
	}
	require.NoError(t, tx.Commit())

	master, _ := qubic.DeriveIdentity(masterSeed)
	env.chain.setBalance(master.Address, 4000)

	rs := env.resolution(nil)
	rs.SnapshotSolvency(ctx)

	proof, err := env.audit.LatestSolvencyProof(ctx)
	require.NoError(t, err)
	require.True(t, proof.IsSolvent)
	require.Equal(t, int64(4000), proof.TotalUserBalance)
	require.Equal(t, int64(4000), proof.OnChainBalance)
	require.Equal(t, int64(3), proof.AccountCount)

	// An inclusion proof for one account must verify against the stored root.
	leaves := []fairness.BalanceLeaf{
		{Address: "ACCA", BalanceQU: 1000},
		{Address: "ACCB", BalanceQU: 2500},
		{Address: "ACCC", BalanceQU: 500},
	}
	steps, err := fairness.InclusionProof(leaves, "ACCB")
	require.NoError(t, err)
	require.True(t, fairness.VerifyInclusion("ACCB", 2500, steps, proof.MerkleRoot))
}

// The guard itself cannot trip with consistent inputs (the parimutuel split
// never pays out more than the pool), so the freeze path is exercised
// directly with an over-pool figure.
func TestSolvencyGuardRecordsViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rs := env.resolution(nil)
	err := rs.failSolvency(ctx, "market-over-pool", 50_000, 40_000)
	require.ErrorIs(t, err, domain.ErrSolvencyViolation)

	entries, err := env.audit.ListChainByEntity(ctx, "market-over-pool")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.EventSolvencyViolation, entries[0].EventType)
}
