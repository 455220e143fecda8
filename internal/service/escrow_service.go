package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
	"github.com/qpredict/engine/internal/qubic"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/vault"
)

// EscrowService drives the per-bet escrow lifecycle: creation, deposit
// detection, joinBet, sweeps, refunds and expiry.
type EscrowService struct {
	db       *sqlx.DB
	markets  *repository.MarketRepository
	bets     *repository.BetRepository
	escrows  *repository.EscrowRepository
	keys     *repository.KeyRepository
	accounts *repository.AccountRepository
	audit    *repository.AuditRepository
	vault    *vault.Vault
	chain    ChainClient
	cfg      *config.Config
	notify   Notifier
	logger   *slog.Logger
}

// NewEscrowService wires the escrow service.
func NewEscrowService(db *sqlx.DB, markets *repository.MarketRepository, bets *repository.BetRepository,
	escrows *repository.EscrowRepository, keys *repository.KeyRepository, accounts *repository.AccountRepository,
	audit *repository.AuditRepository, v *vault.Vault, chain ChainClient, cfg *config.Config,
	notify Notifier, logger *slog.Logger) *EscrowService {
	return &EscrowService{
		db: db, markets: markets, bets: bets, escrows: escrows, keys: keys,
		accounts: accounts, audit: audit, vault: v, chain: chain, cfg: cfg,
		notify: notify, logger: logger,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Creation
// ──────────────────────────────────────────────────────────────────────────────

// CreateEscrow opens a betting intent: a fresh single-use on-chain identity,
// the bet row (pending_deposit, outside the pool), the escrow row and the
// encrypted seed, all in one transaction.
func (s *EscrowService) CreateEscrow(ctx context.Context, marketID, userAddress string, option, slots int64) (*domain.Escrow, *domain.Bet, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, nil, err
	}
	if m.Status != domain.MarketActive {
		return nil, nil, domain.ErrMarketNotOpen
	}
	opts := m.Options()
	if option < 0 || option >= int64(len(opts)) {
		return nil, nil, fmt.Errorf("%w: option %d", domain.ErrInvalidMarket, option)
	}
	if slots < 1 || slots > m.MaxSlots {
		return nil, nil, fmt.Errorf("%w: %d slots", domain.ErrInvalidMarket, slots)
	}
	expected := m.MinBetPerSlot * slots
	if expected > domain.MaxSafeAmount {
		return nil, nil, domain.ErrAmountOverflow
	}

	seed, err := qubic.NewRandomSeed()
	if err != nil {
		return nil, nil, fmt.Errorf("escrow_service.CreateEscrow: %w", err)
	}
	identity, err := qubic.DeriveIdentity(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("escrow_service.CreateEscrow: %w", err)
	}
	sealed, err := s.vault.Encrypt(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("escrow_service.CreateEscrow: %w", err)
	}
	nonce, err := fairness.NewCommitmentNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("escrow_service.CreateEscrow: %w", err)
	}

	now := time.Now().UTC()
	bet := &domain.Bet{
		ID:              domain.NewBetID(),
		MarketID:        marketID,
		UserAddress:     userAddress,
		OptionIdx:       option,
		Slots:           slots,
		AmountQU:        expected,
		Status:          domain.BetPendingDeposit,
		CommitmentNonce: nonce,
		CommitmentHash:  fairness.BetCommitment(marketID, userAddress, option, slots, nonce),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	escrow := &domain.Escrow{
		ID:             domain.NewEscrowID(),
		BetID:          bet.ID,
		MarketID:       marketID,
		EscrowAddress:  identity.Address,
		UserAddress:    userAddress,
		OptionIdx:      option,
		Slots:          slots,
		ExpectedAmount: expected,
		Status:         domain.EscrowAwaitingDeposit,
		ExpiresAt:      now.Add(s.cfg.Engine.EscrowExpiry),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	key := &domain.EscrowKey{
		EscrowID:   escrow.ID,
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		AuthTag:    sealed.AuthTag,
		Status:     domain.KeyActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("escrow_service.CreateEscrow: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.bets.CreateTx(ctx, tx, bet); err != nil {
		return nil, nil, err
	}
	if err := s.escrows.CreateTx(ctx, tx, escrow); err != nil {
		return nil, nil, err
	}
	if err := s.keys.CreateTx(ctx, tx, key); err != nil {
		return nil, nil, err
	}
	payload, _ := json.Marshal(map[string]any{
		"bet_id":     bet.ID,
		"market_id":  marketID,
		"option":     option,
		"slots":      slots,
		"amount_qu":  expected,
		"commitment": bet.CommitmentHash,
	})
	if _, err := s.audit.AppendChainTx(ctx, tx, domain.EventBetPlaced, bet.ID, string(payload)); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("escrow_service.CreateEscrow: commit: %w", err)
	}

	s.logger.Info("escrow created", "escrow", escrow.ID, "bet", bet.ID, "market", marketID,
		"address", identity.Address, "expected_qu", expected)
	return escrow, bet, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Deposit detection
// ──────────────────────────────────────────────────────────────────────────────

// CheckDeposits polls awaiting_deposit escrow balances. A sufficient deposit
// confirms the bet into the pool; a full option routes the deposit straight
// to the refund sweep.
func (s *EscrowService) CheckDeposits(ctx context.Context) {
	escrows, err := s.escrows.ListByStatus(ctx, domain.EscrowAwaitingDeposit)
	if err != nil {
		s.logger.Error("list awaiting deposits", "error", err)
		return
	}
	for _, e := range escrows {
		balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
		if err != nil {
			s.logger.Warn("balance check failed", "escrow", e.ID, "error", err)
			continue
		}
		if balance < e.ExpectedAmount {
			continue
		}
		if err := s.escrows.MarkDepositDetected(ctx, e.ID, balance); err != nil {
			s.logger.Warn("mark deposit detected", "escrow", e.ID, "error", err)
			continue
		}
		err = s.bets.ConfirmDeposit(ctx, e.BetID)
		switch {
		case errors.Is(err, domain.ErrSlotsExhausted):
			// Option filled while the deposit was in flight: the money goes
			// straight back to the user.
			s.logger.Warn("slots exhausted on deposit, refunding", "escrow", e.ID, "bet", e.BetID)
			s.routeRefund(ctx, e.ID, e.BetID, "slots exhausted on deposit")
		case err != nil:
			s.logger.Error("confirm deposit", "escrow", e.ID, "bet", e.BetID, "error", err)
		default:
			s.logger.Info("deposit confirmed", "escrow", e.ID, "bet", e.BetID, "amount_qu", balance)
		}
	}
}

// routeRefund marks the bet refunded and sends the escrow down the sweep
// refund path.
func (s *EscrowService) routeRefund(ctx context.Context, escrowID, betID, reason string) {
	if err := s.bets.MarkRefunded(ctx, betID); err != nil {
		s.logger.Error("mark bet refunded", "bet", betID, "error", err)
	}
	if err := s.escrows.RouteToRefundSweep(ctx, escrowID); err != nil {
		s.logger.Error("route refund sweep", "escrow", escrowID, "error", err)
		return
	}
	s.appendEscrowEvent(ctx, domain.EventBetRefunded, betID, map[string]any{
		"escrow_id": escrowID, "reason": reason,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// joinBet
// ──────────────────────────────────────────────────────────────────────────────

// ExecuteJoinBets forwards detected deposits into the smart contract. At
// three failed attempts the escrow is routed to the refund path.
func (s *EscrowService) ExecuteJoinBets(ctx context.Context) {
	escrows, err := s.escrows.ListByStatus(ctx, domain.EscrowDepositDetected)
	if err != nil {
		s.logger.Error("list deposit detected", "error", err)
		return
	}
	for _, e := range escrows {
		if e.JoinRetries >= domain.MaxJoinRetries {
			s.logger.Error("joinBet retries exhausted, refunding", "escrow", e.ID)
			s.notify.Notify("joinbet_exhausted", fmt.Sprintf("escrow %s after %d attempts", e.ID, e.JoinRetries))
			s.routeRefund(ctx, e.ID, e.BetID, "joinBet retries exhausted")
			continue
		}
		m, err := s.markets.GetByID(ctx, e.MarketID)
		if err != nil || m.BetID() == 0 {
			// No on-chain bet id yet; discovery will unblock this escrow.
			continue
		}
		s.executeJoinBet(ctx, e, m)
	}
}

func (s *EscrowService) executeJoinBet(ctx context.Context, e *domain.Escrow, m *domain.Market) {
	claimed, err := s.escrows.BeginJoin(ctx, e.ID)
	if err != nil || !claimed {
		return
	}
	seed, err := s.decryptSeed(ctx, e.ID)
	if err != nil {
		// Fatal for this escrow: release the claim for manual review.
		s.logger.Error("seed decrypt failed", "escrow", e.ID, "error", err)
		s.notify.Notify("seed_decrypt_failed", "escrow "+e.ID)
		if err := s.escrows.RevertJoinBet(ctx, e.ID); err != nil {
			s.logger.Error("revert join claim", "escrow", e.ID, "error", err)
		}
		return
	}

	res, err := s.chain.JoinBet(ctx, seed, m.BetID(), uint32(e.Slots), uint32(e.OptionIdx), e.ExpectedAmount)
	if err != nil {
		s.logger.Warn("joinBet broadcast failed", "escrow", e.ID, "retry", e.JoinRetries+1, "error", err)
		if err := s.escrows.RevertJoinBet(ctx, e.ID); err != nil {
			s.logger.Error("revert joinBet", "escrow", e.ID, "error", err)
		}
		return
	}
	if err := s.escrows.RecordJoinTx(ctx, e.ID, res.TxID, res.TargetTick); err != nil {
		s.logger.Error("record join tx", "escrow", e.ID, "error", err)
		return
	}
	s.logger.Info("joinBet sent", "escrow", e.ID, "tx", res.TxID, "tick", res.TargetTick)
}

// ConfirmJoinBets verifies joining_sc escrows: a balance drop below half the
// expected amount means the tx landed; a tick timeout reverts for retry.
func (s *EscrowService) ConfirmJoinBets(ctx context.Context) {
	escrows, err := s.escrows.ListByStatus(ctx, domain.EscrowJoiningSC)
	if err != nil {
		s.logger.Error("list joining", "error", err)
		return
	}
	if len(escrows) == 0 {
		return
	}
	info, err := s.chain.GetTickInfo(ctx)
	if err != nil {
		s.logger.Warn("tick info failed", "error", err)
		return
	}
	for _, e := range escrows {
		balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
		if err != nil {
			s.logger.Warn("balance check failed", "escrow", e.ID, "error", err)
			continue
		}
		if balance < e.ExpectedAmount/2 {
			if ok, err := s.escrows.ConfirmJoinBet(ctx, e.ID); err != nil || !ok {
				continue
			}
			if err := s.bets.MarkConfirmed(ctx, e.BetID, deref(e.JoinTxID)); err != nil {
				s.logger.Error("mark bet confirmed", "bet", e.BetID, "error", err)
			}
			s.appendEscrowEvent(ctx, domain.EventBetConfirmed, e.BetID, map[string]any{
				"escrow_id": e.ID, "tx_id": deref(e.JoinTxID),
			})
			s.logger.Info("joinBet confirmed", "escrow", e.ID)
			continue
		}
		if e.JoinTick > 0 && info.Tick > e.JoinTick+s.cfg.Engine.JoinTimeoutTicks {
			s.logger.Warn("joinBet timed out, reverting", "escrow", e.ID, "join_tick", e.JoinTick, "tick", info.Tick)
			if err := s.escrows.RevertJoinBet(ctx, e.ID); err != nil {
				s.logger.Error("revert joinBet", "escrow", e.ID, "error", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Sweeps
// ──────────────────────────────────────────────────────────────────────────────

// ExecuteSweeps drains won_awaiting_sweep escrows to their users. The sweep
// tx id is recorded before the broadcast, so a swept status always has its
// evidence.
func (s *EscrowService) ExecuteSweeps(ctx context.Context) {
	escrows, err := s.escrows.ListByStatus(ctx, domain.EscrowWonAwaitingSweep)
	if err != nil {
		s.logger.Error("list awaiting sweep", "error", err)
		return
	}
	for _, e := range escrows {
		s.executeSweep(ctx, e)
	}
}

func (s *EscrowService) executeSweep(ctx context.Context, e *domain.Escrow) {
	balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
	if err != nil {
		s.logger.Warn("balance check failed", "escrow", e.ID, "error", err)
		return
	}
	fee := s.cfg.Chain.TxFeeQU
	if balance <= fee {
		// Payout not landed yet (or already drained); leave for the next cycle.
		return
	}

	claimed, err := s.escrows.ClaimForSweep(ctx, e.ID)
	if err != nil || !claimed {
		return
	}
	// The pre-claim read is only a filter. The amount swept comes from a
	// fresh read taken while the claim is held, so a payout landing between
	// the two reads is not left behind.
	balance, err = s.chain.GetBalance(ctx, e.EscrowAddress)
	if err != nil {
		s.logger.Warn("balance re-check failed", "escrow", e.ID, "error", err)
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
		}
		return
	}
	if balance <= fee {
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
		}
		return
	}
	seed, err := s.decryptSeed(ctx, e.ID)
	if err != nil {
		s.logger.Error("seed decrypt failed", "escrow", e.ID, "error", err)
		s.notify.Notify("seed_decrypt_failed", "escrow "+e.ID)
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
		}
		return
	}

	prepared, err := s.chain.BuildTransfer(ctx, seed, e.UserAddress, balance-fee)
	if err != nil {
		s.logger.Warn("build sweep tx failed", "escrow", e.ID, "error", err)
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
		}
		return
	}
	// Record before broadcast: a crash after this point leaves a resumable
	// sweeping row instead of an unexplained outflow.
	if err := s.escrows.RecordSweepTx(ctx, e.ID, prepared.TxID, prepared.TargetTick); err != nil {
		s.logger.Error("record sweep tx", "escrow", e.ID, "error", err)
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
		}
		return
	}
	if err := s.chain.Broadcast(ctx, prepared); err != nil {
		s.logger.Warn("sweep broadcast failed", "escrow", e.ID, "error", err)
		if err := s.escrows.ClearSweepTx(ctx, e.ID); err != nil {
			s.logger.Error("clear sweep tx", "escrow", e.ID, "error", err)
		}
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
		}
		return
	}
	s.logger.Info("sweep sent", "escrow", e.ID, "tx", prepared.TxID,
		"amount_qu", balance-fee, "to", e.UserAddress)
}

// ConfirmSweeps verifies sweeping escrows: a drained balance completes the
// sweep and archives the key; a tick timeout reverts for retry.
func (s *EscrowService) ConfirmSweeps(ctx context.Context) {
	escrows, err := s.escrows.ListByStatus(ctx, domain.EscrowSweeping)
	if err != nil {
		s.logger.Error("list sweeping", "error", err)
		return
	}
	if len(escrows) == 0 {
		return
	}
	info, err := s.chain.GetTickInfo(ctx)
	if err != nil {
		s.logger.Warn("tick info failed", "error", err)
		return
	}
	for _, e := range escrows {
		if e.SweepTxID == nil || *e.SweepTxID == "" {
			// Orphaned claim; the recovery pass reverts it after its grace
			// period.
			continue
		}
		balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
		if err != nil {
			s.logger.Warn("balance check failed", "escrow", e.ID, "error", err)
			continue
		}
		if balance <= s.cfg.Chain.TxFeeQU {
			ok, err := s.escrows.ConfirmSweepComplete(ctx, e.ID)
			if err != nil {
				s.logger.Error("confirm sweep", "escrow", e.ID, "error", err)
				continue
			}
			if !ok {
				// The SQL guard refused: no recorded tx id. Revert for
				// manual review.
				s.logger.Error("sweep guard refused completion", "escrow", e.ID)
				s.notify.Notify("sweep_guard_refused", "escrow "+e.ID)
				if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
					s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
				}
				continue
			}
			if err := s.keys.Archive(ctx, e.ID); err != nil {
				s.logger.Error("archive key", "escrow", e.ID, "error", err)
			}
			s.appendEscrowEvent(ctx, domain.EventEscrowSwept, e.ID, map[string]any{
				"bet_id": e.BetID, "tx_id": deref(e.SweepTxID), "amount_qu": e.PayoutAmount,
			})
			s.logger.Info("sweep complete", "escrow", e.ID)
			continue
		}
		if e.SweepTick > 0 && info.Tick > e.SweepTick+s.cfg.Engine.SweepTimeoutTicks {
			s.logger.Warn("sweep timed out, reverting", "escrow", e.ID)
			if err := s.escrows.ClearSweepTx(ctx, e.ID); err != nil {
				s.logger.Error("clear sweep tx", "escrow", e.ID, "error", err)
			}
			if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
				s.logger.Error("revert sweep claim", "escrow", e.ID, "error", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Expiry
// ──────────────────────────────────────────────────────────────────────────────

// HandleExpired closes out awaiting_deposit escrows past their deadline. A
// late deposit found at expiry is refunded through the sweep path rather
// than silently kept.
func (s *EscrowService) HandleExpired(ctx context.Context) {
	escrows, err := s.escrows.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("list expired", "error", err)
		return
	}
	for _, e := range escrows {
		balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
		if err != nil {
			s.logger.Warn("balance check failed", "escrow", e.ID, "error", err)
			continue
		}
		if balance > s.cfg.Chain.TxFeeQU {
			s.logger.Info("late deposit at expiry, refunding", "escrow", e.ID, "balance_qu", balance)
			s.routeRefund(ctx, e.ID, e.BetID, "late deposit at expiry")
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			s.logger.Error("begin expiry tx", "escrow", e.ID, "error", err)
			continue
		}
		err = s.escrows.MarkExpiredTx(ctx, tx, e.ID)
		if err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
		if err != nil {
			s.logger.Error("expire escrow", "escrow", e.ID, "error", err)
			continue
		}
		if err := s.bets.MarkRefunded(ctx, e.BetID); err != nil {
			s.logger.Error("mark bet refunded", "bet", e.BetID, "error", err)
		}
		if err := s.keys.Archive(ctx, e.ID); err != nil {
			s.logger.Error("archive key", "escrow", e.ID, "error", err)
		}
		s.logger.Info("escrow expired", "escrow", e.ID)
	}
}

// CancelUnfunded abandons an escrow at the user's request before any money
// has moved. Only awaiting_deposit escrows with an exactly-zero on-chain
// balance qualify; once a single qu has landed, the deposit and refund paths
// own the escrow.
func (s *EscrowService) CancelUnfunded(ctx context.Context, escrowID string) error {
	e, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return err
	}
	if e.Status != domain.EscrowAwaitingDeposit {
		return fmt.Errorf("escrow_service.CancelUnfunded: escrow %s is %s: %w",
			escrowID, e.Status, domain.ErrEscrowState)
	}
	balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
	if err != nil {
		return fmt.Errorf("escrow_service.CancelUnfunded: balance check: %w", err)
	}
	if balance != 0 {
		return fmt.Errorf("escrow_service.CancelUnfunded: escrow %s holds %d qu: %w",
			escrowID, balance, domain.ErrEscrowState)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("escrow_service.CancelUnfunded: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	// MarkExpiredTx carries the awaiting_deposit guard, so a deposit detected
	// between the balance read and this update aborts the cancel.
	if err := s.escrows.MarkExpiredTx(ctx, tx, e.ID); err != nil {
		return err
	}
	if err := s.bets.SetStatusTx(ctx, tx, e.BetID, domain.BetRefunded, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escrow_service.CancelUnfunded: commit: %w", err)
	}
	if err := s.keys.Archive(ctx, e.ID); err != nil {
		s.logger.Error("archive key", "escrow", e.ID, "error", err)
	}
	s.appendEscrowEvent(ctx, domain.EventBetRefunded, e.BetID, map[string]any{
		"escrow_id": e.ID, "reason": "cancelled before deposit",
	})
	s.logger.Info("unfunded escrow cancelled", "escrow", e.ID)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// decryptSeed loads and opens an escrow's active key.
func (s *EscrowService) decryptSeed(ctx context.Context, escrowID string) (string, error) {
	k, err := s.keys.GetActive(ctx, escrowID)
	if err != nil {
		return "", err
	}
	return s.vault.Decrypt(&vault.EncryptedSeed{
		Ciphertext: k.Ciphertext,
		IV:         k.IV,
		AuthTag:    k.AuthTag,
	})
}

func (s *EscrowService) appendEscrowEvent(ctx context.Context, event, entityID string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if _, err := s.audit.AppendChain(ctx, event, entityID, string(raw)); err != nil {
		s.logger.Error("append chain", "event", event, "entity", entityID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
