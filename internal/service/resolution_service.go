package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
	"github.com/qpredict/engine/internal/oracle"
	"github.com/qpredict/engine/internal/repository"
)

// ResolutionService settles markets: it asks the oracle adapters for an
// outcome, runs the parimutuel arithmetic and commits the whole settlement
// in one transaction under the solvency guard.
type ResolutionService struct {
	db       *sqlx.DB
	markets  *repository.MarketRepository
	bets     *repository.BetRepository
	escrows  *repository.EscrowRepository
	keys     *repository.KeyRepository
	accounts *repository.AccountRepository
	audit    *repository.AuditRepository
	oracles  *oracle.Dispatcher
	chain    ChainClient
	cfg      *config.Config
	notify   Notifier
	logger   *slog.Logger
}

// NewResolutionService wires the resolution service.
func NewResolutionService(db *sqlx.DB, markets *repository.MarketRepository, bets *repository.BetRepository,
	escrows *repository.EscrowRepository, keys *repository.KeyRepository, accounts *repository.AccountRepository,
	audit *repository.AuditRepository, oracles *oracle.Dispatcher, chain ChainClient, cfg *config.Config,
	notify Notifier, logger *slog.Logger) *ResolutionService {
	return &ResolutionService{
		db: db, markets: markets, bets: bets, escrows: escrows, keys: keys,
		accounts: accounts, audit: audit, oracles: oracles, chain: chain,
		cfg: cfg, notify: notify, logger: logger,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Driver
// ──────────────────────────────────────────────────────────────────────────────

// ResolveDue walks markets past their end date and tries to settle each one.
// An adapter returning no result defers the market to the next cycle.
func (s *ResolutionService) ResolveDue(ctx context.Context) {
	due, err := s.markets.ListDueForResolution(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("list due for resolution", "error", err)
		return
	}
	for _, m := range due {
		adapter := s.oracles.For(m)
		if adapter == nil {
			continue
		}
		result, err := adapter.FetchResult(ctx, m)
		if err != nil {
			s.logger.Warn("oracle fetch failed", "market", m.ID, "type", m.MarketType, "error", err)
			continue
		}
		if result == nil {
			// No decisive outcome yet. AI markets burn one of their bounded
			// attempts per indecisive council round.
			if m.MarketType == domain.MarketTypeAI {
				if err := s.markets.IncrementAIAttempts(ctx, m.ID); err != nil {
					s.logger.Error("increment ai attempts", "market", m.ID, "error", err)
				}
			}
			continue
		}
		if err := s.Resolve(ctx, m, result); err != nil {
			s.logger.Error("settlement failed", "market", m.ID, "error", err)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement
// ──────────────────────────────────────────────────────────────────────────────

// Resolve settles one market with a decided oracle result. The resolving
// claim makes the settlement single-flight; every mutation after the claim
// happens in one transaction that the solvency guard can veto.
func (s *ResolutionService) Resolve(ctx context.Context, m *domain.Market, result *oracle.Result) error {
	claimed, err := s.markets.TryClaimForResolution(ctx, m.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	winner := int64(result.WinningOption)
	options := m.Options()
	if winner < 0 || winner >= int64(len(options)) {
		s.revertClaim(ctx, m.ID)
		return fmt.Errorf("resolution_service.Resolve: winner %d out of range", winner)
	}

	// The on-chain publish is evidence, not a dependency: a failed broadcast
	// must not strand user payouts.
	var txIDs []string
	if m.BetID() != 0 {
		res, err := s.chain.PublishResult(ctx, s.cfg.Chain.MasterSeed, m.BetID(), uint32(winner))
		if err != nil {
			s.logger.Warn("publishResult broadcast failed", "market", m.ID, "error", err)
		} else {
			txIDs = append(txIDs, res.TxID)
		}
	}

	// The bet rows are the truth; the cached pool and slot columns are not
	// trusted at settlement time.
	agg, err := s.bets.RecomputeAggregates(ctx, m.ID, len(options))
	if err != nil {
		s.revertClaim(ctx, m.ID)
		return err
	}
	totalSlots := int64(0)
	for _, n := range agg.Slots {
		totalSlots += n
	}
	winnerSlots := agg.Slots[winner]

	payout := domain.ComputePayout(agg.TotalPool, winnerSlots, totalSlots, m.OracleFeeBps)
	totalOwed := payout.PerSlotQU * winnerSlots
	if totalOwed > agg.TotalPool {
		return s.failSolvency(ctx, m.ID, totalOwed, agg.TotalPool)
	}

	bets, err := s.bets.ListFundedByMarket(ctx, m.ID)
	if err != nil {
		s.revertClaim(ctx, m.ID)
		return err
	}

	price := result.CurrentPrice
	slotsJSON, _ := json.Marshal(agg.Slots)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.revertClaim(ctx, m.ID)
		return fmt.Errorf("resolution_service.Resolve: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range bets {
		if b.OptionIdx == winner {
			betPayout := payout.PerSlotQU * b.Slots
			if err := s.bets.SetStatusTx(ctx, tx, b.ID, domain.BetWon, betPayout); err != nil {
				return err
			}
			if err := s.accounts.CreditTx(ctx, tx, b.UserAddress, betPayout,
				domain.LedgerPayout, nil, &m.ID); err != nil {
				return err
			}
		} else {
			if err := s.bets.SetStatusTx(ctx, tx, b.ID, domain.BetLost, 0); err != nil {
				return err
			}
		}
	}
	if err := s.markets.ResolveTx(ctx, tx, m.ID, winner, price, agg.TotalPool, string(slotsJSON)); err != nil {
		return err
	}
	if len(result.ProofData) > 0 {
		if err := s.markets.SetResolutionProofTx(ctx, tx, m.ID, string(result.ProofData)); err != nil {
			return err
		}
	}
	resolvedPayload, _ := json.Marshal(map[string]any{
		"winning_option": winner,
		"winner_label":   options[winner],
		"proof_source":   result.ProofSource,
		"pool_qu":        agg.TotalPool,
		"per_slot_qu":    payout.PerSlotQU,
		"tx_ids":         txIDs,
	})
	if _, err := s.audit.AppendChainTx(ctx, tx, domain.EventMarketResolved, m.ID, string(resolvedPayload)); err != nil {
		return err
	}
	for _, b := range bets {
		if b.OptionIdx != winner {
			continue
		}
		payloadJSON, _ := json.Marshal(map[string]any{
			"bet_id": b.ID, "amount_qu": payout.PerSlotQU * b.Slots,
		})
		if _, err := s.audit.AppendChainTx(ctx, tx, domain.EventPayoutCredited, b.ID, string(payloadJSON)); err != nil {
			return err
		}
	}
	if err := s.settleEscrowsTx(ctx, tx, m.ID, winner, payout.PerSlotQU); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolution_service.Resolve: commit: %w", err)
	}

	s.archiveLostKeys(ctx, m.ID)
	s.logger.Info("market resolved", "market", m.ID, "winner", winner,
		"label", options[winner], "pool_qu", agg.TotalPool, "per_slot_qu", payout.PerSlotQU)
	return nil
}

// settleEscrowsTx fans the settlement out to the market's live escrows inside
// the settlement transaction.
func (s *ResolutionService) settleEscrowsTx(ctx context.Context, tx *sqlx.Tx, marketID string, winner, perSlotQU int64) error {
	active, err := s.escrows.ListByMarketAndStatusTx(ctx, tx, marketID, domain.EscrowActiveInSC)
	if err != nil {
		return err
	}
	for _, e := range active {
		if e.OptionIdx == winner {
			if err := s.escrows.MarkWonTx(ctx, tx, e.ID, perSlotQU*e.Slots); err != nil {
				return err
			}
		} else {
			if err := s.escrows.MarkLostTx(ctx, tx, e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// archiveLostKeys destroys seed material for escrows with nothing left to
// sweep. Winners keep their keys until the sweep completes.
func (s *ResolutionService) archiveLostKeys(ctx context.Context, marketID string) {
	lost, err := s.escrows.ListByMarketAndStatus(ctx, marketID, domain.EscrowLost)
	if err != nil {
		s.logger.Error("list lost escrows", "market", marketID, "error", err)
		return
	}
	for _, e := range lost {
		if err := s.keys.Archive(ctx, e.ID); err != nil {
			s.logger.Error("archive key", "escrow", e.ID, "error", err)
		}
	}
	// A stake stuck mid-join at settlement missed the market entirely; it
	// goes back to the user.
	joining, err := s.escrows.ListByMarketAndStatus(ctx, marketID, domain.EscrowJoiningSC)
	if err != nil {
		s.logger.Error("list joining escrows", "market", marketID, "error", err)
		return
	}
	for _, e := range joining {
		if err := s.bets.MarkRefunded(ctx, e.BetID); err != nil {
			s.logger.Error("mark bet refunded", "bet", e.BetID, "error", err)
		}
		if err := s.escrows.RouteToRefundSweep(ctx, e.ID); err != nil {
			s.logger.Error("route refund", "escrow", e.ID, "error", err)
		}
	}
}

// failSolvency freezes a market whose arithmetic owes more than its pool
// holds. The market stays in resolving, the operator is paged and a
// solvency_violation entry lands on the chain; nothing is paid.
func (s *ResolutionService) failSolvency(ctx context.Context, marketID string, owedQU, poolQU int64) error {
	s.notify.Notify("solvency_violation", fmt.Sprintf(
		"market %s owes %d over pool %d", marketID, owedQU, poolQU))
	s.appendEvent(ctx, domain.EventSolvencyViolation, marketID, map[string]any{
		"owed_qu": owedQU, "pool_qu": poolQU,
	})
	return fmt.Errorf("resolution_service.Resolve: %w: owed %d pool %d",
		domain.ErrSolvencyViolation, owedQU, poolQU)
}

func (s *ResolutionService) revertClaim(ctx context.Context, marketID string) {
	if err := s.markets.RevertResolving(ctx, marketID); err != nil {
		s.logger.Error("revert resolving claim", "market", marketID, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Proof packages
// ──────────────────────────────────────────────────────────────────────────────

// BuildResolutionProof assembles the self-contained settlement evidence for a
// resolved market.
func (s *ResolutionService) BuildResolutionProof(ctx context.Context, marketID string) (*fairness.ResolutionProof, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MarketResolved {
		return nil, fmt.Errorf("resolution_service.BuildResolutionProof: market %s is %s: %w",
			marketID, m.Status, domain.ErrMarketNotResolved)
	}
	attestations, err := s.audit.ListAttestations(ctx, marketID)
	if err != nil {
		return nil, err
	}
	entries, err := s.audit.ListChainByEntity(ctx, marketID)
	if err != nil {
		return nil, err
	}

	agg, err := s.bets.RecomputeAggregates(ctx, marketID, len(m.Options()))
	if err != nil {
		return nil, err
	}
	totalSlots := int64(0)
	for _, n := range agg.Slots {
		totalSlots += n
	}
	winner := *m.WinningOption
	winnerSlots := agg.Slots[winner]
	p := domain.ComputePayout(agg.TotalPool, winnerSlots, totalSlots, m.OracleFeeBps)

	summary := fairness.PayoutSummary{
		TotalPoolQU:      agg.TotalPool,
		WinnerSlots:      winnerSlots,
		TotalSlots:       totalSlots,
		WinnerStakeQU:    p.WinnerStakeQU,
		LoserPoolQU:      p.LoserPoolQU,
		BurnFeeQU:        p.Fees.BurnQU,
		ShareholderFeeQU: p.Fees.ShareholderQU,
		OperatorFeeQU:    p.Fees.OperatorQU,
		OracleFeeQU:      p.Fees.OracleQU,
		WinnerPoolQU:     p.WinnerPoolQU,
		PerSlotQU:        p.PerSlotQU,
	}

	var txIDs []string
	if m.CreationTxID != nil {
		txIDs = append(txIDs, *m.CreationTxID)
	}
	return fairness.BuildProof(m, attestations, summary, entries, txIDs)
}

// ──────────────────────────────────────────────────────────────────────────────
// Solvency snapshots
// ──────────────────────────────────────────────────────────────────────────────

// SnapshotSolvency builds a Merkle commitment over every positive custodial
// balance and compares the total against the platform's on-chain balance.
func (s *ResolutionService) SnapshotSolvency(ctx context.Context) {
	accounts, err := s.accounts.SolvencyLeaves(ctx)
	if err != nil {
		s.logger.Error("solvency leaves", "error", err)
		return
	}
	leaves := make([]fairness.BalanceLeaf, 0, len(accounts))
	total := int64(0)
	for _, a := range accounts {
		leaves = append(leaves, fairness.BalanceLeaf{Address: a.Address, BalanceQU: a.BalanceQU})
		total += a.BalanceQU
	}
	root := fairness.MerkleRoot(leaves)

	onChain, err := s.chain.GetBalance(ctx, s.cfg.Chain.MasterIdentity)
	if err != nil {
		s.logger.Warn("master balance fetch failed", "error", err)
		return
	}
	info, err := s.chain.GetTickInfo(ctx)
	if err != nil {
		s.logger.Warn("tick info failed", "error", err)
		return
	}

	solvent := onChain >= total
	leavesJSON, _ := json.Marshal(leaves)
	proof := &domain.SolvencyProof{
		MerkleRoot:       root,
		TotalUserBalance: total,
		OnChainBalance:   onChain,
		IsSolvent:        solvent,
		AccountCount:     int64(len(leaves)),
		Tick:             info.Tick,
		Epoch:            info.Epoch,
		LeavesJSON:       string(leavesJSON),
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.audit.InsertSolvencyProof(ctx, proof); err != nil {
		s.logger.Error("insert solvency proof", "error", err)
		return
	}
	s.appendEvent(ctx, domain.EventSolvencyProved, "platform", map[string]any{
		"merkle_root": root, "total_user_qu": total, "on_chain_qu": onChain,
		"solvent": solvent, "accounts": len(leaves),
	})
	if !solvent {
		s.notify.Notify("insolvency_detected", fmt.Sprintf(
			"user balances %d exceed on-chain %d", total, onChain))
	}
	s.logger.Info("solvency snapshot", "root", root, "accounts", len(leaves),
		"total_user_qu", total, "on_chain_qu", onChain, "solvent", solvent)
}

func (s *ResolutionService) appendEvent(ctx context.Context, event, entityID string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if _, err := s.audit.AppendChain(ctx, event, entityID, string(raw)); err != nil {
		s.logger.Error("append chain", "event", event, "entity", entityID, "error", err)
	}
}
