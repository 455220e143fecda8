package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
	"github.com/qpredict/engine/internal/repository"
)

// Recovery grace periods. Long enough that the normal phases have had many
// cycles to act, short enough that stuck money is found within the hour.
const (
	joinOrphanAfter     = 30 * time.Minute
	sweepOrphanAfter    = 15 * time.Minute
	sweepStalledAfter   = 2 * time.Hour
	pendingTxStuckAfter = 30 * time.Minute
	resolvingStuckAfter = time.Hour
	discoveryStuckAfter = time.Hour
)

// RecoveryService is the self-healing pass: it finds rows the normal phases
// abandoned mid-transition (crash, deploy, RPC outage) and puts them back on
// a live path.
type RecoveryService struct {
	markets   *repository.MarketRepository
	bets      *repository.BetRepository
	escrows   *repository.EscrowRepository
	audit     *repository.AuditRepository
	chain     ChainClient
	marketSvc *MarketService
	cfg       *config.Config
	notify    Notifier
	logger    *slog.Logger
}

// NewRecoveryService wires the recovery service.
func NewRecoveryService(markets *repository.MarketRepository, bets *repository.BetRepository,
	escrows *repository.EscrowRepository, audit *repository.AuditRepository, chain ChainClient,
	marketSvc *MarketService, cfg *config.Config, notify Notifier, logger *slog.Logger) *RecoveryService {
	return &RecoveryService{
		markets: markets, bets: bets, escrows: escrows, audit: audit, chain: chain,
		marketSvc: marketSvc, cfg: cfg, notify: notify, logger: logger,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Orphaned escrows
// ──────────────────────────────────────────────────────────────────────────────

// RecoverOrphanEscrows resolves escrows stranded between states. The escrow
// balance is the arbiter: an empty joining_sc address means the join landed,
// a funded one means it did not.
func (s *RecoveryService) RecoverOrphanEscrows(ctx context.Context) {
	now := time.Now().UTC()

	joining, err := s.escrows.ListIdleSince(ctx, domain.EscrowJoiningSC, now.Add(-joinOrphanAfter))
	if err != nil {
		s.logger.Error("list orphan joining", "error", err)
	}
	for _, e := range joining {
		balance, err := s.chain.GetBalance(ctx, e.EscrowAddress)
		if err != nil {
			s.logger.Warn("balance check failed", "escrow", e.ID, "error", err)
			continue
		}
		if balance < e.ExpectedAmount/2 {
			s.logger.Info("orphan joinBet actually landed", "escrow", e.ID)
			if ok, err := s.escrows.ConfirmJoinBet(ctx, e.ID); err != nil || !ok {
				continue
			}
			if err := s.bets.MarkConfirmed(ctx, e.BetID, deref(e.JoinTxID)); err != nil {
				s.logger.Error("mark bet confirmed", "bet", e.BetID, "error", err)
			}
			s.appendRecovery(ctx, e.MarketID, "confirm_landed_join", map[string]any{"escrow_id": e.ID})
			continue
		}
		s.logger.Warn("reverting orphan joinBet", "escrow", e.ID, "idle_since", e.UpdatedAt)
		if err := s.escrows.RevertJoinBet(ctx, e.ID); err != nil {
			s.logger.Error("revert orphan joinBet", "escrow", e.ID, "error", err)
			continue
		}
		s.appendRecovery(ctx, e.MarketID, "revert_orphan_join", map[string]any{"escrow_id": e.ID})
	}

	// A sweeping row without a recorded tx id is a claim that died before
	// BuildTransfer; releasing it is always safe.
	sweeping, err := s.escrows.ListIdleSince(ctx, domain.EscrowSweeping, now.Add(-sweepOrphanAfter))
	if err != nil {
		s.logger.Error("list orphan sweeping", "error", err)
	}
	for _, e := range sweeping {
		if e.SweepTxID != nil && *e.SweepTxID != "" {
			continue
		}
		s.logger.Warn("releasing orphan sweep claim", "escrow", e.ID)
		if err := s.escrows.RevertSweepClaim(ctx, e.ID); err != nil {
			s.logger.Error("revert orphan sweep claim", "escrow", e.ID, "error", err)
			continue
		}
		s.appendRecovery(ctx, e.MarketID, "release_orphan_sweep_claim", map[string]any{"escrow_id": e.ID})
	}

	stalled, err := s.escrows.ListIdleSince(ctx, domain.EscrowWonAwaitingSweep, now.Add(-sweepStalledAfter))
	if err != nil {
		s.logger.Error("list stalled sweeps", "error", err)
	}
	for _, e := range stalled {
		// Money owed to a user has been sitting for hours. The sweep phase
		// keeps retrying; a human should know.
		s.logger.Warn("sweep stalled", "escrow", e.ID, "payout_qu", e.PayoutAmount,
			"idle_since", e.UpdatedAt)
		s.notify.Notify("sweep_stalled", "escrow "+e.ID)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Stuck markets
// ──────────────────────────────────────────────────────────────────────────────

// RecoverStuckMarkets unwedges markets abandoned mid-lifecycle.
func (s *RecoveryService) RecoverStuckMarkets(ctx context.Context) {
	now := time.Now().UTC()

	// issueBet sent but never discovered: the tx most likely never landed.
	// Cancel locally so escrows and bets are refunded.
	pending, err := s.markets.ListStuckPendingTx(ctx, now.Add(-pendingTxStuckAfter))
	if err != nil {
		s.logger.Error("list stuck pending_tx", "error", err)
	}
	for _, m := range pending {
		betID, found, err := s.chain.FindBetID(ctx, s.cfg.Chain.MasterIdentity, m.ID)
		if err == nil && found {
			s.logger.Info("stuck pending_tx market found on chain", "market", m.ID, "bet_id", betID)
			if err := s.markets.Activate(ctx, m.ID, betID); err != nil {
				s.logger.Error("activate recovered market", "market", m.ID, "error", err)
				continue
			}
			s.appendRecovery(ctx, m.ID, "activate_discovered_market", map[string]any{"bet_id": betID})
			continue
		}
		s.logger.Warn("cancelling stuck pending_tx market", "market", m.ID, "created_at", m.CreatedAt)
		if err := s.marketSvc.Cancel(ctx, m.ID, "issueBet never confirmed on chain"); err != nil {
			s.logger.Error("cancel stuck market", "market", m.ID, "error", err)
			continue
		}
		s.appendRecovery(ctx, m.ID, "cancel_unconfirmed_issue", nil)
	}

	// A resolving claim older than an hour belongs to a dead settlement
	// attempt; release it for retry.
	resolving, err := s.markets.ListStuckResolving(ctx, now.Add(-resolvingStuckAfter))
	if err != nil {
		s.logger.Error("list stuck resolving", "error", err)
	}
	for _, m := range resolving {
		s.logger.Warn("releasing stale resolving claim", "market", m.ID)
		if err := s.markets.RevertResolving(ctx, m.ID); err != nil {
			s.logger.Error("revert resolving", "market", m.ID, "error", err)
			continue
		}
		s.appendRecovery(ctx, m.ID, "release_stale_resolving_claim", nil)
	}

	// Active without an on-chain bet id should be impossible; try one more
	// discovery, then pull the market rather than accept deposits it can
	// never forward.
	undiscovered, err := s.markets.ListStuckDiscovery(ctx, now.Add(-discoveryStuckAfter))
	if err != nil {
		s.logger.Error("list stuck discovery", "error", err)
	}
	for _, m := range undiscovered {
		betID, found, err := s.chain.FindBetID(ctx, s.cfg.Chain.MasterIdentity, m.ID)
		if err == nil && found {
			if err := s.markets.Activate(ctx, m.ID, betID); err != nil {
				s.logger.Error("activate market", "market", m.ID, "error", err)
				continue
			}
			s.appendRecovery(ctx, m.ID, "activate_discovered_market", map[string]any{"bet_id": betID})
			continue
		}
		s.logger.Error("active market has no on-chain bet", "market", m.ID)
		s.notify.Notify("market_without_bet_id", "market "+m.ID)
		if err := s.marketSvc.Cancel(ctx, m.ID, "no on-chain bet id"); err != nil {
			s.logger.Error("cancel undiscovered market", "market", m.ID, "error", err)
			continue
		}
		s.appendRecovery(ctx, m.ID, "cancel_market_without_bet_id", nil)
	}
}

// appendRecovery records a recovery action on the commitment chain so manual
// and automatic repairs leave the same audit trail.
func (s *RecoveryService) appendRecovery(ctx context.Context, marketID, action string, detail map[string]any) {
	payload := map[string]any{"action": action}
	for k, v := range detail {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	if _, err := s.audit.AppendChain(ctx, domain.EventMarketRecovery, marketID, string(raw)); err != nil {
		s.logger.Error("append chain", "event", domain.EventMarketRecovery, "market", marketID, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Cache repair
// ──────────────────────────────────────────────────────────────────────────────

// RepairAggregates recomputes every open market's cached pool and slot map
// from the bet rows, and re-derives commitment hashes written before the
// canonical formula.
func (s *RecoveryService) RepairAggregates(ctx context.Context) {
	for _, status := range []domain.MarketStatus{domain.MarketActive, domain.MarketClosed} {
		markets, err := s.markets.ListByStatus(ctx, status)
		if err != nil {
			s.logger.Error("list markets for repair", "status", status, "error", err)
			continue
		}
		for _, m := range markets {
			s.repairOne(ctx, m)
		}
	}
}

func (s *RecoveryService) repairOne(ctx context.Context, m *domain.Market) {
	agg, err := s.bets.RecomputeAggregates(ctx, m.ID, len(m.Options()))
	if err != nil {
		s.logger.Error("recompute aggregates", "market", m.ID, "error", err)
		return
	}
	slotsJSON, _ := json.Marshal(agg.Slots)
	if m.TotalPool != agg.TotalPool || m.SlotsJSON != string(slotsJSON) {
		s.logger.Warn("aggregate drift repaired", "market", m.ID,
			"stored_pool", m.TotalPool, "actual_pool", agg.TotalPool)
		if err := s.markets.SetAggregates(ctx, m.ID, agg.TotalPool, string(slotsJSON)); err != nil {
			s.logger.Error("set aggregates", "market", m.ID, "error", err)
		}
	}

	commitment, err := fairness.MarketCommitment(m)
	if err != nil {
		s.logger.Error("recompute commitment", "market", m.ID, "error", err)
		return
	}
	if m.CommitmentHash != commitment {
		s.logger.Warn("commitment hash repaired", "market", m.ID)
		if err := s.markets.SetCommitmentHash(ctx, m.ID, commitment); err != nil {
			s.logger.Error("set commitment", "market", m.ID, "error", err)
		}
	}
}
