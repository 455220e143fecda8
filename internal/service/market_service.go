package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
	"github.com/qpredict/engine/internal/qubic"
	"github.com/qpredict/engine/internal/repository"
)

// maxDiscoveryAttempts bounds how many fast cycles a pending_tx market waits
// for its on-chain bet id before the recovery pass takes over.
const maxDiscoveryAttempts = 5

// MarketService owns the market lifecycle: creation on chain, bet-id
// discovery, closing and cancellation.
type MarketService struct {
	db      *sqlx.DB
	markets *repository.MarketRepository
	bets    *repository.BetRepository
	escrows *repository.EscrowRepository
	keys    *repository.KeyRepository
	accounts *repository.AccountRepository
	audit   *repository.AuditRepository
	chain   ChainClient
	cfg     *config.Config
	notify  Notifier
	logger  *slog.Logger

	discoveryAttempts map[string]int
}

// NewMarketService wires the market service.
func NewMarketService(db *sqlx.DB, markets *repository.MarketRepository, bets *repository.BetRepository,
	escrows *repository.EscrowRepository, keys *repository.KeyRepository, accounts *repository.AccountRepository,
	audit *repository.AuditRepository, chain ChainClient, cfg *config.Config,
	notify Notifier, logger *slog.Logger) *MarketService {
	return &MarketService{
		db: db, markets: markets, bets: bets, escrows: escrows, keys: keys,
		accounts: accounts, audit: audit, chain: chain, cfg: cfg,
		notify: notify, logger: logger,
		discoveryAttempts: make(map[string]int),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Creation
// ──────────────────────────────────────────────────────────────────────────────

// CreateMarketInput carries the creation parameters.
type CreateMarketInput struct {
	Pair           string
	Question       string
	MarketType     domain.MarketType
	ResolutionType domain.ResolutionType
	Target         decimal.Decimal
	TargetHigh     decimal.NullDecimal
	Options        []string
	CloseDate      time.Time
	EndDate        time.Time
	MinBetPerSlot  int64
	MaxSlots       int64
	CreatorAddress string
	OracleFeeBps   int64
	Category       string
	Provenance     domain.Provenance
}

// Create validates and persists a market, then broadcasts issueBet from the
// platform identity. The market stays in draft if the broadcast fails; the
// next Create retry or an operator cancel cleans it up.
func (s *MarketService) Create(ctx context.Context, in CreateMarketInput) (*domain.Market, error) {
	optionsJSON, _ := json.Marshal(in.Options)
	slotsJSON, _ := json.Marshal(make([]int64, len(in.Options)))
	oracleAddrs := []string{s.cfg.Chain.MasterIdentity}
	oracleJSON, _ := json.Marshal(oracleAddrs)

	now := time.Now().UTC()
	m := &domain.Market{
		ID:             domain.NewMarketID(),
		Pair:           in.Pair,
		Question:       in.Question,
		MarketType:     in.MarketType,
		Status:         domain.MarketDraft,
		OptionsJSON:    string(optionsJSON),
		SlotsJSON:      string(slotsJSON),
		MinBetPerSlot:  in.MinBetPerSlot,
		MaxSlots:       in.MaxSlots,
		ResolutionType: in.ResolutionType,
		Target:         in.Target,
		TargetHigh:     in.TargetHigh,
		CloseDate:      in.CloseDate.UTC(),
		EndDate:        in.EndDate.UTC(),
		CreatorAddress: in.CreatorAddress,
		OracleAddrsJSON: string(oracleJSON),
		OracleFeeBps:   in.OracleFeeBps,
		Category:       in.Category,
		Provenance:     in.Provenance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if m.Provenance == "" {
		m.Provenance = domain.ProvenanceUser
	}
	// custom/ai markets carry an auto-refund deadline in case no oracle ever
	// decides them.
	if m.MarketType == domain.MarketTypeCustom || m.MarketType == domain.MarketTypeAI {
		refundAt := m.EndDate.Add(domain.AutoRefundAfter)
		m.RefundAt = &refundAt
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	commitment, err := fairness.MarketCommitment(m)
	if err != nil {
		return nil, fmt.Errorf("market_service.Create: %w", err)
	}
	m.CommitmentHash = commitment

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("market_service.Create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.markets.CreateTx(ctx, tx, m); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{
		"market_id":  m.ID,
		"question":   m.Question,
		"options":    in.Options,
		"close_date": m.CloseDate.Format(time.RFC3339),
		"end_date":   m.EndDate.Format(time.RFC3339),
		"commitment": m.CommitmentHash,
	})
	if _, err := s.audit.AppendChainTx(ctx, tx, domain.EventMarketCreated, m.ID, string(payload)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("market_service.Create: commit: %w", err)
	}

	if err := s.issueOnChain(ctx, m, in.Options, oracleAddrs); err != nil {
		s.logger.Error("issueBet failed, market stays draft", "market", m.ID, "error", err)
		return m, err
	}
	return m, nil
}

func (s *MarketService) issueOnChain(ctx context.Context, m *domain.Market, options, oracleAddrs []string) error {
	pubkeys := make([][32]byte, 0, len(oracleAddrs))
	for _, addr := range oracleAddrs {
		pk, err := qubic.DecodeAddress(addr)
		if err != nil {
			return fmt.Errorf("market_service.issueOnChain: oracle %q: %w", addr, err)
		}
		pubkeys = append(pubkeys, pk)
	}
	fees := make([]uint32, len(pubkeys))
	for i := range fees {
		fees[i] = uint32(m.OracleFeeBps)
	}
	in := qubic.IssueBetInput{
		// The contract description doubles as the discovery key.
		Description:   m.ID,
		Options:       options,
		OraclePubKeys: pubkeys,
		OracleFees:    fees,
		CloseDate:     m.CloseDate,
		EndDate:       m.EndDate,
		AmountPerSlot: m.MinBetPerSlot,
		MaxSlots:      uint32(m.MaxSlots),
	}
	fee := s.chain.IssueFee(ctx, m.MaxSlots, int64(len(options)), m.EndDate)
	res, err := s.chain.IssueBet(ctx, s.cfg.Chain.MasterSeed, in, fee)
	if err != nil {
		return err
	}
	if err := s.markets.MarkPendingTx(ctx, m.ID, res.TxID); err != nil {
		return err
	}
	s.logger.Info("issueBet sent", "market", m.ID, "tx", res.TxID, "fee_qu", fee)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet-id discovery
// ──────────────────────────────────────────────────────────────────────────────

// DiscoverBetIDs matches pending_tx markets to their on-chain bet ids by
// scanning active bets for the market id in the description field.
func (s *MarketService) DiscoverBetIDs(ctx context.Context) {
	markets, err := s.markets.ListPendingBetID(ctx)
	if err != nil {
		s.logger.Error("list pending bet-id", "error", err)
		return
	}
	for _, m := range markets {
		betID, found, err := s.chain.FindBetID(ctx, s.cfg.Chain.MasterIdentity, m.ID)
		if err != nil {
			s.logger.Warn("bet-id discovery failed", "market", m.ID, "error", err)
			continue
		}
		if !found {
			s.discoveryAttempts[m.ID]++
			if s.discoveryAttempts[m.ID] >= maxDiscoveryAttempts {
				s.logger.Warn("bet-id not found after repeated scans", "market", m.ID,
					"attempts", s.discoveryAttempts[m.ID])
			}
			continue
		}
		delete(s.discoveryAttempts, m.ID)
		if err := s.markets.Activate(ctx, m.ID, betID); err != nil {
			s.logger.Error("activate market", "market", m.ID, "error", err)
			continue
		}
		s.appendMarketEvent(ctx, domain.EventMarketActive, m.ID, map[string]any{
			"on_chain_bet_id": betID,
		})
		s.logger.Info("market active", "market", m.ID, "on_chain_bet_id", betID)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Closing
// ──────────────────────────────────────────────────────────────────────────────

// CloseExpired moves active markets past their close date into closed.
func (s *MarketService) CloseExpired(ctx context.Context) {
	now := time.Now().UTC()
	active, err := s.markets.ListByStatus(ctx, domain.MarketActive)
	if err != nil {
		s.logger.Error("list active markets", "error", err)
		return
	}
	closing := make([]string, 0)
	for _, m := range active {
		if !m.CloseDate.After(now) {
			closing = append(closing, m.ID)
		}
	}
	n, err := s.markets.CloseExpired(ctx, now)
	if err != nil {
		s.logger.Error("close expired markets", "error", err)
		return
	}
	if n == 0 {
		return
	}
	for _, id := range closing {
		s.appendMarketEvent(ctx, domain.EventMarketClosed, id, map[string]any{
			"closed_at": now.Format(time.RFC3339),
		})
	}
	s.logger.Info("markets closed", "count", n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────────────────────────────────

// Cancel voids a market and refunds every bet. Funded stakes sitting in the
// contract flow back to their escrow addresses after the on-chain cancel, so
// those escrows join the refund sweep path.
func (s *MarketService) Cancel(ctx context.Context, marketID, reason string) error {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return err
	}
	if m.IsTerminal() {
		return fmt.Errorf("market_service.Cancel: %w", domain.ErrMarketNotOpen)
	}

	if m.BetID() != 0 {
		if _, err := s.chain.CancelBet(ctx, s.cfg.Chain.MasterSeed, m.BetID()); err != nil {
			// Cancel proceeds locally either way: the operator can re-send the
			// on-chain cancel, but user refunds must not wait for it.
			s.logger.Error("cancelBet broadcast failed", "market", marketID, "error", err)
			s.notify.Notify("cancelbet_failed", "market "+marketID)
		}
	}

	bets, err := s.bets.ListByMarket(ctx, marketID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("market_service.Cancel: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.markets.CancelTx(ctx, tx, marketID); err != nil {
		return err
	}
	for _, b := range bets {
		switch b.Status {
		case domain.BetPending, domain.BetConfirmed:
			if err := s.bets.SetStatusTx(ctx, tx, b.ID, domain.BetRefunded, 0); err != nil {
				return err
			}
			if err := s.accounts.CreditTx(ctx, tx, b.UserAddress, b.AmountQU,
				domain.LedgerRefund, nil, &marketID); err != nil {
				return err
			}
		case domain.BetPendingDeposit:
			if err := s.bets.SetStatusTx(ctx, tx, b.ID, domain.BetRefunded, 0); err != nil {
				return err
			}
		}
	}
	payload, _ := json.Marshal(map[string]any{
		"market_id": marketID,
		"reason":    reason,
		"bets":      len(bets),
	})
	if _, err := s.audit.AppendChainTx(ctx, tx, domain.EventMarketCanceled, marketID, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("market_service.Cancel: commit: %w", err)
	}

	s.routeEscrowRefunds(ctx, marketID)
	s.logger.Info("market cancelled", "market", marketID, "reason", reason, "bets", len(bets))
	return nil
}

// routeEscrowRefunds fans a cancelled market's live escrows into the refund
// sweep path.
func (s *MarketService) routeEscrowRefunds(ctx context.Context, marketID string) {
	for _, status := range []domain.EscrowStatus{
		domain.EscrowAwaitingDeposit, domain.EscrowDepositDetected, domain.EscrowJoiningSC,
	} {
		escrows, err := s.escrows.ListByMarketAndStatus(ctx, marketID, status)
		if err != nil {
			s.logger.Error("list escrows for refund", "market", marketID, "error", err)
			continue
		}
		for _, e := range escrows {
			if err := s.escrows.RouteToRefundSweep(ctx, e.ID); err != nil {
				s.logger.Error("route refund", "escrow", e.ID, "error", err)
			}
		}
	}
	// Stakes already in the contract come back to the escrow address after
	// the on-chain cancel; sweep them home too.
	active, err := s.escrows.ListByMarketAndStatus(ctx, marketID, domain.EscrowActiveInSC)
	if err != nil {
		s.logger.Error("list active escrows for refund", "market", marketID, "error", err)
		return
	}
	for _, e := range active {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			s.logger.Error("begin refund tx", "escrow", e.ID, "error", err)
			continue
		}
		err = s.escrows.MarkWonTx(ctx, tx, e.ID, e.ExpectedAmount)
		if err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
		if err != nil {
			s.logger.Error("route active escrow refund", "escrow", e.ID, "error", err)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Auto refund
// ──────────────────────────────────────────────────────────────────────────────

// AutoRefundOverdue cancels custom/ai markets whose refund deadline passed
// without a resolution.
func (s *MarketService) AutoRefundOverdue(ctx context.Context) {
	markets, err := s.markets.ListRefundDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("list refund due", "error", err)
		return
	}
	for _, m := range markets {
		s.logger.Warn("auto-refunding unresolved market", "market", m.ID, "type", m.MarketType)
		if err := s.Cancel(ctx, m.ID, "auto refund: unresolved past deadline"); err != nil {
			s.logger.Error("auto refund cancel", "market", m.ID, "error", err)
		}
	}
}

func (s *MarketService) appendMarketEvent(ctx context.Context, event, entityID string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if _, err := s.audit.AppendChain(ctx, event, entityID, string(raw)); err != nil {
		s.logger.Error("append chain", "event", event, "entity", entityID, "error", err)
	}
}
