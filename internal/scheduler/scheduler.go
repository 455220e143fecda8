// Package scheduler drives the engine's cron cycles. The fast cycle runs the
// money-moving state machine; the slow cycle runs audits and maintenance.
// A database lock keeps the cycles single-flight even if two engine
// processes are pointed at the same file.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/service"
)

const cronLockName = "qpredict_cron"

// Health gates RPC-heavy phases; the circuit breaker satisfies it.
type Health interface {
	IsHealthy() bool
}

// phase is one named step of a cycle. rpc phases are skipped while the chain
// gateway breaker is open.
type phase struct {
	name string
	rpc  bool
	run  func(context.Context)
}

// Scheduler owns the fast and slow cycles.
type Scheduler struct {
	cfg      *config.Config
	db       *sqlx.DB
	locks    *repository.LockRepository
	escrows  *service.EscrowService
	markets  *service.MarketService
	resolver *service.ResolutionService
	recovery *service.RecoveryService
	health   Health
	logger   *slog.Logger

	holderID   string
	fastCycles int
}

// New wires the scheduler.
func New(cfg *config.Config, db *sqlx.DB, locks *repository.LockRepository,
	escrows *service.EscrowService, markets *service.MarketService,
	resolver *service.ResolutionService, recovery *service.RecoveryService,
	health Health, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg: cfg, db: db, locks: locks,
		escrows: escrows, markets: markets, resolver: resolver, recovery: recovery,
		health: health, logger: logger,
		holderID: uuid.NewString(),
	}
}

// Run blocks until ctx is cancelled, then lets any in-flight cycle drain up
// to the configured timeout.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	fast := time.NewTicker(s.cfg.Engine.FastCycle)
	slow := time.NewTicker(s.cfg.Engine.SlowCycle)
	defer fast.Stop()
	defer slow.Stop()

	s.logger.Info("scheduler started",
		"fast_cycle", s.cfg.Engine.FastCycle, "slow_cycle", s.cfg.Engine.SlowCycle,
		"holder", s.holderID)

	// One immediate pass so a restart doesn't wait a full interval to find
	// stuck work.
	s.runGuarded(ctx, &wg, s.fastCycle)

	for {
		select {
		case <-ctx.Done():
			s.drain(&wg)
			return
		case <-fast.C:
			s.runGuarded(ctx, &wg, s.fastCycle)
		case <-slow.C:
			s.runGuarded(ctx, &wg, s.slowCycle)
		}
	}
}

// runGuarded runs one cycle under the cron lock, synchronously. The wait
// group only tracks the cycle for shutdown draining.
func (s *Scheduler) runGuarded(ctx context.Context, wg *sync.WaitGroup, cycle func(context.Context)) {
	if ctx.Err() != nil {
		return
	}
	got, err := s.locks.AcquireCronLock(ctx, cronLockName, s.holderID, s.cfg.Engine.CronLockTTL)
	if err != nil {
		s.logger.Error("cron lock acquire", "error", err)
		return
	}
	if !got {
		s.logger.Debug("cron lock held elsewhere, skipping cycle")
		return
	}
	wg.Add(1)
	defer wg.Done()
	defer func() {
		if err := s.locks.ReleaseCronLock(context.WithoutCancel(ctx), cronLockName, s.holderID); err != nil {
			s.logger.Error("cron lock release", "error", err)
		}
	}()
	cycle(ctx)
}

func (s *Scheduler) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler drained")
	case <-time.After(s.cfg.Engine.DrainTimeout):
		s.logger.Warn("scheduler drain timed out", "timeout", s.cfg.Engine.DrainTimeout)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Cycles
// ──────────────────────────────────────────────────────────────────────────────

// fastCycle runs the state machine in dependency order: cached aggregates
// repaired before anything reads them, markets before escrows can join,
// deposits before joins, sweeps after settlement.
func (s *Scheduler) fastCycle(ctx context.Context) {
	s.fastCycles++
	started := time.Now()

	phases := []phase{
		{"repair_aggregates", false, s.recovery.RepairAggregates},
		{"discover_bet_ids", true, s.markets.DiscoverBetIDs},
		{"close_markets", false, s.markets.CloseExpired},
		{"check_deposits", true, s.escrows.CheckDeposits},
		{"execute_joinbets", true, s.escrows.ExecuteJoinBets},
		{"confirm_joinbets", true, s.escrows.ConfirmJoinBets},
		{"resolve_markets", true, s.resolver.ResolveDue},
		{"execute_sweeps", true, s.escrows.ExecuteSweeps},
		{"confirm_sweeps", true, s.escrows.ConfirmSweeps},
		{"expire_escrows", true, s.escrows.HandleExpired},
		{"auto_refund", false, s.markets.AutoRefundOverdue},
		{"recover_escrows", true, s.recovery.RecoverOrphanEscrows},
		{"recover_markets", true, s.recovery.RecoverStuckMarkets},
	}
	for _, p := range phases {
		if ctx.Err() != nil {
			return
		}
		if p.rpc && !s.health.IsHealthy() {
			s.logger.Warn("phase skipped, chain gateway unhealthy", "phase", p.name)
			continue
		}
		p.run(ctx)
	}

	if s.cfg.Engine.BackupEveryCycles > 0 && s.fastCycles%s.cfg.Engine.BackupEveryCycles == 0 {
		s.backup(ctx)
	}
	s.logger.Debug("fast cycle done", "cycle", s.fastCycles, "took", time.Since(started))
}

// slowCycle runs audits and housekeeping.
func (s *Scheduler) slowCycle(ctx context.Context) {
	s.resolver.SnapshotSolvency(ctx)

	if n, err := s.locks.SweepNonces(ctx, 24*time.Hour); err != nil {
		s.logger.Error("nonce sweep", "error", err)
	} else if n > 0 {
		s.logger.Info("nonces swept", "count", n)
	}
	if n, err := s.locks.SweepIdempotent(ctx, 24*time.Hour); err != nil {
		s.logger.Error("idempotency sweep", "error", err)
	} else if n > 0 {
		s.logger.Info("idempotency keys swept", "count", n)
	}
}

func (s *Scheduler) backup(ctx context.Context) {
	name, err := repository.Backup(ctx, s.db, s.cfg.DB.BackupDir, s.cfg.DB.BackupKeep)
	if err != nil {
		s.logger.Error("database backup failed", "error", err)
		return
	}
	s.logger.Info("database backed up", "file", name)
}
