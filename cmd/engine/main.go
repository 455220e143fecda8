// Package main is the entry point for the qpredict settlement engine. It
// wires the repositories, chain client, oracles and services together, then
// runs the HTTP API alongside the background scheduler.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qpredict/engine/internal/alert"
	"github.com/qpredict/engine/internal/api"
	"github.com/qpredict/engine/internal/breaker"
	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/oracle"
	"github.com/qpredict/engine/internal/qubic"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/scheduler"
	"github.com/qpredict/engine/internal/service"
	"github.com/qpredict/engine/internal/vault"
)

const (
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting qpredict engine", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := repository.Open(cfg.DB.Path, cfg.DB.BusyTimeout)
	if err != nil {
		logger.Error("database open failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DB.Path)

	// ── 3. Repositories ───────────────────────────────────────────────────────
	marketRepo := repository.NewMarketRepository(db)
	betRepo := repository.NewBetRepository(db)
	escrowRepo := repository.NewEscrowRepository(db)
	keyRepo := repository.NewKeyRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	lockRepo := repository.NewLockRepository(db)

	// ── 4. Vault + alerts + chain client ──────────────────────────────────────
	seedVault, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		logger.Error("vault init failed", "err", err)
		os.Exit(1)
	}

	alerter := alert.New(&cfg.Alert, logger)
	brk := breaker.New(breakerThreshold, breakerReset, logger, alerter)
	chain := qubic.NewClient(cfg.Chain.Endpoints, cfg.Chain.CallTimeout,
		cfg.Chain.TxFeeQU, cfg.Chain.TickOffset, brk, logger)

	// ── 5. Oracles ────────────────────────────────────────────────────────────
	dispatcher := oracle.NewDispatcher(
		oracle.NewPriceAdapter(&cfg.Oracle, cfg.Vault.AttestationSecret, auditRepo, tickSource{chain}, logger),
		oracle.NewSportsAdapter(&cfg.Oracle, logger),
		oracle.NewCouncilAdapter(&cfg.Oracle, logger),
		oracle.NewCreatorAdapter(),
	)

	// ── 6. Services ───────────────────────────────────────────────────────────
	escrowSvc := service.NewEscrowService(db, marketRepo, betRepo, escrowRepo, keyRepo,
		accountRepo, auditRepo, seedVault, chain, cfg, alerter, logger)
	marketSvc := service.NewMarketService(db, marketRepo, betRepo, escrowRepo, keyRepo,
		accountRepo, auditRepo, chain, cfg, alerter, logger)
	resolutionSvc := service.NewResolutionService(db, marketRepo, betRepo, escrowRepo, keyRepo,
		accountRepo, auditRepo, dispatcher, chain, cfg, alerter, logger)
	recoverySvc := service.NewRecoveryService(marketRepo, betRepo, escrowRepo, auditRepo, chain,
		marketSvc, cfg, alerter, logger)

	// ── 7. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 8. Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New(cfg, db, lockRepo, escrowSvc, marketSvc, resolutionSvc,
		recoverySvc, brk, logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	// ── 9. HTTP router ────────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		EscrowSvc:     escrowSvc,
		MarketSvc:     marketSvc,
		ResolutionSvc: resolutionSvc,
		Markets:       marketRepo,
		Bets:          betRepo,
		Escrows:       escrowRepo,
		Accounts:      accountRepo,
		Audit:         auditRepo,
		Locks:         lockRepo,
		Breaker:       brk,
		Cfg:           cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 10. Start server ──────────────────────────────────────────────────────
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 11. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	// The scheduler finishes its in-flight cycle before Run returns; a sweep
	// interrupted mid-cycle is recovered on the next boot.
	select {
	case <-schedDone:
	case <-time.After(cfg.Engine.DrainTimeout):
		logger.Warn("scheduler drain timed out")
	}

	db.Close()
	logger.Info("engine stopped cleanly")
}

// tickSource adapts the chain client for attestation stamping. Tick and epoch
// are best effort; zeroes are acceptable when the RPC is down.
type tickSource struct {
	client *qubic.Client
}

func (t tickSource) CurrentTickEpoch(ctx context.Context) (tick, epoch uint32) {
	info, err := t.client.GetTickInfo(ctx)
	if err != nil {
		return 0, 0
	}
	return info.Tick, info.Epoch
}
