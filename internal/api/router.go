package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qpredict/engine/internal/api/handler"
	"github.com/qpredict/engine/internal/api/middleware"
	"github.com/qpredict/engine/internal/breaker"
	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/service"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	EscrowSvc     *service.EscrowService
	MarketSvc     *service.MarketService
	ResolutionSvc *service.ResolutionService
	Markets       *repository.MarketRepository
	Bets          *repository.BetRepository
	Escrows       *repository.EscrowRepository
	Accounts      *repository.AccountRepository
	Audit         *repository.AuditRepository
	Locks         *repository.LockRepository
	Breaker       *breaker.Breaker
	Cfg           *config.Config
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		chain := "ok"
		if deps.Breaker != nil && !deps.Breaker.IsHealthy() {
			status = http.StatusServiceUnavailable
			chain = deps.Breaker.State().String()
		}
		c.JSON(status, gin.H{"status": "ok", "chain": chain})
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	marketH := handler.NewMarketHandler(deps.Markets, deps.Bets)
	escrowH := handler.NewEscrowHandler(deps.EscrowSvc, deps.Escrows, deps.Bets, deps.Accounts, deps.Locks)
	proofH := handler.NewProofHandler(deps.ResolutionSvc, deps.Audit)
	adminH := handler.NewAdminHandler(deps.MarketSvc, deps.ResolutionSvc, deps.Markets)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	publicRL := middleware.RateLimit(deps.Cfg.Server.RateLimitRPS)
	escrowRL := middleware.RateLimit(5) // escrow intents are expensive: key derivation + vault write

	api := r.Group("/api")
	api.Use(publicRL)
	{
		// ── Markets (public) ─────────────────────────────────────────────────
		markets := api.Group("/markets")
		{
			markets.GET("", marketH.List)
			markets.GET("/:id", marketH.Get)
			markets.GET("/:id/bets", marketH.Bets)
			markets.GET("/:id/proof", proofH.ResolutionProof)
			markets.GET("/:id/attestations", proofH.Attestations)
		}

		// ── Escrows (public, strict rate limit on creation) ──────────────────
		escrows := api.Group("/escrows")
		{
			escrows.POST("", escrowRL, escrowH.Create)
			escrows.GET("/:id", escrowH.Get)
			escrows.POST("/:id/cancel", escrowH.Cancel)
		}
		api.GET("/bets/:id", escrowH.Bet)

		// ── Users (public, address-keyed) ────────────────────────────────────
		users := api.Group("/users")
		{
			users.GET("/:address/bets", escrowH.UserBets)
			users.GET("/:address/account", escrowH.UserAccount)
			users.GET("/:address/ledger", escrowH.UserLedger)
		}

		// ── Verifiability (public) ───────────────────────────────────────────
		api.GET("/solvency", proofH.Solvency)
		api.GET("/chain", proofH.Chain)

		// ── Admin (JWT, admin scope) ─────────────────────────────────────────
		admin := api.Group("/admin")
		admin.Use(middleware.AdminJWT(deps.Cfg.Server.AdminSecret))
		{
			admin.POST("/markets", adminH.CreateMarket)
			admin.POST("/markets/:id/cancel", adminH.CancelMarket)
			admin.POST("/markets/:id/resolve", adminH.ResolveMarket)
			admin.POST("/solvency/snapshot", adminH.SnapshotSolvency)
		}
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// Read-only verifiability endpoints are meant to be fetched from anywhere, so
// any origin may GET; mutating calls stay same-origin in production.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.IsProd() || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Origin", "*")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, Idempotency-Key")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
