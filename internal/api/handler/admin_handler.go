package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/api/middleware"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/oracle"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/service"
)

// AdminHandler serves the operator surface behind the admin JWT.
type AdminHandler struct {
	marketSvc     *service.MarketService
	resolutionSvc *service.ResolutionService
	markets       *repository.MarketRepository
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(marketSvc *service.MarketService, resolutionSvc *service.ResolutionService,
	markets *repository.MarketRepository) *AdminHandler {
	return &AdminHandler{marketSvc: marketSvc, resolutionSvc: resolutionSvc, markets: markets}
}

type createMarketRequest struct {
	Pair           string              `json:"pair"`
	Question       string              `json:"question"        binding:"required"`
	MarketType     string              `json:"market_type"     binding:"required"`
	ResolutionType string              `json:"resolution_type" binding:"required"`
	Target         decimal.Decimal     `json:"target"`
	TargetHigh     decimal.NullDecimal `json:"target_high"`
	Options        []string            `json:"options"         binding:"required"`
	CloseDate      time.Time           `json:"close_date"      binding:"required"`
	EndDate        time.Time           `json:"end_date"        binding:"required"`
	MinBetPerSlot  int64               `json:"min_bet_per_slot" binding:"required,min=1"`
	MaxSlots       int64               `json:"max_slots"       binding:"required,min=1"`
	CreatorAddress string              `json:"creator_address"`
	OracleFeeBps   int64               `json:"oracle_fee_bps"`
	Category       string              `json:"category"`
	Provenance     string              `json:"provenance"`
}

// CreateMarket godoc
// POST /api/admin/markets
func (h *AdminHandler) CreateMarket(c *gin.Context) {
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	m, err := h.marketSvc.Create(c.Request.Context(), service.CreateMarketInput{
		Pair:           req.Pair,
		Question:       req.Question,
		MarketType:     domain.MarketType(req.MarketType),
		ResolutionType: domain.ResolutionType(req.ResolutionType),
		Target:         req.Target,
		TargetHigh:     req.TargetHigh,
		Options:        req.Options,
		CloseDate:      req.CloseDate,
		EndDate:        req.EndDate,
		MinBetPerSlot:  req.MinBetPerSlot,
		MaxSlots:       req.MaxSlots,
		CreatorAddress: req.CreatorAddress,
		OracleFeeBps:   req.OracleFeeBps,
		Category:       req.Category,
		Provenance:     domain.Provenance(req.Provenance),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidMarket),
			errors.Is(err, domain.ErrInvalidWindow),
			errors.Is(err, domain.ErrInvalidOptions):
			respondError(c, http.StatusUnprocessableEntity, "ERR_REJECTED", err.Error())
		default:
			// The draft may have persisted even though issueBet failed; the
			// operator sees the market id in logs and can cancel or retry.
			respondError(c, http.StatusBadGateway, "ERR_CHAIN", "market creation did not reach the chain")
		}
		return
	}
	respondSuccess(c, http.StatusCreated, viewOf(m))
}

type cancelMarketRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelMarket godoc
// POST /api/admin/markets/:id/cancel
func (h *AdminHandler) CancelMarket(c *gin.Context) {
	var req cancelMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	subject, _ := c.Get(middleware.CtxAdminSubject)
	reason := req.Reason
	if s, ok := subject.(string); ok && s != "" {
		reason = reason + " (by " + s + ")"
	}

	if err := h.marketSvc.Cancel(c.Request.Context(), c.Param("id"), reason); err != nil {
		switch {
		case errors.Is(err, domain.ErrMarketNotFound):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		case errors.Is(err, domain.ErrMarketNotOpen):
			respondError(c, http.StatusConflict, "ERR_TERMINAL", "market already resolved or cancelled")
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not cancel market")
		}
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"cancelled": true})
}

type resolveMarketRequest struct {
	WinningOption *int   `json:"winning_option" binding:"required"`
	Evidence      string `json:"evidence"`
}

// ResolveMarket godoc
// POST /api/admin/markets/:id/resolve
//
// Manual settlement for markets the oracles cannot decide. The operator's
// subject and evidence land in the proof record.
func (h *AdminHandler) ResolveMarket(c *gin.Context) {
	var req resolveMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	ctx := c.Request.Context()

	m, err := h.markets.GetByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrMarketNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch market")
		return
	}
	if m.Status != domain.MarketActive && m.Status != domain.MarketClosed {
		respondError(c, http.StatusConflict, "ERR_STATE", "market is not awaiting resolution")
		return
	}

	subject, _ := c.Get(middleware.CtxAdminSubject)
	sub, _ := subject.(string)
	proofData, _ := json.Marshal(gin.H{
		"resolved_by": sub,
		"evidence":    req.Evidence,
		"at":          time.Now().UTC(),
	})

	err = h.resolutionSvc.Resolve(ctx, m, &oracle.Result{
		WinningOption: *req.WinningOption,
		ProofSource:   "admin",
		ProofData:     proofData,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSolvencyViolation) {
			respondError(c, http.StatusConflict, "ERR_SOLVENCY", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not resolve market")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"resolved": true, "winning_option": *req.WinningOption})
}

// SnapshotSolvency godoc
// POST /api/admin/solvency/snapshot
//
// Forces a solvency snapshot outside the slow cycle, e.g. before a planned
// maintenance window.
func (h *AdminHandler) SnapshotSolvency(c *gin.Context) {
	h.resolutionSvc.SnapshotSolvency(c.Request.Context())
	respondSuccess(c, http.StatusAccepted, gin.H{"snapshot": "started"})
}
