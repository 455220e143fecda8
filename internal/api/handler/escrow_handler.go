package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/service"
)

// EscrowHandler serves the betting-intent surface: opening escrows and
// tracking their lifecycle.
type EscrowHandler struct {
	escrowSvc *service.EscrowService
	escrows   *repository.EscrowRepository
	bets      *repository.BetRepository
	accounts  *repository.AccountRepository
	locks     *repository.LockRepository
}

// NewEscrowHandler creates an EscrowHandler.
func NewEscrowHandler(escrowSvc *service.EscrowService, escrows *repository.EscrowRepository,
	bets *repository.BetRepository, accounts *repository.AccountRepository,
	locks *repository.LockRepository) *EscrowHandler {
	return &EscrowHandler{
		escrowSvc: escrowSvc, escrows: escrows, bets: bets,
		accounts: accounts, locks: locks,
	}
}

type createEscrowRequest struct {
	MarketID    string `json:"market_id"    binding:"required"`
	UserAddress string `json:"user_address" binding:"required"`
	Option      int64  `json:"option"`
	Slots       int64  `json:"slots"        binding:"required,min=1"`
	Nonce       string `json:"nonce"        binding:"required"`
}

type createEscrowResponse struct {
	EscrowID       string `json:"escrow_id"`
	BetID          string `json:"bet_id"`
	EscrowAddress  string `json:"escrow_address"`
	ExpectedAmount int64  `json:"expected_amount_qu"`
	ExpiresAt      string `json:"expires_at"`
	CommitmentHash string `json:"commitment_hash"`
}

// Create godoc
// POST /api/escrows
//
// The nonce is single-use per address; the optional Idempotency-Key header
// replays the stored response instead of opening a second escrow.
func (h *EscrowHandler) Create(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	ctx := c.Request.Context()

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey != "" {
		if cached, ok, err := h.locks.GetIdempotent(ctx, idemKey); err == nil && ok {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			return
		}
	}

	if err := h.locks.InsertNonce(ctx, req.UserAddress, req.Nonce, "create_escrow"); err != nil {
		if errors.Is(err, domain.ErrNonceReplayed) {
			respondError(c, http.StatusConflict, "ERR_NONCE_REPLAYED", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not record nonce")
		return
	}

	escrow, bet, err := h.escrowSvc.CreateEscrow(ctx, req.MarketID, req.UserAddress, req.Option, req.Slots)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMarketNotFound):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		case errors.Is(err, domain.ErrMarketNotOpen),
			errors.Is(err, domain.ErrInvalidMarket),
			errors.Is(err, domain.ErrAmountOverflow):
			respondError(c, http.StatusUnprocessableEntity, "ERR_REJECTED", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not create escrow")
		}
		return
	}

	resp := createEscrowResponse{
		EscrowID:       escrow.ID,
		BetID:          bet.ID,
		EscrowAddress:  escrow.EscrowAddress,
		ExpectedAmount: escrow.ExpectedAmount,
		ExpiresAt:      escrow.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
		CommitmentHash: bet.CommitmentHash,
	}
	if idemKey != "" {
		envelope, _ := json.Marshal(gin.H{"success": true, "data": resp})
		_ = h.locks.PutIdempotent(ctx, idemKey, string(envelope))
	}
	respondSuccess(c, http.StatusCreated, resp)
}

// Get godoc
// GET /api/escrows/:id
func (h *EscrowHandler) Get(c *gin.Context) {
	e, err := h.escrows.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrEscrowNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch escrow")
		return
	}
	respondSuccess(c, http.StatusOK, e)
}

// Cancel godoc
// POST /api/escrows/:id/cancel
//
// Abandons an escrow that never received its deposit. Funded escrows are
// refused; their money moves through the refund sweep instead.
func (h *EscrowHandler) Cancel(c *gin.Context) {
	err := h.escrowSvc.CancelUnfunded(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEscrowNotFound):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		case errors.Is(err, domain.ErrEscrowState):
			respondError(c, http.StatusConflict, "ERR_CONFLICT", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not cancel escrow")
		}
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"escrow_id": c.Param("id"), "status": "expired"})
}

// Bet godoc
// GET /api/bets/:id
func (h *EscrowHandler) Bet(c *gin.Context) {
	b, err := h.bets.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrBetNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch bet")
		return
	}
	respondSuccess(c, http.StatusOK, b)
}

// UserBets godoc
// GET /api/users/:address/bets?page=1&limit=20
func (h *EscrowHandler) UserBets(c *gin.Context) {
	page, limit := parsePagination(c)
	bets, err := h.bets.ListByUser(c.Request.Context(), c.Param("address"), limit, (page-1)*limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list bets")
		return
	}
	respondList(c, bets, len(bets), page, limit)
}

// UserAccount godoc
// GET /api/users/:address/account
func (h *EscrowHandler) UserAccount(c *gin.Context) {
	acct, err := h.accounts.GetByAddress(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch account")
		return
	}
	respondSuccess(c, http.StatusOK, acct)
}

// UserLedger godoc
// GET /api/users/:address/ledger?page=1&limit=20
func (h *EscrowHandler) UserLedger(c *gin.Context) {
	page, limit := parsePagination(c)
	entries, err := h.accounts.ListLedger(c.Request.Context(), c.Param("address"), limit, (page-1)*limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list ledger")
		return
	}
	respondList(c, entries, len(entries), page, limit)
}
