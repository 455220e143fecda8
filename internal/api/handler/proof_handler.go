package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
	"github.com/qpredict/engine/internal/repository"
	"github.com/qpredict/engine/internal/service"
)

// ProofHandler serves the verifiability surface: resolution proofs, solvency
// snapshots with Merkle inclusion paths, attestations and the commitment
// chain. Everything here is derivable from public data; nothing requires
// auth.
type ProofHandler struct {
	resolutionSvc *service.ResolutionService
	audit         *repository.AuditRepository
}

// NewProofHandler creates a ProofHandler.
func NewProofHandler(resolutionSvc *service.ResolutionService, audit *repository.AuditRepository) *ProofHandler {
	return &ProofHandler{resolutionSvc: resolutionSvc, audit: audit}
}

// ResolutionProof godoc
// GET /api/markets/:id/proof
func (h *ProofHandler) ResolutionProof(c *gin.Context) {
	proof, err := h.resolutionSvc.BuildResolutionProof(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMarketNotFound):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		case errors.Is(err, domain.ErrMarketNotResolved):
			respondError(c, http.StatusConflict, "ERR_NOT_RESOLVED", "market is not resolved yet")
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not build proof")
		}
		return
	}
	respondSuccess(c, http.StatusOK, proof)
}

// Attestations godoc
// GET /api/markets/:id/attestations
func (h *ProofHandler) Attestations(c *gin.Context) {
	attestations, err := h.audit.ListAttestations(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list attestations")
		return
	}
	respondSuccess(c, http.StatusOK, attestations)
}

type solvencyView struct {
	*domain.SolvencyProof
	Inclusion *inclusionView `json:"inclusion,omitempty"`
}

type inclusionView struct {
	Address   string               `json:"address"`
	BalanceQU int64                `json:"balance_qu"`
	Path      []fairness.ProofStep `json:"path"`
	Verified  bool                 `json:"verified"`
}

// Solvency godoc
// GET /api/solvency?address=XYZ...
//
// Returns the latest solvency snapshot. With ?address= the response carries
// the Merkle inclusion path for that account so the holder can check their
// balance was counted.
func (h *ProofHandler) Solvency(c *gin.Context) {
	proof, err := h.audit.LatestSolvencyProof(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch solvency proof")
		return
	}
	if proof == nil {
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "no solvency snapshot yet")
		return
	}

	view := solvencyView{SolvencyProof: proof}
	if addr := c.Query("address"); addr != "" {
		var leaves []fairness.BalanceLeaf
		if err := json.Unmarshal([]byte(proof.LeavesJSON), &leaves); err != nil {
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "snapshot leaves unreadable")
			return
		}
		path, err := fairness.InclusionProof(leaves, addr)
		if err != nil {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "address not in snapshot")
			return
		}
		var balance int64
		for _, l := range leaves {
			if l.Address == addr {
				balance = l.BalanceQU
				break
			}
		}
		view.Inclusion = &inclusionView{
			Address:   addr,
			BalanceQU: balance,
			Path:      path,
			Verified:  fairness.VerifyInclusion(addr, balance, path, proof.MerkleRoot),
		}
	}
	respondSuccess(c, http.StatusOK, view)
}

// Chain godoc
// GET /api/chain?from=1&to=100
// GET /api/chain?entity=mkt_...
//
// Returns a slice of commitment chain entries plus the verification result
// for that slice, so auditors can spot tampering without trusting the server.
// Entity-filtered slices have gaps; verification tolerates them.
func (h *ProofHandler) Chain(c *gin.Context) {
	ctx := c.Request.Context()

	var entries []*domain.ChainEntry
	var err error
	if entity := c.Query("entity"); entity != "" {
		entries, err = h.audit.ListChainByEntity(ctx, entity)
	} else {
		from, _ := strconv.ParseInt(c.DefaultQuery("from", "1"), 10, 64)
		to, _ := strconv.ParseInt(c.DefaultQuery("to", "0"), 10, 64)
		if from < 1 {
			from = 1
		}
		if to <= 0 || to < from {
			to = from + 99
		}
		if to-from > 999 {
			to = from + 999
		}
		entries, err = h.audit.ListChainRange(ctx, from, to)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list chain entries")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"entries":      entries,
		"verification": fairness.VerifyChainSequence(entries),
	})
}
