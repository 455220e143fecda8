package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/repository"
)

// MarketHandler serves the public market surface.
type MarketHandler struct {
	markets *repository.MarketRepository
	bets    *repository.BetRepository
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets *repository.MarketRepository, bets *repository.BetRepository) *MarketHandler {
	return &MarketHandler{markets: markets, bets: bets}
}

// marketView is the public market shape: the JSON-encoded columns come out
// as real arrays.
type marketView struct {
	*domain.Market
	Options []string `json:"options"`
	Slots   []int64  `json:"slots"`
}

func viewOf(m *domain.Market) marketView {
	return marketView{Market: m, Options: m.Options(), Slots: m.SlotCounts()}
}

// List godoc
// GET /api/markets?status=active&page=1&limit=20
func (h *MarketHandler) List(c *gin.Context) {
	status := c.Query("status")
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	markets, err := h.markets.List(c.Request.Context(), limit, offset, status)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list markets")
		return
	}
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, viewOf(m))
	}
	respondList(c, views, len(views), page, limit)
}

// Get godoc
// GET /api/markets/:id
func (h *MarketHandler) Get(c *gin.Context) {
	m, err := h.markets.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrMarketNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch market")
		return
	}
	respondSuccess(c, http.StatusOK, viewOf(m))
}

// Bets godoc
// GET /api/markets/:id/bets
func (h *MarketHandler) Bets(c *gin.Context) {
	bets, err := h.bets.ListByMarket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list bets")
		return
	}
	respondSuccess(c, http.StatusOK, bets)
}
