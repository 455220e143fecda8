// Package oracle holds the adapters that resolve markets: crypto price
// feeds, sports results, the AI council vote and the creator-resolved
// fallback. The resolution driver only sees the Adapter contract.
package oracle

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/domain"
)

// Result is a decided outcome with its evidence.
type Result struct {
	WinningOption int             `json:"winning_option"`
	ProofSource   string          `json:"proof_source"`
	ProofData     json.RawMessage `json:"proof_data"`
	// CurrentPrice is set by price adapters; stored as the market's
	// resolution price.
	CurrentPrice decimal.NullDecimal `json:"current_price"`
}

// Adapter resolves one family of market types. FetchResult returns (nil, nil)
// when no decisive outcome exists yet — resolution is deferred, not failed.
type Adapter interface {
	CanResolve(m *domain.Market) bool
	FetchResult(ctx context.Context, m *domain.Market) (*Result, error)
}

// Dispatcher routes markets to their adapter by market type.
type Dispatcher struct {
	adapters map[domain.MarketType]Adapter
}

// NewDispatcher wires the adapter map.
func NewDispatcher(price, sports, council, creator Adapter) *Dispatcher {
	return &Dispatcher{adapters: map[domain.MarketType]Adapter{
		domain.MarketTypePrice:  price,
		domain.MarketTypeSports: sports,
		domain.MarketTypeAI:     council,
		domain.MarketTypeCustom: creator,
	}}
}

// For returns the adapter for a market, or nil when none applies.
func (d *Dispatcher) For(m *domain.Market) Adapter {
	a, ok := d.adapters[m.MarketType]
	if !ok || !a.CanResolve(m) {
		return nil
	}
	return a
}
