package oracle

import (
	"context"

	"github.com/qpredict/engine/internal/domain"
)

// CreatorAdapter is the custom-market placeholder: these markets only
// resolve through the creator's explicit call, so the adapter never produces
// a result. The auto-refund deadline handles abandoned markets.
type CreatorAdapter struct{}

// NewCreatorAdapter builds the creator adapter.
func NewCreatorAdapter() *CreatorAdapter {
	return &CreatorAdapter{}
}

// CanResolve accepts custom markets.
func (ca *CreatorAdapter) CanResolve(m *domain.Market) bool {
	return m.MarketType == domain.MarketTypeCustom
}

// FetchResult always defers.
func (ca *CreatorAdapter) FetchResult(_ context.Context, _ *domain.Market) (*Result, error) {
	return nil, nil
}
