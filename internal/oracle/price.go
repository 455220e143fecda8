package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
	"github.com/qpredict/engine/internal/fairness"
)

const (
	sourceBinance = "binance"
	sourceBybit   = "bybit"
	sourceOKX     = "okx"
)

// AttestationSink persists signed price observations. The audit repository
// satisfies this.
type AttestationSink interface {
	InsertAttestation(ctx context.Context, a *domain.OracleAttestation) error
}

// exchangeDef describes one price-feed source.
type exchangeDef struct {
	name  string
	fetch func(ctx context.Context, pair string) (decimal.Decimal, error)
}

// PriceAdapter resolves price markets against the median of multiple
// exchanges. Every successful fetch is persisted as a signed attestation so
// the resolution proof can carry it.
type PriceAdapter struct {
	client     *http.Client
	cfg        *config.OracleConfig
	secret     string
	sink       AttestationSink
	chainState ChainState
	logger     *slog.Logger
	exchanges  []exchangeDef
}

// ChainState supplies the tick/epoch an attestation is stamped with. May be
// nil; attestations then carry zeroes.
type ChainState interface {
	CurrentTickEpoch(ctx context.Context) (tick, epoch uint32)
}

// NewPriceAdapter builds the multi-exchange price adapter.
func NewPriceAdapter(cfg *config.OracleConfig, attestationSecret string, sink AttestationSink, chainState ChainState, logger *slog.Logger) *PriceAdapter {
	pa := &PriceAdapter{
		client:     &http.Client{Timeout: cfg.FetchTimeout},
		cfg:        cfg,
		secret:     attestationSecret,
		sink:       sink,
		chainState: chainState,
		logger:     logger,
	}
	pa.exchanges = []exchangeDef{
		{name: sourceBinance, fetch: pa.fetchBinance},
		{name: sourceBybit, fetch: pa.fetchBybit},
		{name: sourceOKX, fetch: pa.fetchOKX},
	}
	return pa
}

// CanResolve accepts price markets with a pair.
func (pa *PriceAdapter) CanResolve(m *domain.Market) bool {
	return m.MarketType == domain.MarketTypePrice && m.Pair != ""
}

// FetchResult samples every exchange in parallel, requires MinSources
// successes, attests each sample, and applies the market's winner rule to
// the median.
func (pa *PriceAdapter) FetchResult(ctx context.Context, m *domain.Market) (*Result, error) {
	type sample struct {
		name  string
		price decimal.Decimal
		err   error
	}

	fetchCtx, cancel := context.WithTimeout(ctx, pa.client.Timeout)
	defer cancel()

	resultCh := make(chan sample, len(pa.exchanges))
	for _, ex := range pa.exchanges {
		ex := ex
		go func() {
			p, err := ex.fetch(fetchCtx, m.Pair)
			resultCh <- sample{name: ex.name, price: p, err: err}
		}()
	}

	var tick, epoch uint32
	if pa.chainState != nil {
		tick, epoch = pa.chainState.CurrentTickEpoch(ctx)
	}

	var prices []decimal.Decimal
	var attestationIDs []int64
	type pricePoint struct {
		Source string `json:"source"`
		Price  string `json:"price"`
	}
	var points []pricePoint
	now := time.Now().Unix()

	for range pa.exchanges {
		s := <-resultCh
		if s.err != nil {
			pa.logger.Warn("price fetch failed", "source", s.name, "pair", m.Pair, "error", s.err)
			continue
		}
		att := fairness.NewAttestation(m.ID, s.name, m.Pair, s.price, tick, epoch, now, pa.secret)
		if err := pa.sink.InsertAttestation(ctx, att); err != nil {
			return nil, fmt.Errorf("oracle: store attestation: %w", err)
		}
		attestationIDs = append(attestationIDs, att.ID)
		prices = append(prices, s.price)
		points = append(points, pricePoint{Source: s.name, Price: s.price.StringFixed(8)})
	}

	if len(prices) < pa.cfg.MinSources {
		// Not enough sources — defer, don't fail.
		pa.logger.Warn("too few price sources", "market", m.ID, "got", len(prices), "need", pa.cfg.MinSources)
		return nil, nil
	}

	median := medianOf(prices)
	winner, err := m.DetermineWinner(median)
	if err != nil {
		return nil, fmt.Errorf("oracle: winner rule: %w", err)
	}

	proof, _ := json.Marshal(map[string]any{
		"prices":          points,
		"median":          median.StringFixed(8),
		"attestation_ids": attestationIDs,
	})
	return &Result{
		WinningOption: winner,
		ProofSource:   "crypto_price_median",
		ProofData:     proof,
		CurrentPrice:  decimal.NullDecimal{Valid: true, Decimal: median},
	}, nil
}

func medianOf(prices []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// symbolFor converts "btc/usdt" to an exchange symbol like "BTCUSDT" or
// "BTC-USDT".
func symbolFor(pair, sep string) string {
	parts := strings.SplitN(strings.ToUpper(pair), "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(pair)
	}
	return parts[0] + sep + parts[1]
}

// ──────────────────────────────────────────────────────────────────────────────
// Exchange fetchers
// ──────────────────────────────────────────────────────────────────────────────

// fetchBinance reads the spot price from Binance.
//
//	GET /api/v3/ticker/price?symbol=BTCUSDT
//	{"symbol":"BTCUSDT","price":"87350.00"}
func (pa *PriceAdapter) fetchBinance(ctx context.Context, pair string) (decimal.Decimal, error) {
	url := pa.cfg.BinanceURL + "/api/v3/ticker/price?symbol=" + symbolFor(pair, "")
	body, err := pa.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("binance parse: %w", err)
	}
	if resp.Price == "" {
		return decimal.Zero, fmt.Errorf("binance: empty price field")
	}
	return decimal.NewFromString(resp.Price)
}

// fetchBybit reads the spot price from Bybit.
//
//	GET /v5/market/tickers?category=spot&symbol=BTCUSDT
//	{"result":{"list":[{"lastPrice":"87350.00",...}]}}
func (pa *PriceAdapter) fetchBybit(ctx context.Context, pair string) (decimal.Decimal, error) {
	url := pa.cfg.BybitURL + "/v5/market/tickers?category=spot&symbol=" + symbolFor(pair, "")
	body, err := pa.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit: %w", err)
	}
	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("bybit parse: %w", err)
	}
	if len(resp.Result.List) == 0 || resp.Result.List[0].LastPrice == "" {
		return decimal.Zero, fmt.Errorf("bybit: empty result list")
	}
	return decimal.NewFromString(resp.Result.List[0].LastPrice)
}

// fetchOKX reads the spot price from OKX.
//
//	GET /api/v5/market/ticker?instId=BTC-USDT
//	{"data":[{"last":"87350.00",...}]}
func (pa *PriceAdapter) fetchOKX(ctx context.Context, pair string) (decimal.Decimal, error) {
	url := pa.cfg.OKXURL + "/api/v5/market/ticker?instId=" + symbolFor(pair, "-")
	body, err := pa.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: %w", err)
	}
	var resp struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("okx parse: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Last == "" {
		return decimal.Zero, fmt.Errorf("okx: empty data field")
	}
	return decimal.NewFromString(resp.Data[0].Last)
}

// doGet performs an HTTP GET and returns the body, or an error for any
// non-200 status.
func (pa *PriceAdapter) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "qpredict-engine/1.0")

	resp, err := pa.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
