package oracle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	stored []*domain.OracleAttestation
}

func (s *memorySink) InsertAttestation(_ context.Context, a *domain.OracleAttestation) error {
	a.ID = int64(len(s.stored) + 1)
	s.stored = append(s.stored, a)
	return nil
}

func priceMarket() *domain.Market {
	return &domain.Market{
		ID:             "mkt_price",
		Pair:           "BTC/USDT",
		MarketType:     domain.MarketTypePrice,
		ResolutionType: domain.ResolveAbove,
		Target:         decimal.NewFromInt(100_000),
		OptionsJSON:    `["YES","NO"]`,
	}
}

func TestPriceAdapterMedianResolution(t *testing.T) {
	binance := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"104000.00"}`))
	}))
	defer binance.Close()
	bybit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"list":[{"lastPrice":"104100.00"}]}}`))
	}))
	defer bybit.Close()
	okx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"last":"103900.00"}]}`))
	}))
	defer okx.Close()

	cfg := &config.OracleConfig{
		BinanceURL: binance.URL, BybitURL: bybit.URL, OKXURL: okx.URL,
		FetchTimeout: 2 * time.Second, MinSources: 2,
	}
	sink := &memorySink{}
	pa := NewPriceAdapter(cfg, "op-secret", sink, nil, discard())

	m := priceMarket()
	require.True(t, pa.CanResolve(m))

	res, err := pa.FetchResult(context.Background(), m)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 0, res.WinningOption, "median 104000 is above the 100000 target")
	require.True(t, res.CurrentPrice.Valid)
	require.True(t, res.CurrentPrice.Decimal.Equal(decimal.NewFromInt(104_000)))
	require.Len(t, sink.stored, 3, "one attestation per source")
}

func TestPriceAdapterDefersBelowMinSources(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"104000.00"}`))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	cfg := &config.OracleConfig{
		BinanceURL: ok.URL, BybitURL: down.URL, OKXURL: down.URL,
		FetchTimeout: 2 * time.Second, MinSources: 2,
	}
	pa := NewPriceAdapter(cfg, "op-secret", &memorySink{}, nil, discard())

	res, err := pa.FetchResult(context.Background(), priceMarket())
	require.NoError(t, err)
	require.Nil(t, res, "one source below the minimum must defer, not fail")
}

func TestMedianOf(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	require.True(t, medianOf([]decimal.Decimal{d("3"), d("1"), d("2")}).Equal(d("2")))
	require.True(t, medianOf([]decimal.Decimal{d("1"), d("4")}).Equal(d("2.5")))
}

func TestSportsMatchOption(t *testing.T) {
	options := []string{"Arsenal wins", "Chelsea wins"}

	idx, ok := matchOption(options, "Arsenal")
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = matchOption(options, "CHELSEA")
	require.True(t, ok)
	require.Equal(t, 1, idx)

	_, ok = matchOption(options, "Liverpool")
	require.False(t, ok)

	// A team name matching both labels is indecisive.
	_, ok = matchOption([]string{"wins", "wins big"}, "wins")
	require.False(t, ok)
}

func TestCouncilAdapterTally(t *testing.T) {
	votes := map[string]string{
		"analyst":    `{"option":0,"confidence":0.9}`,
		"journalist": `{"option":0,"confidence":0.8}`,
		"researcher": `{"option":1,"confidence":0.75}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Persona string `json:"persona"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		_, _ = w.Write([]byte(votes[req.Persona]))
	}))
	defer srv.Close()

	cfg := &config.OracleConfig{CouncilURL: srv.URL, FetchTimeout: 2 * time.Second}
	ca := NewCouncilAdapter(cfg, discard())

	m := &domain.Market{
		ID:          "mkt_ai",
		MarketType:  domain.MarketTypeAI,
		OptionsJSON: `["YES","NO"]`,
	}
	require.True(t, ca.CanResolve(m))

	res, err := ca.FetchResult(context.Background(), m)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 0, res.WinningOption, "2/3 majority at mean confidence 0.81")

	// Attempt cap blocks further tries.
	m.AIAttempts = domain.MaxAIAttempts
	require.False(t, ca.CanResolve(m))
}

func TestCouncilDefersWithoutMajority(t *testing.T) {
	votes := map[string]string{
		"analyst":    `{"option":0,"confidence":0.9}`,
		"journalist": `{"option":1,"confidence":0.9}`,
		"researcher": `{"option":0,"confidence":0.2}`, // majority but weak mean
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Persona string `json:"persona"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		_, _ = w.Write([]byte(votes[req.Persona]))
	}))
	defer srv.Close()

	cfg := &config.OracleConfig{CouncilURL: srv.URL, FetchTimeout: 2 * time.Second}
	ca := NewCouncilAdapter(cfg, discard())
	m := &domain.Market{MarketType: domain.MarketTypeAI, OptionsJSON: `["YES","NO"]`}

	res, err := ca.FetchResult(context.Background(), m)
	require.NoError(t, err)
	require.Nil(t, res, "mean confidence below the 0.7 floor must defer")
}
