package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
)

// council voting parameters.
const (
	councilSize    = 3
	minMajority    = 2
	minConfidence  = 0.7
)

var councilPersonas = []string{"analyst", "journalist", "researcher"}

// CouncilAdapter resolves AI markets by asking three independent LLM
// personas to vote. A decision needs a 2/3 majority and mean confidence of
// at least 0.7; anything weaker defers.
type CouncilAdapter struct {
	client *http.Client
	cfg    *config.OracleConfig
	logger *slog.Logger
}

// NewCouncilAdapter builds the AI council adapter.
func NewCouncilAdapter(cfg *config.OracleConfig, logger *slog.Logger) *CouncilAdapter {
	return &CouncilAdapter{
		client: &http.Client{Timeout: cfg.FetchTimeout},
		cfg:    cfg,
		logger: logger,
	}
}

// CanResolve accepts ai markets under the attempt cap when a council API is
// configured.
func (ca *CouncilAdapter) CanResolve(m *domain.Market) bool {
	return m.MarketType == domain.MarketTypeAI &&
		ca.cfg.CouncilURL != "" &&
		m.AIAttempts < domain.MaxAIAttempts
}

// councilVote is one persona's structured answer.
type councilVote struct {
	Persona    string  `json:"persona"`
	Option     int     `json:"option"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// FetchResult collects one vote per persona and tallies them.
func (ca *CouncilAdapter) FetchResult(ctx context.Context, m *domain.Market) (*Result, error) {
	votes := make([]councilVote, 0, councilSize)
	for _, persona := range councilPersonas {
		vote, err := ca.askPersona(ctx, persona, m)
		if err != nil {
			ca.logger.Warn("council persona failed", "persona", persona, "market", m.ID, "error", err)
			continue
		}
		votes = append(votes, *vote)
	}
	if len(votes) < councilSize {
		return nil, nil
	}

	// Tally: option with >= 2 votes wins, mean confidence over all votes.
	counts := map[int]int{}
	var confSum float64
	for _, v := range votes {
		counts[v.Option]++
		confSum += v.Confidence
	}
	winner, best := -1, 0
	for opt, n := range counts {
		if n > best {
			winner, best = opt, n
		}
	}
	meanConf := confSum / float64(len(votes))
	if best < minMajority || meanConf < minConfidence {
		ca.logger.Info("council indecisive", "market", m.ID, "majority", best, "confidence", meanConf)
		return nil, nil
	}
	if winner < 0 || winner >= len(m.Options()) {
		return nil, fmt.Errorf("oracle: council voted for option %d of %d", winner, len(m.Options()))
	}

	proof, _ := json.Marshal(map[string]any{
		"votes":           votes,
		"majority":        best,
		"mean_confidence": meanConf,
	})
	return &Result{
		WinningOption: winner,
		ProofSource:   "ai_council",
		ProofData:     proof,
	}, nil
}

// askPersona requests one structured vote.
func (ca *CouncilAdapter) askPersona(ctx context.Context, persona string, m *domain.Market) (*councilVote, error) {
	payload, _ := json.Marshal(map[string]any{
		"persona":  persona,
		"question": m.Question,
		"options":  m.Options(),
		"category": m.Category,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ca.cfg.CouncilURL+"/v1/vote", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ca.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var vote councilVote
	if err := json.Unmarshal(body, &vote); err != nil {
		return nil, fmt.Errorf("parse vote: %w", err)
	}
	vote.Persona = persona
	return &vote, nil
}
