package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/qpredict/engine/internal/config"
	"github.com/qpredict/engine/internal/domain"
)

// SportsAdapter resolves sports markets against a public results API,
// matching the winning team by substring against the option labels. A match
// is decisive only when exactly one option matches.
type SportsAdapter struct {
	client *http.Client
	cfg    *config.OracleConfig
	logger *slog.Logger
}

// NewSportsAdapter builds the sports adapter.
func NewSportsAdapter(cfg *config.OracleConfig, logger *slog.Logger) *SportsAdapter {
	return &SportsAdapter{
		client: &http.Client{Timeout: cfg.FetchTimeout},
		cfg:    cfg,
		logger: logger,
	}
}

// CanResolve accepts sports markets when a results API is configured.
func (sa *SportsAdapter) CanResolve(m *domain.Market) bool {
	return m.MarketType == domain.MarketTypeSports && sa.cfg.SportsURL != ""
}

// sportsEvent is one finished fixture from the results API.
type sportsEvent struct {
	HomeTeam  string `json:"home_team"`
	AwayTeam  string `json:"away_team"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
	Status    string `json:"status"`
}

// FetchResult looks up finished events for the market's category and matches
// the winning team against the option labels. No decisive match defers.
func (sa *SportsAdapter) FetchResult(ctx context.Context, m *domain.Market) (*Result, error) {
	endpoint := fmt.Sprintf("%s/v1/results?query=%s", sa.cfg.SportsURL, url.QueryEscape(m.Question))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: sports request: %w", err)
	}
	resp, err := sa.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: sports fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: sports status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oracle: sports body: %w", err)
	}

	var events []sportsEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("oracle: sports parse: %w", err)
	}

	for _, ev := range events {
		if !strings.EqualFold(ev.Status, "finished") || ev.HomeScore == ev.AwayScore {
			continue
		}
		winningTeam := ev.HomeTeam
		if ev.AwayScore > ev.HomeScore {
			winningTeam = ev.AwayTeam
		}
		if idx, ok := matchOption(m.Options(), winningTeam); ok {
			proof, _ := json.Marshal(map[string]any{
				"home_team":  ev.HomeTeam,
				"away_team":  ev.AwayTeam,
				"home_score": ev.HomeScore,
				"away_score": ev.AwayScore,
				"matched":    winningTeam,
			})
			return &Result{
				WinningOption: idx,
				ProofSource:   "sports_result",
				ProofData:     proof,
			}, nil
		}
	}

	sa.logger.Info("no decisive sports match", "market", m.ID)
	return nil, nil
}

// matchOption finds the single option whose label contains the team name (or
// vice versa), case-insensitive. Ambiguous matches are indecisive.
func matchOption(options []string, team string) (int, bool) {
	team = strings.ToLower(team)
	found := -1
	for i, opt := range options {
		label := strings.ToLower(opt)
		if strings.Contains(label, team) || strings.Contains(team, label) {
			if found >= 0 {
				return 0, false
			}
			found = i
		}
	}
	return found, found >= 0
}
