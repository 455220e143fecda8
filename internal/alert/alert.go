// Package alert delivers operational events to a webhook. Delivery is
// fire-and-forget: a dead webhook must never block or fail engine work.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/qpredict/engine/internal/config"
)

const deliverTimeout = 5 * time.Second

// Alerter posts events to the configured webhook. A zero URL disables
// delivery; events still land in the log.
type Alerter struct {
	client *http.Client
	cfg    *config.AlertConfig
	logger *slog.Logger
}

// New builds an Alerter.
func New(cfg *config.AlertConfig, logger *slog.Logger) *Alerter {
	return &Alerter{
		client: &http.Client{Timeout: deliverTimeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Notify sends one event asynchronously. Satisfies breaker.Notifier.
func (a *Alerter) Notify(event, detail string) {
	a.logger.Warn("alert", "event", event, "detail", detail)
	if a.cfg.WebhookURL == "" {
		return
	}
	go a.deliver(event, detail)
}

func (a *Alerter) deliver(event, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	var payload any
	text := event + ": " + detail
	switch a.cfg.WebhookType {
	case "slack":
		payload = map[string]string{"text": text}
	case "discord":
		payload = map[string]string{"content": text}
	default:
		payload = map[string]string{
			"event":  event,
			"detail": detail,
			"ts":     time.Now().UTC().Format(time.RFC3339),
		}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("alert delivery failed", "event", event, "error", err)
		return
	}
	_ = resp.Body.Close()
}
