package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Alerter delivers operator alerts to a webhook. Without a configured URL
// alerts degrade to error-level log lines, which is the expected mode for
// single-host deployments.
type Alerter struct {
	webhookURL string
	client     *http.Client
	log        zerolog.Logger
}

func NewAlerter(webhookURL string, log zerolog.Logger) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "alerter").Logger(),
	}
}

// Alert is best-effort: delivery failure is logged, never propagated.
func (a *Alerter) Alert(ctx context.Context, subject, detail string) {
	if a.webhookURL == "" {
		a.log.Error().Str("subject", subject).Str("detail", detail).Msg("operator alert")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"detail":  detail,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		a.log.Warn().Err(err).Msg("alert webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn().Err(err).Str("subject", subject).Msg("alert webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		a.log.Warn().Int("status", resp.StatusCode).Str("subject", subject).Msg("alert webhook rejected")
	}
}
