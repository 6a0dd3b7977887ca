package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

var (
	tierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "utxoracle",
		Subsystem: "fetch",
		Name:      "tier_latency_seconds",
		Help:      "Latency of successful fetches per tier.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180},
	}, []string{"tier"})

	tierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "utxoracle",
		Subsystem: "fetch",
		Name:      "tier_failures_total",
		Help:      "Failed fetch attempts per tier.",
	}, []string{"tier"})
)

// CascadingSource holds an ordered list of tiers and falls through on
// failure. Each tier sits behind a circuit breaker so a dead indexer is
// skipped without paying its timeout on every cycle.
type CascadingSource struct {
	tiers    []TransactionSource
	breakers []*gobreaker.CircuitBreaker
	log      zerolog.Logger

	// LastDiagnostics describes the most recent fetch. Read by the
	// orchestrator after each call; the orchestrator serializes access.
	LastDiagnostics Diagnostics
}

func NewCascadingSource(log zerolog.Logger, tiers ...TransactionSource) *CascadingSource {
	c := &CascadingSource{
		tiers: tiers,
		log:   log.With().Str("component", "fetch.cascade").Logger(),
	}
	for _, t := range tiers {
		c.breakers = append(c.breakers, gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    t.Name(),
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}))
	}
	return c
}

func (c *CascadingSource) Name() string { return "cascade" }

func (c *CascadingSource) FetchRecent(ctx context.Context, blockWindow int) ([]models.Transaction, error) {
	return c.fetch(ctx, func(ctx context.Context, t TransactionSource) ([]models.Transaction, error) {
		return t.FetchRecent(ctx, blockWindow)
	})
}

func (c *CascadingSource) FetchByDate(ctx context.Context, date time.Time) ([]models.Transaction, error) {
	return c.fetch(ctx, func(ctx context.Context, t TransactionSource) ([]models.Transaction, error) {
		return t.FetchByDate(ctx, date)
	})
}

// Healthcheck passes if any tier is healthy.
func (c *CascadingSource) Healthcheck(ctx context.Context) error {
	var lastErr error
	for _, t := range c.tiers {
		if lastErr = t.Healthcheck(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *CascadingSource) fetch(ctx context.Context,
	call func(context.Context, TransactionSource) ([]models.Transaction, error)) ([]models.Transaction, error) {

	diag := Diagnostics{}
	var lastErr error

	for i, tier := range c.tiers {
		started := time.Now()
		res, err := c.breakers[i].Execute(func() (interface{}, error) {
			return call(ctx, tier)
		})
		elapsed := time.Since(started)

		attempt := TierResult{Tier: tier.Name(), Latency: elapsed}
		if err == nil {
			diag.ServedBy = tier.Name()
			diag.Attempts = append(diag.Attempts, attempt)
			c.LastDiagnostics = diag
			tierLatency.WithLabelValues(tier.Name()).Observe(elapsed.Seconds())
			c.log.Debug().Str("tier", tier.Name()).Dur("latency", elapsed).Msg("fetch served")
			return res.([]models.Transaction), nil
		}

		tierFailures.WithLabelValues(tier.Name()).Inc()
		attempt.Err = err.Error()
		diag.Attempts = append(diag.Attempts, attempt)
		lastErr = err
		c.log.Warn().Str("tier", tier.Name()).Err(err).Msg("tier failed, falling through")

		if ctx.Err() != nil {
			break
		}
	}

	c.LastDiagnostics = diag
	return nil, fmt.Errorf("%w: %v", ErrNoDataAvailable, lastErr)
}
