package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/utxoracle-engine/internal/db"
	"github.com/rawblock/utxoracle-engine/internal/engine"
	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// backfillGaps repairs up to BackfillBudget missing dates per cycle, oldest
// first, with BackfillWorkers concurrent date fetches. Individual date
// failures are logged and left for the next cycle; the gap alert fires when
// the backlog exceeds the configured threshold.
func (o *Orchestrator) backfillGaps(ctx context.Context, log zerolog.Logger) error {
	dates, err := o.store.DistinctDates(ctx)
	if err != nil {
		return fmt.Errorf("list dates: %w", err)
	}
	if len(dates) == 0 {
		return nil
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	gaps, err := o.store.Gaps(ctx, dates[0], yesterday)
	if err != nil {
		return fmt.Errorf("list gaps: %w", err)
	}
	gapGauge.Set(float64(len(gaps)))
	if len(gaps) == 0 {
		return nil
	}

	if len(gaps) >= o.cfg.GapAlertThreshold {
		o.alerter.Alert(ctx, "price series gaps",
			fmt.Sprintf("%d dates missing from the series, oldest %s",
				len(gaps), gaps[0].Format("2006-01-02")))
	}

	budget := o.cfg.BackfillBudget
	if len(gaps) > budget {
		gaps = gaps[:budget]
	}
	log.Info().Int("dates", len(gaps)).Msg("backfilling gaps")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BackfillWorkers)
	for _, gap := range gaps {
		date := gap
		g.Go(func() error {
			if fillErr := o.backfillDate(gctx, date); fillErr != nil {
				log.Warn().Err(fillErr).Str("date", date.Format("2006-01-02")).Msg("date backfill failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// BackfillRange recomputes every date in [start, end] sequentially,
// regardless of whether a sample exists. Used by the backfill CLI command;
// duplicate timestamps are skipped.
func (o *Orchestrator) BackfillRange(ctx context.Context, start, end time.Time) error {
	for d := start.UTC(); !d.After(end.UTC()); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.backfillDate(ctx, d); err != nil {
			if errors.Is(err, db.ErrDuplicateTimestamp) {
				o.log.Warn().Str("date", d.Format("2006-01-02")).Msg("sample already recorded, skipping")
				continue
			}
			return err
		}
		o.log.Info().Str("date", d.Format("2006-01-02")).Msg("date backfilled")
	}
	return nil
}

// backfillDate computes and appends a single historical sample. Historical
// samples carry no exchange reference.
func (o *Orchestrator) backfillDate(ctx context.Context, date time.Time) error {
	txs, err := o.source.FetchByDate(ctx, date)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", date.Format("2006-01-02"), err)
	}

	result := engine.Compute(txs)
	priceUSD := 0.0
	isValid := false
	if result.PriceUSD != nil {
		priceUSD = *result.PriceUSD
		isValid = o.validate(result)
	}

	d := date.UTC()
	sample := models.PriceSample{
		// End of day keeps backfilled rows ordered after any intraday sample.
		Timestamp:      time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC),
		UTXOraclePrice: priceUSD,
		ExchangePrice:  nil,
		Confidence:     result.Confidence,
		TxCount:        result.TxCount,
		IsValid:        isValid,
	}
	return o.store.AppendSample(ctx, sample)
}
