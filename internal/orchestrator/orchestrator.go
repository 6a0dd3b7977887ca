// Package orchestrator drives the periodic price cycle: acquire the cycle
// lock, fetch a block window and the exchange reference in parallel, run the
// engine, validate, snapshot, append, then repair historical gaps within the
// per-cycle budget. One cycle runs at a time across all processes on a host;
// contention is surfaced as ErrLockHeld rather than waited out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/utxoracle-engine/internal/config"
	"github.com/rawblock/utxoracle-engine/internal/db"
	"github.com/rawblock/utxoracle-engine/internal/engine"
	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// ErrLockHeld means another process owns the cycle lock.
var ErrLockHeld = errors.New("orchestrator: cycle lock held by another process")

// State is the observable cycle phase.
type State string

const (
	StateIdle       State = "IDLE"
	StateFetching   State = "FETCHING"
	StateComputing  State = "COMPUTING"
	StateValidating State = "VALIDATING"
	StateWriting    State = "WRITING"
	StateBackfill   State = "BACKFILL"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Consecutive sanity-band failures before the operator alert fires.
const sanityStreakAlert = 3

// Whale signal retention enforced once per cycle.
const whaleRetention = 90 * 24 * time.Hour

// TxSource is the fetch cascade surface the orchestrator consumes.
type TxSource interface {
	FetchRecent(ctx context.Context, blockWindow int) ([]models.Transaction, error)
	FetchByDate(ctx context.Context, date time.Time) ([]models.Transaction, error)
}

// ExchangeSource supplies the reference quote for the comparison column.
type ExchangeSource interface {
	FetchLatestUSDPrice(ctx context.Context) (float64, error)
}

// Store is the persistence surface used by a cycle.
type Store interface {
	AppendSample(ctx context.Context, sample models.PriceSample) error
	DistinctDates(ctx context.Context) ([]time.Time, error)
	Gaps(ctx context.Context, from, to time.Time) ([]time.Time, error)
	ExportSnapshot(ctx context.Context, path string) error
	PruneWhaleSignals(ctx context.Context, retention time.Duration) (int64, error)
}

type Orchestrator struct {
	cfg      config.Config
	source   TxSource
	exchange ExchangeSource
	store    Store
	alerter  *Alerter
	log      zerolog.Logger

	mu           sync.RWMutex
	state        State
	lastPriceUSD float64
	sanityStreak int
}

func New(cfg config.Config, source TxSource, exchange ExchangeSource, store Store, alerter *Alerter, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		source:   source,
		exchange: exchange,
		store:    store,
		alerter:  alerter,
		state:    StateIdle,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// State returns the current cycle phase.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// LatestPriceUSD returns the last validated engine price, 0 before the first
// successful cycle. Satisfies the whale stream's price source.
func (o *Orchestrator) LatestPriceUSD() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastPriceUSD
}

// Run executes cycles on the configured period until the context ends. The
// first cycle starts immediately. A failed cycle is logged and the loop
// continues; only lock contention at startup is fatal to the caller.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return err
		}
		o.log.Error().Err(err).Msg("cycle failed")
	}

	ticker := time.NewTicker(o.cfg.CyclePeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.RunCycle(ctx); err != nil {
				o.log.Error().Err(err).Msg("cycle failed")
			}
		}
	}
}

// RunCycle executes exactly one full cycle under the host lock and the cycle
// deadline. The lock is released on every exit path.
func (o *Orchestrator) RunCycle(ctx context.Context) (err error) {
	cycleID := uuid.New().String()
	log := o.log.With().Str("cycle_id", cycleID).Logger()
	started := time.Now()

	lock := flock.New(o.cfg.LockPath)
	locked, lockErr := lock.TryLock()
	if lockErr != nil {
		return fmt.Errorf("cycle lock: %w", lockErr)
	}
	if !locked {
		return ErrLockHeld
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			log.Warn().Err(unlockErr).Msg("cycle lock release failed")
		}
		outcome := "ok"
		if err != nil {
			o.setState(StateFailed)
			outcome = "error"
		}
		cyclesTotal.WithLabelValues(outcome).Inc()
		cycleDuration.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.CycleDeadline())
	defer cancel()

	o.setState(StateFetching)
	var txs []models.Transaction
	var exchangePrice *float64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var fetchErr error
		txs, fetchErr = o.source.FetchRecent(gctx, o.cfg.BlockWindow)
		return fetchErr
	})
	g.Go(func() error {
		usd, exErr := o.exchange.FetchLatestUSDPrice(gctx)
		if exErr != nil {
			log.Warn().Err(exErr).Msg("exchange oracle unreachable, sample will have null reference")
			return nil
		}
		exchangePrice = &usd
		return nil
	})
	if err = g.Wait(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	log.Info().Int("txs", len(txs)).Msg("block window fetched")

	o.setState(StateComputing)
	result := engine.Compute(txs)

	// A null price is recorded as an invalid sample, not a failed cycle.
	o.setState(StateValidating)
	priceUSD := 0.0
	isValid := false
	if result.PriceUSD != nil {
		priceUSD = *result.PriceUSD
		isValid = o.validate(result)
	} else {
		log.Warn().Int("txs", result.TxCount).Msg("engine produced no price")
	}
	o.trackSanity(ctx, result, log)

	o.setState(StateWriting)
	if o.cfg.BackupPath != "" {
		if snapErr := o.store.ExportSnapshot(ctx, o.cfg.BackupPath); snapErr != nil {
			log.Warn().Err(snapErr).Msg("snapshot export failed")
		}
	}

	sample := models.PriceSample{
		Timestamp:      time.Now().UTC(),
		UTXOraclePrice: priceUSD,
		ExchangePrice:  exchangePrice,
		Confidence:     result.Confidence,
		TxCount:        result.TxCount,
		IsValid:        isValid,
	}
	if appendErr := o.store.AppendSample(ctx, sample); appendErr != nil {
		if errors.Is(appendErr, db.ErrDuplicateTimestamp) {
			log.Warn().Time("ts", sample.Timestamp).Msg("duplicate sample timestamp, skipping write")
		} else {
			return fmt.Errorf("append sample: %w", appendErr)
		}
	}

	if isValid {
		o.mu.Lock()
		o.lastPriceUSD = priceUSD
		o.mu.Unlock()
		priceGauge.Set(priceUSD)
		confidenceGauge.Set(result.Confidence)
	}
	log.Info().Float64("price_usd", priceUSD).Float64("confidence", result.Confidence).
		Bool("is_valid", isValid).Msg("sample recorded")

	o.setState(StateBackfill)
	if backfillErr := o.backfillGaps(ctx, log); backfillErr != nil {
		log.Warn().Err(backfillErr).Msg("gap backfill incomplete")
	}

	if pruned, pruneErr := o.store.PruneWhaleSignals(ctx, whaleRetention); pruneErr != nil {
		log.Warn().Err(pruneErr).Msg("whale signal prune failed")
	} else if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("whale signals pruned")
	}

	o.setState(StateDone)
	return nil
}

// validate applies the persistence gate: confidence threshold, configured
// price band, and the engine's own sanity flag.
func (o *Orchestrator) validate(result models.PriceResult) bool {
	price := *result.PriceUSD
	return result.Confidence >= o.cfg.ConfidenceThreshold &&
		price >= o.cfg.MinPriceUSD &&
		price <= o.cfg.MaxPriceUSD &&
		!result.SanityFail()
}

func (o *Orchestrator) trackSanity(ctx context.Context, result models.PriceResult, log zerolog.Logger) {
	o.mu.Lock()
	if result.SanityFail() {
		o.sanityStreak++
	} else {
		o.sanityStreak = 0
	}
	streak := o.sanityStreak
	o.mu.Unlock()

	if streak == sanityStreakAlert {
		o.alerter.Alert(ctx, "sanity band failures",
			fmt.Sprintf("%d consecutive cycles produced a price outside [%.0f, %.0f] USD",
				streak, engine.MinSanePriceUSD, engine.MaxSanePriceUSD))
		log.Error().Int("streak", streak).Msg("repeated sanity failures")
	}
}
