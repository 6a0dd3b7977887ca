// Package db persists the price comparison series and whale signals in
// PostgreSQL. Samples are append-only: a failed validation is stored with
// is_valid=false rather than rewritten, and a duplicate timestamp is a
// protocol error surfaced as ErrDuplicateTimestamp.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// ErrDuplicateTimestamp is returned when an append collides with an existing
// sample. The caller logs and skips; samples are never updated in place.
var ErrDuplicateTimestamp = errors.New("db: sample timestamp already recorded")

type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func Connect(ctx context.Context, connStr string, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &Store{pool: pool, log: log.With().Str("component", "db").Logger()}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies store connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info().Msg("price series schema initialized")
	return nil
}

// AppendSample inserts one sample row. Transient I/O errors are retried with
// 1s/2s/4s backoff; constraint and syntax errors fail fast.
func (s *Store) AppendSample(ctx context.Context, sample models.PriceSample) error {
	sql := `
		INSERT INTO price_samples (ts, date, utxoracle_price, exchange_price, confidence, tx_count, is_valid)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, sql,
			sample.Timestamp.UTC(),
			sample.Timestamp.UTC().Truncate(24*time.Hour),
			sample.UTXOraclePrice,
			sample.ExchangePrice,
			sample.Confidence,
			sample.TxCount,
			sample.IsValid,
		)
		if isUniqueViolation(err) {
			return backoff.Permanent(ErrDuplicateTimestamp)
		}
		return err
	})
}

// Latest returns the most recent sample, or nil when the series is empty.
func (s *Store) Latest(ctx context.Context) (*models.PriceSample, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ts, date, utxoracle_price, exchange_price, confidence, tx_count, is_valid
		FROM price_samples ORDER BY ts DESC LIMIT 1
	`)
	sample, err := scanSample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// Range returns all samples with date in [from, to], ascending by timestamp.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]models.PriceSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, date, utxoracle_price, exchange_price, confidence, tx_count, is_valid
		FROM price_samples WHERE date >= $1 AND date <= $2 ORDER BY ts ASC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]models.PriceSample, 0)
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *sample)
	}
	return samples, rows.Err()
}

// DistinctDates returns every date with at least one sample, ascending.
func (s *Store) DistinctDates(ctx context.Context) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT date FROM price_samples ORDER BY date ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// Gaps returns dates in [from, to] with no sample, ascending.
func (s *Store) Gaps(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	recorded, err := s.DistinctDates(ctx)
	if err != nil {
		return nil, err
	}
	return missingDates(recorded, from, to), nil
}

// missingDates walks the calendar from from to to at UTC day granularity and
// returns every date absent from the recorded set.
func missingDates(recorded []time.Time, from, to time.Time) []time.Time {
	have := make(map[string]struct{}, len(recorded))
	for _, d := range recorded {
		have[d.UTC().Format("2006-01-02")] = struct{}{}
	}

	var gaps []time.Time
	for d := dayStart(from); !d.After(dayStart(to)); d = d.AddDate(0, 0, 1) {
		if _, ok := have[d.Format("2006-01-02")]; !ok {
			gaps = append(gaps, d)
		}
	}
	return gaps
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// AppendWhaleSignal records an emitted signal. Best-effort from the stream's
// point of view; the caller does not gate on it.
func (s *Store) AppendWhaleSignal(ctx context.Context, sig models.WhaleSignal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO whale_signals (txid, total_btc_value, total_usd_value, fee_rate_sat_vb, urgency_score, direction, is_rbf, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sig.Txid, sig.TotalBTCValue, sig.TotalUSDValue, sig.FeeRateSatVB,
		sig.UrgencyScore, string(sig.Direction), sig.IsRBF, sig.ObservedAt.UTC())
	return err
}

// PruneWhaleSignals enforces the rolling retention window.
func (s *Store) PruneWhaleSignals(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM whale_signals WHERE observed_at < $1`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// WhaleNetFlow aggregates signal volume over the trailing window for the
// read API. Direction comes from the sign of the aggregate when BUY/SELL
// classification is available; NEUTRAL-only data yields NEUTRAL.
func (s *Store) WhaleNetFlow(ctx context.Context, window time.Duration) (float64, models.WhaleDirection, error) {
	var buys, sells, neutral float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(total_btc_value) FILTER (WHERE direction = 'BUY'), 0),
			COALESCE(SUM(total_btc_value) FILTER (WHERE direction = 'SELL'), 0),
			COALESCE(SUM(total_btc_value) FILTER (WHERE direction = 'NEUTRAL'), 0)
		FROM whale_signals WHERE observed_at >= $1
	`, time.Now().UTC().Add(-window)).Scan(&buys, &sells, &neutral)
	if err != nil {
		return 0, models.DirectionNeutral, err
	}

	net := buys - sells
	switch {
	case net > 0:
		return net, models.DirectionBuy, nil
	case net < 0:
		return net, models.DirectionSell, nil
	default:
		return neutral, models.DirectionNeutral, nil
	}
}

func scanSample(row pgx.Row) (*models.PriceSample, error) {
	var s models.PriceSample
	if err := row.Scan(&s.Timestamp, &s.Date, &s.UTXOraclePrice, &s.ExchangePrice,
		&s.Confidence, &s.TxCount, &s.IsValid); err != nil {
		return nil, err
	}
	return &s, nil
}

// withRetry runs op up to 4 times (1s, 2s, 4s between attempts) for
// transient errors. Permanent database errors pass through immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newRetryBackoff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		s.log.Info().Err(err).Msg("transient store error, retrying")
		return err
	}, policy)
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	return b
}

// isTransient classifies connection-class (08xxx) and serialization/deadlock
// (40xxx) errors as retryable. Anything else with a SQLSTATE fails fast;
// errors without one (network-level) are treated as transient.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		return len(code) >= 2 && (code[:2] == "08" || code[:2] == "40")
	}
	return true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
