package db

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// ExportSnapshot dumps the full price series to a CSV at path via a
// temporary file and atomic rename. The orchestrator calls this
// opportunistically before each write cycle; export failure never blocks a
// cycle.
func (s *Store) ExportSnapshot(ctx context.Context, path string) error {
	samples, err := s.Range(ctx, time.Unix(0, 0), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("snapshot query: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot create: %w", err)
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{"timestamp", "utxoracle_price", "exchange_price", "confidence", "tx_count", "is_valid"})
	for _, sample := range samples {
		exchange := ""
		if sample.ExchangePrice != nil {
			exchange = strconv.FormatFloat(*sample.ExchangePrice, 'f', -1, 64)
		}
		_ = w.Write([]string{
			sample.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(sample.UTXOraclePrice, 'f', -1, 64),
			exchange,
			strconv.FormatFloat(sample.Confidence, 'f', -1, 64),
			strconv.Itoa(sample.TxCount),
			strconv.FormatBool(sample.IsValid),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot rename: %w", err)
	}
	return nil
}

// Snapshot is the read-only fallback series loaded from a CSV export. The
// read API serves from it when the primary store is unreachable.
type Snapshot struct {
	mu      sync.RWMutex
	samples []models.PriceSample // ascending by timestamp
	log     zerolog.Logger
}

func NewSnapshot(log zerolog.Logger) *Snapshot {
	return &Snapshot{log: log.With().Str("component", "db.snapshot").Logger()}
}

// LoadSnapshot reads a CSV export from disk.
func (s *Snapshot) LoadSnapshot(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	samples := make([]models.PriceSample, 0, len(records))
	for i, record := range records {
		if i == 0 && record[0] == "timestamp" {
			continue
		}
		if len(record) != 6 {
			return fmt.Errorf("snapshot line %d: %d columns", i+1, len(record))
		}
		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return fmt.Errorf("snapshot line %d: %w", i+1, err)
		}
		price, _ := strconv.ParseFloat(record[1], 64)
		var exchange *float64
		if record[2] != "" {
			v, _ := strconv.ParseFloat(record[2], 64)
			exchange = &v
		}
		confidence, _ := strconv.ParseFloat(record[3], 64)
		txCount, _ := strconv.Atoi(record[4])
		isValid, _ := strconv.ParseBool(record[5])

		samples = append(samples, models.PriceSample{
			Timestamp:      ts.UTC(),
			Date:           ts.UTC().Truncate(24 * time.Hour),
			UTXOraclePrice: price,
			ExchangePrice:  exchange,
			Confidence:     confidence,
			TxCount:        txCount,
			IsValid:        isValid,
		})
	}

	s.mu.Lock()
	s.samples = samples
	s.mu.Unlock()
	s.log.Warn().Int("samples", len(samples)).Str("path", path).Msg("serving from snapshot fallback")
	return nil
}

func (s *Snapshot) Latest() *models.PriceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.samples) == 0 {
		return nil
	}
	latest := s.samples[len(s.samples)-1]
	return &latest
}

func (s *Snapshot) Range(from, to time.Time) []models.PriceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PriceSample, 0)
	for _, sample := range s.samples {
		if !sample.Date.Before(from) && !sample.Date.After(to) {
			out = append(out, sample)
		}
	}
	return out
}
