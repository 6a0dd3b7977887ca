package db

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// BulkImportCSV loads a historical series file into price_samples with a
// single CopyFrom, the bulk path that clears the 100k rows/s target.
// Expected columns: timestamp (RFC3339), utxoracle_price, exchange_price
// (empty for null), confidence, tx_count. Each row's validity is decided by
// the supplied predicate.
func (s *Store) BulkImportCSV(ctx context.Context, path string, valid func(price, confidence float64) bool) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open bulk file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 5

	var rows [][]interface{}
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read bulk file line %d: %w", line+1, err)
		}
		line++
		if line == 1 && record[0] == "timestamp" {
			continue // header
		}

		row, err := parseBulkRow(record, valid)
		if err != nil {
			return 0, fmt.Errorf("bulk file line %d: %w", line, err)
		}
		rows = append(rows, row)
	}

	copied, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"price_samples"},
		[]string{"ts", "date", "utxoracle_price", "exchange_price", "confidence", "tx_count", "is_valid"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk copy: %w", err)
	}
	s.log.Info().Int64("rows", copied).Str("file", path).Msg("bulk import complete")
	return copied, nil
}

func parseBulkRow(record []string, valid func(price, confidence float64) bool) ([]interface{}, error) {
	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return nil, fmt.Errorf("timestamp %q: %w", record[0], err)
	}
	price, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return nil, fmt.Errorf("utxoracle_price %q: %w", record[1], err)
	}
	var exchange *float64
	if record[2] != "" {
		v, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("exchange_price %q: %w", record[2], err)
		}
		exchange = &v
	}
	confidence, err := strconv.ParseFloat(record[3], 64)
	if err != nil {
		return nil, fmt.Errorf("confidence %q: %w", record[3], err)
	}
	txCount, err := strconv.Atoi(record[4])
	if err != nil {
		return nil, fmt.Errorf("tx_count %q: %w", record[4], err)
	}

	ts = ts.UTC()
	return []interface{}{
		ts,
		ts.Truncate(24 * time.Hour),
		price,
		exchange,
		confidence,
		txCount,
		valid(price, confidence),
	}, nil
}
