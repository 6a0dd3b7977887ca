// Package fetch acquires transaction batches for the engine through a
// deterministic 3-tier cascade: local indexer HTTP, optional public indexer
// HTTP, direct node JSON-RPC. Every tier converts its wire format into the
// canonical models.Transaction; the satoshi to BTC boundary lives here and
// nowhere else.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// ErrNoDataAvailable is returned when every tier in the cascade has failed.
// Partial results are never returned silently.
var ErrNoDataAvailable = errors.New("fetch: all transaction sources exhausted")

// TransactionSource is one tier of the cascade.
type TransactionSource interface {
	// FetchRecent returns all transactions of the blockWindow most recent
	// blocks, in block order then per-block index order.
	FetchRecent(ctx context.Context, blockWindow int) ([]models.Transaction, error)
	// FetchByDate returns all transactions of blocks whose header time falls
	// on the given UTC date.
	FetchByDate(ctx context.Context, date time.Time) ([]models.Transaction, error)
	Healthcheck(ctx context.Context) error
	Name() string
}

// TierResult records one tier's attempt for diagnostics.
type TierResult struct {
	Tier    string        `json:"tier"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"err,omitempty"`
}

// Diagnostics describes how a fetch was served.
type Diagnostics struct {
	ServedBy string       `json:"served_by"`
	Attempts []TierResult `json:"attempts"`
}

// dayBounds returns the UTC day [start, end) containing date.
func dayBounds(date time.Time) (time.Time, time.Time) {
	d := date.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// witnessBytes recovers the witness byte count from total serialized size
// and weight: weight = 4*base + witness, total = base + witness.
func witnessBytes(totalSize, weight int) int {
	w := (4*totalSize - weight) / 3
	if w < 0 {
		return 0
	}
	return w
}
