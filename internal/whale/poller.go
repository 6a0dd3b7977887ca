package whale

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// DefaultPollInterval balances mempool freshness against node RPC load.
const DefaultPollInterval = 10 * time.Second

// MempoolLister enumerates current mempool txids and their fees.
type MempoolLister interface {
	GetRawMempool() ([]string, error)
	GetMempoolEntryFee(txid string) (float64, error)
}

// TxHydrator fetches an unconfirmed transaction by txid.
type TxHydrator interface {
	MempoolTransaction(txid string) (models.Transaction, error)
}

// Poller is the node-RPC fallback feed for deployments without an indexer:
// it diffs the mempool on an interval and synthesizes events for the stream.
// RBF replacements cannot be correlated over this feed, so replaced signals
// age out of the dedup cache instead of being evicted eagerly.
type Poller struct {
	lister   MempoolLister
	hydrator TxHydrator
	stream   *Stream
	interval time.Duration
	prev     map[string]struct{}
	log      zerolog.Logger
}

func NewPoller(lister MempoolLister, hydrator TxHydrator, stream *Stream, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		lister:   lister,
		hydrator: hydrator,
		stream:   stream,
		interval: interval,
		prev:     make(map[string]struct{}),
		log:      log.With().Str("component", "whale.poller").Logger(),
	}
}

// Run polls until the context ends. A failed poll is logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Msg("polling node mempool for whale transfers")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("whale poller stopped")
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.log.Warn().Err(err).Msg("mempool poll failed")
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	txids, err := p.lister.GetRawMempool()
	if err != nil {
		return err
	}

	current := make(map[string]struct{}, len(txids))
	for _, txid := range txids {
		current[txid] = struct{}{}
		if _, seen := p.prev[txid]; seen {
			continue
		}

		tx, err := p.hydrator.MempoolTransaction(txid)
		if err != nil {
			// Races with confirmation or eviction between list and fetch.
			p.log.Debug().Str("txid", txid).Err(err).Msg("mempool tx vanished")
			continue
		}
		if tx.TotalOutputBTC() < p.stream.btcThreshold {
			continue
		}

		feeBTC, err := p.lister.GetMempoolEntryFee(txid)
		if err != nil {
			p.log.Debug().Str("txid", txid).Err(err).Msg("mempool entry fee unavailable")
			feeBTC = 0
		}

		p.stream.Process(ctx, &MempoolEvent{
			Tx:      tx,
			FeeSats: int64(feeBTC * 1e8),
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	p.prev = current
	return nil
}
