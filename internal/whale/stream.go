// Package whale watches the indexer's mempool feed for very large
// unconfirmed transfers and fans alerts out to WebSocket subscribers.
package whale

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

var signalsEmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "utxoracle",
	Subsystem: "whale",
	Name:      "signals_total",
	Help:      "Whale signals broadcast to stream clients.",
})

// DedupCacheSize bounds the txid dedup cache. Past eviction a txid may be
// re-emitted; at mempool churn rates 10k covers hours of traffic.
const DedupCacheSize = 10_000

// feeChangeReemit is the minimum relative fee change for a known txid to be
// broadcast again.
const feeChangeReemit = 0.10

// PriceSource supplies the latest engine price for USD display conversion.
type PriceSource interface {
	LatestPriceUSD() float64 // 0 when unknown
}

// DirectionOracle classifies a transfer as exchange inflow or outflow. The
// in-core build has none; signals then carry NEUTRAL.
type DirectionOracle interface {
	Classify(tx *models.Transaction) models.WhaleDirection
}

// SignalSink persists emitted signals. The stream never gates on it.
type SignalSink interface {
	AppendWhaleSignal(ctx context.Context, sig models.WhaleSignal) error
}

type Stream struct {
	wsURL        string
	btcThreshold float64
	hub          *Hub
	prices       PriceSource
	direction    DirectionOracle // may be nil
	sink         SignalSink      // may be nil
	seen         *lru.Cache      // txid -> seenEntry
	log          zerolog.Logger
}

type seenEntry struct {
	feeRate float64
}

// MempoolEvent is one message of the indexer's /ws/track-mempool feed.
type MempoolEvent struct {
	Tx       models.Transaction `json:"tx"`
	FeeSats  int64              `json:"fee"`
	Replaces string             `json:"replaces,omitempty"` // txid superseded by this RBF replacement
}

func NewStream(wsURL string, btcThreshold float64, hub *Hub, prices PriceSource,
	direction DirectionOracle, sink SignalSink, log zerolog.Logger) *Stream {

	seen, _ := lru.New(DedupCacheSize)
	return &Stream{
		wsURL:        wsURL,
		btcThreshold: btcThreshold,
		hub:          hub,
		prices:       prices,
		direction:    direction,
		sink:         sink,
		seen:         seen,
		log:          log.With().Str("component", "whale.stream").Logger(),
	}
}

// Run maintains the mempool subscription until the context is cancelled,
// reconnecting with jittered exponential backoff (1s to 30s).
func (s *Stream) Run(ctx context.Context) {
	policy := backoff.WithContext(reconnectBackoff(), ctx)
	for {
		err := backoff.Retry(func() error {
			return s.consume(ctx)
		}, policy)
		if ctx.Err() != nil {
			s.log.Info().Msg("whale stream stopped")
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("mempool subscription lost, reconnecting")
		}
		policy.Reset()
	}
}

func reconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // unbounded retries; only shutdown stops us
	return b
}

func (s *Stream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info().Str("url", s.wsURL).Msg("subscribed to mempool feed")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		var event MempoolEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed mempool event")
			continue
		}
		s.Process(ctx, &event)
	}
}

// Process evaluates one mempool event and broadcasts a signal when it
// qualifies. Exported for the stream tests; Run is just the network shell
// around it.
func (s *Stream) Process(ctx context.Context, event *MempoolEvent) {
	tx := &event.Tx
	total := tx.TotalOutputBTC()
	if total < s.btcThreshold {
		return
	}

	feeRate := feeRateSatVB(event.FeeSats, tx.Vsize)

	// RBF replacement supersedes the prior signal for the same intent.
	if event.Replaces != "" {
		s.seen.Remove(event.Replaces)
	}
	if prev, ok := s.seen.Get(tx.Txid); ok {
		e := prev.(seenEntry)
		switch {
		case e.feeRate <= 0:
			// Prior fee unknown. Re-emit once a real rate arrives.
			if feeRate <= 0 {
				return
			}
		case math.Abs(feeRate-e.feeRate)/e.feeRate < feeChangeReemit:
			return
		}
	}
	s.seen.Add(tx.Txid, seenEntry{feeRate: feeRate})

	direction := models.DirectionNeutral
	if s.direction != nil {
		direction = s.direction.Classify(tx)
	}

	price := 0.0
	if s.prices != nil {
		price = s.prices.LatestPriceUSD()
	}

	sig := models.WhaleSignal{
		Txid:          tx.Txid,
		TotalBTCValue: total,
		TotalUSDValue: total * price,
		FeeRateSatVB:  feeRate,
		UrgencyScore:  UrgencyScore(feeRate),
		Direction:     direction,
		IsRBF:         tx.IsRBF(),
		ObservedAt:    time.Now().UTC(),
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return
	}
	s.hub.Broadcast(payload)
	signalsEmitted.Inc()
	s.log.Info().Str("txid", sig.Txid).Float64("btc", sig.TotalBTCValue).
		Float64("fee_rate", sig.FeeRateSatVB).Msg("whale signal emitted")

	if s.sink != nil {
		if err := s.sink.AppendWhaleSignal(ctx, sig); err != nil {
			s.log.Warn().Err(err).Msg("whale signal persist failed")
		}
	}
}

// UrgencyScore maps a fee rate onto [0,1] in three bands:
// below 10 sat/vB is low (0..0.3), 10..50 medium (0.3..0.7), above 50 high
// (0.7..1, saturating at 100).
func UrgencyScore(feeRateSatVB float64) float64 {
	switch {
	case feeRateSatVB <= 0:
		return 0
	case feeRateSatVB < 10:
		return 0.3 * feeRateSatVB / 10
	case feeRateSatVB <= 50:
		return 0.3 + 0.4*(feeRateSatVB-10)/40
	default:
		score := 0.7 + 0.3*(feeRateSatVB-50)/50
		return math.Min(score, 1)
	}
}

func feeRateSatVB(feeSats int64, vsize int) float64 {
	if vsize <= 0 {
		return 0
	}
	return float64(feeSats) / float64(vsize)
}
