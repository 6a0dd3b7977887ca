package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	priceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "utxoracle",
		Name:      "price_usd",
		Help:      "Last validated on-chain BTC/USD price.",
	})

	confidenceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "utxoracle",
		Name:      "price_confidence",
		Help:      "Confidence of the last validated price.",
	})

	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "utxoracle",
		Name:      "cycles_total",
		Help:      "Completed cycles by outcome.",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "utxoracle",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a full cycle including backfill.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
	})

	gapGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "utxoracle",
		Name:      "series_gap_dates",
		Help:      "Dates missing from the price series at the last check.",
	})
)
