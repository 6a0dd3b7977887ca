package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "utxoracle",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "utxoracle",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	snapshotServes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "utxoracle",
		Subsystem: "api",
		Name:      "snapshot_fallback_total",
		Help:      "Responses served from the snapshot fallback instead of the primary store.",
	})
)

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func registerClientGauge(hub interface{ ClientCount() int }) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "utxoracle",
		Subsystem: "whale",
		Name:      "stream_clients",
		Help:      "Connected whale stream WebSocket clients.",
	}, func() float64 { return float64(hub.ClientCount()) })
	// Idempotent: router construction may run more than once in tests.
	if err := prometheus.Register(gauge); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}
