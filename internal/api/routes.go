// Package api serves the read-only price endpoints, the whale stream
// WebSocket, and operational surfaces (health, Prometheus metrics). All data
// access goes through the store; when the store is down, price reads degrade
// to the latest CSV snapshot instead of failing.
package api

import (
	"context"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rawblock/utxoracle-engine/internal/db"
	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// SampleStore is the store surface the handlers read from.
type SampleStore interface {
	Ping(ctx context.Context) error
	Latest(ctx context.Context) (*models.PriceSample, error)
	Range(ctx context.Context, from, to time.Time) ([]models.PriceSample, error)
	WhaleNetFlow(ctx context.Context, window time.Duration) (float64, models.WhaleDirection, error)
}

// HealthChecker reports reachability of an upstream dependency.
type HealthChecker interface {
	Healthcheck(ctx context.Context) error
}

// StreamHub is the whale fan-out surface the API exposes over WebSocket.
type StreamHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

type Server struct {
	store    SampleStore
	snapshot *db.Snapshot
	hub      StreamHub
	indexer  HealthChecker
	node     HealthChecker
	log      zerolog.Logger
	started  time.Time
}

type Deps struct {
	Store    SampleStore
	Snapshot *db.Snapshot // optional read-only fallback
	Hub      StreamHub
	Indexer  HealthChecker // optional
	Node     HealthChecker // optional
	Auth     *Auth
	Log      zerolog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Log), metricsMiddleware(), corsMiddleware())

	s := &Server{
		store:    deps.Store,
		snapshot: deps.Snapshot,
		hub:      deps.Hub,
		indexer:  deps.Indexer,
		node:     deps.Node,
		log:      deps.Log.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
	if deps.Hub != nil {
		registerClientGauge(deps.Hub)
	}

	limiter := NewRateLimiter(100, 20)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	prices := r.Group("/api", deps.Auth.Require(PermissionRead), limiter.Middleware())
	{
		prices.GET("/prices/latest", s.handleLatest)
		prices.GET("/prices/historical", s.handleHistorical)
		prices.GET("/prices/comparison", s.handleComparison)
		prices.GET("/whale/latest", s.handleWhaleNetFlow)
	}

	if deps.Hub != nil {
		r.GET("/ws/whale", deps.Auth.Require(PermissionRead), func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}

	r.Static("/dashboard", "./public")

	return r
}

// corsMiddleware mirrors ALLOWED_ORIGINS: a comma-separated allowlist, or
// empty/* for open access.
func corsMiddleware() gin.HandlerFunc {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}
	for name, checker := range map[string]HealthChecker{"indexer": s.indexer, "node": s.node} {
		if checker == nil {
			continue
		}
		if err := checker.Healthcheck(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := "operational"
	if !healthy {
		status = "degraded"
	}
	resp := gin.H{
		"status":         status,
		"checks":         checks,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.hub != nil {
		resp["stream_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLatest(c *gin.Context) {
	sample, err := s.store.Latest(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("latest query failed")
		if fallback := s.snapshotLatest(c); fallback {
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	if sample == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no samples recorded yet"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) snapshotLatest(c *gin.Context) bool {
	if s.snapshot == nil {
		return false
	}
	sample := s.snapshot.Latest()
	if sample == nil {
		return false
	}
	snapshotServes.Inc()
	c.Header("X-Data-Source", "snapshot")
	c.JSON(http.StatusOK, sample)
	return true
}

func (s *Server) handleHistorical(c *gin.Context) {
	days := clampedDays(c, 30)
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	samples, err := s.store.Range(c.Request.Context(), from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("historical query failed")
		if s.snapshot != nil {
			snapshotServes.Inc()
			c.Header("X-Data-Source", "snapshot")
			c.JSON(http.StatusOK, s.snapshot.Range(from, to))
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, samples)
}

// handleComparison reports how the on-chain series tracks the exchange
// reference over the requested window. Only valid samples with an exchange
// quote enter the statistics.
func (s *Server) handleComparison(c *gin.Context) {
	days := clampedDays(c, 30)
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	samples, err := s.store.Range(c.Request.Context(), from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("comparison query failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	c.JSON(http.StatusOK, comparisonStats(samples))
}

func comparisonStats(samples []models.PriceSample) gin.H {
	var oracle, exchange []float64
	for _, sample := range samples {
		if !sample.IsValid || sample.ExchangePrice == nil {
			continue
		}
		oracle = append(oracle, sample.UTXOraclePrice)
		exchange = append(exchange, *sample.ExchangePrice)
	}

	n := len(oracle)
	if n == 0 {
		return gin.H{"samples": 0}
	}

	var sumDiff, maxDiff float64
	for i := range oracle {
		diff := math.Abs(oracle[i]-exchange[i]) / exchange[i] * 100
		sumDiff += diff
		if diff > maxDiff {
			maxDiff = diff
		}
	}

	return gin.H{
		"samples":      n,
		"avg_diff_pct": sumDiff / float64(n),
		"max_diff_pct": maxDiff,
		"correlation":  pearson(oracle, exchange),
	}
}

// pearson returns the correlation coefficient, or 0 when either series has
// no variance or fewer than two points.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func (s *Server) handleWhaleNetFlow(c *gin.Context) {
	minutes, err := strconv.Atoi(c.DefaultQuery("minutes", "1440"))
	if err != nil || minutes < 1 || minutes > 7*1440 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be in [1, 10080]"})
		return
	}

	net, direction, err := s.store.WhaleNetFlow(c.Request.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		s.log.Error().Err(err).Msg("whale netflow query failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"window_minutes": minutes,
		"net_flow_btc":   net,
		"direction":      direction,
	})
}

func clampedDays(c *gin.Context, def int) int {
	days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(def)))
	if err != nil || days < 1 {
		return def
	}
	if days > 365 {
		return 365
	}
	return days
}
