package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/utxoracle-engine/internal/db"
	"github.com/rawblock/utxoracle-engine/pkg/models"
)

const testSecret = "test-signing-secret"

type fakeStore struct {
	latest    *models.PriceSample
	samples   []models.PriceSample
	err       error
	rangeFrom time.Time
	rangeTo   time.Time
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.err }

func (f *fakeStore) Latest(ctx context.Context) (*models.PriceSample, error) {
	return f.latest, f.err
}

func (f *fakeStore) Range(ctx context.Context, from, to time.Time) ([]models.PriceSample, error) {
	f.rangeFrom, f.rangeTo = from, to
	return f.samples, f.err
}

func (f *fakeStore) WhaleNetFlow(ctx context.Context, window time.Duration) (float64, models.WhaleDirection, error) {
	return 42.5, models.DirectionBuy, f.err
}

type failingChecker struct{}

func (failingChecker) Healthcheck(ctx context.Context) error { return errors.New("unreachable") }

func signToken(t *testing.T, perms []string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestRouter(store SampleStore, snapshot *db.Snapshot, bypass bool) *gin.Engine {
	return NewRouter(Deps{
		Store:    store,
		Snapshot: snapshot,
		Auth:     NewAuth(testSecret, bypass, zerolog.Nop()),
		Log:      zerolog.Nop(),
	})
}

func doGet(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func samplePtr(v float64) *float64 { return &v }

func TestAuthRejectsMissingToken(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, false)
	rec := doGet(router, "/api/prices/latest", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsGarbageToken(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, false)
	rec := doGet(router, "/api/prices/latest", "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, false)
	rec := doGet(router, "/api/prices/latest", signToken(t, []string{PermissionRead}, -time.Hour))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsMissingPermission(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, false)
	rec := doGet(router, "/api/prices/latest", signToken(t, []string{PermissionWrite}, time.Hour))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthAcceptsReadToken(t *testing.T) {
	store := &fakeStore{latest: &models.PriceSample{UTXOraclePrice: 110_000, Confidence: 0.9, IsValid: true}}
	router := newTestRouter(store, nil, false)

	rec := doGet(router, "/api/prices/latest", signToken(t, []string{PermissionRead}, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.PriceSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 110_000.0, got.UTXOraclePrice)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, field := range []string{"timestamp", "utxoracle_price", "exchange_price", "tx_count", "is_valid"} {
		require.Contains(t, raw, field)
	}
}

func TestAuthAcceptsQueryParamToken(t *testing.T) {
	store := &fakeStore{latest: &models.PriceSample{UTXOraclePrice: 110_000}}
	router := newTestRouter(store, nil, false)

	rec := doGet(router, "/api/prices/latest?token="+signToken(t, []string{PermissionRead}, time.Hour), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthBypassSkipsValidation(t *testing.T) {
	store := &fakeStore{latest: &models.PriceSample{UTXOraclePrice: 110_000}}
	router := newTestRouter(store, nil, true)

	rec := doGet(router, "/api/prices/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	store := &fakeStore{latest: &models.PriceSample{UTXOraclePrice: 110_000}}
	router := newTestRouter(store, nil, true)

	var limited *httptest.ResponseRecorder
	for i := 0; i < 40; i++ {
		rec := doGet(router, "/api/prices/latest", "")
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	require.NotNil(t, limited, "burst exhaustion must trigger 429")
	require.NotEmpty(t, limited.Header().Get("Retry-After"))
}

func TestHealthDegradedOnFailingDependency(t *testing.T) {
	router := NewRouter(Deps{
		Store:   &fakeStore{},
		Indexer: failingChecker{},
		Auth:    NewAuth(testSecret, false, zerolog.Nop()),
		Log:     zerolog.Nop(),
	})

	rec := doGet(router, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "ok", body.Checks["db"])
	require.NotEqual(t, "ok", body.Checks["indexer"])

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Contains(t, raw, "uptime_seconds")
}

func TestHealthRequiresNoAuth(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, false)
	rec := doGet(router, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLatestFallsBackToSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.csv")
	csvData := "timestamp,utxoracle_price,exchange_price,confidence,tx_count,is_valid\n" +
		"2026-08-20T10:00:00Z,109500.5,,0.91,4123,true\n"
	require.NoError(t, os.WriteFile(path, []byte(csvData), 0o644))

	snapshot := db.NewSnapshot(zerolog.Nop())
	require.NoError(t, snapshot.LoadSnapshot(path))

	router := newTestRouter(&fakeStore{err: errors.New("connection refused")}, snapshot, true)
	rec := doGet(router, "/api/prices/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "snapshot", rec.Header().Get("X-Data-Source"))

	var got models.PriceSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 109500.5, got.UTXOraclePrice)
}

func TestLatestUnavailableWithoutSnapshot(t *testing.T) {
	router := newTestRouter(&fakeStore{err: errors.New("connection refused")}, nil, true)
	rec := doGet(router, "/api/prices/latest", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLatestEmptySeries(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, true)
	rec := doGet(router, "/api/prices/latest", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestComparisonStats(t *testing.T) {
	samples := []models.PriceSample{
		{UTXOraclePrice: 100_000, ExchangePrice: samplePtr(101_000), IsValid: true},
		{UTXOraclePrice: 110_000, ExchangePrice: samplePtr(111_100), IsValid: true},
		{UTXOraclePrice: 120_000, ExchangePrice: samplePtr(121_200), IsValid: true},
		{UTXOraclePrice: 5_000, ExchangePrice: samplePtr(100_000), IsValid: false}, // excluded
		{UTXOraclePrice: 115_000, ExchangePrice: nil, IsValid: true},               // excluded
	}

	stats := comparisonStats(samples)
	require.Equal(t, 3, stats["samples"])
	require.InDelta(t, 0.99, stats["avg_diff_pct"].(float64), 0.01)
	require.InDelta(t, 1.0, stats["correlation"].(float64), 1e-9)
	require.Contains(t, stats, "max_diff_pct")
}

func TestComparisonStatsEmpty(t *testing.T) {
	stats := comparisonStats(nil)
	require.Equal(t, 0, stats["samples"])
	require.NotContains(t, stats, "correlation")
}

func TestPearson(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
		want float64
	}{
		{"perfect positive", []float64{1, 2, 3}, []float64{10, 20, 30}, 1},
		{"perfect negative", []float64{1, 2, 3}, []float64{30, 20, 10}, -1},
		{"no variance", []float64{5, 5, 5}, []float64{1, 2, 3}, 0},
		{"too short", []float64{1}, []float64{2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, pearson(tt.x, tt.y), 1e-9)
		})
	}
}

func TestHistoricalReturnsSampleArray(t *testing.T) {
	store := &fakeStore{samples: []models.PriceSample{
		{UTXOraclePrice: 110_000, Confidence: 0.9, IsValid: true},
	}}
	router := newTestRouter(store, nil, true)
	rec := doGet(router, "/api/prices/historical", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []models.PriceSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, 110_000.0, got[0].UTXOraclePrice)
}

func TestHistoricalClampsDays(t *testing.T) {
	store := &fakeStore{}
	router := newTestRouter(store, nil, true)
	rec := doGet(router, "/api/prices/historical?days=9999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 365, store.rangeTo.Sub(store.rangeFrom).Hours()/24, 1)
}

func TestWhaleNetFlow(t *testing.T) {
	router := newTestRouter(&fakeStore{}, nil, true)
	rec := doGet(router, "/api/whale/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		NetFlowBTC    float64 `json:"net_flow_btc"`
		Direction     string  `json:"direction"`
		WindowMinutes int     `json:"window_minutes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 42.5, body.NetFlowBTC)
	require.Equal(t, "BUY", body.Direction)
	require.Equal(t, 1440, body.WindowMinutes)

	rec = doGet(router, "/api/whale/latest?minutes=99999", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
