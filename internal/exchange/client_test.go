package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFetchLatestUSDPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/prices", r.URL.Path)
		w.Write([]byte(`{"USD": 110900.25, "EUR": 101300.0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	usd, err := c.FetchLatestUSDPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 110900.25, usd)
}

func TestFetchRejectsMissingUSDQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"EUR": 101300.0}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, zerolog.Nop()).FetchLatestUSDPrice(context.Background())
	require.Error(t, err)
}

func TestFetchRejectsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, zerolog.Nop()).FetchLatestUSDPrice(context.Background())
	require.Error(t, err)
}
