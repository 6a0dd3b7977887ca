package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

type fakeSource struct {
	name string
	txs  []models.Transaction
	err  error
}

func (f *fakeSource) FetchRecent(context.Context, int) ([]models.Transaction, error) {
	return f.txs, f.err
}
func (f *fakeSource) FetchByDate(context.Context, time.Time) ([]models.Transaction, error) {
	return f.txs, f.err
}
func (f *fakeSource) Healthcheck(context.Context) error { return f.err }
func (f *fakeSource) Name() string                      { return f.name }

func TestCascadeFallsThroughOnFailure(t *testing.T) {
	want := []models.Transaction{{Txid: "abc"}}
	c := NewCascadingSource(zerolog.Nop(),
		&fakeSource{name: "tier1", err: errors.New("connection refused")},
		&fakeSource{name: "tier2", err: errors.New("504")},
		&fakeSource{name: "tier3", txs: want},
	)

	got, err := c.FetchRecent(context.Background(), 144)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, "tier3", c.LastDiagnostics.ServedBy)
	require.Len(t, c.LastDiagnostics.Attempts, 3)
	require.NotEmpty(t, c.LastDiagnostics.Attempts[0].Err)
}

func TestCascadeFirstTierServes(t *testing.T) {
	want := []models.Transaction{{Txid: "def"}}
	c := NewCascadingSource(zerolog.Nop(),
		&fakeSource{name: "tier1", txs: want},
		&fakeSource{name: "tier3", err: errors.New("never reached")},
	)

	got, err := c.FetchRecent(context.Background(), 144)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, "tier1", c.LastDiagnostics.ServedBy)
	require.Len(t, c.LastDiagnostics.Attempts, 1)
}

func TestCascadeExhaustion(t *testing.T) {
	c := NewCascadingSource(zerolog.Nop(),
		&fakeSource{name: "tier1", err: errors.New("down")},
		&fakeSource{name: "tier3", err: errors.New("also down")},
	)

	_, err := c.FetchRecent(context.Background(), 144)
	require.ErrorIs(t, err, ErrNoDataAvailable)
}

func TestCascadeHealthcheckAnyTier(t *testing.T) {
	c := NewCascadingSource(zerolog.Nop(),
		&fakeSource{name: "tier1", err: errors.New("down")},
		&fakeSource{name: "tier3"},
	)
	require.NoError(t, c.Healthcheck(context.Background()))
}
