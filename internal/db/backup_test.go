package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.backup.csv")

	csvData := `timestamp,utxoracle_price,exchange_price,confidence,tx_count,is_valid
2026-08-20T10:00:00Z,109500.5,109612.2,0.91,4123,true
2026-08-21T10:00:00Z,110537,,0.84,3980,true
2026-08-22T10:00:00Z,8000,8100,0.12,55,false
`
	require.NoError(t, os.WriteFile(path, []byte(csvData), 0o644))

	snap := NewSnapshot(zerolog.Nop())
	require.NoError(t, snap.LoadSnapshot(path))

	latest := snap.Latest()
	require.NotNil(t, latest)
	require.Equal(t, 8000.0, latest.UTXOraclePrice)
	require.False(t, latest.IsValid)

	day := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	got := snap.Range(day, day)
	require.Len(t, got, 1)
	require.Equal(t, 110537.0, got[0].UTXOraclePrice)
	require.Nil(t, got[0].ExchangePrice, "empty exchange column is null")
	require.Equal(t, 0.84, got[0].Confidence)
}

func TestSnapshotEmpty(t *testing.T) {
	snap := NewSnapshot(zerolog.Nop())
	require.Nil(t, snap.Latest())
	require.Empty(t, snap.Range(time.Unix(0, 0), time.Now()))
}

func TestParseBulkRow(t *testing.T) {
	valid := func(price, confidence float64) bool {
		return confidence >= 0.3 && price >= 10_000 && price <= 500_000
	}

	tests := []struct {
		name      string
		record    []string
		wantErr   bool
		wantValid bool
	}{
		{"good row", []string{"2026-08-20T10:00:00Z", "109500.5", "109612.2", "0.91", "4123"}, false, true},
		{"null exchange", []string{"2026-08-20T10:00:00Z", "109500.5", "", "0.91", "4123"}, false, true},
		{"low confidence", []string{"2026-08-20T10:00:00Z", "109500.5", "", "0.1", "4123"}, false, false},
		{"out of band", []string{"2026-08-20T10:00:00Z", "900000", "", "0.9", "4123"}, false, false},
		{"bad timestamp", []string{"yesterday", "109500.5", "", "0.91", "4123"}, true, false},
		{"bad price", []string{"2026-08-20T10:00:00Z", "lots", "", "0.91", "4123"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := parseBulkRow(tt.record, valid)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, row, 7)
			require.Equal(t, tt.wantValid, row[6])
		})
	}
}
