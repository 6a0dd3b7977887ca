package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConvertEsploraTx(t *testing.T) {
	raw := &esploraTx{
		Txid: "deadbeef",
		Vin: []struct {
			Txid     string   `json:"txid"`
			Vout     uint32   `json:"vout"`
			Sequence uint32   `json:"sequence"`
			Coinbase bool     `json:"is_coinbase"`
			Witness  []string `json:"witness"`
		}{
			{Txid: "prev", Vout: 1, Sequence: 0xFFFFFFFD},
		},
		Vout: []struct {
			ScriptType string `json:"scriptpubkey_type"`
			Value      int64  `json:"value"`
		}{
			{ScriptType: "v0_p2wpkh", Value: 123_456_789},
			{ScriptType: "op_return", Value: 0},
		},
		Size:   250,
		Weight: 700,
	}

	tx := convertEsploraTx(raw)
	require.Equal(t, "deadbeef", tx.Txid)
	require.InDelta(t, 1.23456789, tx.Outputs[0].ValueBTC, 1e-12)
	require.Equal(t, "op_return", tx.Outputs[1].ScriptType)
	require.True(t, tx.IsRBF())
	// witness = (4*250 - 700) / 3 = 100
	require.Equal(t, 100, tx.WitnessSize)
	require.Equal(t, 175, tx.Vsize)
}

func TestConvertEsploraCoinbase(t *testing.T) {
	raw := &esploraTx{
		Txid: "cb",
		Vin: []struct {
			Txid     string   `json:"txid"`
			Vout     uint32   `json:"vout"`
			Sequence uint32   `json:"sequence"`
			Coinbase bool     `json:"is_coinbase"`
			Witness  []string `json:"witness"`
		}{
			{Coinbase: true, Sequence: 0xFFFFFFFF},
		},
		Size:   200,
		Weight: 800,
	}
	tx := convertEsploraTx(raw)
	require.True(t, tx.IsCoinbase())
	require.Equal(t, 0, tx.WitnessSize)
}

func TestFindDayRange(t *testing.T) {
	// Synthetic chain: one block every 10 minutes starting 2024-03-01 00:00.
	genesis := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	blockTime := func(_ context.Context, h int64) (int64, error) {
		return genesis.Add(time.Duration(h) * 10 * time.Minute).Unix(), nil
	}
	tip := int64(500) // ~3.5 days

	first, last, err := findDayRange(context.Background(), tip,
		time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC), blockTime)
	require.NoError(t, err)
	// Day 2 starts 24h in: block 144. Ends before block 288.
	require.Equal(t, int64(144), first)
	require.Equal(t, int64(287), last)

	_, _, err = findDayRange(context.Background(), tip,
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), blockTime)
	require.Error(t, err, "future date has no blocks")
}
