package engine

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// paymentTx builds a 2-output payment-shaped transaction that passes every
// structural gate.
func paymentTx(txid string, payBTC, changeBTC float64) models.Transaction {
	return models.Transaction{
		Txid:   txid,
		Inputs: []models.TxIn{{Txid: "prev_" + txid, Vout: 0, Sequence: 0xFFFFFFFF}},
		Outputs: []models.TxOut{
			{ValueBTC: payBTC, ScriptType: "witness_v0_keyhash"},
			{ValueBTC: changeBTC, ScriptType: "witness_v0_keyhash"},
		},
		Weight:      800,
		Vsize:       200,
		WitnessSize: 100,
	}
}

// syntheticDay generates a deterministic batch whose round-USD outputs imply
// the given BTC/USD price. Jitter is index-derived so runs are identical.
func syntheticDay(priceUSD float64, perTarget int) []models.Transaction {
	targets := []float64{5, 10, 20, 50, 100, 200, 500, 1000}
	var txs []models.Transaction
	n := 0
	for _, u := range targets {
		for i := 0; i < perTarget; i++ {
			jitter := 1 + 0.002*float64(i%7-3)
			pay := u / priceUSD * jitter
			change := 3000 / priceUSD * (1 + 0.01*float64(i%11))
			txs = append(txs, paymentTx(fmt.Sprintf("tx%06d", n), pay, change))
			n++
		}
	}
	return txs
}

func TestComputeRecoversSyntheticPrice(t *testing.T) {
	const want = 110_537.0
	txs := syntheticDay(want, 200)

	res := Compute(txs)
	require.NotNil(t, res.PriceUSD, "diagnostics: %+v", res.Diagnostics)

	relErr := math.Abs(*res.PriceUSD-want) / want
	if relErr > 0.01 {
		t.Fatalf("price = %.2f, want within 1%% of %.2f (err %.4f)", *res.PriceUSD, want, relErr)
	}
	if res.Confidence < 0.8 {
		t.Fatalf("confidence = %.3f, want >= 0.8", res.Confidence)
	}
	require.False(t, res.SanityFail())
}

func TestComputeDeterminism(t *testing.T) {
	txs := syntheticDay(87_000, 50)
	a := Compute(txs)
	b := Compute(txs)

	require.Equal(t, a.TxCount, b.TxCount)
	require.Equal(t, a.OutputCount, b.OutputCount)
	require.Equal(t, a.Confidence, b.Confidence)
	require.NotNil(t, a.PriceUSD)
	require.NotNil(t, b.PriceUSD)
	if *a.PriceUSD != *b.PriceUSD {
		t.Fatalf("non-deterministic price: %v vs %v", *a.PriceUSD, *b.PriceUSD)
	}
}

func TestComputeEmptyInput(t *testing.T) {
	res := Compute(nil)
	require.Nil(t, res.PriceUSD)
	require.Equal(t, 0.0, res.Confidence)
	require.Equal(t, 0, res.TxCount)
	require.Equal(t, 0, res.OutputCount)
}

func TestComputeAllCoinbase(t *testing.T) {
	txs := make([]models.Transaction, 100)
	for i := range txs {
		txs[i] = models.Transaction{
			Txid:   fmt.Sprintf("cb%03d", i),
			Inputs: []models.TxIn{{Txid: "", Sequence: 0xFFFFFFFF}},
			Outputs: []models.TxOut{
				{ValueBTC: 3.125, ScriptType: "witness_v0_keyhash"},
				{ValueBTC: 0.05, ScriptType: "witness_v0_keyhash"},
			},
		}
	}
	res := Compute(txs)
	require.Nil(t, res.PriceUSD)
	require.Equal(t, 0.0, res.Confidence)
	require.Equal(t, 0, res.OutputCount)
}

func TestSameDayFilterOrdering(t *testing.T) {
	a := paymentTx("aaaa", 0.001234, 0.04567)
	b := paymentTx("bbbb", 0.002345, 0.05678)
	// B spends A's output.
	b.Inputs = []models.TxIn{{Txid: "aaaa", Vout: 0, Sequence: 0xFFFFFFFF}}

	var stats FilterStats
	kept := filterTransactions([]models.Transaction{a, b}, &stats)
	require.Len(t, kept, 1, "B spends A after A was seen: only A survives")
	require.Equal(t, "aaaa", kept[0].Txid)
	require.Equal(t, 1, stats.RejectSameDay)

	// Reversed order: when B is evaluated A is not yet in the set, so both
	// survive. This ordering dependence is pinned deliberately.
	stats = FilterStats{}
	kept = filterTransactions([]models.Transaction{b, a}, &stats)
	require.Len(t, kept, 2)
	require.Equal(t, 0, stats.RejectSameDay)
}

func TestFilterGates(t *testing.T) {
	manyInputs := paymentTx("many", 0.001, 0.002)
	for i := 0; i < 6; i++ {
		manyInputs.Inputs = append(manyInputs.Inputs, models.TxIn{Txid: fmt.Sprintf("p%d", i), Sequence: 0xFFFFFFFF})
	}

	threeOut := paymentTx("three", 0.001, 0.002)
	threeOut.Outputs = append(threeOut.Outputs, models.TxOut{ValueBTC: 0.003, ScriptType: "witness_v0_keyhash"})

	opRet := paymentTx("opret", 0.001, 0.002)
	opRet.Outputs[1].ScriptType = "nulldata"

	inscription := paymentTx("inscr", 0.001, 0.002)
	inscription.Weight = 400_000
	inscription.WitnessSize = 99_000

	tests := []struct {
		name string
		tx   models.Transaction
		kept bool
	}{
		{"clean payment", paymentTx("ok", 0.001234, 0.04), true},
		{"more than 5 inputs", manyInputs, false},
		{"three outputs", threeOut, false},
		{"op_return output", opRet, false},
		{"witness dominated", inscription, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stats FilterStats
			kept := filterTransactions([]models.Transaction{tt.tx}, &stats)
			if (len(kept) == 1) != tt.kept {
				t.Errorf("kept = %d, want kept=%v (stats %+v)", len(kept), tt.kept, stats)
			}
		})
	}
}

func TestOutputRangeFilter(t *testing.T) {
	txs := []models.Transaction{
		paymentTx("dust", 1e-5, 5e-6),     // both at/below floor
		paymentTx("huge", 1e5, 2e5),       // both at/above ceiling
		paymentTx("mixed", 1e-6, 0.01234), // one survivor
	}
	var stats FilterStats
	kept := filterTransactions(txs, &stats)
	outs := survivingOutputs(kept)
	require.Equal(t, 3, stats.Passed)
	require.Equal(t, []float64{0.01234}, outs)
}

func TestRoundBTCSuppression(t *testing.T) {
	h := make([]float64, NumBins)
	bin := BinIndex(0.01)
	for i := 0; i < 10_000; i++ {
		h[bin]++
	}
	suppressRoundBTC(h)
	if h[bin] != 0 {
		t.Fatalf("bin for 0.01 BTC = %v after suppression, want 0", h[bin])
	}
}

func TestRoundBTCSuppressionProcessesAllIntervals(t *testing.T) {
	h := make([]float64, NumBins)
	for _, r := range roundBTCAmounts {
		h[BinIndex(r)] = 100
	}
	suppressRoundBTC(h)
	for _, r := range roundBTCAmounts {
		if h[BinIndex(r)] != 0 {
			t.Errorf("round amount %v not suppressed", r)
		}
	}
}

func TestBinIndexContract(t *testing.T) {
	tests := []struct {
		amount float64
		want   int
	}{
		{1e-6, 0},
		{1.0, 1200},
		{0.01, 800},
		{123.45, 1618},
		{0, -1},
		{-1, -1},
		{1e7, -1},
	}
	for _, tt := range tests {
		if got := BinIndex(tt.amount); got != tt.want {
			t.Errorf("BinIndex(%v) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestConfidenceBounds(t *testing.T) {
	tests := []struct {
		name                            string
		candidates, candOuts, totalOuts int
		iqr                             float64
	}{
		{"zero candidates", 0, 0, 100, 0},
		{"saturating", 5000, 400, 800, 0.001},
		{"sparse wide", 10, 5, 10_000, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := computeConfidence(tt.candidates, tt.candOuts, tt.totalOuts, tt.iqr)
			if c < 0 || c > 1 {
				t.Fatalf("confidence %v out of [0,1]", c)
			}
		})
	}
}

func TestSanityFlagOutsideBand(t *testing.T) {
	// Outputs imply ~$600k/BTC, outside the sane band: value returned,
	// sanity_fail flagged.
	res := Compute(syntheticDay(600_000, 200))
	require.NotNil(t, res.PriceUSD)
	require.True(t, res.SanityFail())
	if *res.PriceUSD < 500_000 {
		t.Fatalf("expected out-of-band price, got %v", *res.PriceUSD)
	}
}

func TestStencilIsStable(t *testing.T) {
	require.Len(t, Stencil, StencilLen)
	a := buildStencil()
	b := buildStencil()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("stencil differs at %d", i)
		}
	}
	// Center bump dominates: $100 carries the highest weight.
	max := 0.0
	maxIdx := 0
	for i, w := range Stencil {
		if w > max {
			max, maxIdx = w, i
		}
	}
	if maxIdx < StencilCenter-2 || maxIdx > StencilCenter+2 {
		t.Fatalf("stencil peak at %d, want near %d", maxIdx, StencilCenter)
	}
}
