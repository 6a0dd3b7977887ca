// Package engine implements exchange-free BTC/USD price discovery over a
// batch of Bitcoin transactions: payment-shaped transactions are filtered
// into a logarithmic output histogram, round-BTC noise is suppressed, a
// round-USD stencil convolution locates a rough exchange rate, and intraday
// candidates converge on a final price via a trimmed geometric median.
//
// Compute is pure CPU, deterministic for a given input order, and never
// returns an error: bad inputs surface through diagnostics and a nil price.
package engine

import (
	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// Sanity band for a computed price. Values outside it are returned but
// flagged so the orchestrator records the sample as invalid.
const (
	MinSanePriceUSD = 10_000.0
	MaxSanePriceUSD = 500_000.0
)

// Compute derives a consensus BTC/USD price from the given transactions.
// Same multiset in the same order yields a bit-identical result.
func Compute(txs []models.Transaction) models.PriceResult {
	diag := map[string]interface{}{"sanity_fail": false}

	var stats FilterStats
	kept := filterTransactions(txs, &stats)
	outputs := survivingOutputs(kept)
	diag["filter"] = stats

	result := models.PriceResult{
		TxCount:     stats.Passed,
		OutputCount: len(outputs),
		Diagnostics: diag,
	}
	if stats.Passed == 0 || len(outputs) == 0 {
		return result
	}

	h := make([]float64, NumBins)
	for _, a := range outputs {
		if i := BinIndex(a); i >= 0 {
			h[i]++
		}
	}
	diag["suppressed_round_btc"] = suppressRoundBTC(h)

	k, score, signalOK := convolve(h)
	priceRough := FallbackPriceUSD
	if signalOK {
		priceRough = priceForOffset(k)
	}
	diag["stencil_offset"] = k
	diag["stencil_score"] = score
	diag["stencil_signal_ok"] = signalOK
	diag["price_rough"] = priceRough

	// Wide round-dollar suppression once a rough rate is known; keeps the
	// histogram reusable for diagnostics without the dollar spikes.
	diag["suppressed_round_usd"] = suppressRoundUSD(h, priceRough)

	candidates, candidateOutputs := generateCandidates(outputs, priceRough)
	diag["candidates"] = len(candidates)
	diag["candidate_outputs"] = candidateOutputs

	// A weak stencil plus a thin candidate set means the fallback anchor is
	// carrying the whole computation. Refuse to guess.
	if !signalOK && len(candidates) < minCandidates {
		return result
	}

	price, iqr, keptCandidates := geometricMedian(candidates)
	diag["log_iqr"] = iqr
	diag["trimmed_candidates"] = keptCandidates
	if keptCandidates == 0 {
		return result
	}

	if price < MinSanePriceUSD || price > MaxSanePriceUSD {
		diag["sanity_fail"] = true
	}

	result.PriceUSD = &price
	result.Confidence = computeConfidence(len(candidates), candidateOutputs, len(outputs), iqr)
	return result
}
