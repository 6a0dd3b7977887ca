package engine

import (
	"math"
	"sort"
)

// The stencil is the log-space imprint that round USD amounts leave in the
// BTC histogram at an unknown exchange rate. It is a constant of the
// algorithm: sliding it across the histogram and maximizing the correlation
// recovers the offset, and therefore the rate, at which the round-dollar
// structure lines up.
const (
	// StencilLen spans $10..$1000 fully (plus clipped wings) around the $100
	// anchor at StencilCenter.
	StencilLen    = 411
	StencilCenter = 205

	// stencilSigma is the bump width in bins. Payments cluster within a few
	// percent of their round target, which in this grid is a handful of bins.
	stencilSigma = 6.0

	// anchorUSD is the dollar amount aligned with StencilCenter.
	anchorUSD = 100.0
)

// stencilWeights maps each round USD amount to its relative prominence in
// real output distributions. $100 is the reference; weights fall off toward
// very small and very large denominations. Empirically tuned; changing them
// requires re-validation against historical dates.
var stencilWeights = map[float64]float64{
	1: 0.4, 2: 0.3, 5: 0.6,
	10: 0.7, 20: 0.8, 50: 0.9, 100: 1.0,
	200: 0.9, 500: 0.8, 1000: 0.7,
	2000: 0.4, 5000: 0.3, 10000: 0.2,
}

// Stencil is generated once at init and never mutated.
var Stencil = buildStencil()

func buildStencil() []float64 {
	// Accumulate in ascending USD order so the float summation order, and
	// therefore the vector, is bit-identical across builds.
	amounts := make([]float64, 0, len(stencilWeights))
	for usd := range stencilWeights {
		amounts = append(amounts, usd)
	}
	sort.Float64s(amounts)

	w := make([]float64, StencilLen)
	for _, usd := range amounts {
		weight := stencilWeights[usd]
		center := float64(StencilCenter) + BinsPerDecade*math.Log10(usd/anchorUSD)
		// Bumps for amounts outside the window still contribute their clipped
		// tails at the edges.
		for j := 0; j < StencilLen; j++ {
			d := (float64(j) - center) / stencilSigma
			w[j] += weight * math.Exp(-0.5*d*d)
		}
	}
	return w
}

// minStencilSignal is the minimum peak correlation for the rough price to be
// trusted. Below it the engine falls back to FallbackPriceUSD.
const minStencilSignal = 20.0

// FallbackPriceUSD anchors candidate generation when stencil correlation is
// too weak to locate the round-dollar imprint. Literal constant from the
// reference algorithm; downstream sanity bounds assume it. Do not change
// without recalibrating MinPriceUSD/MaxPriceUSD.
const FallbackPriceUSD = 100_000.0

// convolve slides the stencil across the histogram and returns the offset
// with the highest correlation, the correlation value, and whether the signal
// cleared the minimum threshold. Ties are broken by the lower offset: the
// scan ascends and only a strictly greater score displaces the incumbent.
func convolve(h []float64) (bestK int, bestScore float64, ok bool) {
	bestK = -1
	for k := 0; k+StencilLen <= len(h); k++ {
		var score float64
		for j, w := range Stencil {
			if hv := h[k+j]; hv != 0 {
				score += hv * w
			}
		}
		if score > bestScore {
			bestScore = score
			bestK = k
		}
	}
	return bestK, bestScore, bestK >= 0 && bestScore >= minStencilSignal
}

// priceForOffset converts a stencil offset into a BTC/USD price: the center
// of the stencil at offset k sits on the bin whose BTC amount equals
// anchorUSD at the implied rate.
func priceForOffset(k int) float64 {
	return anchorUSD / AmountForBin(k+StencilCenter)
}
