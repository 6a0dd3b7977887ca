package engine

import "math"

// The bin grid is part of the algorithm's contract: 200 logarithmic bins per
// decade over [1e-6, 1e6] BTC, 2400 bins plus a sentinel. Bin indices must be
// stable across processes.
const (
	BinsPerDecade = 200
	MinExponent   = -6
	MaxExponent   = 6
	NumBins       = BinsPerDecade*(MaxExponent-MinExponent) + 1
)

// BinIndex maps a BTC amount onto the log grid. Returns -1 for amounts that
// fall outside the grid (including zero and negatives).
func BinIndex(amountBTC float64) int {
	if amountBTC <= 0 {
		return -1
	}
	idx := int(math.Floor(BinsPerDecade * (math.Log10(amountBTC) - MinExponent)))
	if idx < 0 || idx >= NumBins {
		return -1
	}
	return idx
}

// AmountForBin returns the BTC amount at the lower edge of bin i.
func AmountForBin(i int) float64 {
	return math.Pow(10, float64(i)/BinsPerDecade+MinExponent)
}

// roundBTCAmounts are common round BTC denominations whose histogram mass is
// overwhelmingly non-economic (consolidation, batching, test payments) and
// must not be mistaken for round-USD structure.
var roundBTCAmounts = []float64{
	0.0001, 0.0005, 0.001, 0.002, 0.005,
	0.01, 0.02, 0.025, 0.05,
	0.1, 0.2, 0.25, 0.5, 1.0,
}

// epsilonMicro is the relative half-width of each suppression interval.
const epsilonMicro = 0.005

// suppressRoundBTC zeroes the histogram inside every interval
// [r*(1-eps), r*(1+eps)] for each round BTC amount r. Every interval is
// processed; in log space an amount can sit near several round values, so an
// early exit after the first match loses intervals at decade edges.
func suppressRoundBTC(h []float64) int {
	zeroed := 0
	for _, r := range roundBTCAmounts {
		lo := BinIndex(r * (1 - epsilonMicro))
		hi := BinIndex(r * (1 + epsilonMicro))
		if lo < 0 {
			lo = 0
		}
		if hi < 0 || hi >= len(h) {
			hi = len(h) - 1
		}
		for i := lo; i <= hi; i++ {
			if h[i] != 0 {
				h[i] = 0
				zeroed++
			}
		}
	}
	return zeroed
}

// suppressRoundUSD zeroes bins whose implied USD value at the given rough
// price sits within epsilonMicro of a round-dollar target. Applied once a
// rough price is known, over the same histogram.
func suppressRoundUSD(h []float64, priceRough float64) int {
	if priceRough <= 0 {
		return 0
	}
	zeroed := 0
	for _, u := range roundUSDTargets {
		btc := u / priceRough
		lo := BinIndex(btc * (1 - epsilonMicro))
		hi := BinIndex(btc * (1 + epsilonMicro))
		if lo < 0 && hi < 0 {
			continue
		}
		if lo < 0 {
			lo = 0
		}
		if hi < 0 || hi >= len(h) {
			hi = len(h) - 1
		}
		for i := lo; i <= hi; i++ {
			if h[i] != 0 {
				h[i] = 0
				zeroed++
			}
		}
	}
	return zeroed
}
