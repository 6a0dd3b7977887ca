package engine

import (
	"math"
	"sort"
)

// roundUSDTargets are the dollar amounts whose on-chain imprint the
// convergence stage reads. Ordered ascending; candidate generation iterates
// them in this order for every output, so candidate order is a pure function
// of input order.
var roundUSDTargets = []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000}

// pctRangeWide is the relative tolerance around each round USD target within
// which an output is taken as an intraday price observation. Empirically
// tuned; a change here must be validated against reference outputs.
const pctRangeWide = 0.25

// minCandidates is the floor below which a fallback-anchored convergence is
// not trusted.
const minCandidates = 50

// trim percentiles for outlier rejection, applied in log-price space.
const (
	trimLoPct = 0.02
	trimHiPct = 0.98
)

// generateCandidates emits an implied price u/amount for every (output,
// target) pair whose USD value at the rough price is within pctRangeWide of
// the target. candidateOutputs counts outputs that produced at least one
// candidate.
func generateCandidates(outputs []float64, priceRough float64) (candidates []float64, candidateOutputs int) {
	for _, a := range outputs {
		usd := a * priceRough
		hit := false
		for _, u := range roundUSDTargets {
			if math.Abs(usd-u) <= pctRangeWide*u {
				candidates = append(candidates, u/a)
				hit = true
			}
		}
		if hit {
			candidateOutputs++
		}
	}
	return candidates, candidateOutputs
}

// geometricMedian trims candidates at the 2nd/98th percentile in log space
// and returns the exponentiated mean of the remaining logs, plus the
// interquartile range of the full candidate set in log10 units. Candidates
// inside the trim band are taken in insertion order, which fixes the result
// for equal values at the band edges.
func geometricMedian(candidates []float64) (price float64, iqr float64, kept int) {
	if len(candidates) == 0 {
		return 0, 0, 0
	}

	logs := make([]float64, len(candidates))
	for i, c := range candidates {
		logs[i] = math.Log10(c)
	}
	sorted := append([]float64(nil), logs...)
	sort.Float64s(sorted)

	lo := sorted[percentileIndex(len(sorted), trimLoPct)]
	hi := sorted[percentileIndex(len(sorted), trimHiPct)]
	iqr = sorted[percentileIndex(len(sorted), 0.75)] - sorted[percentileIndex(len(sorted), 0.25)]

	var sum float64
	for _, l := range logs {
		if l < lo || l > hi {
			continue
		}
		sum += l
		kept++
	}
	if kept == 0 {
		return 0, iqr, 0
	}
	return math.Pow(10, sum/float64(kept)), iqr, kept
}

func percentileIndex(n int, pct float64) int {
	idx := int(math.Floor(pct * float64(n-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// computeConfidence folds candidate yield, log-space concentration, and
// absolute count into [0, 1]. Saturates with ~1000 candidates and a tight
// interquartile range.
func computeConfidence(candidates, candidateOutputs, totalOutputs int, iqr float64) float64 {
	if candidates == 0 || totalOutputs == 0 {
		return 0
	}
	countFactor := math.Min(1, float64(candidates)/1000.0)
	concentration := 1.0 / (1.0 + 10.0*iqr)
	yield := math.Min(1, 4.0*float64(candidateOutputs)/float64(totalOutputs))

	c := 0.5*countFactor + 0.3*concentration + 0.2*yield
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
