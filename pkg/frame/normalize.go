package frame

import (
	"math"
	"sort"
)

// normEpsilon guards divisions when an array's spread collapses to zero.
const normEpsilon = 1e-8

// percentileNormalize clamps values to the array's own [pLow, pHigh]
// percentile range and rescales linearly to [0, 1].
//
// The extreme tails are clamped rather than discarded, so outliers stay
// visible at 0 or 1 while the bulk of the distribution gets the full range
// regardless of its shape. This generalizes across concentrated, heavy-
// tailed, and near-normal distributions.
func percentileNormalize(x []float32, pLow, pHigh float64) []float32 {
	out := make([]float32, len(x))
	if len(x) == 0 {
		return out
	}

	lo := percentile(x, pLow)
	hi := percentile(x, pHigh)
	scale := hi - lo + normEpsilon

	for i, v := range x {
		n := (float64(v) - lo) / scale
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out[i] = float32(n)
	}
	return out
}

// percentile computes the p-th percentile (0..100) with linear
// interpolation between closest ranks.
func percentile(x []float32, p float64) float64 {
	sorted := make([]float64, len(x))
	for i, v := range x {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// zscoreNormalize subtracts the array's mean and divides by its standard
// deviation. Values are left unbounded. A zero-spread array normalizes to
// all zeros.
func zscoreNormalize(x []float32) []float32 {
	out := make([]float32, len(x))
	if len(x) == 0 {
		return out
	}

	mean := 0.0
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(len(x))

	variance := 0.0
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(x))
	std := math.Sqrt(variance)
	if std < normEpsilon {
		return out
	}

	for i, v := range x {
		out[i] = float32((float64(v) - mean) / std)
	}
	return out
}
