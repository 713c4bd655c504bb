// Package stats provides the pure statistical primitives behind entity
// risk scoring: population standard deviation, bounded normalization,
// directional bias, and variance-shift detection.
//
// Everything here is stateless and side-effect free.
package stats

import "math"

// Tuning caps. These are empirically chosen saturation points, not derived
// values: a "practically large" swing clamps to 1.0 instead of growing
// without bound.
const (
	DefaultVolatilityCap    = 50.0
	DefaultDriftCap         = 25.0
	DefaultVarianceShiftCap = 30.0

	// VarianceShiftMinSamples is the minimum number of score-delta samples
	// before a variance shift is computable: two adjacent sub-windows of
	// varianceShiftSubWindow each.
	VarianceShiftMinSamples = 20

	varianceShiftSubWindow = 10
)

// StdDev returns the population standard deviation of values.
// Fewer than 2 samples returns 0, never NaN: a single data point
// must not signal volatility.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// Normalize maps raw into [0, 1] against cap: min(1, raw/cap), clamped at 0.
func Normalize(raw, cap float64) float64 {
	if cap <= 0 || raw <= 0 {
		return 0
	}
	n := raw / cap
	if n > 1 {
		return 1
	}
	return n
}

// DirectionalBias returns the magnitude of the mean signed delta, normalized
// against cap. It captures systematic one-way drift (persistent score
// erosion) as distinct from pure variance: a window of +5/-5 swings has high
// StdDev but zero bias.
func DirectionalBias(deltas []float64, cap float64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	var sum float64
	for _, d := range deltas {
		sum += d
	}
	mean := sum / float64(len(deltas))
	return Normalize(math.Abs(mean), cap)
}

// VarianceShift compares the standard deviation of the most recent 10 deltas
// against the prior 10, returning the normalized absolute difference. It is a
// regime-change detector, not a trend detector: it fires when the character
// of movement changes, regardless of direction.
//
// ok is false with fewer than VarianceShiftMinSamples samples.
func VarianceShift(deltas []float64, cap float64) (shift float64, ok bool) {
	if len(deltas) < VarianceShiftMinSamples {
		return 0, false
	}

	recent := deltas[len(deltas)-varianceShiftSubWindow:]
	prior := deltas[len(deltas)-2*varianceShiftSubWindow : len(deltas)-varianceShiftSubWindow]

	diff := math.Abs(StdDev(recent) - StdDev(prior))
	return Normalize(diff, cap), true
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
