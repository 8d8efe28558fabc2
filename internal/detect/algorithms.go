// Package detect implements the detect algorithms and the trigger window
// evaluator. Algorithms are pure numeric kernels; the detector composes them
// per strategy and reports a single verdict per event.
package detect

import (
	"math"
	"sort"

	"github.com/kestrelmon/kestrel-go/internal/faults"
)

// NormalizeValue converts a value in the given unit to its base unit:
// core-fractions for CPU, bytes for sizes. Percent and unknown units pass
// through unchanged.
func NormalizeValue(value float64, unit string) float64 {
	switch unit {
	case "", "percent", "cores", "bytes":
		return value
	case "millicores":
		return value / 1000
	case "kb":
		return value * 1024
	case "mb":
		return value * 1024 * 1024
	case "gb":
		return value * 1024 * 1024 * 1024
	default:
		return value
	}
}

// Compare applies a threshold operator. NaN on either side never matches.
func Compare(sample float64, op string, bound float64) (bool, error) {
	if math.IsNaN(sample) || math.IsNaN(bound) {
		return false, nil
	}
	switch op {
	case "gt":
		return sample > bound, nil
	case "gte":
		return sample >= bound, nil
	case "lt":
		return sample < bound, nil
	case "lte":
		return sample <= bound, nil
	case "eq":
		return sample == bound, nil
	case "neq":
		return sample != bound, nil
	default:
		return false, faults.New(faults.KindInvariant, "unknown threshold operator %s", op)
	}
}

// RatioChange returns the percent change of current against base. A zero
// base yields +Inf for growth and 0 for no change, so configured ratio
// bounds still behave.
func RatioChange(current, base float64) float64 {
	if base == 0 {
		if current == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (current - base) / math.Abs(base) * 100
}

// Percentile computes the p-th percentile (0..100) of samples using linear
// interpolation over the sorted values. It returns NaN for an empty input.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
