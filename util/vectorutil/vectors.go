package vectorutil

import (
	"math"
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
)

// TopK returns the k largest scores together with their original indices, ordered from largest to smallest.
// Equal scores keep their input order, so the lower index is returned first. k larger than the input is
// clamped to len(scores); k <= 0 returns empty slices.
func TopK[T constraints.Float](scores []T, k int) ([]int, []T) {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return []int{}, []T{}
	}

	indices := make([]int, len(scores))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return greater(scores[indices[i]], scores[indices[j]])
	})

	classes := make([]int, k)
	probabilities := make([]T, k)
	for i := range k {
		classes[i] = indices[i]
		probabilities[i] = scores[indices[i]]
	}
	return classes, probabilities
}

// greater orders NaN after every number so that it never displaces a real score.
func greater[T constraints.Float](a, b T) bool {
	aNaN, bNaN := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	switch {
	case aNaN:
		return false
	case bNaN:
		return true
	default:
		return a > b
	}
}

// SoftMax take a vector and calculate softmax scores of its values.
func SoftMax[T constraints.Float](vector []T) []T {
	if len(vector) == 0 {
		return []T{}
	}
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
	}
	sumExp := Sum(shiftedExp)
	scores := make([]T, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = T(exp / sumExp)
	}
	return scores
}

func Sum[T constraints.Float](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}

// IsProbabilityDistribution reports whether every entry is within [0, 1] and the entries sum to 1 within tolerance.
func IsProbabilityDistribution[T constraints.Float](s []T, tolerance float64) bool {
	if len(s) == 0 {
		return false
	}
	for _, v := range s {
		if v < 0 || v > 1 {
			return false
		}
	}
	return math.Abs(float64(Sum(s))-1) <= tolerance
}
