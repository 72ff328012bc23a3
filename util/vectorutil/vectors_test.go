package vectorutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// imagenetScores mimics a 1001-way classifier output where five classes stand out.
func imagenetScores() []float32 {
	scores := make([]float32, 1001)
	for i := range scores {
		scores[i] = 1
	}
	scores[10] = 4
	scores[5] = 3.5
	scores[49] = 3
	scores[2] = 2.5
	scores[998] = 2
	total := Sum(scores)
	for i := range scores {
		scores[i] /= total
	}
	return scores
}

func TestTopKImagenet(t *testing.T) {
	scores := imagenetScores()
	classes, probabilities := TopK(scores, 5)

	assert.Equal(t, []int{10, 5, 49, 2, 998}, classes)
	require.Len(t, probabilities, 5)
	for i := 1; i < len(probabilities); i++ {
		assert.Greater(t, probabilities[i-1], probabilities[i])
	}
	for i, class := range classes {
		assert.Equal(t, scores[class], probabilities[i])
	}
	assert.LessOrEqual(t, probabilities[0], float32(1))
	assert.GreaterOrEqual(t, probabilities[0], float32(1.0/1001))
}

func TestTopKLengthAlwaysK(t *testing.T) {
	scores := imagenetScores()
	for k := 1; k <= 20; k++ {
		classes, probabilities := TopK(scores, k)
		assert.Len(t, classes, k)
		assert.Len(t, probabilities, k)
	}
}

func TestTopKIdempotent(t *testing.T) {
	scores := imagenetScores()
	classesA, probabilitiesA := TopK(scores, 5)
	classesB, probabilitiesB := TopK(scores, 5)
	assert.Equal(t, classesA, classesB)
	assert.Equal(t, probabilitiesA, probabilitiesB)
}

func TestTopKDoesNotMutateInput(t *testing.T) {
	scores := []float64{0.1, 0.7, 0.2}
	_, _ = TopK(scores, 2)
	assert.Equal(t, []float64{0.1, 0.7, 0.2}, scores)
}

func TestTopKTiesPreferLowerIndex(t *testing.T) {
	classes, probabilities := TopK([]float32{0.2, 0.3, 0.2, 0.3}, 3)
	assert.Equal(t, []int{1, 3, 0}, classes)
	assert.Equal(t, []float32{0.3, 0.3, 0.2}, probabilities)
}

func TestTopKEdgeCases(t *testing.T) {
	classes, probabilities := TopK([]float32{0.5, 0.25}, 10)
	assert.Equal(t, []int{0, 1}, classes)
	assert.Equal(t, []float32{0.5, 0.25}, probabilities)

	classes, probabilities = TopK([]float32{0.5}, 0)
	assert.Empty(t, classes)
	assert.Empty(t, probabilities)

	classes, _ = TopK([]float64{math.NaN(), 0.1, 0.2}, 2)
	assert.Equal(t, []int{2, 1}, classes)
}

func TestSoftMax(t *testing.T) {
	scores := SoftMax([]float32{1, 2, 3})
	assert.True(t, IsProbabilityDistribution(scores, 1e-5))
	classes, _ := TopK(scores, 3)
	assert.Equal(t, []int{2, 1, 0}, classes)
	assert.Empty(t, SoftMax([]float32{}))
}

func TestIsProbabilityDistribution(t *testing.T) {
	assert.True(t, IsProbabilityDistribution(imagenetScores(), 1e-4))
	assert.False(t, IsProbabilityDistribution([]float32{0.5, 0.6}, 1e-4))
	assert.False(t, IsProbabilityDistribution([]float32{-0.5, 1.5}, 1e-4))
	assert.False(t, IsProbabilityDistribution([]float32{}, 1e-4))
}
