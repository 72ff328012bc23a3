package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInt64ToInt(t *testing.T) {
	assert.Equal(t, 0, Int64ToInt(-1))
	assert.Equal(t, 224, Int64ToInt(224))
	assert.Equal(t, math.MaxInt, Int64ToInt(math.MaxInt64))
}

func TestDurationRoundTrip(t *testing.T) {
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
	assert.Equal(t, time.Second, U64ToDuration(DurationToU64(time.Second)))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
}

func TestIntsToInt64s(t *testing.T) {
	assert.Equal(t, []int64{1, 3, 224, 224}, IntsToInt64s([]int{1, 3, 224, 224}))
}
