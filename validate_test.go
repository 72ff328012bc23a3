package servable

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/servable/pipelines"
)

func TestValidate(t *testing.T) {
	config := ValidationConfig{Rows: 1, TopK: 5, NumClasses: 1001}
	valid := &pipelines.ImageClassificationOutput{
		Classes:       [][]int{{10, 5, 49, 2, 998}},
		Probabilities: [][]float32{{0.4, 0.3, 0.2, 0.05, 0.05}},
	}
	assert.NoError(t, Validate(valid, config))

	assert.Error(t, Validate(nil, config))

	tests := []struct {
		name   string
		output *pipelines.ImageClassificationOutput
		errMsg string
	}{
		{
			name: "wrong number of rows",
			output: &pipelines.ImageClassificationOutput{
				Classes:       [][]int{{1, 2, 3, 4, 5}, {1, 2, 3, 4, 5}},
				Probabilities: [][]float32{{0.5, 0.2, 0.1, 0.1, 0.1}, {0.5, 0.2, 0.1, 0.1, 0.1}},
			},
			errMsg: "expected 1",
		},
		{
			name: "wrong k",
			output: &pipelines.ImageClassificationOutput{
				Classes:       [][]int{{1, 2, 3}},
				Probabilities: [][]float32{{0.5, 0.2, 0.1}},
			},
			errMsg: "3 classes, expected 5",
		},
		{
			name: "class out of range",
			output: &pipelines.ImageClassificationOutput{
				Classes:       [][]int{{1001, 2, 3, 4, 5}},
				Probabilities: [][]float32{{0.5, 0.2, 0.1, 0.1, 0.1}},
			},
			errMsg: "outside [0, 1001)",
		},
		{
			name: "logits instead of probabilities",
			output: &pipelines.ImageClassificationOutput{
				Classes:       [][]int{{1, 2, 3, 4, 5}},
				Probabilities: [][]float32{{7.5, 0.2, 0.1, 0.1, -3}},
			},
			errMsg: "outside [0, 1]",
		},
		{
			name: "not descending",
			output: &pipelines.ImageClassificationOutput{
				Classes:       [][]int{{1, 2, 3, 4, 5}},
				Probabilities: [][]float32{{0.1, 0.5, 0.1, 0.1, 0.1}},
			},
			errMsg: "not descending",
		},
		{
			name: "nan",
			output: &pipelines.ImageClassificationOutput{
				Classes:       [][]int{{1, 2, 3, 4, 5}},
				Probabilities: [][]float32{{float32(math.NaN()), 0.2, 0.1, 0.1, 0.1}},
			},
			errMsg: "outside [0, 1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, Validate(tt.output, config), tt.errMsg)
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	output := &pipelines.ImageClassificationOutput{
		Classes:       [][]int{{-1, 2000}},
		Probabilities: [][]float32{{2, 3}},
	}
	err := Validate(output, ValidationConfig{Rows: 1, TopK: 2, NumClasses: 1001})
	require.Error(t, err)
	assert.ErrorContains(t, err, "class -1")
	assert.ErrorContains(t, err, "class 2000")
	assert.ErrorContains(t, err, "probability 2")
	assert.ErrorContains(t, err, "not descending")
}

func TestValidateServableMissingImage(t *testing.T) {
	session := newTestGoSession(t)
	_, err := ValidateServable(context.Background(), session, t.TempDir(), 0, "/does/not/exist.jpg")
	assert.Error(t, err)
}
