// Package format describes the on-disk layout of a servable: a root directory holding one
// numbered sub-directory per exported version, each with the model graph and a servable.json
// manifest that carries the prediction signatures.
package format

import (
	"errors"
	"fmt"
)

const (
	DefaultSignatureName = "serving_default"
	PredictMethodName    = "tensorflow/serving/predict"

	InputKeyImages         = "images"
	OutputKeyClasses       = "classes"
	OutputKeyProbabilities = "probabilities"

	DTypeString  = "DT_STRING"
	DTypeInt64   = "DT_INT64"
	DTypeFloat32 = "DT_FLOAT"
)

// TensorInfo describes one logical input or output of a signature. A dimension of -1 is dynamic.
type TensorInfo struct {
	DType string  `json:"dtype"`
	Shape []int64 `json:"tensor_shape"`
}

// Signature maps logical keys to the tensors a runtime exposes for prediction.
type Signature struct {
	Name       string                `json:"name"`
	MethodName string                `json:"method_name"`
	Inputs     map[string]TensorInfo `json:"inputs"`
	Outputs    map[string]TensorInfo `json:"outputs"`
}

// NewPredictSignature builds the image classification signature: a batch of encoded images in,
// topK class ids and probabilities out, one row per image.
func NewPredictSignature(name string, topK int) Signature {
	if name == "" {
		name = DefaultSignatureName
	}
	k := int64(topK)
	return Signature{
		Name:       name,
		MethodName: PredictMethodName,
		Inputs: map[string]TensorInfo{
			InputKeyImages: {DType: DTypeString, Shape: []int64{-1}},
		},
		Outputs: map[string]TensorInfo{
			OutputKeyClasses:       {DType: DTypeInt64, Shape: []int64{-1, k}},
			OutputKeyProbabilities: {DType: DTypeFloat32, Shape: []int64{-1, k}},
		},
	}
}

// TopK returns the number of columns of the classes output.
func (s Signature) TopK() int {
	info, ok := s.Outputs[OutputKeyClasses]
	if !ok || len(info.Shape) != 2 {
		return 0
	}
	return int(info.Shape[1])
}

func (s Signature) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("signature name is empty"))
	}
	input, ok := s.Inputs[InputKeyImages]
	if !ok {
		errs = append(errs, fmt.Errorf("signature %s: missing input %q", s.Name, InputKeyImages))
	} else if input.DType != DTypeString {
		errs = append(errs, fmt.Errorf("signature %s: input %q must be %s, got %s", s.Name, InputKeyImages, DTypeString, input.DType))
	}
	for _, key := range []string{OutputKeyClasses, OutputKeyProbabilities} {
		info, found := s.Outputs[key]
		if !found {
			errs = append(errs, fmt.Errorf("signature %s: missing output %q", s.Name, key))
			continue
		}
		if len(info.Shape) != 2 || info.Shape[1] < 1 {
			errs = append(errs, fmt.Errorf("signature %s: output %q must have shape [-1, k] with k >= 1, got %v", s.Name, key, info.Shape))
		}
	}
	if len(errs) == 0 && s.Outputs[OutputKeyClasses].Shape[1] != s.Outputs[OutputKeyProbabilities].Shape[1] {
		errs = append(errs, fmt.Errorf("signature %s: classes and probabilities disagree on k", s.Name))
	}
	return errors.Join(errs...)
}
