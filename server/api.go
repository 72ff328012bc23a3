package server

import (
	"encoding/base64"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/pipelines"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// B64 is the JSON encoding of a binary input value: {"b64": "<base64 bytes>"}.
type B64 struct {
	B64 string `json:"b64"`
}

// NewB64 encodes raw bytes as a binary input value.
func NewB64(data []byte) B64 {
	return B64{B64: base64.StdEncoding.EncodeToString(data)}
}

func (b B64) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b.B64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 value: %w", err)
	}
	return data, nil
}

// PredictRequest is the body of a predict call, in row ("instances") or columnar ("inputs") format.
type PredictRequest struct {
	SignatureName string                `json:"signature_name,omitempty"`
	Instances     []jsoniter.RawMessage `json:"instances,omitempty"`
	Inputs        jsoniter.RawMessage   `json:"inputs,omitempty"`
}

// PredictResponse carries "predictions" for row requests and "outputs" for columnar ones.
type PredictResponse struct {
	Predictions []pipelines.ImageClassificationRow `json:"predictions,omitempty"`
	Outputs     *ColumnarOutputs                   `json:"outputs,omitempty"`
}

type ColumnarOutputs struct {
	Classes       [][]int     `json:"classes"`
	Probabilities [][]float32 `json:"probabilities"`
	Labels        [][]string  `json:"labels,omitempty"`
}

// ImageClassificationOutput returns the response in the shape the pipelines produce.
func (r *PredictResponse) ImageClassificationOutput() *pipelines.ImageClassificationOutput {
	if r.Outputs != nil {
		return &pipelines.ImageClassificationOutput{
			Classes:       r.Outputs.Classes,
			Probabilities: r.Outputs.Probabilities,
			Labels:        r.Outputs.Labels,
		}
	}
	output := &pipelines.ImageClassificationOutput{
		Classes:       make([][]int, len(r.Predictions)),
		Probabilities: make([][]float32, len(r.Predictions)),
	}
	for i, p := range r.Predictions {
		output.Classes[i] = p.Classes
		output.Probabilities[i] = p.Probabilities
		if p.Labels != nil {
			if output.Labels == nil {
				output.Labels = make([][]string, len(r.Predictions))
			}
			output.Labels[i] = p.Labels
		}
	}
	return output
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ModelVersionStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Status  Status `json:"status"`
}

type Status struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type StatusResponse struct {
	ModelVersionStatus []ModelVersionStatus `json:"model_version_status"`
}

type ModelSpec struct {
	Name          string `json:"name"`
	SignatureName string `json:"signature_name"`
	Version       string `json:"version"`
}

type SignatureDefs struct {
	SignatureDef map[string]format.Signature `json:"signature_def"`
}

type Metadata struct {
	SignatureDef SignatureDefs `json:"signature_def"`
}

type MetadataResponse struct {
	ModelSpec ModelSpec `json:"model_spec"`
	Metadata  Metadata  `json:"metadata"`
}

// images extracts the encoded images of the request, and whether the request used the row format.
func (r *PredictRequest) images() ([][]byte, bool, error) {
	hasInputs := len(r.Inputs) > 0 && string(r.Inputs) != "null"
	switch {
	case len(r.Instances) > 0 && hasInputs:
		return nil, false, errors.New(`request must specify only one of "instances" or "inputs"`)
	case len(r.Instances) > 0:
		images := make([][]byte, len(r.Instances))
		for i, instance := range r.Instances {
			data, err := decodeInstance(instance)
			if err != nil {
				return nil, true, fmt.Errorf("instance %d: %w", i, err)
			}
			images[i] = data
		}
		return images, true, nil
	case hasInputs:
		values, err := decodeInputs(r.Inputs)
		if err != nil {
			return nil, false, err
		}
		images := make([][]byte, len(values))
		for i, v := range values {
			if images[i], err = v.Bytes(); err != nil {
				return nil, false, fmt.Errorf("input %d: %w", i, err)
			}
		}
		return images, false, nil
	default:
		return nil, false, errors.New(`request has neither "instances" nor "inputs"`)
	}
}

// decodeInstance accepts {"b64": ...} or {"images": {"b64": ...}}.
func decodeInstance(raw jsoniter.RawMessage) ([]byte, error) {
	var named map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf("instance must be an object: %w", err)
	}
	if inner, ok := named[format.InputKeyImages]; ok {
		raw = inner
	}
	var value B64
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	if value.B64 == "" {
		return nil, fmt.Errorf(`expected {"b64": ...} or {"%s": {"b64": ...}}`, format.InputKeyImages)
	}
	return value.Bytes()
}

// decodeInputs accepts {"images": [{"b64": ...}]} or a bare [{"b64": ...}] list.
func decodeInputs(raw jsoniter.RawMessage) ([]B64, error) {
	var values []B64
	if err := json.Unmarshal(raw, &values); err == nil {
		return values, nil
	}
	var named map[string][]B64
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf(`"inputs" must be a list of {"b64": ...} or an object keyed by input name: %w`, err)
	}
	values, ok := named[format.InputKeyImages]
	if !ok {
		return nil, fmt.Errorf(`"inputs" has no %q key`, format.InputKeyImages)
	}
	return values, nil
}
