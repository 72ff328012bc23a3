//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/util/safeconv"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, s *options.Options) error {
	sessionOptions, ok := s.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return fmt.Errorf("ORT session options have not been initialised")
	}

	inputs, outputs, err := loadInputOutputMetaORTBytes(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        s.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func createImageTensorsORT(batch *PipelineBatch, model *Model, images [][]float32, imageShape []int) error {
	backing, shape, err := flattenImages(images, imageShape)
	if err != nil {
		return err
	}
	input, err := model.InputInfo()
	if err != nil {
		return err
	}
	if err = checkInputShape(input, shape); err != nil {
		return err
	}
	if len(model.InputsMeta) != 1 {
		return fmt.Errorf("image servables take exactly one graph input, model has %v", GetNames(model.InputsMeta))
	}

	imgTensor, err := ort.NewTensor(ort.NewShape(safeconv.IntsToInt64s(shape)...), backing)
	if err != nil {
		return err
	}

	batch.InputValues = []ort.Value{imgTensor}
	batch.DestroyInputs = func() error {
		return imgTensor.Destroy()
	}
	return nil
}

func runORTSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputs, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return fmt.Errorf("invalid input type %T for ORT session", batch.InputValues)
	}

	outputTensors := make([]ort.Value, len(p.Model.OutputsMeta))
	if err := p.Model.ORTModel.Session.Run(inputs, outputTensors); err != nil {
		return err
	}
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				_ = t.Destroy()
			}
		}
	}()

	var convErrs []error
	convertedOutput := make([]any, len(outputTensors))
	for i, t := range outputTensors {
		switch v := t.(type) {
		case *ort.Tensor[float32]:
			rows, err := ReshapeOutput(v.GetData(), batch.Size)
			convErrs = append(convErrs, err)
			convertedOutput[i] = rows
		default:
			convErrs = append(convErrs, fmt.Errorf("output %s has unsupported type %T", p.Model.OutputsMeta[i].Name, t))
		}
	}
	if err := errors.Join(convErrs...); err != nil {
		return err
	}
	batch.OutputValues = convertedOutput
	return nil
}
