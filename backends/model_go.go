package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/servable/options"
)

// GoModel runs the graph with the pure Go gonnx interpreter.
type GoModel struct {
	Model *gonnx.Model
	// slots bounds concurrent runs; gonnx graphs are not safe for unbounded parallel use.
	slots   chan struct{}
	Destroy func() error
}

func createGoModelBackend(model *Model, s *options.Options) error {
	goModel, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	inputs, outputs := loadInputOutputMetaGo(goModel)

	concurrency := 1
	if s.GoOptions != nil && s.GoOptions.MaxConcurrentRuns > 0 {
		concurrency = s.GoOptions.MaxConcurrentRuns
	}
	model.GoModel = &GoModel{
		Model: goModel,
		slots: make(chan struct{}, concurrency),
		Destroy: func() error {
			return nil
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicDimension(y.Size)
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicDimension(y.Size)
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

// dynamicDimension maps the zero size gonnx reports for symbolic dimensions to -1.
func dynamicDimension(size int64) int64 {
	if size <= 0 {
		return -1
	}
	return size
}

func createImageTensorsGo(batch *PipelineBatch, model *Model, images [][]float32, imageShape []int) error {
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
	batch.InputValues = map[string]tensor.Tensor{
		input.Name: tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(shape...),
			tensor.WithBacking(backing),
		),
	}
	return nil
}

func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	goModel := p.Model.GoModel
	if goModel == nil {
		return fmt.Errorf("go session is not initialized")
	}
	inputs, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return fmt.Errorf("invalid input type %T for go session", batch.InputValues)
	}

	goModel.slots <- struct{}{}
	results, err := goModel.Model.Run(inputs)
	<-goModel.slots
	if err != nil {
		return err
	}

	converted := make([]any, len(p.Model.OutputsMeta))
	for i, meta := range p.Model.OutputsMeta {
		result, found := results[meta.Name]
		if !found {
			return fmt.Errorf("output %s missing from go session results", meta.Name)
		}
		data, isFloat := result.Data().([]float32)
		if !isFloat {
			return fmt.Errorf("output %s has unsupported type %T", meta.Name, result.Data())
		}
		rows, reshapeErr := ReshapeOutput(data, batch.Size)
		if reshapeErr != nil {
			return fmt.Errorf("output %s: %w", meta.Name, reshapeErr)
		}
		converted[i] = rows
	}
	batch.OutputValues = converted
	return nil
}
