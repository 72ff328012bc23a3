package pipelines

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/servable/backends"
	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/util/imageutil"
	"github.com/knights-analytics/servable/util/vectorutil"
)

// ImageClassificationPipeline serves the predict signature of an exported servable.
// It takes encoded images (bytes, decoded images or file paths) and returns the top-k
// classes and probabilities for each one.
type ImageClassificationPipeline struct {
	*backends.BasePipeline
	Signature          format.Signature
	TopK               int
	Softmax            bool
	IDLabelMap         map[int]string
	imageFormat        string
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
	outputIndex        int
	logitsWarning      sync.Once
}

// ImageClassificationRow holds the predictions for a single image, best first.
type ImageClassificationRow struct {
	Classes       []int     `json:"classes"`
	Probabilities []float32 `json:"probabilities"`
	Labels        []string  `json:"labels,omitempty"`
}

// ImageClassificationOutput is columnar: one row per image, k columns per row.
type ImageClassificationOutput struct {
	Classes       [][]int
	Probabilities [][]float32
	Labels        [][]string
}

func (o *ImageClassificationOutput) Rows() []ImageClassificationRow {
	rows := make([]ImageClassificationRow, len(o.Classes))
	for i := range o.Classes {
		rows[i] = ImageClassificationRow{
			Classes:       o.Classes[i],
			Probabilities: o.Probabilities[i],
		}
		if o.Labels != nil {
			rows[i].Labels = o.Labels[i]
		}
	}
	return rows
}

func (o *ImageClassificationOutput) GetOutput() []any {
	rows := o.Rows()
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = any(row)
	}
	return out
}

// WithTopK sets the number of top classifications to return.
func WithTopK(topK int) backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.TopK = topK
		return nil
	}
}

// WithSoftmax applies a softmax to the model output before top-k selection,
// for graphs that end in logits.
func WithSoftmax(enable bool) backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.Softmax = enable
		return nil
	}
}

// NewImageClassificationPipeline initializes an image classification pipeline from the servable manifest of model.
// Options override what the manifest describes.
func NewImageClassificationPipeline(config backends.PipelineConfig[*ImageClassificationPipeline], s *options.Options, model *backends.Model) (*ImageClassificationPipeline, error) {
	if model.Manifest == nil {
		return nil, errors.New("model has no servable manifest")
	}
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	signature, err := model.Manifest.Signature(config.Signature)
	if err != nil {
		return nil, err
	}

	pipeline := &ImageClassificationPipeline{
		BasePipeline: defaultPipeline,
		Signature:    signature,
		TopK:         signature.TopK(),
		Softmax:      model.Manifest.Postprocessing.Softmax,
		IDLabelMap:   model.IDLabelMap,
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	if err = pipeline.applyManifestDefaults(model.Manifest.Preprocessing); err != nil {
		return nil, err
	}
	_, pipeline.outputIndex, err = model.OutputInfo()
	if err != nil {
		return nil, err
	}

	// validate pipeline
	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// applyManifestDefaults fills in whatever preprocessing the options left unset.
func (p *ImageClassificationPipeline) applyManifestDefaults(pre format.Preprocessing) error {
	if len(p.preprocessSteps) == 0 {
		if pre.ResizeSize > 0 {
			p.preprocessSteps = append(p.preprocessSteps, imageutil.ResizeStep(pre.ResizeSize))
		} else {
			p.preprocessSteps = append(p.preprocessSteps, imageutil.ResizeStep(pre.ImageSize))
		}
		p.preprocessSteps = append(p.preprocessSteps, imageutil.CenterCropStep(pre.ImageSize, pre.ImageSize))
	}
	if len(p.normalizationSteps) == 0 {
		steps, err := imageutil.NormalizationStepsByName(pre.Normalization)
		if err != nil {
			return err
		}
		p.normalizationSteps = steps
	}
	if p.imageFormat == "" {
		p.imageFormat = pre.Layout
	}
	if p.imageFormat == "" {
		p.imageFormat = imageutil.LayoutNHWC
	}
	return nil
}

// INTERFACE IMPLEMENTATIONS

func (p *ImageClassificationPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

func (p *ImageClassificationPipeline) GetMetadata() backends.PipelineMetadata {
	metadata := backends.PipelineMetadata{}
	for _, input := range p.Model.InputsMeta {
		metadata.InputsInfo = append(metadata.InputsInfo, backends.OutputInfo{
			Name:       input.Name,
			Dimensions: input.Dimensions,
		})
	}
	for _, output := range p.Model.OutputsMeta {
		metadata.OutputsInfo = append(metadata.OutputsInfo, backends.OutputInfo{
			Name:       output.Name,
			Dimensions: output.Dimensions,
		})
	}
	return metadata
}

func (p *ImageClassificationPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	statistics.ComputePreprocessStatistics(p.PreprocessTimings)
	statistics.ComputeOnnxStatistics(p.PipelineTimings)
	statistics.TotalImages = p.PreprocessTimings.Images()
	return statistics
}

func (p *ImageClassificationPipeline) Validate() error {
	var validationErrors []error

	input, err := p.Model.InputInfo()
	if err != nil {
		validationErrors = append(validationErrors, err)
	} else {
		dims := []int64(input.Dimensions)
		if len(dims) != 4 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, image), got %d", input.Name, len(dims)))
		} else {
			channels := dims[1]
			if p.imageFormat == imageutil.LayoutNHWC {
				channels = dims[3]
			}
			if channels > 0 && channels != 3 {
				validationErrors = append(validationErrors, fmt.Errorf("input %s: shape %v does not have 3 channels in %s layout", input.Name, input.Dimensions, p.imageFormat))
			}
		}
	}

	output, _, err := p.Model.OutputInfo()
	if err != nil {
		validationErrors = append(validationErrors, err)
	} else {
		dims := []int64(output.Dimensions)
		if len(dims) != 2 {
			validationErrors = append(validationErrors, fmt.Errorf("output %s: expected 2 dimensions (batch, classes), got %d", output.Name, len(dims)))
		} else if dims[1] > 0 && int64(p.TopK) > dims[1] {
			validationErrors = append(validationErrors, fmt.Errorf("top k %d exceeds the %d classes of output %s", p.TopK, dims[1], output.Name))
		}
	}

	if p.TopK < 1 {
		validationErrors = append(validationErrors, fmt.Errorf("top k must be at least 1, got %d", p.TopK))
	}
	switch p.imageFormat {
	case imageutil.LayoutNCHW, imageutil.LayoutNHWC:
	default:
		validationErrors = append(validationErrors, fmt.Errorf("unknown image format %q", p.imageFormat))
	}
	return errors.Join(validationErrors...)
}

// Preprocess turns decoded images into the batch input tensor.
func (p *ImageClassificationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	start := time.Now()
	preprocessed, imageShape, err := p.preprocessImages(inputs)
	if err != nil {
		return fmt.Errorf("failed to preprocess images: %w", err)
	}
	if err = backends.CreateImageTensors(batch, p.Model, preprocessed, imageShape, p.Runtime); err != nil {
		return err
	}
	backends.AddTiming(p.PreprocessTimings, time.Since(start))
	p.PreprocessTimings.AddImages(len(inputs))
	return nil
}

func (p *ImageClassificationPipeline) preprocessImages(images []image.Image) ([][]float32, []int, error) {
	tensors := make([][]float32, len(images))
	var imageShape []int
	for i, img := range images {
		data, shape, err := imageutil.ToTensor(img, p.preprocessSteps, p.normalizationSteps, p.imageFormat)
		if err != nil {
			return nil, nil, fmt.Errorf("image %d: %w", i, err)
		}
		if imageShape == nil {
			imageShape = shape
		} else if !equalShapes(imageShape, shape) {
			return nil, nil, fmt.Errorf("image %d has shape %v, expected %v for the batch", i, shape, imageShape)
		}
		tensors[i] = data
	}
	return tensors, imageShape, nil
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Forward runs inference.
func (p *ImageClassificationPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	backends.AddTiming(p.PipelineTimings, time.Since(start))
	return nil
}

// Postprocess selects the top-k classes of each output row.
func (p *ImageClassificationPipeline) Postprocess(batch *backends.PipelineBatch) (*ImageClassificationOutput, error) {
	if p.outputIndex >= len(batch.OutputValues) {
		return nil, fmt.Errorf("batch has %d outputs, expected output %d", len(batch.OutputValues), p.outputIndex)
	}
	output := batch.OutputValues[p.outputIndex]
	scores, ok := output.([][]float32)
	if !ok {
		return nil, fmt.Errorf("output type %T is not supported", output)
	}
	if len(scores) != batch.Size {
		return nil, fmt.Errorf("model returned %d rows for %d images", len(scores), batch.Size)
	}

	result := &ImageClassificationOutput{
		Classes:       make([][]int, len(scores)),
		Probabilities: make([][]float32, len(scores)),
	}
	if p.IDLabelMap != nil {
		result.Labels = make([][]string, len(scores))
	}
	for i, row := range scores {
		if len(row) < p.TopK {
			return nil, fmt.Errorf("model returned %d classes for image %d, fewer than top k %d", len(row), i, p.TopK)
		}
		if p.Softmax {
			row = vectorutil.SoftMax(row)
		} else if !vectorutil.IsProbabilityDistribution(row, 1e-3) {
			p.logitsWarning.Do(func() {
				log.Warn().Str("pipeline", p.PipelineName).Msg("model output is not a probability distribution, the servable may need softmax enabled")
			})
		}
		classes, probabilities := vectorutil.TopK(row, p.TopK)
		result.Classes[i] = classes
		result.Probabilities[i] = probabilities
		if p.IDLabelMap != nil {
			result.Labels[i] = p.labelsFor(classes)
		}
	}
	return result, nil
}

func (p *ImageClassificationPipeline) labelsFor(classes []int) []string {
	labels := make([]string, len(classes))
	for i, c := range classes {
		label, ok := p.IDLabelMap[c]
		if !ok {
			label = fmt.Sprintf("class_%d", c)
		}
		labels[i] = label
	}
	return labels
}

// Run runs the pipeline on a batch of image file paths.
func (p *ImageClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type.
func (p *ImageClassificationPipeline) RunPipeline(inputs []string) (*ImageClassificationOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

// RunWithBytes runs the pipeline on encoded images, the payload of the images signature input.
func (p *ImageClassificationPipeline) RunWithBytes(inputs [][]byte) (*ImageClassificationOutput, error) {
	images, err := imageutil.DecodeImages(inputs)
	if err != nil {
		return nil, err
	}
	return p.RunWithImages(images)
}

func (p *ImageClassificationPipeline) RunWithImages(inputs []image.Image) (output *ImageClassificationOutput, err error) {
	if len(inputs) == 0 {
		return nil, errors.New("no images provided")
	}
	batch := backends.NewBatch(len(inputs))
	defer func(*backends.PipelineBatch) {
		err = errors.Join(err, batch.Destroy())
	}(batch)

	if err = p.Preprocess(batch, inputs); err != nil {
		return nil, err
	}
	if err = p.Forward(batch); err != nil {
		return nil, err
	}
	return p.Postprocess(batch)
}
