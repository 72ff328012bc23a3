package backends

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/util/safeconv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model             *Model
	PipelineTimings   *timings
	PreprocessTimings *timings
	PipelineName      string
	Runtime           string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic dimensions are -1.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}

type PipelineMetadata struct {
	InputsInfo  []OutputInfo
	OutputsInfo []OutputInfo
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics         // Get the pipeline running statistics
	Validate() error                           // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata             // Return metadata information for the pipeline
	GetModel() *Model                          // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on image paths
}

type PipelineStatistics struct {
	PreprocessTotalTime      time.Duration
	PreprocessExecutionCount uint64
	PreprocessAvgQueryTime   time.Duration
	OnnxTotalTime            time.Duration
	OnnxExecutionCount       uint64
	OnnxAvgQueryTime         time.Duration
	TotalImages              uint64
}

func (p *PipelineStatistics) ComputePreprocessStatistics(timings *timings) {
	p.PreprocessTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.PreprocessExecutionCount = timings.NumCalls
	p.PreprocessAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (p *PipelineStatistics) ComputeOnnxStatistics(timings *timings) {
	p.OnnxTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.OnnxExecutionCount = timings.NumCalls
	p.OnnxAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

// Print writes the statistics to w as indented JSON.
func (p *PipelineStatistics) Print(w io.Writer) error {
	jsonData, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal pipeline statistics: %w", err)
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	// ServablePath is the version directory holding model.onnx and servable.json.
	ServablePath string
	Name         string
	Signature    string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls  uint64
	TotalNS   uint64
	NumImages uint64
}

func (t *timings) AddImages(n int) {
	atomic.AddUint64(&t.NumImages, uint64(max(n, 0)))
}

func (t *timings) Images() uint64 {
	return atomic.LoadUint64(&t.NumImages)
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
type PipelineBatch struct {
	InputValues   any
	DestroyInputs func() error
	// OutputValues holds one [][]float32 (batch x flattened features) per model output.
	OutputValues []any
	Size         int
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Size: size,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	switch p.Runtime {
	case options.BackendORT:
		return runORTSessionOnBatch(batch, p)
	case options.BackendGo:
		return runGoSessionOnBatch(batch, p)
	}
	return fmt.Errorf("runtime %s is not supported", p.Runtime)
}

// CreateImageTensors packs per-image tensors of identical shape into the batch input of the model.
func CreateImageTensors(batch *PipelineBatch, model *Model, images [][]float32, imageShape []int, runtime string) error {
	if len(images) == 0 {
		return fmt.Errorf("no preprocessed images provided")
	}
	switch runtime {
	case options.BackendORT:
		return createImageTensorsORT(batch, model, images, imageShape)
	case options.BackendGo:
		return createImageTensorsGo(batch, model, images, imageShape)
	default:
		return fmt.Errorf("runtime %s is not supported for image tensors", runtime)
	}
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	pipeline.PreprocessTimings = &timings{}
	return pipeline, nil
}

// AddTiming records one call of the given duration on t.
func AddTiming(t *timings, d time.Duration) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(d))
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case options.BackendORT:
		return createORTModelBackend(model, s)
	case options.BackendGo:
		return createGoModelBackend(model, s)
	}
	return fmt.Errorf("backend %q is not supported", s.Backend)
}
