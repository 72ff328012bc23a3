package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/util/fileutil"
)

// Model is a servable version loaded into an inference runtime.
type Model struct {
	ID          string
	ORTModel    *ORTModel
	GoModel     *GoModel
	Destroy     func() error
	Pipelines   map[string]Pipeline
	IDLabelMap  map[int]string
	Manifest    *format.Manifest
	Path        string
	OnnxPath    string
	OnnxBytes   []byte
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
}

// LoadModel reads the manifest and graph of a servable version directory and creates the runtime session for it.
func LoadModel(ctx context.Context, versionDir string, opts *options.Options) (*Model, error) {
	manifest, err := format.ReadManifest(ctx, versionDir)
	if err != nil {
		return nil, err
	}
	model := &Model{
		ID:         fmt.Sprintf("%s:%d", versionDir, manifest.Version),
		Path:       versionDir,
		OnnxPath:   fileutil.PathJoinSafe(versionDir, manifest.ModelFile),
		Pipelines:  map[string]Pipeline{},
		IDLabelMap: manifest.Labels,
		Manifest:   manifest,
	}
	model.OnnxBytes, err = fileutil.ReadFileBytesContext(ctx, model.OnnxPath)
	if err != nil {
		return nil, fmt.Errorf("reading model graph: %w", err)
	}
	if err = CreateModelBackend(model, opts); err != nil {
		return nil, fmt.Errorf("creating %s session for %s: %w", opts.Backend, versionDir, err)
	}
	// the session keeps its own copy of the graph
	model.OnnxBytes = nil

	model.Destroy = func() error {
		var destroyErr error
		if model.ORTModel != nil {
			destroyErr = errors.Join(destroyErr, model.ORTModel.Destroy())
			model.ORTModel = nil
		}
		if model.GoModel != nil {
			destroyErr = errors.Join(destroyErr, model.GoModel.Destroy())
			model.GoModel = nil
		}
		return destroyErr
	}
	return model, nil
}

// InputInfo returns the graph input that receives images, as named in the manifest or the first one.
func (m *Model) InputInfo() (InputOutputInfo, error) {
	return findInfo(m.InputsMeta, m.Manifest.Preprocessing.InputTensor, "input")
}

// OutputInfo returns the graph output holding class scores, as named in the manifest or the first one.
func (m *Model) OutputInfo() (InputOutputInfo, int, error) {
	info, err := findInfo(m.OutputsMeta, m.Manifest.Postprocessing.OutputTensor, "output")
	if err != nil {
		return info, 0, err
	}
	for i, o := range m.OutputsMeta {
		if o.Name == info.Name {
			return info, i, nil
		}
	}
	return info, 0, nil
}

func findInfo(infos []InputOutputInfo, name, kind string) (InputOutputInfo, error) {
	if len(infos) == 0 {
		return InputOutputInfo{}, fmt.Errorf("model has no %ss", kind)
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return InputOutputInfo{}, fmt.Errorf("%s %q not found in model (have %v)", kind, name, GetNames(infos))
}

// ReshapeOutput splits a flat output buffer into one row per batch entry, flattening any trailing dimensions.
func ReshapeOutput[T float32 | int64 | int32](input []T, batchSize int) ([][]T, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(input)%batchSize != 0 {
		return nil, fmt.Errorf("output of length %d cannot be split into %d rows", len(input), batchSize)
	}
	dimension := len(input) / batchSize
	output := make([][]T, batchSize)
	for batchIndex := range batchSize {
		row := make([]T, dimension)
		copy(row, input[batchIndex*dimension:(batchIndex+1)*dimension])
		output[batchIndex] = row
	}
	return output, nil
}

// flattenImages concatenates per-image tensors into one batch buffer and returns the batch shape.
func flattenImages(images [][]float32, imageShape []int) ([]float32, []int, error) {
	perImage := 1
	for _, d := range imageShape {
		perImage *= d
	}
	backing := make([]float32, 0, perImage*len(images))
	for i, img := range images {
		if len(img) != perImage {
			return nil, nil, fmt.Errorf("image %d has %d values, expected %d for shape %v", i, len(img), perImage, imageShape)
		}
		backing = append(backing, img...)
	}
	shape := append([]int{len(images)}, imageShape...)
	return backing, shape, nil
}

// checkInputShape verifies that the batch shape agrees with every static dimension of the graph input.
func checkInputShape(meta InputOutputInfo, shape []int) error {
	if len(meta.Dimensions) != len(shape) {
		return fmt.Errorf("input %s expects %d dimensions, got %d", meta.Name, len(meta.Dimensions), len(shape))
	}
	for i, d := range meta.Dimensions {
		if d > 0 && int(d) != shape[i] {
			return fmt.Errorf("input %s expects shape %v, got %v", meta.Name, meta.Dimensions, shape)
		}
	}
	return nil
}
