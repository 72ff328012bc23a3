package format

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/servable/util/fileutil"
	"github.com/knights-analytics/servable/util/imageutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ManifestFilename = "servable.json"
	ModelFilename    = "model.onnx"
	FormatVersion    = 1
)

var (
	ErrVersionExists     = errors.New("servable version already exists")
	ErrNoVersions        = errors.New("no servable versions found")
	ErrSignatureNotFound = errors.New("signature not found")
	ErrInvalidManifest   = errors.New("invalid servable manifest")
)

// Preprocessing describes how encoded images are turned into the model input tensor.
type Preprocessing struct {
	InputTensor   string `json:"input_tensor,omitempty"`
	ResizeSize    int    `json:"resize_size"`
	ImageSize     int    `json:"image_size"`
	Normalization string `json:"normalization"`
	Layout        string `json:"layout"`
}

// Postprocessing describes how the model output tensor becomes classes and probabilities.
type Postprocessing struct {
	OutputTensor string `json:"output_tensor,omitempty"`
	Softmax      bool   `json:"softmax"`
	TopK         int    `json:"top_k"`
}

// Manifest is the servable.json document stored next to the model graph.
type Manifest struct {
	FormatVersion  int                  `json:"format_version"`
	Name           string               `json:"name,omitempty"`
	Version        int64                `json:"version"`
	ModelFile      string               `json:"model_file"`
	Signatures     map[string]Signature `json:"signatures"`
	Preprocessing  Preprocessing        `json:"preprocessing"`
	Postprocessing Postprocessing       `json:"postprocessing"`
	Labels         map[int]string       `json:"labels,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// DefaultPreprocessing matches the Keras ResNet50 input: shorter side to 256, 224x224 centre crop, caffe normalization.
func DefaultPreprocessing() Preprocessing {
	return Preprocessing{
		ResizeSize:    256,
		ImageSize:     224,
		Normalization: imageutil.NormalizationCaffe,
		Layout:        imageutil.LayoutNHWC,
	}
}

func DefaultPostprocessing() Postprocessing {
	return Postprocessing{TopK: 5}
}

// Signature returns the named signature, or the default one when name is empty.
func (m *Manifest) Signature(name string) (Signature, error) {
	if name == "" {
		name = DefaultSignatureName
	}
	s, ok := m.Signatures[name]
	if !ok {
		return Signature{}, fmt.Errorf("%w: %q (available: %v)", ErrSignatureNotFound, name, m.SignatureNames())
	}
	return s, nil
}

func (m *Manifest) SignatureNames() []string {
	names := make([]string, 0, len(m.Signatures))
	for name := range m.Signatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manifest) Validate() error {
	var errs []error
	if m.FormatVersion != FormatVersion {
		errs = append(errs, fmt.Errorf("unsupported format version %d", m.FormatVersion))
	}
	if m.Version < 1 {
		errs = append(errs, fmt.Errorf("version must be a positive integer, got %d", m.Version))
	}
	if m.ModelFile == "" {
		errs = append(errs, errors.New("model file is empty"))
	}
	if len(m.Signatures) == 0 {
		errs = append(errs, errors.New("no signatures"))
	}
	for name, s := range m.Signatures {
		if name != s.Name {
			errs = append(errs, fmt.Errorf("signature key %q does not match its name %q", name, s.Name))
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		} else if s.TopK() != m.Postprocessing.TopK {
			errs = append(errs, fmt.Errorf("signature %s has k=%d but postprocessing top_k=%d", name, s.TopK(), m.Postprocessing.TopK))
		}
	}
	if m.Preprocessing.ImageSize < 1 {
		errs = append(errs, fmt.Errorf("image size must be positive, got %d", m.Preprocessing.ImageSize))
	}
	if m.Preprocessing.ResizeSize != 0 && m.Preprocessing.ResizeSize < m.Preprocessing.ImageSize {
		errs = append(errs, fmt.Errorf("resize size %d is smaller than image size %d", m.Preprocessing.ResizeSize, m.Preprocessing.ImageSize))
	}
	if _, err := imageutil.NormalizationStepsByName(m.Preprocessing.Normalization); err != nil {
		errs = append(errs, err)
	}
	switch m.Preprocessing.Layout {
	case imageutil.LayoutNCHW, imageutil.LayoutNHWC:
	default:
		errs = append(errs, fmt.Errorf("unknown layout %q", m.Preprocessing.Layout))
	}
	if m.Postprocessing.TopK < 1 {
		errs = append(errs, fmt.Errorf("top_k must be at least 1, got %d", m.Postprocessing.TopK))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return nil
}

func ReadManifest(ctx context.Context, versionDir string) (*Manifest, error) {
	data, err := fileutil.ReadFileBytesContext(ctx, fileutil.PathJoinSafe(versionDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("reading manifest in %s: %w", versionDir, err)
	}
	manifest := &Manifest{}
	if err = json.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err = manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

func WriteManifest(ctx context.Context, versionDir string, manifest *Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileBytes(ctx, fileutil.PathJoinSafe(versionDir, ManifestFilename), data, "application/json")
}
