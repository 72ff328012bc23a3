package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	// registered decoders for servable inputs
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/knights-analytics/servable/util/fileutil"
)

// Tensor layouts supported by the image pipelines.
const (
	LayoutNCHW = "NCHW"
	LayoutNHWC = "NHWC"
)

// Normalization modes understood by NormalizationStepsByName.
const (
	NormalizationNone     = "none"
	NormalizationRescale  = "rescale"
	NormalizationImagenet = "imagenet"
	NormalizationCaffe    = "caffe"
	NormalizationTF       = "tf"
)

// DecodeImage decodes a JPEG, PNG or GIF encoded buffer.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image buffer")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return img, format, nil
}

func DecodeImages(buffers [][]byte) ([]image.Image, error) {
	images := make([]image.Image, 0, len(buffers))
	for i, b := range buffers {
		img, _, err := DecodeImage(b)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, _, err := DecodeImage(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// ResizePreprocessor scales the shorter side of an image to targetSize, keeping the aspect ratio.
type ResizePreprocessor struct {
	targetSize int
}

func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.targetSize <= 0 {
		return nil, fmt.Errorf("resize target must be positive, got %d", s.targetSize)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot resize empty image")
	}
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3), nil
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() < s.targetWidth || bounds.Dy() < s.targetHeight {
		return nil, fmt.Errorf("cannot crop %dx%d image to %dx%d", bounds.Dx(), bounds.Dy(), s.targetWidth, s.targetHeight)
	}
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	dst := image.NewRGBA(image.Rect(0, 0, s.targetWidth, s.targetHeight))
	draw.Draw(dst, dst.Bounds(), img, image.Point{X: x0, Y: y0}, draw.Src)
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

// ImagenetPixelNormalizationStep expects values already rescaled to [0, 1].
func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: [3]float32{0.485, 0.456, 0.406},
		std:  [3]float32{0.229, 0.224, 0.225},
	}
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// CaffePreprocessor reorders channels to BGR and subtracts the ImageNet BGR means, without scaling.
// This is the input convention of the Keras ResNet50 weights.
type CaffePreprocessor struct{}

func (s *CaffePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return b - 103.939, g - 116.779, r - 123.68
}

func CaffeNormalizationStep() *CaffePreprocessor {
	return &CaffePreprocessor{}
}

// SignedRescalePreprocessor maps [0, 255] to [-1, 1].
type SignedRescalePreprocessor struct{}

func (s *SignedRescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return r/127.5 - 1, g/127.5 - 1, b/127.5 - 1
}

func SignedRescaleStep() *SignedRescalePreprocessor {
	return &SignedRescalePreprocessor{}
}

// NormalizationStepsByName returns the chain of steps for a named normalization mode.
func NormalizationStepsByName(name string) ([]NormalizationStep, error) {
	switch name {
	case "", NormalizationNone:
		return nil, nil
	case NormalizationRescale:
		return []NormalizationStep{RescaleStep()}, nil
	case NormalizationImagenet:
		return []NormalizationStep{RescaleStep(), ImagenetPixelNormalizationStep()}, nil
	case NormalizationCaffe:
		return []NormalizationStep{CaffeNormalizationStep()}, nil
	case NormalizationTF:
		return []NormalizationStep{SignedRescaleStep()}, nil
	default:
		return nil, fmt.Errorf("unknown normalization %q", name)
	}
}

// ToTensor applies the preprocessing steps to img and returns a flat float32 tensor for a single image,
// along with its [channels, height, width] (NCHW) or [height, width, channels] (NHWC) shape.
func ToTensor(img image.Image, preprocessSteps []PreprocessStep, normalizationSteps []NormalizationStep, layout string) ([]float32, []int, error) {
	processed := img
	for _, step := range preprocessSteps {
		var err error
		processed, err = step.Apply(processed)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
		}
	}

	const c = 3
	bounds := processed.Bounds()
	hh, ww := bounds.Dy(), bounds.Dx()
	plane := hh * ww
	data := make([]float32, c*plane)

	for y := range hh {
		for x := range ww {
			r, g, b, _ := processed.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range normalizationSteps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			switch layout {
			case LayoutNHWC:
				base := (y*ww + x) * c
				data[base] = rf
				data[base+1] = gf
				data[base+2] = bf
			default:
				pixel := y*ww + x
				data[pixel] = rf
				data[plane+pixel] = gf
				data[2*plane+pixel] = bf
			}
		}
	}

	if layout == LayoutNHWC {
		return data, []int{hh, ww, c}, nil
	}
	return data, []int{c, hh, ww}, nil
}
