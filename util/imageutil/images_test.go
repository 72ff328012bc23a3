package imageutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	data := encodePNG(t, solidImage(4, 2, color.RGBA{R: 255, A: 255}))
	img, format, err := DecodeImage(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 4, img.Bounds().Dx())

	_, _, err = DecodeImage(nil)
	assert.Error(t, err)
	_, _, err = DecodeImage([]byte("not an image"))
	assert.Error(t, err)

	_, err = DecodeImages([][]byte{data, []byte("garbage")})
	assert.ErrorContains(t, err, "image 1")
}

func TestLoadImagesFromPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cat.jpg")
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, solidImage(8, 8, color.White), nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	images, err := LoadImagesFromPaths([]string{path, path})
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestResizeAndCrop(t *testing.T) {
	img := solidImage(400, 300, color.White)

	resized, err := ResizeStep(256).Apply(img)
	require.NoError(t, err)
	assert.Equal(t, 256, resized.Bounds().Dy())
	assert.Equal(t, 341, resized.Bounds().Dx())

	cropped, err := CenterCropStep(224, 224).Apply(resized)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 224, 224), cropped.Bounds())

	_, err = CenterCropStep(500, 500).Apply(resized)
	assert.Error(t, err)

	_, err = ResizeStep(0).Apply(img)
	assert.Error(t, err)
}

func TestNormalizationSteps(t *testing.T) {
	r, g, b := RescaleStep().Apply(255, 0, 51)
	assert.InDelta(t, 1.0, r, 1e-6)
	assert.InDelta(t, 0.0, g, 1e-6)
	assert.InDelta(t, 0.2, b, 1e-6)

	// caffe mode swaps to BGR before centring
	r, g, b = CaffeNormalizationStep().Apply(123.68, 116.779, 103.939)
	assert.InDelta(t, 0, r, 1e-4)
	assert.InDelta(t, 0, g, 1e-4)
	assert.InDelta(t, 0, b, 1e-4)
	first, _, third := CaffeNormalizationStep().Apply(200, 0, 0)
	assert.InDelta(t, -103.939, first, 1e-4)
	assert.InDelta(t, 200-123.68, third, 1e-4)

	r, _, _ = SignedRescaleStep().Apply(0, 0, 0)
	assert.InDelta(t, -1, r, 1e-6)

	steps, err := NormalizationStepsByName(NormalizationImagenet)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	steps, err = NormalizationStepsByName("")
	require.NoError(t, err)
	assert.Empty(t, steps)
	_, err = NormalizationStepsByName("bogus")
	assert.Error(t, err)
}

func TestToTensorLayouts(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	img.Set(1, 0, color.RGBA{R: 0, G: 0, B: 255, A: 255})

	chw, shape, err := ToTensor(img, nil, []NormalizationStep{RescaleStep()}, LayoutNCHW)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, shape)
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0, 0, 1}, chw, 1e-6)

	hwc, shape, err := ToTensor(img, nil, []NormalizationStep{RescaleStep()}, LayoutNHWC)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, shape)
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0, 0, 1}, hwc, 1e-6)

	_, _, err = ToTensor(img, []PreprocessStep{CenterCropStep(5, 5)}, nil, LayoutNCHW)
	assert.Error(t, err)
}
