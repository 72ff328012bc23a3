package main

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/pipelines"
	"github.com/knights-analytics/servable/server"
	"github.com/knights-analytics/servable/util/imageutil"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	app := newApp()
	app.Writer = out
	err := app.RunContext(context.Background(), append([]string{"servable"}, args...))
	return out.String(), err
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestParseRoots(t *testing.T) {
	roots, err := parseRoots([]string{"resnet=/srv/models/resnet50", "/srv/models/inception/"})
	require.NoError(t, err)
	assert.Equal(t, []servableRoot{
		{name: "resnet", path: "/srv/models/resnet50"},
		{name: "inception", path: "/srv/models/inception/"},
	}, roots)

	_, err = parseRoots([]string{"resnet=/a", "resnet=/b"})
	assert.ErrorContains(t, err, "more than once")
	_, err = parseRoots([]string{"=/a"})
	assert.ErrorContains(t, err, "invalid servable root")
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeFile(t, filepath.Join(dir, "resnet50.onnx"), []byte("onnx bytes"))
	labelsPath := writeFile(t, filepath.Join(dir, "labels.txt"), []byte("tench\ngoldfish\n"))
	root := filepath.Join(dir, "servables", "resnet")

	out, err := runApp(t, "export", "--model", modelPath, "--output", root, "--labels", labelsPath, "--topK", "2")
	require.NoError(t, err)
	assert.Equal(t, format.VersionPath(root, 1), strings.TrimSpace(out))

	manifest, err := format.ReadManifest(context.Background(), format.VersionPath(root, 1))
	require.NoError(t, err)
	signature, err := manifest.Signature("")
	require.NoError(t, err)
	assert.Equal(t, 2, signature.TopK())
	assert.Equal(t, map[int]string{0: "tench", 1: "goldfish"}, manifest.Labels)

	out, err = runApp(t, "export", "--model", modelPath, "--output", root, "--layout", "NCHW", "--normalization", "imagenet")
	require.NoError(t, err)
	assert.Equal(t, format.VersionPath(root, 2), strings.TrimSpace(out))

	_, err = runApp(t, "export", "--model", modelPath, "--output", root, "--version", "1")
	assert.ErrorIs(t, err, format.ErrVersionExists)

	_, err = runApp(t, "export", "--model", modelPath, "--output", root, "--normalization", "sepia")
	assert.Error(t, err)
}

type staticPredictor struct{}

func (staticPredictor) RunWithImages(images []image.Image) (*pipelines.ImageClassificationOutput, error) {
	output := &pipelines.ImageClassificationOutput{}
	for range images {
		output.Classes = append(output.Classes, []int{7, 3})
		output.Probabilities = append(output.Probabilities, []float32{0.7, 0.2})
	}
	return output, nil
}

func TestValidateCommandRemote(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "4"), 0o755))
	registry := server.NewRegistry(func(_ context.Context, _ string, version int64) (*server.Servable, func() error, error) {
		manifest := &format.Manifest{
			FormatVersion: format.FormatVersion,
			Version:       version,
			ModelFile:     format.ModelFilename,
			Signatures:    map[string]format.Signature{format.DefaultSignatureName: format.NewPredictSignature("", 2)},
		}
		return &server.Servable{Version: version, Manifest: manifest, Predictor: staticPredictor{}}, func() error { return nil }, nil
	})
	require.NoError(t, registry.Add(context.Background(), "resnet", root))
	httpServer := httptest.NewServer(server.New(registry).Handler())
	defer httpServer.Close()
	defer func() {
		assert.NoError(t, registry.Close())
	}()

	imagePath := writeFile(t, filepath.Join(t.TempDir(), "cat.png"), pngBytes(t, color.White))
	out, err := runApp(t, "validate", "--url", httpServer.URL, "--model", "resnet", "--image", imagePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"classes":[7,3],"probabilities":[0.7,0.2]}`, out)

	_, err = runApp(t, "validate", "--url", httpServer.URL, "--model", "resnet", "--version", "3", "--image", imagePath)
	assert.ErrorContains(t, err, "404")
}

func TestValidateCommandArguments(t *testing.T) {
	_, err := runApp(t, "validate", "--image", "cat.jpg")
	assert.ErrorContains(t, err, "one of --servable or --url")
	_, err = runApp(t, "validate", "--image", "cat.jpg", "--servable", "/tmp/a", "--url", "http://localhost:8501")
	assert.ErrorContains(t, err, "not both")
	_, err = runApp(t, "validate", "--image", "cat.jpg", "--url", "http://localhost:8501")
	assert.ErrorContains(t, err, "--model is required")
}

// decodingPredictor fails a batch when any of its images cannot be decoded.
type decodingPredictor struct {
	calls atomic.Int32
}

func (p *decodingPredictor) RunWithBytes(inputs [][]byte) (*pipelines.ImageClassificationOutput, error) {
	p.calls.Add(1)
	images, err := imageutil.DecodeImages(inputs)
	if err != nil {
		return nil, err
	}
	return staticPredictor{}.RunWithImages(images)
}

func TestPredictImagesFromFolder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.png"), pngBytes(t, color.White))
	writeFile(t, filepath.Join(dir, "nested", "b.png"), pngBytes(t, color.Black))
	writeFile(t, filepath.Join(dir, "nested", "broken.png"), []byte("not a png"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("ignored"))

	predictor := &decodingPredictor{}
	out := &bytes.Buffer{}
	require.NoError(t, predictImages(context.Background(), predictor, dir, nil, out, 3, 1))

	lines := map[string]predictionLine{}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := predictionLine{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines[filepath.Base(line.Input)] = line
	}
	require.Len(t, lines, 3)
	assert.Equal(t, []int{7, 3}, lines["a.png"].Output.Classes)
	assert.Equal(t, []int{7, 3}, lines["b.png"].Output.Classes)
	assert.Nil(t, lines["broken.png"].Output)
	assert.NotEmpty(t, lines["broken.png"].Error)
	// one failed batch of three, then one call per image
	assert.Equal(t, int32(4), predictor.calls.Load())
}

func TestPredictImagesFromPathList(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, filepath.Join(dir, "first.png"), pngBytes(t, color.White))
	second := writeFile(t, filepath.Join(dir, "second.png"), pngBytes(t, color.Black))

	out := &bytes.Buffer{}
	source := strings.NewReader(first + "\n\n" + second)
	require.NoError(t, predictImages(context.Background(), &decodingPredictor{}, "", source, out, 1, 2))
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "first.png")
	assert.Contains(t, out.String(), "second.png")

	err := predictImages(context.Background(), &decodingPredictor{}, "", nil, out, 1, 1)
	assert.ErrorContains(t, err, "no input")
}

func TestPredictImagesUnreadablePath(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, filepath.Join(dir, "first.png"), pngBytes(t, color.White))
	missing := filepath.Join(dir, "missing.png")

	predictor := &decodingPredictor{}
	out := &bytes.Buffer{}
	source := strings.NewReader(first + "\n" + missing + "\n")
	require.NoError(t, predictImages(context.Background(), predictor, "", source, out, 2, 1))

	lines := map[string]predictionLine{}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := predictionLine{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines[line.Input] = line
	}
	require.Len(t, lines, 2)
	assert.Equal(t, []int{7, 3}, lines[first].Output.Classes)
	assert.Nil(t, lines[missing].Output)
	assert.NotEmpty(t, lines[missing].Error)
	// only the readable image reaches the model
	assert.Equal(t, int32(1), predictor.calls.Load())
}

func TestConcurrencyOptions(t *testing.T) {
	backend = options.BackendGo
	opts, err := concurrencyOptions(0)
	require.NoError(t, err)
	assert.Empty(t, opts)

	opts, err = concurrencyOptions(4)
	require.NoError(t, err)
	session, err := newSession(opts...)
	require.NoError(t, err)
	assert.NoError(t, session.Destroy())

	backend = options.BackendORT
	defer func() {
		backend = options.BackendGo
	}()
	_, err = concurrencyOptions(4)
	assert.ErrorContains(t, err, "only supported by the GO backend")
}

func TestPredictImagesSingleFile(t *testing.T) {
	imagePath := writeFile(t, filepath.Join(t.TempDir(), "cat.png"), pngBytes(t, color.White))
	out := &bytes.Buffer{}
	require.NoError(t, predictImages(context.Background(), &decodingPredictor{}, imagePath, nil, out, 4, 1))
	line := predictionLine{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &line))
	assert.Equal(t, imagePath, line.Input)
	assert.Equal(t, []float32{0.7, 0.2}, line.Output.Probabilities)
}

func TestNewSessionUnknownBackend(t *testing.T) {
	backend = "XLA"
	defer func() {
		backend = "GO"
	}()
	_, err := newSession()
	assert.ErrorContains(t, err, "not implemented")
}
