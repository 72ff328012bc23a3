package servable

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/util/imageutil"
)

func writeFakeModel(t *testing.T) string {
	t.Helper()
	modelPath := filepath.Join(t.TempDir(), "resnet50.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx bytes"), 0o600))
	return modelPath
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "resnet")
	modelPath := writeFakeModel(t)
	labelsPath := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(labelsPath, []byte("background\ntench\ngoldfish\n"), 0o600))

	versionDir, err := Export(ctx, ExportConfig{
		ModelPath:  modelPath,
		Root:       root,
		Name:       "resnet",
		LabelsPath: labelsPath,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "1"), versionDir)

	graph, err := os.ReadFile(filepath.Join(versionDir, format.ModelFilename))
	require.NoError(t, err)
	assert.Equal(t, "onnx bytes", string(graph))

	manifest, err := format.ReadManifest(ctx, versionDir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), manifest.Version)
	assert.Equal(t, "resnet", manifest.Name)
	assert.Equal(t, format.DefaultPreprocessing(), manifest.Preprocessing)
	assert.Equal(t, 5, manifest.Postprocessing.TopK)
	assert.Equal(t, map[int]string{0: "background", 1: "tench", 2: "goldfish"}, manifest.Labels)

	signature, err := manifest.Signature("")
	require.NoError(t, err)
	assert.Equal(t, format.DefaultSignatureName, signature.Name)
	assert.Equal(t, 5, signature.TopK())
	assert.Contains(t, signature.Inputs, format.InputKeyImages)
	assert.Contains(t, signature.Outputs, format.OutputKeyClasses)
	assert.Contains(t, signature.Outputs, format.OutputKeyProbabilities)
}

func TestExportVersions(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	modelPath := writeFakeModel(t)

	first, err := Export(ctx, ExportConfig{ModelPath: modelPath, Root: root, Version: 3})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "3"), first)

	_, err = Export(ctx, ExportConfig{ModelPath: modelPath, Root: root, Version: 3})
	assert.ErrorIs(t, err, format.ErrVersionExists)

	next, err := Export(ctx, ExportConfig{ModelPath: modelPath, Root: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "4"), next)

	versions, err := format.ListVersions(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, versions)
}

func TestExportCustomProcessing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	versionDir, err := Export(ctx, ExportConfig{
		ModelPath:     writeFakeModel(t),
		Root:          root,
		SignatureName: "predict_images",
		Preprocessing: format.Preprocessing{
			ImageSize:     299,
			ResizeSize:    342,
			Normalization: imageutil.NormalizationTF,
			Layout:        imageutil.LayoutNCHW,
		},
		Postprocessing: format.Postprocessing{TopK: 3, Softmax: true},
	})
	require.NoError(t, err)

	manifest, err := format.ReadManifest(ctx, versionDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"predict_images"}, manifest.SignatureNames())
	assert.True(t, manifest.Postprocessing.Softmax)
	assert.Equal(t, 299, manifest.Preprocessing.ImageSize)
}

func TestExportRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	modelPath := writeFakeModel(t)

	_, err := Export(ctx, ExportConfig{Root: root})
	assert.Error(t, err)
	_, err = Export(ctx, ExportConfig{ModelPath: modelPath})
	assert.Error(t, err)
	_, err = Export(ctx, ExportConfig{ModelPath: modelPath, Root: root, Verify: true})
	assert.ErrorContains(t, err, "session")
	_, err = Export(ctx, ExportConfig{ModelPath: modelPath, Root: root, Version: -1})
	assert.Error(t, err)

	_, err = Export(ctx, ExportConfig{
		ModelPath:     modelPath,
		Root:          root,
		Preprocessing: format.Preprocessing{ImageSize: 224, Normalization: "unknown", Layout: imageutil.LayoutNHWC},
	})
	assert.ErrorIs(t, err, format.ErrInvalidManifest)

	versions, err := format.ListVersions(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestExportVerifyRemovesBrokenExport(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	session := newTestGoSession(t)

	_, err := Export(ctx, ExportConfig{ModelPath: writeFakeModel(t), Root: root, Verify: true, Session: session})
	require.Error(t, err)

	populated, err := format.IsPopulated(ctx, format.VersionPath(root, 1))
	require.NoError(t, err)
	assert.False(t, populated)
}

func TestExportRemovesTruncatedCopy(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer source.Close()

	_, err := Export(ctx, ExportConfig{ModelPath: source.URL + "/resnet50.onnx", Root: root, Version: 1})
	require.Error(t, err)

	populated, err := format.IsPopulated(ctx, format.VersionPath(root, 1))
	require.NoError(t, err)
	assert.False(t, populated)

	versionDir, err := Export(ctx, ExportConfig{ModelPath: writeFakeModel(t), Root: root, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, format.VersionPath(root, 1), versionDir)
}

func TestParseLabels(t *testing.T) {
	list, err := parseLabels([]byte(`["tench", "goldfish"]`))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "tench", 1: "goldfish"}, list)

	object, err := parseLabels([]byte(`{"0": "tench", "10": "brambling"}`))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "tench", 10: "brambling"}, object)

	keras, err := parseLabels([]byte(`{"0": ["n01440764", "tench"], "1": ["n01443537", "goldfish"]}`))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "tench", 1: "goldfish"}, keras)

	text, err := parseLabels([]byte("tench\r\ngoldfish\n"))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "tench", 1: "goldfish"}, text)

	_, err = parseLabels([]byte("  "))
	assert.Error(t, err)
	_, err = parseLabels([]byte(`{"first": "tench"}`))
	assert.Error(t, err)
	_, err = parseLabels([]byte(`{"0": 1}`))
	assert.Error(t, err)
}
