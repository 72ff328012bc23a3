package format

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(version int64) *Manifest {
	return &Manifest{
		FormatVersion:  FormatVersion,
		Name:           "resnet",
		Version:        version,
		ModelFile:      ModelFilename,
		Signatures:     map[string]Signature{DefaultSignatureName: NewPredictSignature("", 5)},
		Preprocessing:  DefaultPreprocessing(),
		Postprocessing: DefaultPostprocessing(),
		Labels:         map[int]string{0: "background", 1: "tench"},
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPredictSignature(t *testing.T) {
	s := NewPredictSignature("", 5)
	assert.Equal(t, DefaultSignatureName, s.Name)
	assert.Equal(t, 5, s.TopK())
	assert.Equal(t, []int64{-1}, s.Inputs[InputKeyImages].Shape)
	assert.NoError(t, s.Validate())

	delete(s.Inputs, InputKeyImages)
	assert.ErrorContains(t, s.Validate(), "missing input")

	broken := NewPredictSignature("custom", 5)
	broken.Outputs[OutputKeyProbabilities] = TensorInfo{DType: DTypeFloat32, Shape: []int64{-1, 3}}
	assert.ErrorContains(t, broken.Validate(), "disagree")
}

func TestManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manifest := testManifest(1)
	require.NoError(t, WriteManifest(ctx, dir, manifest))

	read, err := ReadManifest(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, manifest.Labels, read.Labels)
	assert.Equal(t, manifest.Preprocessing, read.Preprocessing)
	assert.True(t, manifest.CreatedAt.Equal(read.CreatedAt))

	s, err := read.Signature("")
	require.NoError(t, err)
	assert.Equal(t, 5, s.TopK())

	_, err = read.Signature("missing")
	assert.True(t, errors.Is(err, ErrSignatureNotFound))
}

func TestManifestValidation(t *testing.T) {
	m := testManifest(0)
	m.Postprocessing.TopK = 3
	m.Preprocessing.Layout = "CHWN"
	m.Preprocessing.Normalization = "bogus"
	err := m.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidManifest))
	assert.ErrorContains(t, err, "version must be a positive integer")
	assert.ErrorContains(t, err, "top_k=3")
	assert.ErrorContains(t, err, "unknown layout")
	assert.ErrorContains(t, err, "unknown normalization")

	m = testManifest(1)
	m.Preprocessing.ResizeSize = 100
	assert.ErrorContains(t, m.Validate(), "smaller than image size")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFilename), []byte("{"), 0o600))
	_, err = ReadManifest(context.Background(), dir)
	assert.True(t, errors.Is(err, ErrInvalidManifest))
}

func TestVersions(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "resnet")

	versions, err := ListVersions(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, versions)

	next, err := NextVersion(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	_, err = LatestVersion(ctx, root)
	assert.True(t, errors.Is(err, ErrNoVersions))

	for _, name := range []string{"1", "10", "2", "tmp", "0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), os.ModePerm))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "3"), []byte("file, not a version"), 0o600))

	versions, err = ListVersions(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 10}, versions)

	latest, err := LatestVersion(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(10), latest)

	next, err = NextVersion(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)

	assert.Equal(t, filepath.Join(root, "10"), VersionPath(root, 10))

	populated, err := IsPopulated(ctx, VersionPath(root, 1))
	require.NoError(t, err)
	assert.False(t, populated)
	require.NoError(t, os.WriteFile(filepath.Join(root, "1", ModelFilename), []byte("x"), 0o600))
	populated, err = IsPopulated(ctx, VersionPath(root, 1))
	require.NoError(t, err)
	assert.True(t, populated)
	populated, err = IsPopulated(ctx, VersionPath(root, 99))
	require.NoError(t, err)
	assert.False(t, populated)
}
