package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendSpecificOptions(t *testing.T) {
	o := Defaults()
	o.Backend = BackendGo

	assert.Error(t, WithIntraOpNumThreads(4)(o))
	assert.Error(t, WithCuda(map[string]string{})(o))
	assert.Error(t, WithMaxConcurrentRuns(0)(o))
	require.NoError(t, WithMaxConcurrentRuns(4)(o))
	assert.Equal(t, 4, o.GoOptions.MaxConcurrentRuns)

	o = Defaults()
	o.Backend = BackendORT
	require.NoError(t, WithIntraOpNumThreads(2)(o))
	require.NoError(t, WithCoreML(1)(o))
	require.NoError(t, WithTelemetry()(o))
	assert.Equal(t, 2, *o.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, uint32(1), *o.ORTOptions.CoreMLOptions)
	assert.True(t, *o.ORTOptions.Telemetry)
	assert.Error(t, WithMaxConcurrentRuns(2)(o))
}

func TestWithOnnxLibraryPathMissing(t *testing.T) {
	o := Defaults()
	o.Backend = BackendORT
	assert.Error(t, WithOnnxLibraryPath(t.TempDir())(o))
}
