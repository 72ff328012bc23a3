package options

import (
	"fmt"
	"runtime"

	"github.com/knights-analytics/servable/util/fileutil"
)

// Backend names.
const (
	BackendORT = "ORT"
	BackendGo  = "GO"
)

type Options struct {
	// RuntimeOptions holds backend specific session options (e.g. *ort.SessionOptions) once the backend is initialised.
	RuntimeOptions any
	ORTOptions     *OrtOptions
	GoOptions      *GoOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		GoOptions: &GoOptions{
			MaxConcurrentRuns: 1,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	CoreMLOptions     *uint32
	TensorRTOptions   map[string]string
}

// GoOptions configure the pure Go (gonnx) runtime.
type GoOptions struct {
	// MaxConcurrentRuns bounds how many forward passes may execute at once on a single model.
	MaxConcurrentRuns int
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the directory holding "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryDir string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryDir)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryDir, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryDir)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryDir, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryDir)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryDir
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) sets the options for the CUDA execution provider.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		o.ORTOptions.CudaOptions = options
		return nil
	}
}

// WithCoreML (ORT only) sets the CoreML execution provider flags.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithCoreML is only supported for ORT backend")
		}
		o.ORTOptions.CoreMLOptions = &flags
		return nil
	}
}

// WithTensorRT (ORT only) sets the options for the TensorRT execution provider.
// The onnxruntime library must be built with TensorRT support.
func WithTensorRT(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithTensorRT is only supported for ORT backend")
		}
		o.ORTOptions.TensorRTOptions = options
		return nil
	}
}

// WithMaxConcurrentRuns (GO only) bounds concurrent forward passes per model. Values below 1 are rejected.
func WithMaxConcurrentRuns(n int) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendGo {
			return fmt.Errorf("WithMaxConcurrentRuns is only supported for GO backend")
		}
		if n < 1 {
			return fmt.Errorf("max concurrent runs must be at least 1, got %d", n)
		}
		o.GoOptions.MaxConcurrentRuns = n
		return nil
	}
}
