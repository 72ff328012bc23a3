//go:build cgo && (ORT || ALL)

package servable

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/util/fileutil"
)

// NewORTSession creates a session that serves with onnxruntime. Only one can be active per process.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendORT, ortSession, opts...)
}

func ortSession(session *Session) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("an onnxruntime session is already active in this process")
	}
	initialised, err := session.initialiseORT()
	if err == nil {
		session.environmentDestroy = ort.DestroyEnvironment
		return session, nil
	}
	if !initialised {
		return nil, err
	}
	return nil, errors.Join(err, session.Destroy(), ort.DestroyEnvironment())
}

// initialiseORT loads the shared library and builds the session options every servable model shares.
// The bool reports whether the environment was initialised and must be torn down on error.
func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	if o.LibraryPath != nil {
		found, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("onnxruntime library not found at %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	telemetry := o.Telemetry != nil && *o.Telemetry
	toggleTelemetry := ort.DisableTelemetry
	if telemetry {
		toggleTelemetry = ort.EnableTelemetry
	}
	if err := toggleTelemetry(); err != nil {
		return true, err
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return true, err
	}
	s.options.RuntimeOptions = sessionOptions
	s.options.Destroy = sessionOptions.Destroy

	if err = applyORTTuning(sessionOptions, o); err != nil {
		return true, err
	}
	providers, err := appendExecutionProviders(sessionOptions, o)
	if err != nil {
		return true, err
	}
	event := log.Info().Strs("execution_providers", providers).Bool("telemetry", telemetry)
	if o.LibraryPath != nil {
		event = event.Str("library", *o.LibraryPath)
	}
	event.Msg("onnxruntime initialised")
	return true, nil
}

func applyORTTuning(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return fmt.Errorf("intra op threads: %w", err)
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return fmt.Errorf("inter op threads: %w", err)
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return fmt.Errorf("cpu memory arena: %w", err)
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return fmt.Errorf("memory pattern: %w", err)
		}
	}
	return nil
}

// appendExecutionProviders registers the accelerators asked for, in priority order, and returns their names.
// CPU is always the fallback.
func appendExecutionProviders(sessionOptions *ort.SessionOptions, o *options.OrtOptions) ([]string, error) {
	var providers []string
	if o.TensorRTOptions != nil {
		if err := appendTensorRT(sessionOptions, o.TensorRTOptions); err != nil {
			return nil, fmt.Errorf("tensorrt: %w", err)
		}
		providers = append(providers, "tensorrt")
	}
	if o.CudaOptions != nil {
		if err := appendCUDA(sessionOptions, o.CudaOptions); err != nil {
			return nil, fmt.Errorf("cuda: %w", err)
		}
		providers = append(providers, "cuda")
	}
	if o.CoreMLOptions != nil {
		if err := sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLOptions); err != nil {
			return nil, fmt.Errorf("coreml: %w", err)
		}
		providers = append(providers, "coreml")
	}
	return append(providers, "cpu"), nil
}

func appendCUDA(sessionOptions *ort.SessionOptions, settings map[string]string) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	if len(settings) > 0 {
		if err = cudaOptions.Update(settings); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
}

func appendTensorRT(sessionOptions *ort.SessionOptions, settings map[string]string) error {
	tensorRTOptions, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return err
	}
	defer tensorRTOptions.Destroy()
	if len(settings) > 0 {
		if err = tensorRTOptions.Update(settings); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions)
}
