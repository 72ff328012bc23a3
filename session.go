package servable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/knights-analytics/servable/backends"
	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipelines and models already loaded.
type Session struct {
	mu                           sync.Mutex
	imageClassificationPipelines pipelineMap[*pipelines.ImageClassificationPipeline]
	models                       map[string]*backends.Model
	options                      *options.Options
	environmentDestroy           func() error
}

func newSession(backend string, init func(*Session) (*Session, error), opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		imageClassificationPipelines: map[string]*pipelines.ImageClassificationPipeline{},
		models:                       map[string]*backends.Model{},
		options:                      parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	if init != nil {
		return init(session)
	}
	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStatistics() map[string]backends.PipelineStatistics {
	stats := make(map[string]backends.PipelineStatistics, len(m))
	for name, p := range m {
		stats[name] = p.GetStatistics()
	}
	return stats
}

// ImageClassificationConfig is the configuration for an image classification pipeline.
type ImageClassificationConfig = backends.PipelineConfig[*pipelines.ImageClassificationPipeline]

// ImageClassificationOption is an option for an image classification pipeline.
type ImageClassificationOption = backends.PipelineOption[*pipelines.ImageClassificationPipeline]

// Backend returns the name of the inference runtime used by the session.
func (s *Session) Backend() string {
	return s.options.Backend
}

// LoadServable loads one version of the servable under root and returns a pipeline serving its signature.
// A version of 0 selects the latest exported version. The pipeline is named "<root>/<version>".
func (s *Session) LoadServable(ctx context.Context, root string, version int64, opts ...ImageClassificationOption) (*pipelines.ImageClassificationPipeline, error) {
	if version == 0 {
		latest, err := format.LatestVersion(ctx, root)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	versionDir := format.VersionPath(root, version)
	config := ImageClassificationConfig{
		ServablePath: versionDir,
		Name:         versionDir,
		Options:      opts,
	}
	return newPipeline(ctx, s, config)
}

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	return newPipeline(context.Background(), s, pipelineConfig)
}

func newPipeline[T backends.Pipeline](ctx context.Context, s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}
	if pipelineConfig.ServablePath == "" {
		return pipeline, errors.New("a servable path for the pipeline is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		return pipeline, errors.New("session has been destroyed")
	}

	_, getError := getPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	model, ok := s.models[pipelineConfig.ServablePath]
	var err error
	if !ok {
		model, err = backends.LoadModel(ctx, pipelineConfig.ServablePath, s.options)
		if err != nil {
			return pipeline, err
		}
		s.models[pipelineConfig.ServablePath] = model
	}

	pipeline, name, err := InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		if len(model.Pipelines) == 0 {
			delete(s.models, pipelineConfig.ServablePath)
			err = errors.Join(err, model.Destroy())
		}
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		s.imageClassificationPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.ImageClassificationPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.ImageClassificationPipeline])
		pipelineInitialised, err := pipelines.NewImageClassificationPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPipeline[T](s, name)
}

func getPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		p, ok := s.imageClassificationPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the named pipeline and destroys its model once no pipeline uses it.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		p, ok := s.imageClassificationPipelines[name]
		if ok {
			model := p.Model
			delete(s.imageClassificationPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines, keyed by pipeline name:
// time spent decoding and preprocessing images, time spent in the inference runtime,
// call counts and the number of images seen.
func (s *Session) GetStats() map[string]backends.PipelineStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageClassificationPipelines.GetStatistics()
}

// Destroy deletes the session, the runtime environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.imageClassificationPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
