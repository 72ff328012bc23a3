package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/pipelines"
	"github.com/knights-analytics/servable/util/safeconv"
)

var (
	ErrModelNotFound   = errors.New("model not found")
	ErrVersionNotFound = errors.New("model version not loaded")
)

// Predictor runs a batch of decoded images through a loaded servable.
type Predictor interface {
	RunWithImages([]image.Image) (*pipelines.ImageClassificationOutput, error)
}

// Servable is one loaded version of a model.
type Servable struct {
	Name      string
	Version   int64
	Manifest  *format.Manifest
	Predictor Predictor
	// NumClasses is the class dimension of the model output, 0 when dynamic.
	NumClasses int
	LoadedAt   time.Time
}

// Loader loads the given version of the servable under root. The returned function unloads it.
type Loader func(ctx context.Context, root string, version int64) (*Servable, func() error, error)

// SessionLoader loads servables into session as image classification pipelines.
func SessionLoader(session *servable.Session) Loader {
	return func(ctx context.Context, root string, version int64) (*Servable, func() error, error) {
		pipeline, err := session.LoadServable(ctx, root, version)
		if err != nil {
			return nil, nil, err
		}
		loaded := &Servable{
			Version:   pipeline.Model.Manifest.Version,
			Manifest:  pipeline.Model.Manifest,
			Predictor: pipeline,
			LoadedAt:  time.Now(),
		}
		if info, _, infoErr := pipeline.Model.OutputInfo(); infoErr == nil && len(info.Dimensions) == 2 && info.Dimensions[1] > 0 {
			loaded.NumClasses = safeconv.Int64ToInt(info.Dimensions[1])
		}
		name := pipeline.PipelineName
		return loaded, func() error {
			return servable.ClosePipeline[*pipelines.ImageClassificationPipeline](session, name)
		}, nil
	}
}

type entry struct {
	servable *Servable
	unload   func() error
	inflight sync.WaitGroup
}

type model struct {
	root    string
	current *entry
	// loading serialises refreshes of one model
	loading sync.Mutex
}

// Registry serves the latest version of each registered servable root. Refresh loads versions exported
// since the last call and retires the previous version once its in-flight requests complete.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*model
	loader Loader
	// retiring tracks versions being unloaded in the background
	retiring sync.WaitGroup
}

func NewRegistry(loader Loader) *Registry {
	return &Registry{
		models: map[string]*model{},
		loader: loader,
	}
}

// Add registers root under name and loads its latest version.
func (r *Registry) Add(ctx context.Context, name string, root string) error {
	if name == "" || root == "" {
		return errors.New("a model name and servable root are required")
	}
	r.mu.Lock()
	if _, exists := r.models[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("model %s is already registered", name)
	}
	r.models[name] = &model{root: root}
	r.mu.Unlock()

	if _, err := r.refreshModel(ctx, name); err != nil {
		r.mu.Lock()
		delete(r.models, name)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Names returns the registered model names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquire returns the loaded servable for name. A version of 0 means whichever version is loaded.
// The caller must call release once done with the servable.
func (r *Registry) Acquire(name string, version int64) (*Servable, func(), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok || m.current == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if version != 0 && version != m.current.servable.Version {
		return nil, nil, fmt.Errorf("%w: %s version %d (serving version %d)", ErrVersionNotFound, name, version, m.current.servable.Version)
	}
	e := m.current
	e.inflight.Add(1)
	return e.servable, e.inflight.Done, nil
}

// Refresh loads the latest version of every registered root that is newer than the one being served.
func (r *Registry) Refresh(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range r.Names() {
		g.Go(func() error {
			_, err := r.refreshModel(gCtx, name)
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) refreshModel(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	m, ok := r.models[name]
	if !ok {
		r.mu.RUnlock()
		return false, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	r.mu.RUnlock()

	m.loading.Lock()
	defer m.loading.Unlock()

	r.mu.RLock()
	root := m.root
	var servingVersion int64
	if m.current != nil {
		servingVersion = m.current.servable.Version
	}
	r.mu.RUnlock()

	latest, err := format.LatestVersion(ctx, root)
	if err != nil {
		return false, err
	}
	if latest <= servingVersion {
		return false, nil
	}

	loaded, unload, err := r.loader(ctx, root, latest)
	if err != nil {
		return false, fmt.Errorf("loading %s version %d: %w", name, latest, err)
	}
	loaded.Name = name
	loaded.Version = latest

	r.mu.Lock()
	previous := m.current
	m.current = &entry{servable: loaded, unload: unload}
	r.mu.Unlock()

	log.Info().Str("model", name).Int64("version", latest).Str("root", root).Msg("serving new version")
	if previous != nil {
		r.retire(previous)
	}
	return true, nil
}

// retire unloads e once every request holding it has released it.
func (r *Registry) retire(e *entry) {
	r.retiring.Add(1)
	go func() {
		defer r.retiring.Done()
		e.inflight.Wait()
		if err := e.unload(); err != nil {
			log.Error().Err(err).Str("model", e.servable.Name).Int64("version", e.servable.Version).Msg("unloading servable")
			return
		}
		log.Info().Str("model", e.servable.Name).Int64("version", e.servable.Version).Msg("unloaded previous version")
	}()
}

// Poll calls Refresh every interval until ctx is done. Refresh failures are logged and retried.
func (r *Registry) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("refreshing servables")
			}
		}
	}
}

// Close unloads every servable, waiting for in-flight requests.
func (r *Registry) Close() error {
	r.mu.Lock()
	var entries []*entry
	for _, m := range r.models {
		if m.current != nil {
			entries = append(entries, m.current)
			m.current = nil
		}
	}
	r.models = map[string]*model{}
	r.mu.Unlock()

	r.retiring.Wait()
	var err error
	for _, e := range entries {
		e.inflight.Wait()
		err = errors.Join(err, e.unload())
	}
	return err
}
