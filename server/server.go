// Package server exposes loaded servables over a REST API modelled on TensorFlow Serving:
//
//	GET  /v1/models/{model}[/versions/{version}]           version status
//	GET  /v1/models/{model}[/versions/{version}]/metadata  signature definitions
//	POST /v1/models/{model}[/versions/{version}]:predict   predictions
//	GET  /health
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/servable/util/imageutil"
)

const (
	modelsPrefix        = "/v1/models/"
	defaultMaxBodyBytes = 64 << 20
	shutdownTimeout     = 10 * time.Second
)

type Server struct {
	registry     *Registry
	mux          *http.ServeMux
	MaxBodyBytes int64
}

func New(registry *Registry) *Server {
	s := &Server{
		registry:     registry,
		mux:          http.NewServeMux(),
		MaxBodyBytes: defaultMaxBodyBytes,
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc(modelsPrefix, s.handleModels)
	return s
}

func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Run serves on addr and, when pollInterval is positive, polls the registry for new versions,
// until ctx is cancelled. The registry is closed on the way out.
func (s *Server) Run(ctx context.Context, addr string, pollInterval time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Strs("models", s.registry.Names()).Msg("serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if pollInterval > 0 {
		g.Go(func() error {
			return s.registry.Poll(gCtx, pollInterval)
		})
	}
	return errors.Join(g.Wait(), s.registry.Close())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", recorder.status).Dur("duration", time.Since(start)).Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// route is a parsed /v1/models/... path.
type route struct {
	model   string
	version int64
	// action is "status", "metadata" or "predict"
	action string
}

func parseRoute(path string) (route, error) {
	rest := strings.TrimPrefix(path, modelsPrefix)
	rt := route{action: "status"}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		verb := rest[i+1:]
		if verb != "predict" {
			return rt, fmt.Errorf("unsupported method %q", verb)
		}
		rt.action = verb
		rest = rest[:i]
	}
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return rt, errors.New("missing model name")
	}
	rt.model = segments[0]
	segments = segments[1:]
	if len(segments) >= 2 && segments[0] == "versions" {
		v, err := strconv.ParseInt(segments[1], 10, 64)
		if err != nil || v < 1 {
			return rt, fmt.Errorf("invalid version %q", segments[1])
		}
		rt.version = v
		segments = segments[2:]
	}
	switch {
	case len(segments) == 0:
	case len(segments) == 1 && segments[0] == "metadata" && rt.action == "status":
		rt.action = "metadata"
	default:
		return rt, fmt.Errorf("unknown path %s", path)
	}
	return rt, nil
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	rt, err := parseRoute(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	wantMethod := http.MethodGet
	if rt.action == "predict" {
		wantMethod = http.MethodPost
	}
	if r.Method != wantMethod {
		w.Header().Set("Allow", wantMethod)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("%s requires %s", rt.action, wantMethod))
		return
	}

	loaded, release, err := s.registry.Acquire(rt.model, rt.version)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer release()

	switch rt.action {
	case "status":
		s.handleStatus(w, loaded)
	case "metadata":
		s.handleMetadata(w, loaded)
	case "predict":
		s.handlePredict(w, r, loaded)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, loaded *Servable) {
	writeJSON(w, http.StatusOK, StatusResponse{
		ModelVersionStatus: []ModelVersionStatus{{
			Version: strconv.FormatInt(loaded.Version, 10),
			State:   "AVAILABLE",
			Status:  Status{ErrorCode: "OK"},
		}},
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, loaded *Servable) {
	writeJSON(w, http.StatusOK, MetadataResponse{
		ModelSpec: ModelSpec{
			Name:    loaded.Name,
			Version: strconv.FormatInt(loaded.Version, 10),
		},
		Metadata: Metadata{
			SignatureDef: SignatureDefs{SignatureDef: loaded.Manifest.Signatures},
		},
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request, loaded *Servable) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading request: %w", err))
		return
	}
	request := PredictRequest{}
	if err = json.Unmarshal(body, &request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request: %w", err))
		return
	}
	if _, err = loaded.Manifest.Signature(request.SignatureName); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	encoded, rowFormat, err := request.images()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	images, err := imageutil.DecodeImages(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	output, err := loaded.Predictor.RunWithImages(images)
	if err != nil {
		log.Error().Err(err).Str("model", loaded.Name).Int64("version", loaded.Version).Msg("prediction failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response := PredictResponse{}
	if rowFormat {
		response.Predictions = output.Rows()
	} else {
		response.Outputs = &ColumnarOutputs{
			Classes:       output.Classes,
			Probabilities: output.Probabilities,
			Labels:        output.Labels,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("encoding response")
		status = http.StatusInternalServerError
		data = []byte(`{"error":"encoding response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err = w.Write(data); err != nil {
		log.Debug().Err(err).Msg("writing response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
