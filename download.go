package servable

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/servable/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	// AuthToken is the Hugging Face token used for gated or private repositories.
	AuthToken string
	// OnnxFilePath is the graph to fetch when the source is a Hugging Face repository.
	// Empty picks the only .onnx file of the repository.
	OnnxFilePath string
	// ExtraFiles are fetched next to the graph from a Hugging Face repository, e.g. a labels file.
	ExtraFiles    []string
	Branch        string
	MaxRetries    int
	RetryInterval time.Duration
	// ConcurrentConnections bounds parallel file downloads from a Hugging Face repository.
	ConcurrentConnections int
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{
		OnnxFilePath:          "model.onnx",
		Branch:                "main",
		MaxRetries:            5,
		RetryInterval:         5 * time.Second,
		ConcurrentConnections: 5,
	}
}

// DownloadModel fetches pre-trained weights into the destination directory and returns the path of the graph.
// The source is a local path, an s3:// or http(s):// URL of an .onnx file, or a Hugging Face repository
// name such as "KnightsAnalytics/resnet50".
func DownloadModel(ctx context.Context, source string, destination string, options DownloadOptions) (string, error) {
	if source == "" {
		return "", errors.New("a download source is required")
	}
	if options.MaxRetries < 1 {
		options.MaxRetries = 1
	}

	var onnxPath string
	var err error
	if isHuggingFaceRepo(source) {
		onnxPath, err = downloadFromHub(ctx, source, destination, options)
	} else {
		onnxPath = fileutil.PathJoinSafe(destination, path.Base(source))
		err = withRetries(ctx, source, options, func() error {
			return fileutil.CopyFile(ctx, source, onnxPath)
		})
	}
	if err != nil {
		return "", err
	}
	log.Info().Str("source", source).Str("path", onnxPath).Msg("download completed")
	return onnxPath, nil
}

func newHubRepo(source string, options DownloadOptions) *hub.Repo {
	repo := hub.New(source)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	repo.Verbosity = 0
	repo.WithProgressBar(false)
	return repo
}

// downloadFromHub checks that the repository has the requested files, downloads them into the local
// Hugging Face cache and copies them to destination. The graph is returned first.
func downloadFromHub(ctx context.Context, source string, destination string, options DownloadOptions) (string, error) {
	repo := newHubRepo(source, options)
	err := withRetries(ctx, source+" file list", options, func() error {
		return repo.DownloadInfo(false)
	})
	if err != nil {
		return "", err
	}
	var repoFiles []string
	for fileName, iterErr := range repo.IterFileNames() {
		if iterErr != nil {
			return "", iterErr
		}
		repoFiles = append(repoFiles, fileName)
	}
	files, err := selectHubFiles(source, repoFiles, options)
	if err != nil {
		return "", err
	}

	var cached []string
	err = withRetries(ctx, source, options, func() error {
		var downloadErr error
		cached, downloadErr = repo.DownloadFiles(files...)
		return downloadErr
	})
	if err != nil {
		return "", err
	}
	targets := make([]string, len(files))
	for i, cachedPath := range cached {
		// the cache links snapshots to content addressed blobs
		blob, symErr := filepath.EvalSymlinks(cachedPath)
		if symErr != nil {
			return "", symErr
		}
		targets[i] = fileutil.PathJoinSafe(destination, path.Base(files[i]))
		if err = fileutil.CopyFile(ctx, blob, targets[i]); err != nil {
			return "", fmt.Errorf("copying %s: %w", files[i], err)
		}
	}
	return targets[0], nil
}

// selectHubFiles picks the graph and the extra files out of a repository listing, graph first.
func selectHubFiles(source string, repoFiles []string, options DownloadOptions) ([]string, error) {
	available := make(map[string]bool, len(repoFiles))
	var onnxFiles []string
	for _, f := range repoFiles {
		available[f] = true
		if filepath.Ext(f) == ".onnx" {
			onnxFiles = append(onnxFiles, f)
		}
	}

	var errs []error
	onnxFile := strings.TrimPrefix(options.OnnxFilePath, "/")
	switch {
	case onnxFile != "":
		if !available[onnxFile] {
			errs = append(errs, fmt.Errorf("%s has no graph at %s (onnx files: %s)", source, onnxFile, strings.Join(onnxFiles, " ")))
		}
	case len(onnxFiles) == 0:
		errs = append(errs, fmt.Errorf("%s does not have a .onnx file", source))
	case len(onnxFiles) > 1:
		errs = append(errs, fmt.Errorf("%s has several .onnx files, pick one of: %s", source, strings.Join(onnxFiles, " ")))
	default:
		onnxFile = onnxFiles[0]
	}
	files := []string{onnxFile}
	for _, extra := range options.ExtraFiles {
		extra = strings.TrimPrefix(extra, "/")
		if !available[extra] {
			errs = append(errs, fmt.Errorf("%s has no file %s", source, extra))
		}
		files = append(files, extra)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return files, nil
}

// isHuggingFaceRepo reports whether source looks like "owner/name" rather than a path or URL.
func isHuggingFaceRepo(source string) bool {
	if fileutil.GetPathType(source) != "os" {
		return false
	}
	if strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") || strings.HasSuffix(source, ".onnx") {
		return false
	}
	if exists, err := fileutil.FileExists(source); err == nil && exists {
		return false
	}
	return strings.Count(source, "/") == 1
}

// withRetries runs fetch up to options.MaxRetries times, waiting RetryInterval between attempts.
func withRetries(ctx context.Context, what string, options DownloadOptions, fetch func() error) error {
	var err error
	for attempt := 1; attempt <= options.MaxRetries; attempt++ {
		if err = fetch(); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("source", what).Int("attempt", attempt).Int("max_retries", options.MaxRetries).Msg("download attempt failed")
		if attempt == options.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(options.RetryInterval):
		}
	}
	return fmt.Errorf("failed to download %s after %d attempts: %w", what, options.MaxRetries, err)
}
