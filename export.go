package servable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/pipelines"
	"github.com/knights-analytics/servable/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExportConfig describes one export of pre-trained weights into a servable root.
type ExportConfig struct {
	// ModelPath is the ONNX graph to export: a local path, s3:// or https:// URL.
	ModelPath string
	// Root is the servable root; the export is written to <Root>/<Version>.
	Root string
	// Version of the export. 0 picks the next free version under Root.
	Version int64
	Name    string
	// LabelsPath optionally points at class names: a JSON list, a JSON object keyed by class id, or one name per line.
	LabelsPath     string
	SignatureName  string
	Preprocessing  format.Preprocessing
	Postprocessing format.Postprocessing
	// Verify loads the export with Session after writing it, and removes it again if it does not serve.
	Verify  bool
	Session *Session
}

// Export writes the weights and the servable manifest to a new version directory and returns its path.
// Exporting into a version directory that already has files fails with format.ErrVersionExists.
func Export(ctx context.Context, config ExportConfig) (string, error) {
	if config.ModelPath == "" {
		return "", errors.New("a model path is required")
	}
	if config.Root == "" {
		return "", errors.New("a servable root is required")
	}
	if config.Verify && config.Session == nil {
		return "", errors.New("verifying an export requires a session")
	}
	if config.Version < 0 {
		return "", fmt.Errorf("version must be a positive integer, got %d", config.Version)
	}
	if config.Preprocessing == (format.Preprocessing{}) {
		config.Preprocessing = format.DefaultPreprocessing()
	}
	if config.Postprocessing.TopK == 0 {
		config.Postprocessing.TopK = format.DefaultPostprocessing().TopK
	}

	version := config.Version
	if version == 0 {
		next, err := format.NextVersion(ctx, config.Root)
		if err != nil {
			return "", err
		}
		version = next
	}
	versionDir := format.VersionPath(config.Root, version)
	populated, err := format.IsPopulated(ctx, versionDir)
	if err != nil {
		return "", err
	}
	if populated {
		return "", fmt.Errorf("%w: %s", format.ErrVersionExists, versionDir)
	}

	var labels map[int]string
	if config.LabelsPath != "" {
		labels, err = LoadLabels(ctx, config.LabelsPath)
		if err != nil {
			return "", err
		}
	}

	signature := format.NewPredictSignature(config.SignatureName, config.Postprocessing.TopK)
	manifest := &format.Manifest{
		FormatVersion:  format.FormatVersion,
		Name:           config.Name,
		Version:        version,
		ModelFile:      format.ModelFilename,
		Signatures:     map[string]format.Signature{signature.Name: signature},
		Preprocessing:  config.Preprocessing,
		Postprocessing: config.Postprocessing,
		Labels:         labels,
		CreatedAt:      time.Now().UTC(),
	}
	if err = manifest.Validate(); err != nil {
		return "", err
	}

	if err = fileutil.CopyFile(ctx, config.ModelPath, fileutil.PathJoinSafe(versionDir, manifest.ModelFile)); err != nil {
		return "", errors.Join(fmt.Errorf("copying %s: %w", config.ModelPath, err), removeVersionDir(ctx, versionDir))
	}
	if err = format.WriteManifest(ctx, versionDir, manifest); err != nil {
		return "", errors.Join(err, removeVersionDir(ctx, versionDir))
	}

	if config.Verify {
		if err = verifyExport(ctx, config.Session, config.Root, version, len(labels)); err != nil {
			return "", errors.Join(fmt.Errorf("verifying %s: %w", versionDir, err), removeVersionDir(ctx, versionDir))
		}
	}

	log.Info().Str("path", versionDir).Int64("version", version).Int("top_k", config.Postprocessing.TopK).Msg("exported servable")
	return versionDir, nil
}

// removeVersionDir drops a partially written export so the version can be exported again.
func removeVersionDir(ctx context.Context, versionDir string) error {
	exists, err := fileutil.FileExistsContext(ctx, versionDir)
	if err != nil || !exists {
		return err
	}
	return fileutil.DeleteFile(versionDir)
}

// verifyExport loads the exported version and checks that its class dimension agrees with the labels.
func verifyExport(ctx context.Context, session *Session, root string, version int64, numLabels int) error {
	pipeline, err := session.LoadServable(ctx, root, version)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ClosePipeline[*pipelines.ImageClassificationPipeline](session, pipeline.PipelineName); closeErr != nil {
			log.Error().Err(closeErr).Msg("closing verification pipeline")
		}
	}()
	output, _, err := pipeline.Model.OutputInfo()
	if err != nil {
		return err
	}
	classes := output.Dimensions[len(output.Dimensions)-1]
	if numLabels > 0 && classes > 0 && int64(numLabels) != classes {
		return fmt.Errorf("model has %d classes but %d labels were provided", classes, numLabels)
	}
	return nil
}

// LoadLabels reads class names from a JSON list, a JSON object keyed by class id (values may be a name or a
// [wordnet id, name] pair as in imagenet_class_index.json) or a text file with one name per line.
func LoadLabels(ctx context.Context, labelsPath string) (map[int]string, error) {
	data, err := fileutil.ReadFileBytesContext(ctx, labelsPath)
	if err != nil {
		return nil, err
	}
	labels, err := parseLabels(data)
	if err != nil {
		return nil, fmt.Errorf("parsing labels %s: %w", labelsPath, err)
	}
	return labels, nil
}

func parseLabels(data []byte) (map[int]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("labels file is empty")
	}
	labels := map[int]string{}

	switch trimmed[0] {
	case '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		for i, l := range list {
			labels[i] = l
		}
	case '{':
		var object map[string]any
		if err := json.Unmarshal(trimmed, &object); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(object))
		for k := range object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			id, err := strconv.Atoi(k)
			if err != nil || id < 0 {
				return nil, fmt.Errorf("label key %q is not a class id", k)
			}
			switch v := object[k].(type) {
			case string:
				labels[id] = v
			case []any:
				if len(v) == 0 {
					return nil, fmt.Errorf("label %d is empty", id)
				}
				name, ok := v[len(v)-1].(string)
				if !ok {
					return nil, fmt.Errorf("label %d has a non string name", id)
				}
				labels[id] = name
			default:
				return nil, fmt.Errorf("label %d has unsupported type %T", id, v)
			}
		}
	default:
		for i, line := range strings.Split(strings.ReplaceAll(string(trimmed), "\r\n", "\n"), "\n") {
			labels[i] = strings.TrimSpace(line)
		}
	}
	return labels, nil
}
