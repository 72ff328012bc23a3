package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/options"
	"github.com/knights-analytics/servable/pipelines"
	"github.com/knights-analytics/servable/util/fileutil"
)

var predictCommand = &cli.Command{
	Name:  "predict",
	Usage: "Classify a set of images with a servable",
	Description: `Predict loads a servable version and classifies every image in --input (a file or a folder, walked recursively).
				Without --input, image paths are read one per line from --paths or stdin. Results are written as JSON lines of the
				form {"input": "path", "output": {"classes": [...], "probabilities": [...]}} to --output or stdout.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "servable",
			Usage:    "Servable root",
			EnvVars:  []string{"SERVABLE_ROOT"},
			Required: true,
		},
		&cli.Int64Flag{
			Name:  "version",
			Usage: "Version to load, 0 for the latest",
		},
		&cli.StringFlag{
			Name:    "input",
			Usage:   "Image file or folder of images",
			Aliases: []string{"i"},
		},
		&cli.StringFlag{
			Name:  "paths",
			Usage: "File listing image paths, one per line. Local, s3:// or http(s)://",
		},
		&cli.StringFlag{
			Name:    "output",
			Usage:   "File to write JSON lines to, stdout if omitted",
			Aliases: []string{"o"},
		},
		&cli.IntFlag{
			Name:  "topK",
			Usage: "Override the number of classes per image, at most the exported topK",
		},
		&cli.IntFlag{
			Name:  "batchSize",
			Usage: "Images per forward pass",
			Value: 16,
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Concurrent batches",
			Value: 1,
		},
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "Print pipeline statistics as JSON to stderr when done",
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		batchSize, workers := ctx.Int("batchSize"), ctx.Int("workers")
		if batchSize < 1 || workers < 1 {
			return errors.New("batchSize and workers must be positive")
		}
		var sessionOptions []options.WithOption
		if strings.EqualFold(backend, options.BackendGo) {
			// let every worker run its own forward pass
			sessionOptions, err = concurrencyOptions(workers)
			if err != nil {
				return err
			}
		}
		session, err := newSession(sessionOptions...)
		if err != nil {
			return err
		}
		defer destroySession(session, &err)

		var opts []servable.ImageClassificationOption
		if k := ctx.Int("topK"); k > 0 {
			opts = append(opts, pipelines.WithTopK(k))
		}
		pipeline, err := session.LoadServable(ctx.Context, ctx.String("servable"), ctx.Int64("version"), opts...)
		if err != nil {
			return err
		}

		var writer io.Writer = ctx.App.Writer
		if outputPath := ctx.String("output"); outputPath != "" {
			fileWriter, writerErr := fileutil.NewFileWriter(ctx.Context, outputPath, "application/x-ndjson")
			if writerErr != nil {
				return writerErr
			}
			defer func() {
				err = errors.Join(err, fileutil.CloseFile(fileWriter))
			}()
			writer = fileWriter
		}

		var source io.Reader
		if pathsFile := ctx.String("paths"); pathsFile != "" {
			pathsReader, openErr := fileutil.OpenFile(ctx.Context, pathsFile)
			if openErr != nil {
				return openErr
			}
			defer func() {
				err = errors.Join(err, fileutil.CloseFile(pathsReader))
			}()
			source = pathsReader
		} else if ctx.String("input") == "" && stdinHasData() {
			source = os.Stdin
		}
		if err = predictImages(ctx.Context, pipeline, ctx.String("input"), source, writer, batchSize, workers); err != nil {
			return err
		}
		stats := pipeline.GetStatistics()
		log.Info().Uint64("images", stats.TotalImages).Dur("preprocess", stats.PreprocessTotalTime).Dur("inference", stats.OnnxTotalTime).Msg("prediction finished")
		if ctx.Bool("stats") {
			return stats.Print(ctx.App.ErrWriter)
		}
		return nil
	},
}

type batchPredictor interface {
	RunWithBytes(inputs [][]byte) (*pipelines.ImageClassificationOutput, error)
}

type imageFile struct {
	path string
	data []byte
	// err is set when the file could not be read; the image gets an error line instead of a prediction.
	err error
}

type predictionLine struct {
	Input  string                            `json:"input"`
	Output *pipelines.ImageClassificationRow `json:"output,omitempty"`
	Error  string                            `json:"error,omitempty"`
}

// predictImages classifies the images found at inputPath, or listed in source when inputPath is empty,
// and writes one JSON line per image.
func predictImages(ctx context.Context, p batchPredictor, inputPath string, source io.Reader, writer io.Writer, batchSize int, workers int) error {
	if inputPath == "" && source == nil {
		return errors.New("no input: pass --input or pipe image paths on stdin")
	}
	g, gCtx := errgroup.WithContext(ctx)
	batches := make(chan []imageFile, workers)
	g.Go(func() error {
		defer close(batches)
		return readImages(gCtx, inputPath, source, batchSize, batches)
	})

	var mu sync.Mutex
	encoder := json.NewEncoder(writer)
	for range workers {
		g.Go(func() error {
			for batch := range batches {
				lines := predictBatch(p, batch)
				mu.Lock()
				for _, line := range lines {
					if err := encoder.Encode(line); err != nil {
						mu.Unlock()
						return err
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// predictBatch runs a batch and, when the batch fails, each image on its own so that one bad file
// only fails its own line.
func predictBatch(p batchPredictor, batch []imageFile) []predictionLine {
	var lines []predictionLine
	readable := make([]imageFile, 0, len(batch))
	for _, f := range batch {
		if f.err != nil {
			log.Warn().Err(f.err).Str("input", f.path).Msg("reading image failed")
			lines = append(lines, predictionLine{Input: f.path, Error: f.err.Error()})
			continue
		}
		readable = append(readable, f)
	}
	if len(readable) == 0 {
		return lines
	}
	return append(lines, runBatch(p, readable)...)
}

func runBatch(p batchPredictor, batch []imageFile) []predictionLine {
	inputs := make([][]byte, len(batch))
	for i, f := range batch {
		inputs[i] = f.data
	}
	output, err := p.RunWithBytes(inputs)
	if err != nil && len(batch) > 1 {
		lines := make([]predictionLine, 0, len(batch))
		for _, f := range batch {
			lines = append(lines, runBatch(p, []imageFile{f})...)
		}
		return lines
	}
	lines := make([]predictionLine, len(batch))
	if err != nil {
		log.Warn().Err(err).Str("input", batch[0].path).Msg("prediction failed")
		lines[0] = predictionLine{Input: batch[0].path, Error: err.Error()}
		return lines
	}
	rows := output.Rows()
	for i, f := range batch {
		lines[i] = predictionLine{Input: f.path, Output: &rows[i]}
	}
	return lines
}

// readImages sends batches of images from inputPath, or from the paths listed in source when inputPath is empty.
func readImages(ctx context.Context, inputPath string, source io.Reader, batchSize int, out chan<- []imageFile) error {
	batch := make([]imageFile, 0, batchSize)
	flush := func() error {
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = make([]imageFile, 0, batchSize)
		return nil
	}
	emit := func(f imageFile) error {
		batch = append(batch, f)
		if len(batch) < batchSize {
			return nil
		}
		return flush()
	}

	var err error
	if inputPath != "" {
		err = walkImages(ctx, inputPath, emit)
	} else {
		err = readImagePaths(ctx, source, emit)
	}
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return flush()
	}
	return nil
}

func walkImages(ctx context.Context, inputPath string, emit func(imageFile) error) error {
	info, err := fileutil.FileStats(inputPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		data, readErr := fileutil.ReadFileBytesContext(ctx, inputPath)
		if readErr != nil {
			return readErr
		}
		return emit(imageFile{path: inputPath, data: data})
	}
	walk := fileutil.WalkDir()
	return walk(ctx, inputPath, func(_ context.Context, _ string, parent string, info os.FileInfo, reader io.Reader) (bool, error) {
		if info.IsDir() || !isImageFile(info.Name()) {
			return true, nil
		}
		data, readErr := io.ReadAll(reader)
		if readErr != nil {
			return false, readErr
		}
		return true, emit(imageFile{path: fileutil.PathJoinSafe(inputPath, parent, info.Name()), data: data})
	})
}

// readImagePaths reads one image path per line. A path that cannot be read is still emitted, with its error.
func readImagePaths(ctx context.Context, source io.Reader, emit func(imageFile) error) error {
	reader := bufio.NewReader(source)
	for {
		line, err := fileutil.ReadLine(reader)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if path := strings.TrimSpace(string(line)); path != "" {
			data, readErr := fileutil.ReadFileBytesContext(ctx, path)
			if emitErr := emit(imageFile{path: path, data: data, err: readErr}); emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			return nil
		}
	}
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return true
	}
	return false
}
