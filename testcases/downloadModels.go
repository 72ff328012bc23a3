package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/util/fileutil"
)

// download the models and images used by the integration tests.

type downloadModel struct {
	name         string
	onnxFilePath string
	extraFiles   []string
}

var models = []downloadModel{
	{name: "KnightsAnalytics/resnet50", onnxFilePath: "squeezenet1.1.onnx"},
}

// Additional files to download (direct URLs).
var extraFiles = []struct {
	url, dest string
}{
	// Cat image from HuggingFace cats-image dataset
	{"https://huggingface.co/datasets/huggingface/cats-image/resolve/main/cats_image.jpeg", "./models/imageData/cat.jpg"},
}

func main() {
	ctx := context.Background()
	for _, dir := range []string{"./models", "./models/imageData"} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("creating directory")
		}
	}

	for _, model := range models {
		destination := "./models/" + strings.ReplaceAll(model.name, "/", "_")
		ok, err := fileutil.FileExists(destination)
		if err != nil {
			log.Fatal().Err(err).Msg("checking models")
		}
		if ok {
			continue
		}
		if err = os.MkdirAll(destination, os.ModePerm); err != nil {
			log.Fatal().Err(err).Msg("creating model directory")
		}
		options := servable.NewDownloadOptions()
		if model.onnxFilePath != "" {
			options.OnnxFilePath = model.onnxFilePath
		}
		options.ExtraFiles = model.extraFiles
		if _, err = servable.DownloadModel(ctx, model.name, destination, options); err != nil {
			log.Fatal().Err(err).Str("model", model.name).Msg("download failed")
		}
	}

	for _, f := range extraFiles {
		if exists, _ := fileutil.FileExists(f.dest); exists {
			continue
		}
		options := servable.NewDownloadOptions()
		if _, err := servable.DownloadModel(ctx, f.url, filepath.Dir(f.dest), options); err != nil {
			log.Fatal().Err(err).Str("url", f.url).Msg("download failed")
		}
		// DownloadModel keeps the remote file name
		downloaded := filepath.Join(filepath.Dir(f.dest), filepath.Base(f.url))
		if err := os.Rename(downloaded, f.dest); err != nil {
			log.Fatal().Err(err).Msg("renaming download")
		}
	}
}
