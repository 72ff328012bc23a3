package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/util/fileutil"
)

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Fetch pre-trained ONNX weights to export",
	ArgsUsage: "<source>: a Hugging Face repository such as KnightsAnalytics/resnet50, an s3:// or http(s):// URL, or a local path",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Usage:   "Directory to download into",
			Aliases: []string{"o"},
			Value:   "./models",
		},
		&cli.StringFlag{
			Name:    "authToken",
			Usage:   "Hugging Face token for gated or private repositories",
			EnvVars: []string{"HF_TOKEN"},
		},
		&cli.StringFlag{
			Name:  "onnxFilePath",
			Usage: "Graph file inside a Hugging Face repository, empty to pick its only .onnx file",
			Value: servable.NewDownloadOptions().OnnxFilePath,
		},
		&cli.StringFlag{
			Name:  "branch",
			Usage: "Hugging Face branch or revision",
			Value: servable.NewDownloadOptions().Branch,
		},
		&cli.StringSliceFlag{
			Name:  "extra",
			Usage: "Additional repository files to fetch, e.g. a labels file. Repeatable",
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Attempts per file",
			Value: servable.NewDownloadOptions().MaxRetries,
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one source, got %d", ctx.NArg())
		}
		destination := ctx.String("output")
		exists, err := fileutil.FileExistsContext(ctx.Context, destination)
		if err != nil {
			return err
		}
		if !exists {
			if err = fileutil.CreateFile(destination, true); err != nil {
				return err
			}
		}
		downloadOptions := servable.NewDownloadOptions()
		downloadOptions.AuthToken = ctx.String("authToken")
		downloadOptions.OnnxFilePath = ctx.String("onnxFilePath")
		downloadOptions.Branch = ctx.String("branch")
		downloadOptions.ExtraFiles = ctx.StringSlice("extra")
		downloadOptions.MaxRetries = ctx.Int("retries")

		modelPath, err := servable.DownloadModel(ctx.Context, ctx.Args().First(), destination, downloadOptions)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, modelPath)
		return err
	},
}
