package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/util/imageutil"
)

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Export pre-trained ONNX weights as a versioned servable",
	Description: `Export copies the model graph into <output>/<version>/model.onnx and writes the servable.json manifest
				with the serving_default signature next to it. Without --version the next free version is used.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "model",
			Usage:    "Path or URL of the .onnx graph",
			Aliases:  []string{"m"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "output",
			Usage:    "Servable root directory",
			Aliases:  []string{"o"},
			EnvVars:  []string{"SERVABLE_ROOT"},
			Required: true,
		},
		&cli.Int64Flag{
			Name:  "version",
			Usage: "Version to export, 0 for the next free version",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Model name recorded in the manifest",
		},
		&cli.StringFlag{
			Name:  "labels",
			Usage: "Optional class names file (JSON list, JSON object keyed by class id, or one name per line)",
		},
		&cli.StringFlag{
			Name:  "signature",
			Usage: "Signature name",
			Value: format.DefaultSignatureName,
		},
		&cli.IntFlag{
			Name:  "topK",
			Usage: "Number of classes returned per image",
			Value: format.DefaultPostprocessing().TopK,
		},
		&cli.IntFlag{
			Name:  "imageSize",
			Usage: "Side of the square model input",
			Value: format.DefaultPreprocessing().ImageSize,
		},
		&cli.IntFlag{
			Name:  "resizeSize",
			Usage: "Shorter side the image is resized to before the centre crop",
			Value: format.DefaultPreprocessing().ResizeSize,
		},
		&cli.StringFlag{
			Name:  "normalization",
			Usage: "Pixel normalization: caffe, imagenet, tf, rescale or none",
			Value: format.DefaultPreprocessing().Normalization,
		},
		&cli.StringFlag{
			Name:  "layout",
			Usage: "Input tensor layout: NHWC or NCHW",
			Value: format.DefaultPreprocessing().Layout,
		},
		&cli.BoolFlag{
			Name:  "softmax",
			Usage: "Apply a softmax to the model output, for graphs that emit logits",
		},
		&cli.BoolFlag{
			Name:  "verify",
			Usage: "Load the export with the selected backend and remove it again if it cannot serve",
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		config := servable.ExportConfig{
			ModelPath:     ctx.String("model"),
			Root:          ctx.String("output"),
			Version:       ctx.Int64("version"),
			Name:          ctx.String("name"),
			LabelsPath:    ctx.String("labels"),
			SignatureName: ctx.String("signature"),
			Preprocessing: format.Preprocessing{
				ResizeSize:    ctx.Int("resizeSize"),
				ImageSize:     ctx.Int("imageSize"),
				Normalization: ctx.String("normalization"),
				Layout:        ctx.String("layout"),
			},
			Postprocessing: format.Postprocessing{
				Softmax: ctx.Bool("softmax"),
				TopK:    ctx.Int("topK"),
			},
			Verify: ctx.Bool("verify"),
		}
		if _, err = imageutil.NormalizationStepsByName(config.Preprocessing.Normalization); err != nil {
			return err
		}
		if config.Verify {
			session, sessionErr := newSession()
			if sessionErr != nil {
				return sessionErr
			}
			defer destroySession(session, &err)
			config.Session = session
		}
		versionDir, err := servable.Export(ctx.Context, config)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, versionDir)
		return err
	},
}
