package main

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/client"
	"github.com/knights-analytics/servable/pipelines"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "Send one image to a servable and check the prediction it returns",
	Description: `Validate loads a servable version in process (--servable) or calls a running server (--url and --model),
				submits the image as a single encoded image and checks that one row of topK classes with probabilities
				in [0, 1], sorted in descending order, comes back.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "image",
			Usage:    "Image to submit",
			Aliases:  []string{"i"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  "servable",
			Usage: "Servable root to load in process",
		},
		&cli.Int64Flag{
			Name:  "version",
			Usage: "Version to validate, 0 for the latest",
		},
		&cli.StringFlag{
			Name:    "url",
			Usage:   "Base URL of a running server",
			EnvVars: []string{"SERVABLE_URL"},
		},
		&cli.StringFlag{
			Name:  "model",
			Usage: "Model name on the server",
		},
		&cli.StringFlag{
			Name:  "signature",
			Usage: "Signature to call on the server, empty for the default",
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		root, url := ctx.String("servable"), ctx.String("url")
		var output *pipelines.ImageClassificationOutput
		switch {
		case root != "" && url != "":
			return errors.New("use either --servable or --url, not both")
		case root != "":
			session, sessionErr := newSession()
			if sessionErr != nil {
				return sessionErr
			}
			defer destroySession(session, &err)
			output, err = servable.ValidateServable(ctx.Context, session, root, ctx.Int64("version"), ctx.String("image"))
		case url != "":
			if ctx.String("model") == "" {
				return errors.New("--model is required with --url")
			}
			c := client.New(url, ctx.String("model"))
			c.Version = ctx.Int64("version")
			c.SignatureName = ctx.String("signature")
			output, err = c.Validate(ctx.Context, ctx.String("image"))
		default:
			return errors.New("one of --servable or --url is required")
		}
		if output != nil {
			encoder := json.NewEncoder(ctx.App.Writer)
			for _, row := range output.Rows() {
				err = errors.Join(err, encoder.Encode(row))
			}
		}
		return err
	},
}
