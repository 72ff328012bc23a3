package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/options"
)

var backend string
var sharedLibraryDir string
var logLevel string

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "backend",
		Usage:       "Inference backend used to load servables: GO or ORT",
		Aliases:     []string{"b"},
		EnvVars:     []string{"SERVABLE_BACKEND"},
		Destination: &backend,
		Value:       options.BackendGo,
	},
	&cli.StringFlag{
		Name:        "onnxruntimeSharedLibrary",
		Usage:       "Directory containing the onnxruntime shared library (ORT backend only)",
		Aliases:     []string{"s"},
		EnvVars:     []string{"ONNXRUNTIME_LIB_DIR"},
		Destination: &sharedLibraryDir,
	},
	&cli.StringFlag{
		Name:        "logLevel",
		Usage:       "trace, debug, info, warn or error",
		EnvVars:     []string{"SERVABLE_LOG_LEVEL"},
		Destination: &logLevel,
		Value:       "info",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "servable",
		Usage: "Export, serve and validate image classification servables",
		Flags: globalFlags,
		Before: func(_ *cli.Context) error {
			configureLogging()
			return nil
		},
		Commands: []*cli.Command{
			exportCommand,
			serveCommand,
			validateCommand,
			predictCommand,
			downloadCommand,
		},
	}
}

func main() {
	// a missing .env file is fine, the environment and flags still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("reading .env")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("servable failed")
		stop()
		os.Exit(1)
	}
}

func configureLogging() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}
	}
	log.DefaultLogger.SetLevel(log.ParseLevel(logLevel))
}

// newSession creates the session for the --backend flag.
func newSession(opts ...options.WithOption) (*servable.Session, error) {
	switch strings.ToUpper(backend) {
	case options.BackendGo:
		return servable.NewGoSession(opts...)
	case options.BackendORT:
		if sharedLibraryDir != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryDir))
		}
		return servable.NewORTSession(opts...)
	default:
		return nil, fmt.Errorf("backend %s not implemented", backend)
	}
}

// concurrencyOptions bounds concurrent forward passes per model. 0 keeps the backend default.
func concurrencyOptions(maxConcurrentRuns int) ([]options.WithOption, error) {
	if maxConcurrentRuns <= 0 {
		return nil, nil
	}
	if !strings.EqualFold(backend, options.BackendGo) {
		return nil, fmt.Errorf("--maxConcurrentRuns is only supported by the %s backend", options.BackendGo)
	}
	return []options.WithOption{options.WithMaxConcurrentRuns(maxConcurrentRuns)}, nil
}

func destroySession(session *servable.Session, err *error) {
	*err = errors.Join(*err, session.Destroy())
}

func stdinHasData() bool {
	return !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd())
}
