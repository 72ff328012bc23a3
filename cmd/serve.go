package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/servable/server"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the latest version of one or more servables over REST",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "root",
			Usage:    "Servable root, as name=path or path (the directory name is used as the model name). Repeatable",
			Aliases:  []string{"r"},
			EnvVars:  []string{"SERVABLE_ROOTS"},
			Required: true,
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "HTTP port",
			Aliases: []string{"p"},
			EnvVars: []string{"PORT"},
			Value:   8501,
		},
		&cli.IntFlag{
			Name:    "maxConcurrentRuns",
			Usage:   "Forward passes that may run at once per model (GO backend). 0 keeps the backend default of 1",
			EnvVars: []string{"SERVABLE_MAX_CONCURRENT_RUNS"},
		},
		&cli.DurationFlag{
			Name:  "poll",
			Usage: "Interval between scans for new versions, 0 to disable",
			Value: 30 * time.Second,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		roots, err := parseRoots(ctx.StringSlice("root"))
		if err != nil {
			return err
		}
		sessionOptions, err := concurrencyOptions(ctx.Int("maxConcurrentRuns"))
		if err != nil {
			return err
		}
		session, err := newSession(sessionOptions...)
		if err != nil {
			return err
		}
		defer destroySession(session, &err)

		registry := server.NewRegistry(server.SessionLoader(session))
		for _, r := range roots {
			if err = registry.Add(ctx.Context, r.name, r.path); err != nil {
				return fmt.Errorf("loading %s: %w", r.name, err)
			}
		}
		return server.New(registry).Run(ctx.Context, fmt.Sprintf(":%d", ctx.Int("port")), ctx.Duration("poll"))
	},
}

type servableRoot struct {
	name string
	path string
}

func parseRoots(values []string) ([]servableRoot, error) {
	roots := make([]servableRoot, 0, len(values))
	seen := map[string]bool{}
	for _, v := range values {
		r := servableRoot{}
		if name, path, found := strings.Cut(v, "="); found {
			r.name, r.path = name, path
		} else {
			r.path = v
			r.name = filepath.Base(strings.TrimSuffix(v, "/"))
		}
		if r.name == "" || r.path == "" {
			return nil, fmt.Errorf("invalid servable root %q", v)
		}
		if seen[r.name] {
			return nil, fmt.Errorf("model %s is listed more than once", r.name)
		}
		seen[r.name] = true
		roots = append(roots, r)
	}
	return roots, nil
}
