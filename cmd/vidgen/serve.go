package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vidgen/internal/api"
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/metrics"
	"github.com/samcharles93/vidgen/internal/runner"
	"github.com/samcharles93/vidgen/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		outputDir   string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API",
		Flags: append(generationFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8000",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "output-dir",
				Usage:       "directory relative save paths resolve against",
				Destination: &outputDir,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			user := LoadConfig()
			if user.ServerAddress != "" && !c.IsSet("addr") {
				addr = user.ServerAddress
			}
			if user.OutputDir != "" && !c.IsSet("output-dir") {
				outputDir = user.OutputDir
			}
			cfg, err := runnerConfigFromCommand(c)
			if err != nil {
				return err
			}

			m := metrics.New(prometheus.DefaultRegisterer)
			r, err := runner.New(ctx, cfg, log, m)
			if err != nil {
				return fmt.Errorf("build runner: %w", err)
			}
			defer func() { _ = r.Close() }()

			server := api.NewServer(r, api.ServerConfig{
				OutputDir: outputDir,
				Version:   version.String(),
				Metrics:   promhttp.Handler(),
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "output_dir", outputDir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
