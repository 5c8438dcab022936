package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gptoss/internal/api"
	"github.com/samcharles93/gptoss/internal/inference"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rps         float64
		burst       int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve an OpenAI-compatible chat completions API",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "max requests per second (0 = unlimited)",
				Value:       10,
				Destination: &rps,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "rate limiter burst size",
				Value:       20,
				Destination: &burst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := newLogger()

			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
				Logger:           log,
			})
			defaults := inference.EngineConfig{
				MaxKV: int(maxContext),
			}
			server := api.NewServer(provider, defaults)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			if rps > 0 {
				e.Use(api.RateLimit(rps, int(burst)))
			}
			server.Register(e)

			log.Info("starting server", "address", addr)
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
