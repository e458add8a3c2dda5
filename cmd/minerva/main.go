// Package main provides the minerva CLI: inspect, convert and run local
// GGUF and SafeTensors models.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/casonadams/minerva-sub000/internal/config"
	"github.com/casonadams/minerva-sub000/internal/logger"
)

type configKey struct{}

func main() {
	app := &cli.Command{
		Name:  "minerva",
		Usage: "Local LLM inference runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML runtime config", Sources: cli.EnvVars("MINERVA_CONFIG")},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
			&cli.StringFlag{Name: "log-format", Usage: "console or json (overrides config)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address (overrides config)"},
		},
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectCmd(),
			generateCmd(),
			convertCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1) //nolint:gocritic // stop already ran.
	}
}

// setup reads the config file, applies flag overrides, configures logging and
// starts the metrics endpoint.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return ctx, err
		}
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := cmd.String("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return ctx, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.Metrics.Addr != "" {
		serveMetrics(ctx, cfg.Metrics.Addr)
	}
	return context.WithValue(ctx, configKey{}, cfg), nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Log.Info("metrics serving", "address", addr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

func runtimeConfig(ctx context.Context) config.Config {
	if cfg, ok := ctx.Value(configKey{}).(config.Config); ok {
		return cfg
	}
	return config.Default()
}
