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
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"knrpc/config"
	"knrpc/demo/api"
	demo "knrpc/demo/provider"
	"knrpc/internal/logx"
	"knrpc/middleware"
	"knrpc/provider"
	"knrpc/server"
)

func main() {
	def := config.DefaultProvider()
	app := cli.NewApp()
	app.Name = "knrpc-provider"
	app.Usage = "Serve the demo UserService"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen", Value: def.Listen, Usage: "bind address", EnvVar: "KNRPC_LISTEN"},
		cli.StringFlag{Name: "advertise", Value: def.Advertise, Usage: "address announced to the registry", EnvVar: "KNRPC_ADVERTISE"},
		cli.StringFlag{Name: "network", Value: def.Network, Usage: "tcp or http", EnvVar: "KNRPC_NETWORK"},
		cli.StringFlag{Name: "region", Usage: "region metadata of this instance", EnvVar: "KNRPC_REGION"},
		cli.IntFlag{Name: "weight", Value: def.Weight, Usage: "weight metadata of this instance", EnvVar: "KNRPC_WEIGHT"},
		cli.StringFlag{Name: "registry", Value: def.Registry.Kind, Usage: "memory, etcd or redis", EnvVar: "KNRPC_REGISTRY"},
		cli.StringSliceFlag{Name: "registry-endpoint", Usage: "registry endpoints (default 127.0.0.1:2379)", EnvVar: "KNRPC_REGISTRY_ENDPOINTS"},
		cli.DurationFlag{Name: "registry-ttl", Value: def.Registry.TTL, Usage: "lease of a registration", EnvVar: "KNRPC_REGISTRY_TTL"},
		cli.DurationFlag{Name: "timeout", Value: def.Timeout, Usage: "per request timeout", EnvVar: "KNRPC_TIMEOUT"},
		cli.Float64Flag{Name: "rate-limit", Value: def.RateLimit, Usage: "requests per second", EnvVar: "KNRPC_RATE_LIMIT"},
		cli.IntFlag{Name: "rate-burst", Value: def.RateBurst, Usage: "rate limiter burst", EnvVar: "KNRPC_RATE_BURST"},
		cli.StringFlag{Name: "metrics-listen", Usage: "serve /metrics on this address", EnvVar: "KNRPC_METRICS_LISTEN"},
		cli.StringFlag{Name: "log-level", Value: def.LogLevel, Usage: "dev, debug, info, warn, error", EnvVar: "KNRPC_LOG_LEVEL"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func providerConfig(c *cli.Context) config.Provider {
	cfg := config.DefaultProvider()
	cfg.Listen = c.String("listen")
	cfg.Advertise = c.String("advertise")
	cfg.Network = c.String("network")
	cfg.Region = c.String("region")
	cfg.Weight = c.Int("weight")
	cfg.Registry.Kind = c.String("registry")
	if endpoints := c.StringSlice("registry-endpoint"); len(endpoints) > 0 {
		cfg.Registry.Endpoints = endpoints
	}
	cfg.Registry.TTL = c.Duration("registry-ttl")
	cfg.Timeout = c.Duration("timeout")
	cfg.RateLimit = c.Float64("rate-limit")
	cfg.RateBurst = c.Int("rate-burst")
	cfg.MetricsListen = c.String("metrics-listen")
	cfg.LogLevel = c.String("log-level")
	return cfg
}

func run(c *cli.Context) error {
	cfg := providerConfig(c)
	logger, err := logx.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg, err := cfg.Registry.Open(logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	b := provider.NewBootstrap(cfg.Instance(),
		provider.BootstrapWithRegistry(reg),
		provider.BootstrapWithLogger(logger))
	if err = provider.Export[api.UserService](b, &demo.UserService{Addr: cfg.Advertise}); err != nil {
		return err
	}

	metrics, err := (&middleware.MetricsBuilder{
		Namespace: "knrpc",
		Subsystem: "provider",
		Name:      "dispatch",
		Help:      "provider dispatch",
		Address:   cfg.Advertise,
	}).Build()
	if err != nil {
		return err
	}
	srv := server.NewServer(b.Table(),
		server.ServerWithBootstrap(b),
		server.ServerWithLogger(logger),
		server.ServerWithMiddlewares(
			middleware.LoggingMiddleware(logger),
			metrics,
			middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst),
			middleware.TimeOutMiddleware(cfg.Timeout),
		))

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(cfg.Network, cfg.Listen)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err = <-served:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	err = srv.Shutdown(ctx)
	return errors.Join(err, <-served)
}
