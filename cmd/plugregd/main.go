// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command plugregd serves a plugin registry over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shayne/yargs"
	"github.com/yeetrun/plugreg/pkg/blobstore"
	"github.com/yeetrun/plugreg/pkg/config"
	"github.com/yeetrun/plugreg/pkg/pki"
	"github.com/yeetrun/plugreg/pkg/registry"
	"github.com/yeetrun/plugreg/pkg/telemetry"
	"tailscale.com/util/must"
)

var version = "dev"

type flags struct {
	Config  string `flag:"config" short:"c" help:"TOML configuration file"`
	EnvFile string `flag:"env-file" help:"dotenv file to read (default: .env)"`
	Addr    string `flag:"addr" help:"Listen address, overrides configuration"`
	Version bool   `flag:"version" help:"Print the version and exit"`
}

func main() {
	res, err := yargs.ParseFlags[flags](os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if res.Flags.Version {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	envFile := res.Flags.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := config.Load(ctx, config.Sources{File: res.Flags.Config, EnvFile: envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if res.Flags.Addr != "" {
		cfg.Addr = res.Flags.Addr
	}

	logger := newLogger(cfg, os.Stderr)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("plugregd failed")
	}
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	if cfg.LogFormat == config.FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(must.Get(cfg.Level())).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, "plugregd", version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	reg, promReg, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: reg.Handler(registry.HandlerOptions{
			BearerToken:    cfg.BearerToken,
			MaxUploadSize:  cfg.MaxUploadSize,
			RequestTimeout: cfg.RequestTimeout,
			WriteRateLimit: cfg.WriteRateLimit,
			AllowedOrigins: cfg.CORSOrigins,
			Gatherer:       promReg,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("storage", cfg.StorageRoot).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newRegistry opens the store under cfg.StorageRoot and loads the index from
// it. Store and registry log through logger.
func newRegistry(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*registry.Registry, *prometheus.Registry, error) {
	store, err := blobstore.New(cfg.StorageRoot, blobstore.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	var verifier *pki.Verifier
	if cfg.PublicKeyFile != "" {
		verifier, err = pki.LoadVerifier(cfg.PublicKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load public key: %w", err)
		}
		logger.Info().Str("path", cfg.PublicKeyFile).Msg("signature verification enabled")
	} else {
		logger.Warn().Msg("no public key configured, uploads are accepted unsigned")
	}
	if cfg.BearerToken == "" {
		logger.Warn().Msg("no bearer token configured, write endpoints are open")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg := registry.New(store, registry.Options{
		Logger:   logger,
		Verifier: verifier,
		Metrics:  promReg,
	})
	if err := reg.Rebuild(ctx); err != nil {
		return nil, nil, fmt.Errorf("rebuild index: %w", err)
	}
	return reg, promReg, nil
}
