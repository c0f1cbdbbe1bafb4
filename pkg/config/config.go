// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the registry server configuration.
//
// Values are layered, lowest precedence first: built-in defaults, an optional
// TOML file, an optional .env file and the process environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the registry server.
type Config struct {
	Addr          string `toml:"addr" env:"MEMFLOW_ADDR"`
	StorageRoot   string `toml:"storage_root" env:"MEMFLOW_STORAGE_ROOT"`
	PublicKeyFile string `toml:"public_key_file" env:"MEMFLOW_PUBLIC_KEY_FILE"`
	BearerToken   string `toml:"bearer_token" env:"MEMFLOW_BEARER_TOKEN"`

	MaxUploadSize  int64         `toml:"max_upload_size" env:"MEMFLOW_MAX_UPLOAD_SIZE"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"MEMFLOW_REQUEST_TIMEOUT"`
	// WriteRateLimit is requests per minute per client IP on write routes.
	// Zero disables the limit.
	WriteRateLimit int      `toml:"write_rate_limit" env:"MEMFLOW_WRITE_RATE_LIMIT"`
	CORSOrigins    []string `toml:"cors_origins" env:"MEMFLOW_CORS_ORIGINS"`

	LogLevel     string `toml:"log_level" env:"MEMFLOW_LOG_LEVEL"`
	LogFormat    string `toml:"log_format" env:"MEMFLOW_LOG_FORMAT"`
	OTLPEndpoint string `toml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:           "0.0.0.0:3000",
		StorageRoot:    ".storage",
		MaxUploadSize:  20 << 20,
		RequestTimeout: 60 * time.Second,
		LogLevel:       "info",
		LogFormat:      FormatConsole,
	}
}

// Sources names the optional inputs to Load.
type Sources struct {
	// File is a TOML file. It must exist when set.
	File string
	// EnvFile is a dotenv file. A missing file is ignored.
	EnvFile string
	// Lookuper defaults to the process environment.
	Lookuper envconfig.Lookuper
}

// Load builds a Config from src and validates it.
func Load(ctx context.Context, src Sources) (Config, error) {
	cfg := Default()
	if src.File != "" {
		md, err := toml.DecodeFile(src.File, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if und := md.Undecoded(); len(und) > 0 {
			keys := make([]string, len(und))
			for i, k := range und {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config file %s: unknown keys %s", src.File, strings.Join(keys, ", "))
		}
	}

	l := src.Lookuper
	if l == nil {
		l = envconfig.OsLookuper()
	}
	if src.EnvFile != "" {
		dotenv, err := godotenv.Read(src.EnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read env file: %w", err)
		}
		if len(dotenv) > 0 {
			l = envconfig.MultiLookuper(l, envconfig.MapLookuper(dotenv))
		}
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         l,
		DefaultOverwrite: true,
	}); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting in c.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr must be set")
	case c.StorageRoot == "":
		return errors.New("storage_root must be set")
	case c.MaxUploadSize <= 0:
		return fmt.Errorf("max_upload_size must be positive, got %d", c.MaxUploadSize)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	case c.WriteRateLimit < 0:
		return fmt.Errorf("write_rate_limit must not be negative, got %d", c.WriteRateLimit)
	case c.LogFormat != FormatConsole && c.LogFormat != FormatJSON:
		return fmt.Errorf("log_format must be %q or %q, got %q", FormatConsole, FormatJSON, c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
