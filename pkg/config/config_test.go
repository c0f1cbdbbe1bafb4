// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), Sources{Lookuper: envconfig.MapLookuper(nil)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPrecedence(t *testing.T) {
	file := writeFile(t, "plugreg.toml", `
addr = "127.0.0.1:4000"
storage_root = "/var/lib/plugreg"
request_timeout = "30s"
log_level = "debug"
cors_origins = ["https://a.example"]
`)
	envFile := writeFile(t, ".env", `
MEMFLOW_STORAGE_ROOT=/srv/plugreg
MEMFLOW_BEARER_TOKEN=from-dotenv
MEMFLOW_WRITE_RATE_LIMIT=30
`)
	env := envconfig.MapLookuper(map[string]string{
		"MEMFLOW_BEARER_TOKEN":        "from-env",
		"MEMFLOW_MAX_UPLOAD_SIZE":     "1048576",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4318",
	})

	cfg, err := Load(context.Background(), Sources{File: file, EnvFile: envFile, Lookuper: env})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Config{
		Addr:           "127.0.0.1:4000",
		StorageRoot:    "/srv/plugreg",
		BearerToken:    "from-env",
		MaxUploadSize:  1 << 20,
		RequestTimeout: 30 * time.Second,
		WriteRateLimit: 30,
		CORSOrigins:    []string{"https://a.example"},
		LogLevel:       "debug",
		LogFormat:      FormatConsole,
		OTLPEndpoint:   "http://collector:4318",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(context.Background(), Sources{
		EnvFile:  filepath.Join(t.TempDir(), "absent.env"),
		Lookuper: envconfig.MapLookuper(nil),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		toml    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown key", toml: "adr = \"x\"\n", wantErr: "unknown keys adr"},
		{name: "bad toml", toml: "addr = \n", wantErr: "read config file"},
		{name: "bad duration", env: map[string]string{"MEMFLOW_REQUEST_TIMEOUT": "soon"}, wantErr: "read environment"},
		{name: "negative rate", env: map[string]string{"MEMFLOW_WRITE_RATE_LIMIT": "-1"}, wantErr: "write_rate_limit"},
		{name: "zero size", env: map[string]string{"MEMFLOW_MAX_UPLOAD_SIZE": "0"}, wantErr: "max_upload_size"},
		{name: "log format", env: map[string]string{"MEMFLOW_LOG_FORMAT": "xml"}, wantErr: "log_format"},
		{name: "log level", env: map[string]string{"MEMFLOW_LOG_LEVEL": "loud"}, wantErr: "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := Sources{Lookuper: envconfig.MapLookuper(tt.env)}
			if tt.toml != "" {
				src.File = writeFile(t, "c.toml", tt.toml)
			}
			_, err := Load(context.Background(), src)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "WARN"
	lvl, err := cfg.Level()
	if err != nil {
		t.Fatalf("Level: %v", err)
	}
	if lvl != zerolog.WarnLevel {
		t.Errorf("Level = %v, want %v", lvl, zerolog.WarnLevel)
	}
}
