// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"debug/elf"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/yeetrun/plugreg/pkg/api"
	"github.com/yeetrun/plugreg/pkg/blobstore"
	"github.com/yeetrun/plugreg/pkg/client"
	"github.com/yeetrun/plugreg/pkg/descriptor"
	"github.com/yeetrun/plugreg/pkg/descriptor/descriptortest"
	"github.com/yeetrun/plugreg/pkg/pki"
	"github.com/yeetrun/plugreg/pkg/registry"
)

func init() {
	color.NoColor = true
}

func TestParseGlobalFlags(t *testing.T) {
	t.Setenv("MEMFLOW_REGISTRY", "")
	t.Setenv("MEMFLOW_TOKEN", "from-env")

	g, rest, err := parseGlobalFlags([]string{"--registry", "http://localhost:3000", "find", "coredump", "--arch", "x86_64"})
	if err != nil {
		t.Fatalf("parseGlobalFlags: %v", err)
	}
	want := globalFlags{Registry: "http://localhost:3000", Token: "from-env", Format: formatTable}
	if g != want {
		t.Errorf("flags = %+v, want %+v", g, want)
	}
	if diff := cmp.Diff([]string{"find", "coredump", "--arch", "x86_64"}, rest); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}

	g, _, err = parseGlobalFlags([]string{"plugins"})
	if err != nil {
		t.Fatalf("parseGlobalFlags: %v", err)
	}
	if g.Registry != client.DefaultRegistry {
		t.Errorf("Registry = %q, want %q", g.Registry, client.DefaultRegistry)
	}

	if _, _, err := parseGlobalFlags([]string{"--format", "xml", "plugins"}); err == nil {
		t.Errorf("parseGlobalFlags accepted --format xml")
	}
}

func TestPullDestination(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		output string
		want   string
	}{
		{"", "libmemflow_coredump.so"},
		{dir, filepath.Join(dir, "libmemflow_coredump.so")},
		{filepath.Join(dir, "new") + "/", filepath.Join(dir, "new", "libmemflow_coredump.so")},
		{filepath.Join(dir, "custom.so"), filepath.Join(dir, "custom.so")},
	}
	for _, tt := range tests {
		got, err := pullDestination(tt.output, "libmemflow_coredump.so")
		if err != nil {
			t.Fatalf("pullDestination(%q): %v", tt.output, err)
		}
		if got != tt.want {
			t.Errorf("pullDestination(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

func TestBinaryName(t *testing.T) {
	tests := []struct {
		ft   descriptor.FileType
		want string
	}{
		{descriptor.FileTypeELF, "libmemflow_coredump.so"},
		{descriptor.FileTypePE, "memflow_coredump.dll"},
		{descriptor.FileTypeMach, "libmemflow_coredump.dylib"},
	}
	for _, tt := range tests {
		if got := binaryName(descriptor.Descriptor{Name: "CoreDump", FileType: tt.ft}); got != tt.want {
			t.Errorf("binaryName(%s) = %q, want %q", tt.ft, got, tt.want)
		}
	}
}

func TestFindFlagsQuery(t *testing.T) {
	q, err := findFlags{Version: "0.2.0", PluginVersion: "1", Arch: "arm64", Limit: 3}.query()
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got, want := q.Values().Encode(), "architecture=arm64&limit=3&memflow_plugin_version=1&version=0.2.0"; got != want {
		t.Errorf("query = %q, want %q", got, want)
	}
	if _, err := (findFlags{PluginVersion: "one"}).query(); err == nil {
		t.Errorf("query accepted --plugin-version one")
	}
}

func TestKeygenAndSign(t *testing.T) {
	out := filepath.Join(t.TempDir(), "key.pem")
	priv, pub, err := generateKeyPair(out, false)
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	if priv != out || pub != out+".pub" {
		t.Errorf("paths = %s, %s", priv, pub)
	}
	if fi, err := os.Stat(priv); err != nil || fi.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, %v", fi, err)
	}
	if _, _, err := generateKeyPair(out, false); err == nil {
		t.Errorf("generateKeyPair overwrote existing key")
	}

	s, err := pki.LoadSigner(priv)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	v, err := pki.LoadVerifier(pub)
	if err != nil {
		t.Fatalf("LoadVerifier: %v", err)
	}
	data := []byte("plugin")
	if err := v.Verify(data, s.Sign(data)); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestPrinter(t *testing.T) {
	ps := []api.PluginInfo{{Name: "coredump", Description: "win32 coredump connector"}}
	tests := []struct {
		format string
		want   string
	}{
		{formatTable, "NAME       DESCRIPTION\ncoredump   win32 coredump connector\n"},
		{formatJSON, "{\n  \"plugins\": [\n    {\n      \"name\": \"coredump\",\n      \"description\": \"win32 coredump connector\"\n    }\n  ]\n}\n"},
		{formatYAML, "plugins:\n  - name: coredump\n    description: win32 coredump connector\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := newPrinter(&buf, tt.format).plugins(ps); err != nil {
			t.Fatalf("%s: %v", tt.format, err)
		}
		if diff := cmp.Diff(tt.want, buf.String()); diff != "" {
			t.Errorf("%s output mismatch (-want +got):\n%s", tt.format, diff)
		}
	}
}

func TestPushPull(t *testing.T) {
	store, err := blobstore.New(t.TempDir(), blobstore.Options{})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	srv := httptest.NewServer(registry.New(store, registry.Options{}).Handler(registry.HandlerOptions{BearerToken: "secret"}))
	t.Cleanup(srv.Close)

	old := globals
	t.Cleanup(func() { globals = old })
	globals = globalFlags{Registry: srv.URL, Format: formatJSON}

	dir := t.TempDir()
	data := descriptortest.ELF(elf.EM_AARCH64, descriptortest.Coredump)
	src := filepath.Join(dir, "libmemflow_coredump.aarch64.so")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := handlePush(ctx, []string{"push", src}); err == nil || !strings.Contains(err.Error(), api.CodeUnauthorized) {
		t.Fatalf("push without token error = %v, want %s", err, api.CodeUnauthorized)
	}
	globals.Token = "secret"
	if err := handlePush(ctx, []string{"push", src}); err != nil {
		t.Fatalf("push: %v", err)
	}

	outDir := filepath.Join(dir, "out") + "/"
	if err := handlePull(ctx, []string{"pull", "coredump:0.2.0", "--arch", "arm64", "--any-platform", "-o", outDir}); err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "libmemflow_coredump.so"))
	if err != nil {
		t.Fatalf("read pulled file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("pulled %d bytes, want %d", len(got), len(data))
	}
	if err := handlePull(ctx, []string{"pull", "coredump", "--arch", "arm64", "--any-platform", "-o", outDir}); err == nil {
		t.Errorf("second pull overwrote the file without --force")
	}
	if err := handlePull(ctx, []string{"pull", "coredump:9.0.0", "--any-platform"}); err == nil {
		t.Errorf("pull of a missing version succeeded")
	}
}
