// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"testing"

	"github.com/containerd/errdefs"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in           string
		want         URI
		wantRegistry string
	}{
		{"coredump", URI{Name: "coredump"}, DefaultRegistry},
		{"coredump:latest", URI{Name: "coredump"}, DefaultRegistry},
		{"coredump:0.2.0", URI{Name: "coredump", Version: "0.2.0"}, DefaultRegistry},
		{
			"registry.memflow.xyz/coredump:0.2.0",
			URI{Registry: "https://registry.memflow.xyz", Name: "coredump", Version: "0.2.0"},
			"https://registry.memflow.xyz",
		},
		{
			"http://registry.memflow.xyz/coredump:0.2.0",
			URI{Registry: "http://registry.memflow.xyz", Name: "coredump", Version: "0.2.0"},
			"http://registry.memflow.xyz",
		},
		{
			"localhost:3000/coredump",
			URI{Registry: "https://localhost:3000", Name: "coredump"},
			"https://localhost:3000",
		},
		{
			"registry.memflow.xyz/coredump/test1234",
			URI{Registry: "https://registry.memflow.xyz/coredump", Name: "test1234"},
			"https://registry.memflow.xyz/coredump",
		},
	}
	for _, tt := range tests {
		got, err := ParseURI(tt.in)
		if err != nil {
			t.Errorf("ParseURI(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseURI(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if r := got.RegistryURL(); r != tt.wantRegistry {
			t.Errorf("ParseURI(%q).RegistryURL() = %q, want %q", tt.in, r, tt.wantRegistry)
		}
	}
}

func TestParseURIErrors(t *testing.T) {
	for _, in := range []string{
		"",
		":0.2.0",
		"coredump:0.2.0:1.0.0",
		"coredump:banana",
		"/coredump",
		"http://coredump",
		"registry.memflow.xyz/",
	} {
		if _, err := ParseURI(in); !errdefs.IsInvalidArgument(err) {
			t.Errorf("ParseURI(%q) error = %v, want invalid argument", in, err)
		}
	}
}

func TestURIString(t *testing.T) {
	for _, in := range []string{
		"coredump",
		"coredump:0.2.0",
		"https://registry.memflow.xyz/coredump:1.2.3",
	} {
		u, err := ParseURI(in)
		if err != nil {
			t.Fatalf("ParseURI(%q): %v", in, err)
		}
		if got := u.String(); got != in {
			t.Errorf("String() = %q, want %q", got, in)
		}
	}
}
