// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/errdefs"
)

// DefaultRegistry is used when a URI names no registry.
const DefaultRegistry = "https://registry.memflow.io"

// Latest is the version tag that selects the newest variant.
const Latest = "latest"

// URI identifies a plugin, optionally pinned to a version and hosted on a
// specific registry. Its textual forms are
//
//	name
//	name:version
//	[scheme://]host[/path]/name[:version]
//
// https is implied when no scheme is given.
type URI struct {
	// Registry is the registry base URL. Empty means DefaultRegistry.
	Registry string
	Name     string
	// Version is empty for the newest variant.
	Version string
}

// ParseURI parses a plugin URI. A version other than "latest" must be a valid
// semantic version.
func ParseURI(s string) (URI, error) {
	var u URI
	image := s
	if i := strings.LastIndex(s, "/"); i >= 0 {
		reg := s[:i]
		image = s[i+1:]
		if reg == "" || strings.HasSuffix(reg, ":/") {
			return URI{}, fmt.Errorf("missing registry host in plugin uri %q: %w", s, errdefs.ErrInvalidArgument)
		}
		if !strings.HasPrefix(reg, "http://") && !strings.HasPrefix(reg, "https://") {
			reg = "https://" + reg
		}
		pu, err := url.Parse(reg)
		if err != nil || pu.Host == "" {
			return URI{}, fmt.Errorf("invalid registry in plugin uri %q: %w", s, errdefs.ErrInvalidArgument)
		}
		u.Registry = reg
	}

	name, version, _ := strings.Cut(image, ":")
	if name == "" {
		return URI{}, fmt.Errorf("missing plugin name in %q: %w", s, errdefs.ErrInvalidArgument)
	}
	u.Name = name
	if version != "" && version != Latest {
		if _, err := semver.NewVersion(version); err != nil {
			return URI{}, fmt.Errorf("invalid version %q in plugin uri: %w: %w", version, err, errdefs.ErrInvalidArgument)
		}
		u.Version = version
	}
	return u, nil
}

// RegistryURL returns the registry the URI points at.
func (u URI) RegistryURL() string {
	if u.Registry == "" {
		return DefaultRegistry
	}
	return u.Registry
}

func (u URI) String() string {
	var sb strings.Builder
	if u.Registry != "" {
		sb.WriteString(u.Registry)
		sb.WriteByte('/')
	}
	sb.WriteString(u.Name)
	if u.Version != "" {
		sb.WriteByte(':')
		sb.WriteString(u.Version)
	}
	return sb.String()
}
