// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/plugreg/pkg/descriptor"
)

// Filter selects variants. Zero-valued fields match everything; set fields
// must all match.
type Filter struct {
	Version       string
	PluginVersion *uint32
	FileType      descriptor.FileType
	Architecture  descriptor.Architecture
	Digest        digest.Digest
	// DigestShort matches the first ShortDigestLen hex characters of the
	// digest exactly.
	DigestShort string
}

// Query is a Filter plus pagination. A Limit of zero means no limit.
type Query struct {
	Filter
	Skip  int
	Limit int
}

func (f *Filter) match(v *Variant) bool {
	d := &v.Descriptor
	switch {
	case f.Version != "" && d.Version != f.Version:
		return false
	case f.PluginVersion != nil && d.PluginVersion != *f.PluginVersion:
		return false
	case f.FileType != 0 && d.FileType != f.FileType:
		return false
	case f.Architecture != 0 && d.Architecture != f.Architecture:
		return false
	case f.Digest != "" && v.Digest != f.Digest:
		return false
	case f.DigestShort != "" && shortDigest(v.Digest) != f.DigestShort:
		return false
	}
	return true
}

func shortDigest(d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) < ShortDigestLen {
		return enc
	}
	return enc[:ShortDigestLen]
}

// Find returns the variants of the plugin called name that match q, newest
// first. Skip and Limit apply after filtering.
func (x *Index) Find(name string, q Query) []Variant {
	all := x.load().byName[name]
	out := []Variant{}
	skip := max(q.Skip, 0)
	for i := range all {
		v := &all[i]
		if !q.match(v) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, *v)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}
