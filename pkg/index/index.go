// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index is the in-memory catalogue of stored artifacts and the plugin
// descriptors extracted from them.
//
// Readers work on an immutable snapshot loaded without locking. Writers are
// serialized on a single mutex, run their side effect (committing or removing
// the blob) inside that critical section and then publish a new snapshot, so a
// reader sees an artifact either with all of its descriptors or not at all.
package index

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"github.com/yeetrun/plugreg/pkg/descriptor"
	"tailscale.com/syncs"
	"tailscale.com/util/mak"
	"tailscale.com/util/set"
)

// ErrNotFound is returned when an artifact is not in the index.
var ErrNotFound = fmt.Errorf("artifact not found: %w", errdefs.ErrNotFound)

// ShortDigestLen is the number of hex characters matched by Filter.DigestShort.
const ShortDigestLen = 7

// Artifact is one stored plugin binary.
type Artifact struct {
	Digest      digest.Digest
	Size        int64
	Signature   string
	CreatedAt   time.Time
	Descriptors []descriptor.Descriptor
}

// Variant is a single descriptor together with the artifact it came from.
type Variant struct {
	Digest     digest.Digest
	Signature  string
	CreatedAt  time.Time
	Descriptor descriptor.Descriptor
}

// Summary describes a plugin name.
type Summary struct {
	Name        string
	Description string
}

// Options configures an Index.
type Options struct {
	Logger zerolog.Logger
}

// Index is safe for concurrent use.
type Index struct {
	log zerolog.Logger

	mu   sync.Mutex // serializes writers
	snap syncs.AtomicValue[*snapshot]
}

// New returns an empty Index.
func New(opts Options) *Index {
	x := &Index{log: opts.Logger}
	x.snap.Store(newSnapshot(nil))
	return x
}

func (x *Index) load() *snapshot { return x.snap.Load() }

// Len returns the number of indexed artifacts.
func (x *Index) Len() int { return len(x.load().artifacts) }

// Lookup returns the artifact with digest d.
func (x *Index) Lookup(d digest.Digest) (Artifact, error) {
	a, ok := x.load().artifacts[d]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	return a.clone(), nil
}

// Plugins returns one summary per distinct plugin name, sorted by name. The
// description is taken from the newest descriptor with that name.
func (x *Index) Plugins() []Summary {
	return slices.Clone(x.load().summaries)
}

// Insert adds the artifact produced by commit. If d is already indexed the
// existing artifact is returned with added false and commit is not called.
// commit runs while holding the writer lock; it is expected to make the blob
// durable and return the artifact's final metadata.
func (x *Index) Insert(d digest.Digest, commit func() (Artifact, error)) (_ Artifact, added bool, _ error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.load()
	if a, ok := cur.artifacts[d]; ok {
		return a.clone(), false, nil
	}
	a, err := commit()
	if err != nil {
		return Artifact{}, false, err
	}
	if a.Digest != d {
		return Artifact{}, false, fmt.Errorf("commit returned digest %s, want %s", a.Digest, d)
	}
	a = a.clone()

	next := make([]Artifact, 0, len(cur.artifacts)+1)
	for _, v := range cur.artifacts {
		next = append(next, v)
	}
	next = append(next, a)
	x.snap.Store(newSnapshot(next))
	x.log.Info().
		Str("digest", d.String()).
		Int("descriptors", len(a.Descriptors)).
		Time("created_at", a.CreatedAt).
		Msg("indexed artifact")
	return a.clone(), true, nil
}

// Delete removes the artifact with digest d. remove runs while holding the
// writer lock, before the artifact disappears from the published snapshot;
// if it fails the index is unchanged.
func (x *Index) Delete(d digest.Digest, remove func() error) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.load()
	if _, ok := cur.artifacts[d]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err := remove(); err != nil {
		return err
	}
	next := make([]Artifact, 0, len(cur.artifacts))
	for k, v := range cur.artifacts {
		if k != d {
			next = append(next, v)
		}
	}
	x.snap.Store(newSnapshot(next))
	x.log.Info().Str("digest", d.String()).Msg("removed artifact")
	return nil
}

// Replace discards the current contents and indexes arts instead. Artifacts
// without descriptors are skipped.
func (x *Index) Replace(arts []Artifact) {
	x.mu.Lock()
	defer x.mu.Unlock()
	next := make([]Artifact, 0, len(arts))
	for _, a := range arts {
		if len(a.Descriptors) == 0 {
			x.log.Warn().Str("digest", a.Digest.String()).Msg("skipping artifact without descriptors")
			continue
		}
		next = append(next, a.clone())
	}
	x.snap.Store(newSnapshot(next))
}

func (a Artifact) clone() Artifact {
	a.Descriptors = slices.Clone(a.Descriptors)
	return a
}

// snapshot is never modified after construction.
type snapshot struct {
	artifacts map[digest.Digest]Artifact
	byName    map[string][]Variant // newest first
	summaries []Summary            // by name
}

func newSnapshot(arts []Artifact) *snapshot {
	s := &snapshot{artifacts: make(map[digest.Digest]Artifact, len(arts))}
	var all []Variant
	for _, a := range arts {
		if _, dup := s.artifacts[a.Digest]; dup {
			continue
		}
		s.artifacts[a.Digest] = a
		for _, d := range a.Descriptors {
			all = append(all, Variant{
				Digest:     a.Digest,
				Signature:  a.Signature,
				CreatedAt:  a.CreatedAt,
				Descriptor: d,
			})
		}
	}
	// Stable so that descriptors of one artifact keep export order.
	slices.SortStableFunc(all, func(a, b Variant) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Digest, b.Digest)
	})

	seen := set.Set[string]{}
	for _, v := range all {
		name := v.Descriptor.Name
		mak.Set(&s.byName, name, append(s.byName[name], v))
		if !seen.Contains(name) {
			seen.Add(name)
			s.summaries = append(s.summaries, Summary{Name: name, Description: v.Descriptor.Description})
		}
	}
	slices.SortFunc(s.summaries, func(a, b Summary) int { return strings.Compare(a.Name, b.Name) })
	return s
}
