// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the plugin registry: it validates uploaded
// binaries, stores them by digest, keeps the plugin index current and serves
// it over HTTP.
//
// An upload passes through descriptor extraction, then optional signature
// verification, then storage, then the index. Nothing becomes visible until
// every check has passed, and an artifact is added to or removed from the blob
// store and the index in one writer critical section.
package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/yeetrun/plugreg/pkg/blobstore"
	"github.com/yeetrun/plugreg/pkg/descriptor"
	"github.com/yeetrun/plugreg/pkg/index"
	"github.com/yeetrun/plugreg/pkg/pki"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"tailscale.com/syncs"
)

const tracerName = "github.com/yeetrun/plugreg/pkg/registry"

// Options configures a Registry.
type Options struct {
	Logger zerolog.Logger
	// Verifier, when set, makes a valid signature mandatory for uploads.
	Verifier *pki.Verifier
	// Metrics receives the registry's collectors. Nil leaves them
	// unregistered.
	Metrics prometheus.Registerer
	// Now defaults to time.Now.
	Now func() time.Time
	// ExtractConcurrency bounds concurrent descriptor extraction. It
	// defaults to GOMAXPROCS.
	ExtractConcurrency int
}

// Registry is safe for concurrent use.
type Registry struct {
	store    *blobstore.Store
	index    *index.Index
	verifier *pki.Verifier
	log      zerolog.Logger
	now      func() time.Time
	extract  syncs.Semaphore
	workers  int
	metrics  *metrics
	tracer   trace.Tracer
}

// New returns a Registry backed by store. The index starts empty; call Rebuild
// to load existing artifacts.
func New(store *blobstore.Store, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExtractConcurrency <= 0 {
		opts.ExtractConcurrency = runtime.GOMAXPROCS(0)
	}
	r := &Registry{
		store:    store,
		index:    index.New(index.Options{Logger: opts.Logger}),
		verifier: opts.Verifier,
		log:      opts.Logger,
		now:      opts.Now,
		extract:  syncs.NewSemaphore(opts.ExtractConcurrency),
		workers:  opts.ExtractConcurrency,
		tracer:   otel.Tracer(tracerName),
	}
	r.metrics = newMetrics(opts.Metrics, r.index.Len)
	return r
}

// VerifiesSignatures reports whether uploads must carry a valid signature.
func (r *Registry) VerifiesSignatures() bool { return r.verifier != nil }

func (r *Registry) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (r *Registry) extractDescriptors(ctx context.Context, data []byte) ([]descriptor.Descriptor, error) {
	if !r.extract.AcquireContext(ctx) {
		return nil, ctx.Err()
	}
	defer r.extract.Release()
	start := time.Now()
	ds, err := descriptor.Extract(data)
	r.metrics.extractSeconds.Observe(time.Since(start).Seconds())
	return ds, err
}

// Rebuild sweeps interrupted uploads from the store and reloads the index from
// the committed blobs, re-extracting each one. Blobs that cannot be read or no
// longer yield descriptors are logged and left out of the index.
func (r *Registry) Rebuild(ctx context.Context) (err error) {
	ctx, span := r.startSpan(ctx, "registry.Rebuild")
	defer func() { endSpan(span, err) }()

	removed, err := r.store.Sweep(ctx)
	if err != nil {
		return opError("rebuild", err)
	}
	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("swept interrupted uploads")
	}

	var metas []blobstore.Meta
	if err := r.store.Walk(ctx, func(m blobstore.Meta) error {
		metas = append(metas, m)
		return nil
	}); err != nil {
		return opError("rebuild", err)
	}

	arts := make([]index.Artifact, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, m := range metas {
		g.Go(func() error {
			data, err := r.store.Get(m.Digest)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.log.Warn().Err(err).Str("digest", m.Digest.String()).Msg("skipping unreadable blob")
				return nil
			}
			ds, err := r.extractDescriptors(gctx, data)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.log.Warn().Err(err).Str("digest", m.Digest.String()).Msg("stored blob has no readable descriptors")
				return nil
			}
			arts[i] = artifactFromMeta(m, ds)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return opError("rebuild", err)
	}
	r.index.Replace(slices.DeleteFunc(arts, func(a index.Artifact) bool { return a.Digest == "" }))
	span.SetAttributes(attribute.Int("artifacts", r.index.Len()))
	r.log.Info().Int("artifacts", r.index.Len()).Msg("index rebuilt")
	return nil
}

func artifactFromMeta(m blobstore.Meta, ds []descriptor.Descriptor) index.Artifact {
	return index.Artifact{
		Digest:      m.Digest,
		Size:        m.Size,
		Signature:   m.Signature,
		CreatedAt:   m.CreatedAt,
		Descriptors: ds,
	}
}

// Pending is a validated upload that has not been committed yet.
type Pending struct {
	staged      *blobstore.Staged
	descriptors []descriptor.Descriptor
}

// Digest returns the digest of the pending upload.
func (p *Pending) Digest() digest.Digest { return p.staged.Digest() }

// Descriptors returns the descriptors extracted from the pending upload.
func (p *Pending) Descriptors() []descriptor.Descriptor { return p.descriptors }

// Discard drops the pending upload. It is a no-op after a successful Commit.
func (p *Pending) Discard() error { return p.staged.Discard() }

// Prepare reads an upload from body, stages it and extracts its descriptors.
// Binaries without plugin descriptors are rejected and leave nothing behind.
func (r *Registry) Prepare(ctx context.Context, body io.Reader) (_ *Pending, err error) {
	ctx, span := r.startSpan(ctx, "registry.Prepare")
	defer func() { endSpan(span, err) }()

	var buf bytes.Buffer
	st, err := r.store.Stage(ctx, io.TeeReader(body, &buf))
	if err != nil {
		return nil, opError("upload", err)
	}
	span.SetAttributes(
		attribute.String("digest", st.Digest().String()),
		attribute.Int64("size", st.Size()),
	)
	ds, err := r.extractDescriptors(ctx, buf.Bytes())
	if err != nil {
		st.Discard()
		r.metrics.uploads.WithLabelValues("rejected").Inc()
		return nil, opError("upload", err)
	}
	return &Pending{staged: st, descriptors: ds}, nil
}

// Commit verifies signature (when a verifier is configured) and publishes p.
// If the same bytes were uploaded before, the existing artifact is returned
// unchanged with added false; its signature and creation time are kept.
func (r *Registry) Commit(ctx context.Context, p *Pending, signature string) (_ index.Artifact, added bool, err error) {
	d := p.Digest()
	_, span := r.startSpan(ctx, "registry.Commit", attribute.String("digest", d.String()))
	defer func() { endSpan(span, err) }()
	defer p.Discard()

	if r.verifier != nil {
		hash, err := hex.DecodeString(d.Encoded())
		if err != nil {
			return index.Artifact{}, false, opError("upload", err)
		}
		if err := r.verifier.VerifyHash(hash, signature); err != nil {
			r.metrics.uploads.WithLabelValues("rejected").Inc()
			return index.Artifact{}, false, opError("upload", err)
		}
	}

	a, added, err := r.index.Insert(d, func() (index.Artifact, error) {
		meta, _, err := p.staged.Commit(signature, r.now())
		if err != nil {
			return index.Artifact{}, err
		}
		return artifactFromMeta(meta, p.descriptors), nil
	})
	if err != nil {
		return index.Artifact{}, false, opError("upload", err)
	}
	if added {
		r.metrics.uploads.WithLabelValues("added").Inc()
		r.log.Info().Str("digest", d.String()).Int64("size", a.Size).Msg("artifact added")
	} else {
		r.metrics.uploads.WithLabelValues("exists").Inc()
	}
	span.SetAttributes(attribute.Bool("added", added))
	return a, added, nil
}

// Upload is Prepare followed by Commit.
func (r *Registry) Upload(ctx context.Context, body io.Reader, signature string) (index.Artifact, bool, error) {
	p, err := r.Prepare(ctx, body)
	if err != nil {
		return index.Artifact{}, false, err
	}
	return r.Commit(ctx, p, signature)
}

// Plugins lists every known plugin name.
func (r *Registry) Plugins() []index.Summary { return r.index.Plugins() }

// Find returns the variants of a plugin matching q.
func (r *Registry) Find(name string, q index.Query) []index.Variant {
	return r.index.Find(name, q)
}

// Metadata returns the indexed artifact with digest d.
func (r *Registry) Metadata(d digest.Digest) (index.Artifact, error) {
	a, err := r.index.Lookup(d)
	return a, opError("metadata", err)
}

// Open returns the artifact with digest d and a reader over its bytes.
func (r *Registry) Open(d digest.Digest) (*os.File, index.Artifact, error) {
	a, err := r.index.Lookup(d)
	if err != nil {
		return nil, index.Artifact{}, opError("download", err)
	}
	f, _, err := r.store.Open(d)
	if err != nil {
		return nil, index.Artifact{}, opError("download", err)
	}
	return f, a, nil
}

// Delete removes the artifact with digest d and all of its descriptors.
func (r *Registry) Delete(ctx context.Context, d digest.Digest) (err error) {
	_, span := r.startSpan(ctx, "registry.Delete", attribute.String("digest", d.String()))
	defer func() { endSpan(span, err) }()

	err = r.index.Delete(d, func() error {
		if err := r.store.Delete(d); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return opError("delete", err)
	}
	r.metrics.deletes.Inc()
	return nil
}
