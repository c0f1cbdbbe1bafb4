// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blobstore is a content-addressed filesystem store for plugin
// artifacts.
//
// Blobs live at blobs/sha256/<aa>/<hex> under the store root, next to a
// <hex>.json sidecar holding the artifact's metadata. Uploads are streamed into
// uploads/<uuid> while being hashed and only become visible once committed:
// the blob is renamed into place first and the sidecar is written last, so a
// blob without a sidecar is an interrupted commit and is removed by Sweep.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"github.com/yeetrun/plugreg/pkg/fileutil"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned when no committed blob has the digest.
	ErrNotFound = fmt.Errorf("blob not found: %w", errdefs.ErrNotFound)
	// ErrInvalidDigest is returned for digests that are not sha256.
	ErrInvalidDigest = fmt.Errorf("invalid digest: %w", errdefs.ErrInvalidArgument)
)

const (
	blobsDir    = "blobs"
	uploadsDir  = "uploads"
	sidecarExt  = ".json"
	dirPerm     = 0o755
	blobPerm    = 0o644
	sidecarPerm = 0o644
)

// Meta is the metadata stored alongside each blob.
type Meta struct {
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	Signature string        `json:"signature,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Options configures a Store.
type Options struct {
	Logger zerolog.Logger
}

// Store is a filesystem blob store rooted at a directory.
type Store struct {
	root    string
	log     zerolog.Logger
	commits singleflight.Group
}

// New opens the store at root, creating its directories if needed.
func New(root string, opts Options) (*Store, error) {
	for _, d := range []string{
		root,
		filepath.Join(root, blobsDir, string(digest.SHA256)),
		filepath.Join(root, uploadsDir),
	} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	return &Store{root: root, log: opts.Logger}, nil
}

// Root returns the directory the store was opened at.
func (s *Store) Root() string { return s.root }

// ParseDigest accepts "sha256:<hex>" or a bare 64 character hex string.
func ParseDigest(v string) (digest.Digest, error) {
	if !strings.Contains(v, ":") {
		v = string(digest.SHA256) + ":" + v
	}
	d, err := digest.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDigest, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidDigest, d.Algorithm())
	}
	return d, nil
}

func (s *Store) blobPath(d digest.Digest) string {
	hex := d.Encoded()
	return filepath.Join(s.root, blobsDir, string(d.Algorithm()), hex[:2], hex)
}

func (s *Store) sidecarPath(d digest.Digest) string {
	return s.blobPath(d) + sidecarExt
}

func (s *Store) uploadPath(id string) string {
	return filepath.Join(s.root, uploadsDir, id)
}

// Staged is an upload that has been written to the staging area but is not
// yet visible to readers.
type Staged struct {
	s      *Store
	path   string
	digest digest.Digest
	size   int64
}

// Digest returns the sha256 digest of the staged bytes.
func (st *Staged) Digest() digest.Digest { return st.digest }

// Size returns the number of staged bytes.
func (st *Staged) Size() int64 { return st.size }

// Stage streams r into the staging area while hashing it. The returned Staged
// must be either committed or discarded. If ctx is cancelled or r fails the
// partial file is removed.
func (s *Store) Stage(ctx context.Context, r io.Reader) (_ *Staged, err error) {
	p := s.uploadPath(uuid.New().String())
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, blobPerm)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(p)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("copy upload: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close upload file: %w", err)
	}
	return &Staged{
		s:      s,
		path:   p,
		digest: digest.NewDigest(digest.SHA256, h),
		size:   n,
	}, nil
}

// Discard removes the staged file. It is safe to call after Commit.
func (st *Staged) Discard() error {
	if err := os.Remove(st.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove upload file: %w", err)
	}
	return nil
}

type commitResult struct {
	meta    Meta
	created bool
	owner   *Staged
}

// Commit publishes the staged blob with the given signature and creation time.
// If a committed blob with the same digest already exists its metadata is
// returned unchanged and created is false. Concurrent commits of the same
// digest are collapsed into one. The staged file is always gone afterwards.
func (st *Staged) Commit(signature string, createdAt time.Time) (meta Meta, created bool, err error) {
	defer st.Discard()
	v, err, _ := st.s.commits.Do(st.digest.Encoded(), func() (any, error) {
		m, created, err := st.s.commit(st, Meta{
			Digest:    st.digest,
			Size:      st.size,
			Signature: signature,
			CreatedAt: createdAt.UTC(),
		})
		return commitResult{meta: m, created: created, owner: st}, err
	})
	if err != nil {
		return Meta{}, false, err
	}
	res := v.(commitResult)
	return res.meta, res.created && res.owner == st, nil
}

func (s *Store) commit(st *Staged, meta Meta) (Meta, bool, error) {
	if existing, err := s.Stat(meta.Digest); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Meta{}, false, err
	}

	bp := s.blobPath(meta.Digest)
	if err := os.MkdirAll(filepath.Dir(bp), dirPerm); err != nil {
		return Meta{}, false, fmt.Errorf("create blob directory: %w", err)
	}
	err := fileutil.RenameNoReplace(st.path, bp)
	if errors.Is(err, fs.ErrExist) {
		// Leftover from an interrupted commit. Same digest, same bytes.
		s.log.Debug().Str("digest", meta.Digest.String()).Msg("replacing uncommitted blob")
		err = os.Rename(st.path, bp)
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("publish blob: %w", err)
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, false, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.sidecarPath(meta.Digest), b, sidecarPerm); err != nil {
		return Meta{}, false, fmt.Errorf("write metadata: %w", err)
	}
	if err := fileutil.SyncDir(filepath.Dir(bp)); err != nil {
		s.log.Warn().Err(err).Msg("sync blob directory")
	}
	return meta, true, nil
}

// Put stores data and returns its metadata. It is Stage followed by Commit.
func (s *Store) Put(ctx context.Context, r io.Reader, signature string, createdAt time.Time) (Meta, bool, error) {
	st, err := s.Stage(ctx, r)
	if err != nil {
		return Meta{}, false, err
	}
	return st.Commit(signature, createdAt)
}

// Stat returns the metadata of a committed blob.
func (s *Store) Stat(d digest.Digest) (Meta, error) {
	b, err := os.ReadFile(s.sidecarPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return Meta{}, fmt.Errorf("read metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("decode metadata %s: %w", d, err)
	}
	if m.Digest != d {
		return Meta{}, fmt.Errorf("metadata for %s names digest %s", d, m.Digest)
	}
	return m, nil
}

// Open returns a reader over a committed blob.
func (s *Store) Open(d digest.Digest) (*os.File, Meta, error) {
	m, err := s.Stat(d)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, Meta{}, fmt.Errorf("open blob: %w", err)
	}
	return f, m, nil
}

// Get returns the contents of a committed blob.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	if _, err := s.Stat(d); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return b, nil
}

// Delete removes a committed blob. The sidecar goes first so a crash between
// the two removals leaves an uncommitted blob for Sweep.
func (s *Store) Delete(d digest.Digest) error {
	if err := os.Remove(s.sidecarPath(d)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return fmt.Errorf("delete metadata: %w", err)
	}
	if err := os.Remove(s.blobPath(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Walk calls fn for every committed blob. Entries whose sidecar cannot be read
// are logged and skipped.
func (s *Store) Walk(ctx context.Context, fn func(Meta) error) error {
	dir := filepath.Join(s.root, blobsDir, string(digest.SHA256))
	return filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(p, sidecarExt) {
			return nil
		}
		d, err := ParseDigest(strings.TrimSuffix(de.Name(), sidecarExt))
		if err != nil {
			s.log.Warn().Str("path", p).Msg("skipping unexpected file")
			return nil
		}
		m, err := s.Stat(d)
		if err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("skipping unreadable metadata")
			return nil
		}
		return fn(m)
	})
}

// Sweep removes stale staging files, blobs without a sidecar and sidecars
// without a blob. It must only run while no uploads are in flight.
func (s *Store) Sweep(ctx context.Context) (removed int, err error) {
	uploads, err := os.ReadDir(filepath.Join(s.root, uploadsDir))
	if err != nil {
		return 0, fmt.Errorf("read uploads: %w", err)
	}
	for _, de := range uploads {
		if err := os.RemoveAll(s.uploadPath(de.Name())); err != nil {
			return removed, fmt.Errorf("remove stale upload: %w", err)
		}
		removed++
	}

	dir := filepath.Join(s.root, blobsDir, string(digest.SHA256))
	err = filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		var partner string
		if strings.HasSuffix(p, sidecarExt) {
			partner = strings.TrimSuffix(p, sidecarExt)
		} else {
			partner = p + sidecarExt
		}
		ok, err := fileutil.Exists(partner)
		if err != nil || ok {
			return err
		}
		s.log.Info().Str("path", p).Msg("removing orphaned file")
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep blobs: %w", err)
	}
	return removed, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
