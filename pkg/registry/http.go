// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/yeetrun/plugreg/pkg/api"
	"github.com/yeetrun/plugreg/pkg/blobstore"
	"github.com/yeetrun/plugreg/pkg/compress"
	"github.com/yeetrun/plugreg/pkg/descriptor"
	"github.com/yeetrun/plugreg/pkg/index"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMaxUploadSize  = 20 << 20
	DefaultRequestTimeout = 60 * time.Second

	maxSignatureLen = 1024
)

// HandlerOptions configures the HTTP handler returned by Registry.Handler.
type HandlerOptions struct {
	// BearerToken guards uploads and deletes. Empty disables the check.
	BearerToken string
	// MaxUploadSize caps the upload request body.
	MaxUploadSize int64
	// RequestTimeout bounds every API request.
	RequestTimeout time.Duration
	// WriteRateLimit is the number of writes allowed per client IP per
	// minute. Zero disables rate limiting.
	WriteRateLimit int
	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type handler struct {
	r     *Registry
	opts  HandlerOptions
	token []byte
}

// Handler returns the registry's HTTP API.
func (r *Registry) Handler(opts HandlerOptions) http.Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	h := &handler{r: r, opts: opts, token: []byte(opts.BearerToken)}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(hlog.NewHandler(opts.Logger))
	router.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	router.Use(hlog.AccessHandler(accessLog))
	router.Use(middleware.Recoverer)
	router.Use(r.metrics.instrument)
	router.Use(middleware.GetHead)
	if len(opts.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type", "Content-Encoding"},
			ExposedHeaders: []string{api.HeaderDigest, api.HeaderSignature, api.HeaderUpload, "Content-Disposition"},
			MaxAge:         300,
		}))
	}

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})
	if opts.Gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Group(func(rt chi.Router) {
		rt.Use(middleware.Timeout(opts.RequestTimeout))
		rt.Get("/plugins", h.listPlugins)
		rt.Get("/plugins/{name}", h.findPlugin)
		rt.Get("/files/{digest}", h.download)
		rt.Get("/files/{digest}/metadata", h.metadata)

		rt.Group(func(wr chi.Router) {
			if opts.WriteRateLimit > 0 {
				wr.Use(httprate.Limit(opts.WriteRateLimit, time.Minute,
					httprate.WithKeyByIP(),
					httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusTooManyRequests)
						json.NewEncoder(w).Encode(api.ErrorResponse{Errors: []api.ErrorDescriptor{{
							Code:    api.CodeTooManyRequests,
							Message: "too many requests",
						}}})
					}),
				))
			}
			wr.Use(h.requireToken)
			wr.Post("/files", h.upload)
			wr.Delete("/files/{digest}", h.delete)
		})
	})

	return otelhttp.NewHandler(router, "plugreg")
}

func accessLog(r *http.Request, status, size int, dur time.Duration) {
	ev := hlog.FromRequest(r).Info()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", dur).
		Msg("request")
}

func (h *handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if len(h.token) == 0 {
			next.ServeHTTP(w, req)
			return
		}
		auth := req.Header.Get("Authorization")
		scheme, tok, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeErrorKind(w, KindAuth, "missing bearer token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), h.token) != 1 {
			writeErrorKind(w, KindAuth, "invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// fail writes err to w and logs errors that are not the client's fault.
func (h *handler) fail(w http.ResponseWriter, req *http.Request, err error) {
	if KindOf(err) == KindStorage {
		hlog.FromRequest(req).Error().Err(err).Msg("request failed")
	}
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func toMetadata(a index.Artifact) api.Metadata {
	return api.Metadata{
		Digest:      a.Digest.Encoded(),
		Size:        a.Size,
		Signature:   a.Signature,
		CreatedAt:   a.CreatedAt,
		Descriptors: a.Descriptors,
	}
}

func (h *handler) listPlugins(w http.ResponseWriter, req *http.Request) {
	sums := h.r.Plugins()
	resp := api.PluginsResponse{Plugins: make([]api.PluginInfo, 0, len(sums))}
	for _, s := range sums {
		resp.Plugins = append(resp.Plugins, api.PluginInfo{Name: s.Name, Description: s.Description})
	}
	writeJSON(w, resp)
}

func (h *handler) findPlugin(w http.ResponseWriter, req *http.Request) {
	q, err := parseQuery(req.URL.Query())
	if err != nil {
		writeErrorKind(w, KindBadRequest, err.Error(), nil)
		return
	}
	vs := h.r.Find(chi.URLParam(req, "name"), q)
	resp := api.FindResponse{Plugins: make([]api.Variant, 0, len(vs)), Skip: q.Skip}
	for _, v := range vs {
		resp.Plugins = append(resp.Plugins, api.Variant{
			Digest:     v.Digest.Encoded(),
			Signature:  v.Signature,
			CreatedAt:  v.CreatedAt,
			Descriptor: v.Descriptor,
		})
	}
	writeJSON(w, resp)
}

type queryValues interface {
	Get(string) string
}

func parseQuery(vals queryValues) (index.Query, error) {
	var q index.Query
	q.Version = vals.Get(api.ParamVersion)
	if v := vals.Get(api.ParamPluginVersion); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return q, fmt.Errorf("invalid %s %q", api.ParamPluginVersion, v)
		}
		pv := uint32(n)
		q.PluginVersion = &pv
	}
	if v := vals.Get(api.ParamFileType); v != "" {
		ft, err := descriptor.ParseFileType(v)
		if err != nil {
			return q, err
		}
		q.FileType = ft
	}
	if v := vals.Get(api.ParamArchitecture); v != "" {
		arch, err := descriptor.ParseArchitecture(v)
		if err != nil {
			return q, err
		}
		q.Architecture = arch
	}
	if v := vals.Get(api.ParamDigest); v != "" {
		d, err := blobstore.ParseDigest(v)
		if err != nil {
			return q, err
		}
		q.Digest = d
	}
	q.DigestShort = strings.ToLower(vals.Get(api.ParamDigestShort))
	var err error
	if q.Skip, err = parseCount(vals, api.ParamSkip); err != nil {
		return q, err
	}
	if q.Limit, err = parseCount(vals, api.ParamLimit); err != nil {
		return q, err
	}
	return q, nil
}

func parseCount(vals queryValues, name string) (int, error) {
	v := vals.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func (h *handler) metadata(w http.ResponseWriter, req *http.Request) {
	d, err := blobstore.ParseDigest(chi.URLParam(req, "digest"))
	if err != nil {
		h.fail(w, req, err)
		return
	}
	a, err := h.r.Metadata(d)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	writeJSON(w, toMetadata(a))
}

func (h *handler) download(w http.ResponseWriter, req *http.Request) {
	d, err := blobstore.ParseDigest(chi.URLParam(req, "digest"))
	if err != nil {
		h.fail(w, req, err)
		return
	}
	f, a, err := h.r.Open(d)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	defer f.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Encoded()))
	hdr.Set(api.HeaderDigest, d.Encoded())
	if a.Signature != "" {
		hdr.Set(api.HeaderSignature, a.Signature)
	}

	enc := compress.Negotiate(req.Header.Get("Accept-Encoding"))
	if enc == compress.Identity || req.Header.Get("Range") != "" {
		http.ServeContent(w, req, d.Encoded(), a.CreatedAt, f)
		return
	}
	cw, err := compress.NewResponseWriter(w, enc)
	if err != nil {
		http.ServeContent(w, req, d.Encoded(), a.CreatedAt, f)
		return
	}
	defer cw.Close()
	cw.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(cw, f); err != nil {
		hlog.FromRequest(req).Warn().Err(err).Str("digest", d.String()).Msg("download interrupted")
	}
}

func (h *handler) delete(w http.ResponseWriter, req *http.Request) {
	d, err := blobstore.ParseDigest(chi.URLParam(req, "digest"))
	if err != nil {
		h.fail(w, req, err)
		return
	}
	if err := h.r.Delete(req.Context(), d); err != nil {
		h.fail(w, req, err)
		return
	}
	hlog.FromRequest(req).Info().Str("digest", d.String()).Msg("artifact deleted")
	writeJSON(w, api.DeleteResponse{Digest: d.Encoded()})
}

func (h *handler) upload(w http.ResponseWriter, req *http.Request) {
	if req.ContentLength > h.opts.MaxUploadSize {
		writeErrorKind(w, KindTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.opts.MaxUploadSize), nil)
		return
	}
	if err := compress.DecompressRequest(req); err != nil {
		h.fail(w, req, err)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, h.opts.MaxUploadSize)

	mr, err := req.MultipartReader()
	if err != nil {
		writeErrorKind(w, KindBadRequest, "expected a multipart/form-data body", nil)
		return
	}

	var (
		pending   *Pending
		signature string
	)
	defer func() {
		if pending != nil {
			pending.Discard()
		}
	}()
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.failUpload(w, req, err)
			return
		}
		switch part.FormName() {
		case api.FormFile:
			if pending != nil {
				writeErrorKind(w, KindBadRequest, "more than one file field", nil)
				return
			}
			if pending, err = h.prepare(req, part); err != nil {
				h.failUpload(w, req, err)
				return
			}
		case api.FormSignature:
			if signature, err = readSignature(part); err != nil {
				h.failUpload(w, req, err)
				return
			}
		default:
			writeErrorKind(w, KindBadRequest, fmt.Sprintf("unexpected form field %q", part.FormName()), nil)
			return
		}
	}
	if pending == nil {
		writeErrorKind(w, KindBadRequest, "missing file field", nil)
		return
	}

	a, added, err := h.r.Commit(req.Context(), pending, signature)
	pending = nil
	if err != nil {
		h.fail(w, req, err)
		return
	}
	if added {
		w.Header().Set(api.HeaderUpload, api.UploadAdded)
	} else {
		w.Header().Set(api.HeaderUpload, api.UploadExists)
	}
	writeJSON(w, toMetadata(a))
}

// prepare rejects bodies that cannot be a plugin binary after reading only
// their first bytes, then hands the rest to the registry.
func (h *handler) prepare(req *http.Request, part *multipart.Part) (*Pending, error) {
	br := bufio.NewReader(part)
	prefix, err := br.Peek(descriptor.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if _, err := descriptor.Sniff(prefix); err != nil {
		return nil, err
	}
	return h.r.Prepare(req.Context(), br)
}

// failUpload reports malformed multipart bodies as client errors.
func (h *handler) failUpload(w http.ResponseWriter, req *http.Request, err error) {
	if KindOf(err) == KindStorage && (errors.Is(err, io.ErrUnexpectedEOF) || strings.HasPrefix(err.Error(), "multipart: ")) {
		writeErrorKind(w, KindBadRequest, err.Error(), nil)
		return
	}
	h.fail(w, req, err)
}

func readSignature(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxSignatureLen+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxSignatureLen {
		return "", fmt.Errorf("signature longer than %d bytes: %w", maxSignatureLen, errdefs.ErrInvalidArgument)
	}
	return strings.TrimSpace(string(b)), nil
}
