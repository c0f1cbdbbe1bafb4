// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client talks to a plugin registry over HTTP.
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/plugreg/pkg/api"
	"github.com/yeetrun/plugreg/pkg/blobstore"
	"github.com/yeetrun/plugreg/pkg/compress"
	"github.com/yeetrun/plugreg/pkg/pki"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client is a registry client. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	verifier   *pki.Verifier
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with uploads and deletes.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithVerifier makes Download reject artifacts whose signature does not
// verify against v.
func WithVerifier(v *pki.Verifier) Option {
	return func(c *Client) { c.verifier = v }
}

// New returns a client for the registry at registryURL. An empty URL selects
// DefaultRegistry.
func New(registryURL string, opts ...Option) (*Client, error) {
	if registryURL == "" {
		registryURL = DefaultRegistry
	}
	base, err := url.Parse(strings.TrimSuffix(registryURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("registry url %q must be http or https: %w", registryURL, errdefs.ErrInvalidArgument)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Registry returns the registry base URL.
func (c *Client) Registry() string { return c.base.String() }

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, auth bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept-Encoding", compress.AcceptEncoding)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil, "", false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp, out)
}

func decodeBody(resp *http.Response, out any) error {
	body, err := compress.NewReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}

// StatusError is returned for non-2xx responses. It matches the errdefs class
// of its status code.
type StatusError struct {
	StatusCode int
	Errors     []api.ErrorDescriptor
}

func (e *StatusError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("registry returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	er := api.ErrorResponse{Errors: e.Errors}
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, er.Error())
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return errdefs.ErrInvalidArgument
	case http.StatusUnauthorized:
		return errdefs.ErrUnauthenticated
	case http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusTooManyRequests:
		return errdefs.ErrResourceExhausted
	case http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	}
	return errdefs.ErrUnknown
}

// HasCode reports whether the registry reported the given error code.
func (e *StatusError) HasCode(code string) bool {
	er := api.ErrorResponse{Errors: e.Errors}
	return er.HasCode(code)
}

func decodeError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	var er api.ErrorResponse
	if err := decodeBody(resp, &er); err == nil {
		se.Errors = er.Errors
	}
	return se
}

// Plugins lists every plugin known to the registry.
func (c *Client) Plugins(ctx context.Context) ([]api.PluginInfo, error) {
	var resp api.PluginsResponse
	if err := c.getJSON(ctx, "/plugins", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

// Query filters Find results. Empty fields are not sent.
type Query struct {
	Version       string
	PluginVersion *uint32
	FileType      string
	Architecture  string
	Digest        string
	DigestShort   string
	Skip          int
	Limit         int
}

// Values encodes q as query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set(api.ParamVersion, q.Version)
	if q.PluginVersion != nil {
		v.Set(api.ParamPluginVersion, strconv.FormatUint(uint64(*q.PluginVersion), 10))
	}
	set(api.ParamFileType, q.FileType)
	set(api.ParamArchitecture, q.Architecture)
	set(api.ParamDigest, q.Digest)
	set(api.ParamDigestShort, q.DigestShort)
	if q.Skip > 0 {
		v.Set(api.ParamSkip, strconv.Itoa(q.Skip))
	}
	if q.Limit > 0 {
		v.Set(api.ParamLimit, strconv.Itoa(q.Limit))
	}
	return v
}

// HostFilter returns a Query selecting binaries that run on the current
// platform. Unknown platforms leave the corresponding field empty.
func HostFilter() Query {
	return hostFilter(runtime.GOOS, runtime.GOARCH)
}

func hostFilter(goos, goarch string) Query {
	var q Query
	switch goos {
	case "windows":
		q.FileType = "pe"
	case "linux", "android", "freebsd", "netbsd", "openbsd":
		q.FileType = "elf"
	case "darwin", "ios":
		q.FileType = "mach"
	}
	switch goarch {
	case "amd64":
		q.Architecture = "x86_64"
	case "386":
		q.Architecture = "x86"
	case "arm64":
		q.Architecture = "arm64"
	case "arm":
		q.Architecture = "arm"
	}
	return q
}

// Find returns the variants of the named plugin that match q, newest first.
func (c *Client) Find(ctx context.Context, name string, q Query) ([]api.Variant, error) {
	var resp api.FindResponse
	if err := c.getJSON(ctx, "/plugins/"+url.PathEscape(name), q.Values(), &resp); err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

// PluginABIVersion is the plugin ABI FindByURI asks for.
const PluginABIVersion = 1

// FindByURI returns the newest variant matching u and filter. The registry
// named by u takes precedence over the client's; the bearer token is only
// sent to the client's own registry.
func (c *Client) FindByURI(ctx context.Context, u URI, filter Query) (api.Variant, error) {
	rc := c
	if u.Registry != "" && strings.TrimSuffix(u.Registry, "/") != c.Registry() {
		var err error
		rc, err = New(u.Registry, WithHTTPClient(c.httpClient), WithVerifier(c.verifier))
		if err != nil {
			return api.Variant{}, err
		}
	}
	q := filter
	q.Version = u.Version
	if q.PluginVersion == nil {
		abi := uint32(PluginABIVersion)
		q.PluginVersion = &abi
	}
	q.Skip = 0
	q.Limit = 1
	vs, err := rc.Find(ctx, u.Name, q)
	if err != nil {
		return api.Variant{}, err
	}
	if len(vs) == 0 {
		return api.Variant{}, fmt.Errorf("plugin %s: %w", u, errdefs.ErrNotFound)
	}
	return vs[0], nil
}

// Metadata returns the metadata of the artifact with the given digest.
func (c *Client) Metadata(ctx context.Context, dgst string) (api.Metadata, error) {
	d, err := blobstore.ParseDigest(dgst)
	if err != nil {
		return api.Metadata{}, err
	}
	var md api.Metadata
	if err := c.getJSON(ctx, "/files/"+d.Encoded()+"/metadata", nil, &md); err != nil {
		return api.Metadata{}, err
	}
	return md, nil
}

// Delete removes an artifact from the registry.
func (c *Client) Delete(ctx context.Context, dgst string) error {
	d, err := blobstore.ParseDigest(dgst)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, "/files/"+d.Encoded(), nil, nil, "", true)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// UploadResult is the registry's answer to an upload.
type UploadResult struct {
	api.Metadata
	// Added is false when the registry already had the same bytes.
	Added bool
}

// Upload streams a plugin binary to the registry. signature may be empty.
func (c *Client) Upload(ctx context.Context, r io.Reader, filename, signature string) (UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, r, filename, signature))
	}()
	resp, err := c.do(ctx, http.MethodPost, "/files", nil, pr, mw.FormDataContentType(), true)
	pr.CloseWithError(errors.New("upload aborted"))
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()
	var res UploadResult
	if err := decodeBody(resp, &res.Metadata); err != nil {
		return UploadResult{}, err
	}
	res.Added = resp.Header.Get(api.HeaderUpload) != api.UploadExists
	return res, nil
}

func writeUploadForm(mw *multipart.Writer, r io.Reader, filename, signature string) error {
	if signature != "" {
		if err := mw.WriteField(api.FormSignature, signature); err != nil {
			return err
		}
	}
	if filename == "" {
		filename = "plugin"
	}
	fw, err := mw.CreateFormFile(api.FormFile, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return err
	}
	return mw.Close()
}

// Blob is a downloaded artifact. Reading it to the end checks the bytes
// against the digest and, when the client has a verifier, the signature.
// A failed check is reported by Read in place of io.EOF.
type Blob struct {
	Digest    digest.Digest
	Signature string

	body     io.ReadCloser
	raw      io.Closer
	digester digest.Digester
	verifier *pki.Verifier
	checked  bool
	err      error
}

func (b *Blob) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.body.Read(p)
	b.digester.Hash().Write(p[:n])
	if errors.Is(err, io.EOF) && !b.checked {
		b.checked = true
		if cerr := b.check(); cerr != nil {
			b.err = cerr
			return n, cerr
		}
	}
	return n, err
}

func (b *Blob) check() error {
	got := b.digester.Digest()
	if got != b.Digest {
		return fmt.Errorf("digest mismatch: got %s, want %s: %w", got, b.Digest, errdefs.ErrDataLoss)
	}
	if b.verifier == nil {
		return nil
	}
	hash, err := hex.DecodeString(got.Encoded())
	if err != nil {
		return err
	}
	return b.verifier.VerifyHash(hash, b.Signature)
}

// Close releases the response body.
func (b *Blob) Close() error {
	b.body.Close()
	return b.raw.Close()
}

// Download fetches the artifact with the given digest. The caller must close
// the returned Blob.
func (c *Client) Download(ctx context.Context, dgst string) (*Blob, error) {
	d, err := blobstore.ParseDigest(dgst)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/files/"+d.Encoded(), nil, nil, "", false)
	if err != nil {
		return nil, err
	}
	body, err := compress.NewReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Blob{
		Digest:    d,
		Signature: resp.Header.Get(api.HeaderSignature),
		body:      body,
		raw:       resp.Body,
		digester:  digest.SHA256.Digester(),
		verifier:  c.verifier,
	}, nil
}
