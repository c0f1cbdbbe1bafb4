// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yeetrun/plugreg/pkg/api"
	"github.com/yeetrun/plugreg/pkg/compress"
	"github.com/yeetrun/plugreg/pkg/descriptor/descriptortest"
	"github.com/yeetrun/plugreg/pkg/pki"
)

const testToken = "s3cret"

type formField struct {
	name     string
	filename string
	data     []byte
}

func fileField(data []byte) formField {
	return formField{name: api.FormFile, filename: "plugin.so", data: data}
}

func sigField(sig string) formField {
	return formField{name: api.FormSignature, data: []byte(sig)}
}

func multipartBody(t *testing.T, fields ...formField) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		var (
			w   io.Writer
			err error
		)
		if f.filename != "" {
			w, err = mw.CreateFormFile(f.name, f.filename)
		} else {
			w, err = mw.CreateFormField(f.name)
		}
		if err != nil {
			t.Fatalf("create form field: %v", err)
		}
		if _, err := w.Write(f.data); err != nil {
			t.Fatalf("write form field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

type testServer struct {
	*httptest.Server
	r *Registry
}

func newTestServer(t *testing.T, opts Options, hopts HandlerOptions) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Metrics = reg
	r, _ := newTestRegistry(t, opts)
	if hopts.Gatherer == nil {
		hopts.Gatherer = reg
	}
	srv := httptest.NewServer(r.Handler(hopts))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, r: r}
}

func (s *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) upload(t *testing.T, token string, fields ...formField) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, fields...)
	return s.do(t, http.MethodPost, "/files", token, body, ct)
}

func decodeJSON[T any](t *testing.T, resp *http.Response, wantStatus int) T {
	t.Helper()
	var v T
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body %s", resp.StatusCode, wantStatus, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func wantError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	er := decodeJSON[api.ErrorResponse](t, resp, status)
	if !er.HasCode(code) {
		t.Errorf("errors = %v, want code %s", er.Errors, code)
	}
}

func TestHTTPEndToEnd(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{BearerToken: testToken})
	data := descriptortest.ELF(elf.EM_X86_64, descriptortest.Coredump)
	hex := digest.FromBytes(data).Encoded()

	resp := s.upload(t, testToken, fileField(data))
	if got := resp.Header.Get(api.HeaderUpload); got != api.UploadAdded {
		t.Errorf("%s = %q, want %q", api.HeaderUpload, got, api.UploadAdded)
	}
	md := decodeJSON[api.Metadata](t, resp, http.StatusOK)
	if md.Digest != hex {
		t.Errorf("digest = %s, want %s", md.Digest, hex)
	}
	if md.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", md.Size, len(data))
	}
	if len(md.Descriptors) != 1 || md.Descriptors[0].Name != "coredump" {
		t.Fatalf("descriptors = %+v", md.Descriptors)
	}

	pl := decodeJSON[api.PluginsResponse](t, s.do(t, http.MethodGet, "/plugins", "", nil, ""), http.StatusOK)
	if len(pl.Plugins) != 1 || pl.Plugins[0].Name != "coredump" {
		t.Errorf("plugins = %+v", pl.Plugins)
	}

	found := decodeJSON[api.FindResponse](t, s.do(t, http.MethodGet, "/plugins/coredump?architecture=x86_64&skip=0", "", nil, ""), http.StatusOK)
	if len(found.Plugins) != 1 || found.Plugins[0].Digest != hex {
		t.Errorf("find x86_64 = %+v", found.Plugins)
	}
	found = decodeJSON[api.FindResponse](t, s.do(t, http.MethodGet, "/plugins/coredump?architecture=arm64", "", nil, ""), http.StatusOK)
	if len(found.Plugins) != 0 {
		t.Errorf("find arm64 = %+v", found.Plugins)
	}

	resp = s.do(t, http.MethodGet, "/files/"+hex, "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("downloaded %d bytes, want the %d uploaded", len(got), len(data))
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if d := resp.Header.Get(api.HeaderDigest); d != hex {
		t.Errorf("%s = %q, want %q", api.HeaderDigest, d, hex)
	}

	md = decodeJSON[api.Metadata](t, s.do(t, http.MethodGet, "/files/"+hex+"/metadata", "", nil, ""), http.StatusOK)
	if md.Digest != hex {
		t.Errorf("metadata digest = %s", md.Digest)
	}

	del := decodeJSON[api.DeleteResponse](t, s.do(t, http.MethodDelete, "/files/"+hex, testToken, nil, ""), http.StatusOK)
	if del.Digest != hex {
		t.Errorf("delete digest = %s", del.Digest)
	}

	wantError(t, s.do(t, http.MethodGet, "/files/"+hex, "", nil, ""), http.StatusNotFound, api.CodeDigestUnknown)
	wantError(t, s.do(t, http.MethodGet, "/files/"+hex+"/metadata", "", nil, ""), http.StatusNotFound, api.CodeDigestUnknown)
	wantError(t, s.do(t, http.MethodDelete, "/files/"+hex, testToken, nil, ""), http.StatusNotFound, api.CodeDigestUnknown)
	pl = decodeJSON[api.PluginsResponse](t, s.do(t, http.MethodGet, "/plugins", "", nil, ""), http.StatusOK)
	if pl.Plugins == nil || len(pl.Plugins) != 0 {
		t.Errorf("plugins after delete = %#v, want empty list", pl.Plugins)
	}
}

func TestHTTPReupload(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{})
	data := descriptortest.MachO(macho.CpuAmd64, descriptortest.Coredump)

	first := decodeJSON[api.Metadata](t, s.upload(t, "", fileField(data), sigField("aa")), http.StatusOK)
	resp := s.upload(t, "", fileField(data), sigField("bb"))
	if got := resp.Header.Get(api.HeaderUpload); got != api.UploadExists {
		t.Errorf("%s = %q, want %q", api.HeaderUpload, got, api.UploadExists)
	}
	second := decodeJSON[api.Metadata](t, resp, http.StatusOK)
	if second.Signature != first.Signature || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("re-upload changed record: got %+v, want %+v", second, first)
	}
}

func TestHTTPAuth(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{BearerToken: testToken})
	data := descriptortest.ELF(elf.EM_X86_64, descriptortest.Coredump)

	for _, token := range []string{"", "wrong"} {
		resp := s.upload(t, token, fileField(data))
		if got := resp.Header.Get("WWW-Authenticate"); got == "" {
			t.Errorf("token %q: missing WWW-Authenticate", token)
		}
		wantError(t, resp, http.StatusUnauthorized, api.CodeUnauthorized)
		wantError(t, s.do(t, http.MethodDelete, "/files/"+digest.FromBytes(data).Encoded(), token, nil, ""), http.StatusUnauthorized, api.CodeUnauthorized)
	}
	if n := s.r.index.Len(); n != 0 {
		t.Errorf("Len = %d after unauthorized upload", n)
	}

	// Reads are public.
	resp := s.do(t, http.MethodGet, "/plugins", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /plugins status = %d", resp.StatusCode)
	}
}

func TestHTTPUploadErrors(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{MaxUploadSize: 4096})
	plugin := descriptortest.ELF(elf.EM_X86_64, descriptortest.Coredump)

	tests := []struct {
		name   string
		fields []formField
		status int
		code   string
	}{
		{"not a binary", []formField{fileField([]byte("hello world, not a plugin"))}, 400, api.CodePluginInvalid},
		{"no exports", []formField{fileField(descriptortest.ELF(elf.EM_X86_64))}, 400, api.CodePluginInvalid},
		{"missing file", []formField{sigField("aa")}, 400, api.CodeBadRequest},
		{"unknown field", []formField{{name: "extra", data: []byte("x")}, fileField(plugin)}, 400, api.CodeBadRequest},
		{"two files", []formField{fileField(plugin), fileField(plugin)}, 400, api.CodeBadRequest},
		{"too large", []formField{fileField(bytes.Repeat([]byte{0x7f}, 8192))}, 413, api.CodeSizeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantError(t, s.upload(t, "", tt.fields...), tt.status, tt.code)
		})
	}

	wantError(t, s.do(t, http.MethodPost, "/files", "", strings.NewReader("raw"), "application/octet-stream"), 400, api.CodeBadRequest)
	if n := s.r.index.Len(); n != 0 {
		t.Errorf("Len = %d after rejected uploads", n)
	}
}

func TestHTTPSignature(t *testing.T) {
	signer, err := pki.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	s := newTestServer(t, Options{Verifier: signer.Verifier()}, HandlerOptions{})
	data := descriptortest.ELF(elf.EM_AARCH64, descriptortest.Coredump)

	wantError(t, s.upload(t, "", fileField(data), sigField(signer.Sign([]byte("tampered")))), 400, api.CodeSignatureInvalid)
	wantError(t, s.upload(t, "", fileField(data)), 400, api.CodeSignatureInvalid)
	found := decodeJSON[api.FindResponse](t, s.do(t, http.MethodGet, "/plugins/coredump", "", nil, ""), http.StatusOK)
	if len(found.Plugins) != 0 {
		t.Fatalf("rejected upload is visible: %+v", found.Plugins)
	}

	// Signature may precede the file.
	sig := signer.Sign(data)
	md := decodeJSON[api.Metadata](t, s.upload(t, "", sigField(sig), fileField(data)), http.StatusOK)
	if md.Signature != sig {
		t.Errorf("signature = %q, want %q", md.Signature, sig)
	}
	resp := s.do(t, http.MethodGet, "/files/"+md.Digest, "", nil, "")
	if got := resp.Header.Get(api.HeaderSignature); got != sig {
		t.Errorf("%s = %q, want %q", api.HeaderSignature, got, sig)
	}
	if err := signer.Verifier().Verify(data, resp.Header.Get(api.HeaderSignature)); err != nil {
		t.Errorf("Verify downloaded signature: %v", err)
	}
}

func TestHTTPFindBadQuery(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{})
	for _, q := range []string{
		"memflow_plugin_version=abc",
		"memflow_plugin_version=-1",
		"file_type=coff",
		"architecture=mips",
		"digest=xyz",
		"skip=-1",
		"limit=ten",
	} {
		t.Run(q, func(t *testing.T) {
			wantError(t, s.do(t, http.MethodGet, "/plugins/coredump?"+q, "", nil, ""), 400, api.CodeBadRequest)
		})
	}
}

func TestHTTPFindPagination(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{})
	for _, data := range [][]byte{
		descriptortest.ELF(elf.EM_X86_64, descriptortest.Coredump),
		descriptortest.ELF(elf.EM_AARCH64, descriptortest.Coredump),
		descriptortest.MachO(macho.CpuArm64, descriptortest.Coredump),
	} {
		decodeJSON[api.Metadata](t, s.upload(t, "", fileField(data)), http.StatusOK)
	}
	all := decodeJSON[api.FindResponse](t, s.do(t, http.MethodGet, "/plugins/coredump", "", nil, ""), http.StatusOK)
	if len(all.Plugins) != 3 {
		t.Fatalf("variants = %d, want 3", len(all.Plugins))
	}
	page := decodeJSON[api.FindResponse](t, s.do(t, http.MethodGet, "/plugins/coredump?skip=1&limit=1", "", nil, ""), http.StatusOK)
	if page.Skip != 1 || len(page.Plugins) != 1 || page.Plugins[0].Digest != all.Plugins[1].Digest {
		t.Errorf("page = %+v, want second of %+v", page, all.Plugins)
	}
	short := all.Plugins[2].Digest[:7]
	byShort := decodeJSON[api.FindResponse](t, s.do(t, http.MethodGet, "/plugins/coredump?digest_short="+short, "", nil, ""), http.StatusOK)
	if len(byShort.Plugins) != 1 || byShort.Plugins[0].Digest != all.Plugins[2].Digest {
		t.Errorf("digest_short %s = %+v", short, byShort.Plugins)
	}
}

func TestHTTPDownloadCompressed(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{})
	data := descriptortest.PE(0x8664, descriptortest.Coredump)
	md := decodeJSON[api.Metadata](t, s.upload(t, "", fileField(data)), http.StatusOK)

	for _, enc := range []string{"zstd", "gzip"} {
		t.Run(enc, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, s.URL+"/files/"+md.Digest, nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			req.Header.Set("Accept-Encoding", enc)
			resp, err := s.Client().Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer resp.Body.Close()
			if got := resp.Header.Get("Content-Encoding"); got != enc {
				t.Fatalf("Content-Encoding = %q, want %q", got, enc)
			}
			rc, err := compress.NewReader(enc, resp.Body)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer rc.Close()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("decoded %d bytes, want %d", len(got), len(data))
			}
		})
	}
}

func TestHTTPRateLimit(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{WriteRateLimit: 1})
	path := "/files/" + digest.FromString("nothing").Encoded()
	wantError(t, s.do(t, http.MethodDelete, path, "", nil, ""), http.StatusNotFound, api.CodeDigestUnknown)
	wantError(t, s.do(t, http.MethodDelete, path, "", nil, ""), http.StatusTooManyRequests, api.CodeTooManyRequests)
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, Options{}, HandlerOptions{})
	resp := s.do(t, http.MethodGet, "/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	decodeJSON[api.Metadata](t, s.upload(t, "", fileField(descriptortest.ELF(elf.EM_X86_64, descriptortest.Coredump))), http.StatusOK)

	resp = s.do(t, http.MethodGet, "/metrics", "", nil, "")
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for _, want := range []string{
		`plugreg_uploads_total{result="added"} 1`,
		"plugreg_artifacts 1",
		"plugreg_http_request_duration_seconds",
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
