// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress negotiates and applies HTTP content encodings for artifact
// transfers.
//
// Responses are compressed with the best encoding the client accepts,
// preferring zstd over gzip over deflate when quality values tie:
//
//	enc := compress.Negotiate(r.Header.Get("Accept-Encoding"))
//	cw, err := compress.NewResponseWriter(w, enc)
//	if err != nil {
//		// fall back to w
//	}
//	defer cw.Close()
//
// Request bodies and client-side downloads are decoded with NewReader.
package compress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for content encodings this package
// cannot decode.
var ErrUnsupportedEncoding = fmt.Errorf("unsupported content encoding: %w", errdefs.ErrInvalidArgument)

// Encoding is an HTTP content coding.
type Encoding string

const (
	Identity Encoding = ""
	Zstd     Encoding = "zstd"
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
)

// preference lists the supported encodings, best first.
var preference = []Encoding{Zstd, Gzip, Deflate}

// AcceptEncoding is the Accept-Encoding value clients send to advertise every
// supported encoding.
const AcceptEncoding = "zstd, gzip, deflate"

// Negotiate picks the encoding to use for a response given the request's
// Accept-Encoding header. It returns Identity when nothing supported is
// acceptable.
func Negotiate(acceptEncoding string) Encoding {
	if acceptEncoding == "" {
		return Identity
	}
	quality := make(map[Encoding]float64, len(preference))
	wildcard := -1.0
	for _, item := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(item), ";")
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		switch enc := Encoding(strings.ToLower(strings.TrimSpace(name))); enc {
		case Zstd, Gzip, Deflate:
			quality[enc] = q
		case "*":
			wildcard = q
		}
	}

	best, bestQ := Identity, 0.0
	for _, enc := range preference {
		q, ok := quality[enc]
		if !ok {
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// ResponseWriter compresses everything written through it. Content-Encoding
// and Vary are set and Content-Length is dropped when the header is written.
type ResponseWriter struct {
	http.ResponseWriter
	enc         Encoding
	w           io.Writer
	wroteHeader bool
}

// NewResponseWriter wraps w with an encoder for enc. With Identity the
// returned writer passes data through unchanged.
func NewResponseWriter(w http.ResponseWriter, enc Encoding) (*ResponseWriter, error) {
	cw := &ResponseWriter{ResponseWriter: w, enc: enc}
	var err error
	switch enc {
	case Zstd:
		cw.w, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case Gzip:
		cw.w = gzip.NewWriter(w)
	case Deflate:
		cw.w, err = flate.NewWriter(w, flate.DefaultCompression)
	case Identity:
		cw.w = w
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s writer: %w", enc, err)
	}
	return cw, nil
}

// Encoding returns the encoding applied by cw.
func (cw *ResponseWriter) Encoding() Encoding { return cw.enc }

func (cw *ResponseWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.enc != Identity {
		h := cw.ResponseWriter.Header()
		h.Set("Content-Encoding", string(cw.enc))
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *ResponseWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.w.Write(p)
}

// Close flushes the encoder. It does not close the underlying writer.
func (cw *ResponseWriter) Close() error {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if c, ok := cw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewReader returns a reader decoding r according to a Content-Encoding
// value. Closing it does not close r.
func NewReader(contentEncoding string, r io.Reader) (io.ReadCloser, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(contentEncoding))) {
	case Identity, "identity":
		return io.NopCloser(r), nil
	case Gzip, "x-gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gr, nil
	case Deflate:
		return flate.NewReader(r), nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, contentEncoding)
}

// DecompressRequest replaces r.Body with a decoding reader when the request
// carries a Content-Encoding header, and drops the encoding headers.
func DecompressRequest(r *http.Request) error {
	ce := r.Header.Get("Content-Encoding")
	if ce == "" {
		return nil
	}
	dec, err := NewReader(ce, r.Body)
	if err != nil {
		return err
	}
	r.Body = &bodyCloser{ReadCloser: dec, body: r.Body}
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1
	return nil
}

type bodyCloser struct {
	io.ReadCloser
	body io.Closer
}

func (b *bodyCloser) Close() error {
	return errors.Join(b.ReadCloser.Close(), b.body.Close())
}
