// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/yeetrun/plugreg/pkg/api"
	"github.com/yeetrun/plugreg/pkg/blobstore"
	"github.com/yeetrun/plugreg/pkg/compress"
	"github.com/yeetrun/plugreg/pkg/descriptor"
	"github.com/yeetrun/plugreg/pkg/pki"
)

// Kind classifies registry errors. Every Kind maps to exactly one HTTP status
// and error code.
type Kind int

const (
	KindStorage Kind = iota
	KindAuth
	KindInvalidPlugin
	KindInvalidSignature
	KindNotFound
	KindBadRequest
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindInvalidPlugin:
		return "invalid plugin"
	case KindInvalidSignature:
		return "invalid signature"
	case KindNotFound:
		return "not found"
	case KindBadRequest:
		return "bad request"
	case KindTooLarge:
		return "too large"
	default:
		return "storage"
	}
}

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindInvalidPlugin, KindInvalidSignature, KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the error code reported to clients for k.
func (k Kind) Code() string {
	switch k {
	case KindAuth:
		return api.CodeUnauthorized
	case KindInvalidPlugin:
		return api.CodePluginInvalid
	case KindInvalidSignature:
		return api.CodeSignatureInvalid
	case KindNotFound:
		return api.CodeDigestUnknown
	case KindBadRequest:
		return api.CodeBadRequest
	case KindTooLarge:
		return api.CodeSizeInvalid
	default:
		return api.CodeStorageError
	}
}

// Error is returned by Registry operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// KindOf returns the Kind of err. Errors that did not come from a Registry
// operation are classified by their cause.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return KindTooLarge
	case errors.Is(err, pki.ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, descriptor.ErrUnsupportedFormat), errors.Is(err, descriptor.ErrNoDescriptors):
		return KindInvalidPlugin
	case errors.Is(err, blobstore.ErrInvalidDigest), errors.Is(err, compress.ErrUnsupportedEncoding):
		return KindBadRequest
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsUnauthorized(err):
		return KindAuth
	case errdefs.IsInvalidArgument(err):
		return KindBadRequest
	}
	return KindStorage
}

// writeError writes err as an error document. Storage errors hide their
// cause from the client.
func writeError(w http.ResponseWriter, err error) {
	k := KindOf(err)
	msg := err.Error()
	if k == KindStorage {
		msg = "internal storage error"
	}
	writeErrorKind(w, k, msg, nil)
}

func writeErrorKind(w http.ResponseWriter, k Kind, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if k == KindAuth {
		w.Header().Set("WWW-Authenticate", `Bearer realm="plugreg"`)
	}
	w.WriteHeader(k.Status())
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Errors: []api.ErrorDescriptor{{
			Code:    k.Code(),
			Message: message,
			Detail:  detail,
		}},
	})
}
