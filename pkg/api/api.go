// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api defines the JSON documents and headers exchanged between the
// registry server and its clients.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/yeetrun/plugreg/pkg/descriptor"
)

// Response headers.
const (
	HeaderDigest    = "X-Plugin-Digest"
	HeaderSignature = "X-Plugin-Signature"
	HeaderUpload    = "X-Plugin-Upload"
)

// Values of HeaderUpload.
const (
	UploadAdded  = "added"
	UploadExists = "exists"
)

// Multipart field names accepted by the upload endpoint.
const (
	FormFile      = "file"
	FormSignature = "signature"
)

// Query parameters accepted by the find endpoint.
const (
	ParamVersion       = "version"
	ParamPluginVersion = "memflow_plugin_version"
	ParamFileType      = "file_type"
	ParamArchitecture  = "architecture"
	ParamDigest        = "digest"
	ParamDigestShort   = "digest_short"
	ParamSkip          = "skip"
	ParamLimit         = "limit"
)

// PluginInfo is one entry of the plugin list.
type PluginInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PluginsResponse is returned by GET /plugins.
type PluginsResponse struct {
	Plugins []PluginInfo `json:"plugins"`
}

// Variant is a single plugin descriptor and the artifact it lives in.
// Digests are bare lowercase hex.
type Variant struct {
	Digest     string                `json:"digest"`
	Signature  string                `json:"signature"`
	CreatedAt  time.Time             `json:"created_at"`
	Descriptor descriptor.Descriptor `json:"descriptor"`
}

// FindResponse is returned by GET /plugins/{name}.
type FindResponse struct {
	Plugins []Variant `json:"plugins"`
	Skip    int       `json:"skip"`
}

// Metadata describes a stored artifact. It is returned by uploads and by
// GET /files/{digest}/metadata.
type Metadata struct {
	Digest      string                  `json:"digest"`
	Size        int64                   `json:"size"`
	Signature   string                  `json:"signature,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	Descriptors []descriptor.Descriptor `json:"descriptors"`
}

// DeleteResponse is returned by DELETE /files/{digest}.
type DeleteResponse struct {
	Digest string `json:"digest"`
}

// Error codes.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodePluginInvalid    = "PLUGIN_INVALID"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeDigestUnknown    = "DIGEST_UNKNOWN"
	CodeStorageError     = "STORAGE_ERROR"
	CodeBadRequest       = "BAD_REQUEST"
	CodeSizeInvalid      = "SIZE_INVALID"
	CodeTooManyRequests  = "TOOMANYREQUESTS"
)

// ErrorDescriptor is a single error in an ErrorResponse.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	var parts []string
	for _, d := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return strings.Join(parts, "; ")
}

// HasCode reports whether any error in e has the given code.
func (e *ErrorResponse) HasCode(code string) bool {
	for _, d := range e.Errors {
		if d.Code == code {
			return true
		}
	}
	return false
}
