// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package descriptor extracts plugin descriptors from native binaries.
//
// A plugin binary exports one symbol per plugin entry point, named
// MEMFLOW_CONNECTOR_<NAME> or MEMFLOW_OS_<NAME>. Each symbol points at a
// fixed-layout record holding the plugin ABI version and the plugin's name,
// version and description. Extract understands PE, ELF and Mach-O (thin and
// fat) images and is a pure function of its input.
package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	// ErrUnsupportedFormat is returned when the input is not a PE, ELF or
	// Mach-O image.
	ErrUnsupportedFormat = fmt.Errorf("unsupported binary format: %w", errdefs.ErrInvalidArgument)
	// ErrNoDescriptors is returned when no plugin export could be read from
	// any image in the input.
	ErrNoDescriptors = fmt.Errorf("no plugin descriptors found: %w", errdefs.ErrInvalidArgument)
)

// Kind is the role a plugin plays.
type Kind uint8

const (
	KindConnector Kind = iota + 1
	KindOS
)

func (k Kind) String() string {
	switch k {
	case KindConnector:
		return "connector"
	case KindOS:
		return "os"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses the textual form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "connector":
		return KindConnector, nil
	case "os":
		return KindOS, nil
	}
	return 0, fmt.Errorf("unknown plugin kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// FileType is the container format of a plugin binary.
type FileType uint8

const (
	FileTypePE FileType = iota + 1
	FileTypeELF
	FileTypeMach
)

func (t FileType) String() string {
	switch t {
	case FileTypePE:
		return "pe"
	case FileTypeELF:
		return "elf"
	case FileTypeMach:
		return "mach"
	default:
		return fmt.Sprintf("filetype(%d)", uint8(t))
	}
}

// ParseFileType parses "pe", "elf" or "mach".
func ParseFileType(s string) (FileType, error) {
	switch strings.ToLower(s) {
	case "pe":
		return FileTypePE, nil
	case "elf":
		return FileTypeELF, nil
	case "mach":
		return FileTypeMach, nil
	}
	return 0, fmt.Errorf("unknown file type %q", s)
}

func (t FileType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *FileType) UnmarshalText(b []byte) error {
	v, err := ParseFileType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Architecture is the CPU architecture an image was built for.
type Architecture uint8

const (
	ArchX86 Architecture = iota + 1
	ArchX86_64
	ArchARM
	ArchARM64
)

func (a Architecture) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// ParseArchitecture parses "x86", "x86_64", "arm" or "arm64".
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(s) {
	case "x86":
		return ArchX86, nil
	case "x86_64":
		return ArchX86_64, nil
	case "arm":
		return ArchARM, nil
	case "arm64":
		return ArchARM64, nil
	}
	return 0, fmt.Errorf("unknown architecture %q", s)
}

func (a Architecture) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Architecture) UnmarshalText(b []byte) error {
	v, err := ParseArchitecture(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Descriptor is the metadata of one exported plugin entry point.
type Descriptor struct {
	Kind          Kind         `json:"plugin_kind"`
	ExportName    string       `json:"export_name"`
	FileType      FileType     `json:"file_type"`
	Architecture  Architecture `json:"architecture"`
	PluginVersion uint32       `json:"plugin_version"`
	Name          string       `json:"name"`
	Version       string       `json:"version"`
	Description   string       `json:"description"`
}

// Extract parses data and returns one Descriptor per plugin export, in
// export-table order. Fat Mach-O slices are scanned independently; a slice
// that fails to parse does not prevent descriptors from other slices being
// returned.
func Extract(data []byte) ([]Descriptor, error) {
	f, err := sniff(data)
	if err != nil {
		return nil, err
	}

	var results []sliceResult
	switch f {
	case formatPE:
		results = []sliceResult{scanOpened(openPE(data))}
	case formatELF:
		results = []sliceResult{scanOpened(openELF(data))}
	case formatMachO:
		results = []sliceResult{scanOpened(openMachO(data))}
	case formatFat:
		results = scanFat(data)
	}

	var (
		out  []Descriptor
		errs []error
	)
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		out = append(out, r.descriptors...)
	}
	if len(out) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoDescriptors, errors.Join(errs...))
		}
		return nil, ErrNoDescriptors
	}
	return out, nil
}

// sliceResult is the outcome of scanning one image. Exactly one of
// descriptors or err is meaningful.
type sliceResult struct {
	descriptors []Descriptor
	err         error
}

func scanOpened(img image, err error) sliceResult {
	if err != nil {
		return sliceResult{err: err}
	}
	ds, err := scan(img)
	return sliceResult{descriptors: ds, err: err}
}

const (
	exportPrefix    = "MEMFLOW_"
	connectorPrefix = exportPrefix + "CONNECTOR_"
	osPrefix        = exportPrefix + "OS_"
)

func kindForExport(name string) (Kind, bool) {
	switch {
	case strings.HasPrefix(name, connectorPrefix):
		return KindConnector, true
	case strings.HasPrefix(name, osPrefix):
		return KindOS, true
	}
	return 0, false
}

// scan reads the plugin record behind every matching export of img.
func scan(img image) ([]Descriptor, error) {
	exports, err := img.exports()
	if err != nil {
		return nil, fmt.Errorf("read exports: %w", err)
	}
	var out []Descriptor
	for _, e := range exports {
		kind, ok := kindForExport(e.name)
		if !ok {
			continue
		}
		d, err := readRecord(img, e.addr)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", e.name, err)
		}
		d.Kind = kind
		d.ExportName = e.name
		d.FileType = img.fileType()
		d.Architecture = img.arch()
		out = append(out, d)
	}
	return out, nil
}
