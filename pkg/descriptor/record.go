// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// maxStringLen bounds the strings read from a plugin record.
const maxStringLen = 4096

var errOutOfBounds = errors.New("address outside of file")

// export is a named address in an image.
type export struct {
	name string
	addr uint64
}

// image is a parsed binary that plugin records can be read from. Addresses
// are virtual addresses as they appear in the export table and in the record
// pointer fields.
type image interface {
	fileType() FileType
	arch() Architecture
	is64() bool
	exports() ([]export, error)
	// bytesAt returns n bytes of file data backing addr.
	bytesAt(addr, n uint64) ([]byte, error)
	// pointer returns the address a pointer field at fieldAddr refers to
	// given the raw value stored in the file.
	pointer(fieldAddr, raw uint64) uint64
}

// stringField locates a (pointer, u32 length) pair inside a record.
type stringField struct {
	ptr, len uint64
}

type recordLayout struct {
	size        uint64
	ptrSize     uint64
	name        stringField
	version     stringField
	description stringField
}

var (
	layout32 = recordLayout{
		size:        0x34,
		ptrSize:     4,
		name:        stringField{ptr: 0x10, len: 0x14},
		version:     stringField{ptr: 0x18, len: 0x1c},
		description: stringField{ptr: 0x20, len: 0x24},
	}
	layout64 = recordLayout{
		size:        0x60,
		ptrSize:     8,
		name:        stringField{ptr: 0x18, len: 0x20},
		version:     stringField{ptr: 0x28, len: 0x30},
		description: stringField{ptr: 0x38, len: 0x40},
	}
)

func readRecord(img image, addr uint64) (Descriptor, error) {
	l := layout32
	if img.is64() {
		l = layout64
	}
	raw, err := img.bytesAt(addr, l.size)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read record: %w", err)
	}
	abi := int32(binary.LittleEndian.Uint32(raw))
	if abi < 0 {
		return Descriptor{}, fmt.Errorf("negative plugin version %d", abi)
	}

	name, err := readString(img, l, raw, addr, l.name)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read name: %w", err)
	}
	if name == "" {
		return Descriptor{}, errors.New("empty plugin name")
	}
	version, err := readString(img, l, raw, addr, l.version)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read version: %w", err)
	}
	description, err := readString(img, l, raw, addr, l.description)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read description: %w", err)
	}
	return Descriptor{
		PluginVersion: uint32(abi),
		Name:          name,
		Version:       version,
		Description:   description,
	}, nil
}

func readString(img image, l recordLayout, raw []byte, recordAddr uint64, f stringField) (string, error) {
	var ptr uint64
	if l.ptrSize == 8 {
		ptr = binary.LittleEndian.Uint64(raw[f.ptr:])
	} else {
		ptr = uint64(binary.LittleEndian.Uint32(raw[f.ptr:]))
	}
	n := uint64(binary.LittleEndian.Uint32(raw[f.len:]))
	if n == 0 {
		return "", nil
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds %d", n, maxStringLen)
	}
	ptr = img.pointer(recordAddr+f.ptr, ptr)
	b, err := img.bytesAt(ptr, n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("string is not valid UTF-8")
	}
	return string(b), nil
}

// fileRange returns data[off:off+n] if it lies within data.
func fileRange(data []byte, off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: offset %#x length %#x", errOutOfBounds, off, n)
	}
	return data[off:end], nil
}
