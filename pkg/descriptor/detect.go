// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
)

type format int

const (
	formatPE format = iota + 1
	formatELF
	formatMachO
	formatFat
)

const (
	magicELF   = 0x464C457F // "\x7fELF" read little endian
	magicFat64 = 0xcafebabf

	// Java class files share the fat magic; their second word is a class
	// file version well above any realistic slice count.
	maxFatArches = 32
)

// SniffLen is the number of leading bytes Sniff needs for a definite answer.
const SniffLen = 8

// Sniff reports the container format suggested by the first bytes of a file.
// It is meant for rejecting uploads early, before the whole body is read; a
// successful Sniff does not mean Extract will succeed.
func Sniff(prefix []byte) (FileType, error) {
	f, err := sniff(prefix)
	if err != nil {
		return 0, err
	}
	switch f {
	case formatPE:
		return FileTypePE, nil
	case formatELF:
		return FileTypeELF, nil
	default:
		return FileTypeMach, nil
	}
}

func sniff(b []byte) (format, error) {
	if len(b) >= 2 && b[0] == 'M' && b[1] == 'Z' {
		return formatPE, nil
	}
	if len(b) < 4 {
		return 0, ErrUnsupportedFormat
	}
	switch binary.LittleEndian.Uint32(b) {
	case magicELF:
		return formatELF, nil
	case macho.Magic32, macho.Magic64:
		return formatMachO, nil
	}
	switch binary.BigEndian.Uint32(b) {
	case macho.Magic32, macho.Magic64:
		// Big-endian Mach-O; rejected later with a precise error.
		return formatMachO, nil
	case macho.MagicFat, magicFat64:
		if len(b) >= 8 {
			if n := binary.BigEndian.Uint32(b[4:]); n == 0 || n > maxFatArches {
				return 0, fmt.Errorf("%w: fat header with %d slices", ErrUnsupportedFormat, n)
			}
		}
		return formatFat, nil
	}
	return 0, ErrUnsupportedFormat
}
