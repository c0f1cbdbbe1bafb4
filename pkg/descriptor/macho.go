// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	nStab = 0xe0
	nType = 0x0e
	nSect = 0x0e
	nExt  = 0x01

	// Chained fixups keep the rebase target in the low 36 bits of a
	// pointer and pack chain metadata above it.
	chainedTargetMask = 1<<36 - 1
)

type machoImage struct {
	data     []byte
	segments []*macho.Segment
	symtab   *macho.Symtab
	machine  Architecture
	wide     bool
}

func openMachO(data []byte) (image, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse mach-o: %w", err)
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, errors.New("mach-o: big-endian images are not supported")
	}
	img := &machoImage{
		data:   data,
		symtab: f.Symtab,
		wide:   f.Magic == macho.Magic64,
	}
	for _, l := range f.Loads {
		if s, ok := l.(*macho.Segment); ok {
			img.segments = append(img.segments, s)
		}
	}
	switch f.Cpu {
	case macho.Cpu386:
		img.machine = ArchX86
	case macho.CpuAmd64:
		img.machine = ArchX86_64
	case macho.CpuArm:
		img.machine = ArchARM
	case macho.CpuArm64:
		img.machine = ArchARM64
	default:
		return nil, fmt.Errorf("mach-o: unsupported cpu %v", f.Cpu)
	}
	return img, nil
}

func (m *machoImage) fileType() FileType { return FileTypeMach }
func (m *machoImage) arch() Architecture { return m.machine }
func (m *machoImage) is64() bool         { return m.wide }

func (m *machoImage) pointer(_, raw uint64) uint64 {
	if m.wide {
		return raw & chainedTargetMask
	}
	return raw
}

func (m *machoImage) bytesAt(addr, n uint64) ([]byte, error) {
	for _, s := range m.segments {
		if addr < s.Addr || addr-s.Addr >= s.Filesz {
			continue
		}
		rel := addr - s.Addr
		if n > s.Filesz-rel {
			return nil, fmt.Errorf("%w: %#x+%#x crosses segment %s", errOutOfBounds, addr, n, s.Name)
		}
		return fileRange(m.data, s.Offset+rel, n)
	}
	return nil, fmt.Errorf("%w: va %#x not in any segment", errOutOfBounds, addr)
}

// exports returns external symbols defined in a section, with the leading
// underscore of the C symbol name removed.
func (m *machoImage) exports() ([]export, error) {
	if m.symtab == nil {
		return nil, nil
	}
	var out []export
	for _, s := range m.symtab.Syms {
		if s.Type&nStab != 0 || s.Type&nExt == 0 || s.Type&nType != nSect {
			continue
		}
		out = append(out, export{name: strings.TrimPrefix(s.Name, "_"), addr: s.Value})
	}
	return out, nil
}

// scanFat scans every slice of a universal binary. Each slice yields its own
// result; one broken slice never hides the others.
func scanFat(data []byte) []sliceResult {
	if len(data) < 8 {
		return []sliceResult{{err: errors.New("fat: truncated header")}}
	}
	be := binary.BigEndian
	wide := be.Uint32(data) == magicFat64
	n := be.Uint32(data[4:])
	entrySize := uint64(20)
	if wide {
		entrySize = 32
	}

	results := make([]sliceResult, 0, n)
	for i := range uint64(n) {
		hdr, err := fileRange(data, 8+i*entrySize, entrySize)
		if err != nil {
			results = append(results, sliceResult{err: fmt.Errorf("fat slice %d: %w", i, err)})
			break
		}
		var off, size uint64
		if wide {
			off, size = be.Uint64(hdr[8:]), be.Uint64(hdr[16:])
		} else {
			off, size = uint64(be.Uint32(hdr[8:])), uint64(be.Uint32(hdr[12:]))
		}
		slice, err := fileRange(data, off, size)
		if err != nil {
			results = append(results, sliceResult{err: fmt.Errorf("fat slice %d: %w", i, err)})
			continue
		}
		r := scanOpened(openMachO(slice))
		if r.err != nil {
			r.err = fmt.Errorf("fat slice %d: %w", i, r.err)
		}
		results = append(results, r)
	}
	return results
}
