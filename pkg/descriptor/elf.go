// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

type elfImage struct {
	data    []byte
	progs   []*elf.Prog
	machine Architecture
	wide    bool
	// relative relocations keyed by the address they patch
	relocs map[uint64]uint64
	syms   func() ([]elf.Symbol, error)
}

func openELF(data []byte) (image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, errors.New("elf: big-endian images are not supported")
	}
	img := &elfImage{
		data:  data,
		progs: f.Progs,
		wide:  f.Class == elf.ELFCLASS64,
		syms:  f.DynamicSymbols,
	}

	var relative uint32
	switch f.Machine {
	case elf.EM_386:
		img.machine = ArchX86
		relative = uint32(elf.R_386_RELATIVE)
	case elf.EM_X86_64:
		img.machine = ArchX86_64
		relative = uint32(elf.R_X86_64_RELATIVE)
	case elf.EM_ARM:
		img.machine = ArchARM
		relative = uint32(elf.R_ARM_RELATIVE)
	case elf.EM_AARCH64:
		img.machine = ArchARM64
		relative = uint32(elf.R_AARCH64_RELATIVE)
	default:
		return nil, fmt.Errorf("elf: unsupported machine %v", f.Machine)
	}

	relocs, err := relativeRelocs(f, relative)
	if err != nil {
		return nil, err
	}
	img.relocs = relocs
	return img, nil
}

// relativeRelocs collects the addends of all relative RELA relocations.
// REL-style relocations keep their addend in place and need no lookup.
func relativeRelocs(f *elf.File, relative uint32) (map[uint64]uint64, error) {
	le := binary.LittleEndian
	out := make(map[uint64]uint64)
	for _, s := range f.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		b, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("elf: read %s: %w", s.Name, err)
		}
		if f.Class == elf.ELFCLASS64 {
			for ; len(b) >= 24; b = b[24:] {
				if elf.R_TYPE64(le.Uint64(b[8:])) == relative {
					out[le.Uint64(b)] = le.Uint64(b[16:])
				}
			}
			continue
		}
		for ; len(b) >= 12; b = b[12:] {
			if elf.R_TYPE32(le.Uint32(b[4:])) == relative {
				out[uint64(le.Uint32(b))] = uint64(le.Uint32(b[8:]))
			}
		}
	}
	return out, nil
}

func (e *elfImage) fileType() FileType { return FileTypeELF }
func (e *elfImage) arch() Architecture { return e.machine }
func (e *elfImage) is64() bool         { return e.wide }

func (e *elfImage) pointer(fieldAddr, raw uint64) uint64 {
	if raw != 0 {
		return raw
	}
	if v, ok := e.relocs[fieldAddr]; ok {
		return v
	}
	return raw
}

// bytesAt maps addr through the PT_LOAD segment that contains it.
func (e *elfImage) bytesAt(addr, n uint64) ([]byte, error) {
	for _, p := range e.progs {
		if p.Type != elf.PT_LOAD || addr < p.Vaddr || addr-p.Vaddr >= p.Filesz {
			continue
		}
		rel := addr - p.Vaddr
		if n > p.Filesz-rel {
			return nil, fmt.Errorf("%w: %#x+%#x crosses segment end", errOutOfBounds, addr, n)
		}
		return fileRange(e.data, p.Off+rel, n)
	}
	return nil, fmt.Errorf("%w: va %#x not in any loadable segment", errOutOfBounds, addr)
}

// exports returns the defined dynamic symbols in symbol-table order.
func (e *elfImage) exports() ([]export, error) {
	syms, err := e.syms()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []export
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		out = append(out, export{name: s.Name, addr: s.Value})
	}
	return out, nil
}
