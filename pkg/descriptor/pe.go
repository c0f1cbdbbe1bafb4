// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	peExportDirSize = 40
	maxExportName   = 512
)

type peImage struct {
	data      []byte
	sections  []*pe.Section
	imageBase uint64
	exportDir pe.DataDirectory
	wide      bool
	machine   Architecture
}

func openPE(data []byte) (image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse pe: %w", err)
	}
	img := &peImage{data: data, sections: f.Sections}

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.imageBase = uint64(oh.ImageBase)
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		img.imageBase = oh.ImageBase
		img.wide = true
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return nil, errors.New("pe: missing optional header")
	}
	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		img.exportDir = dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	}

	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		img.machine = ArchX86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		img.machine = ArchX86_64
	case pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARMNT:
		img.machine = ArchARM
	case pe.IMAGE_FILE_MACHINE_ARM64:
		img.machine = ArchARM64
	default:
		return nil, fmt.Errorf("pe: unsupported machine %#x", f.Machine)
	}
	return img, nil
}

func (p *peImage) fileType() FileType { return FileTypePE }
func (p *peImage) arch() Architecture { return p.machine }
func (p *peImage) is64() bool         { return p.wide }

func (p *peImage) pointer(_, raw uint64) uint64 { return raw }

// rvaBytes maps a relative virtual address to n bytes of file data.
func (p *peImage) rvaBytes(rva uint32, n uint64) ([]byte, error) {
	for _, s := range p.sections {
		extent := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= extent {
			continue
		}
		off := uint64(rva - s.VirtualAddress)
		if off+n > uint64(s.Size) {
			return nil, fmt.Errorf("%w: rva %#x not backed by section %s", errOutOfBounds, rva, s.Name)
		}
		return fileRange(p.data, uint64(s.Offset)+off, n)
	}
	return nil, fmt.Errorf("%w: rva %#x not in any section", errOutOfBounds, rva)
}

func (p *peImage) bytesAt(addr, n uint64) ([]byte, error) {
	if addr < p.imageBase || addr-p.imageBase > 0xffffffff {
		return nil, fmt.Errorf("%w: va %#x outside image", errOutOfBounds, addr)
	}
	return p.rvaBytes(uint32(addr-p.imageBase), n)
}

func (p *peImage) cstring(rva uint32) (string, error) {
	for _, s := range p.sections {
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= s.Size {
			continue
		}
		off := uint64(s.Offset) + uint64(rva-s.VirtualAddress)
		end := min(off+maxExportName, uint64(s.Offset)+uint64(s.Size), uint64(len(p.data)))
		if off >= end {
			break
		}
		b := p.data[off:end]
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			return "", fmt.Errorf("unterminated export name at rva %#x", rva)
		}
		return string(b[:i]), nil
	}
	return "", fmt.Errorf("%w: export name rva %#x", errOutOfBounds, rva)
}

// exports walks the export directory in name-table order.
func (p *peImage) exports() ([]export, error) {
	if p.exportDir.VirtualAddress == 0 || p.exportDir.Size == 0 {
		return nil, nil
	}
	dir, err := p.rvaBytes(p.exportDir.VirtualAddress, peExportDirSize)
	if err != nil {
		return nil, fmt.Errorf("export directory: %w", err)
	}
	le := binary.LittleEndian
	numFuncs := le.Uint32(dir[20:])
	numNames := le.Uint32(dir[24:])
	if numNames == 0 {
		return nil, nil
	}
	funcs, err := p.rvaBytes(le.Uint32(dir[28:]), 4*uint64(numFuncs))
	if err != nil {
		return nil, fmt.Errorf("export address table: %w", err)
	}
	names, err := p.rvaBytes(le.Uint32(dir[32:]), 4*uint64(numNames))
	if err != nil {
		return nil, fmt.Errorf("export name table: %w", err)
	}
	ordinals, err := p.rvaBytes(le.Uint32(dir[36:]), 2*uint64(numNames))
	if err != nil {
		return nil, fmt.Errorf("export ordinal table: %w", err)
	}

	dirStart := p.exportDir.VirtualAddress
	dirEnd := dirStart + p.exportDir.Size
	out := make([]export, 0, numNames)
	for i := range uint64(numNames) {
		ord := uint32(le.Uint16(ordinals[2*i:]))
		if ord >= numFuncs {
			return nil, fmt.Errorf("export ordinal %d out of range", ord)
		}
		name, err := p.cstring(le.Uint32(names[4*i:]))
		if err != nil {
			return nil, err
		}
		rva := le.Uint32(funcs[4*ord:])
		if rva >= dirStart && rva < dirEnd {
			// Forwarder string, not an address in this image.
			continue
		}
		out = append(out, export{name: name, addr: p.imageBase + uint64(rva)})
	}
	return out, nil
}
