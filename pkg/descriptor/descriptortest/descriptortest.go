// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package descriptortest builds minimal plugin binaries for tests.
//
// The images contain just enough structure for the descriptor package to
// find plugin exports and their records: headers, a symbol or export table,
// the records themselves and their strings. They are not loadable.
package descriptortest

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
)

// Plugin describes one plugin export to embed.
type Plugin struct {
	// Export is the symbol name without any platform prefix, for example
	// MEMFLOW_CONNECTOR_COREDUMP.
	Export      string
	ABI         int32
	Name        string
	Version     string
	Description string
}

// Coredump is a connector plugin used across tests.
var Coredump = Plugin{
	Export:      "MEMFLOW_CONNECTOR_COREDUMP",
	ABI:         1,
	Name:        "coredump",
	Version:     "0.2.0",
	Description: "win32 coredump connector",
}

var le = binary.LittleEndian

type buf struct{ b []byte }

func (w *buf) off() uint64 { return uint64(len(w.b)) }

func (w *buf) align(n int) {
	for len(w.b)%n != 0 {
		w.b = append(w.b, 0)
	}
}

func (w *buf) write(p []byte) uint64 {
	o := w.off()
	w.b = append(w.b, p...)
	return o
}

func (w *buf) zero(n int) uint64 { return w.write(make([]byte, n)) }

func (w *buf) cstr(s string) uint64 { return w.write(append([]byte(s), 0)) }

func (w *buf) u16(at uint64, v uint16) { le.PutUint16(w.b[at:], v) }
func (w *buf) u32(at uint64, v uint32) { le.PutUint32(w.b[at:], v) }
func (w *buf) u64(at uint64, v uint64) { le.PutUint64(w.b[at:], v) }

type strs struct{ name, version, desc uint64 }

// writeStrings appends the strings of every plugin and returns their offsets.
func writeStrings(w *buf, plugins []Plugin) []strs {
	out := make([]strs, len(plugins))
	for i, p := range plugins {
		out[i] = strs{
			name:    w.write([]byte(p.Name)),
			version: w.write([]byte(p.Version)),
			desc:    w.write([]byte(p.Description)),
		}
	}
	return out
}

// fillRecord64 writes a 64-bit plugin record at off. Pointers are base+offset.
// If skipVersion is set the version pointer is left zero for a relocation to
// fill in.
func fillRecord64(w *buf, off, base uint64, p Plugin, s strs, skipVersion bool) {
	w.u32(off, uint32(p.ABI))
	w.b[off+4] = 1
	w.u64(off+0x18, base+s.name)
	w.u32(off+0x20, uint32(len(p.Name)))
	if !skipVersion {
		w.u64(off+0x28, base+s.version)
	}
	w.u32(off+0x30, uint32(len(p.Version)))
	w.u64(off+0x38, base+s.desc)
	w.u32(off+0x40, uint32(len(p.Description)))
}

func fillRecord32(w *buf, off, base uint64, p Plugin, s strs, skipVersion bool) {
	w.u32(off, uint32(p.ABI))
	w.b[off+4] = 1
	w.u32(off+0x10, uint32(base+s.name))
	w.u32(off+0x14, uint32(len(p.Name)))
	if !skipVersion {
		w.u32(off+0x18, uint32(base+s.version))
	}
	w.u32(off+0x1c, uint32(len(p.Version)))
	w.u32(off+0x20, uint32(base+s.desc))
	w.u32(off+0x24, uint32(len(p.Description)))
}

// ELF returns a 64-bit little-endian ELF shared object for machine, which
// must be elf.EM_X86_64 or elf.EM_AARCH64. Version pointers are stored as
// zero and filled by relative relocations, the way position independent
// shared objects are linked. The dynamic symbol table additionally contains
// an undefined plugin import and an unrelated defined symbol.
func ELF(machine elf.Machine, plugins ...Plugin) []byte {
	return buildELF(machine, true, plugins)
}

// ELF32 is like ELF but returns a 32-bit image for elf.EM_386 or elf.EM_ARM.
func ELF32(machine elf.Machine, plugins ...Plugin) []byte {
	return buildELF(machine, false, plugins)
}

func buildELF(machine elf.Machine, wide bool, plugins []Plugin) []byte {
	const base = 0x10000
	// Header, program header, section header, symbol and RELA entry sizes.
	ehsize, phsize, shsize, symsize, relsize := uint64(52), uint64(32), uint64(40), uint64(16), uint64(12)
	recSize, versionPtr, ptrAlign := 0x34, uint64(0x18), 4
	if wide {
		ehsize, phsize, shsize, symsize, relsize = 64, 56, 64, 24, 24
		recSize, versionPtr, ptrAlign = 0x60, 0x28, 8
	}
	var relative uint64
	switch machine {
	case elf.EM_X86_64:
		relative = uint64(elf.R_X86_64_RELATIVE)
	case elf.EM_AARCH64:
		relative = uint64(elf.R_AARCH64_RELATIVE)
	case elf.EM_386:
		relative = uint64(elf.R_386_RELATIVE)
	case elf.EM_ARM:
		relative = uint64(elf.R_ARM_RELATIVE)
	}

	w := &buf{}
	// word writes an address-sized field.
	word := func(at, v uint64) {
		if wide {
			w.u64(at, v)
		} else {
			w.u32(at, uint32(v))
		}
	}

	w.zero(int(ehsize + phsize))
	w.align(16)
	ss := writeStrings(w, plugins)

	w.align(ptrAlign)
	recs := make([]uint64, len(plugins))
	for i := range plugins {
		recs[i] = w.zero(recSize)
	}

	dynstr := &buf{}
	dynstr.zero(1)
	names := make([]uint32, len(plugins))
	for i, p := range plugins {
		names[i] = uint32(dynstr.cstr(p.Export))
	}
	importName := uint32(dynstr.cstr("MEMFLOW_OS_IMPORTED"))
	helperName := uint32(dynstr.cstr("plugin_helper"))
	dynstrOff := w.write(dynstr.b)

	w.align(ptrAlign)
	dynsymOff := w.zero(int(symsize))
	addSym := func(name uint32, shndx uint16, value uint64) {
		o := w.zero(int(symsize))
		info := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)
		w.u32(o, name)
		if wide {
			w.b[o+4] = info
			w.u16(o+6, shndx)
			w.u64(o+8, value)
			w.u64(o+16, uint64(recSize))
			return
		}
		w.u32(o+4, uint32(value))
		w.u32(o+8, uint32(recSize))
		w.b[o+12] = info
		w.u16(o+14, shndx)
	}
	helperValue := uint64(base)
	if len(recs) > 0 {
		helperValue = base + recs[0]
	}
	addSym(helperName, 1, helperValue)
	for i := range plugins {
		addSym(names[i], 1, base+recs[i])
	}
	addSym(importName, uint16(elf.SHN_UNDEF), 0)
	dynsymSize := w.off() - dynsymOff

	w.align(ptrAlign)
	relaOff := w.off()
	for i := range plugins {
		o := w.zero(int(relsize))
		if wide {
			w.u64(o, base+recs[i]+versionPtr)
			w.u64(o+8, relative)
			w.u64(o+16, base+ss[i].version)
			continue
		}
		w.u32(o, uint32(base+recs[i]+versionPtr))
		w.u32(o+4, uint32(relative))
		w.u32(o+8, uint32(base+ss[i].version))
	}
	relaSize := w.off() - relaOff

	for i, p := range plugins {
		if wide {
			fillRecord64(w, recs[i], base, p, ss[i], true)
		} else {
			fillRecord32(w, recs[i], base, p, ss[i], true)
		}
	}

	shstr := &buf{}
	shstr.zero(1)
	nDynsym := uint32(shstr.cstr(".dynsym"))
	nDynstr := uint32(shstr.cstr(".dynstr"))
	nRela := uint32(shstr.cstr(".rela.dyn"))
	nShstr := uint32(shstr.cstr(".shstrtab"))
	shstrOff := w.write(shstr.b)
	loadSize := w.off()

	w.align(ptrAlign)
	shoff := w.off()
	w.zero(int(shsize)) // null section
	addSection := func(name uint32, typ elf.SectionType, flags elf.SectionFlag, off, size uint64, link, info uint32, entsize uint64) {
		o := w.zero(int(shsize))
		var addr uint64
		if flags&elf.SHF_ALLOC != 0 {
			addr = base + off
		}
		w.u32(o, name)
		w.u32(o+4, uint32(typ))
		if wide {
			w.u64(o+8, uint64(flags))
			w.u64(o+16, addr)
			w.u64(o+24, off)
			w.u64(o+32, size)
			w.u32(o+40, link)
			w.u32(o+44, info)
			w.u64(o+48, uint64(ptrAlign))
			w.u64(o+56, entsize)
			return
		}
		w.u32(o+8, uint32(flags))
		w.u32(o+12, uint32(addr))
		w.u32(o+16, uint32(off))
		w.u32(o+20, uint32(size))
		w.u32(o+24, link)
		w.u32(o+28, info)
		w.u32(o+32, uint32(ptrAlign))
		w.u32(o+36, uint32(entsize))
	}
	addSection(nDynsym, elf.SHT_DYNSYM, elf.SHF_ALLOC, dynsymOff, dynsymSize, 2, 1, symsize)
	addSection(nDynstr, elf.SHT_STRTAB, elf.SHF_ALLOC, dynstrOff, uint64(len(dynstr.b)), 0, 0, 0)
	addSection(nRela, elf.SHT_RELA, elf.SHF_ALLOC, relaOff, relaSize, 1, 0, relsize)
	addSection(nShstr, elf.SHT_STRTAB, 0, shstrOff, uint64(len(shstr.b)), 0, 0, 0)

	// ELF header.
	class := elf.ELFCLASS32
	if wide {
		class = elf.ELFCLASS64
	}
	copy(w.b, []byte{0x7f, 'E', 'L', 'F', byte(class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	w.u16(16, uint16(elf.ET_DYN))
	w.u16(18, uint16(machine))
	w.u32(20, uint32(elf.EV_CURRENT))
	phoffAt, shoffAt, sizesAt := uint64(28), uint64(32), uint64(40)
	if wide {
		phoffAt, shoffAt, sizesAt = 32, 40, 52
	}
	word(phoffAt, ehsize)
	word(shoffAt, shoff)
	w.u16(sizesAt, uint16(ehsize))
	w.u16(sizesAt+2, uint16(phsize))
	w.u16(sizesAt+4, 1)
	w.u16(sizesAt+6, uint16(shsize))
	w.u16(sizesAt+8, 5)
	w.u16(sizesAt+10, 4)

	// Single PT_LOAD covering everything but the section headers.
	ph := ehsize
	w.u32(ph, uint32(elf.PT_LOAD))
	flags := uint32(elf.PF_R | elf.PF_W)
	if wide {
		w.u32(ph+4, flags)
		w.u64(ph+8, 0)
		w.u64(ph+16, base)
		w.u64(ph+24, base)
		w.u64(ph+32, loadSize)
		w.u64(ph+40, loadSize)
		w.u64(ph+48, 0x1000)
	} else {
		w.u32(ph+4, 0)
		w.u32(ph+8, base)
		w.u32(ph+12, base)
		w.u32(ph+16, uint32(loadSize))
		w.u32(ph+20, uint32(loadSize))
		w.u32(ph+24, flags)
		w.u32(ph+28, 0x1000)
	}

	return w.b
}

// PE returns a PE32+ DLL for machine exporting one symbol per plugin.
func PE(machine uint16, plugins ...Plugin) []byte {
	return buildPE(machine, true, plugins)
}

// PE32 returns a 32-bit PE DLL for machine exporting one symbol per plugin.
func PE32(machine uint16, plugins ...Plugin) []byte {
	return buildPE(machine, false, plugins)
}

func buildPE(machine uint16, wide bool, plugins []Plugin) []byte {
	const (
		lfanew     = 0x40
		fileAlign  = 0x200
		sectionRVA = 0x1000
	)
	imageBase := uint64(0x180000000)
	ohSize := binarySize(pe.OptionalHeader64{})
	recSize := 0x60
	if !wide {
		imageBase = 0x10000000
		ohSize = binarySize(pe.OptionalHeader32{})
		recSize = 0x34
	}

	// Section contents; offsets are relative to the section start.
	sec := &buf{}
	ss := writeStrings(sec, plugins)
	sec.align(8)
	recs := make([]uint64, len(plugins))
	for i := range plugins {
		recs[i] = sec.zero(recSize)
	}
	nameOffs := make([]uint64, len(plugins))
	for i, p := range plugins {
		nameOffs[i] = sec.cstr(p.Export)
	}
	dllName := sec.cstr("plugin.dll")
	sec.align(4)
	funcs := sec.zero(4 * len(plugins))
	nameTable := sec.zero(4 * len(plugins))
	ordinals := sec.zero(2 * len(plugins))
	sec.align(4)
	exportDir := sec.zero(40)
	sec.align(fileAlign)

	rva := func(off uint64) uint32 { return uint32(sectionRVA + off) }
	for i, p := range plugins {
		if wide {
			fillRecord64(sec, recs[i], imageBase+sectionRVA, p, ss[i], false)
		} else {
			fillRecord32(sec, recs[i], imageBase+sectionRVA, p, ss[i], false)
		}
		sec.u32(funcs+uint64(4*i), rva(recs[i]))
		sec.u32(nameTable+uint64(4*i), rva(nameOffs[i]))
		sec.u16(ordinals+uint64(2*i), uint16(i))
	}
	sec.u32(exportDir+12, rva(dllName))
	sec.u32(exportDir+16, 1)
	sec.u32(exportDir+20, uint32(len(plugins)))
	sec.u32(exportDir+24, uint32(len(plugins)))
	sec.u32(exportDir+28, rva(funcs))
	sec.u32(exportDir+32, rva(nameTable))
	sec.u32(exportDir+36, rva(ordinals))

	w := &buf{}
	w.zero(lfanew)
	copy(w.b, "MZ")
	w.u32(0x3c, lfanew)
	w.write([]byte{'P', 'E', 0, 0})

	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(ohSize),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL,
	}
	w.write(encode(fh))

	exportEntry := pe.DataDirectory{VirtualAddress: rva(exportDir), Size: 40}
	sizeOfImage := uint32(sectionRVA + len(sec.b))
	if wide {
		oh := pe.OptionalHeader64{
			Magic:               0x20b,
			ImageBase:           imageBase,
			SectionAlignment:    sectionRVA,
			FileAlignment:       fileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       fileAlign,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = exportEntry
		w.write(encode(oh))
	} else {
		oh := pe.OptionalHeader32{
			Magic:               0x10b,
			ImageBase:           uint32(imageBase),
			SectionAlignment:    sectionRVA,
			FileAlignment:       fileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       fileAlign,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = exportEntry
		w.write(encode(oh))
	}

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(sec.b)),
		VirtualAddress:   sectionRVA,
		SizeOfRawData:    uint32(len(sec.b)),
		PointerToRawData: fileAlign,
		Characteristics:  0x40000040, // initialized data, readable
	}
	copy(sh.Name[:], ".rdata")
	w.write(encode(sh))

	w.align(fileAlign)
	w.write(sec.b)
	return w.b
}

// MachO returns a 64-bit little-endian Mach-O dylib for cpu. Record pointers
// carry chained-fixup metadata in their high bits.
func MachO(cpu macho.Cpu, plugins ...Plugin) []byte {
	const (
		hdrSize    = 32
		segCmdSize = 72
		symCmdSize = 24
		nlistSize  = 16
		// "next" field of a DYLD_CHAINED_PTR_64 rebase
		chainNext = uint64(1) << 51
	)

	w := &buf{}
	w.zero(hdrSize + segCmdSize + symCmdSize)
	ss := writeStrings(w, plugins)
	w.align(8)
	recs := make([]uint64, len(plugins))
	for i, p := range plugins {
		recs[i] = w.zero(0x60)
		fillRecord64(w, recs[i], 0, p, ss[i], false)
		w.u64(recs[i]+0x18, w.readU64(recs[i]+0x18)|chainNext)
	}

	strtab := &buf{}
	strtab.write([]byte{' ', 0})
	names := make([]uint32, len(plugins))
	for i, p := range plugins {
		names[i] = uint32(strtab.cstr("_" + p.Export))
	}
	importName := uint32(strtab.cstr("_MEMFLOW_OS_IMPORTED"))

	w.align(8)
	symoff := w.off()
	nsyms := 0
	addSym := func(name uint32, typ uint8, sect uint8, value uint64) {
		o := w.zero(nlistSize)
		w.u32(o, name)
		w.b[o+4] = typ
		w.b[o+5] = sect
		w.u64(o+8, value)
		nsyms++
	}
	for i := range plugins {
		addSym(names[i], 0x0f, 1, recs[i]) // N_SECT | N_EXT
	}
	addSym(importName, 0x01, 0, 0) // N_UNDF | N_EXT
	stroff := w.write(strtab.b)
	size := w.off()

	w.u32(0, macho.Magic64)
	w.u32(4, uint32(cpu))
	w.u32(8, 3)
	w.u32(12, uint32(macho.TypeDylib))
	w.u32(16, 2)
	w.u32(20, segCmdSize+symCmdSize)

	seg := uint64(hdrSize)
	w.u32(seg, uint32(macho.LoadCmdSegment64))
	w.u32(seg+4, segCmdSize)
	copy(w.b[seg+8:], "__TEXT")
	w.u64(seg+24, 0)    // vmaddr
	w.u64(seg+32, size) // vmsize
	w.u64(seg+40, 0)    // fileoff
	w.u64(seg+48, size) // filesize
	w.u32(seg+56, 5)
	w.u32(seg+60, 5)

	sym := seg + segCmdSize
	w.u32(sym, uint32(macho.LoadCmdSymtab))
	w.u32(sym+4, symCmdSize)
	w.u32(sym+8, uint32(symoff))
	w.u32(sym+12, uint32(nsyms))
	w.u32(sym+16, uint32(stroff))
	w.u32(sym+20, uint32(len(strtab.b)))
	return w.b
}

func (w *buf) readU64(at uint64) uint64 { return le.Uint64(w.b[at:]) }

// Fat wraps Mach-O slices in a universal binary. Each slice is given a CPU
// type from cpus, in order; slices need not be valid Mach-O images.
func Fat(cpus []macho.Cpu, slices ...[]byte) []byte {
	be := binary.BigEndian
	hdr := make([]byte, 8+20*len(slices))
	be.PutUint32(hdr, macho.MagicFat)
	be.PutUint32(hdr[4:], uint32(len(slices)))
	w := &buf{}
	w.write(hdr)
	for i, s := range slices {
		w.align(64)
		off := w.write(s)
		e := 8 + 20*i
		be.PutUint32(w.b[e:], uint32(cpus[i]))
		be.PutUint32(w.b[e+8:], uint32(off))
		be.PutUint32(w.b[e+12:], uint32(len(s)))
		be.PutUint32(w.b[e+16:], 6)
	}
	return w.b
}

func binarySize(v any) int { return binary.Size(v) }

func encode(v any) []byte {
	b, err := binary.Append(nil, le, v)
	if err != nil {
		panic(err)
	}
	return b
}
