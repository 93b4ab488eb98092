// Package elfedit edits the program header table of an existing ELF image.
//
// Only the program header table, the ELF header and the file offsets that
// depend on the position of the table are rewritten. Section contents,
// symbols and relocations pass through unchanged.
//
// When the table cannot grow where it is, an executable whose first segment
// maps the headers gets that segment lowered in memory and grown by the same
// amount, and any other file gets the table moved to its end with one extra
// read-only PT_LOAD mapping it.
package elfedit

import (
	"debug/elf"
	"slices"
)

// A Prog is an entry in the program header table of a File.
type Prog struct {
	elf.ProgHeader

	orig int // index in the parsed table, -1 if added
}

// Added returns true if the entry was added with AddSegment.
func (p *Prog) Added() bool {
	return p.orig < 0
}

// A header holds the raw ELF header fields which debug/elf does not expose.
type header struct {
	ident     [elf.EI_NIDENT]byte
	typ       uint16
	machine   uint16
	version   uint32
	entry     uint64
	phoff     uint64
	shoff     uint64
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// A File is a parsed ELF image which can be written back out with changes to
// its program header table.
type File struct {
	elf.FileHeader
	Progs []*Prog

	raw      []byte
	hdr      header
	sections []elf.SectionHeader
}

// AddSegment adds a segment to the program header table and returns the entry
// owned by the table. Changes to the segment must be made through the
// returned entry. PT_LOAD entries are kept sorted by virtual address.
//
// The new segment has no file contents. Its file offset is assigned when the
// file is written.
func (f *File) AddSegment(h elf.ProgHeader) *Prog {
	p := &Prog{ProgHeader: h, orig: -1}
	p.Off = 0
	p.Filesz = 0
	at := -1
	if h.Type == elf.PT_LOAD {
		for i, q := range f.Progs {
			if q.Type != elf.PT_LOAD {
				continue
			}
			if q.Vaddr <= h.Vaddr {
				at = i + 1
			} else if at < 0 {
				at = i
			}
		}
	}
	if at < 0 {
		at = len(f.Progs)
	}
	f.Progs = slices.Insert(f.Progs, at, p)
	return p
}

// SegmentData returns the file contents of a segment, or nil if the segment
// has no contents or lies outside the file.
func (f *File) SegmentData(p *Prog) []byte {
	if p.Added() || p.Filesz == 0 {
		return nil
	}
	r := span{p.Off, p.Filesz}
	if r.end() < r.off || r.end() > uint64(len(f.raw)) {
		return nil
	}
	return f.raw[r.off:r.end()]
}

// ProgramTable returns the file offset and size of the program header table
// as read from the file.
func (f *File) ProgramTable() (off, size uint64) {
	return f.hdr.phoff, uint64(f.hdr.phnum) * uint64(f.hdr.phentsize)
}

// =================================================================================================

// A span is a range of file offsets or virtual addresses.
type span struct {
	off  uint64
	size uint64
}

func (x span) end() uint64 {
	return x.off + x.size
}

// overlaps returns true if the spans contain any bytes in common.
func (x span) overlaps(y span) bool {
	if x.size == 0 || y.size == 0 {
		return false
	}
	return x.off+x.size > y.off && y.off+y.size > x.off
}

// contains returns true if x contains all of y.
func (x span) contains(y span) bool {
	return x.off <= y.off && y.off+y.size <= x.off+x.size
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
