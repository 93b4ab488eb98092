package elfedit

import (
	"debug/elf"
	"slices"
)

const (
	pageBits = 12
	pageSize = 1 << pageBits
)

func (f *File) tableSpan() span {
	return span{f.hdr.phoff, uint64(f.hdr.phnum) * uint64(f.hdr.phentsize)}
}

// tableSegment returns the index of the parsed PT_LOAD entry which maps the
// program header table, or -1 if the table is not loaded.
func (f *File) tableSegment() int {
	t := f.tableSpan()
	for i, p := range f.Progs {
		if p.Added() || p.Type != elf.PT_LOAD {
			continue
		}
		if (span{p.Off, p.Filesz}).contains(t) {
			return i
		}
	}
	return -1
}

// hasPHDR returns true if the table describes itself with a PT_PHDR entry.
func (f *File) hasPHDR() bool {
	for _, p := range f.Progs {
		if p.Type == elf.PT_PHDR {
			return true
		}
	}
	return false
}

// loadAlign returns the largest alignment of any parsed PT_LOAD entry, and at
// least the page size.
func (f *File) loadAlign() uint64 {
	align := uint64(pageSize)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && !p.Added() && p.Align > align {
			align = p.Align
		}
	}
	return align
}

// occupied returns the file ranges holding section data, segment data, and
// the section header table. Segments which contain the whole program header
// table are left out.
func (f *File) occupied() []span {
	t := f.tableSpan()
	var used []span
	for _, s := range f.sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || s.FileSize == 0 {
			continue
		}
		used = append(used, span{s.Offset, s.FileSize})
	}
	for _, p := range f.Progs {
		if p.Added() || p.Filesz == 0 {
			continue
		}
		r := span{p.Off, p.Filesz}
		if r.contains(t) {
			continue
		}
		used = append(used, r)
	}
	if f.hdr.shoff != 0 {
		used = append(used, span{f.hdr.shoff, uint64(len(f.sections)) * uint64(f.hdr.shentsize)})
	}
	return used
}

// fitsInPlace returns true if a table of the given size can be written over
// the current one without touching anything else in the file.
func (f *File) fitsInPlace(size uint64) bool {
	t := f.tableSpan()
	if size <= t.size {
		return true
	}
	grown := span{t.off, size}
	if grown.end() > uint64(len(f.raw)) {
		return false
	}
	extra := span{t.end(), size - t.size}
	for _, r := range f.occupied() {
		if r.overlaps(extra) {
			return false
		}
	}
	if i := f.tableSegment(); i >= 0 {
		p := f.Progs[i]
		if !(span{p.Off, p.Filesz}).contains(grown) {
			return false
		}
	}
	return true
}

// shiftGap returns the number of bytes to insert after the table so that a
// table of the given size fits, with the segment mapping the table lowered in
// memory by the same amount. It returns false if that is not possible without
// changing the address of any existing contents.
func (f *File) shiftGap(size uint64) (uint64, bool) {
	i := f.tableSegment()
	if i < 0 {
		return 0, false
	}
	l := f.Progs[i]
	if l.Off != 0 {
		return 0, false
	}
	t := f.tableSpan()
	gap := alignUp(size-t.size, f.loadAlign())
	if l.Vaddr < gap {
		return 0, false
	}
	lowered := span{l.Vaddr - gap, gap}
	for j, p := range f.Progs {
		if j == i {
			continue
		}
		switch {
		case p.Type == elf.PT_LOAD && (span{p.Vaddr, p.Memsz}).overlaps(lowered):
			return 0, false
		case p.Type == elf.PT_PHDR, p.Added(), p.Filesz == 0:
		case p.Off < t.end():
			// Contents in front of the gap would change address.
			return 0, false
		}
	}
	for _, s := range f.sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || s.FileSize == 0 {
			continue
		}
		if s.Offset < t.end() {
			return 0, false
		}
	}
	return gap, true
}

// shift moves everything after the program header table by gap bytes in img,
// which must already contain the gap, and lowers the segment at index mapIdx.
func (f *File) shift(img []byte, progs []elf.ProgHeader, hdr *header, mapIdx int, gap uint64) error {
	end := f.tableSpan().end()
	for i := range progs {
		p := &progs[i]
		switch {
		case i == mapIdx:
			p.Vaddr -= gap
			if p.Paddr >= gap {
				p.Paddr -= gap
			}
			p.Filesz += gap
			p.Memsz += gap
		case f.Progs[i].Added(), p.Type == elf.PT_PHDR:
		case p.Off >= end:
			p.Off += gap
		}
	}
	if hdr.shoff >= end {
		hdr.shoff += gap
	}
	for i, s := range f.sections {
		if s.Offset < end {
			continue
		}
		off := hdr.shoff + uint64(i)*uint64(hdr.shentsize)
		if err := moveSection(img, off, f.Class, f.ByteOrder, gap); err != nil {
			return wrapErrorf(err, "section %d", i)
		}
	}
	return nil
}

// appendTable places the table at the end of img. If the table was loaded
// before, a read-only PT_LOAD entry above all other loadable segments maps it.
// It returns the new image, table and index of the mapping entry.
func (f *File) appendTable(img []byte, progs []elf.ProgHeader, hdr *header) ([]byte, []elf.ProgHeader, int) {
	entsize := uint64(hdr.phentsize)
	align := uint64(4)
	if f.Class == elf.ELFCLASS64 {
		align = 8
	}
	off := alignUp(uint64(len(img)), align)
	size := uint64(len(progs)) * entsize
	mapIdx := -1
	if f.tableSegment() >= 0 || f.hasPHDR() {
		size += entsize
		palign := f.loadAlign()
		var top uint64
		at := len(progs)
		for i, p := range progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			at = i + 1
			if e := p.Vaddr + p.Memsz; e > top {
				top = e
			}
		}
		vaddr := alignUp(top, palign) + off%palign
		m := elf.ProgHeader{
			Type:   elf.PT_LOAD,
			Flags:  elf.PF_R,
			Off:    off,
			Vaddr:  vaddr,
			Paddr:  vaddr,
			Filesz: size,
			Memsz:  size,
			Align:  palign,
		}
		progs = slices.Insert(progs, at, m)
		mapIdx = at
	}
	hdr.phoff = off
	img = append(img, make([]byte, off+size-uint64(len(img)))...)
	return img, progs, mapIdx
}
