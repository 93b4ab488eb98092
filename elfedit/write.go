package elfedit

import (
	"bytes"
	"debug/elf"
	"io"
	"slices"
)

// Bytes returns the edited image. The File itself is not modified, so equal
// files always produce identical images.
//
// The program header table is rewritten in place if the bytes after it are
// unused. Otherwise room is made by inserting a gap after the table and
// lowering the segment which maps it, and if that is not possible either, the
// table is moved to the end of the file.
func (f *File) Bytes() ([]byte, error) {
	if f.hdr.phnum == 0 {
		return nil, ErrNoProgramHeaders
	}
	progs := make([]elf.ProgHeader, len(f.Progs))
	for i, p := range f.Progs {
		progs[i] = p.ProgHeader
		if p.Added() {
			// No contents, but keep the offset congruent with the address.
			progs[i].Filesz = 0
			progs[i].Off = 0
			if p.Align > 1 {
				progs[i].Off = p.Vaddr % p.Align
			}
		}
	}

	hdr := f.hdr
	entsize := uint64(hdr.phentsize)
	t := f.tableSpan()
	mapIdx := f.tableSegment()
	var img []byte
	if size := uint64(len(progs)) * entsize; f.fitsInPlace(size) {
		img = slices.Clone(f.raw)
	} else if gap, ok := f.shiftGap(size); ok {
		img = make([]byte, 0, uint64(len(f.raw))+gap)
		img = append(img, f.raw[:t.end()]...)
		img = append(img, make([]byte, gap)...)
		img = append(img, f.raw[t.end():]...)
		if err := f.shift(img, progs, &hdr, mapIdx, gap); err != nil {
			return nil, err
		}
	} else {
		img, progs, mapIdx = f.appendTable(slices.Clone(f.raw), progs, &hdr)
	}
	if len(progs) >= 0xffff {
		return nil, ErrTooManySegments
	}
	hdr.phnum = uint16(len(progs))

	size := uint64(len(progs)) * entsize
	for i := range progs {
		p := &progs[i]
		if p.Type != elf.PT_PHDR {
			continue
		}
		p.Off = hdr.phoff
		p.Filesz = size
		p.Memsz = size
		if mapIdx >= 0 {
			m := progs[mapIdx]
			p.Vaddr = m.Vaddr + (hdr.phoff - m.Off)
			p.Paddr = m.Paddr + (hdr.phoff - m.Off)
		}
	}

	var buf bytes.Buffer
	for i := range progs {
		if err := encodeProg(&buf, f.Class, f.ByteOrder, &progs[i]); err != nil {
			return nil, wrapErrorSegment(err, i)
		}
	}
	copy(img[hdr.phoff:], buf.Bytes())
	eh, err := hdr.encode(f.Class, f.ByteOrder)
	if err != nil {
		return nil, err
	}
	copy(img, eh)
	return img, nil
}

// WriteTo writes the edited image to a writer.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	img, err := f.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(img)
	return int64(n), err
}
