package reserve

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"moria.us/reserveva/elfedit"
)

// Verify reads back input and output and checks that output is input plus the
// reserving segment. All differences found are reported together.
func (r *Reserver) Verify(input, output string) error {
	in, err := elfedit.Open(r.fs, input)
	if err != nil {
		return err
	}
	out, err := elfedit.Open(r.fs, output)
	if err != nil {
		return err
	}
	if err := r.cfg.Compare(in, out); err != nil {
		return errors.Wrapf(err, "verify %s", output)
	}
	return nil
}

// Compare checks that out holds exactly one reserving segment as described by
// c, and that every segment of in is present in out with the same type,
// flags, alignment, address and sizes, and the same loadable contents.
//
// The segments mapping the program header table are exempt from the address
// and size checks, since the table may have been relocated to make room.
func (c Config) Compare(in, out *elfedit.File) error {
	var result error
	progs := append([]*elfedit.Prog(nil), out.Progs...)

	found := -1
	for i, p := range progs {
		if p.Type == elf.PT_LOAD && p.Vaddr == c.Addr && p.Filesz == 0 {
			found = i
			break
		}
	}
	if found < 0 {
		return fmt.Errorf("no PT_LOAD segment at 0x%x", c.Addr)
	}
	seg := progs[found]
	if seg.Flags != c.Flags {
		result = multierror.Append(result, fmt.Errorf("reserved segment has flags %s, expected %s", seg.Flags, c.Flags))
	}
	if seg.Align != c.Align {
		result = multierror.Append(result, fmt.Errorf("reserved segment has alignment 0x%x, expected 0x%x", seg.Align, c.Align))
	}
	if seg.Memsz != c.Size {
		result = multierror.Append(result, fmt.Errorf("reserved segment has memory size 0x%x, expected 0x%x", seg.Memsz, c.Size))
	}
	progs = append(progs[:found], progs[found+1:]...)

	// A relocated table gets a segment of its own.
	outOff, outSize := out.ProgramTable()
	if len(progs) == len(in.Progs)+1 {
		for i, p := range progs {
			if p.Type == elf.PT_LOAD && p.Off == outOff && p.Filesz == outSize {
				progs = append(progs[:i], progs[i+1:]...)
				break
			}
		}
	}
	if len(progs) != len(in.Progs) {
		return multierror.Append(result, fmt.Errorf("output has %d segments besides the reservation, input has %d",
			len(progs), len(in.Progs)))
	}

	inOff, inSize := in.ProgramTable()
	inTable := fileRange{inOff, inSize}
	outTable := fileRange{outOff, outSize}
	for i, p := range in.Progs {
		q := progs[i]
		if err := compareSegment(p, q, inTable); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "segment %d", i))
			continue
		}
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < q.Vaddr {
			result = multierror.Append(result, fmt.Errorf("segment %d: moved up from 0x%x to 0x%x", i, p.Vaddr, q.Vaddr))
			continue
		}
		delta := p.Vaddr - q.Vaddr
		var skip uint64
		if inTable.in(p) {
			// The headers are expected to differ.
			skip = inTable.off + inTable.size - p.Off
			if outTable.in(q) {
				e := outTable.off + outTable.size - q.Off
				if e > delta && e-delta > skip {
					skip = e - delta
				}
			}
		}
		if err := compareContents(in.SegmentData(p), out.SegmentData(q), delta, skip); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "segment %d", i))
		}
	}
	return result
}

type fileRange struct {
	off, size uint64
}

// in returns true if the segment contains the whole range.
func (r fileRange) in(p *elfedit.Prog) bool {
	return p.Off <= r.off && r.off+r.size <= p.Off+p.Filesz
}

func compareSegment(p, q *elfedit.Prog, inTable fileRange) error {
	if p.Type != q.Type {
		return fmt.Errorf("type changed from %s to %s", p.Type, q.Type)
	}
	if p.Flags != q.Flags {
		return fmt.Errorf("flags changed from %s to %s", p.Flags, q.Flags)
	}
	if p.Align != q.Align {
		return fmt.Errorf("alignment changed from 0x%x to 0x%x", p.Align, q.Align)
	}
	if p.Type == elf.PT_PHDR || (p.Type == elf.PT_LOAD && inTable.in(p)) {
		return nil
	}
	var err error
	if p.Vaddr != q.Vaddr {
		err = multierror.Append(err, fmt.Errorf("address changed from 0x%x to 0x%x", p.Vaddr, q.Vaddr))
	}
	if p.Filesz != q.Filesz {
		err = multierror.Append(err, fmt.Errorf("file size changed from 0x%x to 0x%x", p.Filesz, q.Filesz))
	}
	if p.Memsz != q.Memsz {
		err = multierror.Append(err, fmt.Errorf("memory size changed from 0x%x to 0x%x", p.Memsz, q.Memsz))
	}
	return err
}

// compareContents compares the contents of a segment, starting skip bytes in,
// with the contents of its rewritten version, which starts delta bytes lower
// in memory.
func compareContents(in, out []byte, delta, skip uint64) error {
	if skip >= uint64(len(in)) {
		return nil
	}
	if delta+uint64(len(in)) > uint64(len(out)) {
		return fmt.Errorf("contents truncated from %d to %d bytes", len(in), len(out))
	}
	a := in[skip:]
	b := out[delta+skip : delta+uint64(len(in))]
	if !bytes.Equal(a, b) {
		for i := range a {
			if a[i] != b[i] {
				return fmt.Errorf("contents differ at offset 0x%x", skip+uint64(i))
			}
		}
	}
	return nil
}
