package elfedit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

func headerSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return binary.Size(elf.Header64{})
	}
	return binary.Size(elf.Header32{})
}

func progSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return binary.Size(elf.Prog64{})
	}
	return binary.Size(elf.Prog32{})
}

func (h *header) read(r io.Reader, class elf.Class, bo binary.ByteOrder) error {
	switch class {
	case elf.ELFCLASS64:
		var fh elf.Header64
		if err := binary.Read(r, bo, &fh); err != nil {
			return err
		}
		*h = header{
			ident:     fh.Ident,
			typ:       fh.Type,
			machine:   fh.Machine,
			version:   fh.Version,
			entry:     fh.Entry,
			phoff:     fh.Phoff,
			shoff:     fh.Shoff,
			flags:     fh.Flags,
			ehsize:    fh.Ehsize,
			phentsize: fh.Phentsize,
			phnum:     fh.Phnum,
			shentsize: fh.Shentsize,
			shnum:     fh.Shnum,
			shstrndx:  fh.Shstrndx,
		}
	case elf.ELFCLASS32:
		var fh elf.Header32
		if err := binary.Read(r, bo, &fh); err != nil {
			return err
		}
		*h = header{
			ident:     fh.Ident,
			typ:       fh.Type,
			machine:   fh.Machine,
			version:   fh.Version,
			entry:     uint64(fh.Entry),
			phoff:     uint64(fh.Phoff),
			shoff:     uint64(fh.Shoff),
			flags:     fh.Flags,
			ehsize:    fh.Ehsize,
			phentsize: fh.Phentsize,
			phnum:     fh.Phnum,
			shentsize: fh.Shentsize,
			shnum:     fh.Shnum,
			shstrndx:  fh.Shstrndx,
		}
	default:
		return fmt.Errorf("unknown ELF class %s", class)
	}
	return nil
}

func (h *header) encode(class elf.Class, bo binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	var v interface{}
	if class == elf.ELFCLASS64 {
		v = &elf.Header64{
			Ident:     h.ident,
			Type:      h.typ,
			Machine:   h.machine,
			Version:   h.version,
			Entry:     h.entry,
			Phoff:     h.phoff,
			Shoff:     h.shoff,
			Flags:     h.flags,
			Ehsize:    h.ehsize,
			Phentsize: h.phentsize,
			Phnum:     h.phnum,
			Shentsize: h.shentsize,
			Shnum:     h.shnum,
			Shstrndx:  h.shstrndx,
		}
	} else {
		if h.phoff > maxUint32 || h.shoff > maxUint32 {
			return nil, fmt.Errorf("header offsets 0x%x, 0x%x do not fit ELFCLASS32", h.phoff, h.shoff)
		}
		v = &elf.Header32{
			Ident:     h.ident,
			Type:      h.typ,
			Machine:   h.machine,
			Version:   h.version,
			Entry:     uint32(h.entry),
			Phoff:     uint32(h.phoff),
			Shoff:     uint32(h.shoff),
			Flags:     h.flags,
			Ehsize:    h.ehsize,
			Phentsize: h.phentsize,
			Phnum:     h.phnum,
			Shentsize: h.shentsize,
			Shnum:     h.shnum,
			Shstrndx:  h.shstrndx,
		}
	}
	if err := binary.Write(&buf, bo, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const maxUint32 = 1<<32 - 1

func encodeProg(w io.Writer, class elf.Class, bo binary.ByteOrder, p *elf.ProgHeader) error {
	if class == elf.ELFCLASS64 {
		return binary.Write(w, bo, &elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	for _, v := range [...]uint64{p.Off, p.Vaddr, p.Paddr, p.Filesz, p.Memsz, p.Align} {
		if v > maxUint32 {
			return fmt.Errorf("value 0x%x does not fit ELFCLASS32", v)
		}
	}
	return binary.Write(w, bo, &elf.Prog32{
		Type:   uint32(p.Type),
		Off:    uint32(p.Off),
		Vaddr:  uint32(p.Vaddr),
		Paddr:  uint32(p.Paddr),
		Filesz: uint32(p.Filesz),
		Memsz:  uint32(p.Memsz),
		Flags:  uint32(p.Flags),
		Align:  uint32(p.Align),
	})
}

// moveSection adds delta to the file offset of the section header stored at
// off in img.
func moveSection(img []byte, off uint64, class elf.Class, bo binary.ByteOrder, delta uint64) error {
	var buf bytes.Buffer
	r := bytes.NewReader(img[off:])
	if class == elf.ELFCLASS64 {
		var sh elf.Section64
		if err := binary.Read(r, bo, &sh); err != nil {
			return err
		}
		sh.Off += delta
		if err := binary.Write(&buf, bo, &sh); err != nil {
			return err
		}
	} else {
		var sh elf.Section32
		if err := binary.Read(r, bo, &sh); err != nil {
			return err
		}
		if uint64(sh.Off)+delta > maxUint32 {
			return fmt.Errorf("section offset 0x%x does not fit ELFCLASS32", uint64(sh.Off)+delta)
		}
		sh.Off += uint32(delta)
		if err := binary.Write(&buf, bo, &sh); err != nil {
			return err
		}
	}
	copy(img[off:], buf.Bytes())
	return nil
}
