// Package elftest builds small ELF images for unit tests.
//
// Every image has the same shape: a PT_PHDR entry, a read/execute PT_LOAD
// starting at file offset 0 which maps the headers and .text, a read/write
// PT_LOAD holding .data followed by .bss, and a PT_GNU_STACK entry.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Options select the variant of image to build.
type Options struct {
	Class elf.Class
	Data  elf.Data
	Type  elf.Type
	Base  uint64 // virtual address of the first PT_LOAD
	Slack bool   // leave unused bytes after the program header table
}

// Various images for unit tests.
var (
	// Exec64 has room to grow the program header table in place.
	Exec64 = Options{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Type: elf.ET_EXEC, Base: 0x400000, Slack: true}
	// Exec64Packed has .text right after the program header table.
	Exec64Packed = Options{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Type: elf.ET_EXEC, Base: 0x400000}
	// Dyn64Packed is position independent, with .text right after the table.
	Dyn64Packed = Options{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Type: elf.ET_DYN}
	// Exec64MSB is a big endian variant of Exec64.
	Exec64MSB = Options{Class: elf.ELFCLASS64, Data: elf.ELFDATA2MSB, Type: elf.ET_EXEC, Base: 0x10000000, Slack: true}
	// Exec32 is a 32-bit variant of Exec64.
	Exec32 = Options{Class: elf.ELFCLASS32, Data: elf.ELFDATA2LSB, Type: elf.ET_EXEC, Base: 0x8048000, Slack: true}
	// Exec32Packed is a 32-bit variant of Exec64Packed.
	Exec32Packed = Options{Class: elf.ELFCLASS32, Data: elf.ELFDATA2LSB, Type: elf.ET_EXEC, Base: 0x8048000}
)

const (
	NumProgs    = 4
	NumSections = 5
	TextSize    = 0x40
	DataOff     = 0x1000
	DataSize    = 0x40
	BSSSize     = 0x40
	SlackOff    = 0x200 // offset of .text when Slack is set
	DataDelta   = 0x200000
	SegAlign    = 0x1000
)

const shstrtab = "\x00.text\x00.data\x00.bss\x00.shstrtab\x00"

// Layout describes where Build put things.
type Layout struct {
	Phoff     uint64
	Phentsize uint64
	TextOff   uint64
	StrOff    uint64
	Shoff     uint64
	Size      uint64
	Progs     []elf.ProgHeader
}

// Pattern returns n bytes of recognizable test data.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)*7 + seed
	}
	return b
}

func (o Options) byteOrder() binary.ByteOrder {
	if o.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o Options) machine() elf.Machine {
	switch {
	case o.Class == elf.ELFCLASS32:
		return elf.EM_386
	case o.Data == elf.ELFDATA2MSB:
		return elf.EM_PPC64
	}
	return elf.EM_X86_64
}

// Describe returns the layout Build uses for o.
func (o Options) Describe() Layout {
	var l Layout
	ehsize := uint64(64)
	l.Phentsize = 56
	if o.Class == elf.ELFCLASS32 {
		ehsize = 52
		l.Phentsize = 32
	}
	l.Phoff = ehsize
	l.TextOff = l.Phoff + NumProgs*l.Phentsize
	if o.Slack {
		l.TextOff = SlackOff
	}
	l.StrOff = DataOff + DataSize
	l.Shoff = (l.StrOff + uint64(len(shstrtab)) + 7) &^ 7
	shentsize := uint64(64)
	if o.Class == elf.ELFCLASS32 {
		shentsize = 40
	}
	l.Size = l.Shoff + NumSections*shentsize

	data := o.Base + DataDelta + DataOff
	l.Progs = []elf.ProgHeader{
		{Type: elf.PT_PHDR, Flags: elf.PF_R, Off: l.Phoff, Vaddr: o.Base + l.Phoff, Paddr: o.Base + l.Phoff,
			Filesz: NumProgs * l.Phentsize, Memsz: NumProgs * l.Phentsize, Align: 8},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0, Vaddr: o.Base, Paddr: o.Base,
			Filesz: l.TextOff + TextSize, Memsz: l.TextOff + TextSize, Align: SegAlign},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: DataOff, Vaddr: data, Paddr: data,
			Filesz: DataSize, Memsz: DataSize + BSSSize, Align: SegAlign},
		{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W, Align: 16},
	}
	return l
}

// Build returns an ELF image.
func Build(o Options) []byte {
	l := o.Describe()
	bo := o.byteOrder()
	img := make([]byte, l.Size)
	put := func(off uint64, v interface{}) {
		var buf bytes.Buffer
		if err := binary.Write(&buf, bo, v); err != nil {
			panic(err)
		}
		copy(img[off:], buf.Bytes())
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(o.Class)
	ident[elf.EI_DATA] = byte(o.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	text := o.Base + l.TextOff
	data := o.Base + DataDelta + DataOff
	sections := []elf.SectionHeader{
		{},
		{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: text,
			Offset: l.TextOff, Size: TextSize, Addralign: 16},
		{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: data,
			Offset: DataOff, Size: DataSize, Addralign: 8},
		{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: data + DataSize,
			Offset: DataOff + DataSize, Size: BSSSize, Addralign: 8},
		{Name: ".shstrtab", Type: elf.SHT_STRTAB, Offset: l.StrOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}
	names := []uint32{0, 1, 7, 13, 18}

	if o.Class == elf.ELFCLASS64 {
		put(0, &elf.Header64{
			Ident: ident, Type: uint16(o.Type), Machine: uint16(o.machine()), Version: uint32(elf.EV_CURRENT),
			Entry: text, Phoff: l.Phoff, Shoff: l.Shoff, Ehsize: 64, Phentsize: 56, Phnum: NumProgs,
			Shentsize: 64, Shnum: NumSections, Shstrndx: NumSections - 1,
		})
		for i, p := range l.Progs {
			put(l.Phoff+uint64(i)*l.Phentsize, &elf.Prog64{
				Type: uint32(p.Type), Flags: uint32(p.Flags), Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
				Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
			})
		}
		for i, s := range sections {
			put(l.Shoff+uint64(i)*64, &elf.Section64{
				Name: names[i], Type: uint32(s.Type), Flags: uint64(s.Flags), Addr: s.Addr, Off: s.Offset,
				Size: s.Size, Addralign: s.Addralign,
			})
		}
	} else {
		put(0, &elf.Header32{
			Ident: ident, Type: uint16(o.Type), Machine: uint16(o.machine()), Version: uint32(elf.EV_CURRENT),
			Entry: uint32(text), Phoff: uint32(l.Phoff), Shoff: uint32(l.Shoff), Ehsize: 52, Phentsize: 32,
			Phnum: NumProgs, Shentsize: 40, Shnum: NumSections, Shstrndx: NumSections - 1,
		})
		for i, p := range l.Progs {
			put(l.Phoff+uint64(i)*l.Phentsize, &elf.Prog32{
				Type: uint32(p.Type), Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr),
				Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: uint32(p.Flags), Align: uint32(p.Align),
			})
		}
		for i, s := range sections {
			put(l.Shoff+uint64(i)*40, &elf.Section32{
				Name: names[i], Type: uint32(s.Type), Flags: uint32(s.Flags), Addr: uint32(s.Addr),
				Off: uint32(s.Offset), Size: uint32(s.Size), Addralign: uint32(s.Addralign),
			})
		}
	}

	copy(img[l.TextOff:], Pattern(TextSize, 1))
	copy(img[DataOff:], Pattern(DataSize, 2))
	copy(img[l.StrOff:], shstrtab)
	return img
}
