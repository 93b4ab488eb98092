package elfedit

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// Open reads the named file from fs and parses it as an ELF image.
func Open(fs afero.Fs, name string) (*File, error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(data)
	if err != nil {
		return nil, wrapError(err, name)
	}
	return f, nil
}

// NewFile parses an ELF image held in memory. The returned File refers to
// data, which must not be modified afterwards.
//
// Malformed images, including ones too short to hold an ELF header, are
// reported with a *ParseError.
func NewFile(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{err}
	}
	f := &File{
		FileHeader: ef.FileHeader,
		raw:        data,
	}
	if err := f.hdr.read(bytes.NewReader(data), ef.Class, ef.ByteOrder); err != nil {
		return nil, &ParseError{err}
	}
	if int(f.hdr.ehsize) < headerSize(ef.Class) {
		return nil, &ParseError{fmt.Errorf("ELF header size is %d, expected at least %d",
			f.hdr.ehsize, headerSize(ef.Class))}
	}
	if f.hdr.phnum == 0xffff {
		return nil, &ParseError{errors.New("extended program header numbering is not supported")}
	}
	if f.hdr.phnum != 0 && int(f.hdr.phentsize) != progSize(ef.Class) {
		return nil, &ParseError{fmt.Errorf("program header entry size is %d, expected %d",
			f.hdr.phentsize, progSize(ef.Class))}
	}
	for i, p := range ef.Progs {
		f.Progs = append(f.Progs, &Prog{ProgHeader: p.ProgHeader, orig: i})
	}
	for _, s := range ef.Sections {
		f.sections = append(f.sections, s.SectionHeader)
	}
	return f, nil
}
