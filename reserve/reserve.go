// Package reserve adds a zero-filled loadable segment to an ELF executable so
// that a fixed range of the process address space is claimed at load time and
// stays free for a shared memory mapping made later.
package reserve

import (
	"debug/elf"
	"fmt"
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"moria.us/reserveva/elfedit"
)

const (
	// DefaultAddr is the start of the reserved range. It lies outside the
	// ranges the dynamic loader normally uses for shared libraries.
	DefaultAddr = 0x7A000000
	// DefaultSize is the length of the reserved range.
	DefaultSize = 96 * 1024 * 1024
	// DefaultAlign is the alignment of the reserving segment.
	DefaultAlign = 0x1000
)

// ErrOverlap is returned when the range to reserve intersects a loadable
// segment already present in the input.
var ErrOverlap = errors.New("reserved range overlaps an existing segment")

// Config describes the segment to add.
type Config struct {
	Addr  uint64       // virtual address
	Size  uint64       // memory size
	Align uint64       // segment alignment
	Flags elf.ProgFlag // permissions
}

// DefaultConfig returns a readable, writable 96 MiB reservation at 0x7A000000.
func DefaultConfig() Config {
	return Config{
		Addr:  DefaultAddr,
		Size:  DefaultSize,
		Align: DefaultAlign,
		Flags: elf.PF_R | elf.PF_W,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Size == 0 {
		return errors.New("reservation size is zero")
	}
	if c.Align == 0 || bits.OnesCount64(c.Align) != 1 {
		return errors.Errorf("alignment 0x%x is not a power of two", c.Align)
	}
	if c.Addr%c.Align != 0 {
		return errors.Errorf("address 0x%x is not aligned to 0x%x", c.Addr, c.Align)
	}
	if c.Addr+c.Size < c.Addr {
		return errors.Errorf("range 0x%x+0x%x wraps around", c.Addr, c.Size)
	}
	return nil
}

func (c Config) header() elf.ProgHeader {
	return elf.ProgHeader{
		Type:  elf.PT_LOAD,
		Flags: c.Flags,
		Vaddr: c.Addr,
		Paddr: c.Addr,
		Align: c.Align,
	}
}

// checkFile makes sure the reservation fits the file's address space and does
// not intersect any loadable segment.
func (c Config) checkFile(f *elfedit.File) error {
	if f.Class == elf.ELFCLASS32 && c.Addr+c.Size > 1<<32 {
		return errors.Errorf("range 0x%x+0x%x does not fit a 32-bit address space", c.Addr, c.Size)
	}
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Vaddr < c.Addr+c.Size && c.Addr < p.Vaddr+p.Memsz {
			return errors.Wrapf(ErrOverlap, "segment %d [0x%x, 0x%x)", i, p.Vaddr, p.Vaddr+p.Memsz)
		}
	}
	return nil
}

// =================================================================================================

// A Reserver adds the configured segment to ELF files.
type Reserver struct {
	fs     afero.Fs
	logger log.Logger
	cfg    Config
}

// New returns a Reserver which reads and writes files through fs.
func New(fs afero.Fs, logger log.Logger, cfg Config) *Reserver {
	return &Reserver{
		fs:     fs,
		logger: logger,
		cfg:    cfg,
	}
}

// Reserve reads the ELF file at input, adds the reserving segment and writes
// the result to output, replacing any existing file. The output is built in
// memory first, so output is not touched unless every step before the write
// succeeds. The output keeps the permission bits of the input.
func (r *Reserver) Reserve(input, output string) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	st, err := r.fs.Stat(input)
	if err != nil {
		return err
	}
	f, err := elfedit.Open(r.fs, input)
	if err != nil {
		return err
	}
	level.Debug(r.logger).Log("msg", "parsed input", "path", input, "class", f.Class,
		"type", f.Type, "machine", f.Machine, "segments", len(f.Progs))
	if err := r.cfg.checkFile(f); err != nil {
		return errors.Wrap(err, input)
	}

	seg := f.AddSegment(r.cfg.header())
	// Memsz goes on the entry returned by AddSegment, after insertion; the
	// table holds its own copy of the header passed in.
	seg.Memsz = r.cfg.Size

	img, err := f.Bytes()
	if err != nil {
		return errors.Wrapf(err, "%s: rewrite program headers", input)
	}
	if err := afero.WriteFile(r.fs, output, img, st.Mode().Perm()); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "reserved address range", "output", output,
		"addr", fmt.Sprintf("0x%x", r.cfg.Addr), "size", humanize.IBytes(r.cfg.Size),
		"segments", len(f.Progs))
	return nil
}
