package reserve

import (
	"debug/elf"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/reserveva/elfedit"
	"moria.us/reserveva/internal/elftest"
)

func newTestReserver(t *testing.T, o elftest.Options) (*Reserver, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in", elftest.Build(o), 0o755))
	return New(fs, log.NewNopLogger(), DefaultConfig()), fs
}

func readOutput(t *testing.T, fs afero.Fs, name string) *elf.File {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	ef, err := elf.NewFile(f)
	require.NoError(t, err)
	return ef
}

func TestReserve(t *testing.T) {
	r, fs := newTestReserver(t, elftest.Exec64)
	require.NoError(t, r.Reserve("/in", "/out"))

	ef := readOutput(t, fs, "/out")
	require.Len(t, ef.Progs, elftest.NumProgs+1)
	var loads []elf.ProgHeader
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p.ProgHeader)
		}
	}
	require.Len(t, loads, 3)
	seg := loads[2]
	assert.Equal(t, elf.PF_R|elf.PF_W, seg.Flags)
	assert.Equal(t, uint64(0x7a000000), seg.Vaddr)
	assert.Equal(t, uint64(0x6000000), seg.Memsz)
	assert.Equal(t, uint64(0), seg.Filesz)
	assert.Equal(t, uint64(0x1000), seg.Align)
	assert.Equal(t, seg.Vaddr%seg.Align, seg.Off%seg.Align)

	require.NoError(t, r.Verify("/in", "/out"))
}

func TestReserveNotELF(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"script", []byte("#!/bin/sh\necho hello\n")},
		{"short", []byte("hi\n")},
		{"truncated header", append([]byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"), 2, 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/in", tc.data, 0o755))
			r := New(fs, log.NewNopLogger(), DefaultConfig())

			err := r.Reserve("/in", "/out")
			var pe *elfedit.ParseError
			require.ErrorAs(t, err, &pe)
			ok, err := afero.Exists(fs, "/out")
			require.NoError(t, err)
			assert.False(t, ok, "no output is written")
		})
	}
}

func TestReserveMissingInput(t *testing.T) {
	r := New(afero.NewMemMapFs(), log.NewNopLogger(), DefaultConfig())
	err := r.Reserve("/missing", "/out")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReserveDeterministic(t *testing.T) {
	r, fs := newTestReserver(t, elftest.Exec64Packed)
	require.NoError(t, r.Reserve("/in", "/a"))
	require.NoError(t, r.Reserve("/in", "/b"))
	a, err := afero.ReadFile(fs, "/a")
	require.NoError(t, err)
	b, err := afero.ReadFile(fs, "/b")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestReserveOverwrite(t *testing.T) {
	r, fs := newTestReserver(t, elftest.Exec64)
	require.NoError(t, afero.WriteFile(fs, "/out", []byte("stale"), 0o644))
	require.NoError(t, r.Reserve("/in", "/out"))
	require.NoError(t, r.Verify("/in", "/out"))
}

func TestReserveOverlap(t *testing.T) {
	o := elftest.Exec64
	o.Base = DefaultAddr
	r, fs := newTestReserver(t, o)

	err := r.Reserve("/in", "/out")
	assert.ErrorIs(t, err, ErrOverlap)
	ok, err := afero.Exists(fs, "/out")
	require.NoError(t, err)
	assert.False(t, ok, "no output is written")
}

func TestReservePermissions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in", elftest.Build(elftest.Exec32), 0o750))
	r := New(fs, log.NewNopLogger(), DefaultConfig())
	require.NoError(t, r.Reserve("/in", "/out"))
	st, err := fs.Stat("/out")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), st.Mode().Perm())
}

func TestReserveAll(t *testing.T) {
	for _, tc := range []struct {
		name  string
		opts  elftest.Options
		progs int
	}{
		{"exec64", elftest.Exec64, elftest.NumProgs + 1},
		{"exec64-packed", elftest.Exec64Packed, elftest.NumProgs + 1},
		{"dyn64-packed", elftest.Dyn64Packed, elftest.NumProgs + 2},
		{"exec64-msb", elftest.Exec64MSB, elftest.NumProgs + 1},
		{"exec32", elftest.Exec32, elftest.NumProgs + 1},
		{"exec32-packed", elftest.Exec32Packed, elftest.NumProgs + 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, fs := newTestReserver(t, tc.opts)
			require.NoError(t, r.Reserve("/in", "/out"))
			ef := readOutput(t, fs, "/out")
			assert.Len(t, ef.Progs, tc.progs)
			assert.Equal(t, tc.opts.Class, ef.Class)
			assert.Equal(t, tc.opts.Data, ef.Data)
			assert.NoError(t, r.Verify("/in", "/out"))
		})
	}
}

func TestReserve32BitRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = 0xfff00000
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in", elftest.Build(elftest.Exec32), 0o755))
	r := New(fs, log.NewNopLogger(), cfg)
	err := r.Reserve("/in", "/out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32-bit")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	for _, tc := range []struct {
		name string
		edit func(*Config)
	}{
		{"zero size", func(c *Config) { c.Size = 0 }},
		{"zero align", func(c *Config) { c.Align = 0 }},
		{"align not power of two", func(c *Config) { c.Align = 0x1800 }},
		{"unaligned addr", func(c *Config) { c.Addr += 0x10 }},
		{"wraps", func(c *Config) { c.Addr = 0xfffffffffffff000 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.edit(&c)
			assert.Error(t, c.Validate())
		})
	}

	r, fs := newTestReserver(t, elftest.Exec64)
	r.cfg.Size = 0
	assert.Error(t, r.Reserve("/in", "/out"))
	ok, err := afero.Exists(fs, "/out")
	require.NoError(t, err)
	assert.False(t, ok)
}
