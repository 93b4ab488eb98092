package reserve

import (
	"debug/elf"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/reserveva/elfedit"
	"moria.us/reserveva/internal/elftest"
)

func rewrite(t *testing.T, o elftest.Options, edit func(*elfedit.File)) (*elfedit.File, *elfedit.File) {
	t.Helper()
	in, err := elfedit.NewFile(elftest.Build(o))
	require.NoError(t, err)
	f, err := elfedit.NewFile(elftest.Build(o))
	require.NoError(t, err)
	edit(f)
	img, err := f.Bytes()
	require.NoError(t, err)
	out, err := elfedit.NewFile(img)
	require.NoError(t, err)
	return in, out
}

func TestCompare(t *testing.T) {
	cfg := DefaultConfig()
	in, out := rewrite(t, elftest.Exec64Packed, func(f *elfedit.File) {
		f.AddSegment(cfg.header()).Memsz = cfg.Size
	})
	assert.NoError(t, cfg.Compare(in, out))
}

func TestCompareMissing(t *testing.T) {
	cfg := DefaultConfig()
	in, out := rewrite(t, elftest.Exec64, func(*elfedit.File) {})
	err := cfg.Compare(in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PT_LOAD segment")
}

func TestCompareWrongSegment(t *testing.T) {
	cfg := DefaultConfig()
	in, out := rewrite(t, elftest.Exec64, func(f *elfedit.File) {
		h := cfg.header()
		h.Flags = elf.PF_R
		h.Align = 0x10000
		f.AddSegment(h).Memsz = 0x1000
	})
	err := cfg.Compare(in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flags")
	assert.Contains(t, err.Error(), "alignment")
	assert.Contains(t, err.Error(), "memory size")
}

func TestCompareChangedSegment(t *testing.T) {
	cfg := DefaultConfig()
	in, out := rewrite(t, elftest.Exec64, func(f *elfedit.File) {
		f.AddSegment(cfg.header()).Memsz = cfg.Size
		f.Progs[2].Memsz += 0x1000
	})
	err := cfg.Compare(in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment 2")
	assert.Contains(t, err.Error(), "memory size changed")
}

func TestCompareExtraSegment(t *testing.T) {
	cfg := DefaultConfig()
	in, out := rewrite(t, elftest.Exec64, func(f *elfedit.File) {
		f.AddSegment(cfg.header()).Memsz = cfg.Size
		f.AddSegment(elf.ProgHeader{Type: elf.PT_NOTE})
	})
	err := cfg.Compare(in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segments besides the reservation")
}

func TestVerifyCorrupted(t *testing.T) {
	r, fs := newTestReserver(t, elftest.Exec64)
	require.NoError(t, r.Reserve("/in", "/out"))
	img, err := afero.ReadFile(fs, "/out")
	require.NoError(t, err)
	img[elftest.DataOff+3] ^= 0xff
	require.NoError(t, afero.WriteFile(fs, "/out", img, 0o755))

	err = r.Verify("/in", "/out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify /out")
	assert.Contains(t, err.Error(), "contents differ at offset 0x3")
}

func TestVerifyMissingOutput(t *testing.T) {
	r, _ := newTestReserver(t, elftest.Exec64)
	assert.Error(t, r.Verify("/in", "/out"))
}

func TestCompareContents(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	assert.NoError(t, compareContents(in, []byte{9, 9, 1, 2, 3, 4}, 2, 0))
	assert.NoError(t, compareContents(in, []byte{9, 9, 0, 2, 3, 4}, 2, 1))
	assert.Error(t, compareContents(in, []byte{9, 9, 1, 2, 3, 5}, 2, 1))
	assert.Error(t, compareContents(in, []byte{1, 2, 3}, 0, 0))
	assert.NoError(t, compareContents(in, nil, 0, 4))
}
