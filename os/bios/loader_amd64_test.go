//go:build linux && amd64

package bios_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c35s/biosvm/kvm"
	"github.com/c35s/biosvm/os/bios"
	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "bios.img")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func writeArchive(t *testing.T, files map[string][]byte) string {
	t.Helper()

	buf := new(bytes.Buffer)
	cw := cpio.NewWriter(buf)

	for name, data := range files {
		require.NoError(t, cw.WriteHeader(&cpio.Header{
			Name: name,
			Mode: cpio.TypeReg | 0o644,
			Size: int64(len(data)),
		}))

		_, err := cw.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, cw.Close())
	return writeFile(t, buf.Bytes())
}

// requireImageAt checks that mem holds fill exactly where the image goes.
func requireImageAt(t *testing.T, mem []byte, fill byte) {
	t.Helper()

	for i, b := range mem {
		inside := i >= bios.ImageAddr && i < bios.ImageEnd
		switch {
		case inside && b != fill:
			t.Fatalf("byte %#x is %#x, want %#x", i, b, fill)

		case !inside && b != 0:
			t.Fatalf("byte %#x outside the image is %#x", i, b)
		}
	}
}

func TestLoadMemory(t *testing.T) {
	img := bytes.Repeat([]byte{0xaa}, bios.ImageSize)
	mem := make([]byte, 2<<20)

	l := &bios.Loader{Path: writeFile(t, img)}
	require.NoError(t, l.LoadMemory(mem))
	requireImageAt(t, mem, 0xaa)
}

func TestLoadMemoryIgnoresTail(t *testing.T) {
	img := bytes.Repeat([]byte{0x55}, bios.ImageSize+4096)
	mem := make([]byte, 2<<20)

	l := &bios.Loader{Path: writeFile(t, img)}
	require.NoError(t, l.LoadMemory(mem))
	requireImageAt(t, mem, 0x55)
}

func TestLoadMemoryMissingIsSoft(t *testing.T) {
	mem := make([]byte, 2<<20)

	l := &bios.Loader{Path: filepath.Join(t.TempDir(), "nope.bin")}
	require.NoError(t, l.LoadMemory(mem))
	requireImageAt(t, mem, 0)
}

func TestLoadShort(t *testing.T) {
	mem := make([]byte, 2<<20)

	err := bios.Load(mem, bytes.NewReader([]byte{1, 2, 3}))
	require.ErrorIs(t, err, bios.ErrImage)
	require.Equal(t, []byte{1, 2, 3, 0}, mem[bios.ImageAddr:bios.ImageAddr+4])
}

func TestLoadMemoryTooSmall(t *testing.T) {
	img := bytes.Repeat([]byte{0xaa}, bios.ImageSize)
	mem := make([]byte, bios.ImageEnd-1)

	l := &bios.Loader{Path: writeFile(t, img)}
	err := l.LoadMemory(mem)
	require.Error(t, err)
	require.NotErrorIs(t, err, bios.ErrImage)
}

func TestLoadMemoryArchive(t *testing.T) {
	mem := make([]byte, 2<<20)

	l := &bios.Loader{
		Path: writeArchive(t, map[string][]byte{
			"README":     []byte("not a bios"),
			"./bios.bin": bytes.Repeat([]byte{0xaa}, bios.ImageSize),
		}),
	}

	require.NoError(t, l.LoadMemory(mem))
	requireImageAt(t, mem, 0xaa)
}

func TestLoadMemoryArchiveMember(t *testing.T) {
	mem := make([]byte, 2<<20)

	l := &bios.Loader{
		Path: writeArchive(t, map[string][]byte{
			"bios.bin":    bytes.Repeat([]byte{0x11}, bios.ImageSize),
			"seabios.rom": bytes.Repeat([]byte{0x22}, bios.ImageSize),
		}),
		Member: "seabios.rom",
	}

	require.NoError(t, l.LoadMemory(mem))
	requireImageAt(t, mem, 0x22)
}

func TestLoadMemoryArchiveWithoutMemberIsSoft(t *testing.T) {
	mem := make([]byte, 2<<20)

	l := &bios.Loader{
		Path: writeArchive(t, map[string][]byte{
			"README": []byte(strings.Repeat("x", 100)),
		}),
		Shadow: true,
	}

	require.NoError(t, l.LoadMemory(mem))
	requireImageAt(t, mem, 0)

	// nothing to enter
	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	require.NoError(t, l.LoadVCPU(0, &regs, &sregs))
	require.Zero(t, regs.RIP)
	require.Zero(t, sregs.CS.Base)
}

func TestLoadVCPUShadow(t *testing.T) {
	mem := make([]byte, 2<<20)
	img := bytes.Repeat([]byte{0xaa}, bios.ImageSize)

	var (
		regs  = kvm.Regs{RIP: 0xfff0}
		sregs = kvm.Sregs{CS: kvm.Segment{Base: 0xffff0000, Selector: 0xf000}}
	)

	l := &bios.Loader{Path: writeFile(t, img)}
	require.NoError(t, l.LoadMemory(mem))
	require.NoError(t, l.LoadVCPU(0, &regs, &sregs))
	require.EqualValues(t, 0xffff0000, sregs.CS.Base, "registers changed without Shadow")

	l.Shadow = true
	require.NoError(t, l.LoadMemory(mem))
	require.NoError(t, l.LoadVCPU(0, &regs, &sregs))
	require.EqualValues(t, 0xfff0, regs.RIP)
	require.EqualValues(t, bios.ImageAddr, sregs.CS.Base)
	require.EqualValues(t, 0xf000, sregs.CS.Selector)
}
