//go:build linux

// Package bios loads a legacy PC BIOS image into guest memory.
package bios

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/c35s/biosvm/kvm"
	"github.com/cavaliergopher/cpio"
)

// Loader copies a BIOS image into the top 64K of the first megabyte.
// It implements vm.Loader.
type Loader struct {

	// Path is a raw BIOS image or a cpio archive containing one.
	Path string

	// Member is the name of the image in a cpio archive.
	// If Member is empty, "bios.bin" is used.
	Member string

	// Shadow starts the VCPU at F000:FFF0, the BIOS entry point in its
	// low memory copy, instead of the reset vector just below 4G.
	Shadow bool

	loaded bool
}

const (
	ImageAddr = 0xf0000
	ImageSize = 0x10000
	ImageEnd  = ImageAddr + ImageSize

	DefaultMember = "bios.bin"
)

// ErrImage means the image couldn't be read in full. Loader treats it as
// a soft failure: the guest starts with whatever was copied.
var ErrImage = errors.New("bios: bad image")

var cpioMagic = []byte("07070")

// LoadMemory copies the image into mem. A missing or short image is
// logged, not returned.
func (l *Loader) LoadMemory(mem []byte) error {
	l.loaded = false

	err := l.load(mem)
	if errors.Is(err, ErrImage) {
		slog.Warn("failed to load BIOS", "path", l.Path, "err", err)
		return nil
	}

	if err != nil {
		return err
	}

	l.loaded = true
	slog.Debug("loaded BIOS", "path", l.Path, "addr", fmt.Sprintf("%#x", ImageAddr))
	return nil
}

// LoadVCPU moves the VCPU to the low memory entry point if Shadow is set
// and an image was loaded. Otherwise it leaves the registers alone.
func (l *Loader) LoadVCPU(slot int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	if !l.Shadow || !l.loaded {
		return nil
	}

	regs.RIP = 0xfff0
	sregs.CS.Base = ImageAddr
	sregs.CS.Selector = ImageAddr >> 4
	return nil
}

func (l *Loader) load(mem []byte) error {
	if len(mem) < ImageEnd {
		return fmt.Errorf("bios: memory is too small: %#x < %#x", len(mem), ImageEnd)
	}

	f, err := os.Open(l.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}

	defer f.Close()

	br := bufio.NewReader(f)
	if magic, _ := br.Peek(len(cpioMagic)); bytes.Equal(magic, cpioMagic) {
		r, err := findMember(br, l.member())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrImage, err)
		}

		return Load(mem, r)
	}

	return Load(mem, br)
}

func (l *Loader) member() string {
	if l.Member == "" {
		return DefaultMember
	}

	return l.Member
}

// Load copies up to ImageSize bytes from r to ImageAddr in mem. Bytes past
// ImageSize are ignored. A short read leaves the partial copy in place and
// returns ErrImage.
func Load(mem []byte, r io.Reader) error {
	if len(mem) < ImageEnd {
		return fmt.Errorf("bios: memory is too small: %#x < %#x", len(mem), ImageEnd)
	}

	n, err := io.ReadFull(r, mem[ImageAddr:ImageEnd])
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: short image: %d < %d bytes", ErrImage, n, ImageSize)

	case err != nil:
		return fmt.Errorf("%w: %w", ErrImage, err)
	}

	return nil
}

// findMember returns a reader for the named file in a cpio archive.
func findMember(r io.Reader, name string) (io.Reader, error) {
	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("no %s in archive", name)
		}

		if err != nil {
			return nil, err
		}

		if path.Clean(strings.TrimLeft(hdr.Name, "/")) == name {
			return cr, nil
		}
	}
}
