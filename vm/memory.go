//go:build linux

package vm

import (
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allocMemory returns size bytes of anonymous memory starting at a multiple
// of align, which must be a power of two. Anonymous mappings are
// zero-filled. The returned reservation is the mapping mem was carved from,
// and is what has to be unmapped.
func allocMemory(size, align int) (mem, res []byte, err error) {
	res, err = unix.Mmap(-1, 0, size+align,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, nil, err
	}

	base := uintptr(unsafe.Pointer(&res[0]))
	off := int((base+uintptr(align)-1)&^(uintptr(align)-1) - base)
	mem = res[off : off+size : off+size]

	// let the host back guest memory with huge pages if it can
	if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
		slog.Debug("madvise hugepage failed", "err", err)
	}

	return mem, res, nil
}
