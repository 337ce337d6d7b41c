//go:build linux

// Package kvm is a thin binding to the Linux KVM API.
package kvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevicePath is the usual location of the KVM device node.
const DevicePath = "/dev/kvm"

// StableAPIVersion is the only KVM API version "expected to
// remain unchanged indefinitely."
const StableAPIVersion = 12

// System is an open handle to the KVM device. It is used for
// system ioctls like CreateVM and GetVCPUMmapSize.
type System struct{ *os.File }

// VM is a handle to a virtual machine created by CreateVM.
type VM struct{ *os.File }

// VCPU is a handle to a virtual CPU created by CreateVCPU.
type VCPU struct{ *os.File }

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Error is a failed ioctl. It unwraps to the unix.Errno returned by the
// kernel, so errors.Is(err, unix.EBADF) and friends work as expected.
type Error struct {
	Op    string
	Errno unix.Errno
}

func (e *Error) Error() string {
	return "kvm: " + e.Op + ": " + e.Errno.Error()
}

func (e *Error) Unwrap() error {
	return e.Errno
}

// fder is anything backed by a KVM file descriptor.
type fder interface {
	Fd() uintptr
}

// ioctl numbers. Most of them are x86 specific in practice; the sizes
// encoded in the _IOR/_IOW numbers match the amd64 struct layouts.
const (
	kGetAPIVersion          = 0xae00
	kCreateVM               = 0xae01
	kGetMSRIndexList        = 0xc004ae02
	kCheckExtension         = 0xae03
	kGetVCPUMmapSize        = 0xae04
	kGetMSRFeatureIndexList = 0xc004ae0a
	kCreateVCPU             = 0xae41
	kSetUserMemoryRegion    = 0x4020ae46
	kSetTSSAddr             = 0xae47
	kCreateIRQChip          = 0xae60
	kCreatePIT2             = 0x4040ae77
	kRun                    = 0xae80
	kGetRegs                = 0x8090ae81
	kSetRegs                = 0x4090ae82
	kGetSregs               = 0x8138ae83
	kSetSregs               = 0x4138ae84
	kGetLAPIC               = 0x8400ae8e
	kSetLAPIC               = 0x4400ae8f
)

// ioctl issues a request whose argument is a pointer. The result is either
// the non-negative value returned by the kernel or an *Error, never both.
func ioctl(f fder, op string, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return 0, &Error{Op: op, Errno: errno}
	}

	return int(r), nil
}

// ioctlVal is like ioctl, but the argument is passed by value.
func ioctlVal(f fder, op string, req uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return 0, &Error{Op: op, Errno: errno}
	}

	return int(r), nil
}

// Open opens the KVM device at DevicePath.
func Open() (*System, error) {
	return OpenPath(DevicePath)
}

// OpenPath opens the KVM device node at path for reading and writing.
func OpenPath(path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &System{f}, nil
}

// GetAPIVersion returns the KVM API version. Applications should refuse
// to run if it is not StableAPIVersion.
func GetAPIVersion(sys *System) (int, error) {
	return ioctlVal(sys, "KVM_GET_API_VERSION", kGetAPIVersion, 0)
}

// CheckExtension returns the value of a capability. Zero means the
// capability is not supported. It works on the system handle and, if
// CapCheckExtensionVM is supported, on a VM handle.
func CheckExtension(f fder, c Cap) (int, error) {
	return ioctlVal(f, "KVM_CHECK_EXTENSION", kCheckExtension, uintptr(c))
}

// GetVCPUMmapSize returns the size of the shared region that must be
// mmapped from a VCPU fd. The region begins with a struct kvm_run.
func GetVCPUMmapSize(sys *System) (int, error) {
	return ioctlVal(sys, "KVM_GET_VCPU_MMAP_SIZE", kGetVCPUMmapSize, 0)
}

// CreateVM creates a virtual machine with no VCPUs and no memory.
func CreateVM(sys *System) (*VM, error) {
	fd, err := ioctlVal(sys, "KVM_CREATE_VM", kCreateVM, 0)
	if err != nil {
		return nil, err
	}

	return &VM{os.NewFile(uintptr(fd), "kvm-vm")}, nil
}

// CreateVCPU adds a VCPU with the given id to the VM.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	fd, err := ioctlVal(vm, "KVM_CREATE_VCPU", kCreateVCPU, uintptr(id))
	if err != nil {
		return nil, err
	}

	return &VCPU{os.NewFile(uintptr(fd), "kvm-vcpu")}, nil
}

// SetUserMemoryRegion creates, modifies, or deletes a guest physical
// memory slot backed by host memory.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vm, "KVM_SET_USER_MEMORY_REGION", kSetUserMemoryRegion, unsafe.Pointer(region))
	return err
}

// CreateIRQChip creates an in-kernel interrupt controller model.
// On x86 that is an IOAPIC, a virtual PIC, and a local APIC per VCPU.
func CreateIRQChip(vm *VM) error {
	_, err := ioctlVal(vm, "KVM_CREATE_IRQCHIP", kCreateIRQChip, 0)
	return err
}

// Run runs the VCPU until the guest needs the host's attention. The
// reason is in the ExitReason field of the mmapped VCPUState.
func Run(vcpu *VCPU) error {
	_, err := ioctlVal(vcpu, "KVM_RUN", kRun, 0)
	return err
}
