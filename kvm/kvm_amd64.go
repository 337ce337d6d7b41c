//go:build linux

package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const nrInterrupts = 256

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [((nrInterrupts + 63) / 64)]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

// PITConfig has the same layout as the C struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// PITSpeakerDummy asks KVM to emulate a PC speaker port stub.
const PITSpeakerDummy = 1

// VCPUState has roughly the same layout as struct kvm_run.
type VCPUState struct {
	_/*requestInterruptWindow*/ uint8 // in
	ImmediateExit                     uint8 // in
	_                                 [6]uint8
	ExitReason                        Exit
	_/*readyForInterruptInjection*/ uint8
	_/*ifFlag*/ uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// HWExitData is the result of a KVM_EXIT_UNKNOWN vmexit. It has the same layout as
// the "hw" member of the union of vmexit data in struct kvm_run. KVM_EXIT_INTERNAL_ERROR
// shares the first word.
type HWExitData struct {
	HardwareExitReason uint64
}

// FailEntryExitData is the result of a KVM_EXIT_FAIL_ENTRY vmexit. It has the same
// layout as the "fail_entry" member of the union of vmexit data in struct kvm_run.
type FailEntryExitData struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
	_                          uint32
}

// ExceptionExitData is the result of a KVM_EXIT_EXCEPTION vmexit. It has the same
// layout as the "ex" member of the union of vmexit data in struct kvm_run.
type ExceptionExitData struct {
	Exception uint32
	ErrorCode uint32
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout as the "io"
// member of the union of vmexit data in struct kvm_run. The data is at Offset bytes
// from the start of the mmapped VCPU state, not inside the union.
type IOExitData struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	Offset    uint64
}

// GetMSRIndexList "returns the guest msrs that are supported. The list
// varies by kvm version and host processor, but does not change otherwise."
func GetMSRIndexList(sys *System) ([]uint32, error) {
	return queryMSRList(func(l []uint32) error {
		_, err := ioctl(sys, "KVM_GET_MSR_INDEX_LIST", kGetMSRIndexList, unsafe.Pointer(&l[0]))
		return err
	})
}

// GetMSRFeatureIndexList "returns the list of MSRs that can be passed to the KVM_GET_MSRS
// system ioctl. This lets userspace probe host capabilities and processor features that
// are exposed via MSRs (e.g., VMX capabilities)."
//
// This ioctl is available if CheckExtension(CapGetMSRFeatures) returns 1.
func GetMSRFeatureIndexList(sys *System) ([]uint32, error) {
	return queryMSRList(func(l []uint32) error {
		_, err := ioctl(sys, "KVM_GET_MSR_FEATURE_INDEX_LIST", kGetMSRFeatureIndexList, unsafe.Pointer(&l[0]))
		return err
	})
}

// queryMSRList reads a struct kvm_msr_list, whose indices array is a C flexible array
// member. list[0] is nmsrs and the rest are the indices. KVM answers a probe with no
// room by failing with E2BIG and writing the required count to nmsrs, so the second
// query is sized for exactly that count. A required count of zero is not retried.
func queryMSRList(query func(list []uint32) error) ([]uint32, error) {
	probe := []uint32{0}

	err := query(probe)
	if err == nil {
		return nil, nil
	}

	if !errors.Is(err, unix.E2BIG) || probe[0] == 0 {
		return nil, err
	}

	n := probe[0]
	list := make([]uint32, 1+n)
	list[0] = n

	if err := query(list); err != nil {
		return nil, err
	}

	if list[0] < n {
		n = list[0]
	}

	return list[1 : 1+n], nil
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, err := ioctl(vcpu, "KVM_GET_REGS", kGetRegs, unsafe.Pointer(regs))
	return err
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, err := ioctl(vcpu, "KVM_SET_REGS", kSetRegs, unsafe.Pointer(regs))
	return err
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, err := ioctl(vcpu, "KVM_GET_SREGS", kGetSregs, unsafe.Pointer(sregs))
	return err
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, err := ioctl(vcpu, "KVM_SET_SREGS", kSetSregs, unsafe.Pointer(sregs))
	return err
}

// SetTSSAddr "defines the physical address of a three-page region in the guest physical
// address space. The region must be within the first 4GB of the guest physical address
// space and must not conflict with any memory slot or any mmio address. The guest may
// malfunction if it accesses this memory region."
//
// "This ioctl is required on Intel-based hosts. This is needed on Intel hardware because
// of a quirk in the virtualization implementation (see the internals documentation when
// it pops into existence)."
//
// This ioctl is available if CheckExtension(CapSetTSSAddr) returns 1.
func SetTSSAddr(vm *VM, addr uint64) error {
	_, err := ioctlVal(vm, "KVM_SET_TSS_ADDR", kSetTSSAddr, uintptr(addr))
	return err
}

// CreatePIT2 "Creates an in-kernel device model for the i8254 PIT. This call is only valid
// after enabling in-kernel irqchip support via KVM_CREATE_IRQCHIP."
//
// This ioctl is available if CheckExtension(CapPIT2) returns 1.
func CreatePIT2(vm *VM, cfg *PITConfig) error {
	_, err := ioctl(vm, "KVM_CREATE_PIT2", kCreatePIT2, unsafe.Pointer(cfg))
	return err
}

// HWExitData returns data describing the present KVM_EXIT_UNKNOWN or
// KVM_EXIT_INTERNAL_ERROR vmexit.
func (s *VCPUState) HWExitData() *HWExitData {
	return (*HWExitData)(unsafe.Pointer(&s.exitData[0]))
}

// FailEntryExitData returns data describing the present KVM_EXIT_FAIL_ENTRY vmexit.
func (s *VCPUState) FailEntryExitData() *FailEntryExitData {
	return (*FailEntryExitData)(unsafe.Pointer(&s.exitData[0]))
}

// ExceptionExitData returns data describing the present KVM_EXIT_EXCEPTION vmexit.
func (s *VCPUState) ExceptionExitData() *ExceptionExitData {
	return (*ExceptionExitData)(unsafe.Pointer(&s.exitData[0]))
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}
