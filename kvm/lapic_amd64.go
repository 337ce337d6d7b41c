//go:build linux

package kvm

import (
	"encoding/binary"
	"unsafe"
)

// LAPICRegSize is the size of the local APIC register page exchanged by
// KVM_GET_LAPIC and KVM_SET_LAPIC.
const LAPICRegSize = 0x400

// LAPICState has the same layout as the C struct kvm_lapic_state.
// Regs is a copy of the APIC's memory-mapped register page.
type LAPICState struct {
	Regs [LAPICRegSize]byte
}

// Offsets of local vector table registers in the APIC register page.
const (
	LVTTimer = 0x320
	LVTLINT0 = 0x350
	LVTLINT1 = 0x360
	LVTError = 0x370
)

// LVT delivery modes, bits 8-10 of a local vector table entry.
const (
	DeliveryModeFixed  = 0x0
	DeliveryModeSMI    = 0x2
	DeliveryModeNMI    = 0x4
	DeliveryModeINIT   = 0x5
	DeliveryModeExtINT = 0x7
)

const (
	deliveryModeShift = 8
	deliveryModeMask  = 0x7 << deliveryModeShift
)

// LVT returns the raw value of the local vector table register at off.
func (s *LAPICState) LVT(off int) uint32 {
	return binary.LittleEndian.Uint32(s.Regs[off:])
}

// SetLVT writes the raw value of the local vector table register at off.
func (s *LAPICState) SetLVT(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.Regs[off:], v)
}

// DeliveryMode returns the delivery mode of the LVT register at off.
func (s *LAPICState) DeliveryMode(off int) uint32 {
	return (s.LVT(off) & deliveryModeMask) >> deliveryModeShift
}

// SetDeliveryMode changes the delivery mode of the LVT register at off,
// leaving its other bits alone.
func (s *LAPICState) SetDeliveryMode(off int, mode uint32) {
	v := s.LVT(off) &^ deliveryModeMask
	s.SetLVT(off, v|(mode<<deliveryModeShift)&deliveryModeMask)
}

// GetLAPIC reads the VCPU's local APIC registers.
// It requires an in-kernel irqchip (see CreateIRQChip).
func GetLAPIC(vcpu *VCPU, lapic *LAPICState) error {
	_, err := ioctl(vcpu, "KVM_GET_LAPIC", kGetLAPIC, unsafe.Pointer(lapic))
	return err
}

// SetLAPIC writes the VCPU's local APIC registers.
func SetLAPIC(vcpu *VCPU, lapic *LAPICState) error {
	_, err := ioctl(vcpu, "KVM_SET_LAPIC", kSetLAPIC, unsafe.Pointer(lapic))
	return err
}
