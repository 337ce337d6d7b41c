//go:build linux

// Package arch holds the x86 specific parts of setting up a VM: the legacy
// TSS workaround, the in-kernel interrupt hardware, guest memory layout,
// and local APIC wiring.
package arch

import (
	"fmt"
	"unsafe"

	"github.com/c35s/biosvm/kvm"
)

// TSSAddr is where the three-page TSS region KVM needs on Intel hosts
// is placed. It is just below the BIOS ROM shadow at the top of 4G.
const TSSAddr = 0xfffbd000

// VMControl is the part of a freshly created VM that SetupVM touches.
type VMControl interface {
	CheckExtension(c kvm.Cap) (int, error)
	SetTSSAddr(addr uint64) error
	CreateIRQChip() error
	CreatePIT2(cfg *kvm.PITConfig) error
}

// VCPUControl is the part of a freshly created VCPU that SetupVCPU touches.
type VCPUControl interface {
	GetLAPIC(lapic *kvm.LAPICState) error
	SetLAPIC(lapic *kvm.LAPICState) error
}

type Arch struct{}

func New() *Arch {
	return new(Arch)
}

// SetupVM installs the TSS region if the host asks for it, then the
// in-kernel irqchip and PIT. The irqchip has to come first: KVM refuses
// to create a PIT without an in-kernel PIC.
func (*Arch) SetupVM(vm VMControl) error {
	tss, err := vm.CheckExtension(kvm.CapSetTSSAddr)
	if err != nil {
		return err
	}

	if tss > 0 {
		if err := vm.SetTSSAddr(TSSAddr); err != nil {
			return fmt.Errorf("set TSS addr: %w", err)
		}
	}

	if err := vm.CreateIRQChip(); err != nil {
		return fmt.Errorf("create irqchip: %w", err)
	}

	if err := vm.CreatePIT2(&kvm.PITConfig{}); err != nil {
		return fmt.Errorf("create PIT: %w", err)
	}

	return nil
}

// SetupMemory maps all of mem into a single slot at guest physical address 0.
func (*Arch) SetupMemory(mem []byte) ([]kvm.UserspaceMemoryRegion, error) {
	if len(mem) == 0 {
		return nil, fmt.Errorf("no memory")
	}

	rr := []kvm.UserspaceMemoryRegion{
		{
			Slot:          0,
			Flags:         0,
			GuestPhysAddr: 0,
			MemorySize:    uint64(len(mem)),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		},
	}

	return rr, nil
}

// SetupVCPU routes LINT0 to the in-kernel PIC as ExtINT and LINT1 as NMI,
// which is how a BIOS leaves the local APIC on a PC.
func (*Arch) SetupVCPU(slot int, vcpu VCPUControl) error {
	var lapic kvm.LAPICState
	if err := vcpu.GetLAPIC(&lapic); err != nil {
		return fmt.Errorf("get lapic: %w", err)
	}

	lapic.SetDeliveryMode(kvm.LVTLINT0, kvm.DeliveryModeExtINT)
	lapic.SetDeliveryMode(kvm.LVTLINT1, kvm.DeliveryModeNMI)

	if err := vcpu.SetLAPIC(&lapic); err != nil {
		return fmt.Errorf("set lapic: %w", err)
	}

	return nil
}

// PowerOnState sets regs and sregs to the architectural state of an x86
// processor after RESET: real mode, executing at the reset vector 0xfffffff0.
// KVM initializes new VCPUs to an equivalent state, so this is only needed
// to rewind a VCPU that has already run.
func PowerOnState(regs *kvm.Regs, sregs *kvm.Sregs) {
	*regs = kvm.Regs{
		RDX:    0x623, // family/model/stepping
		RIP:    0xfff0,
		RFlags: 0x2,
	}

	sregs.CS = kvm.Segment{
		Base:     0xffff0000,
		Limit:    0xffff,
		Selector: 0xf000,
		Type:     0xb,
		Present:  1,
		S:        1,
	}

	data := kvm.Segment{
		Limit:   0xffff,
		Type:    0x3,
		Present: 1,
		S:       1,
	}

	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data

	sregs.GDT = kvm.Dtable{Limit: 0xffff}
	sregs.IDT = kvm.Dtable{Limit: 0xffff}

	sregs.CR0 = 0x60000010 // CD | NW | ET
	sregs.CR2 = 0
	sregs.CR3 = 0
	sregs.CR4 = 0
	sregs.CR8 = 0
	sregs.EFER = 0
	sregs.APICBase = 0xfee00000 | 1<<11 | 1<<8 // enabled, BSP
}

// NewVMControl adapts KVM handles to VMControl. Extensions are checked on
// the system handle.
func NewVMControl(sys *kvm.System, vm *kvm.VM) VMControl {
	return vmControl{sys: sys, vm: vm}
}

// NewVCPUControl adapts a KVM VCPU handle to VCPUControl.
func NewVCPUControl(vcpu *kvm.VCPU) VCPUControl {
	return vcpuControl{vcpu}
}

type vmControl struct {
	sys *kvm.System
	vm  *kvm.VM
}

func (c vmControl) CheckExtension(cap kvm.Cap) (int, error) { return kvm.CheckExtension(c.sys, cap) }
func (c vmControl) SetTSSAddr(addr uint64) error            { return kvm.SetTSSAddr(c.vm, addr) }
func (c vmControl) CreateIRQChip() error                    { return kvm.CreateIRQChip(c.vm) }
func (c vmControl) CreatePIT2(cfg *kvm.PITConfig) error     { return kvm.CreatePIT2(c.vm, cfg) }

type vcpuControl struct{ vcpu *kvm.VCPU }

func (c vcpuControl) GetLAPIC(lapic *kvm.LAPICState) error { return kvm.GetLAPIC(c.vcpu, lapic) }
func (c vcpuControl) SetLAPIC(lapic *kvm.LAPICState) error { return kvm.SetLAPIC(c.vcpu, lapic) }
