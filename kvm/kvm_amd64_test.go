//go:build linux && amd64

package kvm_test

import (
	"testing"

	"github.com/c35s/biosvm/kvm"
)

// createVCPU creates a VM with an in-kernel irqchip and one VCPU.
func createVCPU(t *testing.T, sys *kvm.System) *kvm.VCPU {
	t.Helper()

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { vm.Close() })

	if err := kvm.CreateIRQChip(vm); err != nil {
		t.Fatal(err)
	}

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { vcpu.Close() })
	return vcpu
}

func TestGetMSRIndexList(t *testing.T) {
	sys := openSystem(t)

	indices, err := kvm.GetMSRIndexList(sys)
	if err != nil {
		t.Fatal(err)
	}

	if len(indices) == 0 {
		t.Fatal("no msrs")
	}
}

func TestGetMSRFeatureIndexList(t *testing.T) {
	sys := openSystem(t)

	ext, err := kvm.CheckExtension(sys, kvm.CapGetMSRFeatures)
	if err != nil {
		t.Fatal(err)
	}

	if ext != 1 {
		t.Skipf("%v is %d", kvm.CapGetMSRFeatures, ext)
	}

	indices, err := kvm.GetMSRFeatureIndexList(sys)
	if err != nil {
		t.Fatal(err)
	}

	if len(indices) == 0 {
		t.Fatal("no msrs")
	}
}

func TestRegs(t *testing.T) {
	vcpu := createVCPU(t, openSystem(t))

	var regs kvm.Regs
	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if regs.RFlags != 0x2 {
		t.Fatalf("RFlags %#x != 0x2", regs.RFlags)
	}

	regs.RAX = 0xc355
	if err := kvm.SetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if regs.RAX != 0xc355 {
		t.Fatalf("RAX %#x !=  0xc355 after SetRegs", regs.RAX)
	}
}

func TestSregs(t *testing.T) {
	vcpu := createVCPU(t, openSystem(t))

	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	if sregs.CS.Base != 0xffff0000 {
		t.Fatalf("CS.Base %#x != 0xffff0000", sregs.CS.Base)
	}

	sregs.CS.Base = 0x1000
	if err := kvm.SetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	if sregs.CS.Base != 0x1000 {
		t.Fatalf("CS.Base %#x != 0x1000 after SetSregs", sregs.CS.Base)
	}
}

func TestLAPIC(t *testing.T) {
	vcpu := createVCPU(t, openSystem(t))

	var lapic kvm.LAPICState
	if err := kvm.GetLAPIC(vcpu, &lapic); err != nil {
		t.Fatal(err)
	}

	lapic.SetDeliveryMode(kvm.LVTLINT0, kvm.DeliveryModeExtINT)
	lapic.SetDeliveryMode(kvm.LVTLINT1, kvm.DeliveryModeNMI)

	if err := kvm.SetLAPIC(vcpu, &lapic); err != nil {
		t.Fatal(err)
	}

	var got kvm.LAPICState
	if err := kvm.GetLAPIC(vcpu, &got); err != nil {
		t.Fatal(err)
	}

	if m := got.DeliveryMode(kvm.LVTLINT0); m != kvm.DeliveryModeExtINT {
		t.Errorf("LINT0 delivery mode %#x != ExtINT", m)
	}

	if m := got.DeliveryMode(kvm.LVTLINT1); m != kvm.DeliveryModeNMI {
		t.Errorf("LINT1 delivery mode %#x != NMI", m)
	}
}

func TestSetTSSAddr(t *testing.T) {
	sys := openSystem(t)

	ext, err := kvm.CheckExtension(sys, kvm.CapSetTSSAddr)
	if err != nil {
		t.Fatal(err)
	}

	if ext != 1 {
		t.Skipf("%v is %d", kvm.CapSetTSSAddr, ext)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	if err := kvm.SetTSSAddr(vm, 0xfffbd000); err != nil {
		t.Fatal(err)
	}
}

func TestCreatePIT2(t *testing.T) {
	sys := openSystem(t)

	ext, err := kvm.CheckExtension(sys, kvm.CapPIT2)
	if err != nil {
		t.Fatal(err)
	}

	if ext != 1 {
		t.Skipf("%v is %d", kvm.CapPIT2, ext)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	if err := kvm.CreateIRQChip(vm); err != nil {
		t.Fatal(err)
	}

	cfg := kvm.PITConfig{
		Flags: kvm.PITSpeakerDummy,
	}

	if err := kvm.CreatePIT2(vm, &cfg); err != nil {
		t.Fatal(err)
	}
}
