//go:build linux

package vm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/c35s/biosvm/kvm"
	"github.com/c35s/biosvm/vm/arch"
	"golang.org/x/sys/unix"
)

// VCPU is the machine's virtual processor. Its control page must be mapped
// before it can run.
type VCPU struct {
	m    *Machine
	fd   *kvm.VCPU
	slot int
	mm   []byte
}

// CreateVCPU creates the machine's VCPU. The local APIC is wired the way a
// BIOS expects, then the registers are optionally reset and handed to the
// loader. A machine has at most one VCPU: once KVM has created it, later
// calls return ErrVCPUExists even if setting it up failed, because KVM
// keeps the VCPU until the VM is closed.
func (m *Machine) CreateVCPU() (_ *VCPU, err error) {
	if m.fd == nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateVCPU, ErrClosed)
	}

	if m.cpuCreated {
		return nil, ErrVCPUExists
	}

	const slot = 0

	fd, err := kvm.CreateVCPU(m.fd, slot)
	if err != nil {
		return nil, fmt.Errorf("%w: slot %d: %w", ErrCreateVCPU, slot, err)
	}

	m.cpuCreated = true

	c := &VCPU{
		m:    m,
		fd:   fd,
		slot: slot,
	}

	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if err := m.cfg.Arch.SetupVCPU(slot, arch.NewVCPUControl(fd)); err != nil {
		return nil, fmt.Errorf("%w: slot %d: %w", ErrSetupVCPU, slot, err)
	}

	if m.cfg.ResetToPowerOnState {
		if err := c.Reset(); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrSetupVCPU, slot, err)
		}
	}

	if m.cfg.Loader != nil {
		err := c.load(m.cfg.Loader)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrLoadVCPU, slot, err)
		}
	}

	m.cpu = c
	return c, nil
}

func (c *VCPU) load(l Loader) error {
	regs, err := c.Regs()
	if err != nil {
		return err
	}

	sregs, err := c.Sregs()
	if err != nil {
		return err
	}

	if err := l.LoadVCPU(c.slot, &regs, &sregs); err != nil {
		return err
	}

	return c.setRegs(&regs, &sregs)
}

// MapControlPage maps the VCPU's shared run page. It is a no-op if the
// page is already mapped.
func (c *VCPU) MapControlPage() error {
	if c.fd == nil {
		return fmt.Errorf("%w: %w", ErrMmapVCPU, ErrClosed)
	}

	if c.mm != nil {
		return nil
	}

	sz, err := c.m.host.VCPUMmapSize()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMmapVCPU, err)
	}

	if sz < int(unsafe.Sizeof(kvm.VCPUState{})) {
		return fmt.Errorf("%w: run page is too small: %d", ErrMmapVCPU, sz)
	}

	mm, err := unix.Mmap(int(c.fd.Fd()), 0, sz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrMmapVCPU, err)
	}

	c.mm = mm
	return nil
}

// Regs returns the VCPU's general purpose registers.
func (c *VCPU) Regs() (kvm.Regs, error) {
	var regs kvm.Regs
	if c.fd == nil {
		return regs, ErrClosed
	}

	if err := kvm.GetRegs(c.fd, &regs); err != nil {
		return regs, fmt.Errorf("get regs: %w", err)
	}

	return regs, nil
}

// Sregs returns the VCPU's special registers.
func (c *VCPU) Sregs() (kvm.Sregs, error) {
	var sregs kvm.Sregs
	if c.fd == nil {
		return sregs, ErrClosed
	}

	if err := kvm.GetSregs(c.fd, &sregs); err != nil {
		return sregs, fmt.Errorf("get sregs: %w", err)
	}

	return sregs, nil
}

// Reset loads the x86 power-on register state. Special registers the
// reset state doesn't cover keep their current values.
func (c *VCPU) Reset() error {
	regs, err := c.Regs()
	if err != nil {
		return err
	}

	sregs, err := c.Sregs()
	if err != nil {
		return err
	}

	arch.PowerOnState(&regs, &sregs)
	return c.setRegs(&regs, &sregs)
}

func (c *VCPU) setRegs(regs *kvm.Regs, sregs *kvm.Sregs) error {
	if err := kvm.SetRegs(c.fd, regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	if err := kvm.SetSregs(c.fd, sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	return nil
}

// Close unmaps the control page and closes the VCPU. It is safe to call
// more than once. KVM keeps the VCPU alive until the VM is closed, so a
// closed VCPU can't be recreated.
func (c *VCPU) Close() error {
	var errs []error

	if c.mm != nil {
		errs = append(errs, unix.Munmap(c.mm))
		c.mm = nil
	}

	if c.fd != nil {
		errs = append(errs, c.fd.Close())
		c.fd = nil
	}

	return errors.Join(errs...)
}

func (c *VCPU) state() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}
