//go:build linux

// Package vm provides helpers for creating a minimal KVM virtual machine
// and stepping its single VCPU one exit at a time.
package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/biosvm/kvm"
	"github.com/c35s/biosvm/vm/arch"
	"golang.org/x/sys/unix"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 64M of memory.
	MemSize int

	// Align is the alignment of guest memory's host address in bytes.
	// It must be a power of two no smaller than the host's page size.
	// If Align is 0, memory is aligned to 2M so it can be huge-page backed.
	Align int

	// ResetToPowerOnState makes CreateVCPU load the architectural reset
	// state instead of keeping KVM's defaults.
	ResetToPowerOnState bool

	// Loader configures the VM's memory and registers. Optional.
	Loader Loader

	// Arch sets up the VM, its memory, and its VCPU.
	// If Arch is nil, the host's architecture is used.
	Arch Arch
}

type Loader interface {

	// LoadMemory prepares the VM's memory before it boots.
	LoadMemory(mem []byte) error

	// LoadVCPU prepares a VCPU before the VM boots.
	LoadVCPU(slot int, regs *kvm.Regs, sregs *kvm.Sregs) error
}

type Arch interface {

	// SetupVM is called after the VM is created, before memory is allocated.
	SetupVM(vm arch.VMControl) error

	// SetupMemory returns the memory regions to register with KVM.
	SetupMemory(mem []byte) ([]kvm.UserspaceMemoryRegion, error)

	// SetupVCPU is called after a VCPU is created, before it is loaded.
	SetupVCPU(slot int, vcpu arch.VCPUControl) error
}

// Machine is a VM with its guest memory and at most one VCPU.
type Machine struct {
	host *Host
	cfg  Config
	fd   *kvm.VM
	mem  []byte
	res  []byte
	cpu  *VCPU

	// cpuCreated is set once KVM has created the VCPU
	cpuCreated bool
}

const (
	MemSizeMin     = 1 << 20  // 1M
	MemSizeDefault = 64 << 20 // 64M
	MemSizeMax     = 1 << 40  // 1T

	AlignDefault = 2 << 20 // 2M
)

var (
	ErrDeviceUnavailable   = errors.New("vm: KVM is not available")
	ErrClosed              = errors.New("vm: closed")
	ErrCompat              = errors.New("vm: incompatible KVM")
	ErrConfig              = errors.New("vm: invalid config")
	ErrCreate              = errors.New("vm: create failed")
	ErrSetup               = errors.New("vm: setup failed")
	ErrAllocMemory         = errors.New("vm: memory allocation failed")
	ErrSetupMemory         = errors.New("vm: memory setup failed")
	ErrSetUserMemoryRegion = errors.New("vm: set user memory region failed")
	ErrLoadMemory          = errors.New("vm: memory load failed")
	ErrCreateVCPU          = errors.New("vm: VCPU create failed")
	ErrVCPUExists          = errors.New("vm: VCPU already created")
	ErrSetupVCPU           = errors.New("vm: VCPU setup failed")
	ErrLoadVCPU            = errors.New("vm: VCPU load failed")
	ErrMmapVCPU            = errors.New("vm: VCPU mmap failed")
	ErrNotMapped           = errors.New("vm: VCPU control page is not mapped")
	ErrRun                 = errors.New("vm: run failed")
)

// New creates a VM on host. Whatever was created before a failing step
// is released before New returns.
func New(host *Host, cfg Config) (_ *Machine, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if host == nil || host.sys == nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, ErrClosed)
	}

	if err := arch.ValidateKVM(host.sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	fd, err := kvm.CreateVM(host.sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	m := &Machine{
		host: host,
		cfg:  cfg,
		fd:   fd,
	}

	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	if err := cfg.Arch.SetupVM(arch.NewVMControl(host.sys, fd)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	m.mem, m.res, err = allocMemory(cfg.MemSize, cfg.Align)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	mrs, err := cfg.Arch.SetupMemory(m.mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupMemory, err)
	}

	for _, mr := range mrs {
		if err := kvm.SetUserMemoryRegion(fd, &mr); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrSetUserMemoryRegion, mr.Slot, err)
		}
	}

	if cfg.Loader != nil {
		if err := cfg.Loader.LoadMemory(m.mem); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadMemory, err)
		}
	}

	slog.Debug("created vm", "mem", cfg.MemSize, "align", cfg.Align)
	return m, nil
}

// Memory returns the guest's physical memory. Guest physical address 0 is
// mem[0]. The slice is invalid after Close.
func (m *Machine) Memory() []byte {
	return m.mem
}

// Close releases the VCPU, the VM, and guest memory, in that order.
// It is safe to call more than once.
func (m *Machine) Close() error {
	var errs []error

	if m.cpu != nil {
		errs = append(errs, m.cpu.Close())
		m.cpu = nil
	}

	if m.fd != nil {
		errs = append(errs, m.fd.Close())
		m.fd = nil
	}

	if m.res != nil {
		errs = append(errs, unix.Munmap(m.res))
		m.res = nil
		m.mem = nil
	}

	return errors.Join(errs...)
}

func (c Config) validate() error {
	pgsz := os.Getpagesize()

	if c.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if c.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", c.MemSize, MemSizeMin)
	}

	if c.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", c.MemSize, MemSizeMax)
	}

	if c.Align < pgsz || c.Align&(c.Align-1) != 0 {
		return fmt.Errorf("alignment must be a power of two >= %d: %d", pgsz, c.Align)
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.MemSize == 0 {
		c.MemSize = MemSizeDefault
	}

	if c.Align == 0 {
		c.Align = AlignDefault
	}

	if c.Arch == nil {
		c.Arch = arch.New()
	}

	return c
}
