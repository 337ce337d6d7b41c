//go:build linux

// Package diag formats VCPU state, exits, and guest memory for humans.
// Nothing here touches a live VM.
package diag

import (
	"bufio"
	"fmt"
	"io"

	"github.com/c35s/biosvm/kvm"
	"github.com/c35s/biosvm/vm"
)

// LowMemLimit is the end of conventional memory, where the VGA hole starts.
const LowMemLimit = 0xa0000

// WriteRegs writes the general purpose registers two to a line.
func WriteRegs(w io.Writer, r *kvm.Regs) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "rax:%016x rbx:%016x\n", r.RAX, r.RBX)
	fmt.Fprintf(bw, "rcx:%016x rdx:%016x\n", r.RCX, r.RDX)
	fmt.Fprintf(bw, "rsi:%016x rdi:%016x\n", r.RSI, r.RDI)
	fmt.Fprintf(bw, "rsp:%016x rbp:%016x\n", r.RSP, r.RBP)
	fmt.Fprintf(bw, "r8 :%016x r9 :%016x\n", r.R8, r.R9)
	fmt.Fprintf(bw, "r10:%016x r11:%016x\n", r.R10, r.R11)
	fmt.Fprintf(bw, "r12:%016x r13:%016x\n", r.R12, r.R13)
	fmt.Fprintf(bw, "r14:%016x r15:%016x\n", r.R14, r.R15)
	fmt.Fprintf(bw, "rip:%016x rflags:%016x\n", r.RIP, r.RFlags)

	return bw.Flush()
}

// WriteSregs writes the segment, descriptor table, and control registers.
// The interrupt bitmap is left out.
func WriteSregs(w io.Writer, s *kvm.Sregs) error {
	bw := bufio.NewWriter(w)

	segs := []struct {
		name string
		seg  kvm.Segment
	}{
		{"cs ", s.CS},
		{"ds ", s.DS},
		{"es ", s.ES},
		{"fs ", s.FS},
		{"gs ", s.GS},
		{"ss ", s.SS},
		{"tr ", s.TR},
		{"ldt", s.LDT},
	}

	for _, sg := range segs {
		fmt.Fprintf(bw, "%s: %s\n", sg.name, Segment(sg.seg))
	}

	fmt.Fprintf(bw, "gdt: %s\n", Dtable(s.GDT))
	fmt.Fprintf(bw, "idt: %s\n", Dtable(s.IDT))

	fmt.Fprintf(bw, "cr0:%016x cr2:%016x\n", s.CR0, s.CR2)
	fmt.Fprintf(bw, "cr3:%016x cr4:%016x\n", s.CR3, s.CR4)
	fmt.Fprintf(bw, "cr8:%016x\n", s.CR8)
	fmt.Fprintf(bw, "efer:%016x apic_base:%016x\n", s.EFER, s.APICBase)

	return bw.Flush()
}

// Segment formats a segment register as base, limit, selector, type, and
// its flag bits.
func Segment(s kvm.Segment) string {
	return fmt.Sprintf("%016x +%08x sel:%04x t:%02x p:%d dpl:%d db:%d s:%d l:%d g:%d a:%d",
		s.Base, s.Limit, s.Selector, s.Type,
		s.Present, s.DPL, s.DB, s.S, s.L, s.G, s.Avl)
}

func Dtable(d kvm.Dtable) string {
	return fmt.Sprintf("base:%016x limit:%08x", d.Base, d.Limit)
}

// Exit describes an exit event on one line.
func Exit(ev vm.ExitEvent) string {
	switch ev := ev.(type) {
	case vm.UnknownExit:
		return fmt.Sprintf("%v hardware_exit_reason:%d", ev.Reason(), ev.HardwareExitReason)

	case vm.InternalErrorExit:
		return fmt.Sprintf("%v hardware_exit_reason:%d", ev.Reason(), ev.HardwareExitReason)

	case vm.FailEntryExit:
		return fmt.Sprintf("%v hardware_entry_failure_reason:%d", ev.Reason(), ev.HardwareEntryFailureReason)

	case vm.ExceptionExit:
		return fmt.Sprintf("%v exception:%d error_code:%d", ev.Reason(), ev.Vector, ev.ErrorCode)

	case vm.PortIOExit:
		return fmt.Sprintf("%v direction:%d (%v) size:%d port:%d count:%d data:%x",
			ev.Reason(), uint8(ev.Direction), ev.Direction, ev.Size, ev.Port, ev.Count, ev.Data)

	case vm.UnhandledExit:
		return fmt.Sprintf("unhandled exit %v (%d)", ev.Raw, uint32(ev.Raw))

	case nil:
		return "no exit"
	}

	return fmt.Sprintf("%v", ev.Reason())
}

// WriteMemory writes the address and value of every non-zero byte of mem
// below limit, one per line.
func WriteMemory(w io.Writer, mem []byte, limit int) error {
	bw := bufio.NewWriter(w)

	for addr, b := range mem[:min(max(limit, 0), len(mem))] {
		if b != 0 {
			fmt.Fprintf(bw, "%08x: %02x\n", addr, b)
		}
	}

	return bw.Flush()
}
