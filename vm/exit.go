//go:build linux

package vm

import (
	"fmt"
	"unsafe"

	"github.com/c35s/biosvm/kvm"
)

// ExitEvent describes why KVM_RUN returned. RunOnce returns one of
// UnknownExit, InternalErrorExit, FailEntryExit, ExceptionExit, PortIOExit,
// or UnhandledExit.
type ExitEvent interface {
	// Reason returns the raw exit reason the event was decoded from.
	Reason() kvm.Exit

	exitEvent()
}

// UnknownExit is KVM_EXIT_UNKNOWN.
type UnknownExit struct {
	HardwareExitReason uint64
}

// InternalErrorExit is KVM_EXIT_INTERNAL_ERROR. HardwareExitReason is the
// raw first word of the exit data: the suberror in the low 32 bits and the
// count of extra data words in the high 32.
type InternalErrorExit struct {
	HardwareExitReason uint64
}

// Suberror returns the KVM_INTERNAL_ERROR_* code.
func (e InternalErrorExit) Suberror() uint32 {
	return uint32(e.HardwareExitReason)
}

// FailEntryExit is KVM_EXIT_FAIL_ENTRY: the processor refused to enter
// the guest.
type FailEntryExit struct {
	HardwareEntryFailureReason uint64
}

// ExceptionExit is KVM_EXIT_EXCEPTION.
type ExceptionExit struct {
	Vector    uint8
	ErrorCode uint32
}

// PortIOExit is KVM_EXIT_IO. Data is a copy of the Size*Count bytes the
// guest wrote, or the buffer for the bytes it wants to read.
type PortIOExit struct {
	Direction IODirection
	Port      uint16
	Size      uint8
	Count     uint32
	Data      []byte
}

// UnhandledExit is any other exit reason.
type UnhandledExit struct {
	Raw kvm.Exit
}

func (UnknownExit) Reason() kvm.Exit       { return kvm.ExitUnknown }
func (InternalErrorExit) Reason() kvm.Exit { return kvm.ExitInternalError }
func (FailEntryExit) Reason() kvm.Exit     { return kvm.ExitFailEntry }
func (ExceptionExit) Reason() kvm.Exit     { return kvm.ExitException }
func (PortIOExit) Reason() kvm.Exit        { return kvm.ExitIO }
func (e UnhandledExit) Reason() kvm.Exit   { return e.Raw }

func (UnknownExit) exitEvent()       {}
func (InternalErrorExit) exitEvent() {}
func (FailEntryExit) exitEvent()     {}
func (ExceptionExit) exitEvent()     {}
func (PortIOExit) exitEvent()        {}
func (UnhandledExit) exitEvent()     {}

// IODirection is the direction of a port I/O access, from the guest's
// point of view.
type IODirection uint8

const (
	IOIn  IODirection = kvm.ExitIOIn
	IOOut IODirection = kvm.ExitIOOut
)

func (d IODirection) String() string {
	switch d {
	case IOIn:
		return "IN"

	case IOOut:
		return "OUT"
	}

	return fmt.Sprintf("IODirection(%d)", uint8(d))
}

// classifyExit decodes the exit recorded in a VCPU's run page. Every
// exit reason yields an event.
func classifyExit(page []byte) ExitEvent {
	state := (*kvm.VCPUState)(unsafe.Pointer(&page[0]))

	switch r := state.ExitReason; r {
	case kvm.ExitUnknown:
		return UnknownExit{
			HardwareExitReason: state.HWExitData().HardwareExitReason,
		}

	case kvm.ExitInternalError:
		return InternalErrorExit{
			HardwareExitReason: state.HWExitData().HardwareExitReason,
		}

	case kvm.ExitFailEntry:
		return FailEntryExit{
			HardwareEntryFailureReason: state.FailEntryExitData().HardwareEntryFailureReason,
		}

	case kvm.ExitException:
		xd := state.ExceptionExitData()
		return ExceptionExit{
			Vector:    uint8(xd.Exception),
			ErrorCode: xd.ErrorCode,
		}

	case kvm.ExitIO:
		xd := state.IOExitData()
		return PortIOExit{
			Direction: IODirection(xd.Direction),
			Port:      xd.Port,
			Size:      xd.Size,
			Count:     xd.Count,
			Data:      ioData(page, xd),
		}

	default:
		return UnhandledExit{Raw: r}
	}
}

// ioData copies an I/O exit's data out of the run page, clipped to the page.
func ioData(page []byte, xd *kvm.IOExitData) []byte {
	if xd.Offset >= uint64(len(page)) {
		return nil
	}

	n := uint64(xd.Size) * uint64(xd.Count)
	if rest := uint64(len(page)) - xd.Offset; n > rest {
		n = rest
	}

	data := make([]byte, n)
	copy(data, page[xd.Offset:])
	return data
}
