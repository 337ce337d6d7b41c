//go:build linux

package kvm

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// fakeMSRHost answers kvm_msr_list queries the way KVM does and records the
// capacity of every query it sees.
type fakeMSRHost struct {
	indices []uint32
	err     error // returned instead of E2BIG/success when set
	seen    []int
}

func (h *fakeMSRHost) query(list []uint32) error {
	h.seen = append(h.seen, int(list[0]))

	if h.err != nil {
		return h.err
	}

	if int(list[0]) < len(h.indices) {
		list[0] = uint32(len(h.indices))
		return &Error{Op: "KVM_GET_MSR_INDEX_LIST", Errno: unix.E2BIG}
	}

	list[0] = uint32(copy(list[1:], h.indices))
	return nil
}

func TestQueryMSRListTwoPhase(t *testing.T) {
	host := &fakeMSRHost{indices: []uint32{0x10, 0x1b, 0xc0000080}}

	got, err := queryMSRList(host.query)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(host.indices, got); diff != "" {
		t.Fatalf("indices differ: %s", diff)
	}

	if diff := cmp.Diff([]int{0, 3}, host.seen); diff != "" {
		t.Fatalf("query capacities differ: %s", diff)
	}
}

func TestQueryMSRListEmpty(t *testing.T) {
	host := &fakeMSRHost{}

	got, err := queryMSRList(host.query)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 0 {
		t.Fatalf("unexpected indices: %v", got)
	}

	if len(host.seen) != 1 {
		t.Fatalf("%d queries != 1", len(host.seen))
	}
}

func TestQueryMSRListNoCount(t *testing.T) {
	// E2BIG without a count must not trigger a zero-sized re-query
	host := &fakeMSRHost{err: unix.E2BIG}

	if _, err := queryMSRList(host.query); !errors.Is(err, unix.E2BIG) {
		t.Fatalf("%v isn't E2BIG", err)
	}

	if len(host.seen) != 1 {
		t.Fatalf("%d queries != 1", len(host.seen))
	}
}

func TestQueryMSRListSecondQueryFails(t *testing.T) {
	calls := 0
	query := func(list []uint32) error {
		calls++
		if calls == 1 {
			list[0] = 4
			return unix.E2BIG
		}

		return unix.EFAULT
	}

	got, err := queryMSRList(query)
	if !errors.Is(err, unix.EFAULT) {
		t.Fatalf("%v isn't EFAULT", err)
	}

	if got != nil {
		t.Fatalf("unexpected indices after failure: %v", got)
	}
}

func TestQueryMSRListShrinks(t *testing.T) {
	calls := 0
	query := func(list []uint32) error {
		calls++
		if calls == 1 {
			list[0] = 4
			return unix.E2BIG
		}

		if len(list) != 5 {
			t.Fatalf("second query capacity %d != 5", len(list))
		}

		list[0], list[1], list[2] = 2, 0x174, 0x175
		return nil
	}

	got, err := queryMSRList(query)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint32{0x174, 0x175}, got); diff != "" {
		t.Fatalf("indices differ: %s", diff)
	}
}

func TestLAPICDeliveryMode(t *testing.T) {
	var lapic LAPICState

	// masked, vector 0x30, level triggered
	lapic.SetLVT(LVTLINT0, 1<<16|1<<15|0x30)

	lapic.SetDeliveryMode(LVTLINT0, DeliveryModeExtINT)
	lapic.SetDeliveryMode(LVTLINT1, DeliveryModeNMI)

	if got, want := lapic.LVT(LVTLINT0), uint32(1<<16|1<<15|0x7<<8|0x30); got != want {
		t.Errorf("LINT0 %#x != %#x", got, want)
	}

	if got, want := lapic.LVT(LVTLINT1), uint32(0x4<<8); got != want {
		t.Errorf("LINT1 %#x != %#x", got, want)
	}

	lapic.SetDeliveryMode(LVTLINT0, DeliveryModeFixed)
	if m := lapic.DeliveryMode(LVTLINT0); m != DeliveryModeFixed {
		t.Errorf("LINT0 delivery mode %#x != fixed", m)
	}

	// neighbours are untouched
	if v := lapic.LVT(LVTTimer) | lapic.LVT(LVTError); v != 0 {
		t.Errorf("unrelated LVT registers changed: %#x", v)
	}
}

func TestVCPUStateExitData(t *testing.T) {
	var s VCPUState

	le := binary.LittleEndian
	le.PutUint64(s.exitData[0:], 0x1122334455667788)

	if r := s.HWExitData().HardwareExitReason; r != 0x1122334455667788 {
		t.Errorf("hardware exit reason %#x", r)
	}

	if r := s.FailEntryExitData().HardwareEntryFailureReason; r != 0x1122334455667788 {
		t.Errorf("hardware entry failure reason %#x", r)
	}

	ex := s.ExceptionExitData()
	if ex.Exception != 0x55667788 || ex.ErrorCode != 0x11223344 {
		t.Errorf("unexpected exception data: %+v", *ex)
	}

	s.exitData[0] = ExitIOOut
	s.exitData[1] = 2
	le.PutUint16(s.exitData[2:], 0x3f8)
	le.PutUint32(s.exitData[4:], 3)
	le.PutUint64(s.exitData[8:], 0x1000)

	want := IOExitData{Direction: ExitIOOut, Size: 2, Port: 0x3f8, Count: 3, Offset: 0x1000}
	if diff := cmp.Diff(want, *s.IOExitData()); diff != "" {
		t.Errorf("io exit data differs: %s", diff)
	}
}

func TestVCPUStateLayout(t *testing.T) {
	var s VCPUState

	if off := unsafe.Offsetof(s.ExitReason); off != 8 {
		t.Errorf("exit_reason offset %d != 8", off)
	}

	if off := unsafe.Offsetof(s.exitData); off != 32 {
		t.Errorf("exit data offset %d != 32", off)
	}
}
