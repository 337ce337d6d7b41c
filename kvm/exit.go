package kvm

import "fmt"

// Exit is the reason KVM_RUN returned, the exit_reason field of struct kvm_run.
type Exit uint32

const (
	ExitUnknown       Exit = 0
	ExitException     Exit = 1
	ExitIO            Exit = 2
	ExitHypercall     Exit = 3
	ExitDebug         Exit = 4
	ExitHLT           Exit = 5
	ExitMMIO          Exit = 6
	ExitIRQWindowOpen Exit = 7
	ExitShutdown      Exit = 8
	ExitFailEntry     Exit = 9
	ExitIntr          Exit = 10
	ExitSetTPR        Exit = 11
	ExitTPRAccess     Exit = 12
	ExitNMI           Exit = 16
	ExitInternalError Exit = 17
	ExitSystemEvent   Exit = 24
	ExitIOAPICEOI     Exit = 26
	ExitHyperV        Exit = 27
	ExitX86RDMSR      Exit = 29
	ExitX86WRMSR      Exit = 30
	ExitDirtyRingFull Exit = 31
	ExitAPResetHold   Exit = 32
	ExitX86BusLock    Exit = 33
	ExitNotify        Exit = 37
	ExitMemoryFault   Exit = 39
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitNMI:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitIOAPICEOI:     "KVM_EXIT_IOAPIC_EOI",
	ExitHyperV:        "KVM_EXIT_HYPERV",
	ExitX86RDMSR:      "KVM_EXIT_X86_RDMSR",
	ExitX86WRMSR:      "KVM_EXIT_X86_WRMSR",
	ExitDirtyRingFull: "KVM_EXIT_DIRTY_RING_FULL",
	ExitAPResetHold:   "KVM_EXIT_AP_RESET_HOLD",
	ExitX86BusLock:    "KVM_EXIT_X86_BUS_LOCK",
	ExitNotify:        "KVM_EXIT_NOTIFY",
	ExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (e Exit) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}

// IO exit directions, the direction field of kvm_run.io.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)
