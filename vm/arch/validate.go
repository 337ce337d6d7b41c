//go:build linux

package arch

import (
	"fmt"
	"strings"

	"github.com/c35s/biosvm/kvm"
)

// RequiredCaps are the KVM extensions a VM needs. The TSS workaround is
// deliberately absent: it is applied only where the host offers it.
var RequiredCaps = []kvm.Cap{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapPIT2,
	kvm.CapImmediateExit,
}

// ValidateKVM returns an error if KVM speaks an unexpected API version
// or doesn't support the required extensions.
func ValidateKVM(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	var missing []string
	for _, cap := range RequiredCaps {
		val, err := kvm.CheckExtension(sys, cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap.String())
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ","))
	}

	return nil
}
