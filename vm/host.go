//go:build linux

package vm

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/c35s/biosvm/kvm"
)

// Host is an open KVM device and what it said about itself when opened.
// A Host must outlive every Machine created from it.
type Host struct {
	sys     *kvm.System
	version int
	msrs    []uint32
}

// Open opens the KVM device at kvm.DevicePath.
func Open() (*Host, error) {
	return OpenPath(kvm.DevicePath)
}

// OpenPath opens the KVM device node at path and queries its API version
// and supported MSRs. Only failing to open the device is an error: the
// queries are informational, and their failures are logged.
func OpenPath(path string) (*Host, error) {
	sys, err := kvm.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	h := Host{sys: sys}

	h.version, err = kvm.GetAPIVersion(sys)
	switch {
	case err != nil:
		slog.Warn("kvm API version query failed", "err", err)

	case h.version != kvm.StableAPIVersion:
		slog.Warn("unexpected kvm API version", "version", h.version, "want", kvm.StableAPIVersion)
	}

	h.msrs = probeMSRs(func() ([]uint32, error) {
		return kvm.GetMSRIndexList(sys)
	})

	slog.Debug("opened kvm", "path", path, "version", h.version, "msrs", len(h.msrs))
	return &h, nil
}

// probeMSRs runs an MSR index list query, degrading to an empty list.
func probeMSRs(query func() ([]uint32, error)) []uint32 {
	msrs, err := query()
	if err != nil {
		slog.Warn("msr index list query failed", "err", err)
		return []uint32{}
	}

	return msrs
}

// APIVersion returns the KVM API version, or 0 if it couldn't be read.
func (h *Host) APIVersion() int {
	return h.version
}

// MSRIndices returns the indices of the MSRs KVM supports for guests.
// It is empty if the host couldn't be asked.
func (h *Host) MSRIndices() []uint32 {
	return slices.Clone(h.msrs)
}

// CheckExtension returns the value of a KVM capability.
func (h *Host) CheckExtension(c kvm.Cap) (int, error) {
	if h.sys == nil {
		return 0, ErrClosed
	}

	return kvm.CheckExtension(h.sys, c)
}

// VCPUMmapSize returns the size of a VCPU's shared run page.
func (h *Host) VCPUMmapSize() (int, error) {
	if h.sys == nil {
		return 0, ErrClosed
	}

	return kvm.GetVCPUMmapSize(h.sys)
}

// Close closes the KVM device. Machines created from the host must be
// closed first.
func (h *Host) Close() error {
	if h.sys == nil {
		return nil
	}

	err := h.sys.Close()
	h.sys = nil
	return err
}
