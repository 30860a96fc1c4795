// Package probe reports the host's KVM API version and capabilities, for
// the preflight diagnostics a -probe invocation of the CLI prints before
// attempting to actually start a VM. It does not query CPUID.
package probe

import (
	"fmt"
	"os"
	"strings"

	"github.com/loks0n/carbon/kvm"
)

// capabilities is the set CreateVM's bring-up sequence and the checkpoint
// subsystem depend on, the same list tools/testCaps.go's X86tests probes
// against a running kernel.
var capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapEXTCPUID,
	kvm.CapMPState,
	kvm.CapIRQRouting,
	kvm.CapPIT2,
	kvm.CapAdjustClock,
	kvm.CapVCPUEvents,
	kvm.CapXSave,
	kvm.CapKVMClockCtrl,
}

// Report is a snapshot of one host's KVM API version and capability set.
type Report struct {
	APIVersion   uintptr
	Capabilities map[kvm.Capability]bool
}

// Run opens kvmPath and builds a Report, the same information
// tools/testCaps.go prints but returned as data instead of stdout lines.
func Run(kvmPath string) (Report, error) {
	f, err := os.OpenFile(kvmPath, os.O_RDWR, 0)
	if err != nil {
		return Report{}, fmt.Errorf("probe: open %s: %w", kvmPath, err)
	}
	defer f.Close()

	fd := f.Fd()

	r := Report{Capabilities: make(map[kvm.Capability]bool, len(capabilities))}

	if v, err := kvm.GetAPIVersion(fd); err != nil {
		return Report{}, fmt.Errorf("probe: GetAPIVersion: %w", err)
	} else {
		r.APIVersion = v
	}

	for _, cap := range capabilities {
		v, err := kvm.CheckExtension(fd, cap)
		if err != nil {
			return Report{}, fmt.Errorf("probe: CheckExtension(%s): %w", cap, err)
		}

		r.Capabilities[cap] = v != 0
	}

	return r, nil
}

// String renders the report the way tools/testCaps.go prints its table,
// one capability per line, in the fixed order of the capabilities list.
func (r Report) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "KVM API version: %d\n", r.APIVersion)

	for _, cap := range capabilities {
		fmt.Fprintf(&b, "%-20s: %t\n", cap, r.Capabilities[cap])
	}

	return b.String()
}
