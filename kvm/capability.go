package kvm

import "fmt"

// Capability names a KVM_CAP_* extension queried through CheckExtension,
// from linux/kvm.h. Only the subset Carbon's own VM bring-up and preflight
// probe care about is named; CheckExtension itself accepts any raw number.
type Capability uintptr

const (
	CapIRQChip      Capability = 0
	CapUserMemory   Capability = 3
	CapSetTSSAddr   Capability = 4
	CapEXTCPUID     Capability = 7
	CapMPState      Capability = 14
	CapIRQRouting   Capability = 25
	CapPIT2         Capability = 33
	CapAdjustClock  Capability = 39
	CapVCPUEvents   Capability = 41
	CapXSave        Capability = 55
	CapKVMClockCtrl Capability = 76
)

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapEXTCPUID:
		return "CapEXTCPUID"
	case CapMPState:
		return "CapMPState"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapPIT2:
		return "CapPIT2"
	case CapAdjustClock:
		return "CapAdjustClock"
	case CapVCPUEvents:
		return "CapVCPUEvents"
	case CapXSave:
		return "CapXSave"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	default:
		return fmt.Sprintf("Capability(%d)", uintptr(c))
	}
}
