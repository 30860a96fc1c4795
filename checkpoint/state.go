// Package checkpoint captures and restores a running VM's full state:
// per-vCPU registers and MSRs, VM-wide clock/irqchip/PIT state, every
// device's virtio-mmio transport and protocol state, and the disk and
// memory contents backing it. Save writes a checkpoint directory;
// Load reads one back.
package checkpoint

import (
	"github.com/loks0n/carbon/kvm"
	"github.com/loks0n/carbon/mmio"
	"github.com/loks0n/carbon/serial"
	"github.com/loks0n/carbon/virtio"
)

// VCPUState is the full architectural state of one vCPU. Each field
// mirrors a single KVM get/set ioctl pair; Carbon captures the typed
// structs kvm's wrappers already decode rather than the raw kvm_*
// bytes the teacher's migration package mirrors, since that decoding
// already exists here and round-trips through gob without help.
type VCPUState struct {
	Regs      kvm.Regs
	Sregs     kvm.Sregs
	MSRs      []kvm.MSREntry
	LAPIC     kvm.LAPICState
	Events    kvm.VCPUEvents
	MPState   kvm.MPState
	DebugRegs kvm.DebugRegs
	XCRS      kvm.XCRS
}

// VMState is state shared across every vCPU: the paravirt clock, the
// two legacy PIC halves plus IOAPIC, and the PIT.
type VMState struct {
	Clock         kvm.ClockData
	IRQChipPIC0   kvm.IRQChip
	IRQChipPIC1   kvm.IRQChip
	IRQChipIOAPIC kvm.IRQChip
	PIT2          kvm.PITState2
}

// NetDeviceState is virtio-net's checkpoint-visible state: its virtqueue
// transport plus the device-level RX drop counter.
type NetDeviceState struct {
	Transport mmio.TransportState
	Net       virtio.NetState
}

// VsockDeviceState is virtio-vsock's checkpoint-visible state: its
// virtqueue transport plus the single stream's connection state.
type VsockDeviceState struct {
	Transport mmio.TransportState
	Vsock     virtio.VsockState
}

// DeviceState is every device Carbon exposes. Blk/Net/Vsock are
// pointers because a VM may have been started without networking
// (no -tap) or, in principle, without a disk; a nil field is not
// captured or restored.
type DeviceState struct {
	Serial serial.State
	Blk    *mmio.TransportState
	Net    *NetDeviceState
	Vsock  *VsockDeviceState
}

// Snapshot is the complete checkpointed state of a VM: everything
// needed to resume execution given the same guest memory contents and
// disk image this snapshot was taken alongside. There is one VCPUState,
// not a slice: Carbon's VM invariant is exactly one VCPU.
type Snapshot struct {
	MemSize int

	VCPU    VCPUState
	VM      VMState
	Devices DeviceState
}
