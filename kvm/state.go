package kvm

import "unsafe"

// The structs below mirror the remaining KVM state ioctls the checkpoint
// package captures: local APIC, pending events, multiprocessing state,
// debug registers, extended control registers, the paravirt clock, the
// two legacy PICs plus IOAPIC, and the programmable interval timer.
// Each is opaque to Carbon: bytes are captured and replayed verbatim,
// never interpreted; checkpoint/state.go stores these structs as they
// are.

// LAPICState mirrors struct kvm_lapic_state (4 KiB register page).
type LAPICState struct {
	Regs [4096]byte
}

// VCPUEvents mirrors struct kvm_vcpu_events.
type VCPUEvents struct {
	Data [100]byte
}

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	State uint32
}

// DebugRegs mirrors struct kvm_debugregs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// XCRS mirrors struct kvm_xcrs.
type XCRS struct {
	NRXCRs uint32
	Flags  uint32
	Values [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// ClockData mirrors struct kvm_clock_data.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [2]uint64
}

// IRQChip chip ids (struct kvm_irqchip.chip_id): the two legacy PIC
// halves and the IOAPIC, each fetched with a separate GetIRQChip call.
const (
	IRQChipPICMaster = 0
	IRQChipPICSlave  = 1
	IRQChipIOAPIC    = 2
)

// IRQChip mirrors struct kvm_irqchip; Chip is large enough for the union's
// PIC/IOAPIC payload (the kernel only reads/writes the variant for ChipID).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// PITState2 mirrors struct kvm_pit_state2.
type PITState2 struct {
	Channels [3]struct {
		Count    uint32
		LatchedCount uint16
		CountLatched uint8
		StatusLatched uint8
		Status   uint8
		ReadState uint8
		WriteState uint8
		WriteLatch uint8
		RWMode   uint8
		Mode     uint8
		BCD      uint8
		Gate     uint8
		CountLoadTime int64
	}
	Flags uint32
	_     [9]uint32
}

func GetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := ioctl(vcpuFd, kvmGetLAPIC, unsafe.Pointer(s))

	return err
}

func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := ioctl(vcpuFd, kvmSetLAPIC, unsafe.Pointer(s))

	return err
}

func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := ioctl(vcpuFd, kvmGetVCPUEvents, unsafe.Pointer(e))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := ioctl(vcpuFd, kvmSetVCPUEvents, unsafe.Pointer(e))

	return err
}

func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := ioctl(vcpuFd, kvmGetMPState, unsafe.Pointer(s))

	return err
}

func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := ioctl(vcpuFd, kvmSetMPState, unsafe.Pointer(s))

	return err
}

func GetDebugRegs(vcpuFd uintptr, d *DebugRegs) error {
	_, err := ioctl(vcpuFd, kvmGetDebugRegs, unsafe.Pointer(d))

	return err
}

func SetDebugRegs(vcpuFd uintptr, d *DebugRegs) error {
	_, err := ioctl(vcpuFd, kvmSetDebugRegs, unsafe.Pointer(d))

	return err
}

func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := ioctl(vcpuFd, kvmGetXCRs, unsafe.Pointer(x))

	return err
}

func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := ioctl(vcpuFd, kvmSetXCRs, unsafe.Pointer(x))

	return err
}

func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := ioctl(vmFd, kvmGetClock, unsafe.Pointer(c))

	return err
}

func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := ioctl(vmFd, kvmSetClock, unsafe.Pointer(c))

	return err
}

func GetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := ioctl(vmFd, kvmGetIRQChip, unsafe.Pointer(c))

	return err
}

func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := ioctl(vmFd, kvmSetIRQChip, unsafe.Pointer(c))

	return err
}

func GetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := ioctl(vmFd, kvmGetPIT2, unsafe.Pointer(p))

	return err
}

func SetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := ioctl(vmFd, kvmSetPIT2, unsafe.Pointer(p))

	return err
}
