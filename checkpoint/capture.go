package checkpoint

import (
	"fmt"

	"github.com/loks0n/carbon/kvm"
)

// CaptureVCPU reads every piece of architectural state KVM exposes for
// vcpuFd. The VCPU run loop must already be stopped; reading registers
// while KVM_RUN is in flight races the kernel.
func CaptureVCPU(vcpuFd uintptr, msrIndices []uint32) (VCPUState, error) {
	var s VCPUState

	var err error

	if s.Regs, err = kvm.GetRegs(vcpuFd); err != nil {
		return s, fmt.Errorf("checkpoint: GetRegs: %w", err)
	}

	if s.Sregs, err = kvm.GetSregs(vcpuFd); err != nil {
		return s, fmt.Errorf("checkpoint: GetSregs: %w", err)
	}

	msrs := kvm.MSRS{Entries: make([]kvm.MSREntry, len(msrIndices))}
	for i, idx := range msrIndices {
		msrs.Entries[i].Index = idx
	}

	if err := kvm.GetMSRs(vcpuFd, &msrs); err != nil {
		return s, fmt.Errorf("checkpoint: GetMSRs: %w", err)
	}

	s.MSRs = msrs.Entries

	if err := kvm.GetLocalAPIC(vcpuFd, &s.LAPIC); err != nil {
		return s, fmt.Errorf("checkpoint: GetLocalAPIC: %w", err)
	}

	if err := kvm.GetVCPUEvents(vcpuFd, &s.Events); err != nil {
		return s, fmt.Errorf("checkpoint: GetVCPUEvents: %w", err)
	}

	if err := kvm.GetMPState(vcpuFd, &s.MPState); err != nil {
		return s, fmt.Errorf("checkpoint: GetMPState: %w", err)
	}

	if err := kvm.GetDebugRegs(vcpuFd, &s.DebugRegs); err != nil {
		return s, fmt.Errorf("checkpoint: GetDebugRegs: %w", err)
	}

	if err := kvm.GetXCRS(vcpuFd, &s.XCRS); err != nil {
		return s, fmt.Errorf("checkpoint: GetXCRS: %w", err)
	}

	return s, nil
}

// RestoreVCPU writes every field of s back onto vcpuFd, in the order
// that leaves the vCPU in a consistent state if any single ioctl fails
// partway: general registers and special registers first (the minimum
// needed to resume execution at all), then the rest.
func RestoreVCPU(vcpuFd uintptr, s VCPUState) error {
	if err := kvm.SetRegs(vcpuFd, s.Regs); err != nil {
		return fmt.Errorf("checkpoint: SetRegs: %w", err)
	}

	if err := kvm.SetSregs(vcpuFd, s.Sregs); err != nil {
		return fmt.Errorf("checkpoint: SetSregs: %w", err)
	}

	msrs := kvm.MSRS{Entries: s.MSRs}
	if err := kvm.SetMSRs(vcpuFd, &msrs); err != nil {
		return fmt.Errorf("checkpoint: SetMSRs: %w", err)
	}

	if err := kvm.SetLocalAPIC(vcpuFd, &s.LAPIC); err != nil {
		return fmt.Errorf("checkpoint: SetLocalAPIC: %w", err)
	}

	if err := kvm.SetVCPUEvents(vcpuFd, &s.Events); err != nil {
		return fmt.Errorf("checkpoint: SetVCPUEvents: %w", err)
	}

	if err := kvm.SetMPState(vcpuFd, &s.MPState); err != nil {
		return fmt.Errorf("checkpoint: SetMPState: %w", err)
	}

	if err := kvm.SetDebugRegs(vcpuFd, &s.DebugRegs); err != nil {
		return fmt.Errorf("checkpoint: SetDebugRegs: %w", err)
	}

	if err := kvm.SetXCRS(vcpuFd, &s.XCRS); err != nil {
		return fmt.Errorf("checkpoint: SetXCRS: %w", err)
	}

	return nil
}

// CaptureVM reads the VM-wide state that lives on vmFd rather than any
// one vCPU: the paravirt clock, the in-kernel PIC/IOAPIC, and the PIT.
func CaptureVM(vmFd uintptr) (VMState, error) {
	var s VMState

	var err error

	if err = kvm.GetClock(vmFd, &s.Clock); err != nil {
		return s, fmt.Errorf("checkpoint: GetClock: %w", err)
	}

	s.IRQChipPIC0.ChipID = kvm.IRQChipPICMaster
	if err := kvm.GetIRQChip(vmFd, &s.IRQChipPIC0); err != nil {
		return s, fmt.Errorf("checkpoint: GetIRQChip(PIC master): %w", err)
	}

	s.IRQChipPIC1.ChipID = kvm.IRQChipPICSlave
	if err := kvm.GetIRQChip(vmFd, &s.IRQChipPIC1); err != nil {
		return s, fmt.Errorf("checkpoint: GetIRQChip(PIC slave): %w", err)
	}

	s.IRQChipIOAPIC.ChipID = kvm.IRQChipIOAPIC
	if err := kvm.GetIRQChip(vmFd, &s.IRQChipIOAPIC); err != nil {
		return s, fmt.Errorf("checkpoint: GetIRQChip(IOAPIC): %w", err)
	}

	if err := kvm.GetPIT2(vmFd, &s.PIT2); err != nil {
		return s, fmt.Errorf("checkpoint: GetPIT2: %w", err)
	}

	return s, nil
}

// RestoreVM writes s back onto vmFd. Callers must create the VM's
// in-kernel IRQ chip and PIT (cpu.New already does, via
// kvm.CreateIRQChip/CreatePIT2) before calling this.
func RestoreVM(vmFd uintptr, s VMState) error {
	if err := kvm.SetClock(vmFd, &s.Clock); err != nil {
		return fmt.Errorf("checkpoint: SetClock: %w", err)
	}

	if err := kvm.SetIRQChip(vmFd, &s.IRQChipPIC0); err != nil {
		return fmt.Errorf("checkpoint: SetIRQChip(PIC master): %w", err)
	}

	if err := kvm.SetIRQChip(vmFd, &s.IRQChipPIC1); err != nil {
		return fmt.Errorf("checkpoint: SetIRQChip(PIC slave): %w", err)
	}

	if err := kvm.SetIRQChip(vmFd, &s.IRQChipIOAPIC); err != nil {
		return fmt.Errorf("checkpoint: SetIRQChip(IOAPIC): %w", err)
	}

	if err := kvm.SetPIT2(vmFd, &s.PIT2); err != nil {
		return fmt.Errorf("checkpoint: SetPIT2: %w", err)
	}

	return nil
}
