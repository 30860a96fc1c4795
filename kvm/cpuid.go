package kvm

import "unsafe"

// CPUIDEntry2 is one leaf/subleaf entry of struct kvm_cpuid2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2 with a fixed-capacity entry array; the
// kernel only reads/writes the first Nent of them.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUID leaves relevant to hypervisor-presence detection, per the KVM CPUID
// ABI (Documentation/virt/kvm/cpuid.rst): leaf 0x40000000 returns the
// signature, 0x40000001 the feature bitmap.
const (
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001

	// CPUIDFuncPerMon is the architectural performance monitoring leaf;
	// the core clears it to avoid advertising counters it cannot virtualize.
	CPUIDFuncPerMon = 0x0A

	// HypervisorPresentBit is ECX bit 31 of leaf 1.
	HypervisorPresentBit = 1 << 31
)

// GetSupportedCPUID fetches the CPUID entries the host CPU/KVM combination
// supports; cpuid.Nent must be set to the entries capacity before the call.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, unsafe.Pointer(cpuid))

	return err
}

// SetCPUID2 installs the CPUID leaves a vCPU will report to the guest.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, unsafe.Pointer(cpuid))

	return err
}
