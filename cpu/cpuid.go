package cpu

import "github.com/loks0n/carbon/kvm"

// hypervisorSignature is reported at CPUID leaf 0x40000000 so guest kernels
// that probe for a hypervisor (e.g. to skip PC-specific quirks) see one,
// the same "is this paravirtualized" signal KVM itself reports one level up.
const hypervisorSignature = "CarbonVMM00"

// initCPUID fetches the host's supported CPUID leaves, clears the
// performance-monitoring leaf the core cannot virtualize, sets the
// hypervisor-present bit on leaf 1, and appends the hypervisor-signature
// leaf before installing the set on the vCPU.
func (c *CPU) initCPUID() error {
	var supported kvm.CPUID
	supported.Nent = uint32(len(supported.Entries))

	if err := kvm.GetSupportedCPUID(c.kvmFd, &supported); err != nil {
		return err
	}

	entries := supported.Entries[:supported.Nent]

	for i := range entries {
		switch entries[i].Function {
		case 1:
			entries[i].Ecx |= kvm.HypervisorPresentBit
		case kvm.CPUIDFuncPerMon:
			entries[i].Eax = 0
			entries[i].Ebx = 0
			entries[i].Ecx = 0
			entries[i].Edx = 0
		}
	}

	sig := kvm.CPUIDEntry2{
		Function: kvm.CPUIDSignature,
		Eax:      kvm.CPUIDSignature,
		Ebx:      leLoad(hypervisorSignature[0:4]),
		Ecx:      leLoad(hypervisorSignature[4:8]),
		Edx:      leLoad(hypervisorSignature[8:11] + "\x00"),
	}

	entries = append(entries, sig)

	var cpuid kvm.CPUID
	cpuid.Nent = uint32(copy(cpuid.Entries[:], entries))

	return kvm.SetCPUID2(c.vcpuFd, &cpuid)
}

func leLoad(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}
