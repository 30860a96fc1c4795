package kvm

import "unsafe"

// MSREntry is an index/value pair for a model-specific register
// (struct kvm_msr_entry).
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRList mirrors struct kvm_msr_list with a fixed-capacity index array.
type MSRList struct {
	NMSRs    uint32
	Indicies [256]uint32
}

// MSRS mirrors struct kvm_msrs with a variable-length entries slice; unlike
// the kernel struct, Entries is a real Go slice, so callers size it to
// NMSRs before the ioctl rather than relying on a trailing flexible array.
type MSRS struct {
	NMSRs   uint32
	Pad     uint32
	Entries []MSREntry
}

// GetMSRIndexList returns the indices of MSRs this host/KVM exposes to
// guests. Callers probe twice: once to size list.NMSRs via E2BIG, once to
// fetch the full list.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	_, err := ioctl(kvmFd, kvmGetMSRIndexList, unsafe.Pointer(list))

	return err
}

// GetMSRs reads the values of msrs.Entries[i].Index for each i.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	return msrsIoctl(vcpuFd, kvmGetMSRs, msrs)
}

// SetMSRs writes the values of msrs.Entries[i].Index for each i.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	return msrsIoctl(vcpuFd, kvmSetMSRs, msrs)
}

// msrsIoctl marshals the flexible kvm_msrs/kvm_msr_entry[] layout by hand:
// the kernel expects NMSRs followed immediately by NMSRs contiguous
// kvm_msr_entry structs, which Go's slice-of-struct-inside-struct cannot
// express directly.
func msrsIoctl(fd uintptr, op uintptr, msrs *MSRS) error {
	type header struct {
		NMSRs uint32
		Pad   uint32
	}

	buf := make([]byte, unsafe.Sizeof(header{})+uintptr(len(msrs.Entries))*unsafe.Sizeof(MSREntry{}))
	*(*header)(unsafe.Pointer(&buf[0])) = header{NMSRs: uint32(len(msrs.Entries))}

	entries := unsafe.Slice((*MSREntry)(unsafe.Pointer(&buf[unsafe.Sizeof(header{})])), len(msrs.Entries))
	copy(entries, msrs.Entries)

	_, err := ioctl(fd, op, unsafe.Pointer(&buf[0]))

	copy(msrs.Entries, entries)

	return err
}
