// Package kvm wraps the /dev/kvm ioctl interface needed to run a single
// vCPU in 64-bit long mode: VM/vCPU lifecycle, register access, and the
// exit-reason constants the cpu package dispatches on.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, from linux/kvm.h. The teacher's pack carries these
// as raw magic numbers across several inconsistent files; collected here
// behind one set of named constants.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmGetVCPUMMapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0x4008ae61
	kvmCreatePIT2          = 0x4040ae77
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetMSRs             = 0xc008ae88
	kvmSetMSRs             = 0x4008ae89
	kvmGetMSRIndexList     = 0xc004ae02
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmSetCPUID2           = 0x4008ae90
	kvmGetLAPIC            = 0x8400ae8e
	kvmSetLAPIC            = 0x4400ae8f
	kvmGetVCPUEvents       = 0x8040ae9f
	kvmSetVCPUEvents       = 0x4040aea0
	kvmGetMPState          = 0x8004ae98
	kvmSetMPState          = 0x4004ae99
	kvmGetDebugRegs        = 0x8080aea1
	kvmSetDebugRegs        = 0x4080aea2
	kvmGetXCRs             = 0x8188aea6
	kvmSetXCRs             = 0x4188aea7
	kvmGetClock            = 0x8030ae7c
	kvmSetClock            = 0x4030ae7b
	kvmGetIRQChip          = 0xc208ae62
	kvmSetIRQChip          = 0x8208ae63
	kvmGetPIT2             = 0x8070ae9f
	kvmSetPIT2             = 0x4070aea0
	kvmCheckExtension      = 0xae03

	// EXIT* mirror KVM_EXIT_* from linux/kvm.h.
	EXITUNKNOWN       = 0
	EXITEXCEPTION     = 1
	EXITIO            = 2
	EXITHYPERCALL     = 3
	EXITDEBUG         = 4
	EXITHLT           = 5
	EXITMMIO          = 6
	EXITIRQWINDOWOPEN = 7
	EXITSHUTDOWN      = 8
	EXITFAILENTRY     = 9
	EXITINTR          = 10
	EXITSETTPR        = 11
	EXITTPRACCESS     = 12
	EXITINTERNALERROR = 17

	EXITIOIN  = 0
	EXITIOOUT = 1

	numInterrupts = 0x100

	// CapNRMemSlots is the KVM_CAP_NR_MEMSLOTS extension id.
	CapNRMemSlots = 10
)

// Regs holds the general-purpose registers for a vCPU (struct kvm_regs).
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is an x86 segment descriptor (struct kvm_segment).
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDT/IDT table pointer (struct kvm_dtable).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the special (control/segment) registers for a vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// RunData is the kernel/userspace shared kvm_run structure, mapped once per
// vCPU via mmap and reread on every exit.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the union used for EXITIO: direction, operand size, port,
// repeat count, and the offset of the data buffer within RunData itself.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return
}

// MMIO decodes the union used for EXITMMIO: physical address, data length,
// whether the access is a write, and a view of the 8-byte data buffer.
func (r *RunData) MMIO() (phys uint64, length uint32, isWrite bool, data []byte) {
	phys = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0
	buf := (*[8]byte)(unsafe.Pointer(&r.Data[1]))

	return phys, length, isWrite, buf[:length]
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd, op uintptr, arg unsafe.Pointer) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, uintptr(arg))
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// GetAPIVersion returns the KVM API version; callers should check it is 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetAPIVersion, nil)
}

// CheckExtension reports whether the given KVM capability is supported, and
// if so, an implementation-defined magnitude (e.g. max memory slots).
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return ioctl(kvmFd, kvmCheckExtension, unsafe.Pointer(uintptr(cap)))
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, nil)
}

// SetTSSAddr reserves a 3-page region for the VMX task-state segment.
func SetTSSAddr(vmFd uintptr, addr uint64) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, unsafe.Pointer(uintptr(addr)))

	return err
}

// SetIdentityMapAddr reserves a page used by KVM for real-mode identity
// paging during VM entry on some CPU generations.
func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	return setPointee(vmFd, kvmSetIdentityMapAddr, addr)
}

func setPointee(fd uintptr, op uintptr, v uint64) error {
	_, err := ioctl(fd, op, unsafe.Pointer(&v))

	return err
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC + IOAPIC).
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, nil)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// pitSpeakerDummy corresponds to KVM_PIT_SPEAKER_DUMMY: the PC speaker is
// not wired to any device, so its PIT channel is a no-op.
const pitSpeakerDummy = 1

// CreatePIT2 creates an in-kernel programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{Flags: pitSpeakerDummy}
	_, err := ioctl(vmFd, kvmCreatePIT2, unsafe.Pointer(&pit))

	return err
}

// IRQLine raises (level=1) or lowers (level=0) the given IRQ line on the
// in-kernel interrupt controller.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	lvl := struct{ IRQ, Level uint32 }{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, unsafe.Pointer(&lvl))

	return err
}

// CreateVCPU creates vCPU number id and returns its file descriptor.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, unsafe.Pointer(uintptr(id)))
}

// GetVCPUMMapSize returns the size of the kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetVCPUMMapSize, nil)
}

// Run executes the vCPU until the next exit; the result is read from the
// RunData mmap region shared with this vCPU.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, nil)

	return err
}

// GetRegs reads the general-purpose registers of a vCPU.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFd, kvmGetRegs, unsafe.Pointer(&regs))

	return regs, err
}

// SetRegs writes the general-purpose registers of a vCPU.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, unsafe.Pointer(&regs))

	return err
}

// GetSregs reads the special registers of a vCPU.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFd, kvmGetSregs, unsafe.Pointer(&sregs))

	return sregs, err
}

// SetSregs writes the special registers of a vCPU.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, unsafe.Pointer(&sregs))

	return err
}

// SetUserMemoryRegion installs or updates a guest physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(region))

	return err
}
