// Package memory manages a VM's guest RAM: a single anonymous mapping
// handed to KVM as one userspace memory region, with bounds-checked
// accessors for the boot loader and devices and, on restore, a
// userfaultfd-backed lazy population path (see uffd_linux.go).
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/loks0n/carbon/kvm"
)

// ErrOutOfRange is returned by every accessor when the requested span
// falls outside the region.
var ErrOutOfRange = errors.New("memory: access out of range")

// Poison fills guest RAM above 1MiB before boot so that wild execution
// traps loudly instead of silently running through a field of zero
// bytes (which disassembles as a valid instruction).
//
// 0: b8 be ba fe ca    mov eax,0xcafebabe
// 5: 90                nop
// 6: 0f 0b              ud2
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// poisonFloor is the first address poisoned; real-mode low memory is left
// zeroed since the boot protocol writes structures there directly.
const poisonFloor = 0x100000

// Region is a single guest-physical RAM region backed by an anonymous
// mmap. The host virtual address of Bytes()[0] is also the KVM userspace
// address handed to SetUserMemoryRegion.
type Region struct {
	buf  []byte
	slot uint32
}

// New allocates a fresh, poisoned RAM region of the given size and installs
// it as KVM memory slot 0.
func New(vmFd uintptr, size int) (*Region, error) {
	r, err := newMapped(size)
	if err != nil {
		return nil, err
	}

	if err := r.install(vmFd); err != nil {
		_ = unix.Munmap(r.buf)

		return nil, err
	}

	return r, nil
}

// NewStandalone allocates a poisoned region with no KVM memory slot
// attached, for device and virtqueue tests that only exercise the
// bounds-checked accessors.
func NewStandalone(size int) (*Region, error) {
	return newMapped(size)
}

func newMapped(size int) (*Region, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", size, err)
	}

	for i := poisonFloor; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Region{buf: buf}, nil
}

func (r *Region) install(vmFd uintptr) error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          r.slot,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(r.buf)),
		UserspaceAddr: r.hostAddr(),
	}

	return kvm.SetUserMemoryRegion(vmFd, region)
}

// hostAddr is the address KVM should mmap the guest's physical address 0
// to; it is also the base address userfaultfd registers against.
func (r *Region) hostAddr() uint64 {
	if len(r.buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&r.buf[0])))
}

// Bytes exposes the whole region for call sites (the boot loader, device
// DMA) that already do their own bounds checking against Size().
func (r *Region) Bytes() []byte { return r.buf }

// Size reports the region length in bytes.
func (r *Region) Size() int { return len(r.buf) }

// Close releases the backing mapping.
func (r *Region) Close() error {
	return unix.Munmap(r.buf)
}

// Uncommit drops every resident page in the region back to not-yet-faulted,
// without touching the VMA itself, so a userfaultfd registration made
// afterwards sees the whole region as missing instead of whatever New's
// poison fill (or guest execution before a checkpoint) already populated.
func (r *Region) Uncommit() error {
	return unix.Madvise(r.buf, unix.MADV_DONTNEED)
}

func (r *Region) checkRange(addr uint64, n int) error {
	if n < 0 || addr > uint64(len(r.buf)) || uint64(len(r.buf))-addr < uint64(n) {
		return fmt.Errorf("%w: addr=%#x len=%d size=%#x", ErrOutOfRange, addr, n, len(r.buf))
	}

	return nil
}

// Read copies len(dst) bytes starting at addr into dst.
func (r *Region) Read(addr uint64, dst []byte) error {
	if err := r.checkRange(addr, len(dst)); err != nil {
		return err
	}

	copy(dst, r.buf[addr:])

	return nil
}

// Write copies src into the region starting at addr.
func (r *Region) Write(addr uint64, src []byte) error {
	if err := r.checkRange(addr, len(src)); err != nil {
		return err
	}

	copy(r.buf[addr:], src)

	return nil
}

// ReadByte reads a single byte at addr.
func (r *Region) ReadByte(addr uint64) (byte, error) {
	if err := r.checkRange(addr, 1); err != nil {
		return 0, err
	}

	return r.buf[addr], nil
}

// WriteByte writes a single byte at addr.
func (r *Region) WriteByte(addr uint64, v byte) error {
	if err := r.checkRange(addr, 1); err != nil {
		return err
	}

	r.buf[addr] = v

	return nil
}

// Read16 reads a little-endian uint16 at addr.
func (r *Region) Read16(addr uint64) (uint16, error) {
	if err := r.checkRange(addr, 2); err != nil {
		return 0, err
	}

	return uint16(r.buf[addr]) | uint16(r.buf[addr+1])<<8, nil
}

// Write16 writes a little-endian uint16 at addr.
func (r *Region) Write16(addr uint64, v uint16) error {
	if err := r.checkRange(addr, 2); err != nil {
		return err
	}

	r.buf[addr] = byte(v)
	r.buf[addr+1] = byte(v >> 8)

	return nil
}

// Write32 writes a little-endian uint32 at addr.
func (r *Region) Write32(addr uint64, v uint32) error {
	if err := r.checkRange(addr, 4); err != nil {
		return err
	}

	r.buf[addr] = byte(v)
	r.buf[addr+1] = byte(v >> 8)
	r.buf[addr+2] = byte(v >> 16)
	r.buf[addr+3] = byte(v >> 24)

	return nil
}

// Read32 reads a little-endian uint32 at addr.
func (r *Region) Read32(addr uint64) (uint32, error) {
	if err := r.checkRange(addr, 4); err != nil {
		return 0, err
	}

	return uint32(r.buf[addr]) | uint32(r.buf[addr+1])<<8 |
		uint32(r.buf[addr+2])<<16 | uint32(r.buf[addr+3])<<24, nil
}

// Write64 writes a little-endian uint64 at addr.
func (r *Region) Write64(addr uint64, v uint64) error {
	if err := r.checkRange(addr, 8); err != nil {
		return err
	}

	for i := 0; i < 8; i++ {
		r.buf[addr+uint64(i)] = byte(v >> (8 * i))
	}

	return nil
}

// Read64 reads a little-endian uint64 at addr.
func (r *Region) Read64(addr uint64) (uint64, error) {
	if err := r.checkRange(addr, 8); err != nil {
		return 0, err
	}

	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r.buf[addr+uint64(i)]) << (8 * i)
	}

	return v, nil
}
