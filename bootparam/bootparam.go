// Package bootparam parses a Linux bzImage and builds the boot_params
// ("zero page") structure the kernel expects to find in guest memory at
// entry, following https://www.kernel.org/doc/html/latest/x86/boot.html.
package bootparam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Byte offsets within the 4KiB boot_params page, per the boot protocol.
const (
	offSetupSects   = 0x1f1
	offSetupMagic   = 0x202
	offVersion      = 0x206
	offTypeOfLoader = 0x210
	offLoadflags    = 0x211
	offCmdlinePtr   = 0x228
	offE820Entries  = 0x1e8
	offXloadflags   = 0x236
	offE820Map      = 0x2d0

	setupMagic = 0x53726448 // "HdrS"

	// minVersion is boot protocol 2.12, the first version guaranteed to
	// carry the xloadflags field a 64-bit entry point is advertised in.
	minVersion = 0x020c

	// xlfKernel64 is xloadflags bit 0: the kernel has a 64-bit entry
	// point at offset 0x200 in its protected-mode payload, which is the
	// only entry point cpu.Load programs RIP for.
	xlfKernel64 = 0x01

	// paramsSize is the size of the boot_params structure: one page.
	paramsSize = 4096

	loadflagLoadedHigh = 0x01
	loadflagCanUseHeap = 0x80

	// maxE820Entries bounds the fixed-size E820 table boot_params carries.
	maxE820Entries = 128
)

// E820Type classifies an E820 memory map entry.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
)

// E820Entry is a single 20-byte E820 memory map record.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

var (
	errNotBzImage    = errors.New("bootparam: not a bzImage (missing HdrS magic)")
	errTooManyRegions = errors.New("bootparam: too many E820 entries")

	// ErrInvalidKernel is returned by New when the setup header predates
	// boot protocol 2.12 or doesn't advertise a 64-bit entry point,
	// neither of which cpu.Load's boot path can fall back for.
	ErrInvalidKernel = errors.New("bootparam: kernel needs boot protocol >= 2.12 with a 64-bit entry point")
)

// BootParams holds the setup header copied from a bzImage plus the
// boot_params page being assembled for the guest.
type BootParams struct {
	setupSects uint8
	payload    []byte
	params     [paramsSize]byte
}

// New reads path and validates it as a bzImage, copying its setup header
// into a fresh boot_params page.
func New(path string) (*BootParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootparam: read %s: %w", path, err)
	}

	if len(raw) < offSetupMagic+4 || binary.LittleEndian.Uint32(raw[offSetupMagic:]) != setupMagic {
		return nil, errNotBzImage
	}

	if len(raw) < offXloadflags+1 {
		return nil, ErrInvalidKernel
	}

	if binary.LittleEndian.Uint16(raw[offVersion:]) < minVersion {
		return nil, ErrInvalidKernel
	}

	if raw[offXloadflags]&xlfKernel64 == 0 {
		return nil, ErrInvalidKernel
	}

	b := &BootParams{setupSects: raw[offSetupSects]}
	if b.setupSects == 0 {
		b.setupSects = 4
	}

	headerEnd := len(raw)
	if headerEnd > paramsSize {
		headerEnd = paramsSize
	}

	copy(b.params[offSetupSects:], raw[offSetupSects:headerEnd])

	// type_of_loader = 0xff: undefined loader, use the extended fields we set.
	b.params[offTypeOfLoader] = 0xff
	// LOADED_HIGH: kernel is at 1MiB, not 0x10000. CAN_USE_HEAP: heap_end_ptr valid.
	b.params[offLoadflags] |= loadflagLoadedHigh | loadflagCanUseHeap

	payloadOffset := (int(b.setupSects) + 1) * 512
	if payloadOffset > len(raw) {
		return nil, fmt.Errorf("bootparam: setup_sects=%d implies payload past end of file", b.setupSects)
	}

	b.payload = raw[payloadOffset:]

	return b, nil
}

// SetCmdlinePtr records where the null-terminated command line string was
// written in guest memory.
func (b *BootParams) SetCmdlinePtr(addr uint32) {
	binary.LittleEndian.PutUint32(b.params[offCmdlinePtr:], addr)
}

// SetupSects is the setup_sects field read from the bzImage header.
func (b *BootParams) SetupSects() uint8 { return b.setupSects }

// Payload is the protected-mode kernel image following the real-mode
// setup sectors; it is what gets loaded at HIMEM_START.
func (b *BootParams) Payload() []byte { return b.payload }

// AddE820Entry appends one E820 memory map record and bumps the entry
// count byte at offset 0x1e8.
func (b *BootParams) AddE820Entry(addr, size uint64, typ E820Type) error {
	n := int(b.params[offE820Entries])
	if n >= maxE820Entries {
		return errTooManyRegions
	}

	off := offE820Map + n*20
	binary.LittleEndian.PutUint64(b.params[off:], addr)
	binary.LittleEndian.PutUint64(b.params[off+8:], size)
	binary.LittleEndian.PutUint32(b.params[off+16:], uint32(typ))

	b.params[offE820Entries] = byte(n + 1)

	return nil
}

// Bytes returns the assembled boot_params page.
func (b *BootParams) Bytes() ([]byte, error) {
	return b.params[:], nil
}
