package cpu

import (
	"errors"
	"fmt"

	"github.com/loks0n/carbon/bootparam"
	"github.com/loks0n/carbon/kvm"
)

// maxCmdlineLen is the boot protocol's hard limit on the command line,
// cmdline_size in the setup header not being trustworthy across kernel
// versions, so Load enforces the protocol's documented floor itself.
const maxCmdlineLen = 2047

// ErrCmdlineTooLong is returned by Load when the command line exceeds
// maxCmdlineLen bytes.
var ErrCmdlineTooLong = errors.New("cpu: command line exceeds 2047 bytes")

// Guest-physical addresses fixed by the boot protocol this core
// implements; see original_source/src/boot/paging.rs for the page table
// layout and GDT packing this mirrors.
const (
	gdtAddr        = 0x5000
	bootParamsAddr = 0x7000
	pml4Addr       = 0x9000
	pdpteAddr      = 0xa000
	pdeAddr        = 0xb000
	cmdlineAddr    = 0x20000
	kernelLoadAddr = 0x100000 // HIMEM_START

	// entryRIP is the protected-mode kernel payload's entry point: 0x200
	// bytes past where it is loaded, past the setup header it no longer needs.
	entryRIP = kernelLoadAddr + 0x200

	// tssAddr/identityMapAddr are scratch pages KVM itself uses; they must
	// not overlap guest RAM or the fixed boot addresses above.
	tssAddr         = 0xfffb_d000
	identityMapAddr = 0xfffb_c000

	lowMemTop = 0x9fc00 // 639KiB: conventional-memory ceiling, 1KiB below 640KiB
)

// pageFlags is present+writable+(2MiB page size) for identity-mapped PDEs.
const pageFlags = 0x83
const tableFlags = 0x03 // present+writable, no PS: PML4E/PDPTE point at tables

// selCode, selData name the flat GDT selectors the boot protocol expects.
const (
	selCode = 0x10
	selData = 0x18
)

// Load builds the guest's initial state from a bzImage kernel and command
// line: the payload and boot_params at their fixed addresses, the
// identity-mapped page tables, a flat GDT, and the vCPU register set at
// the 64-bit entry point.
func (c *CPU) Load(kernelPath, cmdline string) error {
	if len(cmdline) > maxCmdlineLen {
		return ErrCmdlineTooLong
	}

	bp, err := bootparam.New(kernelPath)
	if err != nil {
		return err
	}

	if err := c.mem.Write(kernelLoadAddr, bp.Payload()); err != nil {
		return fmt.Errorf("cpu: write kernel payload: %w", err)
	}

	cmdlineBytes := append([]byte(cmdline), 0)
	if err := c.mem.Write(cmdlineAddr, cmdlineBytes); err != nil {
		return fmt.Errorf("cpu: write cmdline: %w", err)
	}

	bp.SetCmdlinePtr(cmdlineAddr)

	memSize := uint64(c.mem.Size())
	if err := bp.AddE820Entry(0, lowMemTop, bootparam.E820Ram); err != nil {
		return err
	}

	if err := bp.AddE820Entry(lowMemTop, kernelLoadAddr-lowMemTop, bootparam.E820Reserved); err != nil {
		return err
	}

	if memSize > kernelLoadAddr {
		if err := bp.AddE820Entry(kernelLoadAddr, memSize-kernelLoadAddr, bootparam.E820Ram); err != nil {
			return err
		}
	}

	params, err := bp.Bytes()
	if err != nil {
		return err
	}

	if err := c.mem.Write(bootParamsAddr, params); err != nil {
		return fmt.Errorf("cpu: write boot_params: %w", err)
	}

	if err := c.buildPageTables(); err != nil {
		return err
	}

	if err := c.buildGDT(); err != nil {
		return err
	}

	if err := c.setupRegs(); err != nil {
		return err
	}

	return c.setupSregs()
}

// buildPageTables identity-maps the lower 1 GiB with a single PML4 entry,
// a single PDPT entry, and 512 2-MiB PDEs.
func (c *CPU) buildPageTables() error {
	if err := c.mem.Write64(pml4Addr, pdpteAddr|tableFlags); err != nil {
		return err
	}

	if err := c.mem.Write64(pdpteAddr, pdeAddr|tableFlags); err != nil {
		return err
	}

	const twoMiB = 1 << 21
	for i := uint64(0); i < 512; i++ {
		if err := c.mem.Write64(pdeAddr+i*8, i*twoMiB|pageFlags); err != nil {
			return err
		}
	}

	return nil
}

// gdtEntry packs one 8-byte flat descriptor. base/limit are always 0/0xfffff
// in this boot protocol (flat segments); only the access and flags nibbles
// differ between the code, data, and null entries.
func gdtEntry(flags, access byte) uint64 {
	// Flat segment: base=0, limit=0xfffff, G=1 (4KiB granularity).
	limit := uint64(0xffff)
	flagsLimit := uint64(flags&0x0f)<<20 | 0xf<<16

	return limit | flagsLimit<<32 | uint64(access)<<40
}

func (c *CPU) buildGDT() error {
	const (
		accessData = 0x92 // present, ring0, data, writable
		accessCode = 0x9a // present, ring0, code, executable+readable
		flagsCode  = 0xa  // G=1, L=1 (64-bit code segment)
		flagsData  = 0xc  // G=1, D/B=1
	)

	entries := []uint64{
		0, // null descriptor, selector 0x00
		0, // unused, selector 0x08
		gdtEntry(flagsCode, accessCode), // selector 0x10 == selCode
		gdtEntry(flagsData, accessData), // selector 0x18 == selData
	}

	for i, e := range entries {
		if err := c.mem.Write64(gdtAddr+uint64(i)*8, e); err != nil {
			return err
		}
	}

	return nil
}

func (c *CPU) setupRegs() error {
	regs := kvm.Regs{
		RIP:    entryRIP,
		RSI:    bootParamsAddr,
		RFLAGS: 0x2,
		// Stack sits in the gap between boot_params (ends at 0x8000) and
		// the page tables (start at pml4Addr); plenty of room unused.
		RSP: pml4Addr - 0x10,
		RBP: pml4Addr - 0x10,
	}

	return kvm.SetRegs(c.vcpuFd, regs)
}

func (c *CPU) setupSregs() error {
	sregs, err := kvm.GetSregs(c.vcpuFd)
	if err != nil {
		return err
	}

	sregs.GDT = kvm.Descriptor{Base: gdtAddr, Limit: uint16(4*8 - 1)}

	code := flatSegment(selCode, 0xb, 1) // type=code, L=1
	data := flatSegment(selData, 0x3, 0) // type=data

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data

	sregs.CR0 = 0x1 | 0x80000000 // PE | PG
	sregs.CR3 = pml4Addr
	sregs.CR4 = 0x20 // PAE
	sregs.EFER = 0x500 // LME | LMA

	return kvm.SetSregs(c.vcpuFd, sregs)
}

func flatSegment(selector uint16, typ uint8, long uint8) kvm.Segment {
	return kvm.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: selector,
		Typ:      typ,
		Present:  1,
		DPL:      0,
		DB:       0,
		S:        1,
		L:        long,
		G:        1,
		AVL:      0,
	}
}
