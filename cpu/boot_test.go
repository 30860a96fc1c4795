package cpu

import (
	"errors"
	"strings"
	"testing"

	"github.com/loks0n/carbon/memory"
)

func newTestCPU(t *testing.T) *CPU {
	t.Helper()

	mem, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatalf("NewStandalone: %v", err)
	}

	return &CPU{mem: mem}
}

func TestBuildPageTablesIdentityMapsLowerGiB(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)

	if err := c.buildPageTables(); err != nil {
		t.Fatalf("buildPageTables: %v", err)
	}

	pml4e, err := c.mem.Read64(pml4Addr)
	if err != nil || pml4e != pdpteAddr|tableFlags {
		t.Fatalf("pml4e = %#x err = %v, want %#x", pml4e, err, pdpteAddr|tableFlags)
	}

	pdpte, err := c.mem.Read64(pdpteAddr)
	if err != nil || pdpte != pdeAddr|tableFlags {
		t.Fatalf("pdpte = %#x err = %v, want %#x", pdpte, err, pdeAddr|tableFlags)
	}

	pde0, err := c.mem.Read64(pdeAddr)
	if err != nil || pde0 != pageFlags {
		t.Fatalf("pde[0] = %#x err = %v, want %#x", pde0, err, pageFlags)
	}

	pdeLast, err := c.mem.Read64(pdeAddr + 511*8)
	if err != nil || pdeLast != 511*(1<<21)|pageFlags {
		t.Fatalf("pde[511] = %#x err = %v", pdeLast, err)
	}
}

func TestLoadRejectsOverlongCmdline(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)

	cmdline := strings.Repeat("a", maxCmdlineLen+1)

	if err := c.Load("/nonexistent", cmdline); !errors.Is(err, ErrCmdlineTooLong) {
		t.Fatalf("Load: got %v, want ErrCmdlineTooLong", err)
	}
}

func TestBuildGDTSelectorsMatchBootProtocol(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)

	if err := c.buildGDT(); err != nil {
		t.Fatalf("buildGDT: %v", err)
	}

	null, err := c.mem.Read64(gdtAddr)
	if err != nil || null != 0 {
		t.Fatalf("null descriptor = %#x err = %v", null, err)
	}

	code, err := c.mem.Read64(gdtAddr + selCode)
	if err != nil {
		t.Fatalf("read code descriptor: %v", err)
	}

	// Long-mode bit (L) lives in the flags nibble, bit 53 of the descriptor.
	if code&(1<<53) == 0 {
		t.Fatalf("code descriptor %#x missing L bit", code)
	}

	data, err := c.mem.Read64(gdtAddr + selData)
	if err != nil {
		t.Fatalf("read data descriptor: %v", err)
	}

	if data&(1<<53) != 0 {
		t.Fatalf("data descriptor %#x should not have L bit set", data)
	}
}
