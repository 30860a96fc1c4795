package checkpoint_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/loks0n/carbon/checkpoint"
	"github.com/loks0n/carbon/memory"
)

func TestDumpLoadMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	// Write a distinctive pattern into a couple of pages; everything
	// else is left as whatever NewStandalone poisoned it with.
	if err := mem.Write(4096, []byte("hello guest memory")); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write(1<<19, []byte("a second live page")); err != nil {
		t.Fatal(err)
	}

	want := append([]byte(nil), mem.Bytes()...)

	path := filepath.Join(t.TempDir(), "memory.raw")
	if err := checkpoint.DumpMemory(path, mem); err != nil {
		t.Fatalf("DumpMemory: %v", err)
	}

	restored, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	if err := checkpoint.LoadMemory(path, restored); err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}

	if string(restored.Bytes()) != string(want) {
		t.Fatal("restored memory does not match the dumped region byte-for-byte")
	}
}

func TestDumpMemoryLeavesZeroSpansSparse(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	// Below the 1MiB poison floor, a fresh region is all zero, so the
	// whole dump should cost far fewer blocks than its logical size.
	path := filepath.Join(t.TempDir(), "memory.raw")
	if err := checkpoint.DumpMemory(path, mem); err != nil {
		t.Fatalf("DumpMemory: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() != int64(mem.Size()) {
		t.Fatalf("file size = %d, want %d (logical size must match even when sparse)", info.Size(), mem.Size())
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Blocks*512 >= int64(mem.Size()) {
		t.Fatalf("file allocates %d bytes on disk, want fewer than its logical size %d", st.Blocks*512, mem.Size())
	}
}
