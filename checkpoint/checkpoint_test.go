package checkpoint_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/loks0n/carbon/checkpoint"
	"github.com/loks0n/carbon/kvm"
	"github.com/loks0n/carbon/memory"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	vmDir := t.TempDir()

	diskPath := filepath.Join(vmDir, "disk.raw")
	if err := os.WriteFile(diskPath, []byte("a guest disk image"), 0o600); err != nil {
		t.Fatal(err)
	}

	mem, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	if err := mem.Write(4096, []byte("live guest page")); err != nil {
		t.Fatal(err)
	}

	snap := &checkpoint.Snapshot{
		MemSize: mem.Size(),
		VCPU: checkpoint.VCPUState{
			Regs:  kvm.Regs{RAX: 42, RIP: 0x200200},
			Sregs: kvm.Sregs{CR0: 0x80000001},
		},
		VM: checkpoint.VMState{
			Clock: kvm.ClockData{Clock: 987654},
		},
	}

	if err := checkpoint.Save(vmDir, "snap1", snap, diskPath, mem); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dir := checkpoint.Dir(vmDir, "snap1")
	for _, name := range []string{"disk.raw", "memory.raw", "state.bin"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	ck, err := checkpoint.Load(vmDir, "snap1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reflect.DeepEqual(ck.Snapshot, snap) {
		t.Fatalf("loaded snapshot mismatch:\ngot  %+v\nwant %+v", ck.Snapshot, snap)
	}

	diskGot, err := os.ReadFile(ck.DiskPath)
	if err != nil {
		t.Fatal(err)
	}

	if string(diskGot) != "a guest disk image" {
		t.Fatalf("cloned disk contents = %q", diskGot)
	}

	restored, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	if err := checkpoint.LoadMemory(ck.MemoryPath, restored); err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}

	if string(restored.Bytes()) != string(mem.Bytes()) {
		t.Fatal("restored memory does not match the dumped region byte-for-byte")
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	t.Parallel()

	if _, err := checkpoint.Load(t.TempDir(), "does-not-exist"); err == nil {
		t.Fatal("expected an error loading a nonexistent checkpoint")
	}
}
