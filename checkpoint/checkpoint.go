package checkpoint

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/loks0n/carbon/memory"
)

// Logger is used for checkpoint/restore progress messages. Carbon's
// hot-path device code logs nothing by default (see cpu.Run's -trace
// gate); the checkpoint subsystem is the one place a timestamped
// log.Logger earns its keep, since an operator waiting on a checkpoint
// or restore wants to see where time went.
var Logger = log.New(os.Stderr, "checkpoint: ", log.LstdFlags)

// Dir returns the on-disk directory a checkpoint named name lives in
// under a VM's own directory: <vmDir>/checkpoints/<name>.
func Dir(vmDir, name string) string {
	return filepath.Join(vmDir, "checkpoints", name)
}

// Save writes a complete, immutable checkpoint to Dir(vmDir, name):
// disk.raw (a reflink clone of diskPath), memory.raw (a sparse dump of
// mem), and state.bin (snap's framed gob encoding). The caller must
// have already stopped the VCPU run loop and quiesced every device
// goroutine that could still be writing to mem or diskPath — Save does
// not synchronize with them itself.
func Save(vmDir, name string, snap *Snapshot, diskPath string, mem *memory.Region) error {
	dir := Dir(vmDir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	diskDst := filepath.Join(dir, "disk.raw")

	Logger.Printf("cloning disk %s -> %s", diskPath, diskDst)

	if err := CloneFile(diskPath, diskDst); err != nil {
		return err
	}

	memDst := filepath.Join(dir, "memory.raw")

	Logger.Printf("dumping memory (%d bytes) -> %s", mem.Size(), memDst)

	if err := DumpMemory(memDst, mem); err != nil {
		return err
	}

	stateDst := filepath.Join(dir, "state.bin")

	stateFile, err := os.OpenFile(stateDst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", stateDst, err)
	}
	defer stateFile.Close()

	Logger.Printf("writing %s", stateDst)

	if err := EncodeSnapshot(stateFile, snap); err != nil {
		return err
	}

	return nil
}

// Checkpoint is a checkpoint read back by Load: the decoded Snapshot,
// plus the paths of its disk and memory images for the caller to
// reflink-clone into the live VM's paths before resuming.
type Checkpoint struct {
	Snapshot   *Snapshot
	DiskPath   string
	MemoryPath string
}

// Load reads back what Save wrote at Dir(vmDir, name).
func Load(vmDir, name string) (*Checkpoint, error) {
	dir := Dir(vmDir, name)

	stateSrc := filepath.Join(dir, "state.bin")

	stateFile, err := os.Open(stateSrc)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", stateSrc, err)
	}
	defer stateFile.Close()

	Logger.Printf("reading %s", stateSrc)

	snap, err := DecodeSnapshot(stateFile)
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		Snapshot:   snap,
		DiskPath:   filepath.Join(dir, "disk.raw"),
		MemoryPath: filepath.Join(dir, "memory.raw"),
	}, nil
}
