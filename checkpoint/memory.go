package checkpoint

import (
	"fmt"
	"io"
	"os"

	"github.com/loks0n/carbon/memory"
)

// dumpPageSize is the granularity at which DumpMemory decides whether a
// span of guest RAM is worth writing or can be left as a file hole.
// Smaller than uffd_linux.go's lazyChunk so a restore's first fault
// doesn't have to pull in megabytes of mostly-poison memory just to
// reach the few live bytes near it.
const dumpPageSize = 4096

// DumpMemory writes mem's full contents to path as a sparse file:
// any dumpPageSize-aligned span that is all zero becomes a hole rather
// than an explicit run of zero bytes, so memory that was never written
// by the guest costs no disk space. Spans still carrying the factory
// poison pattern are not zero, so they are written out and round-trip
// exactly.
func DumpMemory(path string, mem *memory.Region) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	buf := mem.Bytes()

	if err := f.Truncate(int64(len(buf))); err != nil {
		return fmt.Errorf("checkpoint: truncate %s: %w", path, err)
	}

	for off := 0; off < len(buf); off += dumpPageSize {
		end := off + dumpPageSize
		if end > len(buf) {
			end = len(buf)
		}

		page := buf[off:end]
		if isZero(page) {
			continue
		}

		if _, err := f.WriteAt(page, int64(off)); err != nil {
			return fmt.Errorf("checkpoint: write %s at %#x: %w", path, off, err)
		}
	}

	return nil
}

// LoadMemory reads path back into mem in full (eager restore, as
// opposed to the lazy userfaultfd path in memory.RegisterLazy). Holes
// in a sparse file read back as zero, which is exactly what DumpMemory
// left them to mean.
func LoadMemory(path string, mem *memory.Region) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(mem.Size())), mem.Bytes()); err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}
