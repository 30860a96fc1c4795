package virtio

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
)

func newTestDisk(t *testing.T, sectors int) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "carbon-blk-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(sectors * sectorSize)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	return f.Name()
}

func writeDesc(t *testing.T, mem *memory.Region, table uint64, idx uint16, d mmio.Desc) {
	t.Helper()

	addr := table + uint64(idx)*16
	if err := mem.Write64(addr, d.Addr); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write32(addr+8, d.Len); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(addr+12, d.Flags); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(addr+14, d.Next); err != nil {
		t.Fatal(err)
	}
}

func TestBlkReadRoundTrip(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(1 << 20)
	if err != nil {
		t.Fatalf("NewStandalone: %v", err)
	}

	diskPath := newTestDisk(t, 4)
	payload := []byte("carbon-block-device-test-payload")
	f, err := os.OpenFile(diskPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	blk, err := NewBlk(diskPath, mem)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	defer blk.Close()

	const (
		descTable = 0x1000
		availRing = 0x2000
		usedRing  = 0x3000
		headerBuf = 0x4000
		dataBuf   = 0x5000
		statusBuf = 0x6000
	)

	q := blk.transport.Queue(0)
	q.Size = 8
	q.Ready = true
	q.DescTable = descTable
	q.AvailRing = availRing
	q.UsedRing = usedRing

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], blkTIn)
	binary.LittleEndian.PutUint64(header[8:16], 0)

	if err := mem.Write(headerBuf, header); err != nil {
		t.Fatal(err)
	}

	writeDesc(t, mem, descTable, 0, mmio.Desc{Addr: headerBuf, Len: 16, Flags: mmio.DescFNext, Next: 1})
	writeDesc(t, mem, descTable, 1, mmio.Desc{Addr: dataBuf, Len: uint32(len(payload)), Flags: mmio.DescFNext | mmio.DescFWrite, Next: 2})
	writeDesc(t, mem, descTable, 2, mmio.Desc{Addr: statusBuf, Len: 1, Flags: mmio.DescFWrite})

	if err := mem.Write16(availRing+2, 1); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(availRing+4, 0); err != nil {
		t.Fatal(err)
	}

	blk.Notify(0)

	got := make([]byte, len(payload))
	if err := mem.Read(dataBuf, got); err != nil {
		t.Fatal(err)
	}

	if string(got) != string(payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}

	status, err := mem.ReadByte(statusBuf)
	if err != nil || status != blkSOK {
		t.Fatalf("status = %d err = %v, want blkSOK", status, err)
	}

	if blk.transport.InterruptStatus()&mmio.InterruptVringUsed == 0 {
		t.Fatal("expected the used-ring interrupt bit to be set")
	}
}

func TestBlkReportsCapacityInSectors(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(4096)
	if err != nil {
		t.Fatal(err)
	}

	diskPath := newTestDisk(t, 16)

	blk, err := NewBlk(diskPath, mem)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	defer blk.Close()

	if got := blk.ReadConfig(cfgCapacity); got != 16 {
		t.Fatalf("capacity = %d, want 16", got)
	}
}
