package mmio_test

import (
	"testing"

	"github.com/loks0n/carbon/mmio"
)

// fakeBackend is a minimal Backend whose config space is a single 4-byte
// word, enough to exercise Transport's register and config dispatch
// without a real device.
type fakeBackend struct {
	cfg uint32
}

func (f *fakeBackend) DeviceID() uint32 { return 42 }
func (f *fakeBackend) Features() (uint32, uint32) { return 0, 0 }
func (f *fakeBackend) NumQueues() int { return 1 }
func (f *fakeBackend) QueueNumMax(int) uint16 { return mmio.MaxQueueSize }
func (f *fakeBackend) ReadConfig(offset uint32) uint32 {
	if offset != 0 {
		return 0
	}

	return f.cfg
}
func (f *fakeBackend) WriteConfig(uint32, uint32) {}
func (f *fakeBackend) Notify(int)                 {}
func (f *fakeBackend) Reset()                     {}

func TestTransportReadCoreRegisterRequiresFourBytes(t *testing.T) {
	t.Parallel()

	tr := mmio.NewTransport(&fakeBackend{})

	if err := tr.Read(0x008, make([]byte, 1)); err == nil {
		t.Fatal("expected a sub-word read of a core register to be rejected")
	}
}

func TestTransportReadConfigByteGranular(t *testing.T) {
	t.Parallel()

	// 0x01020304 little-endian in memory: bytes 04 03 02 01.
	tr := mmio.NewTransport(&fakeBackend{cfg: 0x01020304})

	for shift, want := range map[uint32]byte{0: 0x04, 1: 0x03, 2: 0x02, 3: 0x01} {
		got := make([]byte, 1)
		if err := tr.Read(mmio.ConfigBase+shift, got); err != nil {
			t.Fatalf("shift %d: %v", shift, err)
		}

		if got[0] != want {
			t.Errorf("shift %d: got %#x, want %#x", shift, got[0], want)
		}
	}
}

func TestTransportReadConfigWordGranular(t *testing.T) {
	t.Parallel()

	tr := mmio.NewTransport(&fakeBackend{cfg: 0x01020304})

	got := make([]byte, 2)
	if err := tr.Read(mmio.ConfigBase+2, got); err != nil {
		t.Fatal(err)
	}

	if got[0] != 0x02 || got[1] != 0x01 {
		t.Errorf("got %#x %#x, want 0x02 0x01", got[0], got[1])
	}
}

func TestTransportReadConfigOutOfRange(t *testing.T) {
	t.Parallel()

	tr := mmio.NewTransport(&fakeBackend{cfg: 1})

	if err := tr.Read(mmio.ConfigBase+2, make([]byte, 4)); err == nil {
		t.Fatal("expected a 4-byte read starting at shift 2 to be rejected")
	}
}
