package virtio

import (
	"testing"

	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
)

type mockInjector struct {
	irq   uint32
	fired int
}

func (m *mockInjector) InjectIRQ(irq uint32) error {
	m.irq = irq
	m.fired++

	return nil
}

func TestNetReportsMACInConfig(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(4096)
	if err != nil {
		t.Fatal(err)
	}

	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	n := NewNet(mac, 9, &mockInjector{}, nil, mem)

	low := n.ReadConfig(netCfgMacLow)
	high := n.ReadConfig(netCfgMacHigh)

	got := [6]byte{
		byte(low), byte(low >> 8), byte(low >> 16), byte(low >> 24),
		byte(high), byte(high >> 8),
	}

	if got != mac {
		t.Fatalf("mac = %x, want %x", got, mac)
	}
}

func TestNetReceiveDropsWithoutPostedBuffer(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(1 << 16)
	if err != nil {
		t.Fatal(err)
	}

	inj := &mockInjector{}
	n := NewNet([6]byte{}, 5, inj, nil, mem)

	n.receive([]byte{0xde, 0xad, 0xbe, 0xef})

	if got := n.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	if inj.fired != 0 {
		t.Fatalf("IRQ fired on a dropped frame")
	}
}

func TestNetReceivePostsFrameBehindHeader(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewStandalone(1 << 16)
	if err != nil {
		t.Fatal(err)
	}

	inj := &mockInjector{}
	n := NewNet([6]byte{}, 7, inj, nil, mem)

	const (
		descTable = 0x1000
		availRing = 0x2000
		usedRing  = 0x3000
		rxBuf     = 0x4000
	)

	q := n.transport.Queue(netQueueRX)
	q.Size = 8
	q.Ready = true
	q.DescTable = descTable
	q.AvailRing = availRing
	q.UsedRing = usedRing

	if err := mem.Write64(descTable, rxBuf); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write32(descTable+8, 2048); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(descTable+12, mmio.DescFWrite); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(availRing+2, 1); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(availRing+4, 0); err != nil {
		t.Fatal(err)
	}

	frame := []byte("carbon-ethernet-frame")

	n.receive(frame)

	got := make([]byte, len(frame))
	if err := mem.Read(rxBuf+netHeaderLen, got); err != nil {
		t.Fatal(err)
	}

	if string(got) != string(frame) {
		t.Fatalf("payload = %q, want %q", got, frame)
	}

	if inj.fired != 1 || inj.irq != 7 {
		t.Fatalf("injector = %+v, want one call with irq 7", inj)
	}

	if n.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0", n.Dropped())
	}
}
