package virtio

import (
	"testing"

	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
)

func newTestVsock(t *testing.T) (*Vsock, *mockInjector) {
	t.Helper()

	mem, err := memory.NewStandalone(1 << 16)
	if err != nil {
		t.Fatal(err)
	}

	inj := &mockInjector{}

	return NewVsock(13, inj, mem), inj
}

// postRXBuffer posts exactly one receive descriptor (slot 0) for the
// device's RX queue. Each test that needs one calls this once.
func postRXBuffer(t *testing.T, v *Vsock, addr uint64, size uint32) {
	t.Helper()

	const (
		descTable = 0x1000
		availRing = 0x2000
		usedRing  = 0x3000
	)

	q := v.transport.Queue(vsockQueueRX)
	q.Size = 8
	q.Ready = true
	q.DescTable = descTable
	q.AvailRing = availRing
	q.UsedRing = usedRing

	if err := v.mem.Write64(descTable, addr); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write32(descTable+8, size); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write16(descTable+12, mmio.DescFWrite); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write16(availRing+4, 0); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write16(availRing+2, 1); err != nil {
		t.Fatal(err)
	}
}

// postTXPacket posts exactly one transmit descriptor (slot 0) carrying
// packet for the device's TX queue. Each test that needs one calls this
// once.
func postTXPacket(t *testing.T, v *Vsock, addr uint64, packet []byte) {
	t.Helper()

	const (
		descTable = 0x5000
		availRing = 0x6000
		usedRing  = 0x7000
	)

	q := v.transport.Queue(vsockQueueTX)
	q.Size = 8
	q.Ready = true
	q.DescTable = descTable
	q.AvailRing = availRing
	q.UsedRing = usedRing

	if err := v.mem.Write(addr, packet); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write64(descTable, addr); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write32(descTable+8, uint32(len(packet))); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write16(descTable+12, 0); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write16(availRing+4, 0); err != nil {
		t.Fatal(err)
	}

	if err := v.mem.Write16(availRing+2, 1); err != nil {
		t.Fatal(err)
	}
}

func TestVsockReportsGuestCIDInConfig(t *testing.T) {
	t.Parallel()

	v, _ := newTestVsock(t)

	if got := v.ReadConfig(vsockCfgCIDLow); got != vsockGuestCID {
		t.Fatalf("guest_cid low = %d, want %d", got, vsockGuestCID)
	}

	if got := v.ReadConfig(vsockCfgCIDHigh); got != 0 {
		t.Fatalf("guest_cid high = %d, want 0", got)
	}
}

func TestVsockRequestOpensStreamAndSendsResponse(t *testing.T) {
	t.Parallel()

	v, inj := newTestVsock(t)

	const rxBuf = 0x4000
	postRXBuffer(t, v, rxBuf, 256)

	req := encodeVsockHeader(vsockHeader{
		SrcCID: vsockGuestCID, DstCID: vsockHostCID,
		SrcPort: 1024, DstPort: 1025,
		Type: vsockTypeStream, Op: vsockOpRequest,
		BufAlloc: vsockDefaultBufAlloc,
	})

	const txBuf = 0x4800
	postTXPacket(t, v, txBuf, req)

	v.Notify(vsockQueueTX)

	if v.state != vsockOpen {
		t.Fatalf("state = %d, want vsockOpen", v.state)
	}

	resp := make([]byte, vsockHdrSize)
	if err := v.mem.Read(rxBuf, resp); err != nil {
		t.Fatal(err)
	}

	hdr, err := parseVsockHeader(resp)
	if err != nil {
		t.Fatal(err)
	}

	if hdr.Op != vsockOpResponse {
		t.Fatalf("op = %d, want vsockOpResponse", hdr.Op)
	}

	if hdr.SrcCID != vsockHostCID || hdr.DstCID != vsockGuestCID {
		t.Fatalf("response cids = %d/%d, want host/guest", hdr.SrcCID, hdr.DstCID)
	}

	if inj.fired == 0 {
		t.Fatal("expected the RESPONSE delivery to raise an interrupt")
	}
}

func TestVsockDataFromGuestReachesRead(t *testing.T) {
	t.Parallel()

	v, _ := newTestVsock(t)

	v.state = vsockOpen
	v.localPort, v.remotePort = 1025, 1024

	postRXBuffer(t, v, 0x4000, 256) // for the credit-update reply

	payload := []byte("hello from guest")
	pkt := encodeVsockHeader(vsockHeader{
		SrcCID: vsockGuestCID, DstCID: vsockHostCID,
		SrcPort: 1024, DstPort: 1025,
		Len: uint32(len(payload)), Type: vsockTypeStream, Op: vsockOpRW,
		BufAlloc: vsockDefaultBufAlloc,
	})
	pkt = append(pkt, payload...)

	postTXPacket(t, v, 0x4800, pkt)

	v.Notify(vsockQueueTX)

	got := make([]byte, len(payload))
	if _, err := v.Read(got); err != nil {
		t.Fatal(err)
	}

	if string(got) != string(payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestVsockShutdownClosesStream(t *testing.T) {
	t.Parallel()

	v, _ := newTestVsock(t)

	v.state = vsockOpen
	v.localPort, v.remotePort = 1025, 1024

	pkt := encodeVsockHeader(vsockHeader{
		SrcCID: vsockGuestCID, DstCID: vsockHostCID,
		SrcPort: 1024, DstPort: 1025,
		Type: vsockTypeStream, Op: vsockOpShutdown,
		Flags: vsockShutdownRcv | vsockShutdownSend,
	})

	postTXPacket(t, v, 0x4800, pkt)
	v.Notify(vsockQueueTX)

	if v.state != vsockClosed {
		t.Fatalf("state = %d, want vsockClosed", v.state)
	}

	if _, err := v.Read(make([]byte, 1)); err != ErrVsockNotConnected {
		t.Fatalf("Read after shutdown = %v, want ErrVsockNotConnected", err)
	}
}

func TestVsockWriteRequiresOpenStream(t *testing.T) {
	t.Parallel()

	v, _ := newTestVsock(t)

	if _, err := v.Write([]byte("hi")); err != ErrVsockNotConnected {
		t.Fatalf("Write on closed stream = %v, want ErrVsockNotConnected", err)
	}
}
