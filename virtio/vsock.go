package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
)

const (
	vsockDeviceID = 19
	vsockHdrSize  = 44

	vsockTypeStream = 1

	vsockOpInvalid       = 0
	vsockOpRequest       = 1
	vsockOpResponse      = 2
	vsockOpRst           = 3
	vsockOpShutdown      = 4
	vsockOpRW            = 5
	vsockOpCreditUpdate  = 6
	vsockOpCreditRequest = 7

	vsockShutdownRcv  = 1
	vsockShutdownSend = 2

	// Carbon implements only the single stream described for the
	// control channel: host context id 2 talking to guest context id 3.
	vsockHostCID  = 2
	vsockGuestCID = 3

	vsockQueueRX    = 0
	vsockQueueTX    = 1
	vsockQueueEvent = 2

	vsockDefaultBufAlloc = 64 * 1024

	vsockCfgCIDLow  = 0x00
	vsockCfgCIDHigh = 0x04
)

const (
	vsockClosed = iota
	vsockOpen
	vsockClosing
)

// ErrVsockNotConnected is returned from Write/Read once the stream has
// shut down and no guest connection has replaced it.
var ErrVsockNotConnected = errors.New("virtio: vsock stream not connected")

// vsockHeader is the virtio-vsock packet header (44 bytes on the wire).
type vsockHeader struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Len      uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
}

func parseVsockHeader(data []byte) (vsockHeader, error) {
	if len(data) < vsockHdrSize {
		return vsockHeader{}, fmt.Errorf("virtio: vsock header too short: %d bytes", len(data))
	}

	return vsockHeader{
		SrcCID:   binary.LittleEndian.Uint64(data[0:8]),
		DstCID:   binary.LittleEndian.Uint64(data[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(data[16:20]),
		DstPort:  binary.LittleEndian.Uint32(data[20:24]),
		Len:      binary.LittleEndian.Uint32(data[24:28]),
		Type:     binary.LittleEndian.Uint16(data[28:30]),
		Op:       binary.LittleEndian.Uint16(data[30:32]),
		Flags:    binary.LittleEndian.Uint32(data[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(data[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(data[40:44]),
	}, nil
}

func encodeVsockHeader(h vsockHeader) []byte {
	buf := make([]byte, vsockHdrSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(buf[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(buf[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(buf[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(buf[24:28], h.Len)
	binary.LittleEndian.PutUint16(buf[28:30], h.Type)
	binary.LittleEndian.PutUint16(buf[30:32], h.Op)
	binary.LittleEndian.PutUint32(buf[32:36], h.Flags)
	binary.LittleEndian.PutUint32(buf[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(buf[40:44], h.FwdCnt)

	return buf
}

// Vsock is a virtio-vsock device implementing the single stream Carbon's
// control channel rides on. It is also an io.ReadWriteCloser: host code
// (the control package) Writes requests and Reads responses through it
// exactly as if it held the other end of a socket.
//
// Queue processing (handlePacket, deliverRX) runs under mu, same as the
// control-side Read/Write calls, since both sides touch pendingTX/rxCh
// and the connection state machine.
type Vsock struct {
	mu sync.Mutex

	transport *mmio.Transport
	mem       *memory.Region
	irq       uint32
	inj       IRQInjector

	state                 int
	localPort, remotePort uint32
	peerBufAlloc          uint32
	peerFwdCnt            uint32
	fwdCnt                uint32 // bytes delivered to the host reader so far
	txCnt                 uint32 // bytes sent to the guest so far

	pendingTX [][]byte // packets waiting for a guest-posted RX buffer
	rxCh      chan []byte
	rxBuf     []byte
	closed    chan struct{}
}

// NewVsock constructs the device. irq/inj let deliverRX raise the guest
// interrupt directly, since Write runs on a control-channel goroutine,
// off the vCPU thread's call stack.
func NewVsock(irq uint32, inj IRQInjector, mem *memory.Region) *Vsock {
	v := &Vsock{
		irq:    irq,
		inj:    inj,
		mem:    mem,
		rxCh:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	v.transport = mmio.NewTransport(v)

	return v
}

// Transport exposes the shared virtio-mmio register handling for bus registration.
func (v *Vsock) Transport() *mmio.Transport { return v.transport }

func (v *Vsock) DeviceID() uint32 { return vsockDeviceID }

func (v *Vsock) Features() (lo, hi uint32) { return 0, featVersion1 }

func (v *Vsock) NumQueues() int { return 3 }

func (v *Vsock) QueueNumMax(int) uint16 { return mmio.MaxQueueSize }

// ReadConfig serves guest_cid, the only field in vsock's device config:
// the value the guest reads to learn its own context id.
func (v *Vsock) ReadConfig(offset uint32) uint32 {
	switch offset {
	case vsockCfgCIDLow:
		return vsockGuestCID
	case vsockCfgCIDHigh:
		return 0
	default:
		return 0
	}
}

func (v *Vsock) WriteConfig(uint32, uint32) {}

func (v *Vsock) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = vsockClosed
	v.pendingTX = nil
}

// Notify drains the transmit queue on a guest kick, and otherwise just
// retries delivering any backlog (the guest posting a fresh receive
// buffer is itself a signal worth re-checking pendingTX against).
func (v *Vsock) Notify(idx int) {
	switch idx {
	case vsockQueueTX:
		v.processTX()
	case vsockQueueRX:
		v.mu.Lock()
		v.deliverRX()
		v.mu.Unlock()
	}
}

func (v *Vsock) processTX() {
	q := v.transport.Queue(vsockQueueTX)

	for {
		v.mu.Lock()

		if !q.HasPending(v.mem) {
			v.mu.Unlock()

			return
		}

		head, ok, err := q.PopAvail(v.mem)
		if err != nil || !ok {
			v.mu.Unlock()

			return
		}

		chain, err := q.Chain(v.mem, head)
		if err != nil {
			v.mu.Unlock()

			return
		}

		data, err := readChainBytes(v.mem, chain)
		if err == nil {
			v.handlePacket(data)
		}

		v.mu.Unlock()

		if err := q.PushUsed(v.mem, head, uint32(len(data))); err != nil {
			return
		}

		v.transport.RaiseVringInterrupt()
	}
}

// handlePacket dispatches one guest-sent vsock packet. Callers hold mu.
func (v *Vsock) handlePacket(data []byte) {
	if len(data) < vsockHdrSize {
		return
	}

	hdr, err := parseVsockHeader(data)
	if err != nil {
		return
	}

	payload := data[vsockHdrSize:]
	if uint32(len(payload)) > hdr.Len {
		payload = payload[:hdr.Len]
	}

	switch hdr.Op {
	case vsockOpRequest:
		v.handleRequest(hdr)
	case vsockOpRW:
		v.handleData(hdr, payload)
	case vsockOpCreditUpdate:
		v.peerBufAlloc, v.peerFwdCnt = hdr.BufAlloc, hdr.FwdCnt
	case vsockOpCreditRequest:
		v.queueTX(v.creditUpdatePacket())
	case vsockOpShutdown, vsockOpRst:
		v.handlePeerClose()
	}
}

// handleRequest implements Closed -> (guest REQUEST) -> Open.
func (v *Vsock) handleRequest(hdr vsockHeader) {
	v.localPort, v.remotePort = hdr.DstPort, hdr.SrcPort
	v.peerBufAlloc, v.peerFwdCnt = hdr.BufAlloc, hdr.FwdCnt
	v.state = vsockOpen
	v.txCnt, v.fwdCnt = 0, 0

	v.queueTX(encodeVsockHeader(vsockHeader{
		SrcCID: vsockHostCID, DstCID: vsockGuestCID,
		SrcPort: v.localPort, DstPort: v.remotePort,
		Type: vsockTypeStream, Op: vsockOpResponse,
		BufAlloc: vsockDefaultBufAlloc,
	}))
}

// handleData implements in-order RW delivery while Open: bytes are
// handed to the host reader via rxCh, and the peer's advertised credit
// window is refreshed from the packet's own buf_alloc/fwd_cnt fields.
func (v *Vsock) handleData(hdr vsockHeader, payload []byte) {
	if v.state != vsockOpen {
		return
	}

	v.peerBufAlloc, v.peerFwdCnt = hdr.BufAlloc, hdr.FwdCnt

	if len(payload) > 0 {
		buf := make([]byte, len(payload))
		copy(buf, payload)

		select {
		case v.rxCh <- buf:
		default: // host reader isn't keeping up; drop rather than block the TX queue
		}

		v.fwdCnt += uint32(len(payload))
	}

	v.queueTX(v.creditUpdatePacket())
}

// handlePeerClose implements Open -> (peer SHUTDOWN/RST) -> Closing ->
// Closed: nothing further is buffered once the peer has gone away.
func (v *Vsock) handlePeerClose() {
	if v.state == vsockClosed {
		return
	}

	v.state = vsockClosing
	close(v.closed)
	v.state = vsockClosed
}

func (v *Vsock) creditUpdatePacket() []byte {
	return encodeVsockHeader(vsockHeader{
		SrcCID: vsockHostCID, DstCID: vsockGuestCID,
		SrcPort: v.localPort, DstPort: v.remotePort,
		Type: vsockTypeStream, Op: vsockOpCreditUpdate,
		BufAlloc: vsockDefaultBufAlloc, FwdCnt: v.fwdCnt,
	})
}

// queueTX appends a host-to-guest packet and attempts immediate
// delivery. Callers hold mu.
func (v *Vsock) queueTX(packet []byte) {
	v.pendingTX = append(v.pendingTX, packet)
	v.deliverRX()
}

// deliverRX drains pendingTX into the guest-posted receive buffers.
// Callers hold mu.
func (v *Vsock) deliverRX() {
	q := v.transport.Queue(vsockQueueRX)

	var delivered bool

	for len(v.pendingTX) > 0 && q.HasPending(v.mem) {
		head, ok, err := q.PopAvail(v.mem)
		if err != nil || !ok {
			break
		}

		chain, err := q.Chain(v.mem, head)
		if err != nil {
			break
		}

		written, err := writeChainBytes(v.mem, chain, v.pendingTX[0])
		if err != nil {
			break
		}

		if err := q.PushUsed(v.mem, head, written); err != nil {
			break
		}

		v.pendingTX = v.pendingTX[1:]
		delivered = true
	}

	if delivered {
		v.transport.RaiseVringInterrupt()

		if v.inj != nil {
			_ = v.inj.InjectIRQ(v.irq)
		}
	}
}

// VsockState is the stream's checkpoint-visible connection state: the
// protocol state machine, negotiated ports and credit window, and any
// host-to-guest packets still waiting for a posted receive buffer.
type VsockState struct {
	State                 int
	LocalPort, RemotePort uint32
	PeerBufAlloc          uint32
	PeerFwdCnt            uint32
	FwdCnt                uint32
	TxCnt                 uint32
	PendingTX             [][]byte
}

// State captures v's connection state.
func (v *Vsock) State() VsockState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return VsockState{
		State: v.state, LocalPort: v.localPort, RemotePort: v.remotePort,
		PeerBufAlloc: v.peerBufAlloc, PeerFwdCnt: v.peerFwdCnt,
		FwdCnt: v.fwdCnt, TxCnt: v.txCnt,
		PendingTX: append([][]byte(nil), v.pendingTX...),
	}
}

// Restore replaces v's connection state with s, for checkpoint restore.
func (v *Vsock) Restore(s VsockState) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = s.State
	v.localPort, v.remotePort = s.LocalPort, s.RemotePort
	v.peerBufAlloc, v.peerFwdCnt = s.PeerBufAlloc, s.PeerFwdCnt
	v.fwdCnt, v.txCnt = s.FwdCnt, s.TxCnt
	v.pendingTX = append([][]byte(nil), s.PendingTX...)
}

// Write sends payload to the guest as a single RW packet, the host
// side of the stream. It does not block on the peer's credit window;
// Carbon's control protocol frames are small enough relative to
// vsockDefaultBufAlloc that this is not a practical limitation.
func (v *Vsock) Write(payload []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != vsockOpen {
		return 0, ErrVsockNotConnected
	}

	pkt := encodeVsockHeader(vsockHeader{
		SrcCID: vsockHostCID, DstCID: vsockGuestCID,
		SrcPort: v.localPort, DstPort: v.remotePort,
		Len: uint32(len(payload)), Type: vsockTypeStream, Op: vsockOpRW,
		BufAlloc: vsockDefaultBufAlloc, FwdCnt: v.fwdCnt,
	})

	v.txCnt += uint32(len(payload))
	v.queueTX(append(pkt, payload...))

	return len(payload), nil
}

// Read blocks until the guest has sent data or the stream has closed.
func (v *Vsock) Read(p []byte) (int, error) {
	if len(v.rxBuf) == 0 {
		select {
		case data := <-v.rxCh:
			v.rxBuf = data
		case <-v.closed:
			return 0, ErrVsockNotConnected
		}
	}

	n := copy(p, v.rxBuf)
	v.rxBuf = v.rxBuf[n:]

	return n, nil
}

// Close shuts down the stream from the host side.
func (v *Vsock) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == vsockOpen {
		v.queueTX(encodeVsockHeader(vsockHeader{
			SrcCID: vsockHostCID, DstCID: vsockGuestCID,
			SrcPort: v.localPort, DstPort: v.remotePort,
			Type: vsockTypeStream, Op: vsockOpShutdown,
			Flags: vsockShutdownRcv | vsockShutdownSend,
		}))
	}

	v.state = vsockClosed

	select {
	case <-v.closed:
	default:
		close(v.closed)
	}

	return nil
}
