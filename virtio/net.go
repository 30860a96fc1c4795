package virtio

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
	"github.com/loks0n/carbon/tap"
)

const (
	netDeviceID = 1

	netFMac = 1 << 5 // VIRTIO_NET_F_MAC

	netQueueRX = 0
	netQueueTX = 1

	netHeaderLen = 12

	netCfgMacLow  = 0x00
	netCfgMacHigh = 0x04

	netMaxFrame = 65536
)

// IRQInjector pulses the guest interrupt line for a device's assigned
// IRQ. Devices whose receive path runs on its own goroutine (net, vsock)
// need this to signal the guest outside of cpu.dispatchMMIO's normal
// post-dispatch interrupt check, which only fires for the thread that
// caused the exit.
type IRQInjector interface {
	InjectIRQ(irq uint32) error
}

// Net is a virtio-net device backed by a host TAP interface. Transmit is
// processed synchronously in Notify, like Blk; receive runs on a
// dedicated goroutine (RXLoop) blocking on the TAP fd, matching the
// thread ownership described for the net device's receive path.
type Net struct {
	mu sync.Mutex

	transport *mmio.Transport
	mem       *memory.Region
	tap       *tap.Tap

	mac [6]byte
	irq uint32
	inj IRQInjector

	dropped atomic.Uint64
	paused  atomic.Bool
}

// NewNet wires a TAP interface to a virtio-net device. irq and inj let
// RXLoop raise the guest interrupt without going through the CPU core's
// exit-dispatch loop, since frames can arrive while the vCPU is running.
func NewNet(mac [6]byte, irq uint32, inj IRQInjector, tp *tap.Tap, mem *memory.Region) *Net {
	n := &Net{mac: mac, irq: irq, inj: inj, tap: tp, mem: mem}
	n.transport = mmio.NewTransport(n)

	return n
}

// Transport exposes the shared virtio-mmio register handling for bus registration.
func (n *Net) Transport() *mmio.Transport { return n.transport }

// Dropped reports how many received frames were discarded because the
// device was paused, no receive buffer was posted, or the posted chain
// was malformed; it is the device's only backpressure signal.
func (n *Net) Dropped() uint64 { return n.dropped.Load() }

// SetPaused controls whether RXLoop delivers frames into the receive
// queue or drops them outright. A checkpoint capture pauses the device
// for its duration so TAP traffic can't mutate the queue or guest memory
// out from under the snapshot.
func (n *Net) SetPaused(paused bool) { n.paused.Store(paused) }

// NetState is net's checkpoint-visible state beyond its virtqueues
// (carried in mmio.TransportState, captured separately).
type NetState struct {
	Dropped uint64
}

// State captures the RX drop counter.
func (n *Net) State() NetState { return NetState{Dropped: n.dropped.Load()} }

// Restore replaces the RX drop counter with s's, for checkpoint restore.
func (n *Net) Restore(s NetState) { n.dropped.Store(s.Dropped) }

func (n *Net) DeviceID() uint32 { return netDeviceID }

func (n *Net) Features() (lo, hi uint32) {
	return netFMac, featVersion1
}

func (n *Net) NumQueues() int { return 2 }

func (n *Net) QueueNumMax(int) uint16 { return mmio.MaxQueueSize }

func (n *Net) ReadConfig(offset uint32) uint32 {
	switch offset {
	case netCfgMacLow:
		return binary.LittleEndian.Uint32(n.mac[0:4])
	case netCfgMacHigh:
		return uint32(n.mac[4]) | uint32(n.mac[5])<<8
	default:
		return 0
	}
}

func (n *Net) WriteConfig(uint32, uint32) {} // MAC is host-assigned, read-only to the guest

func (n *Net) Reset() {}

// Notify drains the transmit queue; the receive queue only gains posted
// buffers here, which RXLoop picks up on its own, so idx 0 is a no-op.
func (n *Net) Notify(idx int) {
	if idx != netQueueTX {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	q := n.transport.Queue(netQueueTX)

	for q.HasPending(n.mem) {
		head, ok, err := q.PopAvail(n.mem)
		if err != nil || !ok {
			return
		}

		n.transmit(head)

		if err := q.PushUsed(n.mem, head, 0); err != nil {
			return
		}

		n.transport.RaiseVringInterrupt()
	}
}

func (n *Net) transmit(head uint16) {
	chain, err := n.transport.Queue(netQueueTX).Chain(n.mem, head)
	if err != nil {
		return
	}

	buf, err := readChainBytes(n.mem, chain)
	if err != nil || len(buf) <= netHeaderLen {
		return
	}

	_, _ = n.tap.Write(buf[netHeaderLen:])
}

// RXLoop blocks reading Ethernet frames off the TAP interface and posts
// each one to the receive queue, injecting the device's IRQ directly
// since nothing else will dispatch it for this goroutine. It returns
// once the TAP read fails, which happens once the interface is closed
// during shutdown; any frame in flight at that point is simply dropped.
func (n *Net) RXLoop() {
	buf := make([]byte, netMaxFrame)

	for {
		read, err := n.tap.Read(buf)
		if err != nil {
			return
		}

		n.receive(buf[:read])
	}
}

func (n *Net) receive(frame []byte) {
	if n.paused.Load() {
		n.dropped.Add(1)

		return
	}

	n.mu.Lock()

	q := n.transport.Queue(netQueueRX)

	head, ok, err := q.PopAvail(n.mem)
	if err != nil || !ok {
		n.mu.Unlock()
		n.dropped.Add(1)

		return
	}

	chain, err := q.Chain(n.mem, head)
	if err != nil {
		n.mu.Unlock()
		n.dropped.Add(1)

		return
	}

	header := make([]byte, netHeaderLen)
	payload := append(header, frame...)

	written, err := writeChainBytes(n.mem, chain, payload)
	if err != nil {
		n.mu.Unlock()

		return
	}

	if err := q.PushUsed(n.mem, head, written); err != nil {
		n.mu.Unlock()

		return
	}

	n.mu.Unlock()

	n.transport.RaiseVringInterrupt()

	_ = n.inj.InjectIRQ(n.irq)
}
