package mmio

import (
	"encoding/binary"
	"fmt"
)

// Register offsets within the 4 KiB virtio-mmio v2 window.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4

	// ConfigBase is where device-specific config space (capacity, MAC,
	// ...) begins; offsets at or above it are routed to the device.
	ConfigBase = 0x100

	magicValue   = 0x74726976 // "virt"
	mmioVersion  = 2
	vendorID     = 0

	// WindowSize is the fixed per-device MMIO register window.
	WindowSize = 0x1000
)

// Status bits for the device status register.
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
)

// Interrupt status bits.
const (
	InterruptVringUsed uint32 = 1
	InterruptConfig    uint32 = 2
)

// Backend is implemented by a concrete virtio device (block, net, vsock)
// to plug into the shared Transport register handling.
type Backend interface {
	// DeviceID is the virtio device type id (2=blk, 1=net, 19=vsock).
	DeviceID() uint32
	// Features are the device feature bits offered, low and high words.
	Features() (lo, hi uint32)
	// NumQueues is how many virtqueues this device exposes.
	NumQueues() int
	// QueueNumMax is the max size of queue idx.
	QueueNumMax(idx int) uint16
	// ReadConfig/WriteConfig access device-specific config space
	// (offsets relative to ConfigBase).
	ReadConfig(offset uint32) uint32
	WriteConfig(offset uint32, v uint32)
	// Notify is called when the guest kicks queue idx (QueueNotify write).
	Notify(idx int)
	// Reset clears device-specific state on a status-register reset.
	Reset()
}

// Transport holds the virtio-mmio v2 register state shared by every
// device and dispatches register reads/writes to a Backend. Devices
// embed a *Transport and forward their MMIO accesses to it.
type Transport struct {
	backend Backend
	queues  []Virtqueue

	deviceFeaturesSel uint32
	driverFeatures    [2]uint32
	driverFeaturesSel uint32
	queueSel          uint32
	status            uint32
	interruptStatus   uint32
}

// NewTransport allocates the register state for a backend with the given
// number of queues.
func NewTransport(backend Backend) *Transport {
	return &Transport{
		backend: backend,
		queues:  make([]Virtqueue, backend.NumQueues()),
	}
}

// Queue returns the virtqueue at index idx so the device can process it
// after a notify.
func (t *Transport) Queue(idx int) *Virtqueue { return &t.queues[idx] }

// InterruptStatus is the current value of the InterruptStatus register.
func (t *Transport) InterruptStatus() uint32 { return t.interruptStatus }

// RaiseVringInterrupt sets the vring-used bit in InterruptStatus; the
// caller (the device) still owns actually injecting the IRQ into KVM.
func (t *Transport) RaiseVringInterrupt() { t.interruptStatus |= InterruptVringUsed }

// DriverOK reports whether the guest driver has finished negotiation.
func (t *Transport) DriverOK() bool { return t.status&StatusDriverOK != 0 }

// Read services a register read at the given offset into the device's
// MMIO window. Core registers (offset < ConfigBase) are always accessed
// as a full 4-byte word by the Linux virtio-mmio driver; config space
// beyond it is read byte-, word-, or dword-granular (vm_get uses readb
// per byte for fields like the net MAC), so a sub-word access there
// reads the owning 4-byte config word and slices out the requested
// bytes instead of being rejected.
func (t *Transport) Read(offset uint32, data []byte) error {
	if offset >= ConfigBase {
		cfgOffset := offset - ConfigBase

		return putSub(data, t.backend.ReadConfig(cfgOffset&^3), cfgOffset&3)
	}

	switch offset {
	case regMagicValue:
		return put(data, magicValue)
	case regVersion:
		return put(data, mmioVersion)
	case regDeviceID:
		return put(data, t.backend.DeviceID())
	case regVendorID:
		return put(data, vendorID)
	case regDeviceFeatures:
		lo, hi := t.backend.Features()
		if t.deviceFeaturesSel == 0 {
			return put(data, lo)
		}

		return put(data, hi)
	case regQueueNumMax:
		return put(data, uint32(t.backend.QueueNumMax(int(t.queueSel))))
	case regQueueReady:
		if t.queue().Ready {
			return put(data, 1)
		}

		return put(data, 0)
	case regInterruptStatus:
		return put(data, t.interruptStatus)
	case regStatus:
		return put(data, t.status)
	default:
		return put(data, 0)
	}
}

// Write services a register write at the given offset.
func (t *Transport) Write(offset uint32, data []byte) error {
	if offset >= ConfigBase {
		t.backend.WriteConfig(offset-ConfigBase, get(data))

		return nil
	}

	v := get(data)

	switch offset {
	case regDeviceFeaturesSel:
		t.deviceFeaturesSel = v
	case regDriverFeatures:
		t.driverFeatures[t.driverFeaturesSel&1] = v
	case regDriverFeaturesSel:
		t.driverFeaturesSel = v
	case regQueueSel:
		if int(v) < len(t.queues) {
			t.queueSel = v
		}
	case regQueueNum:
		if v > 0 && v <= MaxQueueSize {
			t.queue().Size = uint16(v)
		}
	case regQueueReady:
		t.queue().Ready = v != 0
	case regQueueNotify:
		if int(v) < len(t.queues) {
			t.backend.Notify(int(v))
		}
	case regInterruptAck:
		t.interruptStatus &^= v
	case regStatus:
		if v == 0 {
			t.reset()
		} else {
			t.status = v
		}
	case regQueueDescLow:
		t.setLow(&t.queue().DescTable, v)
	case regQueueDescHigh:
		t.setHigh(&t.queue().DescTable, v)
	case regQueueDriverLow:
		t.setLow(&t.queue().AvailRing, v)
	case regQueueDriverHigh:
		t.setHigh(&t.queue().AvailRing, v)
	case regQueueDeviceLow:
		t.setLow(&t.queue().UsedRing, v)
	case regQueueDeviceHigh:
		t.setHigh(&t.queue().UsedRing, v)
	}

	return nil
}

// QueueState is a virtqueue's checkpoint-visible state.
type QueueState struct {
	Size                            uint16
	Ready                           bool
	DescTable, AvailRing, UsedRing  uint64
	LastAvailIdx                    uint16
}

// State captures q's negotiated geometry and consumer cursor.
func (q *Virtqueue) State() QueueState {
	return QueueState{
		Size: q.Size, Ready: q.Ready,
		DescTable: q.DescTable, AvailRing: q.AvailRing, UsedRing: q.UsedRing,
		LastAvailIdx: q.lastAvailIdx,
	}
}

// Restore replaces q's state with s, for checkpoint restore.
func (q *Virtqueue) Restore(s QueueState) {
	q.Size, q.Ready = s.Size, s.Ready
	q.DescTable, q.AvailRing, q.UsedRing = s.DescTable, s.AvailRing, s.UsedRing
	q.lastAvailIdx = s.LastAvailIdx
}

// TransportState is a device's checkpoint-visible virtio-mmio register
// and queue state.
type TransportState struct {
	DeviceFeaturesSel uint32
	DriverFeatures    [2]uint32
	DriverFeaturesSel uint32
	QueueSel          uint32
	Status            uint32
	InterruptStatus   uint32
	Queues            []QueueState
}

// State captures the full negotiated register state plus every queue.
func (t *Transport) State() TransportState {
	qs := make([]QueueState, len(t.queues))
	for i := range t.queues {
		qs[i] = t.queues[i].State()
	}

	return TransportState{
		DeviceFeaturesSel: t.deviceFeaturesSel,
		DriverFeatures:    t.driverFeatures,
		DriverFeaturesSel: t.driverFeaturesSel,
		QueueSel:          t.queueSel,
		Status:            t.status,
		InterruptStatus:   t.interruptStatus,
		Queues:            qs,
	}
}

// Restore replaces t's register and queue state with s, for checkpoint
// restore. The backend itself is left untouched; callers restore
// device-specific fields separately.
func (t *Transport) Restore(s TransportState) {
	t.deviceFeaturesSel = s.DeviceFeaturesSel
	t.driverFeatures = s.DriverFeatures
	t.driverFeaturesSel = s.DriverFeaturesSel
	t.queueSel = s.QueueSel
	t.status = s.Status
	t.interruptStatus = s.InterruptStatus

	for i := range s.Queues {
		if i < len(t.queues) {
			t.queues[i].Restore(s.Queues[i])
		}
	}
}

func (t *Transport) queue() *Virtqueue { return &t.queues[t.queueSel] }

func (t *Transport) setLow(field *uint64, v uint32) {
	*field = (*field &^ 0xffffffff) | uint64(v)
}

func (t *Transport) setHigh(field *uint64, v uint32) {
	*field = (*field & 0xffffffff) | uint64(v)<<32
}

func (t *Transport) reset() {
	t.status = 0
	t.interruptStatus = 0
	t.queueSel = 0
	t.driverFeatures = [2]uint32{}
	t.driverFeaturesSel = 0
	t.deviceFeaturesSel = 0

	for i := range t.queues {
		t.queues[i] = Virtqueue{}
	}

	t.backend.Reset()
}

func put(data []byte, v uint32) error {
	if len(data) != 4 {
		return fmt.Errorf("mmio: register access must be 4 bytes, got %d", len(data))
	}

	binary.LittleEndian.PutUint32(data, v)

	return nil
}

// putSub writes the len(data) bytes of v starting at byte offset shift
// (0-3, little-endian), for byte/word-granular config-space reads that
// fall inside one 4-byte backend register.
func putSub(data []byte, v uint32, shift uint32) error {
	if shift+uint32(len(data)) > 4 {
		return fmt.Errorf("mmio: config access out of range: shift %d, len %d", shift, len(data))
	}

	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[shift:])

	return nil
}

func get(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)

	return binary.LittleEndian.Uint32(buf[:])
}
