package mmio

import "fmt"

// RegisteredDevice pairs a device's transport with the IRQ the CPU Core
// should inject whenever the device's interrupt status becomes nonzero.
type RegisteredDevice struct {
	Base      uint64
	Transport *Transport
	IRQ       uint32
}

// Bus routes guest MMIO accesses in the virtio device window
// (0xd000_0000-0xd000_2fff) to the transport registered at that base.
type Bus struct {
	devices []RegisteredDevice
}

// NewBus creates an empty MMIO bus.
func NewBus() *Bus { return &Bus{} }

// Register installs a device's transport at a page-aligned base address.
func (b *Bus) Register(base uint64, t *Transport, irq uint32) {
	b.devices = append(b.devices, RegisteredDevice{Base: base, Transport: t, IRQ: irq})
}

// Devices exposes the registered devices, e.g. for checkpoint state capture.
func (b *Bus) Devices() []RegisteredDevice { return b.devices }

// Dispatch routes one MMIO exit to the owning device's transport. It
// returns the device whose interrupt may need injecting (nil if none
// matched), so the CPU Core can decide whether to raise an IRQ.
func (b *Bus) Dispatch(phys uint64, isWrite bool, data []byte) (*RegisteredDevice, error) {
	for i := range b.devices {
		d := &b.devices[i]
		if phys < d.Base || phys >= d.Base+WindowSize {
			continue
		}

		offset := uint32(phys - d.Base)

		if isWrite {
			return d, d.Transport.Write(offset, data)
		}

		return d, d.Transport.Read(offset, data)
	}

	return nil, fmt.Errorf("mmio: no device registered at %#x", phys)
}
