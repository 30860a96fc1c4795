// Package tap opens a Linux TAP interface backing the virtio-net device:
// guest transmit writes go straight to the file descriptor, and a
// dedicated receive thread blocks reading frames off it.
package tap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

// Tap is an open host TAP network interface in IFF_TAP|IFF_NO_PI mode: raw
// Ethernet frames in and out, no packet-info header.
type Tap struct {
	fd int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func ioctl(fd int, op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

// New opens /dev/net/tun and attaches it to the named TAP interface,
// creating it if it does not already exist (requires CAP_NET_ADMIN).
func New(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&ifr)); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, err)
	}

	return &Tap{fd: fd}, nil
}

// Close releases the TAP file descriptor.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}

// Write sends one Ethernet frame out the TAP interface, the transmit path
// for the virtio-net device's TX queue.
func (t *Tap) Write(frame []byte) (int, error) {
	return unix.Write(t.fd, frame)
}

// Read blocks until one Ethernet frame is available and returns it; the
// virtio-net RX thread's only call.
func (t *Tap) Read(buf []byte) (int, error) {
	return unix.Read(t.fd, buf)
}
