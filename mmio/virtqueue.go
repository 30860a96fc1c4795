// Package mmio implements the split-virtqueue transport shared by every
// virtio device: the descriptor table/available ring/used ring triple in
// guest memory, and the virtio-mmio v2 register window through which the
// guest negotiates and kicks a queue.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/loks0n/carbon/memory"
)

// MaxQueueSize bounds the queue size Carbon advertises via QueueNumMax.
const MaxQueueSize = 128

// descSize is the on-the-wire size of one virtq_desc entry.
const descSize = 16

const (
	DescFNext  uint16 = 1
	DescFWrite uint16 = 2
)

// ErrMalformedQueue is returned when a descriptor chain is longer than
// the queue size, which can only happen if a chain cycles back on itself.
var ErrMalformedQueue = errors.New("mmio: malformed descriptor chain")

// Desc is one descriptor-table entry (virtq_desc, 16 bytes on the wire).
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Virtqueue is one split virtqueue: the guest-physical addresses of its
// three rings plus the negotiated size, read and written directly out of
// guest memory on every operation (there is no host-side shadow copy).
type Virtqueue struct {
	Size      uint16
	Ready     bool
	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	lastAvailIdx uint16
}

// HasPending reports whether the guest has queued a descriptor chain the
// device has not yet consumed.
func (q *Virtqueue) HasPending(mem *memory.Region) bool {
	if !q.Ready || q.Size == 0 {
		return false
	}

	idx, err := mem.Read32(q.AvailRing + 2)
	if err != nil {
		return false
	}

	return uint16(idx) != q.lastAvailIdx
}

// PopAvail returns the descriptor-chain head index from the next unread
// available-ring slot, advancing the queue's internal cursor.
func (q *Virtqueue) PopAvail(mem *memory.Region) (uint16, bool, error) {
	if !q.Ready || q.Size == 0 {
		return 0, false, nil
	}

	availIdx, err := mem.Read16(q.AvailRing + 2)
	if err != nil {
		return 0, false, err
	}

	if availIdx == q.lastAvailIdx {
		return 0, false, nil
	}

	ringOffset := uint64(4) + uint64(q.lastAvailIdx%q.Size)*2

	descIdx, err := mem.Read16(q.AvailRing + ringOffset)
	if err != nil {
		return 0, false, err
	}

	q.lastAvailIdx++

	return descIdx, true, nil
}

// PushUsed writes (descIdx, len) into the next used-ring slot and bumps
// the used index. Callers must inject the device's interrupt afterward;
// this only performs the guest-memory-visible half of the release.
func (q *Virtqueue) PushUsed(mem *memory.Region, descIdx uint16, length uint32) error {
	usedIdx, err := mem.Read16(q.UsedRing + 2)
	if err != nil {
		return err
	}

	elemAddr := q.UsedRing + 4 + uint64(usedIdx%q.Size)*8
	if err := mem.Write32(elemAddr, uint32(descIdx)); err != nil {
		return err
	}

	if err := mem.Write32(elemAddr+4, length); err != nil {
		return err
	}

	return mem.Write16(q.UsedRing+2, usedIdx+1)
}

// ReadDesc reads descriptor idx from the descriptor table.
func (q *Virtqueue) ReadDesc(mem *memory.Region, idx uint16) (Desc, error) {
	if idx >= q.Size {
		return Desc{}, fmt.Errorf("mmio: descriptor index %d out of range (size %d)", idx, q.Size)
	}

	addr := q.DescTable + uint64(idx)*descSize

	buf := make([]byte, descSize)
	if err := mem.Read(addr, buf); err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Chain walks a descriptor chain starting at head, bounding traversal at
// q.Size hops so a cyclic `next` chain cannot loop forever.
func (q *Virtqueue) Chain(mem *memory.Region, head uint16) ([]Desc, error) {
	var chain []Desc

	idx := head
	for hops := 0; ; hops++ {
		if hops >= int(q.Size) {
			return nil, ErrMalformedQueue
		}

		d, err := q.ReadDesc(mem, idx)
		if err != nil {
			return nil, err
		}

		chain = append(chain, d)

		if d.Flags&DescFNext == 0 {
			break
		}

		idx = d.Next
	}

	return chain, nil
}
