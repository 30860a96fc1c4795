// Package virtio implements the three device models Carbon exposes over
// virtio-mmio: block, network, and vsock. Each embeds a *mmio.Transport
// and implements mmio.Backend to plug into the shared register handling.
package virtio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
)

const (
	blkDeviceID = 2
	sectorSize  = 512

	blkFSizeMax  = 1 << 1
	blkFSegMax   = 1 << 2
	blkFBlkSize  = 1 << 6
	blkFFlush    = 1 << 9
	featVersion1 = 1 << 0 // high word bit 0 == feature bit 32

	blkSizeMaxBytes = 1024 * 1024
	blkSegMax       = 128

	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4

	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2

	cfgCapacity = 0x00
	cfgSizeMax  = 0x08
	cfgSegMax   = 0x0c
	cfgBlkSize  = 0x14
)

// Blk is a virtio-blk device backed by a raw disk image file. Requests are
// processed synchronously on whichever goroutine calls Notify (the VCPU
// thread, per the exit-dispatch loop in cpu.Run).
type Blk struct {
	mu        sync.Mutex
	disk      *os.File
	sectors   uint64
	transport *mmio.Transport
	mem       *memory.Region
}

// NewBlk opens diskPath read-write and sizes the device's advertised
// capacity from the file's current length.
func NewBlk(diskPath string, mem *memory.Region) (*Blk, error) {
	f, err := os.OpenFile(diskPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: open disk %s: %w", diskPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("virtio: stat disk %s: %w", diskPath, err)
	}

	b := &Blk{disk: f, sectors: uint64(info.Size()) / sectorSize, mem: mem}
	b.transport = mmio.NewTransport(b)

	return b, nil
}

// Transport exposes the shared virtio-mmio register handling for bus registration.
func (b *Blk) Transport() *mmio.Transport { return b.transport }

// Close flushes and releases the backing disk file.
func (b *Blk) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.disk.Sync()

	return b.disk.Close()
}

// Sync flushes in-flight writes to the backing file without closing it,
// so a checkpoint's reflink clone of diskPath sees every write the guest
// believes has completed.
func (b *Blk) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.disk.Sync()
}

func (b *Blk) DeviceID() uint32 { return blkDeviceID }

func (b *Blk) Features() (lo, hi uint32) {
	return blkFSizeMax | blkFSegMax | blkFBlkSize | blkFFlush, featVersion1
}

func (b *Blk) NumQueues() int { return 1 }

func (b *Blk) QueueNumMax(int) uint16 { return mmio.MaxQueueSize }

func (b *Blk) ReadConfig(offset uint32) uint32 {
	switch offset {
	case cfgCapacity:
		return uint32(b.sectors)
	case cfgCapacity + 4:
		return uint32(b.sectors >> 32)
	case cfgSizeMax:
		return blkSizeMaxBytes
	case cfgSegMax:
		return blkSegMax
	case cfgBlkSize:
		return sectorSize
	default:
		return 0
	}
}

func (b *Blk) WriteConfig(uint32, uint32) {} // capacity and geometry are read-only

func (b *Blk) Reset() {}

// Notify drains every pending request on queue idx (blk exposes only queue 0).
func (b *Blk) Notify(idx int) {
	if idx != 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.transport.Queue(0)

	for q.HasPending(b.mem) {
		head, ok, err := q.PopAvail(b.mem)
		if err != nil || !ok {
			return
		}

		written := b.processRequest(head)

		if err := q.PushUsed(b.mem, head, written); err != nil {
			return
		}

		b.transport.RaiseVringInterrupt()
	}
}

// processRequest walks the descriptor chain for one request: a 16-byte
// header, zero or more data buffers, and a 1-byte device-writable status.
func (b *Blk) processRequest(head uint16) uint32 {
	chain, err := b.transport.Queue(0).Chain(b.mem, head)
	if err != nil || len(chain) < 2 {
		return 0
	}

	header := make([]byte, 16)
	if err := b.mem.Read(chain[0].Addr, header); err != nil {
		return 0
	}

	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	statusDesc := chain[len(chain)-1]
	if statusDesc.Flags&mmio.DescFWrite == 0 {
		return 0
	}

	dataDescs := chain[1 : len(chain)-1]

	var written uint32

	var status byte
	switch reqType {
	case blkTIn:
		status = b.handleRead(sector, dataDescs, &written)
	case blkTOut:
		status = b.handleWrite(sector, dataDescs)
	case blkTFlush:
		status = b.handleFlush()
	default:
		status = blkSUnsupp
	}

	if err := b.mem.WriteByte(statusDesc.Addr, status); err != nil {
		return written
	}

	return written + 1
}

func (b *Blk) handleRead(sector uint64, descs []mmio.Desc, written *uint32) byte {
	for _, d := range descs {
		if d.Flags&mmio.DescFWrite == 0 {
			continue
		}

		buf := make([]byte, d.Len)
		if _, err := b.disk.ReadAt(buf, int64(sector*sectorSize)); err != nil {
			return blkSIOErr
		}

		if err := b.mem.Write(d.Addr, buf); err != nil {
			return blkSIOErr
		}

		*written += d.Len
		sector += uint64(d.Len) / sectorSize
	}

	return blkSOK
}

func (b *Blk) handleWrite(sector uint64, descs []mmio.Desc) byte {
	for _, d := range descs {
		if d.Flags&mmio.DescFWrite != 0 {
			continue
		}

		buf := make([]byte, d.Len)
		if err := b.mem.Read(d.Addr, buf); err != nil {
			return blkSIOErr
		}

		if _, err := b.disk.WriteAt(buf, int64(sector*sectorSize)); err != nil {
			return blkSIOErr
		}

		sector += uint64(d.Len) / sectorSize
	}

	return blkSOK
}

func (b *Blk) handleFlush() byte {
	if err := b.disk.Sync(); err != nil {
		return blkSIOErr
	}

	return blkSOK
}
