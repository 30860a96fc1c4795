package memory

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// userfaultfd ioctls, from linux/userfaultfd.h. Carbon registers its own
// region against its own fd in-process, so unlike a VMM/guest-agent split
// there is no SCM_RIGHTS handoff: RegisterLazy both creates the fd and
// owns the fault-servicing goroutine.
const (
	uffdioAPI       = 0xc018aa3f
	uffdioRegister  = 0xc020aa00
	uffdioUnregister = 0x8010aa01
	uffdioCopy      = 0xc028aa03
	uffdioZeropage  = 0xc020aa04

	uffdRegisterModeMissing = 1 << 0

	uffdEventPagefault = 0x12

	uffdMsgSize = 32

	// lazyChunk is the alignment used for UFFDIO_COPY responses: large
	// enough to amortize the ioctl count, small enough to keep fault
	// latency low for the vCPU thread waiting on it.
	lazyChunk = 2 * 1024 * 1024
)

type uffdioAPIArg struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegisterArg struct {
	Range  uffdRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopyArg struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropageArg struct {
	Range    uffdRange
	Mode     uint64
	Zeropage int64
}

// RestoreSource supplies a restored region's bytes on demand: ChunkAt
// returns the lazyChunk-sized (or shorter, at the tail) slice covering a
// given region-relative offset. Its backing storage is typically a
// read-only mmap of a checkpoint's memory.raw, which already reads zero
// for holes left by the sparse dump.
type RestoreSource interface {
	ChunkAt(offset uint64) ([]byte, error)
}

// uffdHandler serves lazy page faults for one Region from a RestoreSource
// after a checkpoint restore, so the VM can resume before the whole
// memory.raw has been read back in.
type uffdHandler struct {
	fd     int
	base   uint64
	size   uint64
	src    RestoreSource
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	populated map[uint64]struct{}
}

// RegisterLazy opens a userfaultfd, registers r's full extent against it,
// and starts a single goroutine that answers page faults, in the order
// they are read, with UFFDIO_COPY chunks pulled from src. Call Stop on the returned handler once every
// vCPU has run past the regions it cares about (or at VM shutdown).
func RegisterLazy(r *Region, src RestoreSource) (*uffdHandler, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("memory: userfaultfd: %w", errno)
	}

	api := uffdioAPIArg{API: 0xAA}
	if err := ioctl(int(fd), uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("memory: UFFDIO_API: %w", err)
	}

	base := r.hostAddr()
	reg := uffdioRegisterArg{
		Range: uffdRange{Start: base, Len: uint64(r.Size())},
		Mode:  uffdRegisterModeMissing,
	}
	if err := ioctl(int(fd), uffdioRegister, unsafe.Pointer(&reg)); err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("memory: UFFDIO_REGISTER: %w", err)
	}

	h := &uffdHandler{
		fd:        int(fd),
		base:      base,
		size:      uint64(r.Size()),
		src:       src,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		populated: make(map[uint64]struct{}),
	}

	go h.run()

	return h, nil
}

// Stop unregisters the region and closes the fd; any vCPU faulting after
// this point will see the page KVM already has (RAM left over from
// whatever UFFDIO_COPY already populated there).
func (h *uffdHandler) Stop() {
	close(h.stopCh)
	<-h.doneCh
	unix.Close(h.fd)
}

func (h *uffdHandler) run() {
	defer close(h.doneCh)

	var buf [uffdMsgSize * 16]byte

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}

		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return
		}

		if n == 0 {
			continue
		}

		nr, err := unix.Read(h.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}

			return
		}

		for i := 0; i < nr/uffdMsgSize; i++ {
			msg := buf[i*uffdMsgSize : (i+1)*uffdMsgSize]
			if msg[0] != uffdEventPagefault {
				continue
			}

			faultAddr := *(*uint64)(unsafe.Pointer(&msg[16]))
			h.serve(faultAddr)
		}
	}
}

func (h *uffdHandler) serve(faultAddr uint64) {
	if faultAddr < h.base || faultAddr >= h.base+h.size {
		return
	}

	offset := faultAddr - h.base
	chunkStart := (offset / lazyChunk) * lazyChunk

	h.mu.Lock()
	if _, ok := h.populated[chunkStart]; ok {
		h.mu.Unlock()

		return
	}
	h.populated[chunkStart] = struct{}{}
	h.mu.Unlock()

	data, err := h.src.ChunkAt(chunkStart)
	if err != nil || len(data) == 0 {
		h.zero(h.base + chunkStart, lazyChunk)

		return
	}

	cp := uffdioCopyArg{
		Dst: h.base + chunkStart,
		Src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len: uint64(len(data)),
	}
	_ = ioctl(h.fd, uffdioCopy, unsafe.Pointer(&cp))
}

func (h *uffdHandler) zero(addr, length uint64) {
	zp := uffdioZeropageArg{Range: uffdRange{Start: addr, Len: length}}
	_ = ioctl(h.fd, uffdioZeropage, unsafe.Pointer(&zp))
}

func ioctl(fd int, op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

// MmapSource is a RestoreSource backed by a read-only mmap of a
// checkpoint's memory.raw; reading a hole left by the sparse dump returns
// zeroed bytes, same as the original region before the dump.
type MmapSource struct {
	data []byte
}

// OpenMmapSource mmaps path read-only for lazy restore chunk lookups.
func OpenMmapSource(path string, size int) (*MmapSource, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: mmap restore source: %w", err)
	}

	return &MmapSource{data: data}, func() error { return unix.Munmap(data) }, nil
}

func (s *MmapSource) ChunkAt(offset uint64) ([]byte, error) {
	end := offset + lazyChunk
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}

	if offset >= end {
		return nil, nil
	}

	return s.data[offset:end], nil
}
