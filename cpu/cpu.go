// Package cpu owns the single VCPU: KVM lifecycle, the 64-bit long-mode
// boot loader, and the run loop that dispatches hypervisor exits to the
// serial port and the MMIO device bus.
package cpu

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/loks0n/carbon/internal/carbonerr"
	"github.com/loks0n/carbon/kvm"
	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
	"github.com/loks0n/carbon/serial"
)

// Logger receives one line per dispatched exit when a CPU is constructed
// with trace enabled (the -trace flag).
var Logger = log.New(os.Stderr, "cpu: ", log.LstdFlags)

// ErrUnexpectedExit is returned for any hypervisor exit the core's
// dispatch table does not name.
var ErrUnexpectedExit = kvm.ErrUnexpectedExitReason

// Port I/O the core forwards to the serial device; anything else in
// EXITIO is an UnexpectedExit, per the invariant that Carbon carries no
// legacy-PC device surface (PS/2, CMOS, VGA, PCI config space).
const (
	serialPortLow  = serial.COM1Addr
	serialPortHigh = serial.COM1Addr + 8

	// mmioWindowLow/High bound the virtio device window; any MMIO exit
	// outside it is also an UnexpectedExit.
	mmioWindowLow  = 0xd000_0000
	mmioWindowHigh = 0xd000_3000
)

// CPU owns the KVM vCPU, the guest memory region it executes against, the
// serial port, and the MMIO device bus it dispatches exits to.
type CPU struct {
	kvmFd, vmFd, vcpuFd uintptr
	run                 *kvm.RunData
	runMap              []byte

	mem    *memory.Region
	serial *serial.Serial
	bus    *mmio.Bus
	trace  bool

	stopRequested atomic.Bool
}

// New opens kvmPath, creates a VM and its single vCPU, and allocates a
// memSize-byte guest RAM region as KVM memory slot 0. serial and bus must
// already be constructed; the boot loader (Load) still needs to run
// before Run is called. trace logs every IO/MMIO exit Run dispatches,
// for -trace.
func New(kvmPath string, memSize int, ser *serial.Serial, bus *mmio.Bus, trace bool) (*CPU, error) {
	devKVM, err := unix.Open(kvmPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "open "+kvmPath, err)
	}

	c := &CPU{kvmFd: uintptr(devKVM), serial: ser, bus: bus, trace: trace}

	if c.vmFd, err = kvm.CreateVM(c.kvmFd); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "CreateVM", err)
	}

	if err := kvm.SetTSSAddr(c.vmFd, tssAddr); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "SetTSSAddr", err)
	}

	if err := kvm.SetIdentityMapAddr(c.vmFd, identityMapAddr); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "SetIdentityMapAddr", err)
	}

	if err := kvm.CreateIRQChip(c.vmFd); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "CreateIRQChip", err)
	}

	if err := kvm.CreatePIT2(c.vmFd); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "CreatePIT2", err)
	}

	if c.mem, err = memory.New(c.vmFd, memSize); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "allocate guest memory", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(c.kvmFd)
	if err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "GetVCPUMMapSize", err)
	}

	if c.vcpuFd, err = kvm.CreateVCPU(c.vmFd, 0); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "CreateVCPU", err)
	}

	if err := c.initCPUID(); err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "SetCPUID2", err)
	}

	runMap, err := unix.Mmap(int(c.vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, carbonerr.New(carbonerr.Hypervisor, "mmap kvm_run", err)
	}

	c.run = (*kvm.RunData)(unsafe.Pointer(&runMap[0]))
	c.runMap = runMap

	return c, nil
}

// Close tears down the vCPU, the VM, and /dev/kvm itself, in addition to
// the guest memory region New allocated. It is safe to call only after
// Run has returned.
func (c *CPU) Close() error {
	if err := c.mem.Close(); err != nil {
		return err
	}

	if err := unix.Munmap(c.runMap); err != nil {
		return err
	}

	if err := unix.Close(int(c.vcpuFd)); err != nil {
		return err
	}

	if err := unix.Close(int(c.vmFd)); err != nil {
		return err
	}

	return unix.Close(int(c.kvmFd))
}

// KVMFd exposes the /dev/kvm file descriptor, e.g. for probing the
// host's supported MSR index list before a checkpoint capture.
func (c *CPU) KVMFd() uintptr { return c.kvmFd }

// VCPUFd exposes the vCPU file descriptor for checkpoint state capture.
func (c *CPU) VCPUFd() uintptr { return c.vcpuFd }

// VMFd exposes the VM file descriptor, e.g. for IRQChip/PIT checkpoint capture.
func (c *CPU) VMFd() uintptr { return c.vmFd }

// Memory exposes the guest RAM region for the boot loader and devices.
func (c *CPU) Memory() *memory.Region { return c.mem }

// Stop requests the run loop return at the next exit boundary.
func (c *CPU) Stop() { c.stopRequested.Store(true) }

// Resume clears a previously requested stop, for restore-after-checkpoint.
func (c *CPU) Resume() { c.stopRequested.Store(false) }

// StopRequested reports whether Stop has been called since the last
// Resume, letting a caller that shares the run loop's goroutine (vm.Boot)
// tell a checkpoint pause apart from Run returning on its own.
func (c *CPU) StopRequested() bool { return c.stopRequested.Load() }

// InjectIRQ raises then lowers irq on the in-kernel interrupt controller,
// the edge-triggered pulse virtio devices use to signal a used-ring update.
func (c *CPU) InjectIRQ(irq uint32) error {
	if err := kvm.IRQLine(c.vmFd, irq, 1); err != nil {
		return err
	}

	return kvm.IRQLine(c.vmFd, irq, 0)
}

// Run executes the vCPU until the stop flag is set or the guest shuts
// down, dispatching every exit in between.
func (c *CPU) Run() error {
	for {
		if c.stopRequested.Load() {
			return nil
		}

		runErr := kvm.Run(c.vcpuFd)

		switch c.run.ExitReason {
		case kvm.EXITHLT:
			// In-kernel irqchip means the next Run call blocks until an
			// interrupt or signal wakes it; looping is the wait.
			continue
		case kvm.EXITIO:
			if err := c.dispatchIO(); err != nil {
				return err
			}
		case kvm.EXITMMIO:
			if err := c.dispatchMMIO(); err != nil {
				return err
			}
		case kvm.EXITSHUTDOWN, kvm.EXITFAILENTRY:
			return nil
		case kvm.EXITINTR:
			continue // signal delivered to the run syscall; retry
		default:
			if runErr != nil {
				return carbonerr.New(carbonerr.Hypervisor, "KVM_RUN", runErr)
			}

			return carbonerr.New(carbonerr.Hypervisor, "unexpected exit",
				fmt.Errorf("%w: reason %d", ErrUnexpectedExit, c.run.ExitReason))
		}
	}
}

func (c *CPU) dispatchIO() error {
	direction, size, port, count, offset := c.run.IO()

	if c.trace {
		Logger.Printf("io port=%#x dir=%d size=%d count=%d", port, direction, size, count)
	}

	if port < serialPortLow || port >= serialPortHigh {
		return carbonerr.New(carbonerr.Hypervisor, "unexpected exit",
			fmt.Errorf("%w: io port %#x", ErrUnexpectedExit, port))
	}

	base := uintptr(unsafe.Pointer(c.run)) + uintptr(offset)

	for i := uint64(0); i < count; i++ {
		data := (*(*[8]byte)(unsafe.Pointer(base + uintptr(i*size))))[:size]

		var err error
		if direction == kvm.EXITIOOUT {
			err = c.serial.Out(port, data)
		} else {
			err = c.serial.In(port, data)
		}

		if err != nil {
			return carbonerr.New(carbonerr.Device, "serial io", err)
		}
	}

	return nil
}

func (c *CPU) dispatchMMIO() error {
	phys, length, isWrite, data := c.run.MMIO()

	if c.trace {
		Logger.Printf("mmio addr=%#x write=%v len=%d", phys, isWrite, length)
	}

	if phys < mmioWindowLow || phys >= mmioWindowHigh {
		return carbonerr.New(carbonerr.Hypervisor, "unexpected exit",
			fmt.Errorf("%w: mmio addr %#x", ErrUnexpectedExit, phys))
	}

	dev, err := c.bus.Dispatch(phys, isWrite, data[:length])
	if err != nil {
		return carbonerr.New(carbonerr.Device, "mmio dispatch", err)
	}

	if dev.Transport.InterruptStatus() != 0 {
		if err := c.InjectIRQ(dev.IRQ); err != nil {
			return carbonerr.New(carbonerr.Hypervisor, "InjectIRQ", err)
		}
	}

	return nil
}
