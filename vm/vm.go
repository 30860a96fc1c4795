// Package vm owns a Carbon VM's whole lifecycle: opening the hypervisor
// and guest memory, wiring the MMIO bus and its three virtio devices,
// loading a kernel, running the vCPU, and tearing everything back down —
// the role vmm.VMM's Init/Setup/Boot fills, generalized past a single
// boot to also support checkpoint, restore, and a pause mid-run.
package vm

import (
	"fmt"
	"net"
	"os"

	"github.com/loks0n/carbon/control"
	"github.com/loks0n/carbon/cpu"
	"github.com/loks0n/carbon/internal/carbonerr"
	"github.com/loks0n/carbon/internal/flag"
	"github.com/loks0n/carbon/mmio"
	"github.com/loks0n/carbon/serial"
	"github.com/loks0n/carbon/tap"
	"github.com/loks0n/carbon/virtio"
)

// MMIO bases and IRQ lines, per the device layout Carbon's CPU Core
// dispatch table and bus registration agree on.
const (
	blkBase   = 0xd000_0000
	vsockBase = 0xd000_1000
	netBase   = 0xd000_2000

	blkIRQ   = 5
	vsockIRQ = 6
	netIRQ   = 9
)

// VM holds every host-side resource a running Carbon guest needs: the
// vCPU core, the MMIO bus and its devices, and the control-channel
// plumbing layered on top of the vsock device.
type VM struct {
	args flag.Args
	dir  string

	serial *serial.Serial
	bus    *mmio.Bus
	cpu    *cpu.CPU

	blk   *virtio.Blk
	net   *virtio.Net
	vsock *virtio.Vsock
	tap   *tap.Tap

	guestClient *control.Client
	controlLn   net.Listener

	checkpointReq chan checkpointRequest

	// restoreStop tears down the lazy-restore userfaultfd handler set up
	// by Restore, if any. Nil when the VM booted fresh instead.
	restoreStop func()
}

// New returns a VM configured by args; call Init before anything else.
// dir is the VM's own directory (<vm>/ in the checkpoint layout), used
// for checkpoints and the control socket.
func New(args flag.Args, dir string) *VM {
	return &VM{args: args, dir: dir, checkpointReq: make(chan checkpointRequest)}
}

// Init opens the hypervisor, allocates guest memory, and constructs the
// MMIO bus and every device the configuration calls for: vsock always
// (it is the control channel), block if -disk is set, net if -tap is
// set.
func (v *VM) Init() error {
	v.serial = serial.New(os.Stdout)
	v.bus = mmio.NewBus()

	c, err := cpu.New(v.args.KVMPath, v.args.MemSize, v.serial, v.bus, v.args.Trace)
	if err != nil {
		return err
	}

	v.cpu = c

	v.vsock = virtio.NewVsock(vsockIRQ, v.cpu, v.cpu.Memory())
	v.bus.Register(vsockBase, v.vsock.Transport(), vsockIRQ)
	v.guestClient = control.NewClient(v.vsock)

	if v.args.Disk != "" {
		blk, err := virtio.NewBlk(v.args.Disk, v.cpu.Memory())
		if err != nil {
			return carbonerr.New(carbonerr.Configuration, "attach disk", err)
		}

		v.blk = blk
		v.bus.Register(blkBase, blk.Transport(), blkIRQ)
	}

	if v.args.TapIf != "" {
		mac, err := net.ParseMAC(v.args.MAC)
		if err != nil || len(mac) != 6 {
			return carbonerr.New(carbonerr.Configuration, "parse -mac", fmt.Errorf("%q is not a 6-byte MAC address", v.args.MAC))
		}

		tp, err := tap.New(v.args.TapIf)
		if err != nil {
			return carbonerr.New(carbonerr.Configuration, "attach tap", err)
		}

		v.tap = tp

		var macArr [6]byte
		copy(macArr[:], mac)

		v.net = virtio.NewNet(macArr, netIRQ, v.cpu, tp, v.cpu.Memory())
		v.bus.Register(netBase, v.net.Transport(), netIRQ)
	}

	return nil
}

// Setup loads a kernel image and command line into guest memory and
// programs the vCPU's initial register state. Skip this and call Restore
// instead to resume from a checkpoint.
func (v *VM) Setup() error {
	if err := v.cpu.Load(v.args.Kernel, v.args.Cmdline); err != nil {
		return carbonerr.New(carbonerr.Configuration, "load kernel", err)
	}

	return nil
}

// Boot runs the vCPU until the guest shuts down or Shutdown is called,
// pausing to service any Checkpoint request in between. It starts the
// net device's receive goroutine first, if networking is configured.
func (v *VM) Boot() error {
	if v.net != nil {
		go v.net.RXLoop()
	}

	for {
		if err := v.cpu.Run(); err != nil {
			return err
		}

		if !v.cpu.StopRequested() {
			return nil // guest-initiated shutdown (EXITSHUTDOWN/EXITFAILENTRY)
		}

		req := <-v.checkpointReq
		req.done <- v.doCheckpoint(req.name)

		if req.shutdown {
			return nil
		}

		v.cpu.Resume()
	}
}

// Shutdown requests Boot's run loop stop and return at its next
// boundary, without taking a checkpoint first.
func (v *VM) Shutdown() {
	v.cpu.Stop()

	req := checkpointRequest{shutdown: true, done: make(chan error, 1)}
	// A bare Stop with no checkpoint still needs to satisfy Boot's
	// blocking receive; doCheckpoint treats an empty name as a no-op.
	v.checkpointReq <- req
	<-req.done
}

// Close releases every resource Init opened. Call it only after Boot has
// returned.
func (v *VM) Close() error {
	var firstErr error

	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v.controlLn != nil {
		note(v.controlLn.Close())
	}

	if v.restoreStop != nil {
		v.restoreStop()
	}

	note(v.vsock.Close())

	if v.blk != nil {
		note(v.blk.Close())
	}

	if v.tap != nil {
		note(v.tap.Close())
	}

	note(v.cpu.Close())

	return firstErr
}
