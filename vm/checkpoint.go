package vm

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/loks0n/carbon/checkpoint"
	"github.com/loks0n/carbon/internal/carbonerr"
	"github.com/loks0n/carbon/kvm"
	"github.com/loks0n/carbon/memory"
)

// checkpointRequest is how Checkpoint and Shutdown hand a paused Boot
// loop something to do before it decides whether to Resume or return.
// An empty name with shutdown set is a bare stop with no capture.
type checkpointRequest struct {
	name     string
	shutdown bool
	done     chan error
}

// Checkpoint pauses the vCPU and takes a named checkpoint under the VM's
// own directory, then resumes. It is safe to call while Boot is running
// in another goroutine — that is the only case it is meant for.
func (v *VM) Checkpoint(name string) error {
	v.cpu.Stop()

	req := checkpointRequest{name: name, done: make(chan error, 1)}
	v.checkpointReq <- req

	return <-req.done
}

// doCheckpoint runs on Boot's own goroutine once the vCPU has actually
// stopped, so every capture below sees a quiescent machine.
func (v *VM) doCheckpoint(name string) error {
	if name == "" {
		return nil
	}

	if v.net != nil {
		v.net.SetPaused(true)
		defer v.net.SetPaused(false)
	}

	if v.blk != nil {
		if err := v.blk.Sync(); err != nil {
			return carbonerr.New(carbonerr.Checkpoint, "sync disk", err)
		}
	}

	msrIndices, err := msrIndexList(v.cpu.KVMFd())
	if err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "list MSRs", err)
	}

	vcpuState, err := checkpoint.CaptureVCPU(v.cpu.VCPUFd(), msrIndices)
	if err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "capture vcpu", err)
	}

	vmState, err := checkpoint.CaptureVM(v.cpu.VMFd())
	if err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "capture vm", err)
	}

	devices := checkpoint.DeviceState{Serial: v.serial.State()}

	if v.blk != nil {
		blkState := v.blk.Transport().State()
		devices.Blk = &blkState
	}

	if v.net != nil {
		devices.Net = &checkpoint.NetDeviceState{
			Transport: v.net.Transport().State(),
			Net:       v.net.State(),
		}
	}

	devices.Vsock = &checkpoint.VsockDeviceState{
		Transport: v.vsock.Transport().State(),
		Vsock:     v.vsock.State(),
	}

	snap := &checkpoint.Snapshot{
		MemSize: v.cpu.Memory().Size(),
		VCPU:    vcpuState,
		VM:      vmState,
		Devices: devices,
	}

	if err := checkpoint.Save(v.dir, name, snap, v.args.Disk, v.cpu.Memory()); err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "save checkpoint", err)
	}

	return nil
}

// Restore replaces Setup for resuming a VM from a named checkpoint: it
// clones the checkpoint's disk image over the live one, registers guest
// memory for demand-paged restore instead of reading the whole image back
// up front, and restores every captured register and device state. Call it
// after Init and before Boot, never after.
//
// Memory is restored lazily: the region is uncommitted, registered against
// a userfaultfd, and a single goroutine fills pages from the checkpoint's
// memory.raw (mmapped read-only) as the vCPU faults on them, so Boot can
// start running well before the whole image has been paged back in.
func (v *VM) Restore(name string) error {
	ck, err := checkpoint.Load(v.dir, name)
	if err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "load checkpoint", err)
	}

	if v.args.Disk != "" {
		if err := checkpoint.CloneFile(ck.DiskPath, v.args.Disk); err != nil {
			return carbonerr.New(carbonerr.Checkpoint, "restore disk", err)
		}
	}

	if err := v.registerLazyMemory(ck.MemoryPath); err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "restore memory", err)
	}

	if err := checkpoint.RestoreVCPU(v.cpu.VCPUFd(), ck.Snapshot.VCPU); err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "restore vcpu", err)
	}

	if err := checkpoint.RestoreVM(v.cpu.VMFd(), ck.Snapshot.VM); err != nil {
		return carbonerr.New(carbonerr.Checkpoint, "restore vm", err)
	}

	v.serial.Restore(ck.Snapshot.Devices.Serial)

	if v.blk != nil && ck.Snapshot.Devices.Blk != nil {
		v.blk.Transport().Restore(*ck.Snapshot.Devices.Blk)
	}

	if v.net != nil && ck.Snapshot.Devices.Net != nil {
		v.net.Transport().Restore(ck.Snapshot.Devices.Net.Transport)
		v.net.Restore(ck.Snapshot.Devices.Net.Net)
	}

	if ck.Snapshot.Devices.Vsock != nil {
		v.vsock.Transport().Restore(ck.Snapshot.Devices.Vsock.Transport)
		v.vsock.Restore(ck.Snapshot.Devices.Vsock.Vsock)
	}

	v.cpu.Resume()

	return nil
}

// registerLazyMemory drops the region's already-resident pages (left over
// from New's poison fill), mmaps memoryPath as a read-only restore source,
// and registers the region against a userfaultfd so every first touch of a
// guest page faults in its checkpointed content on demand. The handler and
// the source mapping are torn down together by Close.
func (v *VM) registerLazyMemory(memoryPath string) error {
	mem := v.cpu.Memory()

	if err := mem.Uncommit(); err != nil {
		return fmt.Errorf("uncommit guest memory: %w", err)
	}

	src, closeSrc, err := memory.OpenMmapSource(memoryPath, mem.Size())
	if err != nil {
		return fmt.Errorf("open restore source: %w", err)
	}

	handler, err := memory.RegisterLazy(mem, src)
	if err != nil {
		_ = closeSrc()

		return fmt.Errorf("register userfaultfd: %w", err)
	}

	v.restoreStop = func() {
		handler.Stop()
		_ = closeSrc()
	}

	return nil
}

// msrIndexList probes the host's supported MSR index set with the
// two-call pattern machine/state.go's own msrIndexList uses: the first
// call's E2BIG tells us how many entries to size the second call for.
func msrIndexList(kvmFd uintptr) ([]uint32, error) {
	list := &kvm.MSRList{}

	if err := kvm.GetMSRIndexList(kvmFd, list); err != nil && !errors.Is(err, syscall.E2BIG) {
		return nil, fmt.Errorf("vm: GetMSRIndexList probe: %w", err)
	}

	if err := kvm.GetMSRIndexList(kvmFd, list); err != nil {
		return nil, fmt.Errorf("vm: GetMSRIndexList fetch: %w", err)
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indicies[:list.NMSRs])

	return indices, nil
}
