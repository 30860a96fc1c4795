// Command carbon boots a single guest as a persistent microVM: one VCPU,
// guest memory, a boot loader, and virtio block/net/vsock devices, with
// checkpoint and restore available over its own control socket for the
// whole of the guest's lifetime.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/loks0n/carbon/internal/carbonerr"
	"github.com/loks0n/carbon/internal/flag"
	"github.com/loks0n/carbon/probe"
	"github.com/loks0n/carbon/vm"
)

// checkpointGrace is how long -checkpoint waits after the vCPU starts
// running before capturing, a stand-in for a real guest-ready signal over
// vsock (the agent isn't part of this module).
const checkpointGrace = 3 * time.Second

func main() {
	args, err := flag.ParseArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	os.Exit(run(args))
}

func run(args flag.Args) int {
	if args.Probe {
		r, err := probe.Run(args.KVMPath)
		if err != nil {
			log.Print(err)

			return carbonerr.ExitCode(carbonerr.New(carbonerr.Hypervisor, "probe", err))
		}

		fmt.Print(r)

		return 0
	}

	v := vm.New(args, args.VMDir)

	if err := v.Init(); err != nil {
		log.Print(err)

		return carbonerr.ExitCode(err)
	}
	defer v.Close()

	if args.Restore != "" {
		if err := v.Restore(args.Restore); err != nil {
			log.Print(err)

			return carbonerr.ExitCode(err)
		}
	} else if err := v.Setup(); err != nil {
		log.Print(err)

		return carbonerr.ExitCode(err)
	}

	go func() {
		if err := v.ServeControl(); err != nil {
			log.Printf("control socket: %v", err)
		}
	}()

	if args.Checkpoint != "" {
		go bakeCheckpoint(v, args.Checkpoint)
	}

	if err := v.Boot(); err != nil {
		log.Print(err)

		return carbonerr.ExitCode(err)
	}

	return 0
}

// bakeCheckpoint waits for the guest to have had a chance to boot, then
// takes the named checkpoint and shuts the VM down, for -checkpoint's
// "capture a baseline and exit" use.
func bakeCheckpoint(v *vm.VM, name string) {
	time.Sleep(checkpointGrace)

	if err := v.Checkpoint(name); err != nil {
		log.Printf("checkpoint %s: %v", name, err)
	}

	v.Shutdown()
}
