// Package flag parses Carbon's command-line surface: flat flags plus the
// size-suffix convention the teacher's CLI established.
package flag

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, unit is used instead. The number can be any
// base strconv.ParseUint accepts.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}

// Args is every flag Carbon's CLI accepts, parsed by ParseArgs.
type Args struct {
	KVMPath    string
	Kernel     string
	Disk       string
	Cmdline    string
	TapIf      string
	MAC        string
	MemSize    int
	Trace      bool
	Checkpoint string
	Restore    string
	VMDir      string
	Probe      bool
}

// ParseArgs parses args (excluding the program name at args[0]) into an
// Args, mirroring the teacher's flat flag.StringVar layout extended with
// the disk, cmdline, tap, and checkpoint/restore surface Carbon adds on
// top of it. There is no -cpus flag: Carbon's VM invariant is exactly
// one VCPU.
func ParseArgs(args []string) (Args, error) {
	fs := flag.NewFlagSet("carbon", flag.ContinueOnError)

	var a Args

	fs.StringVar(&a.KVMPath, "kvm", "/dev/kvm", "path of the KVM device")
	fs.StringVar(&a.Kernel, "kernel", "./bzImage", "kernel image path")
	fs.StringVar(&a.Disk, "disk", "", "path of the root disk image (virtio-blk)")
	fs.StringVar(&a.Cmdline, "cmdline", "console=ttyS0 reboot=k panic=1 pci=off",
		"kernel command-line parameters")
	fs.StringVar(&a.TapIf, "tap", "", "name of the host TAP interface (virtio-net); empty disables networking")
	fs.StringVar(&a.MAC, "mac", "02:00:00:00:00:01", "guest MAC address for virtio-net")
	fs.BoolVar(&a.Trace, "trace", false, "log every device MMIO/IO dispatch")
	fs.BoolVar(&a.Probe, "probe", false, "print host KVM capability diagnostics and exit, without starting a VM")
	fs.StringVar(&a.Checkpoint, "checkpoint", "", "take a checkpoint under this name once booted, then exit")
	fs.StringVar(&a.Restore, "restore", "", "restore from the named checkpoint instead of booting a fresh kernel")
	fs.StringVar(&a.VMDir, "dir", ".", "VM state directory: checkpoints/ and control.sock live here")

	msize := fs.String("memory", "256M", "memory size: number[gGmMkK], defaults to bytes")

	if err := fs.Parse(args); err != nil {
		return Args{}, err
	}

	memSize, err := ParseSize(*msize, "")
	if err != nil {
		return Args{}, fmt.Errorf("-memory: %w", err)
	}

	a.MemSize = memSize

	return a, nil
}
