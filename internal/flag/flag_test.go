package flag_test

import (
	"testing"

	"github.com/loks0n/carbon/internal/flag"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	args := []string{
		"-kernel", "kernel_path",
		"-disk", "disk_path",
		"-cmdline", "params",
		"-tap", "tap_if_name",
		"-mac", "02:00:00:00:00:09",
		"-memory", "512M",
	}

	a, err := flag.ParseArgs(args)
	if err != nil {
		t.Fatal(err)
	}

	if a.KVMPath != "/dev/kvm" {
		t.Errorf("KVMPath = %q, want /dev/kvm", a.KVMPath)
	}

	if a.Kernel != "kernel_path" {
		t.Errorf("Kernel = %q, want kernel_path", a.Kernel)
	}

	if a.Disk != "disk_path" {
		t.Errorf("Disk = %q, want disk_path", a.Disk)
	}

	if a.Cmdline != "params" {
		t.Errorf("Cmdline = %q, want params", a.Cmdline)
	}

	if a.TapIf != "tap_if_name" {
		t.Errorf("TapIf = %q, want tap_if_name", a.TapIf)
	}

	if a.MAC != "02:00:00:00:00:09" {
		t.Errorf("MAC = %q, want 02:00:00:00:00:09", a.MAC)
	}

	if a.MemSize != 512<<20 {
		t.Errorf("MemSize = %d, want %d", a.MemSize, 512<<20)
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		unit string
		want int
	}{
		{"1G", "", 1 << 30},
		{"256M", "", 256 << 20},
		{"512k", "", 512 << 10},
		{"1024", "", 1024},
		{"2", "g", 2 << 30},
	}

	for _, c := range cases {
		got, err := flag.ParseSize(c.in, c.unit)
		if err != nil {
			t.Fatalf("ParseSize(%q, %q): %v", c.in, c.unit, err)
		}

		if got != c.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", c.in, c.unit, got, c.want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := flag.ParseSize("g", ""); err == nil {
		t.Fatal("expected an error for a size with no digits")
	}
}
