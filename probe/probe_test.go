package probe_test

import (
	"os"
	"testing"

	"github.com/loks0n/carbon/probe"
)

func TestRun(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("no /dev/kvm available: %v", err)
	}

	r, err := probe.Run("/dev/kvm")
	if err != nil {
		t.Fatal(err)
	}

	if r.APIVersion != 12 {
		t.Fatalf("APIVersion = %d, want 12", r.APIVersion)
	}

	if len(r.String()) == 0 {
		t.Fatal("String() produced no output")
	}
}

func TestRunMissingDevice(t *testing.T) {
	t.Parallel()

	if _, err := probe.Run("/nonexistent-kvm-device"); err == nil {
		t.Fatal("expected an error opening a nonexistent device")
	}
}
