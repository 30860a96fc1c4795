package kvm_test

import (
	"os"
	"testing"

	"github.com/loks0n/carbon/kvm"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("no /dev/kvm available: %v", err)
	}

	t.Cleanup(func() { f.Close() })

	return f
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	if _, err := kvm.GetAPIVersion(devKVM.Fd()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.CreateVCPU(vmFd, 0); err != nil {
		t.Fatal(err)
	}
}

func TestGetMSRIndexListE2BIGThenFetch(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	list := &kvm.MSRList{}

	err := kvm.GetMSRIndexList(devKVM.Fd(), list)
	if err == nil {
		t.Fatal("expected the first call with NMSRs==0 to report E2BIG")
	}

	if err := kvm.GetMSRIndexList(devKVM.Fd(), list); err != nil {
		t.Fatalf("sized fetch after E2BIG probe: %v", err)
	}

	if list.NMSRs == 0 {
		t.Fatal("expected a non-empty MSR index list from a real host")
	}
}
