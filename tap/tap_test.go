package tap

import (
	"errors"
	"os/exec"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNew(t *testing.T) { //nolint:paralleltest
	tp, err := New("carbon_test0")
	if err != nil {
		t.Fatal(err)
	}

	if err := tp.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWrite(t *testing.T) { //nolint:paralleltest
	tp, err := New("carbon_test1")
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	if err := exec.Command("ip", "link", "set", "carbon_test1", "up").Run(); err != nil {
		t.Fatal(err)
	}

	if _, err := tp.Write(make([]byte, 20)); err != nil {
		t.Fatal(err)
	}
}

func TestReadReturnsEAGAINWithoutTraffic(t *testing.T) { //nolint:paralleltest
	tp, err := New("carbon_test2")
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	if err := unix.SetNonblock(tp.fd, true); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 20)
	if _, err := tp.Read(buf); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("Read = %v, want EAGAIN", err)
	}
}
