package checkpoint_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/loks0n/carbon/checkpoint"
	"github.com/loks0n/carbon/kvm"
	"github.com/loks0n/carbon/serial"
)

func makeSnapshot() *checkpoint.Snapshot {
	return &checkpoint.Snapshot{
		MemSize: 1 << 25,
		VCPU: checkpoint.VCPUState{
			Regs:    kvm.Regs{RAX: 1, RIP: 0x100100},
			Sregs:   kvm.Sregs{CR0: 0x80000001},
			MSRs:    []kvm.MSREntry{{Index: 0x174, Data: 8}},
			MPState: kvm.MPState{State: 0},
		},
		VM: checkpoint.VMState{
			Clock: kvm.ClockData{Clock: 123456},
		},
		Devices: checkpoint.DeviceState{
			Serial: serial.State{IER: 0x0f, LCR: 0x03},
		},
	}
}

func TestEncodeDecodeSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()

	var buf bytes.Buffer
	if err := checkpoint.EncodeSnapshot(&buf, snap); err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	got, err := checkpoint.DecodeSnapshot(&buf)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

func TestDecodeSnapshotRejectsBadMagic(t *testing.T) {
	t.Parallel()

	_, err := checkpoint.DecodeSnapshot(bytes.NewReader([]byte("XXXX\x00\x00\x00\x01")))
	if !errors.Is(err, checkpoint.ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeSnapshotRejectsFutureVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := checkpoint.EncodeSnapshot(&buf, makeSnapshot()); err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	encoded := buf.Bytes()
	encoded[7] = 0xff // bump the low byte of the big-endian version field

	_, err := checkpoint.DecodeSnapshot(bytes.NewReader(encoded))
	if !errors.Is(err, checkpoint.ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}
