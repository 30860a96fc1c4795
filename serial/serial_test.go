package serial

import (
	"bytes"
	"testing"
)

func TestTHRWriteFlushesToWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := New(&buf)

	if err := s.Out(COM1Addr+regData, []byte{'A'}); err != nil {
		t.Fatalf("Out: %v", err)
	}

	if got := buf.String(); got != "A" {
		t.Fatalf("got %q, want %q", got, "A")
	}
}

func TestLineStatusReportsTransmitterEmpty(t *testing.T) {
	t.Parallel()

	s := New(&bytes.Buffer{})

	data := make([]byte, 1)
	if err := s.In(COM1Addr+regLSR, data); err != nil {
		t.Fatalf("In: %v", err)
	}

	if data[0] != lsrEmpty {
		t.Fatalf("LSR = %#x, want %#x", data[0], lsrEmpty)
	}
}

func TestScratchRegisterEchoesLastWrite(t *testing.T) {
	t.Parallel()

	s := New(&bytes.Buffer{})

	if err := s.Out(COM1Addr+regScratch, []byte{0x42}); err != nil {
		t.Fatalf("Out: %v", err)
	}

	data := make([]byte, 1)
	if err := s.In(COM1Addr+regScratch, data); err != nil {
		t.Fatalf("In: %v", err)
	}

	if data[0] != 0x42 {
		t.Fatalf("scratch = %#x, want 0x42", data[0])
	}
}

func TestInterruptIdentificationIsAlwaysNone(t *testing.T) {
	t.Parallel()

	s := New(&bytes.Buffer{})

	data := make([]byte, 1)
	if err := s.In(COM1Addr+regIIR, data); err != nil {
		t.Fatalf("In: %v", err)
	}

	if data[0] != iirNoInterrupt {
		t.Fatalf("IIR = %#x, want %#x", data[0], iirNoInterrupt)
	}
}

func TestReceiveRegisterAlwaysEmpty(t *testing.T) {
	t.Parallel()

	s := New(&bytes.Buffer{})

	data := make([]byte, 1)
	if err := s.In(COM1Addr+regData, data); err != nil {
		t.Fatalf("In: %v", err)
	}

	if data[0] != 0 {
		t.Fatalf("RBR = %#x, want 0", data[0])
	}
}
