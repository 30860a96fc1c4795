// Package serial implements the subset of an 8250 UART the boot
// protocol and kernel console need: output-only, forwarding transmit
// holding register writes straight to host stdout.
package serial

import (
	"bufio"
	"io"
)

// COM1Addr is the base port of the first serial port, ports COM1Addr
// through COM1Addr+7 inclusive.
const COM1Addr = 0x03f8

// Register offsets relative to COM1Addr.
const (
	regData    = 0 // RBR (in) / THR (out) when DLAB=0
	regIER     = 1
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7
)

const (
	lcrDLAB = 1 << 7

	// lsrEmpty: THR empty (bit5) + shift register empty (bit6); there is
	// never a guest-to-host byte in flight, so the receive-data-ready
	// bit never sets.
	lsrEmpty = 1<<5 | 1<<6

	// iirNoInterrupt is the standard 8250 "no interrupt pending" code.
	iirNoInterrupt = 0x1
)

// Serial is the COM1 UART. IER/LCR/MCR/scratch just echo back the last
// value written; FCR is stored, but its offset reads back as IIR. Only
// the data register has a side effect.
type Serial struct {
	out *bufio.Writer

	ier     byte
	lcr     byte
	mcr     byte
	fcr     byte
	scratch byte
}

// New creates a serial port that writes guest output to w.
func New(w io.Writer) *Serial {
	return &Serial{out: bufio.NewWriter(w)}
}

func (s *Serial) dlab() bool { return s.lcr&lcrDLAB != 0 }

// State is the UART's checkpoint-visible register state.
type State struct {
	IER, LCR, MCR, FCR, Scratch byte
}

// State captures the last value written to every echo-back register.
func (s *Serial) State() State {
	return State{IER: s.ier, LCR: s.lcr, MCR: s.mcr, FCR: s.fcr, Scratch: s.scratch}
}

// Restore replaces s's register state with st, for checkpoint restore.
func (s *Serial) Restore(st State) {
	s.ier, s.lcr, s.mcr, s.fcr, s.scratch = st.IER, st.LCR, st.MCR, st.FCR, st.Scratch
}

// In handles a port-I/O read in [COM1Addr, COM1Addr+8).
func (s *Serial) In(port uint64, data []byte) error {
	switch port - COM1Addr {
	case regData:
		data[0] = 0 // DLL when DLAB set, or RBR: receive is always empty.
	case regIER:
		if s.dlab() {
			data[0] = 0 // DLM
		} else {
			data[0] = s.ier
		}
	case regIIR:
		data[0] = iirNoInterrupt
	case regLCR:
		data[0] = s.lcr
	case regMCR:
		data[0] = s.mcr
	case regLSR:
		data[0] = lsrEmpty
	case regMSR:
		data[0] = 0
	case regScratch:
		data[0] = s.scratch
	}

	return nil
}

// Out handles a port-I/O write in [COM1Addr, COM1Addr+8). A write to the
// transmit holding register flushes immediately so output interleaves
// correctly with anything else writing to stdout.
func (s *Serial) Out(port uint64, data []byte) error {
	switch port - COM1Addr {
	case regData:
		if s.dlab() {
			return nil // DLL: no baud-rate emulation.
		}

		if _, err := s.out.Write(data[:1]); err != nil {
			return err
		}

		return s.out.Flush()
	case regIER:
		if !s.dlab() {
			s.ier = data[0]
		}
	case regIIR:
		s.fcr = data[0]
	case regLCR:
		s.lcr = data[0]
	case regMCR:
		s.mcr = data[0]
	case regScratch:
		s.scratch = data[0]
	}

	return nil
}
