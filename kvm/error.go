package kvm

import (
	"errors"
	"fmt"
)

// ErrUnexpectedExitReason is returned when KVM_RUN exits for a reason the
// cpu package's dispatch table does not recognize.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ExitType names a KVM_EXIT_* constant for diagnostics.
type ExitType uint32

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "UNKNOWN"
	case EXITEXCEPTION:
		return "EXCEPTION"
	case EXITIO:
		return "IO"
	case EXITHYPERCALL:
		return "HYPERCALL"
	case EXITDEBUG:
		return "DEBUG"
	case EXITHLT:
		return "HLT"
	case EXITMMIO:
		return "MMIO"
	case EXITIRQWINDOWOPEN:
		return "IRQ_WINDOW_OPEN"
	case EXITSHUTDOWN:
		return "SHUTDOWN"
	case EXITFAILENTRY:
		return "FAIL_ENTRY"
	case EXITINTR:
		return "INTR"
	case EXITSETTPR:
		return "SET_TPR"
	case EXITTPRACCESS:
		return "TPR_ACCESS"
	case EXITINTERNALERROR:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("EXIT(%d)", uint32(e))
	}
}
