package vm

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/loks0n/carbon/checkpoint"
	"github.com/loks0n/carbon/control"
)

// ControlSocketPath is the host-facing Unix socket ServeControl listens
// on, separate from the guest's vsock stream it relays to.
func ControlSocketPath(dir string) string {
	return filepath.Join(dir, "control.sock")
}

// ServeControl accepts operator/test-harness connections on
// ControlSocketPath(v.dir) and answers their workspace requests: Ping,
// Exec, Signal, ReadFile, and WriteFile are forwarded to the guest-
// resident agent over vsock and their replies relayed back unchanged;
// Checkpoint and Shutdown are answered by the VM itself, since no
// guest-side code can honor a host-side VM lifecycle operation. It runs
// until the listener is closed (by Close, at VM teardown).
func (v *VM) ServeControl() error {
	sockPath := ControlSocketPath(v.dir)
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("vm: listen %s: %w", sockPath, err)
	}

	v.controlLn = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}

		go func() {
			defer conn.Close()

			if err := control.Serve(conn, &controlHandler{vm: v}); err != nil {
				checkpoint.Logger.Printf("control: %v", err)
			}
		}()
	}
}

// controlHandler answers one connection's workspace requests by either
// forwarding them through v.guestClient or handling them directly.
type controlHandler struct {
	vm *VM
}

func (h *controlHandler) HandlePing(control.PingRequest) (control.PongResponse, error) {
	err := h.vm.guestClient.Ping()

	return control.PongResponse{}, err
}

func (h *controlHandler) HandleExec(req control.ExecRequest) (control.ExecResultResponse, error) {
	return h.vm.guestClient.Exec(req.Command, req.TimeoutMS)
}

func (h *controlHandler) HandleSignal(req control.SignalRequest) (control.AckResponse, error) {
	err := h.vm.guestClient.Signal(req.PID, req.Signal)

	return control.AckResponse{}, err
}

func (h *controlHandler) HandleReadFile(req control.ReadFileRequest) (control.FileDataResponse, error) {
	data, err := h.vm.guestClient.ReadFile(req.Path)

	return control.FileDataResponse{Data: data}, err
}

func (h *controlHandler) HandleWriteFile(req control.WriteFileRequest) (control.AckResponse, error) {
	err := h.vm.guestClient.WriteFile(req.Path, req.Data)

	return control.AckResponse{}, err
}

func (h *controlHandler) HandleCheckpoint(req control.CheckpointRequest) (control.AckResponse, error) {
	err := h.vm.Checkpoint(req.Name)

	return control.AckResponse{}, err
}

func (h *controlHandler) HandleShutdown(control.ShutdownRequest) (control.AckResponse, error) {
	h.vm.Shutdown()

	return control.AckResponse{}, nil
}
