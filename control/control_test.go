package control_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/loks0n/carbon/control"
)

// testHandler answers workspace requests over a net.Pipe, which
// satisfies the same io.ReadWriteCloser interface virtio.Vsock does for
// the real vsock stream.
type testHandler struct {
	control.UnimplementedHandler

	pings        int
	checkpointed []string
	shutdown     bool
}

func (h *testHandler) HandlePing(control.PingRequest) (control.PongResponse, error) {
	h.pings++
	return control.PongResponse{}, nil
}

func (h *testHandler) HandleExec(req control.ExecRequest) (control.ExecResultResponse, error) {
	if req.Command == "" {
		return control.ExecResultResponse{}, errors.New("empty command")
	}

	return control.ExecResultResponse{Stdout: []byte("1\n"), ExitCode: 0}, nil
}

func (h *testHandler) HandleCheckpoint(req control.CheckpointRequest) (control.AckResponse, error) {
	h.checkpointed = append(h.checkpointed, req.Name)
	return control.AckResponse{}, nil
}

func (h *testHandler) HandleShutdown(control.ShutdownRequest) (control.AckResponse, error) {
	h.shutdown = true
	return control.AckResponse{}, nil
}

func serveOn(t *testing.T, conn net.Conn, h control.Handler) {
	t.Helper()

	go func() {
		if err := control.Serve(conn, h); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
}

func TestClientPing(t *testing.T) {
	t.Parallel()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	h := &testHandler{}
	serveOn(t, serverSide, h)

	c := control.NewClient(clientSide)

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if h.pings != 1 {
		t.Fatalf("pings = %d, want 1", h.pings)
	}
}

func TestClientExecRoundTrip(t *testing.T) {
	t.Parallel()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	serveOn(t, serverSide, &testHandler{})

	c := control.NewClient(clientSide)

	res, err := c.Exec("python /w/x.py", 5000)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if string(res.Stdout) != "1\n" || res.ExitCode != 0 {
		t.Fatalf("Exec result = %+v", res)
	}
}

func TestClientExecErrorBecomesGoError(t *testing.T) {
	t.Parallel()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	serveOn(t, serverSide, &testHandler{})

	c := control.NewClient(clientSide)

	if _, err := c.Exec("", 0); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestClientCheckpointAndShutdown(t *testing.T) {
	t.Parallel()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	h := &testHandler{}
	serveOn(t, serverSide, h)

	c := control.NewClient(clientSide)

	if err := c.Checkpoint("ready"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if len(h.checkpointed) != 1 || h.checkpointed[0] != "ready" {
		t.Fatalf("checkpointed = %v", h.checkpointed)
	}

	if !h.shutdown {
		t.Fatal("expected Shutdown to have been handled")
	}
}

func TestServeReturnsOnPeerClose(t *testing.T) {
	t.Parallel()

	clientSide, serverSide := net.Pipe()

	done := make(chan error, 1)

	go func() {
		done <- control.Serve(serverSide, &testHandler{})
	}()

	clientSide.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the peer closed the stream")
	}
}
