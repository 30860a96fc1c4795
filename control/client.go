package control

import (
	"fmt"
	"io"
)

// Client sends workspace requests over a framed Conn and decodes the
// matching response. It is the shape an operator tool or test harness
// uses against a VM's vsock control stream.
type Client struct {
	conn *Conn
}

// NewClient wraps rw (typically a *virtio.Vsock stream) as a Client.
func NewClient(rw io.ReadWriteCloser) *Client {
	return &Client{conn: NewConn(rw)}
}

// Close closes the underlying stream.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends req under reqTag, then reads one response. A TagError
// reply is turned into a Go error instead of being returned via resp; any
// other unexpected tag is also an error.
func (c *Client) roundTrip(reqTag Tag, req any, wantTag Tag, resp any) error {
	if err := c.conn.Send(reqTag, req); err != nil {
		return err
	}

	tag, payload, err := c.conn.Recv()
	if err != nil {
		return err
	}

	if tag == TagError {
		var e ErrorResponse
		if err := Decode(payload, &e); err != nil {
			return err
		}

		return fmt.Errorf("control: %s: %s", reqTag, e.Message)
	}

	if tag != wantTag {
		return fmt.Errorf("control: %s: unexpected response tag %s", reqTag, tag)
	}

	return Decode(payload, resp)
}

// Ping round-trips a liveness check.
func (c *Client) Ping() error {
	var pong PongResponse
	return c.roundTrip(TagPing, PingRequest{}, TagPong, &pong)
}

// Exec runs command in the guest and waits for its result. A timeoutMS
// of zero lets the guest-side responder pick its own default.
func (c *Client) Exec(command string, timeoutMS int) (ExecResultResponse, error) {
	var res ExecResultResponse
	err := c.roundTrip(TagExec, ExecRequest{Command: command, TimeoutMS: timeoutMS}, TagExecResult, &res)

	return res, err
}

// Signal delivers a Unix signal to pid in the guest.
func (c *Client) Signal(pid, signal int) error {
	var ack AckResponse
	return c.roundTrip(TagSignal, SignalRequest{PID: pid, Signal: signal}, TagAck, &ack)
}

// ReadFile returns the contents of a workspace file.
func (c *Client) ReadFile(path string) ([]byte, error) {
	var fd FileDataResponse
	err := c.roundTrip(TagReadFile, ReadFileRequest{Path: path}, TagFileData, &fd)

	return fd.Data, err
}

// WriteFile writes data to a workspace file, creating or truncating it.
func (c *Client) WriteFile(path string, data []byte) error {
	var ack AckResponse
	return c.roundTrip(TagWriteFile, WriteFileRequest{Path: path, Data: data}, TagAck, &ack)
}

// Checkpoint asks the responder to take a named checkpoint of the VM.
func (c *Client) Checkpoint(name string) error {
	var ack AckResponse
	return c.roundTrip(TagCheckpoint, CheckpointRequest{Name: name}, TagAck, &ack)
}

// Shutdown asks the responder to shut the VM down cleanly.
func (c *Client) Shutdown() error {
	var ack AckResponse
	return c.roundTrip(TagShutdown, ShutdownRequest{}, TagAck, &ack)
}
