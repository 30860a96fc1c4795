package control

import (
	"errors"
	"fmt"
	"io"
)

// Handler answers workspace requests. Carbon's own handler (in package
// vm) answers HandleCheckpoint and HandleShutdown itself — Ping, Exec,
// Signal, ReadFile, and WriteFile are answered by an agent process
// inside the guest, reachable over the vsock stream, and the vm handler
// relays them there through a Client. A Handler embedding
// UnimplementedHandler only needs to override the tags it actually
// serves.
type Handler interface {
	HandlePing(PingRequest) (PongResponse, error)
	HandleExec(ExecRequest) (ExecResultResponse, error)
	HandleSignal(SignalRequest) (AckResponse, error)
	HandleReadFile(ReadFileRequest) (FileDataResponse, error)
	HandleWriteFile(WriteFileRequest) (AckResponse, error)
	HandleCheckpoint(CheckpointRequest) (AckResponse, error)
	HandleShutdown(ShutdownRequest) (AckResponse, error)
}

// UnimplementedHandler answers every request with an error, so a type
// embedding it can pick and override only the handlers it serves.
type UnimplementedHandler struct{}

func (UnimplementedHandler) HandlePing(PingRequest) (PongResponse, error) {
	return PongResponse{}, errUnimplemented(TagPing)
}

func (UnimplementedHandler) HandleExec(ExecRequest) (ExecResultResponse, error) {
	return ExecResultResponse{}, errUnimplemented(TagExec)
}

func (UnimplementedHandler) HandleSignal(SignalRequest) (AckResponse, error) {
	return AckResponse{}, errUnimplemented(TagSignal)
}

func (UnimplementedHandler) HandleReadFile(ReadFileRequest) (FileDataResponse, error) {
	return FileDataResponse{}, errUnimplemented(TagReadFile)
}

func (UnimplementedHandler) HandleWriteFile(WriteFileRequest) (AckResponse, error) {
	return AckResponse{}, errUnimplemented(TagWriteFile)
}

func (UnimplementedHandler) HandleCheckpoint(CheckpointRequest) (AckResponse, error) {
	return AckResponse{}, errUnimplemented(TagCheckpoint)
}

func (UnimplementedHandler) HandleShutdown(ShutdownRequest) (AckResponse, error) {
	return AckResponse{}, errUnimplemented(TagShutdown)
}

func errUnimplemented(tag Tag) error {
	return fmt.Errorf("control: %s not handled by this responder", tag)
}

// Serve reads framed requests from rw and dispatches each to h, replying
// with the matching response tag or, on error, a TagError frame — the
// same receive-loop-then-switch-on-type shape vmm/migrate.go's Incoming
// uses for its own message loop, adapted from a distinct MsgType per
// call to the tagged request/response pairs this protocol defines.
//
// Serve returns nil on a clean io.EOF (the peer closed the stream) and
// any other error otherwise. A malformed body for a known tag is
// reported to the peer as a TagError frame and the loop continues, per
// this protocol's own rule that framing errors close the stream but
// payload errors do not.
func Serve(rw io.ReadWriteCloser, h Handler) error {
	conn := NewConn(rw)

	for {
		tag, payload, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		respTag, resp, err := dispatch(h, tag, payload)
		if err != nil {
			respTag, resp = TagError, ErrorResponse{Message: err.Error()}
		}

		if err := conn.Send(respTag, resp); err != nil {
			return err
		}
	}
}

func dispatch(h Handler, tag Tag, payload []byte) (Tag, any, error) {
	switch tag {
	case TagPing:
		var req PingRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandlePing(req)

		return TagPong, resp, err

	case TagExec:
		var req ExecRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandleExec(req)

		return TagExecResult, resp, err

	case TagSignal:
		var req SignalRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandleSignal(req)

		return TagAck, resp, err

	case TagReadFile:
		var req ReadFileRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandleReadFile(req)

		return TagFileData, resp, err

	case TagWriteFile:
		var req WriteFileRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandleWriteFile(req)

		return TagAck, resp, err

	case TagCheckpoint:
		var req CheckpointRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandleCheckpoint(req)

		return TagAck, resp, err

	case TagShutdown:
		var req ShutdownRequest
		if err := Decode(payload, &req); err != nil {
			return 0, nil, err
		}

		resp, err := h.HandleShutdown(req)

		return TagAck, resp, err

	default:
		return 0, nil, fmt.Errorf("control: unknown request tag %s", tag)
	}
}
