package control

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// maxFrame bounds a single frame's length field against a misbehaving or
// out-of-sync peer; the largest legitimate body today is a WriteFile or
// FileData payload, which the workspace convention keeps well under this.
const maxFrame = 64 << 20

// ErrFrameTooLarge is returned by Recv when a peer's declared frame
// length exceeds maxFrame — almost certainly a desynced stream rather
// than a legitimately huge message.
var ErrFrameTooLarge = errors.New("control: frame too large")

// Conn frames Tag+gob messages over an underlying stream, typically a
// *virtio.Vsock. It does not interpret message bodies; Client and Serve
// build on it for that.
type Conn struct {
	rw io.ReadWriteCloser
}

// NewConn wraps rw as a control Conn.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw}
}

// Send gob-encodes body and writes it as a single framed message tagged
// with tag.
func (c *Conn) Send(tag Tag, body any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("control: encode %s body: %w", tag, err)
	}

	frame := make([]byte, 4+1+buf.Len())
	binary.LittleEndian.PutUint32(frame[0:4], uint32(1+buf.Len()))
	frame[4] = byte(tag)
	copy(frame[5:], buf.Bytes())

	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("control: write %s frame: %w", tag, err)
	}

	return nil
}

// Recv reads the next framed message and returns its tag and gob-encoded
// body, leaving the caller to Decode the body into the type its protocol
// table says tag implies.
func (c *Conn) Recv() (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("control: read length: %w", err)
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, errors.New("control: empty frame")
	}

	if n > maxFrame {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return 0, nil, fmt.Errorf("control: read body: %w", err)
	}

	return Tag(body[0]), body[1:], nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}

// Decode gob-decodes a message body obtained from Recv into v.
func Decode(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("control: decode: %w", err)
	}

	return nil
}
