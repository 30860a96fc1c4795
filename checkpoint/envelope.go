package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// envelopeMagic identifies a Carbon state.bin file; envelopeVersion
// lets a future format change fail loudly instead of silently
// misdecoding, the same purpose migration/transport.go's MsgType tag
// serves for its framed messages.
var envelopeMagic = [4]byte{'C', 'A', 'R', 'B'}

const envelopeVersion = 1

// ErrBadMagic is returned when a state.bin file does not start with
// the expected four-byte magic.
var ErrBadMagic = errors.New("checkpoint: not a carbon state.bin file")

// ErrUnsupportedVersion is returned when a state.bin file's 4-byte
// version field is one this build does not know how to decode.
var ErrUnsupportedVersion = errors.New("checkpoint: unsupported state.bin version")

// EncodeSnapshot writes magic, version, and the gob-encoded snapshot
// length-prefixed (8-byte big-endian, matching the framing
// migration/transport.go's Sender uses for its own payloads) to w.
func EncodeSnapshot(w io.Writer, snap *Snapshot) error {
	if _, err := w.Write(envelopeMagic[:]); err != nil {
		return fmt.Errorf("checkpoint: write magic: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(envelopeVersion)); err != nil {
		return fmt.Errorf("checkpoint: write version: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("checkpoint: encode snapshot: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint64(buf.Len())); err != nil {
		return fmt.Errorf("checkpoint: write length: %w", err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("checkpoint: write payload: %w", err)
	}

	return nil
}

// DecodeSnapshot reads back what EncodeSnapshot wrote.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: read magic: %w", err)
	}

	if magic != envelopeMagic {
		return nil, ErrBadMagic
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("checkpoint: read version: %w", err)
	}

	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var length uint64
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("checkpoint: read length: %w", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("checkpoint: read payload: %w", err)
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("checkpoint: decode snapshot: %w", err)
	}

	return &snap, nil
}
