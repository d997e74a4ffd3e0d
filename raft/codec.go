package raft

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// maxFrameSize guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameSize = 64 << 20 // 64MiB, comfortably above a single KV snapshot

// writeFrame serializes msg as JSON and writes it as a 4-byte big-endian
// length prefix followed by that many bytes (spec.md §4.1).
func writeFrame(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("raft: encode frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame blocks until a complete length-prefixed JSON frame is available
// on r, then decodes it. Returns ErrDecodeFailure (wrapped) on an oversized
// length prefix, a malformed body, or fields inconsistent with the frame's
// type. An oversized frame's body is left unread on r.
func readFrame(r *bufio.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("raft: frame of %d bytes exceeds limit: %w", n, ErrDecodeFailure)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("raft: decode frame: %w: %w", err, ErrDecodeFailure)
	}
	if !msg.valid() {
		return nil, fmt.Errorf("raft: frame type %q missing required fields: %w", msg.Type, ErrDecodeFailure)
	}
	return &msg, nil
}
