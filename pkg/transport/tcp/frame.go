package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame Types
const (
	FrameTypeControl = 0x01
	FrameTypeMessage = 0x02
)

// Header is the fixed-size frame header
// [Type (1 byte)] + [Length (4 bytes)]
const HeaderSize = 5

// MaxFrameSize bounds a single frame; a chunk plus its header fits easily.
const MaxFrameSize = 64 << 20

// writeFrame writes header and payload in one call
func writeFrame(w io.Writer, msgType uint8, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame
// returns msgType, payload, and error
func readFrame(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	msgType := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}
