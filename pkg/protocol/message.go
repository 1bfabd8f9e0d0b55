package protocol

import (
	"errors"
	"fmt"

	"tarun-kavipurapu/waggle/pkg/tnetbin"
)

// Peer message types
const (
	TypeRequest = "request"
	TypeChunk   = "chunk"
)

var ErrBadMessage = errors.New("bad peer message")

// Message is a control message exchanged between peers. A chunk message is
// followed by its payload as a second frame in the same transport message.
type Message struct {
	Type    string
	SwarmID string
	ChunkID int
	Blob    []byte
}

func RequestMessage(swarmID string, chunkID int) Message {
	return Message{Type: TypeRequest, SwarmID: swarmID, ChunkID: chunkID}
}

func ChunkMessage(swarmID string, chunkID int, blob []byte) Message {
	return Message{Type: TypeChunk, SwarmID: swarmID, ChunkID: chunkID, Blob: blob}
}

// MarshalFrame encodes the header frame, then the blob frame for chunks.
func (m Message) MarshalFrame() ([]byte, error) {
	frame, err := tnetbin.Encode(map[string]any{
		"type":    m.Type,
		"swarmId": m.SwarmID,
		"chunkId": m.ChunkID,
	})
	if err != nil {
		return nil, err
	}
	if m.Type == TypeChunk {
		frame, err = tnetbin.Append(frame, m.Blob)
		if err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// UnmarshalFrame is the inverse of MarshalFrame.
func UnmarshalFrame(frame []byte) (Message, error) {
	header, blob, err := tnetbin.DecodeFrame(frame)
	if err != nil {
		return Message{}, err
	}
	fields, ok := header.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: header is %T", ErrBadMessage, header)
	}

	var m Message
	if m.Type, ok = fields["type"].(string); !ok {
		return Message{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	if m.SwarmID, ok = fields["swarmId"].(string); !ok {
		return Message{}, fmt.Errorf("%w: missing swarmId", ErrBadMessage)
	}
	id, ok := fields["chunkId"].(int64)
	if !ok || id < 0 {
		return Message{}, fmt.Errorf("%w: bad chunkId %v", ErrBadMessage, fields["chunkId"])
	}
	m.ChunkID = int(id)

	switch m.Type {
	case TypeRequest:
	case TypeChunk:
		if blob == nil {
			return Message{}, fmt.Errorf("%w: chunk %d without payload", ErrBadMessage, m.ChunkID)
		}
		m.Blob = blob
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrBadMessage, m.Type)
	}
	return m, nil
}

func (m Message) String() string {
	if m.Type == TypeChunk {
		return fmt.Sprintf("%s %s#%d (%d bytes)", m.Type, m.SwarmID, m.ChunkID, len(m.Blob))
	}
	return fmt.Sprintf("%s %s#%d", m.Type, m.SwarmID, m.ChunkID)
}
