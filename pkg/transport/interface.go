package transport

import (
	"encoding/json"
	"fmt"
)

// Link is the negotiated connection to one remote peer. The initiator calls
// Offer then Complete with the remote answer; the responder calls Answer.
// Descriptions and candidates are opaque to everything but the transport and
// travel over the signaling channel.
type Link interface {
	Peer() string
	Offer() (json.RawMessage, error)
	Answer(offer json.RawMessage) (json.RawMessage, error)
	Complete(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	// Send transmits one message. Only valid once the link is open.
	Send(frame []byte) error
	Close() error
}

type EventKind uint8

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventCandidate
	EventClosed
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventCandidate:
		return "candidate"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is something that happened on a link.
type Event struct {
	Peer      string
	Kind      EventKind
	Frame     []byte          // EventMessage
	Candidate json.RawMessage // EventCandidate
	Err       error           // EventFailed, optionally EventClosed
}

// Transport creates links and reports what happens on them. Events for
// every link arrive on the single Consume channel.
type Transport interface {
	NewLink(peer string) Link
	Consume() <-chan Event
	Close() error
}
