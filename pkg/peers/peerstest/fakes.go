// Package peerstest provides in-memory stand-ins for the transport and the
// signaling channel.
package peerstest

import (
	"encoding/json"
	"errors"
	"sync"

	"tarun-kavipurapu/waggle/pkg/transport"
)

var ErrClosed = errors.New("fake link closed")

// Transport records the links it hands out. Events are injected by the test
// through the owning PeerSet's HandleEvent or through Emit.
type Transport struct {
	mu     sync.Mutex
	links  map[string][]*Link
	events chan transport.Event
}

func NewTransport() *Transport {
	return &Transport{
		links:  make(map[string][]*Link),
		events: make(chan transport.Event, 64),
	}
}

func (t *Transport) NewLink(peer string) transport.Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := &Link{peer: peer}
	t.links[peer] = append(t.links[peer], l)
	return l
}

// Link returns the latest link created for peer, or nil.
func (t *Transport) Link(peer string) *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	links := t.links[peer]
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

// Links counts links created for peer.
func (t *Transport) Links(peer string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links[peer])
}

func (t *Transport) Emit(ev transport.Event) {
	t.events <- ev
}

func (t *Transport) Consume() <-chan transport.Event { return t.events }

func (t *Transport) Close() error { return nil }

// Link records everything done to it.
type Link struct {
	mu         sync.Mutex
	peer       string
	offered    bool
	answered   json.RawMessage
	completed  json.RawMessage
	candidates []json.RawMessage
	sent       [][]byte
	closed     bool

	// OfferErr, when set, makes Offer and Answer fail.
	OfferErr error
}

func (l *Link) Peer() string { return l.peer }

func (l *Link) Offer() (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.OfferErr != nil {
		return nil, l.OfferErr
	}
	l.offered = true
	return json.RawMessage(`{"offer":"` + l.peer + `"}`), nil
}

func (l *Link) Answer(offer json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.OfferErr != nil {
		return nil, l.OfferErr
	}
	l.answered = offer
	return json.RawMessage(`{"answer":"` + l.peer + `"}`), nil
}

func (l *Link) Complete(answer json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = answer
	return nil
}

func (l *Link) AddCandidate(c json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.sent = append(l.sent, frame)
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Link) Offered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offered
}

func (l *Link) Answered() json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answered
}

func (l *Link) Completed() json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed
}

func (l *Link) Candidates() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]json.RawMessage(nil), l.candidates...)
}

// Sent returns the frames sent so far.
func (l *Link) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Signal is one recorded signaling message.
type Signal struct {
	Event string
	Data  any
}

// Signaler records signals.
type Signaler struct {
	mu      sync.Mutex
	signals []Signal
	Err     error
}

func (s *Signaler) Signal(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.signals = append(s.signals, Signal{Event: event, Data: data})
	return nil
}

func (s *Signaler) Signals() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Signal(nil), s.signals...)
}

// Events returns the event names signaled, in order.
func (s *Signaler) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.signals))
	for i, sig := range s.signals {
		out[i] = sig.Event
	}
	return out
}
