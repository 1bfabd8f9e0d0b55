package peers

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tarun-kavipurapu/waggle/pkg/clock"
	"tarun-kavipurapu/waggle/pkg/idset"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/protocol"
	"tarun-kavipurapu/waggle/pkg/transport"
)

const DefaultConnectTimeout = 10 * time.Second

// Signaler delivers negotiation messages to a remote peer through the
// signaling server.
type Signaler interface {
	Signal(event string, data any) error
}

// Listener receives peer events on the owner's goroutine.
type Listener interface {
	PeerStateChanged(p *Peer, from State)
	PeerMessage(p *Peer, m protocol.Message)
}

type Config struct {
	ConnectTimeout time.Duration
}

// PeerSet is the registry of known peers.
type PeerSet struct {
	peers       map[string]*Peer
	unreachable idset.Set
	localID     string

	transport transport.Transport
	signaler  Signaler
	clock     clock.Clock
	cfg       Config
	listeners []Listener
}

func NewPeerSet(tr transport.Transport, sig Signaler, clk clock.Clock, cfg Config) *PeerSet {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &PeerSet{
		peers:       make(map[string]*Peer),
		unreachable: idset.New(),
		transport:   tr,
		signaler:    sig,
		clock:       clk,
		cfg:         cfg,
	}
}

// SetLocalID records our uid. It breaks the tie when two peers offer to
// each other at the same time.
func (ps *PeerSet) SetLocalID(id string) {
	ps.localID = id
}

func (ps *PeerSet) Subscribe(l Listener) {
	ps.listeners = append(ps.listeners, l)
}

// Get returns the peer with id, or nil.
func (ps *PeerSet) Get(id string) *Peer {
	return ps.peers[id]
}

// Add returns the peer with id, creating it in state New if needed.
func (ps *PeerSet) Add(id string) *Peer {
	if p, ok := ps.peers[id]; ok {
		return p
	}
	p := &Peer{id: id, set: ps}
	ps.peers[id] = p
	return p
}

// Connect starts negotiating with id. A peer that is already connected or
// connecting is returned unchanged; a dead one is replaced.
func (ps *PeerSet) Connect(id string) (*Peer, error) {
	p := ps.replaceDead(id)
	if err := p.connect(); err != nil {
		return p, fmt.Errorf("connect to %s: %w", id, err)
	}
	return p, nil
}

// Accept answers an offer from id. An offer crossing our own is resolved by
// uid order, see Peer.accept.
func (ps *PeerSet) Accept(id string, offer json.RawMessage) error {
	p := ps.replaceDead(id)
	if err := p.accept(offer); err != nil {
		return fmt.Errorf("accept %s: %w", id, err)
	}
	return nil
}

func (ps *PeerSet) replaceDead(id string) *Peer {
	if p, ok := ps.peers[id]; ok {
		switch p.state {
		case StateDisconnected, StateFailed, StateUnreachable:
			delete(ps.peers, id)
		}
	}
	return ps.Add(id)
}

// Complete applies the answer to our offer.
func (ps *PeerSet) Complete(id string, answer json.RawMessage) error {
	p, ok := ps.peers[id]
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", id)
	}
	return p.complete(answer)
}

func (ps *PeerSet) AddCandidate(id string, candidate json.RawMessage) error {
	p, ok := ps.peers[id]
	if !ok {
		return fmt.Errorf("candidate from unknown peer %s", id)
	}
	return p.addCandidate(candidate)
}

// Remove closes and forgets the peer. The unreachable mark is kept.
func (ps *PeerSet) Remove(id string) {
	p, ok := ps.peers[id]
	if !ok {
		return
	}
	delete(ps.peers, id)
	p.closed()
}

func (ps *PeerSet) IsConnected(id string) bool {
	p, ok := ps.peers[id]
	return ok && p.IsConnected()
}

func (ps *PeerSet) WillConnect(id string) bool {
	p, ok := ps.peers[id]
	return ok && p.WillConnect()
}

func (ps *PeerSet) IsUnreachable(id string) bool {
	return ps.unreachable.Contains(id)
}

// Connected lists connected peer ids in ascending order.
func (ps *PeerSet) Connected() []string {
	return ps.In(ps.ids()).Connected()
}

// Each calls fn for every peer in id order.
func (ps *PeerSet) Each(fn func(*Peer)) {
	for _, id := range ps.ids() {
		fn(ps.peers[id])
	}
}

func (ps *PeerSet) Len() int {
	return len(ps.peers)
}

func (ps *PeerSet) ids() []string {
	ids := make([]string, 0, len(ps.peers))
	for id := range ps.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleEvent applies a transport event to the peer it belongs to. Events
// for unknown peers are dropped.
func (ps *PeerSet) HandleEvent(ev transport.Event) {
	p, ok := ps.peers[ev.Peer]
	if !ok {
		logger.Sugar.Debugf("[PeerSet] %s event for unknown peer %s", ev.Kind, ev.Peer)
		return
	}

	switch ev.Kind {
	case transport.EventOpen:
		p.opened()
	case transport.EventMessage:
		p.received(ev.Frame)
	case transport.EventCandidate:
		err := ps.signaler.Signal(protocol.EventICECandidate, protocol.ICECandidate{Peer: p.id, Candidate: ev.Candidate})
		if err != nil {
			logger.Sugar.Warnf("[PeerSet] candidate for %s not sent: %v", p.id, err)
		}
	case transport.EventClosed:
		p.closed()
	case transport.EventFailed:
		p.fail(ev.Err)
	}
}

// Selection answers state queries about a subset of ids. Results keep the
// order of the ids given to In.
type Selection struct {
	set *PeerSet
	ids []string
}

func (ps *PeerSet) In(ids []string) Selection {
	return Selection{set: ps, ids: ids}
}

func (s Selection) Connected() []string {
	return s.filter(s.set.IsConnected)
}

// NotConnected are the ids neither connected nor connecting.
func (s Selection) NotConnected() []string {
	return s.filter(func(id string) bool {
		return !s.set.IsConnected(id) && !s.set.WillConnect(id)
	})
}

// Reachable are the ids not marked unreachable.
func (s Selection) Reachable() []string {
	return s.filter(func(id string) bool {
		return !s.set.unreachable.Contains(id)
	})
}

func (s Selection) filter(keep func(string) bool) []string {
	out := make([]string, 0, len(s.ids))
	for _, id := range s.ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}
