// Package peers manages connections to other swarm participants: the
// per-peer connection state machine, outbound queuing until a link is
// ready, and the set of known peers with its sticky unreachable list.
//
// Like pkg/swarm, nothing here is safe for concurrent use. Transport events
// and timer callbacks must be delivered on the owner's goroutine.
package peers

import (
	"errors"
	"fmt"

	"tarun-kavipurapu/waggle/pkg/clock"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/monitor"
	"tarun-kavipurapu/waggle/pkg/protocol"
	"tarun-kavipurapu/waggle/pkg/swarm"
	"tarun-kavipurapu/waggle/pkg/transport"
)

var ErrPeerGone = errors.New("peer is not connected and will not connect")

type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateUnreachable
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateUnreachable:
		return "unreachable"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Peer is one remote participant.
type Peer struct {
	id    string
	state State
	set   *PeerSet
	link  transport.Link
	timer clock.Timer
	// offered is set while the link is ours, created by connect
	offered bool

	// encoded frames waiting for the link to open, in submission order
	queue [][]byte
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) State() State { return p.state }

// IsConnected reports whether messages go straight to the link.
func (p *Peer) IsConnected() bool { return p.state == StateConnected }

// WillConnect reports whether negotiation is under way.
func (p *Peer) WillConnect() bool { return p.state == StateConnecting }

// Queued is the number of messages waiting for the link.
func (p *Peer) Queued() int { return len(p.queue) }

// Request asks the peer for a chunk.
func (p *Peer) Request(c *swarm.Chunk) error {
	logger.Sugar.Debugf("[Peer] request chunk #%d of %s from %s", c.ID(), c.SwarmID(), p.id)
	return p.sendMessage(protocol.RequestMessage(c.SwarmID(), c.ID()))
}

// Send transmits a fulfilled chunk with its payload.
func (p *Peer) Send(c *swarm.Chunk) error {
	if !c.Fulfilled() {
		return fmt.Errorf("send %s to %s: chunk not fulfilled", c, p.id)
	}
	return p.sendMessage(protocol.ChunkMessage(c.SwarmID(), c.ID(), c.Data()))
}

func (p *Peer) sendMessage(m protocol.Message) error {
	frame, err := m.MarshalFrame()
	if err != nil {
		return err
	}

	switch p.state {
	case StateNew, StateConnecting:
		p.queue = append(p.queue, frame)
		return nil
	case StateConnected:
		return p.link.Send(frame)
	}
	return fmt.Errorf("%s to %s (%s): %w", m.Type, p.id, p.state, ErrPeerGone)
}

// connect starts negotiation as the initiator.
func (p *Peer) connect() error {
	if p.state != StateNew {
		return nil
	}
	p.link = p.set.transport.NewLink(p.id)
	offer, err := p.link.Offer()
	if err != nil {
		p.fail(err)
		return err
	}
	if err := p.set.signaler.Signal(protocol.EventOffer, protocol.Offer{Peer: p.id, Offer: offer}); err != nil {
		p.fail(err)
		return err
	}
	p.offered = true
	p.setState(StateConnecting)
	p.armTimeout()
	return nil
}

// accept answers a remote offer. When both sides offered at once, the side
// with the lower uid keeps its own offer and the other side answers it.
// Anything queued for the peer survives the switch.
func (p *Peer) accept(offer []byte) error {
	switch p.state {
	case StateNew:
	case StateConnecting:
		if p.offered && p.set.localID != "" && p.set.localID < p.id {
			logger.Sugar.Debugf("[Peer] crossed offers with %s, keeping ours", p.id)
			return nil
		}
		logger.Sugar.Debugf("[Peer] crossed offers with %s, answering theirs", p.id)
		p.stopTimeout()
		p.closeLink()
	default:
		return fmt.Errorf("offer from %s while %s", p.id, p.state)
	}
	p.offered = false
	p.link = p.set.transport.NewLink(p.id)
	answer, err := p.link.Answer(offer)
	if err != nil {
		p.fail(err)
		return err
	}
	if err := p.set.signaler.Signal(protocol.EventAnswer, protocol.Answer{Peer: p.id, Answer: answer}); err != nil {
		p.fail(err)
		return err
	}
	p.setState(StateConnecting)
	p.armTimeout()
	return nil
}

func (p *Peer) complete(answer []byte) error {
	if p.state != StateConnecting || p.link == nil {
		return fmt.Errorf("answer from %s while %s", p.id, p.state)
	}
	if err := p.link.Complete(answer); err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *Peer) addCandidate(candidate []byte) error {
	if p.link == nil {
		return fmt.Errorf("candidate from %s while %s", p.id, p.state)
	}
	return p.link.AddCandidate(candidate)
}

func (p *Peer) armTimeout() {
	p.timer = p.set.clock.AfterFunc(p.set.cfg.ConnectTimeout, p.timedOut)
}

func (p *Peer) stopTimeout() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Peer) timedOut() {
	p.timer = nil
	if p.state != StateConnecting {
		return
	}
	logger.Sugar.Infof("[Peer] %s unreachable after %s", p.id, p.set.cfg.ConnectTimeout)
	p.set.unreachable.Add(p.id)
	p.closeLink()
	p.queue = nil
	p.setState(StateUnreachable)
}

// opened flushes the queue in submission order, exactly once.
func (p *Peer) opened() {
	if p.state != StateConnecting && p.state != StateNew {
		return
	}
	p.stopTimeout()
	p.setState(StateConnected)

	queue := p.queue
	p.queue = nil
	for _, frame := range queue {
		if err := p.link.Send(frame); err != nil {
			logger.Sugar.Errorf("[Peer] flush to %s failed: %v", p.id, err)
			break
		}
	}
}

func (p *Peer) closed() {
	switch p.state {
	case StateDisconnected, StateUnreachable, StateFailed:
		return
	}
	p.stopTimeout()
	p.queue = nil
	p.closeLink()
	p.setState(StateDisconnected)
}

func (p *Peer) fail(err error) {
	if p.state == StateFailed {
		return
	}
	logger.Sugar.Warnf("[Peer] connection to %s failed: %v", p.id, err)
	p.stopTimeout()
	p.queue = nil
	p.closeLink()
	p.setState(StateFailed)
}

// Close tears the link down. The peer ends Disconnected.
func (p *Peer) Close() {
	p.closed()
}

func (p *Peer) closeLink() {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			logger.Sugar.Debugf("[Peer] close link to %s: %v", p.id, err)
		}
	}
}

func (p *Peer) setState(s State) {
	if p.state == s {
		return
	}
	old := p.state
	p.state = s
	monitor.PeerStates.WithLabelValues(s.String()).Inc()
	for _, l := range p.set.listeners {
		l.PeerStateChanged(p, old)
	}
}

func (p *Peer) received(frame []byte) {
	m, err := protocol.UnmarshalFrame(frame)
	if err != nil {
		logger.Sugar.Errorf("[Peer] dropping message from %s: %v", p.id, err)
		return
	}
	for _, l := range p.set.listeners {
		l.PeerMessage(p, m)
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s(%s)", p.id, p.state)
}
