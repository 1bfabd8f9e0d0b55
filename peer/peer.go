// Package peer is the client node: it joins a room on the signaling server,
// follows files by swarm and fills them from peers and the origin.
package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"tarun-kavipurapu/waggle/pkg/clock"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/peers"
	"tarun-kavipurapu/waggle/pkg/protocol"
	"tarun-kavipurapu/waggle/pkg/scheduler"
	"tarun-kavipurapu/waggle/pkg/swarm"
	"tarun-kavipurapu/waggle/pkg/transport"
)

// ErrSignalingClosed ends Run when the server connection goes away.
var ErrSignalingClosed = errors.New("signaling connection closed")

// ErrRejected fails a download the server would not register.
var ErrRejected = errors.New("register rejected")

// Signaling is the room connection.
type Signaling interface {
	peers.Signaler
	Consume() <-chan protocol.Envelope
}

// OriginFactory builds the origin fetcher. post runs a callback on the
// node's loop.
type OriginFactory func(post func(func())) scheduler.Origin

type Config struct {
	Quorum         int
	FallbackDelay  time.Duration
	ConnectTimeout time.Duration
	// Lookahead is how many chunks past the last delivered one are wanted.
	Lookahead int
	// Clock overrides the timer source; nil uses the real clock serialized
	// onto the loop.
	Clock clock.Clock
	Rand  *rand.Rand
}

// Node owns the hive and everything that mutates it. All of its state is
// touched only from Run's goroutine; other goroutines go through Post or Do.
type Node struct {
	cfg       Config
	hive      *swarm.Hive
	peers     *peers.PeerSet
	scheduler *scheduler.Scheduler
	signaling Signaling
	transport transport.Transport

	downloads map[string]*Download
	localID   string

	tasks   chan func()
	stopped chan struct{}
}

func NewNode(cfg Config, sig Signaling, tr transport.Transport, newOrigin OriginFactory) *Node {
	n := &Node{
		cfg:       cfg,
		hive:      swarm.NewHive(),
		signaling: sig,
		transport: tr,
		downloads: make(map[string]*Download),
		tasks:     make(chan func(), 256),
		stopped:   make(chan struct{}),
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Serialized(clock.Real{}, n.Post)
	}
	n.peers = peers.NewPeerSet(tr, sig, clk, peers.Config{ConnectTimeout: cfg.ConnectTimeout})
	n.peers.Subscribe(n)
	n.scheduler = scheduler.New(scheduler.Config{
		Quorum:        cfg.Quorum,
		FallbackDelay: cfg.FallbackDelay,
	}, n.peers, newOrigin(n.Post), clk, cfg.Rand)

	logger.Sugar.Infof("[Node] Initialized (quorum %d, fallback %s, lookahead %d)",
		cfg.Quorum, cfg.FallbackDelay, cfg.Lookahead)
	return n
}

// Post queues fn to run on the loop. It is dropped once the loop has
// stopped.
func (n *Node) Post(fn func()) {
	select {
	case n.tasks <- fn:
	case <-n.stopped:
	}
}

// Do runs fn on the loop and waits for it.
func (n *Node) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case n.tasks <- task:
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrStopped is returned by Do after Run has returned.
var ErrStopped = errors.New("node stopped")

// Run is the main loop. It returns when ctx is cancelled or the signaling
// connection ends.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		logger.Sugar.Infof("[Node] Stopping")
		close(n.stopped)
		n.peers.Each(func(p *peers.Peer) { p.Close() })
		n.transport.Close()
	}()
	logger.Sugar.Infof("[Node] Starting main loop")
	for {
		select {
		case env, ok := <-n.signaling.Consume():
			if !ok {
				return ErrSignalingClosed
			}
			if err := n.handleSignal(env); err != nil {
				logger.Sugar.Errorf("[Node] Error handling %s message: %v", env.Event, err)
			}
		case ev := <-n.transport.Consume():
			n.peers.HandleEvent(ev)
		case fn := <-n.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) handleSignal(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventUID:
		var v protocol.UID
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.handleUID(v)
	case protocol.EventOffer:
		var v protocol.Offer
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.peers.Accept(v.Peer, v.Offer)
	case protocol.EventAnswer:
		var v protocol.Answer
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.peers.Complete(v.Peer, v.Answer)
	case protocol.EventICECandidate:
		var v protocol.ICECandidate
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.peers.AddCandidate(v.Peer, v.Candidate)
	case protocol.EventIndexState:
		var v protocol.IndexState
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.handleIndexState(v)
	case protocol.EventIndexUpdate:
		var v protocol.IndexUpdate
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.handleIndexUpdate(v)
	case protocol.EventBuddyLeft:
		var v protocol.BuddyLeft
		if err := env.Decode(&v); err != nil {
			return err
		}
		n.handleBuddyLeft(v.Peer)
		return nil
	case protocol.EventRejected:
		var v protocol.Rejected
		if err := env.Decode(&v); err != nil {
			return err
		}
		return n.handleRejected(v)
	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
}

// localIDSetter is implemented by transports that announce our id to the
// other side of a link.
type localIDSetter interface {
	SetLocalID(id string)
}

func (n *Node) handleUID(v protocol.UID) error {
	logger.Sugar.Infof("[Node] Assigned uid %s", v.UID)
	n.localID = v.UID
	n.scheduler.SetLocalID(v.UID)
	n.peers.SetLocalID(v.UID)
	if s, ok := n.transport.(localIDSetter); ok {
		s.SetLocalID(v.UID)
	}

	var errs []error
	n.hive.Each(func(sw *swarm.Swarm) {
		if err := n.register(n.downloads[sw.ID()]); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (n *Node) handleIndexState(v protocol.IndexState) error {
	sw, ok := n.hive.Get(v.Swarm)
	if !ok {
		return fmt.Errorf("index for unknown swarm %s", v.Swarm)
	}
	d := n.downloads[sw.ID()]
	d.Tracker.InitChunks(len(v.Index))
	sw.SetState(v.Index)
	logger.Sugar.Infof("[Node] Swarm %s indexed: %d chunks", sw.ID(), sw.NumChunks())

	// Chunks fulfilled before the snapshot arrived are already ours.
	for _, c := range sw.Chunks() {
		if c.Fulfilled() {
			d.Tracker.CompleteChunk(c.ID(), c.Source(), len(c.Data()))
		}
	}
	if sw.NumChunks() == 0 {
		n.finish(d)
		return nil
	}
	n.readahead(d, d.reassembler.Last()+1)
	return nil
}

func (n *Node) handleIndexUpdate(v protocol.IndexUpdate) error {
	sw, ok := n.hive.Get(v.Swarm)
	if !ok {
		return fmt.Errorf("update for unknown swarm %s", v.Swarm)
	}
	return sw.Update(v.Chunk, v.PeersToAdd, v.PeersToRemove)
}

func (n *Node) handleRejected(v protocol.Rejected) error {
	d, ok := n.downloads[v.Swarm]
	if !ok {
		return fmt.Errorf("rejection for unknown swarm %s", v.Swarm)
	}
	n.fail(d, fmt.Errorf("server rejected swarm %s: %s: %w", v.Swarm, v.Reason, ErrRejected))
	return nil
}

func (n *Node) handleBuddyLeft(id string) {
	logger.Sugar.Infof("[Node] Peer %s left", id)
	n.hive.Each(func(sw *swarm.Swarm) { sw.ForgetPeer(id) })
	n.peers.Remove(id)
}

// PeerStateChanged logs peer transitions.
func (n *Node) PeerStateChanged(p *peers.Peer, from peers.State) {
	logger.Sugar.Infof("[Node] Peer %s: %s -> %s (%d connected)", p.ID(), from, p.State(), len(n.peers.Connected()))
}

// PeerMessage serves requests and accepts chunks.
func (n *Node) PeerMessage(p *peers.Peer, m protocol.Message) {
	var err error
	switch m.Type {
	case protocol.TypeRequest:
		err = n.serveRequest(p, m)
	case protocol.TypeChunk:
		err = n.acceptChunk(p, m)
	}
	if err != nil {
		logger.Sugar.Warnf("[Node] Error handling %s from %s: %v", m.Type, p.ID(), err)
	}
}

// LocalID is the uid the server assigned, empty before that.
func (n *Node) LocalID() string { return n.localID }
