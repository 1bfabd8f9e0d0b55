// Package centralserver is the index and signaling server. Peers join a room
// over a websocket, register the swarms they follow, report the chunks they
// hold and exchange connection offers through it.
package centralserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/waggle/pkg/idset"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/monitor"
	"tarun-kavipurapu/waggle/pkg/protocol"
	"tarun-kavipurapu/waggle/pkg/swarm"
)

const (
	DefaultStaleTimeout = 90 * time.Second
	sendBuffer          = 256
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrSwarmMismatch = errors.New("register disagrees with the existing swarm")
)

type Config struct {
	// StaleTimeout drops peers that sent nothing for this long.
	StaleTimeout time.Duration
}

type client struct {
	uid      string
	token    string
	room     string
	conn     io.Closer
	sendCh   chan protocol.Envelope
	lastSeen time.Time
}

type room struct {
	name    string
	clients map[string]*client
	swarms  map[string]*swarmIndex
}

type swarmIndex struct {
	id        string
	fileSize  int64
	chunkSize int64
	index     swarm.Index
	members   idset.Set
}

type inbound struct {
	c   *client
	env protocol.Envelope
}

// CentralServer runs a hub goroutine that is the single owner of the rooms;
// connection handlers talk to it over channels.
type CentralServer struct {
	cfg Config

	joinCh    chan *client
	leaveCh   chan *client
	inboundCh chan inbound
	queryCh   chan func()
	quitCh    chan struct{}

	rooms map[string]*room
}

func NewCentralServer(cfg Config) *CentralServer {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	return &CentralServer{
		cfg:       cfg,
		joinCh:    make(chan *client, 16),
		leaveCh:   make(chan *client, 16),
		inboundCh: make(chan inbound, 256),
		queryCh:   make(chan func()),
		quitCh:    make(chan struct{}),
		rooms:     make(map[string]*room),
	}
}

// Serve is the hub loop. It returns when ctx is done, closing every
// connection.
func (c *CentralServer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.staleCheckInterval())
	defer ticker.Stop()
	logger.Sugar.Infof("[CentralServer] hub started (stale timeout %s)", c.cfg.StaleTimeout)

	for {
		select {
		case cl := <-c.joinCh:
			c.join(cl)
		case cl := <-c.leaveCh:
			c.leave(cl)
		case in := <-c.inboundCh:
			in.c.lastSeen = time.Now()
			monitor.SignalingMessages.WithLabelValues(in.env.Event).Inc()
			if err := c.handleMessage(in.c, in.env); err != nil {
				logger.Sugar.Errorf("[CentralServer] handle message failed: from=%s event=%s err=%v", in.c.uid, in.env.Event, err)
			}
		case fn := <-c.queryCh:
			fn()
		case <-ticker.C:
			c.monitorPeers()
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		}
	}
}

func (c *CentralServer) staleCheckInterval() time.Duration {
	return max(c.cfg.StaleTimeout/3, time.Second)
}

func (c *CentralServer) shutdown() {
	logger.Sugar.Info("[CentralServer] stopped")
	close(c.quitCh)
	for _, r := range c.rooms {
		for _, cl := range r.clients {
			close(cl.sendCh)
			_ = cl.conn.Close()
			monitor.SignalingPeers.Dec()
		}
	}
	c.rooms = make(map[string]*room)
}

func (c *CentralServer) String() string { return "central-server hub" }

// submit hands cl or a message to the hub unless it has stopped.
func submit[T any](c *CentralServer, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-c.quitCh:
		return false
	}
}

func (c *CentralServer) newClient(roomName string, conn io.Closer) *client {
	return &client{
		uid:      uuid.NewString(),
		token:    uuid.NewString(),
		room:     roomName,
		conn:     conn,
		sendCh:   make(chan protocol.Envelope, sendBuffer),
		lastSeen: time.Now(),
	}
}

func (c *CentralServer) join(cl *client) {
	r, ok := c.rooms[cl.room]
	if !ok {
		r = &room{name: cl.room, clients: make(map[string]*client), swarms: make(map[string]*swarmIndex)}
		c.rooms[cl.room] = r
	}
	r.clients[cl.uid] = cl
	monitor.SignalingPeers.Inc()
	logger.Sugar.Infof("[CentralServer] peer joined: uid=%s room=%s (%d in room)", cl.uid, cl.room, len(r.clients))
	c.send(cl, protocol.EventUID, protocol.UID{UID: cl.uid, Token: cl.token})
}

// leave drops everything cl held and tells the rest of the room.
func (c *CentralServer) leave(cl *client) {
	r, ok := c.rooms[cl.room]
	if !ok || r.clients[cl.uid] != cl {
		return
	}
	delete(r.clients, cl.uid)
	close(cl.sendCh)
	monitor.SignalingPeers.Dec()

	for _, id := range sortedKeys(r.swarms) {
		sw := r.swarms[id]
		sw.members.Remove(cl.uid)
		for _, chunk := range sortedKeys(sw.index) {
			peers := sw.index[chunk]
			if !peers.Contains(cl.uid) {
				continue
			}
			peers.Remove(cl.uid)
			c.broadcast(r, sw, cl.uid, protocol.EventIndexUpdate, protocol.IndexUpdate{
				Swarm:         sw.id,
				Chunk:         chunk,
				PeersToRemove: []string{cl.uid},
			})
		}
	}
	for _, uid := range sortedKeys(r.clients) {
		c.send(r.clients[uid], protocol.EventBuddyLeft, protocol.BuddyLeft{Peer: cl.uid})
	}
	if len(r.clients) == 0 {
		delete(c.rooms, r.name)
	}
	logger.Sugar.Infof("[CentralServer] peer left: uid=%s room=%s", cl.uid, cl.room)
}

func (c *CentralServer) handleMessage(cl *client, env protocol.Envelope) error {
	r := c.rooms[cl.room]
	if r == nil || r.clients[cl.uid] != cl {
		return fmt.Errorf("%s: %w", cl.uid, ErrUnknownPeer)
	}

	switch env.Event {
	case protocol.EventPing:
		return nil
	case protocol.EventRegister:
		var v protocol.Register
		if err := env.Decode(&v); err != nil {
			return err
		}
		return c.handleRegister(r, cl, v)
	case protocol.EventHave:
		var v protocol.Have
		if err := env.Decode(&v); err != nil {
			return err
		}
		return c.handleHave(r, cl, v)
	case protocol.EventOffer:
		var v protocol.Offer
		if err := env.Decode(&v); err != nil {
			return err
		}
		to := v.Peer
		v.Peer = cl.uid
		return c.relay(r, to, env.Event, v)
	case protocol.EventAnswer:
		var v protocol.Answer
		if err := env.Decode(&v); err != nil {
			return err
		}
		to := v.Peer
		v.Peer = cl.uid
		return c.relay(r, to, env.Event, v)
	case protocol.EventICECandidate:
		var v protocol.ICECandidate
		if err := env.Decode(&v); err != nil {
			return err
		}
		to := v.Peer
		v.Peer = cl.uid
		return c.relay(r, to, env.Event, v)
	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
}

// handleRegister creates the swarm on first use and sends the registrant the
// current index. A registrant whose sizes contradict the swarm is rejected.
func (c *CentralServer) handleRegister(r *room, cl *client, v protocol.Register) error {
	sw, ok := r.swarms[v.Swarm]
	if !ok {
		if v.FileSize <= 0 || v.ChunkSize <= 0 {
			return fmt.Errorf("cannot create swarm %s: file size %d, chunk size %d", v.Swarm, v.FileSize, v.ChunkSize)
		}
		sw = &swarmIndex{
			id:        v.Swarm,
			fileSize:  v.FileSize,
			chunkSize: v.ChunkSize,
			index:     swarm.NewIndex(v.FileSize, v.ChunkSize),
			members:   idset.New(),
		}
		r.swarms[v.Swarm] = sw
		logger.Sugar.Infof("[CentralServer] swarm created: id=%s room=%s chunks=%d", v.Swarm, r.name, len(sw.index))
	} else if (v.FileSize != 0 && v.FileSize != sw.fileSize) || (v.ChunkSize != 0 && v.ChunkSize != sw.chunkSize) {
		err := fmt.Errorf("swarm %s is %d bytes in %d byte chunks, not %d in %d: %w",
			sw.id, sw.fileSize, sw.chunkSize, v.FileSize, v.ChunkSize, ErrSwarmMismatch)
		c.send(cl, protocol.EventRejected, protocol.Rejected{Swarm: sw.id, Reason: err.Error()})
		return err
	}
	sw.members.Add(cl.uid)
	c.send(cl, protocol.EventIndexState, protocol.IndexState{Swarm: sw.id, Index: sw.index})
	return nil
}

// handleHave records that cl holds a chunk and tells the other members.
// Repeats are ignored.
func (c *CentralServer) handleHave(r *room, cl *client, v protocol.Have) error {
	sw, ok := r.swarms[v.Swarm]
	if !ok {
		return fmt.Errorf("have for unknown swarm %s", v.Swarm)
	}
	peers, ok := sw.index[v.Chunk]
	if !ok {
		return fmt.Errorf("swarm %s: chunk %d: %w", v.Swarm, v.Chunk, swarm.ErrUnknownChunk)
	}
	if !peers.Add(cl.uid) {
		return nil
	}
	c.broadcast(r, sw, cl.uid, protocol.EventIndexUpdate, protocol.IndexUpdate{
		Swarm:      sw.id,
		Chunk:      v.Chunk,
		PeersToAdd: []string{cl.uid},
	})
	return nil
}

func (c *CentralServer) relay(r *room, to, event string, data any) error {
	target, ok := r.clients[to]
	if !ok {
		return fmt.Errorf("%s to %s: %w", event, to, ErrUnknownPeer)
	}
	c.send(target, event, data)
	return nil
}

// broadcast sends to every member of sw except the one named by except.
func (c *CentralServer) broadcast(r *room, sw *swarmIndex, except, event string, data any) {
	for _, uid := range sw.members.Slice() {
		if uid == except {
			continue
		}
		if target, ok := r.clients[uid]; ok {
			c.send(target, event, data)
		}
	}
}

// send queues a message for cl. A client whose queue is full is too slow to
// keep up and gets disconnected.
func (c *CentralServer) send(cl *client, event string, data any) {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		logger.Sugar.Errorf("[CentralServer] %v", err)
		return
	}
	select {
	case cl.sendCh <- env:
	default:
		logger.Sugar.Warnf("[CentralServer] peer too slow, disconnecting: uid=%s", cl.uid)
		_ = cl.conn.Close()
	}
}

// monitorPeers closes connections that have been silent too long; their
// handlers then leave through the usual path.
func (c *CentralServer) monitorPeers() {
	now := time.Now()
	for _, r := range c.rooms {
		for uid, cl := range r.clients {
			if now.Sub(cl.lastSeen) > c.cfg.StaleTimeout {
				logger.Sugar.Warnf("[CentralServer] peer timed out: uid=%s room=%s", uid, r.name)
				_ = cl.conn.Close()
			}
		}
	}
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// RoomStatus describes one room.
type RoomStatus struct {
	Name   string         `json:"name"`
	Peers  []string       `json:"peers"`
	Swarms []SwarmSummary `json:"swarms"`
}

// SwarmSummary describes one swarm's index.
type SwarmSummary struct {
	ID      string `json:"id"`
	Chunks  int    `json:"chunks"`
	Members int    `json:"members"`
	// Copies counts (chunk, peer) availability pairs.
	Copies int `json:"copies"`
}

// Status returns a snapshot of every room.
func (c *CentralServer) Status(ctx context.Context) ([]RoomStatus, error) {
	result := make(chan []RoomStatus, 1)
	query := func() {
		var out []RoomStatus
		for _, name := range sortedKeys(c.rooms) {
			r := c.rooms[name]
			rs := RoomStatus{Name: name, Peers: sortedKeys(r.clients)}
			for _, id := range sortedKeys(r.swarms) {
				sw := r.swarms[id]
				sum := SwarmSummary{ID: id, Chunks: len(sw.index), Members: sw.members.Len()}
				for _, peers := range sw.index {
					sum.Copies += peers.Len()
				}
				rs.Swarms = append(rs.Swarms, sum)
			}
			out = append(out, rs)
		}
		result <- out
	}
	select {
	case c.queryCh <- query:
	case <-c.quitCh:
		return nil, errors.New("server stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-result, nil
}
