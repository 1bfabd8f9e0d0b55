package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	bitmap "github.com/boljen/go-bitmap"

	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/monitor"
	"tarun-kavipurapu/waggle/pkg/peers"
	"tarun-kavipurapu/waggle/pkg/protocol"
	"tarun-kavipurapu/waggle/pkg/scheduler"
	"tarun-kavipurapu/waggle/pkg/swarm"
)

// Download is one followed file.
type Download struct {
	SwarmID  string
	FileURL  string
	FileSize int64
	Tracker  *DownloadTracker

	swarm       *swarm.Swarm
	reassembler *scheduler.Reassembler
	done        chan struct{}
	complete    bool

	mu  sync.Mutex
	err error
}

// Done is closed once every chunk has reached the sink, or the download
// failed; Err tells which.
func (d *Download) Done() <-chan struct{} { return d.done }

// Err is nil while the download runs and after it completed.
func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Follow starts filling swarmID from fileURL into sink. The swarm is
// registered with the server as soon as we have a uid.
func (n *Node) Follow(swarmID, fileURL string, fileSize, chunkSize int64, sink scheduler.Sink) *Download {
	d := &Download{
		SwarmID:  swarmID,
		FileURL:  fileURL,
		FileSize: fileSize,
		Tracker:  NewDownloadTracker(swarmID, fileURL, fileSize),
		done:     make(chan struct{}),
	}
	n.Post(func() { n.follow(d, chunkSize, sink) })
	return d
}

func (n *Node) follow(d *Download, chunkSize int64, sink scheduler.Sink) {
	if _, ok := n.downloads[d.SwarmID]; ok {
		logger.Sugar.Warnf("[Node] Already following swarm %s", d.SwarmID)
		return
	}
	sw := n.hive.Add(d.SwarmID, d.FileURL, chunkSize)
	d.swarm = sw
	d.reassembler = scheduler.NewReassembler(sink)
	d.reassembler.OnDeliver(func(c *swarm.Chunk) { n.delivered(d, c) })
	n.downloads[d.SwarmID] = d

	// The scheduler places requests before the node hears about them.
	sw.Subscribe(n.scheduler)
	sw.Subscribe(n)

	logger.Sugar.Infof("[Node] Following swarm %s (%s, %d bytes)", d.SwarmID, d.FileURL, d.FileSize)
	if n.localID != "" {
		if err := n.register(d); err != nil {
			logger.Sugar.Errorf("[Node] %v", err)
		}
	}
}

func (n *Node) register(d *Download) error {
	err := n.signaling.Signal(protocol.EventRegister, protocol.Register{
		Swarm:     d.SwarmID,
		FileSize:  d.FileSize,
		ChunkSize: d.swarm.ChunkSize(),
	})
	if err != nil {
		return fmt.Errorf("register swarm %s: %w", d.SwarmID, err)
	}
	return nil
}

// readahead wants the chunks from next up to the lookahead window.
func (n *Node) readahead(d *Download, next int) {
	last := min(next+n.cfg.Lookahead, d.swarm.NumChunks()-1)
	for id := next; id <= last; id++ {
		if c := d.swarm.Chunk(id); c != nil && !c.Fulfilled() {
			d.swarm.Want(id)
		}
	}
}

// ChunkWanted records the want; the scheduler does the requesting.
func (n *Node) ChunkWanted(sw *swarm.Swarm, c *swarm.Chunk) {
	if d, ok := n.downloads[sw.ID()]; ok {
		d.Tracker.WantChunk(c.ID())
	}
}

// ChunkFulfilled announces the chunk and hands it to the reassembler.
func (n *Node) ChunkFulfilled(sw *swarm.Swarm, c *swarm.Chunk, src swarm.Source) {
	d, ok := n.downloads[sw.ID()]
	if !ok {
		return
	}
	d.Tracker.CompleteChunk(c.ID(), src, len(c.Data()))

	if err := n.signaling.Signal(protocol.EventHave, protocol.Have{Swarm: sw.ID(), Chunk: c.ID()}); err != nil {
		logger.Sugar.Errorf("[Node] announce %s: %v", c, err)
	}

	if err := d.reassembler.Push(c); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateChunk) {
			logger.Sugar.Debugf("[Node] %s: %v", sw.ID(), err)
			return
		}
		// The chunk is write-once and will not come again, so the stream
		// cannot continue past it.
		n.fail(d, err)
	}
}

func (n *Node) delivered(d *Download, c *swarm.Chunk) {
	d.Tracker.DeliverChunk(c.ID())
	n.readahead(d, c.ID()+1)

	if c.ID() == d.swarm.NumChunks()-1 {
		n.finish(d)
	}
}

// fail ends the download with err. Fulfilled chunks are still served.
func (n *Node) fail(d *Download, err error) {
	if d.complete {
		return
	}
	logger.Sugar.Errorf("[Node] Swarm %s failed: %v", d.SwarmID, err)
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	d.complete = true
	d.Tracker.MarkComplete()
	close(d.done)
}

func (n *Node) finish(d *Download) {
	if d.complete {
		return
	}
	d.complete = true
	d.Tracker.MarkComplete()
	close(d.done)
	p := d.Tracker.GetProgress()
	logger.Sugar.Infof("[Node] Swarm %s complete: %d chunks, %d bytes from server, %d bytes from peers",
		d.SwarmID, p.Total, p.FromServer, p.FromPeers)
}

func (n *Node) serveRequest(p *peers.Peer, m protocol.Message) error {
	sw, ok := n.hive.Get(m.SwarmID)
	if !ok {
		return fmt.Errorf("request for unknown swarm %s", m.SwarmID)
	}
	c := sw.Chunk(m.ChunkID)
	if c == nil || !c.Fulfilled() {
		return fmt.Errorf("request for %s#%d which we do not have", m.SwarmID, m.ChunkID)
	}
	if err := p.Send(c); err != nil {
		return err
	}
	monitor.ChunksServed.Inc()
	logger.Sugar.Debugf("[Node] Sent %s to %s", c, p.ID())
	return nil
}

func (n *Node) acceptChunk(p *peers.Peer, m protocol.Message) error {
	sw, ok := n.hive.Get(m.SwarmID)
	if !ok {
		return fmt.Errorf("chunk for unknown swarm %s", m.SwarmID)
	}
	c := sw.Chunk(m.ChunkID)
	if c == nil {
		return fmt.Errorf("%s#%d: %w", m.SwarmID, m.ChunkID, swarm.ErrUnknownChunk)
	}
	n.scheduler.Deliver(c, m.Blob, swarm.SourcePeers)
	return nil
}

// Want asks for one chunk of a followed swarm. Call it on the loop.
func (n *Node) Want(swarmID string, chunkID int) error {
	d, ok := n.downloads[swarmID]
	if !ok {
		return fmt.Errorf("not following swarm %s", swarmID)
	}
	if d.swarm.Indexed() && d.swarm.Chunk(chunkID) == nil {
		return fmt.Errorf("%s#%d: %w", swarmID, chunkID, swarm.ErrUnknownChunk)
	}
	d.swarm.Want(chunkID)
	return nil
}

// PeerStatus is one row of the peer table.
type PeerStatus struct {
	ID     string
	State  peers.State
	Queued int
}

// SwarmStatus summarizes one followed swarm.
type SwarmStatus struct {
	ID        string
	Chunks    int
	Completed int
	Delivered int
	Wanted    []int
	Pending   []int

	// Have has bit i set once chunk i is fulfilled.
	Have bitmap.Bitmap
}

// HaveMap draws Have as one character per chunk: '#' fulfilled, '.' missing.
func (s SwarmStatus) HaveMap() string {
	var b strings.Builder
	b.Grow(s.Chunks)
	for i := 0; i < s.Chunks; i++ {
		if i < s.Have.Len() && s.Have.Get(i) {
			b.WriteByte('#')
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// Status is a snapshot of the node.
type Status struct {
	LocalID     string
	Peers       []PeerStatus
	Unreachable int
	Swarms      []SwarmStatus
}

// Status collects a snapshot. Call it on the loop.
func (n *Node) Status() Status {
	st := Status{LocalID: n.localID}
	n.peers.Each(func(p *peers.Peer) {
		st.Peers = append(st.Peers, PeerStatus{ID: p.ID(), State: p.State(), Queued: p.Queued()})
		if n.peers.IsUnreachable(p.ID()) {
			st.Unreachable++
		}
	})
	n.hive.Each(func(sw *swarm.Swarm) {
		d := n.downloads[sw.ID()]
		st.Swarms = append(st.Swarms, SwarmStatus{
			ID:        sw.ID(),
			Chunks:    sw.NumChunks(),
			Completed: sw.Completed(),
			Delivered: d.reassembler.Last() + 1,
			Wanted:    sw.Wanted(),
			Pending:   d.reassembler.Pending(),
			Have:      sw.Bitfield(),
		})
	})
	return st
}
