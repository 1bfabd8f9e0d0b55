package swarm

import (
	"errors"
	"fmt"

	"tarun-kavipurapu/waggle/pkg/idset"
)

// DefaultChunkSize is the byte size of every chunk but possibly the last.
const DefaultChunkSize = 512 * 1024

var ErrAlreadyFulfilled = errors.New("chunk already fulfilled")

// Source tells where a chunk payload came from.
type Source string

const (
	SourceServer Source = "server"
	SourcePeers  Source = "peers"
)

// Chunk is one fixed-size piece of a swarm's file.
//
// The payload is write-once. Availability (which peers hold the chunk) is
// tracked separately and may change at any time.
type Chunk struct {
	id        int
	swarm     string
	chunkSize int64
	data      []byte
	fulfilled bool
	source    Source
	peers     idset.Set

	onFulfilled func(*Chunk, Source)
}

func NewChunk(id int, swarmID string, chunkSize int64) *Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunk{
		id:        id,
		swarm:     swarmID,
		chunkSize: chunkSize,
		peers:     idset.New(),
	}
}

func (c *Chunk) ID() int { return c.id }

func (c *Chunk) SwarmID() string { return c.swarm }

// Data returns the payload, nil until the chunk is fulfilled.
func (c *Chunk) Data() []byte { return c.data }

func (c *Chunk) Fulfilled() bool { return c.fulfilled }

// Source returns where the payload came from, empty while unfulfilled.
func (c *Chunk) Source() Source { return c.source }

// OnFulfilled sets the single fulfillment notification. It replaces any
// previous one.
func (c *Chunk) OnFulfilled(fn func(*Chunk, Source)) {
	c.onFulfilled = fn
}

// Fulfill stores the payload and notifies exactly once. Later calls return
// ErrAlreadyFulfilled and leave the first payload untouched.
func (c *Chunk) Fulfill(data []byte, src Source) error {
	if c.fulfilled {
		return fmt.Errorf("chunk %d of %s from %s: %w", c.id, c.swarm, src, ErrAlreadyFulfilled)
	}
	c.data = data
	c.source = src
	c.fulfilled = true
	if c.onFulfilled != nil {
		c.onFulfilled(c, src)
	}
	return nil
}

func (c *Chunk) AvailableFrom(uid string) {
	c.peers.Add(uid)
}

func (c *Chunk) NotAvailableFrom(uid string) {
	c.peers.Remove(uid)
}

func (c *Chunk) HasPeer(uid string) bool {
	return c.peers.Contains(uid)
}

// Peers returns the ids known to hold the chunk, sorted.
func (c *Chunk) Peers() []string {
	return c.peers.Slice()
}

// Bounds returns the inclusive byte range covered by the chunk.
func (c *Chunk) Bounds() (start, end int64) {
	start = int64(c.id) * c.chunkSize
	return start, start + c.chunkSize - 1
}

// Range renders Bounds the way an HTTP Range header wants it.
func (c *Chunk) Range() string {
	start, end := c.Bounds()
	return fmt.Sprintf("%d-%d", start, end)
}

func (c *Chunk) String() string {
	return fmt.Sprintf("%s#%d", c.swarm, c.id)
}
