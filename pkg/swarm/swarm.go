// Package swarm tracks the chunks of one file, who has them and which ones
// the local playback wants next.
//
// Nothing in this package is safe for concurrent use; the owning node drives
// it from a single goroutine.
package swarm

import (
	"errors"
	"fmt"
	"sort"

	bitmap "github.com/boljen/go-bitmap"

	"tarun-kavipurapu/waggle/pkg/idset"
)

var ErrUnknownChunk = errors.New("unknown chunk")

// Index is a full availability snapshot: chunk id -> peers holding it.
type Index map[int]idset.Set

// NewIndex builds the snapshot for a file of fileSize bytes with no peers.
func NewIndex(fileSize, chunkSize int64) Index {
	n := NumChunksFor(fileSize, chunkSize)
	index := make(Index, n)
	for i := 0; i < n; i++ {
		index[i] = idset.New()
	}
	return index
}

// NumChunksFor is ceil(fileSize / chunkSize).
func NumChunksFor(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Listener receives swarm events. Callbacks run synchronously on the
// goroutine that caused them.
type Listener interface {
	ChunkWanted(s *Swarm, c *Chunk)
	ChunkFulfilled(s *Swarm, c *Chunk, src Source)
}

type Swarm struct {
	id        string
	fileURL   string
	chunkSize int64

	chunks  map[int]*Chunk
	wanted  []int
	indexed bool
	have    bitmap.Bitmap

	listeners []Listener
}

func New(id, fileURL string, chunkSize int64) *Swarm {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Swarm{
		id:        id,
		fileURL:   fileURL,
		chunkSize: chunkSize,
		chunks:    make(map[int]*Chunk),
	}
}

func (s *Swarm) ID() string { return s.id }

func (s *Swarm) FileURL() string { return s.fileURL }

func (s *Swarm) ChunkSize() int64 { return s.chunkSize }

// Indexed reports whether an index snapshot has been loaded.
func (s *Swarm) Indexed() bool { return s.indexed }

func (s *Swarm) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// SetState loads a full index snapshot. Existing chunks keep their payload
// but take the snapshot's availability. Every id already in the want-list is
// announced again so a want that raced the snapshot is not lost.
func (s *Swarm) SetState(index Index) {
	for id, peers := range index {
		if id < 0 {
			continue
		}
		c, ok := s.chunks[id]
		if !ok {
			c = NewChunk(id, s.id, s.chunkSize)
			c.OnFulfilled(s.chunkFulfilled)
			s.chunks[id] = c
		}
		c.peers = idset.New(peersOf(peers)...)
	}
	s.indexed = true
	s.resizeBitfield()

	// Ids that the snapshot does not know cannot stay wanted.
	kept := s.wanted[:0]
	for _, id := range s.wanted {
		if c, ok := s.chunks[id]; ok && !c.Fulfilled() {
			kept = append(kept, id)
		}
	}
	s.wanted = kept

	for _, id := range append([]int(nil), s.wanted...) {
		s.emitWanted(s.chunks[id])
	}
}

func peersOf(set idset.Set) []string {
	if set.IsZero() {
		return nil
	}
	return set.Slice()
}

// Chunk returns the chunk for id, or nil.
func (s *Swarm) Chunk(id int) *Chunk {
	return s.chunks[id]
}

// Chunks returns every known chunk ordered by id.
func (s *Swarm) Chunks() []*Chunk {
	out := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// PeerHas reports whether uid is known to hold chunk id.
func (s *Swarm) PeerHas(uid string, id int) bool {
	c, ok := s.chunks[id]
	return ok && c.HasPeer(uid)
}

// Want queues id for retrieval and announces it. Ids already wanted,
// already fulfilled, or absent from a loaded index are ignored. Before the
// first snapshot the id is only recorded; SetState announces it.
func (s *Swarm) Want(id int) {
	if id < 0 || s.IsWanted(id) {
		return
	}
	c, ok := s.chunks[id]
	if !ok && s.indexed {
		return
	}
	if ok && c.Fulfilled() {
		return
	}

	s.wanted = append(s.wanted, id)
	if ok {
		s.emitWanted(c)
	}
}

func (s *Swarm) IsWanted(id int) bool {
	for _, w := range s.wanted {
		if w == id {
			return true
		}
	}
	return false
}

// Wanted returns a copy of the want-list in request order.
func (s *Swarm) Wanted() []int {
	return append([]int{}, s.wanted...)
}

// Update applies an availability delta for one chunk.
func (s *Swarm) Update(chunkID int, add, remove []string) error {
	c, ok := s.chunks[chunkID]
	if !ok {
		return fmt.Errorf("swarm %s: chunk %d: %w", s.id, chunkID, ErrUnknownChunk)
	}
	for _, uid := range add {
		c.AvailableFrom(uid)
	}
	for _, uid := range remove {
		c.NotAvailableFrom(uid)
	}
	return nil
}

// ForgetPeer drops uid from the availability of every chunk.
func (s *Swarm) ForgetPeer(uid string) {
	for _, c := range s.chunks {
		c.NotAvailableFrom(uid)
	}
}

func (s *Swarm) NumChunks() int {
	return len(s.chunks)
}

// Completed counts fulfilled chunks.
func (s *Swarm) Completed() int {
	n := 0
	for i := 0; i < s.have.Len(); i++ {
		if s.have.Get(i) {
			n++
		}
	}
	return n
}

// Bitfield returns a copy of the fulfilled-chunk bitmap.
func (s *Swarm) Bitfield() bitmap.Bitmap {
	return append(bitmap.Bitmap(nil), s.have...)
}

func (s *Swarm) resizeBitfield() {
	size := 0
	for id := range s.chunks {
		if id+1 > size {
			size = id + 1
		}
	}
	s.have = bitmap.New(size)
	for id, c := range s.chunks {
		if c.Fulfilled() {
			s.have.Set(id, true)
		}
	}
}

func (s *Swarm) chunkFulfilled(c *Chunk, src Source) {
	kept := s.wanted[:0]
	for _, id := range s.wanted {
		if id != c.id {
			kept = append(kept, id)
		}
	}
	s.wanted = kept
	if c.id < s.have.Len() {
		s.have.Set(c.id, true)
	}

	for _, l := range s.listeners {
		l.ChunkFulfilled(s, c, src)
	}
}

func (s *Swarm) emitWanted(c *Chunk) {
	for _, l := range s.listeners {
		l.ChunkWanted(s, c)
	}
}
