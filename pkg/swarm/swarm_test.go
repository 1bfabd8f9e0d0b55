package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/waggle/pkg/idset"
)

type recorder struct {
	wanted    []*Chunk
	fulfilled []*Chunk
	sources   []Source
}

func (r *recorder) ChunkWanted(s *Swarm, c *Chunk) {
	r.wanted = append(r.wanted, c)
}

func (r *recorder) ChunkFulfilled(s *Swarm, c *Chunk, src Source) {
	r.fulfilled = append(r.fulfilled, c)
	r.sources = append(r.sources, src)
}

func newIndexedSwarm(t *testing.T, index Index) (*Swarm, *recorder) {
	t.Helper()
	s := New("swarm id", "http://origin/file.webm", DefaultChunkSize)
	rec := &recorder{}
	s.Subscribe(rec)
	s.SetState(index)
	return s, rec
}

func TestChunkFulfillIsWriteOnce(t *testing.T) {
	c := NewChunk(0, "fake swarm id", DefaultChunkSize)
	var calls []Source
	c.OnFulfilled(func(_ *Chunk, src Source) { calls = append(calls, src) })

	first := []byte("first")
	require.NoError(t, c.Fulfill(first, SourcePeers))
	assert.True(t, c.Fulfilled())
	assert.Equal(t, first, c.Data())
	assert.Equal(t, SourcePeers, c.Source())

	err := c.Fulfill([]byte("second"), SourceServer)
	assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	assert.Equal(t, first, c.Data())
	assert.Equal(t, SourcePeers, c.Source())
	assert.Equal(t, []Source{SourcePeers}, calls)
}

func TestChunkAvailability(t *testing.T) {
	c := NewChunk(0, "fake swarm id", DefaultChunkSize)
	assert.Empty(t, c.Peers())

	c.AvailableFrom("1")
	c.AvailableFrom("1")
	assert.Equal(t, []string{"1"}, c.Peers())

	require.NoError(t, c.Fulfill([]byte{1}, SourceServer))
	c.NotAvailableFrom("1")
	c.NotAvailableFrom("1")
	assert.Empty(t, c.Peers())
}

func TestChunkRange(t *testing.T) {
	assert.Equal(t, "0-524287", NewChunk(0, "", DefaultChunkSize).Range())
	assert.Equal(t, "524288-1048575", NewChunk(1, "", DefaultChunkSize).Range())
	assert.Equal(t, "20-29", NewChunk(2, "", 10).Range())
}

func TestSetStateLoadsAvailability(t *testing.T) {
	s, _ := newIndexedSwarm(t, Index{0: idset.New("1", "2", "3"), 1: idset.New()})

	assert.Equal(t, []string{"1", "2", "3"}, s.Chunk(0).Peers())
	assert.Empty(t, s.Chunk(1).Peers())
	assert.Equal(t, 2, s.NumChunks())
	assert.True(t, s.PeerHas("1", 0))
	assert.False(t, s.PeerHas("1", 1))
	assert.False(t, s.PeerHas("1", 7))
}

func TestSetStateKeepsPayloadOnReload(t *testing.T) {
	s, _ := newIndexedSwarm(t, Index{0: idset.New(), 1: idset.New()})
	require.NoError(t, s.Chunk(0).Fulfill([]byte("x"), SourceServer))

	s.SetState(Index{0: idset.New("9"), 1: idset.New(), 2: idset.New()})
	assert.Equal(t, []byte("x"), s.Chunk(0).Data())
	assert.Equal(t, []string{"9"}, s.Chunk(0).Peers())
	assert.Equal(t, 3, s.NumChunks())
	assert.True(t, s.Bitfield().Get(0))
	assert.False(t, s.Bitfield().Get(2))
}

func TestWantBeforeIndexIsAnnouncedOnLoad(t *testing.T) {
	s := New("swarm id", "", DefaultChunkSize)
	rec := &recorder{}
	s.Subscribe(rec)

	s.Want(0)
	assert.Empty(t, rec.wanted)
	assert.Equal(t, []int{0}, s.Wanted())

	s.SetState(Index{0: idset.New(), 1: idset.New()})
	require.Len(t, rec.wanted, 1)
	assert.Same(t, s.Chunk(0), rec.wanted[0])
}

func TestSetStateDropsWantsWithoutChunk(t *testing.T) {
	s := New("swarm id", "", DefaultChunkSize)
	s.Want(5)
	s.SetState(Index{0: idset.New()})
	assert.Empty(t, s.Wanted())
}

func TestWant(t *testing.T) {
	s, rec := newIndexedSwarm(t, Index{0: idset.New(), 1: idset.New()})

	s.Want(0)
	assert.Equal(t, []int{0}, s.Wanted())
	require.Len(t, rec.wanted, 1)
	assert.Same(t, s.Chunk(0), rec.wanted[0])

	t.Run("no duplicates", func(t *testing.T) {
		s.Want(0)
		assert.Equal(t, []int{0}, s.Wanted())
		assert.Len(t, rec.wanted, 1)
	})

	t.Run("no unknown chunks", func(t *testing.T) {
		s.Want(7)
		s.Want(-1)
		assert.Equal(t, []int{0}, s.Wanted())
	})
}

func TestWantIdempotentOnFive(t *testing.T) {
	index := Index{}
	for i := 0; i < 6; i++ {
		index[i] = idset.New()
	}
	s, _ := newIndexedSwarm(t, index)

	s.Want(5)
	s.Want(5)
	assert.Equal(t, []int{5}, s.Wanted())
}

func TestFulfillRemovesFromWantList(t *testing.T) {
	s, rec := newIndexedSwarm(t, Index{0: idset.New(), 1: idset.New()})
	s.Want(0)
	s.Want(1)
	assert.Equal(t, []int{0, 1}, s.Wanted())

	require.NoError(t, s.Chunk(0).Fulfill(make([]byte, 10), SourceServer))

	assert.Equal(t, []int{1}, s.Wanted())
	require.Len(t, rec.fulfilled, 1)
	assert.Same(t, s.Chunk(0), rec.fulfilled[0])
	assert.Equal(t, []Source{SourceServer}, rec.sources)
	assert.Equal(t, 1, s.Completed())
	assert.True(t, s.Bitfield().Get(0))

	// Fulfilled chunks are not wanted again.
	s.Want(0)
	assert.Equal(t, []int{1}, s.Wanted())
}

func TestUpdateAndForgetPeer(t *testing.T) {
	s, _ := newIndexedSwarm(t, Index{0: idset.New("a"), 1: idset.New("a")})

	require.NoError(t, s.Update(0, []string{"b", "b"}, []string{"a"}))
	assert.Equal(t, []string{"b"}, s.Chunk(0).Peers())

	assert.ErrorIs(t, s.Update(9, []string{"b"}, nil), ErrUnknownChunk)

	s.ForgetPeer("a")
	s.ForgetPeer("b")
	assert.Empty(t, s.Chunk(0).Peers())
	assert.Empty(t, s.Chunk(1).Peers())
}

func TestNewIndex(t *testing.T) {
	assert.Len(t, NewIndex(10, 4), 3)
	assert.Len(t, NewIndex(8, 4), 2)
	assert.Empty(t, NewIndex(0, 4))
}

func TestHive(t *testing.T) {
	h := NewHive()
	s1 := h.Add("swarm1", "file1 url", 0)
	s2 := h.Add("swarm2", "file2 url", 0)

	got, ok := h.Get("swarm1")
	require.True(t, ok)
	assert.Same(t, s1, got)
	assert.Same(t, s1, h.Add("swarm1", "other", 0))

	_, ok = h.Get("nope")
	assert.False(t, ok)

	var harvested []*Swarm
	h.Each(func(s *Swarm) { harvested = append(harvested, s) })
	assert.Equal(t, []*Swarm{s1, s2}, harvested)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, int64(DefaultChunkSize), s1.ChunkSize())
}
