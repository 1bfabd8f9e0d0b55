package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"tarun-kavipurapu/waggle/pkg/swarm"
)

var ErrDuplicateChunk = errors.New("duplicate chunk")

// Sink consumes chunk payloads in id order.
type Sink interface {
	Append(c *swarm.Chunk) error
}

// Reassembler hands chunks to a Sink strictly in order, buffering the ones
// that arrive early.
type Reassembler struct {
	sink      Sink
	last      int
	pending   []*swarm.Chunk // ascending by id
	onDeliver func(*swarm.Chunk)
}

func NewReassembler(sink Sink) *Reassembler {
	return &Reassembler{sink: sink, last: -1}
}

// OnDeliver sets a callback run after each chunk reaches the sink.
func (r *Reassembler) OnDeliver(fn func(*swarm.Chunk)) {
	r.onDeliver = fn
}

// Push delivers c if it is next, then everything buffered behind it.
// Otherwise c waits. A chunk already delivered or buffered is refused with
// ErrDuplicateChunk. If the sink fails the chunk stays undelivered.
func (r *Reassembler) Push(c *swarm.Chunk) error {
	id := c.ID()
	if id <= r.last {
		return fmt.Errorf("chunk %d (delivered up to %d): %w", id, r.last, ErrDuplicateChunk)
	}
	i := sort.Search(len(r.pending), func(i int) bool { return r.pending[i].ID() >= id })
	if i < len(r.pending) && r.pending[i].ID() == id {
		return fmt.Errorf("chunk %d (pending): %w", id, ErrDuplicateChunk)
	}

	if id != r.last+1 {
		r.pending = append(r.pending, nil)
		copy(r.pending[i+1:], r.pending[i:])
		r.pending[i] = c
		return nil
	}

	if err := r.deliver(c); err != nil {
		return err
	}
	// Pop before delivering: onDeliver may push again.
	for len(r.pending) > 0 && r.pending[0].ID() == r.last+1 {
		next := r.pending[0]
		r.pending = r.pending[1:]
		if err := r.deliver(next); err != nil {
			r.pending = append([]*swarm.Chunk{next}, r.pending...)
			return err
		}
	}
	return nil
}

func (r *Reassembler) deliver(c *swarm.Chunk) error {
	if err := r.sink.Append(c); err != nil {
		return fmt.Errorf("append chunk %d: %w", c.ID(), err)
	}
	r.last = c.ID()
	if r.onDeliver != nil {
		r.onDeliver(c)
	}
	return nil
}

// Last is the highest id delivered, -1 before the first.
func (r *Reassembler) Last() int { return r.last }

// Pending lists the buffered ids.
func (r *Reassembler) Pending() []int {
	ids := make([]int, len(r.pending))
	for i, c := range r.pending {
		ids[i] = c.ID()
	}
	return ids
}
