// Package scheduler decides where each wanted chunk comes from and feeds
// fulfilled chunks to the playback sink in order.
package scheduler

import (
	"errors"
	"math/rand"
	"time"

	"tarun-kavipurapu/waggle/pkg/clock"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/monitor"
	"tarun-kavipurapu/waggle/pkg/peers"
	"tarun-kavipurapu/waggle/pkg/swarm"
)

const (
	DefaultQuorum        = 3
	DefaultFallbackDelay = 2 * time.Second
)

// Origin fetches a chunk's byte range from the HTTP origin. done must be
// invoked on the scheduler owner's goroutine.
type Origin interface {
	Fetch(s *swarm.Swarm, c *swarm.Chunk, done func(data []byte, err error))
}

type Config struct {
	// Quorum is how many peers are asked for a chunk. Fewer reachable
	// candidates than this sends the request to the origin instead.
	Quorum int
	// FallbackDelay is how long peers get before the origin is asked too.
	FallbackDelay time.Duration
}

// Scheduler places requests for wanted chunks.
type Scheduler struct {
	cfg     Config
	peers   *peers.PeerSet
	origin  Origin
	clock   clock.Clock
	rand    *rand.Rand
	localID string
}

func New(cfg Config, ps *peers.PeerSet, origin Origin, clk clock.Clock, rnd *rand.Rand) *Scheduler {
	if cfg.Quorum <= 0 {
		cfg.Quorum = DefaultQuorum
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = DefaultFallbackDelay
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{cfg: cfg, peers: ps, origin: origin, clock: clk, rand: rnd}
}

// SetLocalID excludes our own id from the candidates.
func (s *Scheduler) SetLocalID(id string) {
	s.localID = id
}

// ChunkWanted places the requests for c.
func (s *Scheduler) ChunkWanted(sw *swarm.Swarm, c *swarm.Chunk) {
	if c.Fulfilled() {
		return
	}

	candidates := s.peers.In(s.candidates(c)).Reachable()
	if len(candidates) < s.cfg.Quorum {
		logger.Sugar.Debugf("[Scheduler] %s: %d candidates, asking origin", c, len(candidates))
		s.fetchFromOrigin(sw, c)
		return
	}

	selection := s.peers.In(candidates)
	asked := s.sample(selection.Connected(), s.cfg.Quorum)
	for _, id := range asked {
		if err := s.peers.Get(id).Request(c); err != nil {
			logger.Sugar.Warnf("[Scheduler] request %s from %s: %v", c, id, err)
		}
	}

	if missing := s.cfg.Quorum - len(asked); missing > 0 {
		for _, id := range s.sample(selection.NotConnected(), missing) {
			p, err := s.peers.Connect(id)
			if err != nil {
				logger.Sugar.Warnf("[Scheduler] %v", err)
				continue
			}
			if err := p.Request(c); err != nil {
				logger.Sugar.Warnf("[Scheduler] queue %s for %s: %v", c, id, err)
			}
		}
	}

	// The timer is never cancelled; a fulfilled chunk makes it a no-op.
	s.clock.AfterFunc(s.cfg.FallbackDelay, func() {
		if c.Fulfilled() {
			return
		}
		logger.Sugar.Infof("[Scheduler] %s not received from peers after %s, asking origin", c, s.cfg.FallbackDelay)
		monitor.FallbackFetches.Inc()
		s.fetchFromOrigin(sw, c)
	})
}

func (s *Scheduler) candidates(c *swarm.Chunk) []string {
	ids := c.Peers()
	if s.localID == "" {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if id != s.localID {
			out = append(out, id)
		}
	}
	return out
}

// sample picks up to n ids uniformly without replacement.
func (s *Scheduler) sample(ids []string, n int) []string {
	if n <= 0 || len(ids) == 0 {
		return nil
	}
	pool := append([]string(nil), ids...)
	s.rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n < len(pool) {
		pool = pool[:n]
	}
	return pool
}

func (s *Scheduler) fetchFromOrigin(sw *swarm.Swarm, c *swarm.Chunk) {
	s.origin.Fetch(sw, c, func(data []byte, err error) {
		if err != nil {
			monitor.OriginErrors.Inc()
			logger.Sugar.Errorf("[Scheduler] origin fetch of %s failed: %v", c, err)
			return
		}
		s.Deliver(c, data, swarm.SourceServer)
	})
}

// Deliver fulfills c. Losing a race against another source is not an
// error; the first payload is kept.
func (s *Scheduler) Deliver(c *swarm.Chunk, data []byte, src swarm.Source) {
	if err := c.Fulfill(data, src); err != nil {
		if errors.Is(err, swarm.ErrAlreadyFulfilled) {
			logger.Sugar.Debugf("[Scheduler] %v", err)
			return
		}
		logger.Sugar.Errorf("[Scheduler] fulfill %s: %v", c, err)
	}
}

// ChunkFulfilled records where the chunk came from.
func (s *Scheduler) ChunkFulfilled(sw *swarm.Swarm, c *swarm.Chunk, src swarm.Source) {
	monitor.RecordChunk(string(src), len(c.Data()))
	logger.Sugar.Debugf("[Scheduler] %s fulfilled from %s (%d bytes)", c, src, len(c.Data()))
}
