package peer

import (
	"sync"
	"time"

	"tarun-kavipurapu/waggle/pkg/swarm"
)

// ChunkState represents where a chunk is in its download
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkWanted
	ChunkCompleted
)

// String returns a string representation of the chunk state
func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkWanted:
		return "wanted"
	case ChunkCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ChunkProgress tracks the progress of a single chunk
type ChunkProgress struct {
	Index     int
	State     ChunkState
	Source    swarm.Source
	Bytes     int
	WantedAt  time.Time
	DoneAt    time.Time
	Delivered bool
}

// Latency is the time from want to fulfillment, zero while incomplete.
func (cp *ChunkProgress) Latency() time.Duration {
	if cp.State != ChunkCompleted || cp.WantedAt.IsZero() {
		return 0
	}
	return cp.DoneAt.Sub(cp.WantedAt)
}

// DownloadTracker tracks the progress of one followed file. The node writes
// to it from its loop; renderers read it from their own goroutine.
type DownloadTracker struct {
	mu        sync.RWMutex
	SwarmID   string
	FileName  string
	FileSize  int64
	chunks    []ChunkProgress
	StartTime time.Time
	EndTime   time.Time

	bytesBySource map[swarm.Source]int64
	delivered     int

	// Speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

// NewDownloadTracker creates a new download tracker
func NewDownloadTracker(swarmID, fileName string, fileSize int64) *DownloadTracker {
	now := time.Now()
	return &DownloadTracker{
		SwarmID:       swarmID,
		FileName:      fileName,
		FileSize:      fileSize,
		StartTime:     now,
		lastTime:      now,
		bytesBySource: make(map[swarm.Source]int64),
	}
}

// InitChunks sizes the tracker once the index is known. Calling it again
// with the same count keeps the recorded progress.
func (dt *DownloadTracker) InitChunks(n int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if len(dt.chunks) == n {
		return
	}
	chunks := make([]ChunkProgress, n)
	for i := range chunks {
		if i < len(dt.chunks) {
			chunks[i] = dt.chunks[i]
			continue
		}
		chunks[i] = ChunkProgress{Index: i}
	}
	dt.chunks = chunks
}

// WantChunk marks a chunk as requested
func (dt *DownloadTracker) WantChunk(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if index < 0 || index >= len(dt.chunks) {
		return
	}
	if chunk := &dt.chunks[index]; chunk.State == ChunkPending {
		chunk.State = ChunkWanted
		chunk.WantedAt = time.Now()
	}
}

// CompleteChunk records a fulfilled chunk and where it came from
func (dt *DownloadTracker) CompleteChunk(index int, src swarm.Source, n int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if index < 0 || index >= len(dt.chunks) {
		return
	}
	chunk := &dt.chunks[index]
	if chunk.State == ChunkCompleted {
		return
	}
	chunk.State = ChunkCompleted
	chunk.Source = src
	chunk.Bytes = n
	chunk.DoneAt = time.Now()
	dt.bytesBySource[src] += int64(n)
}

// DeliverChunk records that a chunk reached the sink
func (dt *DownloadTracker) DeliverChunk(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if index < 0 || index >= len(dt.chunks) || dt.chunks[index].Delivered {
		return
	}
	dt.chunks[index].Delivered = true
	dt.delivered++
}

// UpdateSpeed calculates and updates the current download speed
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()

	if elapsed >= 0.5 {
		total := dt.bytesLocked()
		dt.currentSpeed = float64(total-dt.lastBytes) / elapsed
		dt.lastBytes = total
		dt.lastTime = now
	}

	return dt.currentSpeed
}

func (dt *DownloadTracker) bytesLocked() int64 {
	var total int64
	for _, n := range dt.bytesBySource {
		total += n
	}
	return total
}

// Progress is a point-in-time summary of a download.
type Progress struct {
	Completed   int
	Delivered   int
	Total       int
	FromServer  int64
	FromPeers   int64
	Speed       float64
	Elapsed     time.Duration
	PeerPercent float64
}

// GetProgress returns current progress statistics
func (dt *DownloadTracker) GetProgress() Progress {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	p := Progress{
		Delivered:  dt.delivered,
		Total:      len(dt.chunks),
		FromServer: dt.bytesBySource[swarm.SourceServer],
		FromPeers:  dt.bytesBySource[swarm.SourcePeers],
		Speed:      dt.currentSpeed,
	}
	for i := range dt.chunks {
		if dt.chunks[i].State == ChunkCompleted {
			p.Completed++
		}
	}
	if total := p.FromServer + p.FromPeers; total > 0 {
		p.PeerPercent = float64(p.FromPeers) / float64(total) * 100
	}
	if !dt.EndTime.IsZero() {
		p.Elapsed = dt.EndTime.Sub(dt.StartTime)
	} else {
		p.Elapsed = time.Since(dt.StartTime)
	}
	return p
}

// GetETA returns the estimated time remaining
func (dt *DownloadTracker) GetETA() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	remaining := dt.FileSize - dt.bytesLocked()
	if dt.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/dt.currentSpeed) * time.Second
}

// Chunks returns a copy of every chunk's progress.
func (dt *DownloadTracker) Chunks() []ChunkProgress {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return append([]ChunkProgress(nil), dt.chunks...)
}

// GetChunkStatus returns the status of a specific chunk
func (dt *DownloadTracker) GetChunkStatus(index int) (ChunkProgress, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if index < 0 || index >= len(dt.chunks) {
		return ChunkProgress{}, false
	}
	return dt.chunks[index], true
}

// IsComplete returns true once every chunk reached the sink
func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return len(dt.chunks) > 0 && dt.delivered == len(dt.chunks)
}

// MarkComplete marks the download as complete
func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if dt.EndTime.IsZero() {
		dt.EndTime = time.Now()
	}
}
