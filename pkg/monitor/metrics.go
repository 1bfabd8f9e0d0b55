package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tarun-kavipurapu/waggle/pkg/logger"
)

var (
	ChunksFulfilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "chunks",
		Name:      "fulfilled_total",
		Help:      "Chunks fulfilled, by source",
	}, []string{"source"})
	ChunkBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "chunks",
		Name:      "bytes_total",
		Help:      "Payload bytes fulfilled, by source",
	}, []string{"source"})
	ChunksServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "chunks",
		Name:      "served_total",
		Help:      "Chunks sent to requesting peers",
	})
	OriginErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "origin",
		Name:      "errors_total",
		Help:      "Origin fetches that did not fulfill a chunk",
	})
	FallbackFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "scheduler",
		Name:      "fallback_total",
		Help:      "Origin fetches started by the fallback timer",
	})
	PeerStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "peers",
		Name:      "transitions_total",
		Help:      "Peer state transitions, by new state",
	}, []string{"state"})

	SignalingPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "waggle",
		Subsystem: "signaling",
		Name:      "peers",
		Help:      "Peers connected to the signaling server",
	})
	SignalingMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waggle",
		Subsystem: "signaling",
		Name:      "messages_total",
		Help:      "Signaling messages handled, by event",
	}, []string{"event"})
)

// Metrics holds the counters the periodic log line reads
type Metrics struct {
	TransferBytes int64
	TransferCount int64
	Start         time.Time
}

// Global metrics instance
var Global = &Metrics{
	Start: time.Now(),
}

// RecordChunk records a fulfilled chunk of n bytes from source.
func RecordChunk(source string, n int) {
	atomic.AddInt64(&Global.TransferBytes, int64(n))
	atomic.AddInt64(&Global.TransferCount, 1)
	ChunksFulfilled.WithLabelValues(source).Inc()
	ChunkBytes.WithLabelValues(source).Add(float64(n))
}

// LogPeriodic logs runtime metrics at the specified interval until ctx is done
func LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		elapsed := time.Since(Global.Start).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&Global.TransferBytes)) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Chunks=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			m.HeapSys/1024/1024,
			throughput,
			atomic.LoadInt64(&Global.TransferCount),
		)
	}
}
