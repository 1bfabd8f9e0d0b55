package peer

import (
	"fmt"
	"io"
	"strings"
	"time"

	"tarun-kavipurapu/waggle/pkg/swarm"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

// maxSquares caps the chunk map; larger files are summarized.
const maxSquares = 64

// ProgressRenderer draws a download's chunk map and throughput on one line.
// Each chunk is a square colored by where it came from.
type ProgressRenderer struct {
	tracker     *DownloadTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
}

// NewProgressRenderer creates a new progress renderer
func NewProgressRenderer(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
	}
}

// SetRefreshRate sets the refresh rate for the progress line
func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start begins the render loop
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the renderer and prints the final state
func (pr *ProgressRenderer) StopAndWait() {
	close(pr.stopChan)
	<-pr.doneChan
	pr.RenderFinal()
}

// Render renders the current progress
func (pr *ProgressRenderer) Render() {
	p := pr.tracker.GetProgress()
	line := fmt.Sprintf("\r[%s] %s %d/%d chunks | %s/s | %.0f%% from peers | ETA: %s",
		pr.tracker.FileName, pr.squares(), p.Completed, p.Total,
		formatBytes(p.Speed), p.PeerPercent, formatETA(pr.tracker.GetETA()))
	fmt.Fprint(pr.out, line)
}

// RenderFinal renders the completed state
func (pr *ProgressRenderer) RenderFinal() {
	p := pr.tracker.GetProgress()
	status := "Completed"
	if p.Total == 0 || p.Delivered < p.Total {
		status = pr.paint(Red, "Stopped")
	}
	fmt.Fprintf(pr.out, "\r\033[K[%s] %s %d/%d chunks | %s in %s | server %s, peers %s\n",
		pr.tracker.FileName, pr.squares(), p.Delivered, p.Total, status,
		formatDuration(p.Elapsed), formatBytes(float64(p.FromServer)), formatBytes(float64(p.FromPeers)))
}

func (pr *ProgressRenderer) squares() string {
	chunks := pr.tracker.Chunks()
	if len(chunks) > maxSquares {
		return pr.summary(chunks)
	}
	var b strings.Builder
	for i := range chunks {
		b.WriteString(pr.square(&chunks[i]))
	}
	return b.String()
}

// summary buckets the chunks so the map keeps a fixed width; a bucket shows
// its least advanced chunk.
func (pr *ProgressRenderer) summary(chunks []ChunkProgress) string {
	var b strings.Builder
	per := (len(chunks) + maxSquares - 1) / maxSquares
	for start := 0; start < len(chunks); start += per {
		end := min(start+per, len(chunks))
		worst := &chunks[start]
		for i := start; i < end; i++ {
			if chunks[i].State < worst.State {
				worst = &chunks[i]
			}
		}
		b.WriteString(pr.square(worst))
	}
	return b.String()
}

func (pr *ProgressRenderer) square(cp *ChunkProgress) string {
	switch {
	case cp.State == ChunkCompleted && cp.Source == swarm.SourcePeers:
		return pr.paint(Green, "█")
	case cp.State == ChunkCompleted:
		return pr.paint(Blue, "█")
	case cp.State == ChunkWanted:
		return pr.paint(Yellow, "▒")
	default:
		return pr.paint(Gray, "░")
	}
}

func (pr *ProgressRenderer) paint(color, s string) string {
	if !pr.useColors {
		return s
	}
	return color + s + Reset
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

// formatETA formats an estimated time into a human-readable string
func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
