// Package sink holds the playback sinks the reassembler writes into.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"tarun-kavipurapu/waggle/pkg/swarm"
)

// Writer appends chunk payloads to an io.Writer, e.g. a player's stdin.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	written int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (s *Writer) Append(c *swarm.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(c.Data())
	s.written += int64(n)
	return err
}

// Written is the number of bytes appended so far.
func (s *Writer) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// File writes each chunk at its offset in a file. It does not depend on
// arrival order, but is normally fed in order by the reassembler.
type File struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	f    afero.File
}

// NewFile creates (or truncates) path on fs.
func NewFile(fs afero.Fs, path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &File{fs: fs, path: path, f: f}, nil
}

func (s *File) Append(c *swarm.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, _ := c.Bounds()
	if _, err := s.f.WriteAt(c.Data(), start); err != nil {
		return fmt.Errorf("write %s at %d: %w", s.path, start, err)
	}
	return nil
}

func (s *File) Path() string { return s.path }

func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
