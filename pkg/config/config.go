// Package config handles waggle.toml configuration for the peer and the
// server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as "2s", "10s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// File is the whole waggle.toml.
type File struct {
	Peer   Peer   `toml:"peer"`
	Server Server `toml:"server"`
}

// Peer configures a client node.
type Peer struct {
	// Server is the signaling websocket URL. Empty means look it up via mDNS.
	Server     string   `toml:"server"`
	Room       string   `toml:"room"`
	ListenAddr string   `toml:"listen"`
	Advertise  []string `toml:"advertise"`

	Quorum         int      `toml:"quorum"`
	FallbackDelay  Duration `toml:"fallback-delay"`
	ConnectTimeout Duration `toml:"connect-timeout"`
	ChunkSize      int64    `toml:"chunk-size"`
	Lookahead      int      `toml:"lookahead"`
	OriginRate     float64  `toml:"origin-rate"`

	MetricsInterval Duration `toml:"metrics-interval"`
	LogFile         string   `toml:"log-file"`
	LogLevel        string   `toml:"log-level"`
}

// Server configures the index/signaling server.
type Server struct {
	ListenAddr   string   `toml:"listen"`
	MDNS         bool     `toml:"mdns"`
	InstanceName string   `toml:"instance-name"`
	StaleTimeout Duration `toml:"stale-timeout"`

	LogFile  string `toml:"log-file"`
	LogLevel string `toml:"log-level"`
}

func DefaultPeer() Peer {
	return Peer{
		Room:            "default",
		ListenAddr:      "0.0.0.0:0",
		Quorum:          3,
		FallbackDelay:   Duration{2 * time.Second},
		ConnectTimeout:  Duration{10 * time.Second},
		ChunkSize:       512 * 1024,
		Lookahead:       2,
		MetricsInterval: Duration{30 * time.Second},
	}
}

func DefaultServer() Server {
	return Server{
		ListenAddr:   ":8080",
		MDNS:         true,
		StaleTimeout: Duration{90 * time.Second},
	}
}

func Default() File {
	return File{Peer: DefaultPeer(), Server: DefaultServer()}
}

// Load reads path over the defaults. Unknown keys are an error so typos do
// not go unnoticed. An empty path returns the defaults.
func Load(path string) (*File, error) {
	f := Default()
	if path == "" {
		return &f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := f.Peer.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (p Peer) Validate() error {
	switch {
	case p.Quorum < 1:
		return fmt.Errorf("quorum must be at least 1, got %d", p.Quorum)
	case p.ChunkSize < 1:
		return fmt.Errorf("chunk-size must be positive, got %d", p.ChunkSize)
	case p.Lookahead < 0:
		return fmt.Errorf("lookahead must not be negative, got %d", p.Lookahead)
	case p.FallbackDelay.Duration <= 0:
		return fmt.Errorf("fallback-delay must be positive, got %s", p.FallbackDelay)
	case p.ConnectTimeout.Duration <= 0:
		return fmt.Errorf("connect-timeout must be positive, got %s", p.ConnectTimeout)
	}
	return nil
}
