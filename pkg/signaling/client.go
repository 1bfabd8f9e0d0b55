// Package signaling is the client side of the room websocket: it receives
// index and negotiation messages from the server and sends ours.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// Client is one websocket connection to a room.
type Client struct {
	conn     *websocket.Conn
	incoming chan protocol.Envelope

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	closed    atomic.Bool
	errMu     sync.Mutex
	err       error
}

// RoomURL joins the server endpoint and the room name.
func RoomURL(server, room string) string {
	return strings.TrimRight(server, "/") + "/" + url.PathEscape(room)
}

// Dial connects to room on the signaling server at serverURL
// (ws://host:port/api/rooms).
func Dial(ctx context.Context, serverURL, room string) (*Client, error) {
	target := RoomURL(serverURL, room)
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("signaling url %q: %w", target, err)
	}
	origin := "http://" + u.Host

	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	logger.Sugar.Infof("[Signaling] connected to %s", target)
	return NewClient(conn), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:     conn,
		incoming: make(chan protocol.Envelope, 64),
	}
	go c.readLoop()
	return c
}

// Consume returns the received messages. The channel is closed when the
// connection ends; Err tells why.
func (c *Client) Consume() <-chan protocol.Envelope {
	return c.incoming
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		var env protocol.Envelope
		if err := websocket.JSON.Receive(c.conn, &env); err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.setErr(err)
			}
			return
		}
		c.incoming <- env
	}
}

// Signal sends one message.
func (c *Client) Signal(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := websocket.JSON.Send(c.conn, env); err != nil {
		return fmt.Errorf("signal %s: %w", event, err)
	}
	return nil
}

// KeepAlive pings the server every interval so it does not drop us as
// stale. It returns when ctx is done or a ping fails.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Signal(protocol.EventPing, struct{}{}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err is the read error that ended the connection, nil for a clean close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
