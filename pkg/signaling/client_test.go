package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"tarun-kavipurapu/waggle/pkg/protocol"
)

func TestRoomURL(t *testing.T) {
	assert.Equal(t, "ws://h:1/api/rooms/movie%20night", RoomURL("ws://h:1/api/rooms/", "movie night"))
}

func TestClientExchange(t *testing.T) {
	received := make(chan protocol.Envelope, 1)
	paths := make(chan string, 1)
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		paths <- conn.Request().URL.Path
		env, err := protocol.NewEnvelope(protocol.EventUID, protocol.UID{UID: "42", Token: "t"})
		if err != nil {
			return
		}
		if err := websocket.JSON.Send(conn, env); err != nil {
			return
		}
		var in protocol.Envelope
		if err := websocket.JSON.Receive(conn, &in); err == nil {
			received <- in
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1)+"/api/rooms", "foo")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "/api/rooms/foo", <-paths)

	var env protocol.Envelope
	select {
	case env = <-c.Consume():
	case <-ctx.Done():
		t.Fatal("no message from server")
	}
	assert.Equal(t, protocol.EventUID, env.Event)
	var uid protocol.UID
	require.NoError(t, env.Decode(&uid))
	assert.Equal(t, "42", uid.UID)

	require.NoError(t, c.Signal(protocol.EventHave, protocol.Have{Swarm: "s", Chunk: 1}))
	select {
	case in := <-received:
		assert.Equal(t, protocol.EventHave, in.Event)
		assert.JSONEq(t, `{"swarm":"s","chunk":1}`, string(in.Data))
	case <-ctx.Done():
		t.Fatal("server never got the message")
	}

	// the server handler returned, so the connection ends
	select {
	case _, ok := <-c.Consume():
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("connection never closed")
	}
}

func TestKeepAlive(t *testing.T) {
	pings := make(chan protocol.Envelope, 4)
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		for {
			var in protocol.Envelope
			if err := websocket.JSON.Receive(conn, &in); err != nil {
				return
			}
			pings <- in
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1)+"/api/rooms", "foo")
	require.NoError(t, err)
	defer c.Close()

	kctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.KeepAlive(kctx, 10*time.Millisecond) }()

	select {
	case env := <-pings:
		assert.Equal(t, protocol.EventPing, env.Event)
	case <-ctx.Done():
		t.Fatal("no ping")
	}
	stop()
	assert.NoError(t, <-done)
}
