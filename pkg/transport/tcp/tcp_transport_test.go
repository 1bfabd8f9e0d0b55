package tcp

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/waggle/pkg/transport"
)

func newTransport(t *testing.T, id string) *TCPTransport {
	t.Helper()
	tr := NewTCPTransport("127.0.0.1:0")
	tr.SetLocalID(id)
	require.NoError(t, tr.ListenAndAccept())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func nextEvent(t *testing.T, tr *TCPTransport) transport.Event {
	t.Helper()
	select {
	case ev := <-tr.Consume():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
	return transport.Event{}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, FrameTypeMessage, []byte("hello")))
	assert.Equal(t, HeaderSize+5, buf.Len())

	msgType, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(FrameTypeMessage), msgType)
	assert.Equal(t, []byte("hello"), payload)
}

func TestLinkLifecycle(t *testing.T) {
	a := newTransport(t, "a")
	b := newTransport(t, "b")

	toB := a.NewLink("b")
	offer, err := toB.Offer()
	require.NoError(t, err)

	toA := b.NewLink("a")
	answer, err := toA.Answer(offer)
	require.NoError(t, err)
	require.NoError(t, toB.Complete(answer))

	ev := nextEvent(t, a)
	assert.Equal(t, transport.Event{Peer: "b", Kind: transport.EventOpen}, ev)
	ev = nextEvent(t, b)
	assert.Equal(t, transport.Event{Peer: "a", Kind: transport.EventOpen}, ev)

	require.NoError(t, toB.Send([]byte("ping")))
	ev = nextEvent(t, b)
	assert.Equal(t, transport.EventMessage, ev.Kind)
	assert.Equal(t, "a", ev.Peer)
	assert.Equal(t, []byte("ping"), ev.Frame)

	require.NoError(t, toA.Send([]byte("pong")))
	ev = nextEvent(t, a)
	assert.Equal(t, []byte("pong"), ev.Frame)

	require.NoError(t, toB.Close())
	ev = nextEvent(t, b)
	assert.Equal(t, transport.EventClosed, ev.Kind)
	assert.Equal(t, "a", ev.Peer)
}

func TestSendBeforeOpen(t *testing.T) {
	a := newTransport(t, "a")
	link := a.NewLink("b")
	assert.ErrorIs(t, link.Send([]byte("x")), ErrNotOpen)
}

func TestCompleteWithoutOffer(t *testing.T) {
	a := newTransport(t, "a")
	link := a.NewLink("b")
	err := link.Complete(json.RawMessage(`{"addr":"127.0.0.1:1"}`))
	assert.ErrorIs(t, err, ErrLinkState)
}

func TestDialFailure(t *testing.T) {
	a := newTransport(t, "a")
	closed := newTransport(t, "gone")
	addr := closed.Addr()
	require.NoError(t, closed.Close())

	link := a.NewLink("gone")
	_, err := link.Offer()
	require.NoError(t, err)
	answer, _ := json.Marshal(description{Addr: addr})
	require.NoError(t, link.Complete(answer))

	ev := nextEvent(t, a)
	assert.Equal(t, transport.EventFailed, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestAdvertisedCandidates(t *testing.T) {
	a := newTransport(t, "a")
	a.SetAdvertise(a.Addr(), "10.0.0.1:4000")

	_, err := a.NewLink("b").Offer()
	require.NoError(t, err)

	ev := nextEvent(t, a)
	assert.Equal(t, transport.EventCandidate, ev.Kind)
	assert.JSONEq(t, `{"addr":"10.0.0.1:4000"}`, string(ev.Candidate))
}
