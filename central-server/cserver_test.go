package centralserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/waggle/pkg/protocol"
	"tarun-kavipurapu/waggle/pkg/signaling"
	"tarun-kavipurapu/waggle/pkg/swarm"
)

type testServer struct {
	t   *testing.T
	ctx context.Context
	cs  *CentralServer
	url string
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	cs := NewCentralServer(Config{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cs.Serve(ctx)
	}()
	srv := httptest.NewServer(cs.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &testServer{t: t, ctx: ctx, cs: cs, url: srv.URL}
}

type peer struct {
	*signaling.Client
	uid string
}

func (s *testServer) join(room string) *peer {
	s.t.Helper()
	c, err := signaling.Dial(s.ctx, strings.Replace(s.url, "http", "ws", 1)+RoomsPath, room)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { c.Close() })

	p := &peer{Client: c}
	var uid protocol.UID
	s.next(p, protocol.EventUID, &uid)
	require.NotEmpty(s.t, uid.UID)
	require.NotEmpty(s.t, uid.Token)
	p.uid = uid.UID
	return p
}

// next reads the next message from p, which must be event.
func (s *testServer) next(p *peer, event string, v any) {
	s.t.Helper()
	select {
	case env, ok := <-p.Consume():
		require.True(s.t, ok, "connection closed waiting for %s", event)
		require.Equal(s.t, event, env.Event, "data: %s", env.Data)
		if v != nil {
			require.NoError(s.t, env.Decode(v))
		}
	case <-s.ctx.Done():
		s.t.Fatalf("timed out waiting for %s", event)
	}
}

func (s *testServer) register(p *peer, fileSize, chunkSize int64) protocol.IndexState {
	s.t.Helper()
	require.NoError(s.t, p.Signal(protocol.EventRegister, protocol.Register{Swarm: "video", FileSize: fileSize, ChunkSize: chunkSize}))
	var st protocol.IndexState
	s.next(p, protocol.EventIndexState, &st)
	return st
}

func TestJoinAssignsDistinctUIDs(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")
	b := s.join("foo")
	assert.NotEqual(t, a.uid, b.uid)

	rooms, err := s.cs.Status(s.ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "foo", rooms[0].Name)
	assert.ElementsMatch(t, []string{a.uid, b.uid}, rooms[0].Peers)
}

func TestRegisterCreatesSwarm(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")

	st := s.register(a, 10, 4)
	assert.Equal(t, "video", st.Swarm)
	require.Len(t, st.Index, 3)
	for id := 0; id < 3; id++ {
		assert.Equal(t, 0, st.Index[id].Len(), "chunk %d", id)
	}

	// later registrants get the existing swarm whatever sizes they send
	b := s.join("foo")
	st = s.register(b, 0, 0)
	assert.Len(t, st.Index, 3)
}

func TestRegisterSizeMismatchIsRejected(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")
	b := s.join("foo")
	s.register(a, 10, 4)

	require.NoError(t, b.Signal(protocol.EventRegister, protocol.Register{Swarm: "video", FileSize: 10, ChunkSize: 2}))
	var rej protocol.Rejected
	s.next(b, protocol.EventRejected, &rej)
	assert.Equal(t, "video", rej.Swarm)
	assert.Contains(t, rej.Reason, "4 byte chunks")

	require.NoError(t, b.Signal(protocol.EventRegister, protocol.Register{Swarm: "video", FileSize: 12, ChunkSize: 4}))
	s.next(b, protocol.EventRejected, nil)

	// b did not join the swarm; matching sizes still work
	rooms, err := s.cs.Status(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rooms[0].Swarms[0].Members)

	st := s.register(b, 10, 4)
	assert.Len(t, st.Index, 3)
}

func TestHaveBroadcastsToOtherMembers(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")
	b := s.join("foo")
	s.register(a, 8, 4)
	s.register(b, 8, 4)

	require.NoError(t, a.Signal(protocol.EventHave, protocol.Have{Swarm: "video", Chunk: 1}))
	var up protocol.IndexUpdate
	s.next(b, protocol.EventIndexUpdate, &up)
	assert.Equal(t, protocol.IndexUpdate{Swarm: "video", Chunk: 1, PeersToAdd: []string{a.uid}}, up)

	// a repeat is not broadcast: the next thing b sees is the relayed offer
	require.NoError(t, a.Signal(protocol.EventHave, protocol.Have{Swarm: "video", Chunk: 1}))
	require.NoError(t, a.Signal(protocol.EventOffer, protocol.Offer{Peer: b.uid, Offer: json.RawMessage(`{"addr":"1.2.3.4:5"}`)}))
	var offer protocol.Offer
	s.next(b, protocol.EventOffer, &offer)
	assert.Equal(t, a.uid, offer.Peer)
	assert.JSONEq(t, `{"addr":"1.2.3.4:5"}`, string(offer.Offer))

	// a new registrant sees the availability in its snapshot
	c := s.join("foo")
	st := s.register(c, 0, 0)
	assert.True(t, st.Index[1].Contains(a.uid))
}

func TestRelayAnswerAndCandidate(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")
	b := s.join("foo")

	require.NoError(t, b.Signal(protocol.EventAnswer, protocol.Answer{Peer: a.uid, Answer: json.RawMessage(`{}`)}))
	var answer protocol.Answer
	s.next(a, protocol.EventAnswer, &answer)
	assert.Equal(t, b.uid, answer.Peer)

	require.NoError(t, b.Signal(protocol.EventICECandidate, protocol.ICECandidate{Peer: a.uid, Candidate: json.RawMessage(`{"addr":"x"}`)}))
	var cand protocol.ICECandidate
	s.next(a, protocol.EventICECandidate, &cand)
	assert.Equal(t, b.uid, cand.Peer)
}

func TestRoomsAreIsolated(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")
	b := s.join("bar")

	// b cannot reach a across rooms; a only sees the message sent within foo
	require.NoError(t, b.Signal(protocol.EventOffer, protocol.Offer{Peer: a.uid, Offer: json.RawMessage(`{}`)}))
	a2 := s.join("foo")
	require.NoError(t, a2.Signal(protocol.EventOffer, protocol.Offer{Peer: a.uid, Offer: json.RawMessage(`{}`)}))
	var offer protocol.Offer
	s.next(a, protocol.EventOffer, &offer)
	assert.Equal(t, a2.uid, offer.Peer)
}

func TestDisconnectRemovesAvailability(t *testing.T) {
	s := startServer(t)
	a := s.join("foo")
	b := s.join("foo")
	s.register(a, 8, 4)
	s.register(b, 8, 4)

	require.NoError(t, a.Signal(protocol.EventHave, protocol.Have{Swarm: "video", Chunk: 0}))
	s.next(b, protocol.EventIndexUpdate, nil)

	require.NoError(t, a.Close())

	var up protocol.IndexUpdate
	s.next(b, protocol.EventIndexUpdate, &up)
	assert.Equal(t, protocol.IndexUpdate{Swarm: "video", Chunk: 0, PeersToRemove: []string{a.uid}}, up)

	var left protocol.BuddyLeft
	s.next(b, protocol.EventBuddyLeft, &left)
	assert.Equal(t, a.uid, left.Peer)

	rooms, err := s.cs.Status(s.ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{b.uid}, rooms[0].Peers)
	require.Len(t, rooms[0].Swarms, 1)
	assert.Equal(t, SwarmSummary{ID: "video", Chunks: 2, Members: 1}, rooms[0].Swarms[0])
}

func TestStatusEndpoint(t *testing.T) {
	s := startServer(t)
	s.join("foo")

	resp, err := http.Get(s.url + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rooms []RoomStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Peers, 1)

	metrics, err := http.Get(s.url + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

type fakeConn struct{ closed bool }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestMonitorPeersClosesStale(t *testing.T) {
	cs := NewCentralServer(Config{StaleTimeout: time.Minute})
	fresh, stale := &fakeConn{}, &fakeConn{}
	a := cs.newClient("foo", fresh)
	b := cs.newClient("foo", stale)
	cs.join(a)
	cs.join(b)
	b.lastSeen = time.Now().Add(-2 * time.Minute)

	cs.monitorPeers()
	assert.False(t, fresh.closed)
	assert.True(t, stale.closed)
}

func TestHandleMessageErrors(t *testing.T) {
	cs := NewCentralServer(Config{})
	a := cs.newClient("foo", &fakeConn{})
	cs.join(a)
	<-a.sendCh // uid

	env := func(event string, data any) protocol.Envelope {
		e, err := protocol.NewEnvelope(event, data)
		require.NoError(t, err)
		return e
	}
	assert.Error(t, cs.handleMessage(a, env(protocol.EventRegister, protocol.Register{Swarm: "v"})), "no sizes")
	assert.Error(t, cs.handleMessage(a, env(protocol.EventHave, protocol.Have{Swarm: "v", Chunk: 0})), "unknown swarm")
	assert.ErrorIs(t, cs.handleMessage(a, env(protocol.EventOffer, protocol.Offer{Peer: "nobody"})), ErrUnknownPeer)
	assert.Error(t, cs.handleMessage(a, env("bogus", struct{}{})))

	require.NoError(t, cs.handleMessage(a, env(protocol.EventRegister, protocol.Register{Swarm: "v", FileSize: 4, ChunkSize: 4})))
	assert.ErrorIs(t, cs.handleMessage(a, env(protocol.EventHave, protocol.Have{Swarm: "v", Chunk: 5})), swarm.ErrUnknownChunk)
	<-a.sendCh // indexstate
	assert.ErrorIs(t, cs.handleMessage(a, env(protocol.EventRegister, protocol.Register{Swarm: "v", FileSize: 4, ChunkSize: 2})), ErrSwarmMismatch)
	assert.Equal(t, protocol.EventRejected, (<-a.sendCh).Event)
	assert.NoError(t, cs.handleMessage(a, env(protocol.EventPing, struct{}{})))

	outsider := cs.newClient("foo", &fakeConn{})
	assert.ErrorIs(t, cs.handleMessage(outsider, env(protocol.EventPing, struct{}{})), ErrUnknownPeer)
}
