package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/waggle/pkg/tnetbin"
)

func TestRequestMessageFrame(t *testing.T) {
	frame, err := RequestMessage("s", 3).MarshalFrame()
	require.NoError(t, err)
	assert.Equal(t, "45:7:chunkId,1:3#7:swarmId,1:s,4:type,7:request,}", string(frame))

	m, err := UnmarshalFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, RequestMessage("s", 3), m)
}

func TestChunkMessageFrame(t *testing.T) {
	blob := []byte{0x00, 0xff, ':', ','}
	frame, err := ChunkMessage("swarm", 12, blob).MarshalFrame()
	require.NoError(t, err)

	m, err := UnmarshalFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeChunk, m.Type)
	assert.Equal(t, "swarm", m.SwarmID)
	assert.Equal(t, 12, m.ChunkID)
	assert.Equal(t, blob, m.Blob)
}

func TestUnmarshalFrameRejects(t *testing.T) {
	encode := func(v any) []byte { return tnetbin.MustEncode(v) }

	cases := map[string][]byte{
		"not a mapping":   encode([]any{"request"}),
		"missing type":    encode(map[string]any{"swarmId": "s", "chunkId": 1}),
		"string chunk id": encode(map[string]any{"type": "request", "swarmId": "s", "chunkId": "1"}),
		"negative id":     encode(map[string]any{"type": "request", "swarmId": "s", "chunkId": -1}),
		"unknown type":    encode(map[string]any{"type": "cancel", "swarmId": "s", "chunkId": 1}),
		"chunk no blob":   encode(map[string]any{"type": "chunk", "swarmId": "s", "chunkId": 1}),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalFrame(frame)
			assert.ErrorIs(t, err, ErrBadMessage)
		})
	}

	_, err := UnmarshalFrame([]byte("3:abc?"))
	assert.ErrorIs(t, err, tnetbin.ErrUnknownTag)
}

func TestEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventHave, Have{Swarm: "s", Chunk: 4})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"have","data":{"swarm":"s","chunk":4}}`, string(raw))

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	var have Have
	require.NoError(t, back.Decode(&have))
	assert.Equal(t, Have{Swarm: "s", Chunk: 4}, have)
}

func TestIndexStateJSON(t *testing.T) {
	var state IndexState
	err := json.Unmarshal([]byte(`{"swarm":"s","index":{"0":["1",2],"1":[]}}`), &state)
	require.NoError(t, err)

	assert.Equal(t, "s", state.Swarm)
	require.Len(t, state.Index, 2)
	assert.Equal(t, []string{"1", "2"}, state.Index[0].Slice())
	assert.Equal(t, 0, state.Index[1].Len())
}

func TestNumericIDs(t *testing.T) {
	var uid UID
	require.NoError(t, json.Unmarshal([]byte(`{"uid":7,"token":"t"}`), &uid))
	assert.Equal(t, UID{UID: "7", Token: "t"}, uid)

	var left BuddyLeft
	require.NoError(t, json.Unmarshal([]byte(`{"peer":"abc"}`), &left))
	assert.Equal(t, "abc", left.Peer)

	var up IndexUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"swarm":"s","chunk":3,"peersToAdd":[4,"b"],"peersToRemove":[12]}`), &up))
	assert.Equal(t, IndexUpdate{Swarm: "s", Chunk: 3, PeersToAdd: []string{"4", "b"}, PeersToRemove: []string{"12"}}, up)

	require.NoError(t, json.Unmarshal([]byte(`{"swarm":"s","chunk":0}`), &up))
	assert.Equal(t, IndexUpdate{Swarm: "s"}, up)

	assert.Error(t, json.Unmarshal([]byte(`{"swarm":"s","chunk":0,"peersToAdd":[true]}`), &up))
}
