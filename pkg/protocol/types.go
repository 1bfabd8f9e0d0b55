package protocol

import (
	"encoding/json"
	"fmt"

	"tarun-kavipurapu/waggle/pkg/idset"
	"tarun-kavipurapu/waggle/pkg/swarm"
)

// Signaling events
const (
	EventUID          = "uid"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "icecandidate"
	EventIndexState   = "indexstate"
	EventIndexUpdate  = "indexupdate"
	EventBuddyLeft    = "buddyleft"
	EventRejected     = "rejected"

	// client -> server only
	EventRegister = "register"
	EventHave     = "have"
	EventPing     = "ping"
)

// Envelope is one signaling message: {"event": name, "data": object}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// --- Server -> client ---

type UID struct {
	UID   string `json:"uid"`
	Token string `json:"token,omitempty"`
}

// Offer, Answer and ICECandidate carry an opaque transport description. On
// the way to the server Peer names the recipient; the server rewrites it to
// the sender before relaying.
type Offer struct {
	Peer  string          `json:"peer"`
	Offer json.RawMessage `json:"offer"`
}

type Answer struct {
	Peer   string          `json:"peer"`
	Answer json.RawMessage `json:"answer"`
}

type ICECandidate struct {
	Peer      string          `json:"peer"`
	Candidate json.RawMessage `json:"candidate"`
}

// IndexState is the full availability snapshot of a swarm. JSON object keys
// are the decimal chunk ids.
type IndexState struct {
	Swarm string      `json:"swarm"`
	Index swarm.Index `json:"index"`
}

type IndexUpdate struct {
	Swarm         string   `json:"swarm"`
	Chunk         int      `json:"chunk"`
	PeersToAdd    []string `json:"peersToAdd,omitempty"`
	PeersToRemove []string `json:"peersToRemove,omitempty"`
}

type BuddyLeft struct {
	Peer string `json:"peer"`
}

// Rejected refuses a register, e.g. when its sizes disagree with the swarm
// already on the server.
type Rejected struct {
	Swarm  string `json:"swarm"`
	Reason string `json:"reason"`
}

// UnmarshalJSON accepts numeric uids as well as strings.
func (u *UID) UnmarshalJSON(data []byte) error {
	var raw struct {
		UID   json.RawMessage `json:"uid"`
		Token string          `json:"token"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := idset.ParseID(raw.UID)
	if err != nil {
		return err
	}
	u.UID, u.Token = id, raw.Token
	return nil
}

// UnmarshalJSON accepts numeric peer ids as well as strings.
func (u *IndexUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Swarm         string            `json:"swarm"`
		Chunk         int               `json:"chunk"`
		PeersToAdd    []json.RawMessage `json:"peersToAdd"`
		PeersToRemove []json.RawMessage `json:"peersToRemove"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	add, err := parseIDs(raw.PeersToAdd)
	if err != nil {
		return err
	}
	remove, err := parseIDs(raw.PeersToRemove)
	if err != nil {
		return err
	}
	*u = IndexUpdate{Swarm: raw.Swarm, Chunk: raw.Chunk, PeersToAdd: add, PeersToRemove: remove}
	return nil
}

func parseIDs(raw []json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]string, len(raw))
	for i, r := range raw {
		id, err := idset.ParseID(r)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// UnmarshalJSON accepts numeric peer ids as well as strings.
func (b *BuddyLeft) UnmarshalJSON(data []byte) error {
	var raw struct {
		Peer json.RawMessage `json:"peer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := idset.ParseID(raw.Peer)
	if err != nil {
		return err
	}
	b.Peer = id
	return nil
}

// --- Client -> server ---

// Register joins a swarm. The first registrant creates it from FileSize and
// ChunkSize; later ones may leave them zero but must not contradict them.
type Register struct {
	Swarm     string `json:"swarm"`
	FileSize  int64  `json:"fileSize,omitempty"`
	ChunkSize int64  `json:"chunkSize,omitempty"`
}

// Have announces that the sender now holds a chunk.
type Have struct {
	Swarm string `json:"swarm"`
	Chunk int    `json:"chunk"`
}
