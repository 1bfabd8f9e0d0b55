package swarm

// Hive is the registry of the swarms followed in a session.
type Hive struct {
	swarms map[string]*Swarm
	order  []string
}

func NewHive() *Hive {
	return &Hive{swarms: make(map[string]*Swarm)}
}

// Add creates a swarm. Adding an id twice returns the existing swarm.
func (h *Hive) Add(id, fileURL string, chunkSize int64) *Swarm {
	if s, ok := h.swarms[id]; ok {
		return s
	}
	s := New(id, fileURL, chunkSize)
	h.swarms[id] = s
	h.order = append(h.order, id)
	return s
}

func (h *Hive) Get(id string) (*Swarm, bool) {
	s, ok := h.swarms[id]
	return s, ok
}

// Each calls fn for every swarm in creation order.
func (h *Hive) Each(fn func(*Swarm)) {
	for _, id := range h.order {
		fn(h.swarms[id])
	}
}

func (h *Hive) Len() int {
	return len(h.swarms)
}
