// Package idset provides the set of peer identifiers used for chunk
// availability and the unreachable list.
package idset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// Set is an unordered set of peer ids. The zero value is not usable; call New.
type Set struct {
	ids mapset.Set[string]
}

func New(ids ...string) Set {
	return Set{ids: mapset.NewSet[string](ids...)}
}

// IsZero reports whether s is the unusable zero value.
func (s Set) IsZero() bool {
	return s.ids == nil
}

// Add inserts id and reports whether it was absent.
func (s Set) Add(id string) bool {
	return s.ids.Add(id)
}

func (s Set) Remove(id string) {
	s.ids.Remove(id)
}

func (s Set) Contains(id string) bool {
	return s.ids.Contains(id)
}

func (s Set) Len() int {
	return s.ids.Cardinality()
}

// Slice returns the ids in ascending order.
func (s Set) Slice() []string {
	ids := s.ids.ToSlice()
	sort.Strings(ids)
	return ids
}

// Intersect returns the members of ids that are also in s, keeping the order
// of ids and dropping duplicates.
func (s Set) Intersect(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s.ids.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

func (s Set) Clone() Set {
	return Set{ids: s.ids.Clone()}
}

func (s Set) String() string {
	return fmt.Sprintf("%v", s.Slice())
}

// TnetbinValue encodes the set as a sorted list on the peer wire.
func (s Set) TnetbinValue() any {
	return s.Slice()
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON accepts a list of ids. Numeric ids are kept in their decimal
// form since some signaling servers hand out integer uids.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := make([]string, 0, len(raw))
	for _, r := range raw {
		id, err := ParseID(r)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	*s = New(ids...)
	return nil
}

// ParseID reads a JSON string or number as a peer id.
func ParseID(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", fmt.Errorf("peer id must be a string or a number, got %s", raw)
	}
	if n, err := num.Int64(); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	return num.String(), nil
}
