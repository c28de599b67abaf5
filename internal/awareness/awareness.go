// Package awareness tracks ephemeral per-client state (user name, color,
// cursor) with a per-client clock deciding which update is newer.
package awareness

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/HirenKhatri7/DevSync/internal/protocol"
)

var null = []byte("null")

// Entry is one client's awareness state. A nil State marks the client as removed.
type Entry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

// Removed reports whether the entry announces a departed client.
func (e Entry) Removed() bool {
	return e.State == nil
}

// EncodeUpdate serializes entries in the y-protocols awareness layout.
func EncodeUpdate(entries []Entry) []byte {
	w := protocol.NewWriter(16 * (len(entries) + 1))
	w.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		w.WriteVarUint(e.ClientID)
		w.WriteVarUint(e.Clock)
		if e.Removed() {
			w.WriteVarBytes(null)
		} else {
			w.WriteVarBytes(e.State)
		}
	}
	return w.Bytes()
}

// DecodeUpdate parses an awareness update. States that are not valid JSON
// make the whole update malformed.
func DecodeUpdate(b []byte) ([]Entry, error) {
	r := protocol.NewReader(b)
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, min(n, uint64(r.Remaining())))
	for i := uint64(0); i < n; i++ {
		id, err := r.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := r.ReadVarUint()
		if err != nil {
			return nil, err
		}
		raw, err := r.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		e := Entry{ClientID: id, Clock: clock}
		if !bytes.Equal(bytes.TrimSpace(raw), null) {
			if !json.Valid(raw) {
				return nil, malformedState(id)
			}
			e.State = append(json.RawMessage(nil), raw...)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// State is the awareness map of one document. It is not safe for concurrent use.
type State struct {
	entries map[uint64]Entry
}

// NewState returns an empty awareness map.
func NewState() *State {
	return &State{entries: make(map[uint64]Entry)}
}

// Apply merges entries and returns the ones that were newer than what was known.
// A strictly greater clock wins; an equal or lower clock is discarded.
func (s *State) Apply(entries []Entry) []Entry {
	var changed []Entry
	for _, e := range entries {
		cur, ok := s.entries[e.ClientID]
		if ok && e.Clock <= cur.Clock {
			continue
		}
		if !ok && e.Removed() {
			// Removing a client we never saw still records its clock so that
			// a delayed older state cannot resurrect it.
			s.entries[e.ClientID] = e
			continue
		}
		s.entries[e.ClientID] = e
		changed = append(changed, e)
	}
	return changed
}

// Remove marks the live clients among ids as removed and returns the removal entries.
func (s *State) Remove(ids []uint64) []Entry {
	var removed []Entry
	for _, id := range ids {
		cur, ok := s.entries[id]
		if !ok || cur.Removed() {
			continue
		}
		e := Entry{ClientID: id, Clock: cur.Clock + 1}
		s.entries[id] = e
		removed = append(removed, e)
	}
	return removed
}

// Get returns the entry for id, removed or not.
func (s *State) Get(id uint64) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Live returns every non-removed entry ordered by client id.
func (s *State) Live() []Entry {
	live := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Removed() {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ClientID < live[j].ClientID })
	return live
}

// Len returns the number of live entries.
func (s *State) Len() int {
	n := 0
	for _, e := range s.entries {
		if !e.Removed() {
			n++
		}
	}
	return n
}
