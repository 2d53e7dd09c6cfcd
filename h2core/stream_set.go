package h2core

import "fmt"

// StreamSet is the keyed collection of Stream values that backs both the
// session's `active` and `zombies` sets. Ordering is not significant;
// iteration snapshots the key set up front so a callback that removes
// the stream it is currently visiting (the common case: a stream
// finishing and being reaped mid-iteration) never corrupts the walk.
type StreamSet struct {
	entries map[uint32]*Stream
}

// NewStreamSet returns an empty set.
func NewStreamSet() *StreamSet {
	return &StreamSet{entries: make(map[uint32]*Stream)}
}

// Add inserts a stream, failing if its id is already present.
func (ss *StreamSet) Add(s *Stream) error {
	if _, exists := ss.entries[s.ID]; exists {
		return fmt.Errorf("h2core: stream %d already present", s.ID)
	}
	ss.entries[s.ID] = s
	return nil
}

// Get returns the stream with the given id, or nil if absent.
func (ss *StreamSet) Get(id uint32) *Stream {
	return ss.entries[id]
}

// Remove deletes a stream by identity (its id); a no-op if absent.
func (ss *StreamSet) Remove(s *Stream) {
	if s == nil {
		return
	}
	delete(ss.entries, s.ID)
}

// Size returns the number of streams currently held.
func (ss *StreamSet) Size() int { return len(ss.entries) }

// IsEmpty reports whether the set holds no streams.
func (ss *StreamSet) IsEmpty() bool { return len(ss.entries) == 0 }

// ForEach invokes f for every stream in the set. f returning false stops
// iteration early. The walk is taken over a snapshot of ids so that f
// removing the stream it was just given (or any other stream) never
// disturbs the remaining visits.
func (ss *StreamSet) ForEach(f func(*Stream) bool) {
	ids := make([]uint32, 0, len(ss.entries))
	for id := range ss.entries {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s, ok := ss.entries[id]
		if !ok {
			continue // removed by an earlier step of this same walk
		}
		if !f(s) {
			return
		}
	}
}

// Find returns the first stream matching pred, or nil if none do.
func (ss *StreamSet) Find(pred func(*Stream) bool) *Stream {
	var found *Stream
	ss.ForEach(func(s *Stream) bool {
		if pred(s) {
			found = s
			return false
		}
		return true
	})
	return found
}
