package engine

import (
	"sort"
)

// DestinationSet tracks which destinations remain eligible for the message
// currently moving through the pipeline. Source filter and transformer
// scripts narrow it through the removeDestination bindings; the pipeline
// reads it once those scripts have run.
type DestinationSet struct {
	ids   map[int]struct{}
	names map[string][]int
}

// NewDestinationSet holds every configured destination.
func NewDestinationSet(configs []DestinationConfig) *DestinationSet {
	var s = &DestinationSet{
		ids:   make(map[int]struct{}, len(configs)),
		names: make(map[string][]int, len(configs)),
	}
	for _, c := range configs {
		s.ids[c.MetaDataID] = struct{}{}
		s.names[c.Name] = append(s.names[c.Name], c.MetaDataID)
	}
	return s
}

// Contains tells whether the destination with |metaDataID| is still eligible.
func (s *DestinationSet) Contains(metaDataID int) bool {
	var _, ok = s.ids[metaDataID]
	return ok
}

// Remove excludes the destination with |metaDataID|.
func (s *DestinationSet) Remove(metaDataID int) bool {
	if _, ok := s.ids[metaDataID]; !ok {
		return false
	}
	delete(s.ids, metaDataID)
	return true
}

// RemoveByName excludes every destination configured under |name|. Names
// are not required to be unique, so this may exclude several.
func (s *DestinationSet) RemoveByName(name string) bool {
	var ids = s.names[name]
	if len(ids) == 0 {
		return false
	}
	var removed bool
	for _, id := range ids {
		if s.Remove(id) {
			removed = true
		}
	}
	return removed
}

// RemoveAllExcept excludes everything but |metaDataIDs|.
func (s *DestinationSet) RemoveAllExcept(metaDataIDs ...int) {
	var keep = make(map[int]struct{}, len(metaDataIDs))
	for _, id := range metaDataIDs {
		keep[id] = struct{}{}
	}
	for id := range s.ids {
		if _, ok := keep[id]; !ok {
			delete(s.ids, id)
		}
	}
}

// IDs returns the remaining destinations in ascending metadata-id order.
func (s *DestinationSet) IDs() []int {
	var out = make([]int, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Size returns the number of remaining destinations.
func (s *DestinationSet) Size() int { return len(s.ids) }
