package mediadb

import (
	"maps"
	"slices"
	"strconv"

	"github.com/calvinalkan/mediadb/pkg/mediadb/arena"
)

// IDTag is the pseudo tag that projects a record's decimal id.
// It is never stored as a field; add and update ignore it.
const IDTag = "id"

// Fields maps tag names to values.
//
// In [Store.Update] (and every update entry point) an empty value deletes the
// tag instead of storing an empty string.
type Fields map[string]string

// Store is the in-memory record map of one catalogue.
//
// Tag names and values are interned in the store's arena. Store is not safe for
// concurrent use; [Catalogue] guards it with a RWMutex.
type Store struct {
	arena   *arena.Arena
	records map[uint32]map[string]string
	maxID   uint32
}

// NewStore returns an empty store interning into a.
// A nil arena gets a private one with the default chunk size.
func NewStore(a *arena.Arena) *Store {
	if a == nil {
		a = arena.New(0)
	}

	return &Store{
		arena:   a,
		records: make(map[uint32]map[string]string),
	}
}

// Arena returns the interner backing this store.
func (s *Store) Arena() *arena.Arena {
	return s.arena
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// IDs returns all record ids in ascending order.
func (s *Store) IDs() []uint32 {
	return slices.Sorted(maps.Keys(s.records))
}

// Get projects record id onto tags.
//
// Each requested tag yields its value, "" when absent; [IDTag] yields the
// decimal id. An empty tags list yields the flattened pair list
// ["id", "<id>", k1, v1, ...] with keys in sorted order.
func (s *Store) Get(id uint32, tags []string) ([]string, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}

	return project(id, rec, tags), true
}

// GetMany projects each existing id in ids; missing ids are skipped.
func (s *Store) GetMany(ids []uint32, tags []string) [][]string {
	out := make([][]string, 0, len(ids))

	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, project(id, rec, tags))
		}
	}

	return out
}

// GetAll projects every record, in ascending id order.
func (s *Store) GetAll(tags []string) [][]string {
	out := make([][]string, 0, len(s.records))

	for _, id := range s.IDs() {
		out = append(out, project(id, s.records[id], tags))
	}

	return out
}

// FindByTag projects every record whose tag equals value.
// Matching is exact; [IDTag] matches the decimal id.
func (s *Store) FindByTag(tag, value string, tags []string) [][]string {
	var out [][]string

	for _, id := range s.IDs() {
		rec := s.records[id]

		var got string
		if tag == IDTag {
			got = strconv.FormatUint(uint64(id), 10)
		} else {
			got = rec[tag]
		}

		if got == value && value != "" {
			out = append(out, project(id, rec, tags))
		}
	}

	return out
}

// Tags returns the sorted set of tag names used by any record.
func (s *Store) Tags() []string {
	set := make(map[string]struct{})

	for _, rec := range s.records {
		for k := range rec {
			set[k] = struct{}{}
		}
	}

	return slices.Sorted(maps.Keys(set))
}

// Record returns a copy of the fields of id.
func (s *Store) Record(id uint32) (Fields, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}

	return maps.Clone(Fields(rec)), true
}

// NextID returns the id [Store.Add] would assign: 1 + max(existing, 0).
func (s *Store) NextID() uint32 {
	return s.maxID + 1
}

// Add stores fields under a new id and returns it.
// [IDTag] and empty values are ignored.
func (s *Store) Add(fields Fields) uint32 {
	id := s.NextID()
	s.Put(id, fields)

	return id
}

// Update replaces the named fields of id. An empty value deletes the tag.
// Returns false if id does not exist.
func (s *Store) Update(id uint32, fields Fields) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}

	for k, v := range fields {
		if k == IDTag || k == "" {
			continue
		}

		if v == "" {
			delete(rec, k)
			continue
		}

		rec[s.arena.InternString(k)] = s.arena.InternString(v)
	}

	return true
}

// Put replaces the whole record id with fields, creating it if needed.
// Replicas use it to apply full-state events.
func (s *Store) Put(id uint32, fields Fields) {
	rec := make(map[string]string, len(fields))

	for k, v := range fields {
		if k == IDTag || k == "" || v == "" {
			continue
		}

		rec[s.arena.InternString(k)] = s.arena.InternString(v)
	}

	s.records[id] = rec

	if id > s.maxID {
		s.maxID = id
	}
}

// Remove deletes id. Returns false if it did not exist.
func (s *Store) Remove(id uint32) bool {
	if _, ok := s.records[id]; !ok {
		return false
	}

	delete(s.records, id)

	if id == s.maxID {
		s.maxID = 0
		for other := range s.records {
			s.maxID = max(s.maxID, other)
		}
	}

	return true
}

// Equal reports whether s and other hold the same records.
func (s *Store) Equal(other *Store) bool {
	if len(s.records) != len(other.records) {
		return false
	}

	for id, rec := range s.records {
		o, ok := other.records[id]
		if !ok || !maps.Equal(rec, o) {
			return false
		}
	}

	return true
}

// Snapshot returns a deep copy of every record, keyed by id.
func (s *Store) Snapshot() map[uint32]Fields {
	out := make(map[uint32]Fields, len(s.records))

	for id, rec := range s.records {
		out[id] = maps.Clone(Fields(rec))
	}

	return out
}

func project(id uint32, rec map[string]string, tags []string) []string {
	if len(tags) == 0 {
		keys := slices.Sorted(maps.Keys(rec))
		out := make([]string, 0, 2+2*len(keys))
		out = append(out, IDTag, strconv.FormatUint(uint64(id), 10))

		for _, k := range keys {
			out = append(out, k, rec[k])
		}

		return out
	}

	out := make([]string, len(tags))

	for i, tag := range tags {
		if tag == IDTag {
			out[i] = strconv.FormatUint(uint64(id), 10)
			continue
		}

		out[i] = rec[tag]
	}

	return out
}
