package syncdata

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
)

// Origin names the side a batch of field updates came from.
type Origin uint8

const (
	// OriginServer updates are authoritative and applied to every field.
	OriginServer Origin = iota
	// OriginClient updates are only applied to client-authored fields.
	OriginClient
)

type entry struct {
	def   Definition
	value Value
	dirty bool
}

// Set holds one body's synchronized field values in schema order with per-field dirty flags.
type Set struct {
	mu      sync.Mutex
	schema  *Schema
	entries *orderedmap.OrderedMap[Key, *entry]
}

// NewSet creates a set seeded with the schema defaults. Nothing starts dirty.
func NewSet(schema *Schema) *Set {
	set := &Set{schema: schema, entries: orderedmap.NewOrderedMap[Key, *entry]()}
	for _, def := range schema.Definitions() {
		set.entries.Set(def.Key, &entry{def: def, value: def.Default})
	}
	return set
}

// Schema returns the schema backing the set.
func (s *Set) Schema() *Schema { return s.schema }

// Get returns the current value for key.
func (s *Set) Get(key Key) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(key)
	if !ok {
		return Value{}, false
	}
	return e.value, true
}

// Set writes a value locally and marks it dirty when it changed.
func (s *Set) Set(key Key, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(key)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}
	if v.Type() != e.def.Type {
		return fmt.Errorf("%w: key %d is %s, got %s", ErrTypeMismatch, key, e.def.Type, v.Type())
	}
	if e.value.Equal(v) {
		return nil
	}
	e.value = v
	e.dirty = true
	return nil
}

// IsDirty reports whether any field changed since the last dirty drain.
func (s *Set) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.entries.Front(); el != nil; el = el.Next() {
		if el.Value.dirty {
			return true
		}
	}
	return false
}

// AppendDirty encodes every dirty field and clears their flags.
func (s *Set) AppendDirty(b []byte) []byte {
	return s.appendDirtyWhere(b, nil)
}

// AppendDirtyClientAuthored encodes and clears only dirty client-authored fields, leaving
// other dirty flags untouched.
func (s *Set) AppendDirtyClientAuthored(b []byte) []byte {
	return s.appendDirtyWhere(b, func(def Definition) bool { return def.ClientAuthored })
}

func (s *Set) appendDirtyWhere(b []byte, keep func(Definition) bool) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.entries.Front(); el != nil; el = el.Next() {
		e := el.Value
		if !e.dirty || (keep != nil && !keep(e.def)) {
			continue
		}
		b = AppendField(b, el.Key, e.value)
		e.dirty = false
	}
	return b
}

// AppendAll encodes every field regardless of dirty state. Dirty flags are not touched.
func (s *Set) AppendAll(b []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.entries.Front(); el != nil; el = el.Next() {
		b = AppendField(b, el.Key, el.Value.value)
	}
	return b
}

// Decode parses payload against the set's schema.
func (s *Set) Decode(payload []byte) ([]Field, error) {
	return DecodeFields(s.schema, payload)
}

// Apply writes decoded fields and returns how many were applied. Client-originated writes to
// fields that are not client-authored are skipped without error. Client-originated writes are
// marked dirty so they propagate to other observers; server-originated writes are not, so a
// receiver never echoes them back.
func (s *Set) Apply(fields []Field, origin Origin) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for _, field := range fields {
		e, ok := s.entries.Get(field.Key)
		if !ok || field.Value.Type() != e.def.Type {
			continue
		}
		if origin == OriginClient && !e.def.ClientAuthored {
			continue
		}
		if !e.value.Equal(field.Value) && origin == OriginClient {
			e.dirty = true
		}
		e.value = field.Value
		applied++
	}
	return applied
}

// ApplyPayload decodes and applies payload as one unit.
func (s *Set) ApplyPayload(payload []byte, origin Origin) (int, error) {
	fields, err := s.Decode(payload)
	if err != nil {
		return 0, err
	}
	return s.Apply(fields, origin), nil
}
