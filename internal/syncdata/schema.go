package syncdata

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKey marks a field key that is not part of the schema.
	ErrUnknownKey = errors.New("syncdata: unknown key")
	// ErrTypeMismatch marks a value or wire type that disagrees with the schema.
	ErrTypeMismatch = errors.New("syncdata: type mismatch")
	// ErrMalformed marks a payload that could not be parsed.
	ErrMalformed = errors.New("syncdata: malformed payload")
)

// MaxKey bounds schema keys so encoded tags stay within two bytes.
const MaxKey Key = 2047

// Definition declares one synchronized field.
type Definition struct {
	Key  Key
	Name string
	Type Type
	// ClientAuthored fields may be originated by the observing client; the server ignores
	// client writes to every other field.
	ClientAuthored bool
	Default        Value
}

// Schema is the ordered, validated set of field definitions for a body type.
type Schema struct {
	defs  []Definition
	byKey map[Key]int
}

// NewSchema validates the definitions and fills in zero defaults.
func NewSchema(defs ...Definition) (*Schema, error) {
	schema := &Schema{
		defs:  make([]Definition, 0, len(defs)),
		byKey: make(map[Key]int, len(defs)),
	}
	for _, def := range defs {
		if def.Key > MaxKey {
			return nil, fmt.Errorf("field %q: key %d exceeds %d", def.Name, def.Key, MaxKey)
		}
		if def.Type < TypeFloat || def.Type > TypeQuat {
			return nil, fmt.Errorf("field %q: %w: invalid type %d", def.Name, ErrTypeMismatch, def.Type)
		}
		if _, exists := schema.byKey[def.Key]; exists {
			return nil, fmt.Errorf("field %q: duplicate key %d", def.Name, def.Key)
		}
		if def.Default.Type() == 0 {
			def.Default = Zero(def.Type)
		} else if def.Default.Type() != def.Type {
			return nil, fmt.Errorf("field %q: %w: default is %s, field is %s", def.Name, ErrTypeMismatch, def.Default.Type(), def.Type)
		}
		schema.byKey[def.Key] = len(schema.defs)
		schema.defs = append(schema.defs, def)
	}
	return schema, nil
}

// MustSchema panics on invalid definitions; intended for package-level registration tables.
func MustSchema(defs ...Definition) *Schema {
	schema, err := NewSchema(defs...)
	if err != nil {
		panic(err)
	}
	return schema
}

// Lookup returns the definition for key.
func (s *Schema) Lookup(key Key) (Definition, bool) {
	if s == nil {
		return Definition{}, false
	}
	idx, ok := s.byKey[key]
	if !ok {
		return Definition{}, false
	}
	return s.defs[idx], true
}

// Definitions returns a copy of the ordered definitions.
func (s *Schema) Definitions() []Definition {
	if s == nil {
		return nil
	}
	return append([]Definition(nil), s.defs...)
}

// Len reports the number of fields.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.defs)
}

// HasClientAuthored reports whether any field accepts client writes.
func (s *Schema) HasClientAuthored() bool {
	if s == nil {
		return false
	}
	for _, def := range s.defs {
		if def.ClientAuthored {
			return true
		}
	}
	return false
}
