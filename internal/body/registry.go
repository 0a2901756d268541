package body

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"velthoric/physsync/internal/syncdata"
)

var (
	// ErrUnknownType is returned for a type tag without a registered factory.
	ErrUnknownType = errors.New("body: unknown type")
	// ErrDuplicateType is returned when a tag is registered twice.
	ErrDuplicateType = errors.New("body: duplicate type")
)

// Kind is the closed set of body shapes.
type Kind uint8

const (
	KindRigid Kind = iota + 1
	KindSoft
	KindVehicle
	KindRagdoll
)

func (k Kind) String() string {
	switch k {
	case KindRigid:
		return "rigid"
	case KindSoft:
		return "soft"
	case KindVehicle:
		return "vehicle"
	case KindRagdoll:
		return "ragdoll"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Factory builds a body of a registered type.
type Factory func(id uuid.UUID, spec *TypeSpec) (*Body, error)

// TypeSpec describes one registered body type.
type TypeSpec struct {
	Tag    string
	Kind   Kind
	Schema *syncdata.Schema
	// VertexCount is the fixed soft-body vertex count; zero for every other kind.
	VertexCount int
	Factory     Factory
}

// Serializable bodies encode their synchronized data for spawn records and dirty batches.
type Serializable interface {
	AppendSyncData(b []byte, full bool) []byte
}

// Interpolatable bodies describe which parts of their state the receiver blends.
type Interpolatable interface {
	InterpolatesVertices() bool
}

// ClientAuthorable bodies accept client-originated writes to some fields.
type ClientAuthorable interface {
	AcceptsClientData() bool
}

// Body is one simulated entity. Its identity and type never change; its removal is terminal.
type Body struct {
	id      uuid.UUID
	spec    *TypeSpec
	data    *syncdata.Set
	removed atomic.Bool
}

var (
	_ Serializable     = (*Body)(nil)
	_ Interpolatable   = (*Body)(nil)
	_ ClientAuthorable = (*Body)(nil)
)

// NewBody is the default factory.
func NewBody(id uuid.UUID, spec *TypeSpec) (*Body, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", ErrUnknownType)
	}
	if id == uuid.Nil {
		return nil, errors.New("body: nil id")
	}
	schema := spec.Schema
	if schema == nil {
		schema = syncdata.MustSchema()
	}
	return &Body{id: id, spec: spec, data: syncdata.NewSet(schema)}, nil
}

// ID returns the permanent identifier.
func (b *Body) ID() uuid.UUID { return b.id }

// Kind returns the body shape.
func (b *Body) Kind() Kind { return b.spec.Kind }

// TypeTag returns the registered type tag.
func (b *Body) TypeTag() string { return b.spec.Tag }

// VertexCount returns the soft-body vertex count.
func (b *Body) VertexCount() int { return b.spec.VertexCount }

// Data returns the synchronized field set.
func (b *Body) Data() *syncdata.Set { return b.data }

// Removed reports whether the body reached its terminal state.
func (b *Body) Removed() bool { return b.removed.Load() }

func (b *Body) markRemoved() bool { return b.removed.CompareAndSwap(false, true) }

// AppendSyncData encodes every field when full is set, otherwise only dirty fields.
func (b *Body) AppendSyncData(dst []byte, full bool) []byte {
	if full {
		return b.data.AppendAll(dst)
	}
	return b.data.AppendDirty(dst)
}

// InterpolatesVertices reports whether receivers blend vertex data.
func (b *Body) InterpolatesVertices() bool {
	return b.spec.Kind == KindSoft && b.spec.VertexCount > 0
}

// AcceptsClientData reports whether any field is client-authored.
func (b *Body) AcceptsClientData() bool { return b.data.Schema().HasClientAuthored() }

// Registry maps type tags to their specs. It is built at startup and read afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeSpec)}
}

// Register adds a type. A missing factory defaults to NewBody.
func (r *Registry) Register(spec TypeSpec) error {
	tag := strings.TrimSpace(spec.Tag)
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrUnknownType)
	}
	if spec.Kind < KindRigid || spec.Kind > KindRagdoll {
		return fmt.Errorf("type %s: invalid kind %d", tag, spec.Kind)
	}
	if spec.Kind == KindSoft && spec.VertexCount <= 0 {
		return fmt.Errorf("type %s: soft bodies need a vertex count", tag)
	}
	if spec.Kind != KindSoft && spec.VertexCount != 0 {
		return fmt.Errorf("type %s: only soft bodies carry vertices", tag)
	}
	spec.Tag = tag
	if spec.Factory == nil {
		spec.Factory = NewBody
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[tag]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, tag)
	}
	r.types[tag] = &spec
	return nil
}

// Lookup returns the spec for tag.
func (r *Registry) Lookup(tag string) (*TypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[tag]
	return spec, ok
}

// Create builds a body of the requested type.
func (r *Registry) Create(tag string, id uuid.UUID) (*Body, error) {
	spec, ok := r.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, tag)
	}
	return spec.Factory(id, spec)
}

// Validate fails fast when any of the required tags has no factory.
func (r *Registry) Validate(tags ...string) error {
	var missing []string
	for _, tag := range tags {
		if _, ok := r.Lookup(tag); !ok {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownType, strings.Join(missing, ", "))
	}
	return nil
}

// Tags lists the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for tag := range r.types {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
