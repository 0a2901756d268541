package body

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/spatial"
)

var (
	// ErrDuplicateID is returned when a body id is already stored.
	ErrDuplicateID = errors.New("body: duplicate id")
	// ErrNotFound is returned for ids the store does not hold.
	ErrNotFound = errors.New("body: not found")
	// ErrRemoved is returned when adding a body that already reached its terminal state.
	ErrRemoved = errors.New("body: removed")
)

// Store keeps per-body state in dense parallel arrays indexed by slot. Slots are reassigned
// when a removal compacts the arrays, so callers address bodies by id and treat slots as
// transient.
type Store struct {
	mu    sync.RWMutex
	index *spatial.Index

	slots      map[uuid.UUID]int
	bodies     []*Body
	transforms []Transform
	linear     []mgl64.Vec3
	angular    []mgl64.Vec3
	chunks     []spatial.ChunkPos
	active     []bool
	vertices   [][]float32
	stamps     []int64
}

// NewStore returns a store mirroring chunk membership into index.
func NewStore(index *spatial.Index) *Store {
	if index == nil {
		index = spatial.NewIndex()
	}
	return &Store{index: index, slots: make(map[uuid.UUID]int)}
}

// Index exposes the spatial index the store maintains.
func (s *Store) Index() *spatial.Index { return s.index }

// Add appends the body with its initial state and indexes its chunk.
func (s *Store) Add(b *Body, st State) (int, error) {
	if b == nil {
		return -1, errors.New("body: nil body")
	}
	if b.Removed() {
		return -1, fmt.Errorf("%w: %s", ErrRemoved, b.ID())
	}
	if !st.Active {
		st = st.Settled()
	}
	st.Transform = st.Transform.Renormalized()
	chunk := chunkOf(st.Transform)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[b.ID()]; exists {
		return -1, fmt.Errorf("%w: %s", ErrDuplicateID, b.ID())
	}
	slot := len(s.bodies)
	s.slots[b.ID()] = slot
	s.bodies = append(s.bodies, b)
	s.transforms = append(s.transforms, st.Transform)
	s.linear = append(s.linear, st.LinearVelocity)
	s.angular = append(s.angular, st.AngularVelocity)
	s.chunks = append(s.chunks, chunk)
	s.active = append(s.active, st.Active)
	s.vertices = append(s.vertices, st.Vertices)
	s.stamps = append(s.stamps, st.Timestamp)
	s.index.Add(b.ID(), chunk)
	return slot, nil
}

// Remove marks the body removed, drops it from its chunk bucket and compacts the arrays by
// moving the last slot into the hole.
func (s *Store) Remove(id uuid.UUID) (*Body, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, false
	}
	b := s.bodies[slot]
	//1.- Publish the terminal state before any structure forgets the body.
	b.markRemoved()
	s.index.Remove(id)

	last := len(s.bodies) - 1
	if slot != last {
		s.bodies[slot] = s.bodies[last]
		s.transforms[slot] = s.transforms[last]
		s.linear[slot] = s.linear[last]
		s.angular[slot] = s.angular[last]
		s.chunks[slot] = s.chunks[last]
		s.active[slot] = s.active[last]
		s.vertices[slot] = s.vertices[last]
		s.stamps[slot] = s.stamps[last]
		s.slots[s.bodies[slot].ID()] = slot
	}
	s.bodies[last] = nil
	s.vertices[last] = nil
	s.bodies = s.bodies[:last]
	s.transforms = s.transforms[:last]
	s.linear = s.linear[:last]
	s.angular = s.angular[:last]
	s.chunks = s.chunks[:last]
	s.active = s.active[:last]
	s.vertices = s.vertices[:last]
	s.stamps = s.stamps[:last]
	delete(s.slots, id)
	return b, true
}

// Update publishes a new state for the body, moving it between chunk buckets when its
// position crossed a boundary. It reports whether the chunk changed.
func (s *Store) Update(id uuid.UUID, st State) (bool, error) {
	if !st.Active {
		st = st.Settled()
	}
	chunk := chunkOf(st.Transform)

	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.transforms[slot] = st.Transform
	s.linear[slot] = st.LinearVelocity
	s.angular[slot] = st.AngularVelocity
	s.active[slot] = st.Active
	if st.Vertices != nil || !st.Active {
		s.vertices[slot] = st.Vertices
	}
	s.stamps[slot] = st.Timestamp
	previous := s.chunks[slot]
	if previous == chunk {
		return false, nil
	}
	s.chunks[slot] = chunk
	s.index.Move(id, previous, chunk)
	return true, nil
}

// StateOf returns a copy of the body's last published state.
func (s *Store) StateOf(id uuid.UUID) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return State{}, false
	}
	return s.stateLocked(slot), true
}

func (s *Store) stateLocked(slot int) State {
	st := State{
		Transform:       s.transforms[slot],
		LinearVelocity:  s.linear[slot],
		AngularVelocity: s.angular[slot],
		Active:          s.active[slot],
		Timestamp:       s.stamps[slot],
	}
	if v := s.vertices[slot]; v != nil {
		st.Vertices = append([]float32(nil), v...)
	}
	return st
}

// Get returns the body for id.
func (s *Store) Get(id uuid.UUID) (*Body, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, false
	}
	return s.bodies[slot], true
}

// Slot returns the current dense slot for id.
func (s *Store) Slot(id uuid.UUID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	return slot, ok
}

// ChunkOf returns the chunk recorded for the body.
func (s *Store) ChunkOf(id uuid.UUID) (spatial.ChunkPos, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return spatial.ChunkPos{}, false
	}
	return s.chunks[slot], true
}

// Bodies returns a snapshot of the stored bodies in slot order.
func (s *Store) Bodies() []*Body {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Body(nil), s.bodies...)
}

// Len reports the number of stored bodies.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bodies)
}

func chunkOf(t Transform) spatial.ChunkPos {
	return spatial.ChunkPosFromWorld(t.Position.X(), t.Position.Z())
}
