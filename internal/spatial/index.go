package spatial

import (
	"math"
	"sync"

	"github.com/google/uuid"
)

const (
	// ChunkSize is the edge length of a chunk in world units.
	ChunkSize = 16
	// RegionSize is the edge length of a persistence region in chunks.
	RegionSize = 32
)

// ChunkPos addresses a vertical column of the world on the horizontal plane.
type ChunkPos struct {
	X int32
	Z int32
}

// ChunkPosFromWorld floors the world coordinates into the containing chunk.
func ChunkPosFromWorld(x, z float64) ChunkPos {
	return ChunkPos{
		X: int32(math.Floor(x / ChunkSize)),
		Z: int32(math.Floor(z / ChunkSize)),
	}
}

// Chebyshev returns the chessboard distance between two chunks.
func (c ChunkPos) Chebyshev(other ChunkPos) int {
	dx := int(c.X) - int(other.X)
	if dx < 0 {
		dx = -dx
	}
	dz := int(c.Z) - int(other.Z)
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

// Window enumerates every chunk whose Chebyshev distance to c is at most radius.
func (c ChunkPos) Window(radius int) []ChunkPos {
	if radius < 0 {
		return nil
	}
	side := radius*2 + 1
	out := make([]ChunkPos, 0, side*side)
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			out = append(out, ChunkPos{X: c.X + int32(dx), Z: c.Z + int32(dz)})
		}
	}
	return out
}

// RegionPos addresses a square of RegionSize x RegionSize chunks.
type RegionPos struct {
	X int32
	Z int32
}

// Region returns the persistence region containing the chunk.
func (c ChunkPos) Region() RegionPos {
	return RegionPos{X: floorDiv(c.X, RegionSize), Z: floorDiv(c.Z, RegionSize)}
}

// Contains reports whether the chunk lies inside the region.
func (r RegionPos) Contains(c ChunkPos) bool {
	return c.Region() == r
}

func floorDiv(v, d int32) int32 {
	q := v / d
	if (v%d != 0) && ((v < 0) != (d < 0)) {
		q--
	}
	return q
}

// Index buckets body identifiers by chunk so range queries only touch nearby bodies.
//
// Buckets are copy-on-write: a mutation replaces the bucket slice, so a slice handed to a
// reader is never modified afterwards and may be iterated without holding the lock.
type Index struct {
	mu sync.RWMutex

	bodyChunks map[uuid.UUID]ChunkPos
	chunks     map[ChunkPos][]uuid.UUID
}

// NewIndex constructs an empty index.
func NewIndex() *Index {
	return &Index{
		bodyChunks: make(map[uuid.UUID]ChunkPos),
		chunks:     make(map[ChunkPos][]uuid.UUID),
	}
}

// Add registers a body in the bucket for pos. Adding an already indexed body moves it.
func (i *Index) Add(id uuid.UUID, pos ChunkPos) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if current, ok := i.bodyChunks[id]; ok {
		if current == pos {
			return
		}
		i.unlinkLocked(id, current)
	}
	i.linkLocked(id, pos)
}

// Remove evicts the body so future range queries ignore it.
func (i *Index) Remove(id uuid.UUID) bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	current, ok := i.bodyChunks[id]
	if !ok {
		return false
	}
	i.unlinkLocked(id, current)
	delete(i.bodyChunks, id)
	return true
}

// Move relocates a body from one bucket to another inside a single critical section.
// The recorded chunk wins over from when they disagree, so a stale caller cannot leave the
// body listed twice.
func (i *Index) Move(id uuid.UUID, from, to ChunkPos) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	current, ok := i.bodyChunks[id]
	if !ok {
		current = from
	}
	if ok && current == to {
		return
	}
	//1.- Unlink and relink while holding the write lock so readers never observe the gap.
	if ok {
		i.unlinkLocked(id, current)
	}
	i.linkLocked(id, to)
}

// ChunkOf returns the chunk the body is currently bucketed under.
func (i *Index) ChunkOf(id uuid.UUID) (ChunkPos, bool) {
	if i == nil {
		return ChunkPos{}, false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	pos, ok := i.bodyChunks[id]
	return pos, ok
}

// Bodies returns the immutable bucket snapshot for a chunk. Callers must not modify it.
func (i *Index) Bodies(pos ChunkPos) []uuid.UUID {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.chunks[pos]
}

// BodiesInWindow unions the buckets within radius chunks of center.
func (i *Index) BodiesInWindow(center ChunkPos, radius int) []uuid.UUID {
	if i == nil || radius < 0 {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []uuid.UUID
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			bucket := i.chunks[ChunkPos{X: center.X + int32(dx), Z: center.Z + int32(dz)}]
			out = append(out, bucket...)
		}
	}
	return out
}

// Len reports the number of indexed bodies.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.bodyChunks)
}

func (i *Index) linkLocked(id uuid.UUID, pos ChunkPos) {
	old := i.chunks[pos]
	bucket := make([]uuid.UUID, len(old), len(old)+1)
	copy(bucket, old)
	i.chunks[pos] = append(bucket, id)
	i.bodyChunks[id] = pos
}

func (i *Index) unlinkLocked(id uuid.UUID, pos ChunkPos) {
	old := i.chunks[pos]
	for idx, candidate := range old {
		if candidate != id {
			continue
		}
		if len(old) == 1 {
			delete(i.chunks, pos)
			return
		}
		//1.- Build a fresh slice so readers holding the old bucket keep a consistent view.
		bucket := make([]uuid.UUID, 0, len(old)-1)
		bucket = append(bucket, old[:idx]...)
		bucket = append(bucket, old[idx+1:]...)
		i.chunks[pos] = bucket
		return
	}
}
