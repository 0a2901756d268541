package spatial

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestChunkPosFromWorldFloorsNegatives(t *testing.T) {
	cases := []struct {
		x, z float64
		want ChunkPos
	}{
		{0, 0, ChunkPos{0, 0}},
		{15.99, 16, ChunkPos{0, 1}},
		{-0.01, -16, ChunkPos{-1, -1}},
		{-16.5, 33, ChunkPos{-2, 2}},
	}
	for _, tc := range cases {
		if got := ChunkPosFromWorld(tc.x, tc.z); got != tc.want {
			t.Fatalf("ChunkPosFromWorld(%v, %v) = %v, want %v", tc.x, tc.z, got, tc.want)
		}
	}
}

func TestRegionOfNegativeChunk(t *testing.T) {
	if got := (ChunkPos{X: -1, Z: 31}).Region(); got != (RegionPos{X: -1, Z: 0}) {
		t.Fatalf("unexpected region %v", got)
	}
	if got := (ChunkPos{X: -33, Z: 32}).Region(); got != (RegionPos{X: -2, Z: 1}) {
		t.Fatalf("unexpected region %v", got)
	}
}

func TestIndexBodiesInWindow(t *testing.T) {
	index := NewIndex()
	near := uuid.New()
	edge := uuid.New()
	far := uuid.New()

	//1.- Register bodies inside, on the edge of, and outside a radius 2 window.
	index.Add(near, ChunkPos{0, 0})
	index.Add(edge, ChunkPos{2, -2})
	index.Add(far, ChunkPos{3, 0})

	got := map[uuid.UUID]bool{}
	for _, id := range index.BodiesInWindow(ChunkPos{0, 0}, 2) {
		got[id] = true
	}
	if !got[near] || !got[edge] || got[far] {
		t.Fatalf("unexpected window contents %v", got)
	}
	if len(index.BodiesInWindow(ChunkPos{100, 100}, 2)) != 0 {
		t.Fatal("expected empty window far from all bodies")
	}
}

func TestIndexMoveKeepsSingleBucket(t *testing.T) {
	index := NewIndex()
	id := uuid.New()
	index.Add(id, ChunkPos{0, 0})

	//1.- Passing a stale source chunk must still leave exactly one bucket entry.
	index.Move(id, ChunkPos{0, 0}, ChunkPos{1, 0})
	index.Move(id, ChunkPos{0, 0}, ChunkPos{2, 0})

	assertSingleBucket(t, index, id, ChunkPos{2, 0})
}

func TestIndexRemove(t *testing.T) {
	index := NewIndex()
	id := uuid.New()
	index.Add(id, ChunkPos{4, 4})
	if !index.Remove(id) {
		t.Fatal("expected removal to succeed")
	}
	if index.Remove(id) {
		t.Fatal("expected second removal to report missing body")
	}
	if len(index.Bodies(ChunkPos{4, 4})) != 0 || index.Len() != 0 {
		t.Fatal("expected bucket to be empty")
	}
}

func TestIndexBucketSnapshotSurvivesMutation(t *testing.T) {
	index := NewIndex()
	a, b := uuid.New(), uuid.New()
	index.Add(a, ChunkPos{0, 0})
	index.Add(b, ChunkPos{0, 0})

	snapshot := index.Bodies(ChunkPos{0, 0})
	index.Move(a, ChunkPos{0, 0}, ChunkPos{5, 5})

	if len(snapshot) != 2 || snapshot[0] != a || snapshot[1] != b {
		t.Fatalf("snapshot mutated: %v", snapshot)
	}
	if len(index.Bodies(ChunkPos{0, 0})) != 1 {
		t.Fatal("expected live bucket to shrink")
	}
}

func TestIndexConcurrentMovesPreserveInvariant(t *testing.T) {
	index := NewIndex()
	ids := make([]uuid.UUID, 32)
	for i := range ids {
		ids[i] = uuid.New()
		index.Add(ids[i], ChunkPos{0, 0})
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for step := 0; step < 200; step++ {
				id := ids[(worker*7+step)%len(ids)]
				from, _ := index.ChunkOf(id)
				index.Move(id, from, ChunkPos{X: int32(step % 5), Z: int32(worker)})
				_ = index.BodiesInWindow(ChunkPos{2, 2}, 3)
			}
		}(w)
	}
	wg.Wait()

	for _, id := range ids {
		pos, ok := index.ChunkOf(id)
		if !ok {
			t.Fatalf("body %s lost from index", id)
		}
		assertSingleBucket(t, index, id, pos)
	}
}

func assertSingleBucket(t *testing.T, index *Index, id uuid.UUID, want ChunkPos) {
	t.Helper()
	index.mu.RLock()
	defer index.mu.RUnlock()
	count := 0
	for pos, bucket := range index.chunks {
		for _, candidate := range bucket {
			if candidate != id {
				continue
			}
			count++
			if pos != want {
				t.Fatalf("body in bucket %v, want %v", pos, want)
			}
		}
	}
	if count != 1 {
		t.Fatalf("body listed %d times", count)
	}
	if index.bodyChunks[id] != want {
		t.Fatalf("recorded chunk %v, want %v", index.bodyChunks[id], want)
	}
}
