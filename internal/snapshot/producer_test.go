package snapshot

import (
	"math"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/spatial"
)

type manualClock struct{ now int64 }

func (c *manualClock) Now() int64 { return c.now }

type fakeBody struct {
	transform body.Transform
	linear    mgl64.Vec3
	angular   mgl64.Vec3
	active    bool
	vertices  []float32
}

type fakeEngine struct {
	mu     sync.RWMutex
	bodies map[uuid.UUID]*fakeBody
	reads  int
}

type fakeReader struct {
	engine *fakeEngine
	body   *fakeBody
}

func (r fakeReader) Transform() body.Transform     { return r.body.transform }
func (r fakeReader) LinearVelocity() mgl64.Vec3    { return r.body.linear }
func (r fakeReader) AngularVelocity() mgl64.Vec3   { return r.body.angular }
func (r fakeReader) Active() bool                  { return r.body.active }
func (r fakeReader) Unlock()                       { r.engine.mu.RUnlock() }
func (r fakeReader) AppendVertices(dst []float32) []float32 {
	return append(dst, r.body.vertices...)
}

func (e *fakeEngine) LockRead(id uuid.UUID) (BodyReader, bool) {
	e.mu.RLock()
	b, ok := e.bodies[id]
	if !ok {
		e.mu.RUnlock()
		return nil, false
	}
	e.reads++
	return fakeReader{engine: e, body: b}, true
}

type fixture struct {
	registry *body.Registry
	store    *body.Store
	engine   *fakeEngine
	clock    *manualClock
	producer *Producer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := body.NewRegistry()
	if err := body.RegisterBuiltins(registry); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	f := &fixture{
		registry: registry,
		store:    body.NewStore(spatial.NewIndex()),
		engine:   &fakeEngine{bodies: make(map[uuid.UUID]*fakeBody)},
		clock:    &manualClock{now: 1000},
	}
	f.producer = NewProducer(f.store, f.engine, f.clock, logging.NewTestLogger())
	return f
}

func (f *fixture) spawn(t *testing.T, tag string, state *fakeBody) uuid.UUID {
	t.Helper()
	b, err := f.registry.Create(tag, uuid.New())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.store.Add(b, body.State{Transform: state.transform, Active: state.active}); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.engine.bodies[b.ID()] = state
	return b.ID()
}

func TestProduceUsesOneStrictlyIncreasingTimestamp(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, body.TagBox, &fakeBody{transform: body.IdentityTransform(), active: true})
	b := f.spawn(t, body.TagBox, &fakeBody{transform: body.At(mgl64.Vec3{5, 0, 0}), active: true})

	first := f.producer.Produce()
	//1.- A stalled clock must still advance the tick timestamp.
	second := f.producer.Produce()
	if second.Timestamp <= first.Timestamp {
		t.Fatalf("timestamps not increasing: %d then %d", first.Timestamp, second.Timestamp)
	}

	batch, fresh := f.producer.Acquire()
	if !fresh {
		t.Fatal("expected a fresh batch")
	}
	ra, _ := batch.Lookup(a)
	rb, _ := batch.Lookup(b)
	if ra.State.Timestamp != batch.Timestamp || rb.State.Timestamp != batch.Timestamp {
		t.Fatalf("records carry different timestamps: %d %d batch %d", ra.State.Timestamp, rb.State.Timestamp, batch.Timestamp)
	}
	if _, fresh := f.producer.Acquire(); fresh {
		t.Fatal("no new batch was published")
	}
}

func TestProduceSettlesInactiveBodies(t *testing.T) {
	f := newFixture(t)
	cloth := f.spawn(t, body.TagCloth, &fakeBody{
		transform: body.IdentityTransform(),
		linear:    mgl64.Vec3{4, 0, 0},
		active:    false,
		vertices:  make([]float32, body.ClothGridSide*body.ClothGridSide*3),
	})
	f.producer.Produce()
	batch, _ := f.producer.Acquire()
	record, ok := batch.Lookup(cloth)
	if !ok {
		t.Fatal("missing record")
	}
	if record.State.Active || record.State.LinearVelocity != (mgl64.Vec3{}) || record.State.Vertices != nil {
		t.Fatalf("inactive body published motion: %+v", record.State)
	}

	f.engine.bodies[cloth].active = true
	f.clock.now += 50
	f.producer.Produce()
	batch, _ = f.producer.Acquire()
	record, _ = batch.Lookup(cloth)
	if len(record.State.Vertices) != body.ClothGridSide*body.ClothGridSide*3 {
		t.Fatalf("active soft body published %d vertex floats", len(record.State.Vertices))
	}
}

func TestProduceRenormalizesAndMovesChunks(t *testing.T) {
	f := newFixture(t)
	state := &fakeBody{transform: body.Transform{Rotation: mgl64.Quat{W: 1.5}}, active: true}
	id := f.spawn(t, body.TagBox, state)

	state.transform.Position = mgl64.Vec3{-20, 0, 33}
	f.producer.Produce()
	batch, _ := f.producer.Acquire()
	record, _ := batch.Lookup(id)
	if math.Abs(record.State.Transform.Rotation.Len()-1) > 1e-12 {
		t.Fatalf("rotation not renormalized: %v", record.State.Transform.Rotation)
	}
	chunk, _ := f.store.Index().ChunkOf(id)
	if want := (spatial.ChunkPos{X: -2, Z: 2}); chunk != want {
		t.Fatalf("index chunk %v want %v", chunk, want)
	}
}

func TestChangedAtSurvivesIdleTicks(t *testing.T) {
	f := newFixture(t)
	state := &fakeBody{transform: body.IdentityTransform(), active: true, linear: mgl64.Vec3{1, 0, 0}}
	id := f.spawn(t, body.TagBox, state)

	state.transform.Position = mgl64.Vec3{1, 0, 0}
	moved := f.producer.Produce()
	for i := 0; i < 3; i++ {
		f.clock.now += 16
		f.producer.Produce()
	}
	batch, _ := f.producer.Acquire()
	record, _ := batch.Lookup(id)
	if record.ChangedAt != moved.Timestamp {
		t.Fatalf("ChangedAt %d want %d", record.ChangedAt, moved.Timestamp)
	}
	if record.State.Timestamp <= record.ChangedAt {
		t.Fatal("idle ticks must still advance the record timestamp")
	}
}

func TestProduceSkipsBodiesUnknownToEngine(t *testing.T) {
	f := newFixture(t)
	id := f.spawn(t, body.TagBox, &fakeBody{transform: body.IdentityTransform(), active: true})
	delete(f.engine.bodies, id)
	summary := f.producer.Produce()
	if summary.Skipped != 1 || summary.Bodies != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	removed := f.spawn(t, body.TagBox, &fakeBody{transform: body.IdentityTransform(), active: true})
	f.store.Remove(removed)
	f.producer.Produce()
	batch, _ := f.producer.Acquire()
	if _, ok := batch.Lookup(removed); ok {
		t.Fatal("removed body was captured")
	}
}
