package snapshot

import (
	"errors"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/handoff"
	"velthoric/physsync/internal/logging"
)

// Clock supplies the shared monotonic timestamp in nanoseconds.
type Clock interface {
	Now() int64
}

// MonotonicClock reports nanoseconds elapsed since construction using the runtime's
// monotonic reading, so wall clock steps never leak into snapshot timestamps.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now returns the elapsed nanoseconds.
func (c *MonotonicClock) Now() int64 {
	return int64(time.Since(c.start))
}

// BodyReader exposes one body's engine state while its read lock is held.
type BodyReader interface {
	Transform() body.Transform
	LinearVelocity() mgl64.Vec3
	AngularVelocity() mgl64.Vec3
	Active() bool
	// AppendVertices appends x,y,z triples of a soft body to dst.
	AppendVertices(dst []float32) []float32
	Unlock()
}

// Engine is the physics engine as seen by the producer.
type Engine interface {
	LockRead(id uuid.UUID) (BodyReader, bool)
}

// Record is one body's state in a batch. ChangedAt is the timestamp of the last tick whose
// state differed from its predecessor, so a consumer that skipped batches still notices.
type Record struct {
	BodyID    uuid.UUID
	State     body.State
	ChangedAt int64
}

// Batch is everything produced by one simulation tick.
type Batch struct {
	Tick      uint64
	Timestamp int64
	Records   []Record
	byID      map[uuid.UUID]int
}

// NewBatch assembles a batch from records, indexing them by body id.
func NewBatch(tick uint64, timestamp int64, records []Record) *Batch {
	b := &Batch{Tick: tick, Timestamp: timestamp, byID: make(map[uuid.UUID]int, len(records))}
	for _, record := range records {
		b.byID[record.BodyID] = len(b.Records)
		b.Records = append(b.Records, record)
	}
	return b
}

// Lookup returns the record for id.
func (b *Batch) Lookup(id uuid.UUID) (Record, bool) {
	if b == nil {
		return Record{}, false
	}
	idx, ok := b.byID[id]
	if !ok {
		return Record{}, false
	}
	return b.Records[idx], true
}

func (b *Batch) reset() {
	b.Records = b.Records[:0]
	if b.byID == nil {
		b.byID = make(map[uuid.UUID]int)
	}
	clear(b.byID)
}

type changeMark struct {
	at   int64
	seen uint64
}

// Summary describes one Produce call.
type Summary struct {
	Tick      uint64
	Timestamp int64
	Bodies    int
	Changed   int
	Skipped   int
}

// Producer captures the engine state of every stored body once per simulation tick and hands
// the batch to the network goroutine through a triple buffer.
type Producer struct {
	store  *body.Store
	engine Engine
	clock  Clock
	log    *logging.Logger

	buffer  *handoff.TripleBuffer[Batch]
	tick    uint64
	lastTs  int64
	changes map[uuid.UUID]changeMark
}

// NewProducer wires a producer to its collaborators.
func NewProducer(store *body.Store, engine Engine, clock Clock, logger *logging.Logger) *Producer {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Producer{
		store:   store,
		engine:  engine,
		clock:   clock,
		log:     logger.With(logging.String("component", "snapshot")),
		buffer:  handoff.NewTripleBuffer(func() Batch { return Batch{byID: make(map[uuid.UUID]int)} }),
		changes: make(map[uuid.UUID]changeMark),
	}
}

// Produce runs one capture pass. It must only be called from the simulation goroutine.
func (p *Producer) Produce() Summary {
	if p == nil || p.store == nil || p.engine == nil {
		return Summary{}
	}
	//1.- Take one timestamp for the whole tick and keep it strictly increasing.
	ts := p.clock.Now()
	if ts <= p.lastTs {
		ts = p.lastTs + 1
	}
	p.lastTs = ts
	p.tick++

	batch := p.buffer.Back()
	batch.reset()
	batch.Tick = p.tick
	batch.Timestamp = ts
	summary := Summary{Tick: p.tick, Timestamp: ts}

	for _, b := range p.store.Bodies() {
		if b.Removed() {
			continue
		}
		st, ok := p.capture(b, ts)
		if !ok {
			summary.Skipped++
			continue
		}
		previous, known := p.store.StateOf(b.ID())
		if _, err := p.store.Update(b.ID(), st); err != nil {
			if !errors.Is(err, body.ErrNotFound) {
				p.log.Warn("store update failed", logging.String("body", b.ID().String()), logging.Error(err))
			}
			summary.Skipped++
			continue
		}

		//2.- Remember when the body last moved so skipped batches cannot hide a change.
		mark, tracked := p.changes[b.ID()]
		if !tracked || !known || !sameMotion(previous, st) {
			mark.at = ts
			summary.Changed++
		}
		mark.seen = p.tick
		p.changes[b.ID()] = mark

		batch.byID[b.ID()] = len(batch.Records)
		batch.Records = append(batch.Records, Record{BodyID: b.ID(), State: st, ChangedAt: mark.at})
	}
	for id, mark := range p.changes {
		if mark.seen != p.tick {
			delete(p.changes, id)
		}
	}
	summary.Bodies = len(batch.Records)

	p.buffer.Publish()
	return summary
}

func (p *Producer) capture(b *body.Body, ts int64) (body.State, bool) {
	reader, ok := p.engine.LockRead(b.ID())
	if !ok {
		return body.State{}, false
	}
	st := body.State{
		Transform: reader.Transform(),
		Active:    reader.Active(),
		Timestamp: ts,
	}
	if st.Active {
		st.LinearVelocity = reader.LinearVelocity()
		st.AngularVelocity = reader.AngularVelocity()
		if b.InterpolatesVertices() {
			st.Vertices = reader.AppendVertices(make([]float32, 0, b.VertexCount()*3))
		}
	}
	reader.Unlock()

	st.Transform = st.Transform.Renormalized()
	return st, true
}

// Acquire moves the newest batch to the consumer side and returns it. The second result is
// false when no batch was published since the previous call; the returned batch is then the
// previous one. Only the network goroutine may call Acquire.
func (p *Producer) Acquire() (*Batch, bool) {
	fresh := p.buffer.Acquire()
	return p.buffer.Front(), fresh
}

func sameMotion(a, b body.State) bool {
	if a.Transform != b.Transform || a.LinearVelocity != b.LinearVelocity ||
		a.AngularVelocity != b.AngularVelocity || a.Active != b.Active {
		return false
	}
	if len(a.Vertices) != len(b.Vertices) {
		return false
	}
	for i := range a.Vertices {
		if a.Vertices[i] != b.Vertices[i] {
			return false
		}
	}
	return true
}
