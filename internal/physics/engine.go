package physics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/snapshot"
)

var (
	// ErrUnknownBody is returned for ids the engine does not simulate.
	ErrUnknownBody = errors.New("physics: unknown body")
	// ErrDuplicateBody is returned when an id is added twice.
	ErrDuplicateBody = errors.New("physics: duplicate body")
)

const (
	sweepSteps   = 32
	sweepEpsilon = 1e-3
)

// Config tunes the reference engine.
type Config struct {
	Gravity           mgl64.Vec3
	LinearDamping     float64
	AngularDamping    float64
	MaxLinearSpeed    float64
	MaxAngularSpeed   float64
	SleepLinearSpeed  float64
	SleepAngularSpeed float64
	SleepDelay        time.Duration
	Restitution       float64
	VertexStiffness   float64
	// Field is the static collision world; nil disables collisions.
	Field SignedDistanceField
}

// DefaultConfig returns earth gravity over a ground plane at y=0.
func DefaultConfig() Config {
	return Config{
		Gravity:           mgl64.Vec3{0, -9.81, 0},
		LinearDamping:     0.05,
		AngularDamping:    0.1,
		MaxLinearSpeed:    120,
		MaxAngularSpeed:   50,
		SleepLinearSpeed:  0.05,
		SleepAngularSpeed: 0.05,
		SleepDelay:        500 * time.Millisecond,
		Restitution:       0.2,
		VertexStiffness:   20,
		Field:             NewPlaneField(mgl64.Vec3{}, mgl64.Vec3{0, 1, 0}),
	}
}

// BodySpec describes a body entering the engine.
type BodySpec struct {
	Transform       body.Transform
	LinearVelocity  mgl64.Vec3
	AngularVelocity mgl64.Vec3
	Radius          float64
	Mass            float64
	// RestVertices are body-local x,y,z triples of a soft body.
	RestVertices []float32
	// Asleep adds the body already settled.
	Asleep bool
}

type simBody struct {
	mu        sync.RWMutex
	transform body.Transform
	linear    mgl64.Vec3
	angular   mgl64.Vec3
	radius    float64
	mass      float64
	active    bool
	calm      time.Duration
	rest      []float32
	vertices  []float32
}

// Engine is a small rigid-body integrator standing in for a full physics engine. Each body has
// its own lock so the snapshot producer can read one body while others are stepped.
type Engine struct {
	cfg    Config
	mu     sync.RWMutex
	bodies map[uuid.UUID]*simBody
}

var _ snapshot.Engine = (*Engine)(nil)

// NewEngine constructs an engine with cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, bodies: make(map[uuid.UUID]*simBody)}
}

// Add inserts a body.
func (e *Engine) Add(id uuid.UUID, spec BodySpec) error {
	if spec.Radius <= 0 {
		spec.Radius = 0.5
	}
	if spec.Mass <= 0 {
		spec.Mass = 1
	}
	b := &simBody{
		transform: spec.Transform.Renormalized(),
		linear:    spec.LinearVelocity,
		angular:   spec.AngularVelocity,
		radius:    spec.Radius,
		mass:      spec.Mass,
		active:    !spec.Asleep,
		rest:      append([]float32(nil), spec.RestVertices...),
	}
	if len(b.rest)%3 != 0 {
		return fmt.Errorf("physics: rest vertices must be x,y,z triples, got %d floats", len(b.rest))
	}
	if len(b.rest) > 0 {
		b.vertices = make([]float32, len(b.rest))
		b.snapVertices()
	}
	if !b.active {
		b.linear, b.angular = mgl64.Vec3{}, mgl64.Vec3{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.bodies[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBody, id)
	}
	e.bodies[id] = b
	return nil
}

// Remove deletes a body and reports whether it existed.
func (e *Engine) Remove(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.bodies[id]; !ok {
		return false
	}
	delete(e.bodies, id)
	return true
}

// Len returns the number of simulated bodies.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.bodies)
}

func (e *Engine) lookup(id uuid.UUID) (*simBody, error) {
	e.mu.RLock()
	b, ok := e.bodies[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBody, id)
	}
	return b, nil
}

// ApplyImpulse changes momentum instantly and wakes the body.
func (e *Engine) ApplyImpulse(id uuid.UUID, linear, angular mgl64.Vec3) error {
	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	//1.- Treat the body as a solid sphere for the angular response.
	inertia := 0.4 * b.mass * b.radius * b.radius
	b.linear = b.linear.Add(linear.Mul(1 / b.mass))
	b.angular = b.angular.Add(angular.Mul(1 / inertia))
	b.wake()
	return nil
}

// SetVelocity overwrites both velocities and wakes the body.
func (e *Engine) SetVelocity(id uuid.UUID, linear, angular mgl64.Vec3) error {
	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.linear, b.angular = linear, angular
	b.wake()
	return nil
}

// Teleport moves a body and wakes it.
func (e *Engine) Teleport(id uuid.UUID, t body.Transform) error {
	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transform = t.Renormalized()
	b.snapVertices()
	b.wake()
	return nil
}

// Step advances every active body by dt.
func (e *Engine) Step(dt time.Duration) {
	if e == nil || dt <= 0 {
		return
	}
	e.mu.RLock()
	bodies := make([]*simBody, 0, len(e.bodies))
	for _, b := range e.bodies {
		bodies = append(bodies, b)
	}
	e.mu.RUnlock()

	for _, b := range bodies {
		b.mu.Lock()
		e.integrate(b, dt)
		b.mu.Unlock()
	}
}

func (e *Engine) integrate(b *simBody, dt time.Duration) {
	if !b.active {
		return
	}
	h := dt.Seconds()
	cfg := e.cfg

	//1.- Apply gravity and damping, then clamp the speeds.
	b.linear = b.linear.Add(cfg.Gravity.Mul(h))
	b.linear = b.linear.Mul(dampFactor(cfg.LinearDamping, h))
	b.angular = b.angular.Mul(dampFactor(cfg.AngularDamping, h))
	b.linear = clampMagnitude(b.linear, cfg.MaxLinearSpeed)
	b.angular = clampMagnitude(b.angular, cfg.MaxAngularSpeed)

	//2.- Semi-implicit Euler for translation, first-order quaternion integration for rotation.
	//    Moves longer than the body radius are swept so thin obstacles cannot be skipped.
	displacement := b.linear.Mul(h)
	swept := false
	if cfg.Field != nil && displacement.Len() > b.radius {
		if hit, at := e.sweep(b, displacement); hit {
			displacement, swept = at, true
		}
	}
	b.transform.Position = b.transform.Position.Add(displacement)
	spin := mgl64.Quat{W: 0, V: b.angular}.Mul(b.transform.Rotation).Scale(0.5 * h)
	b.transform.Rotation = b.transform.Rotation.Add(spin).Normalize()

	//3.- Push the body out of the static world and reflect the approaching velocity.
	if cfg.Field != nil {
		if inside, separation := SphereIntersection(cfg.Field, b.transform.Position, b.radius); inside || swept {
			normal := Gradient(cfg.Field, b.transform.Position, b.radius*1e-3)
			if separation < 0 {
				b.transform.Position = b.transform.Position.Add(normal.Mul(-separation))
			}
			if approach := b.linear.Dot(normal); approach < 0 {
				b.linear = b.linear.Sub(normal.Mul(approach * (1 + cfg.Restitution)))
			}
		}
	}

	e.followVertices(b, h)

	//4.- Settle bodies that stayed calm for the whole sleep delay.
	if b.linear.Len() < cfg.SleepLinearSpeed && b.angular.Len() < cfg.SleepAngularSpeed {
		b.calm += dt
		if b.calm >= cfg.SleepDelay {
			b.active = false
			b.linear, b.angular = mgl64.Vec3{}, mgl64.Vec3{}
			b.snapVertices()
		}
		return
	}
	b.calm = 0
}

// sweep traces the body's centre along displacement against the field grown by the body radius
// and returns the shortened displacement up to first contact.
func (e *Engine) sweep(b *simBody, displacement mgl64.Vec3) (bool, mgl64.Vec3) {
	field, radius := e.cfg.Field, b.radius
	grown := SampleFunc(func(p mgl64.Vec3) float64 { return field.Sample(p) - radius })
	//1.- Bodies already in contact are resolved by the push-out instead.
	if grown.Sample(b.transform.Position) <= sweepEpsilon {
		return false, displacement
	}
	length := displacement.Len()
	hit, distance, _ := Raycast(grown, b.transform.Position, displacement, length, sweepSteps, sweepEpsilon)
	if !hit || distance >= length {
		return false, displacement
	}
	return true, displacement.Mul(distance / length)
}

func (e *Engine) followVertices(b *simBody, h float64) {
	if len(b.rest) == 0 {
		return
	}
	k := float32(mgl64.Clamp(e.cfg.VertexStiffness*h, 0, 1))
	if k == 0 {
		k = 1
	}
	for i := 0; i+2 < len(b.rest); i += 3 {
		target := b.worldVertex(i)
		for axis := 0; axis < 3; axis++ {
			b.vertices[i+axis] += (float32(target[axis]) - b.vertices[i+axis]) * k
		}
	}
}

func (b *simBody) worldVertex(i int) mgl64.Vec3 {
	local := mgl64.Vec3{float64(b.rest[i]), float64(b.rest[i+1]), float64(b.rest[i+2])}
	return b.transform.Position.Add(b.transform.Rotation.Rotate(local))
}

func (b *simBody) snapVertices() {
	for i := 0; i+2 < len(b.rest); i += 3 {
		v := b.worldVertex(i)
		b.vertices[i], b.vertices[i+1], b.vertices[i+2] = float32(v[0]), float32(v[1]), float32(v[2])
	}
}

func (b *simBody) wake() {
	b.active = true
	b.calm = 0
}

func dampFactor(rate, h float64) float64 {
	if rate <= 0 {
		return 1
	}
	return mgl64.Clamp(1-rate*h, 0, 1)
}

// clampMagnitude scales v down to limit; a non-positive limit disables the guard.
func clampMagnitude(v mgl64.Vec3, limit float64) mgl64.Vec3 {
	if !(limit > 0) {
		return v
	}
	if l := v.Len(); l > limit {
		return v.Mul(limit / l)
	}
	return v
}

// LockRead read-locks one body for the snapshot producer.
func (e *Engine) LockRead(id uuid.UUID) (snapshot.BodyReader, bool) {
	e.mu.RLock()
	b, ok := e.bodies[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	b.mu.RLock()
	return reader{b: b}, true
}

type reader struct{ b *simBody }

func (r reader) Transform() body.Transform   { return r.b.transform }
func (r reader) LinearVelocity() mgl64.Vec3  { return r.b.linear }
func (r reader) AngularVelocity() mgl64.Vec3 { return r.b.angular }
func (r reader) Active() bool                { return r.b.active }
func (r reader) Unlock()                     { r.b.mu.RUnlock() }
func (r reader) AppendVertices(dst []float32) []float32 {
	return append(dst, r.b.vertices...)
}

// Snapshot reads a body's current state outside the producer, mainly for persistence.
func (e *Engine) Snapshot(id uuid.UUID) (body.State, bool) {
	r, ok := e.LockRead(id)
	if !ok {
		return body.State{}, false
	}
	defer r.Unlock()
	st := body.State{
		Transform:       r.Transform(),
		LinearVelocity:  r.LinearVelocity(),
		AngularVelocity: r.AngularVelocity(),
		Active:          r.Active(),
		Vertices:        r.AppendVertices(nil),
	}
	return st, true
}

// Bodies lists simulated ids in a stable order.
func (e *Engine) Bodies() []uuid.UUID {
	e.mu.RLock()
	out := make([]uuid.UUID, 0, len(e.bodies))
	for id := range e.bodies {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
