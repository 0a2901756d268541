package physics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
)

func TestSphereFieldSamplingMatchesAnalytic(t *testing.T) {
	field := SphereField{Center: mgl64.Vec3{}, Radius: 2}
	cases := []struct {
		point    mgl64.Vec3
		expected float64
	}{
		{point: mgl64.Vec3{}, expected: -2},
		{point: mgl64.Vec3{2, 0, 0}, expected: 0},
		{point: mgl64.Vec3{0, 3, 0}, expected: 1},
		{point: mgl64.Vec3{1, 2, 2}, expected: 1},
	}
	for _, tc := range cases {
		if got := field.Sample(tc.point); math.Abs(got-tc.expected) > 1e-7 {
			t.Fatalf("expected %f, got %f", tc.expected, got)
		}
	}
}

func TestRaycastHitsSphereSurface(t *testing.T) {
	field := SphereField{Radius: 2}
	hit, distance, position := Raycast(field, mgl64.Vec3{0, 0, 5}, mgl64.Vec3{0, 0, -1}, 100, 128, 1e-3)
	if !hit {
		t.Fatal("expected ray to hit sphere")
	}
	if math.Abs(distance-3) > 1e-3 || math.Abs(position.Z()-2) > 1e-3 {
		t.Fatalf("unexpected hit distance %f at %v", distance, position)
	}
	if hit, _, _ := Raycast(field, mgl64.Vec3{0, 0, 5}, mgl64.Vec3{0, 0, 1}, 10, 64, 1e-3); hit {
		t.Fatal("ray pointing away should miss")
	}
}

func TestTerrainUnionsGroundAndObstacles(t *testing.T) {
	if _, ok := NewTerrain(1).(PlaneField); !ok {
		t.Fatal("terrain without obstacles should be the bare ground plane")
	}
	field := NewTerrain(-1, SphereField{Center: mgl64.Vec3{10, 0, 0}, Radius: 1})
	if got := field.Sample(mgl64.Vec3{0, 2, 0}); math.Abs(got-3) > 1e-9 {
		t.Fatalf("ground distance = %f", got)
	}
	n := Gradient(field, mgl64.Vec3{0, 0.5, 0}, 1e-4)
	if !n.ApproxEqualThreshold(mgl64.Vec3{0, 1, 0}, 1e-6) {
		t.Fatalf("plane normal = %v", n)
	}
	if inside, sep := SphereIntersection(field, mgl64.Vec3{10, 0, 1.5}, 1); !inside || sep > 0 {
		t.Fatalf("expected penetration, got %v %f", inside, sep)
	}
}

func TestEngineSweepStopsFastBodyAtObstacle(t *testing.T) {
	cfg := freeConfig()
	cfg.Restitution = 0.2
	cfg.Field = SphereField{Center: mgl64.Vec3{10, 5, 0}, Radius: 1}
	e := NewEngine(cfg)
	id := uuid.New()
	if err := e.Add(id, BodySpec{Transform: body.At(mgl64.Vec3{0, 5, 0}), LinearVelocity: mgl64.Vec3{100, 0, 0}, Radius: 0.5}); err != nil {
		t.Fatalf("add: %v", err)
	}

	//1.- One step covers 20m, enough to jump clean over the 2m obstacle without sweeping.
	e.Step(200 * time.Millisecond)
	st, _ := e.Snapshot(id)
	if x := st.Transform.Position.X(); x < 8.4 || x > 8.6 {
		t.Fatalf("expected the body to stop at the obstacle surface, got x=%f", x)
	}
	if st.LinearVelocity.X() >= 0 {
		t.Fatalf("expected the body to bounce back, got velocity %v", st.LinearVelocity)
	}

	//2.- A body grazing the ground keeps sliding instead of sticking.
	ground := DefaultConfig()
	ground.Gravity = mgl64.Vec3{}
	ground.LinearDamping = 0
	slider := NewEngine(ground)
	sid := uuid.New()
	if err := slider.Add(sid, BodySpec{Transform: body.At(mgl64.Vec3{0, 0.5, 0}), LinearVelocity: mgl64.Vec3{60, 0, 0}, Radius: 0.5}); err != nil {
		t.Fatalf("add slider: %v", err)
	}
	slider.Step(100 * time.Millisecond)
	if st, _ := slider.Snapshot(sid); math.Abs(st.Transform.Position.X()-6) > 1e-6 {
		t.Fatalf("expected slider at x=6, got %v", st.Transform.Position)
	}
}

func freeConfig() Config {
	cfg := DefaultConfig()
	cfg.Gravity = mgl64.Vec3{}
	cfg.Field = nil
	cfg.LinearDamping = 0
	cfg.AngularDamping = 0
	return cfg
}

func TestEngineIntegratesLinearAndAngular(t *testing.T) {
	e := NewEngine(freeConfig())
	id := uuid.New()
	if err := e.Add(id, BodySpec{
		Transform:       body.At(mgl64.Vec3{1, 2, 3}),
		LinearVelocity:  mgl64.Vec3{4, -2, 0.5},
		AngularVelocity: mgl64.Vec3{0, math.Pi, 0},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 500; i++ {
		e.Step(time.Millisecond)
	}
	st, _ := e.Snapshot(id)
	if !st.Transform.Position.ApproxEqualThreshold(mgl64.Vec3{3, 1, 3.25}, 1e-9) {
		t.Fatalf("unexpected position %v", st.Transform.Position)
	}
	//1.- Half a second at pi rad/s is a quarter turn about Y.
	want := mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0})
	if math.Abs(st.Transform.Rotation.Dot(want)) < 1-1e-4 {
		t.Fatalf("unexpected rotation %v", st.Transform.Rotation)
	}
	if math.Abs(st.Transform.Rotation.Len()-1) > 1e-9 {
		t.Fatal("rotation drifted from unit length")
	}
}

func TestEngineSettlesOnGroundAndWakesOnImpulse(t *testing.T) {
	e := NewEngine(DefaultConfig())
	id := uuid.New()
	if err := e.Add(id, BodySpec{Transform: body.At(mgl64.Vec3{0, 2, 0}), Radius: 0.5}); err != nil {
		t.Fatalf("add: %v", err)
	}
	step := time.Second / 60
	for i := 0; i < 60*10; i++ {
		e.Step(step)
	}
	st, _ := e.Snapshot(id)
	if st.Active {
		t.Fatalf("body never settled: %+v", st)
	}
	if math.Abs(st.Transform.Position.Y()-0.5) > 0.05 {
		t.Fatalf("body not resting on the ground: %v", st.Transform.Position)
	}
	if st.LinearVelocity.Len() != 0 {
		t.Fatal("settled body kept velocity")
	}

	if err := e.ApplyImpulse(id, mgl64.Vec3{5, 0, 0}, mgl64.Vec3{}); err != nil {
		t.Fatalf("impulse: %v", err)
	}
	e.Step(step)
	st, _ = e.Snapshot(id)
	if !st.Active || st.Transform.Position.X() <= 0 {
		t.Fatalf("impulse did not wake the body: %+v", st)
	}
	if err := e.ApplyImpulse(uuid.New(), mgl64.Vec3{}, mgl64.Vec3{}); !errors.Is(err, ErrUnknownBody) {
		t.Fatalf("expected unknown body, got %v", err)
	}
}

func TestEngineSoftVerticesFollowBody(t *testing.T) {
	e := NewEngine(freeConfig())
	id := uuid.New()
	rest := []float32{-1, 0, 0, 1, 0, 0}
	if err := e.Add(id, BodySpec{Transform: body.IdentityTransform(), RestVertices: rest}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.Teleport(id, body.At(mgl64.Vec3{10, 0, 0})); err != nil {
		t.Fatalf("teleport: %v", err)
	}
	r, ok := e.LockRead(id)
	if !ok {
		t.Fatal("body not readable")
	}
	verts := r.AppendVertices(nil)
	r.Unlock()
	if len(verts) != 6 || verts[0] != 9 || verts[3] != 11 {
		t.Fatalf("vertices did not follow teleport: %v", verts)
	}

	if err := e.SetVelocity(id, mgl64.Vec3{10, 0, 0}, mgl64.Vec3{}); err != nil {
		t.Fatalf("velocity: %v", err)
	}
	e.Step(10 * time.Millisecond)
	st, _ := e.Snapshot(id)
	//1.- Vertices lag behind the body but move toward it.
	if st.Vertices[0] <= 9 || float64(st.Vertices[0]) > st.Transform.Position.X()-1+1e-6 {
		t.Fatalf("unexpected vertex lag %v for body at %v", st.Vertices[:3], st.Transform.Position)
	}

	if err := e.Add(uuid.New(), BodySpec{RestVertices: []float32{1, 2}}); err == nil {
		t.Fatal("partial vertex triple accepted")
	}
	if err := e.Add(id, BodySpec{}); !errors.Is(err, ErrDuplicateBody) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if !e.Remove(id) || e.Remove(id) || e.Len() != 0 {
		t.Fatal("remove bookkeeping wrong")
	}
}
