package body

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// renormalizeEpsilon is the tolerated drift of |q| from 1 before a rotation is renormalized.
const renormalizeEpsilon = 1e-9

// Transform places a body in the world: double precision position and unit orientation.
type Transform struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
}

// IdentityTransform is the origin with no rotation.
func IdentityTransform() Transform {
	return Transform{Rotation: mgl64.QuatIdent()}
}

// At returns an unrotated transform at pos.
func At(pos mgl64.Vec3) Transform {
	return Transform{Position: pos, Rotation: mgl64.QuatIdent()}
}

// Renormalized returns the transform with its rotation rescaled to unit length when it has
// drifted. A degenerate rotation collapses to identity.
func (t Transform) Renormalized() Transform {
	length := t.Rotation.Len()
	if length == 0 || math.IsNaN(length) {
		t.Rotation = mgl64.QuatIdent()
		return t
	}
	if math.Abs(length-1) > renormalizeEpsilon {
		t.Rotation = t.Rotation.Scale(1 / length)
	}
	return t
}

// State is everything the physics engine reports about a body for one tick.
type State struct {
	Transform       Transform
	LinearVelocity  mgl64.Vec3
	AngularVelocity mgl64.Vec3
	Active          bool
	// Vertices holds x,y,z triples for soft bodies; nil for rigid kinds.
	Vertices []float32
	// Timestamp is the shared monotonic tick time in nanoseconds.
	Timestamp int64
}

// Settled returns a copy with motion cleared, the shape an inactive body is published in.
func (s State) Settled() State {
	s.Active = false
	s.LinearVelocity = mgl64.Vec3{}
	s.AngularVelocity = mgl64.Vec3{}
	return s
}
