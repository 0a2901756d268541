package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// SignedDistanceField is the static collision world: negative inside solids, positive outside.
type SignedDistanceField interface {
	Sample(point mgl64.Vec3) float64
}

// SampleFunc adapts a function into a SignedDistanceField.
type SampleFunc func(mgl64.Vec3) float64

// Sample invokes the wrapped sampling function.
func (s SampleFunc) Sample(point mgl64.Vec3) float64 {
	return s(point)
}

// SphereField describes an analytic sphere signed distance function.
type SphereField struct {
	Center mgl64.Vec3
	Radius float64
}

// Sample calculates the signed distance from a point to the sphere surface.
func (s SphereField) Sample(point mgl64.Vec3) float64 {
	return point.Sub(s.Center).Len() - s.Radius
}

// PlaneField describes an infinite plane represented by a point and normal.
type PlaneField struct {
	origin mgl64.Vec3
	normal mgl64.Vec3
}

// NewPlaneField normalizes the normal and stores the plane representation. A zero normal
// falls back to +Y.
func NewPlaneField(point, normal mgl64.Vec3) PlaneField {
	if normal.Len() == 0 {
		normal = mgl64.Vec3{0, 1, 0}
	}
	return PlaneField{origin: point, normal: normal.Normalize()}
}

// Sample returns the signed distance from the plane to the provided point.
func (p PlaneField) Sample(point mgl64.Vec3) float64 {
	//1.- Dot product with the normal projects the delta onto the plane axis.
	return point.Sub(p.origin).Dot(p.normal)
}

// UnionField is the closest surface of several fields.
type UnionField []SignedDistanceField

// Sample returns the minimum distance across members.
func (u UnionField) Sample(point mgl64.Vec3) float64 {
	best := math.Inf(1)
	for _, f := range u {
		if d := f.Sample(point); d < best {
			best = d
		}
	}
	return best
}

// NewTerrain builds the static world: a ground plane at groundHeight plus sphere obstacles.
func NewTerrain(groundHeight float64, obstacles ...SphereField) SignedDistanceField {
	ground := NewPlaneField(mgl64.Vec3{0, groundHeight, 0}, mgl64.Vec3{0, 1, 0})
	if len(obstacles) == 0 {
		return ground
	}
	union := make(UnionField, 0, len(obstacles)+1)
	union = append(union, ground)
	for _, o := range obstacles {
		union = append(union, o)
	}
	return union
}

// Gradient estimates the outward surface normal at point by central differences.
func Gradient(field SignedDistanceField, point mgl64.Vec3, h float64) mgl64.Vec3 {
	if h <= 0 {
		h = 1e-4
	}
	dx := mgl64.Vec3{h, 0, 0}
	dy := mgl64.Vec3{0, h, 0}
	dz := mgl64.Vec3{0, 0, h}
	g := mgl64.Vec3{
		field.Sample(point.Add(dx)) - field.Sample(point.Sub(dx)),
		field.Sample(point.Add(dy)) - field.Sample(point.Sub(dy)),
		field.Sample(point.Add(dz)) - field.Sample(point.Sub(dz)),
	}
	if g.Len() == 0 {
		return mgl64.Vec3{0, 1, 0}
	}
	return g.Normalize()
}

// Raycast performs sphere tracing against the provided field.
func Raycast(field SignedDistanceField, origin, direction mgl64.Vec3, maxDistance float64, maxSteps int, epsilon float64) (bool, float64, mgl64.Vec3) {
	if direction.Len() == 0 {
		return false, 0, origin
	}
	dir := direction.Normalize()
	distance := 0.0
	current := origin
	for step := 0; step < maxSteps; step++ {
		sample := field.Sample(current)
		if sample < epsilon {
			return true, distance, current
		}
		distance += sample
		if distance > maxDistance {
			break
		}
		//1.- Advance the ray origin using the sampled distance.
		current = origin.Add(dir.Mul(distance))
	}
	capped := math.Min(distance, maxDistance)
	return false, capped, origin.Add(dir.Mul(capped))
}

// SphereIntersection evaluates whether a bounding sphere penetrates the field.
func SphereIntersection(field SignedDistanceField, center mgl64.Vec3, radius float64) (bool, float64) {
	separation := field.Sample(center) - radius
	return separation <= 0, separation
}
