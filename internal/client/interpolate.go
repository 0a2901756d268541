package client

import (
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"velthoric/physsync/internal/body"
)

// Bracket locates the snapshots around renderTs. Before the buffer it returns the earliest
// snapshot twice with alpha 0; past the end it returns the latest twice with alpha 1.
func (b *ReceptionBuffer) Bracket(renderTs int64) (before, after body.State, alpha float64, ok bool) {
	n := len(b.entries)
	if n == 0 {
		return body.State{}, body.State{}, 0, false
	}
	first, last := b.entries[0], b.entries[n-1]
	if renderTs <= first.Timestamp {
		return first, first, 0, true
	}
	if renderTs >= last.Timestamp {
		return last, last, 1, true
	}
	//1.- Find the first snapshot strictly after renderTs; its predecessor brackets from below.
	idx := sort.Search(n, func(i int) bool { return b.entries[i].Timestamp > renderTs })
	before, after = b.entries[idx-1], b.entries[idx]
	span := float64(after.Timestamp - before.Timestamp)
	alpha = mgl64.Clamp(float64(renderTs-before.Timestamp)/span, 0, 1)
	return before, after, alpha, true
}

// Interpolate reconstructs the body state at renderTs. It never extrapolates: requests before
// the buffer clamp to the earliest snapshot and requests past it hold the latest. A latest
// snapshot marked inactive is returned verbatim.
func Interpolate(buf *ReceptionBuffer, renderTs int64) (body.State, bool) {
	if buf == nil {
		return body.State{}, false
	}
	latest, ok := buf.Latest()
	if !ok {
		return body.State{}, false
	}
	if !latest.Active {
		return cloneState(latest), true
	}
	before, after, alpha, _ := buf.Bracket(renderTs)
	if before.Timestamp == after.Timestamp {
		return cloneState(before), true
	}

	out := body.State{
		Transform: body.Transform{
			Position: lerpVec3(before.Transform.Position, after.Transform.Position, alpha),
			Rotation: Slerp(before.Transform.Rotation, after.Transform.Rotation, alpha),
		},
		LinearVelocity:  lerpVec3(before.LinearVelocity, after.LinearVelocity, alpha),
		AngularVelocity: lerpVec3(before.AngularVelocity, after.AngularVelocity, alpha),
		Active:          true,
		Timestamp:       renderTs,
	}
	switch {
	case len(before.Vertices) == len(after.Vertices) && len(after.Vertices) > 0:
		out.Vertices = make([]float32, len(after.Vertices))
		a := float32(alpha)
		for i := range out.Vertices {
			out.Vertices[i] = before.Vertices[i] + (after.Vertices[i]-before.Vertices[i])*a
		}
	case after.Vertices != nil:
		out.Vertices = append([]float32(nil), after.Vertices...)
	case before.Vertices != nil:
		out.Vertices = append([]float32(nil), before.Vertices...)
	}
	return out, true
}

// Slerp interpolates rotations along the shortest arc.
func Slerp(from, to mgl64.Quat, alpha float64) mgl64.Quat {
	//1.- q and -q encode the same rotation; pick the sign that keeps the arc under 180 degrees.
	if from.Dot(to) < 0 {
		to = to.Scale(-1)
	}
	return mgl64.QuatSlerp(from, to, alpha).Normalize()
}

func lerpVec3(a, b mgl64.Vec3, alpha float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(alpha))
}

func cloneState(st body.State) body.State {
	if st.Vertices != nil {
		st.Vertices = append([]float32(nil), st.Vertices...)
	}
	return st
}

// Interpolator turns the logical clock and offset estimate into a render timestamp.
type Interpolator struct {
	clock *PauseClock
	sync  *ClockSync
	delay time.Duration
}

// DefaultInterpolationDelay renders this far behind the estimated server time.
const DefaultInterpolationDelay = 100 * time.Millisecond

// NewInterpolator builds an interpolator rendering delay behind the server.
func NewInterpolator(clock *PauseClock, sync *ClockSync, delay time.Duration) *Interpolator {
	if delay <= 0 {
		delay = DefaultInterpolationDelay
	}
	return &Interpolator{clock: clock, sync: sync, delay: delay}
}

// RenderTimestamp returns localNow + offset - delay in server time.
func (i *Interpolator) RenderTimestamp() int64 {
	return i.clock.Now() + i.sync.Offset() - int64(i.delay)
}

// Sample interpolates buf at the current render timestamp.
func (i *Interpolator) Sample(buf *ReceptionBuffer) (body.State, bool) {
	return Interpolate(buf, i.RenderTimestamp())
}
