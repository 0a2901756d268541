package wire

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"

	"velthoric/physsync/internal/body"
)

const (
	stateActive      byte = 1 << 0
	stateHasVertices byte = 1 << 1
)

// AppendState encodes one body state record. Velocities travel only for active bodies and
// vertices only when present.
func AppendState(dst []byte, st body.State) []byte {
	var flags byte
	if st.Active {
		flags |= stateActive
	}
	if st.Vertices != nil {
		flags |= stateHasVertices
	}
	dst = protowire.AppendVarint(dst, uint64(st.Timestamp))
	dst = append(dst, flags)
	dst = appendVec3(dst, st.Transform.Position)
	rot := st.Transform.Rotation
	dst = appendFloat64s(dst, rot.W, rot.V[0], rot.V[1], rot.V[2])
	if st.Active {
		dst = appendVec3(dst, st.LinearVelocity)
		dst = appendVec3(dst, st.AngularVelocity)
	}
	if st.Vertices != nil {
		dst = protowire.AppendVarint(dst, uint64(len(st.Vertices)))
		for _, v := range st.Vertices {
			dst = protowire.AppendFixed32(dst, math.Float32bits(v))
		}
	}
	return dst
}

// DecodeState parses a record produced by AppendState. The whole input must be consumed.
func DecodeState(b []byte) (body.State, error) {
	var st body.State
	ts, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return st, fmt.Errorf("%w: state timestamp", ErrTruncated)
	}
	if ts > math.MaxInt64 {
		return st, fmt.Errorf("%w: state timestamp overflows", ErrMalformed)
	}
	st.Timestamp = int64(ts)
	b = b[n:]
	if len(b) < 1 {
		return st, fmt.Errorf("%w: state flags", ErrTruncated)
	}
	flags := b[0]
	b = b[1:]
	if flags&^(stateActive|stateHasVertices) != 0 {
		return st, fmt.Errorf("%w: state flags %#x", ErrMalformed, flags)
	}
	st.Active = flags&stateActive != 0

	fixed := 7
	if st.Active {
		fixed += 6
	}
	if len(b) < fixed*8 {
		return st, fmt.Errorf("%w: state body", ErrTruncated)
	}
	vals := make([]float64, fixed)
	for i := range vals {
		vals[i] = math.Float64frombits(leUint64(b[i*8:]))
	}
	b = b[fixed*8:]
	st.Transform.Position = mgl64.Vec3{vals[0], vals[1], vals[2]}
	st.Transform.Rotation = mgl64.Quat{W: vals[3], V: mgl64.Vec3{vals[4], vals[5], vals[6]}}
	if st.Active {
		st.LinearVelocity = mgl64.Vec3{vals[7], vals[8], vals[9]}
		st.AngularVelocity = mgl64.Vec3{vals[10], vals[11], vals[12]}
	}

	if flags&stateHasVertices != 0 {
		count, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return st, fmt.Errorf("%w: vertex count", ErrTruncated)
		}
		b = b[n:]
		if count > uint64(len(b)/4) {
			return st, fmt.Errorf("%w: %d vertices", ErrTruncated, count)
		}
		st.Vertices = make([]float32, count)
		for i := range st.Vertices {
			bits, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return st, fmt.Errorf("%w: vertex %d", ErrTruncated, i)
			}
			st.Vertices[i] = math.Float32frombits(bits)
			b = b[n:]
		}
	}
	if len(b) != 0 {
		return st, fmt.Errorf("%w: %d trailing state bytes", ErrMalformed, len(b))
	}
	return st, nil
}

func appendVec3(dst []byte, v mgl64.Vec3) []byte {
	return appendFloat64s(dst, v[0], v[1], v[2])
}

func appendFloat64s(dst []byte, vals ...float64) []byte {
	for _, v := range vals {
		dst = protowire.AppendFixed64(dst, math.Float64bits(v))
	}
	return dst
}

func leUint64(b []byte) uint64 {
	v, _ := protowire.ConsumeFixed64(b)
	return v
}
