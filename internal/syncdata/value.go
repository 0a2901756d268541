package syncdata

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Key identifies one synchronized field within a body type's schema.
type Key uint16

// Type enumerates the value shapes a field may carry.
type Type uint8

const (
	TypeFloat Type = iota + 1
	TypeInt
	TypeBool
	TypeVec3
	TypeQuat
)

func (t Type) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeVec3:
		return "vec3"
	case TypeQuat:
		return "quat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is a tagged variant holding exactly one of the supported field shapes.
type Value struct {
	typ  Type
	num  float64
	i    int64
	b    bool
	vec  mgl64.Vec3
	quat mgl64.Quat
}

// Float wraps a scalar float.
func Float(v float64) Value { return Value{typ: TypeFloat, num: v} }

// Int wraps a signed integer.
func Int(v int64) Value { return Value{typ: TypeInt, i: v} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{typ: TypeBool, b: v} }

// Vec3 wraps a 3-vector.
func Vec3(v mgl64.Vec3) Value { return Value{typ: TypeVec3, vec: v} }

// Quat wraps a quaternion.
func Quat(q mgl64.Quat) Value { return Value{typ: TypeQuat, quat: q} }

// Zero returns the zero value for t; quaternions default to identity.
func Zero(t Type) Value {
	switch t {
	case TypeQuat:
		return Quat(mgl64.QuatIdent())
	default:
		return Value{typ: t}
	}
}

// Type reports the variant held.
func (v Value) Type() Type { return v.typ }

// Float returns the scalar; zero for other variants.
func (v Value) Float() float64 { return v.num }

// Int returns the integer; zero for other variants.
func (v Value) Int() int64 { return v.i }

// Bool returns the boolean; false for other variants.
func (v Value) Bool() bool { return v.b }

// Vec3 returns the vector; zero for other variants.
func (v Value) Vec3() mgl64.Vec3 { return v.vec }

// Quat returns the quaternion; zero for other variants.
func (v Value) Quat() mgl64.Quat { return v.quat }

// Equal compares bit patterns so a NaN to NaN write is not treated as a change.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeFloat:
		return math.Float64bits(v.num) == math.Float64bits(other.num)
	case TypeInt:
		return v.i == other.i
	case TypeBool:
		return v.b == other.b
	case TypeVec3:
		for idx := 0; idx < 3; idx++ {
			if math.Float64bits(v.vec[idx]) != math.Float64bits(other.vec[idx]) {
				return false
			}
		}
		return true
	case TypeQuat:
		if math.Float64bits(v.quat.W) != math.Float64bits(other.quat.W) {
			return false
		}
		for idx := 0; idx < 3; idx++ {
			if math.Float64bits(v.quat.V[idx]) != math.Float64bits(other.quat.V[idx]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.typ {
	case TypeFloat:
		return fmt.Sprintf("float(%v)", v.num)
	case TypeInt:
		return fmt.Sprintf("int(%d)", v.i)
	case TypeBool:
		return fmt.Sprintf("bool(%t)", v.b)
	case TypeVec3:
		return fmt.Sprintf("vec3(%v, %v, %v)", v.vec[0], v.vec[1], v.vec[2])
	case TypeQuat:
		return fmt.Sprintf("quat(%v; %v, %v, %v)", v.quat.W, v.quat.V[0], v.quat.V[1], v.quat.V[2])
	default:
		return "invalid"
	}
}
