package syncdata

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field pairs a key with its value.
type Field struct {
	Key   Key
	Value Value
}

func fieldNumber(key Key) protowire.Number { return protowire.Number(key) + 1 }

func wireTypeFor(t Type) protowire.Type {
	switch t {
	case TypeFloat:
		return protowire.Fixed64Type
	case TypeInt, TypeBool:
		return protowire.VarintType
	default:
		return protowire.BytesType
	}
}

// AppendField encodes one tagged field. Floats travel as raw IEEE-754 bits so decoding is
// byte-identical.
func AppendField(b []byte, key Key, v Value) []byte {
	b = protowire.AppendTag(b, fieldNumber(key), wireTypeFor(v.typ))
	switch v.typ {
	case TypeFloat:
		b = protowire.AppendFixed64(b, math.Float64bits(v.num))
	case TypeInt:
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.i))
	case TypeBool:
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.b))
	case TypeVec3:
		b = protowire.AppendVarint(b, 24)
		for idx := 0; idx < 3; idx++ {
			b = protowire.AppendFixed64(b, math.Float64bits(v.vec[idx]))
		}
	case TypeQuat:
		b = protowire.AppendVarint(b, 32)
		b = protowire.AppendFixed64(b, math.Float64bits(v.quat.W))
		for idx := 0; idx < 3; idx++ {
			b = protowire.AppendFixed64(b, math.Float64bits(v.quat.V[idx]))
		}
	}
	return b
}

// DecodeFields parses a complete field payload against the schema. Either every field is
// returned or an error is; callers never see a partial record.
func DecodeFields(schema *Schema, payload []byte) ([]Field, error) {
	var fields []Field
	for len(payload) > 0 {
		num, wtyp, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		payload = payload[n:]
		if num < 1 {
			return nil, fmt.Errorf("%w: field number %d", ErrMalformed, num)
		}
		key := Key(num - 1)
		def, ok := schema.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownKey, key)
		}
		if wtyp != wireTypeFor(def.Type) {
			return nil, fmt.Errorf("%w: key %d expects %s", ErrTypeMismatch, key, def.Type)
		}
		value, consumed, err := consumeValue(def.Type, payload)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", key, err)
		}
		payload = payload[consumed:]
		fields = append(fields, Field{Key: key, Value: value})
	}
	return fields, nil
}

func consumeValue(t Type, b []byte) (Value, int, error) {
	switch t {
	case TypeFloat:
		bits, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return Value{}, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		return Float(math.Float64frombits(bits)), n, nil
	case TypeInt:
		raw, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Value{}, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		return Int(protowire.DecodeZigZag(raw)), n, nil
	case TypeBool:
		raw, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Value{}, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		return Bool(protowire.DecodeBool(raw)), n, nil
	case TypeVec3, TypeQuat:
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Value{}, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		components := 3
		if t == TypeQuat {
			components = 4
		}
		if len(inner) != components*8 {
			return Value{}, 0, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, t, components*8, len(inner))
		}
		var parts [4]float64
		for idx := 0; idx < components; idx++ {
			bits, _ := protowire.ConsumeFixed64(inner[idx*8:])
			parts[idx] = math.Float64frombits(bits)
		}
		if t == TypeVec3 {
			return Vec3(mgl64.Vec3{parts[0], parts[1], parts[2]}), n, nil
		}
		return Quat(mgl64.Quat{W: parts[0], V: mgl64.Vec3{parts[1], parts[2], parts[3]}}), n, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unsupported type %s", ErrTypeMismatch, t)
	}
}
