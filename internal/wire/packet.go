package wire

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"velthoric/physsync/internal/body"
)

// PacketType is the leading byte of every packet.
type PacketType byte

const (
	PacketSpawn PacketType = iota + 1
	PacketDespawn
	PacketState
	PacketData
	PacketObserverPose
	PacketClock
)

func (t PacketType) String() string {
	switch t {
	case PacketSpawn:
		return "spawn"
	case PacketDespawn:
		return "despawn"
	case PacketState:
		return "state"
	case PacketData:
		return "data"
	case PacketObserverPose:
		return "observer_pose"
	case PacketClock:
		return "clock"
	default:
		return fmt.Sprintf("packet(%d)", byte(t))
	}
}

// Batch flags carried by State and Data packets.
const (
	FlagBatchStart byte = 1 << 0
	FlagBatchEnd   byte = 1 << 1
)

// maxTagBytes bounds the type tag carried in a spawn record.
const maxTagBytes = 256

// PeekType returns the packet type without decoding the body.
func PeekType(b []byte) (PacketType, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty packet", ErrTruncated)
	}
	t := PacketType(b[0])
	if t < PacketSpawn || t > PacketClock {
		return 0, fmt.Errorf("%w: packet type %d", ErrMalformed, b[0])
	}
	return t, nil
}

// Spawn starts tracking a body on the receiver with its full data and initial state.
type Spawn struct {
	NetworkID uint32
	BodyID    uuid.UUID
	TypeTag   string
	State     body.State
	Data      []byte
}

// AppendSpawn encodes a spawn packet.
func AppendSpawn(dst []byte, s Spawn) []byte {
	dst = append(dst, byte(PacketSpawn))
	dst = protowire.AppendVarint(dst, uint64(s.NetworkID))
	dst = append(dst, s.BodyID[:]...)
	dst = protowire.AppendString(dst, s.TypeTag)
	dst = protowire.AppendBytes(dst, AppendState(nil, s.State))
	return protowire.AppendBytes(dst, s.Data)
}

// DecodeSpawn parses a spawn packet.
func DecodeSpawn(b []byte) (Spawn, error) {
	var s Spawn
	b, err := expectType(b, PacketSpawn)
	if err != nil {
		return s, err
	}
	id, n := protowire.ConsumeVarint(b)
	if n < 0 || id > math.MaxUint32 {
		return s, fmt.Errorf("%w: spawn network id", ErrMalformed)
	}
	s.NetworkID = uint32(id)
	b = b[n:]
	if len(b) < len(s.BodyID) {
		return s, fmt.Errorf("%w: spawn body id", ErrTruncated)
	}
	copy(s.BodyID[:], b)
	b = b[len(s.BodyID):]
	tag, n := protowire.ConsumeString(b)
	if n < 0 {
		return s, fmt.Errorf("%w: spawn type tag", ErrTruncated)
	}
	if len(tag) == 0 || len(tag) > maxTagBytes {
		return s, fmt.Errorf("%w: spawn type tag length %d", ErrMalformed, len(tag))
	}
	s.TypeTag = tag
	b = b[n:]
	record, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return s, fmt.Errorf("%w: spawn state", ErrTruncated)
	}
	b = b[n:]
	if s.State, err = DecodeState(record); err != nil {
		return s, err
	}
	data, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return s, fmt.Errorf("%w: spawn data", ErrTruncated)
	}
	if n != len(b) {
		return s, fmt.Errorf("%w: trailing spawn bytes", ErrMalformed)
	}
	s.Data = append([]byte(nil), data...)
	return s, nil
}

// DespawnReason explains why tracking stopped.
type DespawnReason byte

const (
	// ReasonDiscard means the body was removed from the world.
	ReasonDiscard DespawnReason = iota + 1
	// ReasonOutOfRange means the body left the observer's watched chunks.
	ReasonOutOfRange
)

func (r DespawnReason) String() string {
	switch r {
	case ReasonDiscard:
		return "discard"
	case ReasonOutOfRange:
		return "out_of_range"
	default:
		return fmt.Sprintf("reason(%d)", byte(r))
	}
}

// Despawn stops tracking one network id.
type Despawn struct {
	NetworkID uint32
	Reason    DespawnReason
}

// AppendDespawns encodes a despawn packet listing every id to release.
func AppendDespawns(dst []byte, despawns []Despawn) []byte {
	dst = append(dst, byte(PacketDespawn))
	dst = protowire.AppendVarint(dst, uint64(len(despawns)))
	for _, d := range despawns {
		dst = protowire.AppendVarint(dst, uint64(d.NetworkID))
		dst = append(dst, byte(d.Reason))
	}
	return dst
}

// DecodeDespawns parses a despawn packet.
func DecodeDespawns(b []byte) ([]Despawn, error) {
	b, err := expectType(b, PacketDespawn)
	if err != nil {
		return nil, err
	}
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: despawn count", ErrTruncated)
	}
	b = b[n:]
	if count > uint64(len(b)/2) {
		return nil, fmt.Errorf("%w: %d despawns in %d bytes", ErrMalformed, count, len(b))
	}
	out := make([]Despawn, 0, count)
	for i := uint64(0); i < count; i++ {
		id, n := protowire.ConsumeVarint(b)
		if n < 0 || id > math.MaxUint32 {
			return nil, fmt.Errorf("%w: despawn %d id", ErrMalformed, i)
		}
		b = b[n:]
		if len(b) < 1 {
			return nil, fmt.Errorf("%w: despawn %d reason", ErrTruncated, i)
		}
		reason := DespawnReason(b[0])
		if reason != ReasonDiscard && reason != ReasonOutOfRange {
			return nil, fmt.Errorf("%w: despawn reason %d", ErrMalformed, b[0])
		}
		b = b[1:]
		out = append(out, Despawn{NetworkID: uint32(id), Reason: reason})
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: trailing despawn bytes", ErrMalformed)
	}
	return out, nil
}

// Batch is one decoded State or Data packet.
type Batch struct {
	Type    PacketType
	Flags   byte
	Entries []Entry
}

// Starts reports whether the packet opens a sequence.
func (b Batch) Starts() bool { return b.Flags&FlagBatchStart != 0 }

// Ends reports whether the packet closes a sequence.
func (b Batch) Ends() bool { return b.Flags&FlagBatchEnd != 0 }

// Encoder turns entry lists into split, compressed State and Data packets.
type Encoder struct {
	compressor Compressor
	splitter   Splitter
}

// NewEncoder constructs an encoder bounded by maxFrameBytes per frame.
func NewEncoder(c Compressor, maxFrameBytes int) *Encoder {
	return &Encoder{compressor: c, splitter: NewSplitter(maxFrameBytes)}
}

// Compressor returns the codec frames are written with.
func (e *Encoder) Compressor() Compressor { return e.compressor }

// EncodeBatch splits entries into frames and wraps each in a packet of type t. The first packet
// carries the start flag and the last the end flag; a single packet carries both.
func (e *Encoder) EncodeBatch(t PacketType, entries []Entry) ([][]byte, error) {
	if t != PacketState && t != PacketData {
		return nil, fmt.Errorf("%w: %s is not a batch packet", ErrMalformed, t)
	}
	groups := e.splitter.Split(entries)
	packets := make([][]byte, 0, len(groups))
	for i, group := range groups {
		var flags byte
		if i == 0 {
			flags |= FlagBatchStart
		}
		if i == len(groups)-1 {
			flags |= FlagBatchEnd
		}
		packet, err := AppendFrame([]byte{byte(t), flags}, e.compressor, group)
		if err != nil {
			return nil, fmt.Errorf("encode %s frame %d: %w", t, i, err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// DecodeBatch parses a State or Data packet. Any structural problem fails the whole packet.
func DecodeBatch(c Compressor, b []byte) (Batch, error) {
	t, err := PeekType(b)
	if err != nil {
		return Batch{}, err
	}
	if t != PacketState && t != PacketData {
		return Batch{}, fmt.Errorf("%w: %s is not a batch packet", ErrMalformed, t)
	}
	if len(b) < 2 {
		return Batch{}, fmt.Errorf("%w: batch flags", ErrTruncated)
	}
	flags := b[1]
	if flags&^(FlagBatchStart|FlagBatchEnd) != 0 {
		return Batch{}, fmt.Errorf("%w: batch flags %#x", ErrMalformed, flags)
	}
	entries, n, err := DecodeFrame(c, b[2:])
	if err != nil {
		return Batch{}, err
	}
	if n != len(b)-2 {
		return Batch{}, fmt.Errorf("%w: trailing batch bytes", ErrMalformed)
	}
	return Batch{Type: t, Flags: flags, Entries: entries}, nil
}

// ObserverPose is sent by clients to move their observer. A zero view distance keeps the
// current one.
type ObserverPose struct {
	Position     mgl64.Vec3
	ViewDistance uint32
}

// AppendObserverPose encodes an observer pose packet.
func AppendObserverPose(dst []byte, p ObserverPose) []byte {
	dst = append(dst, byte(PacketObserverPose))
	dst = appendVec3(dst, p.Position)
	return protowire.AppendVarint(dst, uint64(p.ViewDistance))
}

// DecodeObserverPose parses an observer pose packet.
func DecodeObserverPose(b []byte) (ObserverPose, error) {
	var p ObserverPose
	b, err := expectType(b, PacketObserverPose)
	if err != nil {
		return p, err
	}
	if len(b) < 24 {
		return p, fmt.Errorf("%w: pose position", ErrTruncated)
	}
	for i := 0; i < 3; i++ {
		v := math.Float64frombits(leUint64(b[i*8:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return p, fmt.Errorf("%w: pose coordinate", ErrMalformed)
		}
		p.Position[i] = v
	}
	b = b[24:]
	distance, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return p, fmt.Errorf("%w: pose view distance", ErrTruncated)
	}
	if n != len(b) || distance > math.MaxUint32 {
		return p, fmt.Errorf("%w: pose view distance", ErrMalformed)
	}
	p.ViewDistance = uint32(distance)
	return p, nil
}

func expectType(b []byte, want PacketType) ([]byte, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("%w: expected %s packet, got %s", ErrMalformed, want, t)
	}
	return b[1:], nil
}

// AppendClock encodes a clock pulse carrying the server tick timestamp. Pulses keep receiver
// clock estimates fresh while every tracked body is idle.
func AppendClock(dst []byte, timestamp int64) []byte {
	dst = append(dst, byte(PacketClock))
	return protowire.AppendVarint(dst, uint64(timestamp))
}

// DecodeClock parses a clock pulse.
func DecodeClock(b []byte) (int64, error) {
	b, err := expectType(b, PacketClock)
	if err != nil {
		return 0, err
	}
	ts, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: clock timestamp", ErrTruncated)
	}
	if n != len(b) || ts > math.MaxInt64 {
		return 0, fmt.Errorf("%w: clock timestamp", ErrMalformed)
	}
	return int64(ts), nil
}
