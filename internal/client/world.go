package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/syncdata"
	"velthoric/physsync/internal/wire"
)

// ErrUnknownBody is returned when a network ID has no spawned body.
var ErrUnknownBody = errors.New("client: unknown network id")

// Options tune a receiver world.
type Options struct {
	Compressor    wire.Compressor
	Registry      *body.Registry
	Limits        BufferLimits
	Delay         time.Duration
	Alpha         float64
	MaxFrameBytes int
	Clock         *PauseClock
	Logger        *logging.Logger
}

// RemoteBody is the receiver's view of one server body.
type RemoteBody struct {
	NetworkID uint32
	BodyID    uuid.UUID
	TypeTag   string
	Data      *syncdata.Set
	Buffer    *ReceptionBuffer
}

// World mirrors the bodies one observer tracks. Packets are applied by the connection goroutine
// while the render loop samples, so every method locks.
type World struct {
	mu       sync.Mutex
	registry *body.Registry
	encoder  *wire.Encoder
	limits   BufferLimits
	clock    *PauseClock
	sync     *ClockSync
	interp   *Interpolator
	log      *logging.Logger

	bodies map[uint32]*RemoteBody
	// pending collects Data entries between the start and end flags of one split sequence.
	pending     []wire.Entry
	pendingOpen bool
}

// NewWorld builds an empty receiver world.
func NewWorld(opts Options) *World {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Registry == nil {
		opts.Registry = body.NewRegistry()
		_ = body.RegisterBuiltins(opts.Registry)
	}
	if opts.Compressor == nil {
		opts.Compressor, _ = wire.CompressorByName("")
	}
	if opts.Clock == nil {
		opts.Clock = NewPauseClock(nil)
	}
	cs := NewClockSync(opts.Alpha)
	return &World{
		registry: opts.Registry,
		encoder:  wire.NewEncoder(opts.Compressor, opts.MaxFrameBytes),
		limits:   opts.Limits.normalized(),
		clock:    opts.Clock,
		sync:     cs,
		interp:   NewInterpolator(opts.Clock, cs, opts.Delay),
		log:      opts.Logger.With(logging.String("component", "client_world")),
		bodies:   make(map[uint32]*RemoteBody),
	}
}

// Clock exposes the logical clock so callers can pause and resume rendering.
func (w *World) Clock() *PauseClock { return w.clock }

// ClockSync exposes the server offset estimator.
func (w *World) ClockSync() *ClockSync { return w.sync }

// Interpolator exposes the render-time source.
func (w *World) Interpolator() *Interpolator { return w.interp }

// HandlePacket applies one packet from the server.
func (w *World) HandlePacket(payload []byte) error {
	kind, err := wire.PeekType(payload)
	if err != nil {
		return err
	}
	switch kind {
	case wire.PacketSpawn:
		spawn, err := wire.DecodeSpawn(payload)
		if err != nil {
			return err
		}
		return w.spawn(spawn)
	case wire.PacketDespawn:
		despawns, err := wire.DecodeDespawns(payload)
		if err != nil {
			return err
		}
		w.mu.Lock()
		for _, d := range despawns {
			delete(w.bodies, d.NetworkID)
		}
		w.mu.Unlock()
		return nil
	case wire.PacketState:
		batch, err := wire.DecodeBatch(w.encoder.Compressor(), payload)
		if err != nil {
			return err
		}
		w.applyStates(batch.Entries)
		return nil
	case wire.PacketData:
		batch, err := wire.DecodeBatch(w.encoder.Compressor(), payload)
		if err != nil {
			w.abandonData()
			return err
		}
		w.applyData(batch)
		return nil
	case wire.PacketClock:
		ts, err := wire.DecodeClock(payload)
		if err != nil {
			return err
		}
		w.sync.Observe(ts, w.clock.Now())
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s packet from server", wire.ErrMalformed, kind)
	}
}

func (w *World) spawn(s wire.Spawn) error {
	spec, ok := w.registry.Lookup(s.TypeTag)
	if !ok {
		return fmt.Errorf("%w: %s", body.ErrUnknownType, s.TypeTag)
	}
	data := syncdata.NewSet(spec.Schema)
	if _, err := data.ApplyPayload(s.Data, syncdata.OriginServer); err != nil {
		return err
	}
	rb := &RemoteBody{
		NetworkID: s.NetworkID,
		BodyID:    s.BodyID,
		TypeTag:   s.TypeTag,
		Data:      data,
		Buffer:    NewReceptionBuffer(w.limits),
	}
	rb.Buffer.Add(s.State)

	w.mu.Lock()
	w.bodies[s.NetworkID] = rb
	w.mu.Unlock()
	return nil
}

func (w *World) applyStates(entries []wire.Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var newest int64
	for _, entry := range entries {
		rb, ok := w.bodies[entry.NetworkID]
		if !ok {
			continue
		}
		st, err := wire.DecodeState(entry.Payload)
		if err != nil {
			w.log.Debug("state record skipped", logging.Uint32("network_id", entry.NetworkID), logging.Error(err))
			continue
		}
		if rb.Buffer.Add(st) && st.Timestamp > newest {
			newest = st.Timestamp
		}
	}
	//1.- One offset sample per packet keeps a large batch from dominating the estimate.
	if newest > 0 {
		w.sync.Observe(newest, w.clock.Now())
	}
}

func (w *World) applyData(batch wire.Batch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if batch.Starts() {
		w.pending = w.pending[:0]
		w.pendingOpen = true
	}
	if !w.pendingOpen {
		w.log.Debug("data packet outside a sequence dropped", logging.Int("entries", len(batch.Entries)))
		return
	}
	w.pending = append(w.pending, batch.Entries...)
	if !batch.Ends() {
		return
	}
	w.pendingOpen = false
	for _, entry := range w.pending {
		rb, ok := w.bodies[entry.NetworkID]
		if !ok {
			continue
		}
		if _, err := rb.Data.ApplyPayload(entry.Payload, syncdata.OriginServer); err != nil {
			w.log.Debug("data record skipped", logging.Uint32("network_id", entry.NetworkID), logging.Error(err))
		}
	}
	clear(w.pending)
	w.pending = w.pending[:0]
}

// abandonData discards a partially received data sequence; frames are ignored until the next
// batch start.
func (w *World) abandonData() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingOpen = false
	clear(w.pending)
	w.pending = w.pending[:0]
}

// Sample interpolates a body at the current render timestamp.
func (w *World) Sample(networkID uint32) (body.State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rb, ok := w.bodies[networkID]
	if !ok {
		return body.State{}, false
	}
	return w.interp.Sample(rb.Buffer)
}

// SampleAt interpolates a body at an explicit server timestamp.
func (w *World) SampleAt(networkID uint32, renderTs int64) (body.State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rb, ok := w.bodies[networkID]
	if !ok {
		return body.State{}, false
	}
	return Interpolate(rb.Buffer, renderTs)
}

// Get returns the remote body for a network ID.
func (w *World) Get(networkID uint32) (*RemoteBody, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rb, ok := w.bodies[networkID]
	return rb, ok
}

// Bodies lists tracked network IDs in ascending order.
func (w *World) Bodies() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint32, 0, len(w.bodies))
	for id := range w.bodies {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of tracked bodies.
func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

// SetLocal writes a client-authored field so the next EncodeLocalChanges reports it.
func (w *World) SetLocal(networkID uint32, key syncdata.Key, v syncdata.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rb, ok := w.bodies[networkID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBody, networkID)
	}
	def, ok := rb.Data.Schema().Lookup(key)
	if !ok {
		return fmt.Errorf("%w: key %d", syncdata.ErrUnknownKey, key)
	}
	if !def.ClientAuthored {
		return fmt.Errorf("client: field %s is server authored", def.Name)
	}
	return rb.Data.Set(key, v)
}

// EncodeLocalChanges packs the dirty client-authored fields into Data packets.
func (w *World) EncodeLocalChanges() ([][]byte, error) {
	w.mu.Lock()
	ids := make([]uint32, 0, len(w.bodies))
	for id := range w.bodies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var entries []wire.Entry
	for _, id := range ids {
		rb := w.bodies[id]
		if !rb.Data.Schema().HasClientAuthored() {
			continue
		}
		if payload := rb.Data.AppendDirtyClientAuthored(nil); len(payload) > 0 {
			entries = append(entries, wire.Entry{NetworkID: id, Payload: payload})
		}
	}
	w.mu.Unlock()
	if len(entries) == 0 {
		return nil, nil
	}
	return w.encoder.EncodeBatch(wire.PacketData, entries)
}

// EncodePose builds the observer pose packet for the local viewer.
func EncodePose(pose wire.ObserverPose) []byte {
	return wire.AppendObserverPose(nil, pose)
}
