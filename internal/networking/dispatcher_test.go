package networking

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/snapshot"
	"velthoric/physsync/internal/spatial"
	"velthoric/physsync/internal/syncdata"
	"velthoric/physsync/internal/tracking"
	"velthoric/physsync/internal/wire"
)

type recordingTransport struct {
	mu         sync.Mutex
	packets    map[tracking.ObserverID][][]byte
	broadcasts int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{packets: make(map[tracking.ObserverID][][]byte)}
}

func (r *recordingTransport) SendToObserver(id tracking.ObserverID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets[id] = append(r.packets[id], append([]byte(nil), payload...))
	return nil
}

func (r *recordingTransport) BroadcastToDimension(string, []byte) error {
	r.mu.Lock()
	r.broadcasts++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) drain(id tracking.ObserverID) []wire.PacketType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []wire.PacketType
	for _, p := range r.packets[id] {
		kinds = append(kinds, wire.PacketType(p[0]))
	}
	r.packets[id] = nil
	return kinds
}

func (r *recordingTransport) last(id tracking.ObserverID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.packets[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type failingTransport struct{}

func (failingTransport) SendToObserver(tracking.ObserverID, []byte) error {
	return errors.New("connection reset")
}

func (failingTransport) BroadcastToDimension(string, []byte) error { return nil }

type staticSource struct{ batch *snapshot.Batch }

func (s *staticSource) Acquire() (*snapshot.Batch, bool) { return s.batch, s.batch != nil }

type harness struct {
	registry   *body.Registry
	store      *body.Store
	tracker    *tracking.Tracker
	source     *staticSource
	transport  *recordingTransport
	dispatcher *Dispatcher
	now        time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	registry := body.NewRegistry()
	if err := body.RegisterBuiltins(registry); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	index := spatial.NewIndex()
	h := &harness{
		registry:  registry,
		store:     body.NewStore(index),
		tracker:   tracking.NewTracker(index, 0),
		source:    &staticSource{},
		transport: newRecordingTransport(),
		now:       time.Unix(100, 0),
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return h.now }
	}
	opts.Dimension = "overworld"
	h.dispatcher = NewDispatcher(h.store, h.tracker, h.source, h.transport, wire.NewSnappyCompressor(), opts, logging.NewTestLogger())
	return h
}

func (h *harness) spawn(t *testing.T, tag string, pos mgl64.Vec3) *body.Body {
	t.Helper()
	b, err := h.registry.Create(tag, uuid.New())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.store.Add(b, body.State{Transform: body.At(pos), Active: true, Timestamp: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	return b
}

func (h *harness) publish(records ...snapshot.Record) {
	var ts int64
	for _, r := range records {
		if r.State.Timestamp > ts {
			ts = r.State.Timestamp
		}
	}
	h.source.batch = snapshot.NewBatch(uint64(ts), ts, records)
}

func record(b *body.Body, pos mgl64.Vec3, ts, changedAt int64) snapshot.Record {
	return snapshot.Record{
		BodyID:    b.ID(),
		State:     body.State{Transform: body.At(pos), Active: true, Timestamp: ts},
		ChangedAt: changedAt,
	}
}

func TestDispatcherOrdersSpawnStateDataDespawn(t *testing.T) {
	h := newHarness(t, Options{})
	car := h.spawn(t, body.TagCar, mgl64.Vec3{1, 0, 1})

	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 2)
	if kinds := h.transport.drain("alice"); len(kinds) != 1 || kinds[0] != wire.PacketSpawn {
		t.Fatalf("expected one spawn, got %v", kinds)
	}

	_ = car.Data().Set(body.CarEngineRPM, syncdata.Float(2500))
	h.publish(record(car, mgl64.Vec3{2, 0, 1}, 10, 10))
	summary := h.dispatcher.Tick()
	if summary.States != 1 || summary.Data != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	kinds := h.transport.drain("alice")
	if len(kinds) != 2 || kinds[0] != wire.PacketState || kinds[1] != wire.PacketData {
		t.Fatalf("expected state then data, got %v", kinds)
	}
	if h.transport.broadcasts != 1 {
		t.Fatalf("expected one clock pulse, got %d", h.transport.broadcasts)
	}

	//1.- An unchanged record is not resent.
	h.publish(record(car, mgl64.Vec3{2, 0, 1}, 20, 10))
	h.dispatcher.Tick()
	if kinds := h.transport.drain("alice"); len(kinds) != 0 {
		t.Fatalf("idle body produced %v", kinds)
	}

	h.store.Remove(car.ID())
	h.dispatcher.BodyRemoved(car.ID())
	despawns, err := wire.DecodeDespawns(h.transport.last("alice"))
	if err != nil || len(despawns) != 1 || despawns[0].Reason != wire.ReasonDiscard {
		t.Fatalf("expected discard despawn, got %v %v", despawns, err)
	}
	h.transport.drain("alice")

	_ = car.Data().Set(body.CarEngineRPM, syncdata.Float(100))
	h.publish(record(car, mgl64.Vec3{3, 0, 1}, 30, 30))
	h.dispatcher.Tick()
	if kinds := h.transport.drain("alice"); len(kinds) != 0 {
		t.Fatalf("packets after despawn: %v", kinds)
	}
}

func TestDispatcherDefersStatesOverBudget(t *testing.T) {
	h := newHarness(t, Options{BandwidthBytesPerSecond: 120})
	box := h.spawn(t, body.TagBox, mgl64.Vec3{})
	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 1)
	h.transport.drain("alice")

	h.publish(record(box, mgl64.Vec3{1, 0, 0}, 10, 10))
	summary := h.dispatcher.Tick()
	if summary.Deferred != 1 || summary.States != 0 {
		t.Fatalf("expected deferral after spawn burst, got %+v", summary)
	}
	if h.dispatcher.Metrics().Snapshot().DeferredStates != 1 {
		t.Fatal("deferral not counted")
	}

	//1.- Once the bucket refills, the newest state goes out.
	h.now = h.now.Add(5 * time.Second)
	h.publish(record(box, mgl64.Vec3{2, 0, 0}, 20, 20))
	summary = h.dispatcher.Tick()
	if summary.States != 1 {
		t.Fatalf("expected deferred state to be sent, got %+v", summary)
	}
	batch, err := wire.DecodeBatch(h.dispatcher.Compressor(), h.transport.last("alice"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	st, err := wire.DecodeState(batch.Entries[0].Payload)
	if err != nil || st.Transform.Position.X() != 2 {
		t.Fatalf("expected latest state, got %+v %v", st, err)
	}
}

func clientData(t *testing.T, c wire.Compressor, entries ...wire.Entry) []byte {
	t.Helper()
	packets, err := wire.NewEncoder(c, 0).EncodeBatch(wire.PacketData, entries)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return packets[0]
}

func TestHandleClientPacketEnforcesAuthority(t *testing.T) {
	h := newHarness(t, Options{})
	car := h.spawn(t, body.TagCar, mgl64.Vec3{})
	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 1)
	net, _ := h.tracker.NetworkID("alice", car.ID())

	var payload []byte
	payload = syncdata.AppendField(payload, body.CarGear, syncdata.Int(4))
	payload = syncdata.AppendField(payload, body.CarThrottle, syncdata.Float(0.5))
	packet := clientData(t, h.dispatcher.Compressor(),
		wire.Entry{NetworkID: net, Payload: payload},
		wire.Entry{NetworkID: 999, Payload: payload},
	)
	if err := h.dispatcher.HandleClientPacket("alice", packet); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gear, _ := car.Data().Get(body.CarGear); gear.Int() != 1 {
		t.Fatalf("server-only field changed to %v", gear)
	}
	if throttle, _ := car.Data().Get(body.CarThrottle); throttle.Float() != 0.5 {
		t.Fatalf("client-authored field not applied: %v", throttle)
	}
	snap := h.dispatcher.Metrics().Snapshot()
	if snap.RejectedFields != 1 || snap.UnknownNetworkID != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}

	if err := h.dispatcher.HandleClientPacket("alice", packet[:len(packet)-1]); err == nil {
		t.Fatal("truncated batch accepted")
	}
	if err := h.dispatcher.HandleClientPacket("alice", wire.AppendDespawns(nil, nil)); !errors.Is(err, wire.ErrMalformed) {
		t.Fatalf("server-only packet type accepted: %v", err)
	}
}

func TestHandleClientPacketRateLimits(t *testing.T) {
	h := newHarness(t, Options{ClientUpdateHz: 0.001, ClientUpdateBurst: 2})
	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 1)
	pose := wire.AppendObserverPose(nil, wire.ObserverPose{Position: mgl64.Vec3{1, 0, 1}})
	for i := 0; i < 2; i++ {
		if err := h.dispatcher.HandleClientPacket("alice", pose); err != nil {
			t.Fatalf("pose %d: %v", i, err)
		}
	}
	if err := h.dispatcher.HandleClientPacket("alice", pose); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := h.dispatcher.HandleClientPacket("mallory", pose); err == nil {
		t.Fatal("unknown observer accepted")
	}
}

func TestObserverPoseDespawnsOutOfRangeBodies(t *testing.T) {
	h := newHarness(t, Options{})
	h.spawn(t, body.TagBox, mgl64.Vec3{})
	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 1)
	h.transport.drain("alice")

	pose := wire.AppendObserverPose(nil, wire.ObserverPose{Position: mgl64.Vec3{5000, 0, 0}, ViewDistance: 1})
	if err := h.dispatcher.HandleClientPacket("alice", pose); err != nil {
		t.Fatalf("pose: %v", err)
	}
	despawns, err := wire.DecodeDespawns(h.transport.last("alice"))
	if err != nil || len(despawns) != 1 || despawns[0].Reason != wire.ReasonOutOfRange {
		t.Fatalf("expected out-of-range despawn, got %v %v", despawns, err)
	}

	h.dispatcher.RemoveObserver("alice")
	if len(h.tracker.Observers()) != 0 {
		t.Fatal("observer still tracked")
	}
}

func TestOversizedObserverPoseIsClamped(t *testing.T) {
	h := newHarness(t, Options{})
	h.spawn(t, body.TagBox, mgl64.Vec3{})
	h.dispatcher.AddObserver("mallory", mgl64.Vec3{}, 1)
	h.transport.drain("mallory")

	pose := wire.AppendObserverPose(nil, wire.ObserverPose{Position: mgl64.Vec3{}, ViewDistance: 1<<32 - 1})
	if err := h.dispatcher.HandleClientPacket("mallory", pose); err != nil {
		t.Fatalf("pose: %v", err)
	}
	if _, view, ok := h.tracker.Pose("mallory"); !ok || view != tracking.DefaultMaxViewDistance {
		t.Fatalf("expected view clamped to %d, got %d", tracking.DefaultMaxViewDistance, view)
	}

	bad := wire.AppendObserverPose(nil, wire.ObserverPose{Position: mgl64.Vec3{math.NaN(), 0, 0}, ViewDistance: 1})
	if err := h.dispatcher.HandleClientPacket("mallory", bad); !errors.Is(err, wire.ErrMalformed) {
		t.Fatalf("expected malformed error for NaN position, got %v", err)
	}

	start := time.Now()
	h.publish()
	h.dispatcher.Tick()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick with a capped view took %v", elapsed)
	}
}

func TestRemoveObserverReleasesFailureThrottle(t *testing.T) {
	h := newHarness(t, Options{})
	h.spawn(t, body.TagBox, mgl64.Vec3{1, 0, 1})
	var buf bytes.Buffer
	h.dispatcher = NewDispatcher(h.store, h.tracker, h.source, failingTransport{}, wire.NewSnappyCompressor(),
		Options{Dimension: "overworld", Clock: func() time.Time { return h.now }}, logging.NewWriterLogger(&buf, logging.DebugLevel))

	//1.- Rejoining within the throttle interval still reports the first failure of the new session.
	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 2)
	h.dispatcher.RemoveObserver("alice")
	h.dispatcher.AddObserver("alice", mgl64.Vec3{}, 2)

	if got := strings.Count(buf.String(), `"message":"send failed"`); got != 2 {
		t.Fatalf("expected one send failure per session, got %d in %s", got, buf.String())
	}
}
