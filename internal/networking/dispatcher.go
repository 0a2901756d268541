package networking

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/snapshot"
	"velthoric/physsync/internal/spatial"
	"velthoric/physsync/internal/syncdata"
	"velthoric/physsync/internal/tracking"
	"velthoric/physsync/internal/wire"
)

// ErrRateLimited is returned when an observer sends faster than its inbound allowance.
var ErrRateLimited = errors.New("networking: client rate limited")

// failureLogInterval bounds repeated per-observer failure logs to one line per interval.
const failureLogInterval = 5 * time.Second

func sendLogKey(id tracking.ObserverID) string    { return "send:" + string(id) }
func inboundLogKey(id tracking.ObserverID) string { return "inbound:" + string(id) }

// Transport delivers encoded packets. Implementations must not block the caller.
type Transport interface {
	SendToObserver(id tracking.ObserverID, payload []byte) error
	BroadcastToDimension(dimension string, payload []byte) error
}

// Source yields the newest snapshot batch on the network goroutine.
type Source interface {
	Acquire() (*snapshot.Batch, bool)
}

// Options tune a dispatcher.
type Options struct {
	Dimension               string
	MaxFrameBytes           int
	BandwidthBytesPerSecond float64
	ClientUpdateHz          float64
	ClientUpdateBurst       int
	Clock                   func() time.Time
}

// TickSummary describes one network tick.
type TickSummary struct {
	Spawns   int
	Despawns int
	States   int
	Data     int
	Deferred int
}

// Dispatcher turns snapshot batches and tracking events into per-observer packets and validates
// client packets. Every outbound step for all observers runs under one mutex so a body's spawn,
// deltas and despawn always leave in that order.
type Dispatcher struct {
	mu        sync.Mutex
	dimension string
	store     *body.Store
	tracker   *tracking.Tracker
	source    Source
	transport Transport
	encoder   *wire.Encoder
	regulator *BandwidthRegulator
	metrics   *SyncMetrics
	log       *logging.Logger

	updateHz    float64
	updateBurst int
	limiters    map[tracking.ObserverID]*rate.Limiter
	// sent holds, per observer, the ChangedAt of the last state delivered for each body.
	sent map[tracking.ObserverID]map[uuid.UUID]int64
}

// NewDispatcher wires a dispatcher to its collaborators.
func NewDispatcher(store *body.Store, tracker *tracking.Tracker, source Source, transport Transport, compressor wire.Compressor, opts Options, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.L()
	}
	if opts.ClientUpdateHz <= 0 {
		opts.ClientUpdateHz = 30
	}
	if opts.ClientUpdateBurst <= 0 {
		opts.ClientUpdateBurst = 10
	}
	return &Dispatcher{
		dimension:   opts.Dimension,
		store:       store,
		tracker:     tracker,
		source:      source,
		transport:   transport,
		encoder:     wire.NewEncoder(compressor, opts.MaxFrameBytes),
		regulator:   NewBandwidthRegulator(opts.BandwidthBytesPerSecond, opts.Clock),
		metrics:     NewSyncMetrics(),
		log:         logger.With(logging.String("component", "dispatcher"), logging.String("dimension", opts.Dimension)),
		updateHz:    opts.ClientUpdateHz,
		updateBurst: opts.ClientUpdateBurst,
		limiters:    make(map[tracking.ObserverID]*rate.Limiter),
		sent:        make(map[tracking.ObserverID]map[uuid.UUID]int64),
	}
}

// Metrics exposes the dispatcher counters.
func (d *Dispatcher) Metrics() *SyncMetrics { return d.metrics }

// Regulator exposes the per-observer bandwidth buckets.
func (d *Dispatcher) Regulator() *BandwidthRegulator { return d.regulator }

// Compressor returns the codec frames are written with.
func (d *Dispatcher) Compressor() wire.Compressor { return d.encoder.Compressor() }

// AddObserver registers an observer and sends spawns for everything it can already see.
func (d *Dispatcher) AddObserver(id tracking.ObserverID, pos mgl64.Vec3, viewDistance int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[id] = make(map[uuid.UUID]int64)
	d.limiters[id] = rate.NewLimiter(rate.Limit(d.updateHz), d.updateBurst)
	d.deliverLocked(d.tracker.AddObserver(id, pos, viewDistance))
	//1.- Log the view distance the tracker settled on, not the requested one.
	_, effective, _ := d.tracker.Pose(id)
	d.log.Info("observer added", logging.String("observer", string(id)), logging.Int("view_distance", effective))
}

// MoveObserver updates an observer position and applies the resulting spawns and despawns.
func (d *Dispatcher) MoveObserver(id tracking.ObserverID, pos mgl64.Vec3, viewDistance int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverLocked(d.tracker.MoveObserver(id, pos, viewDistance))
}

// RemoveObserver drops every piece of per-observer state synchronously.
func (d *Dispatcher) RemoveObserver(id tracking.ObserverID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker.RemoveObserver(id)
	delete(d.sent, id)
	delete(d.limiters, id)
	d.regulator.Forget(id)
	d.metrics.ForgetObserver(id)
	d.log.Forget(sendLogKey(id), inboundLogKey(id))
	d.log.Info("observer removed", logging.String("observer", string(id)))
}

// WatchChunk forwards a chunk-watch event and spawns its bodies immediately.
func (d *Dispatcher) WatchChunk(id tracking.ObserverID, chunk spatial.ChunkPos) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverLocked(d.tracker.WatchChunk(id, chunk))
}

// UnwatchChunk forwards a chunk-unwatch event and despawns its bodies immediately.
func (d *Dispatcher) UnwatchChunk(id tracking.ObserverID, chunk spatial.ChunkPos) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverLocked(d.tracker.UnwatchChunk(id, chunk))
}

// BodyRemoved sends discard despawns to every observer tracking the body.
func (d *Dispatcher) BodyRemoved(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverLocked(d.tracker.BodyRemoved(id))
}

// Tick runs one network pass: tracking reconciliation, then per observer despawns, spawns,
// state and data packets, then a clock pulse for the dimension.
func (d *Dispatcher) Tick() TickSummary {
	if d == nil {
		return TickSummary{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var batch *snapshot.Batch
	if d.source != nil {
		batch, _ = d.source.Acquire()
	}
	summary := d.deliverLocked(d.tracker.Update())

	//1.- Drain dirty data once per body; the payload is shared by every observer.
	dirty := make(map[uuid.UUID][]byte)
	for _, b := range d.store.Bodies() {
		if b.Removed() || !b.Data().IsDirty() {
			continue
		}
		if payload := b.AppendSyncData(nil, false); len(payload) > 0 {
			dirty[b.ID()] = payload
		}
	}

	for _, observer := range d.tracker.Observers() {
		tracked := d.tracker.TrackedBy(observer)
		states, deferred := d.sendStatesLocked(observer, tracked, batch)
		summary.States += states
		summary.Deferred += deferred
		summary.Data += d.sendDataLocked(observer, tracked, dirty)
	}

	if batch != nil && batch.Tick > 0 && d.transport != nil {
		if err := d.transport.BroadcastToDimension(d.dimension, wire.AppendClock(nil, batch.Timestamp)); err != nil {
			d.metrics.SendFailure()
			d.log.WarnEvery("clock", failureLogInterval, "clock pulse failed", logging.Error(err))
		}
	}
	return summary
}

func (d *Dispatcher) sendStatesLocked(observer tracking.ObserverID, tracked []tracking.Tracked, batch *snapshot.Batch) (int, int) {
	if batch == nil {
		return 0, 0
	}
	sent := d.sent[observer]
	var (
		entries []wire.Entry
		marks   []snapshot.Record
	)
	for _, t := range tracked {
		record, ok := batch.Lookup(t.BodyID)
		if !ok || record.ChangedAt <= sent[t.BodyID] {
			continue
		}
		entries = append(entries, wire.Entry{NetworkID: t.NetworkID, Payload: wire.AppendState(nil, record.State)})
		marks = append(marks, record)
	}
	if len(entries) == 0 {
		return 0, 0
	}
	packets, err := d.encoder.EncodeBatch(wire.PacketState, entries)
	if err != nil {
		d.log.Error("encode state batch", logging.String("observer", string(observer)), logging.Error(err))
		return 0, 0
	}
	total := 0
	for _, packet := range packets {
		total += len(packet)
	}
	//1.- Hold the whole state batch back when the budget is short; the next tick sends newer state.
	if !d.regulator.Allow(observer, total) {
		d.metrics.DeferredState()
		return 0, len(entries)
	}
	d.metrics.ObserveBatch(len(packets))
	for _, packet := range packets {
		d.sendLocked(observer, wire.PacketState, packet)
	}
	for _, record := range marks {
		sent[record.BodyID] = record.ChangedAt
	}
	return len(entries), 0
}

func (d *Dispatcher) sendDataLocked(observer tracking.ObserverID, tracked []tracking.Tracked, dirty map[uuid.UUID][]byte) int {
	if len(dirty) == 0 {
		return 0
	}
	var entries []wire.Entry
	for _, t := range tracked {
		if payload, ok := dirty[t.BodyID]; ok {
			entries = append(entries, wire.Entry{NetworkID: t.NetworkID, Payload: payload})
		}
	}
	if len(entries) == 0 {
		return 0
	}
	packets, err := d.encoder.EncodeBatch(wire.PacketData, entries)
	if err != nil {
		d.log.Error("encode data batch", logging.String("observer", string(observer)), logging.Error(err))
		return 0
	}
	d.metrics.ObserveBatch(len(packets))
	for _, packet := range packets {
		d.regulator.Charge(observer, len(packet))
		d.sendLocked(observer, wire.PacketData, packet)
	}
	return len(entries)
}

func (d *Dispatcher) deliverLocked(events []tracking.Event) TickSummary {
	var summary TickSummary
	if len(events) == 0 {
		return summary
	}
	//1.- Group per observer preserving order so each observer sees despawns before spawns.
	order := make([]tracking.ObserverID, 0)
	grouped := make(map[tracking.ObserverID][]tracking.Event)
	for _, e := range events {
		if _, seen := grouped[e.Observer]; !seen {
			order = append(order, e.Observer)
		}
		grouped[e.Observer] = append(grouped[e.Observer], e)
	}

	for _, observer := range order {
		sent := d.sent[observer]
		if sent == nil {
			sent = make(map[uuid.UUID]int64)
			d.sent[observer] = sent
		}
		var despawns []wire.Despawn
		for _, e := range grouped[observer] {
			if e.Kind == tracking.StopTracking {
				despawns = append(despawns, wire.Despawn{NetworkID: e.NetworkID, Reason: e.Reason})
				delete(sent, e.BodyID)
			}
		}
		if len(despawns) > 0 {
			packet := wire.AppendDespawns(nil, despawns)
			d.regulator.Charge(observer, len(packet))
			d.sendLocked(observer, wire.PacketDespawn, packet)
			summary.Despawns += len(despawns)
		}
		for _, e := range grouped[observer] {
			if e.Kind != tracking.StartTracking {
				continue
			}
			packet, changedAt, ok := d.spawnPacket(e)
			if !ok {
				continue
			}
			sent[e.BodyID] = changedAt
			d.regulator.Charge(observer, len(packet))
			d.sendLocked(observer, wire.PacketSpawn, packet)
			summary.Spawns++
		}
	}
	return summary
}

func (d *Dispatcher) spawnPacket(e tracking.Event) ([]byte, int64, bool) {
	b, ok := d.store.Get(e.BodyID)
	if !ok || b.Removed() {
		return nil, 0, false
	}
	st, ok := d.store.StateOf(e.BodyID)
	if !ok {
		return nil, 0, false
	}
	packet := wire.AppendSpawn(nil, wire.Spawn{
		NetworkID: e.NetworkID,
		BodyID:    e.BodyID,
		TypeTag:   b.TypeTag(),
		State:     st,
		Data:      b.AppendSyncData(nil, true),
	})
	//1.- The spawn already carries this state, so only later changes need a state packet.
	return packet, st.Timestamp, true
}

func (d *Dispatcher) sendLocked(observer tracking.ObserverID, kind wire.PacketType, packet []byte) {
	if d.transport == nil {
		return
	}
	if err := d.transport.SendToObserver(observer, packet); err != nil {
		d.metrics.SendFailure()
		d.log.WarnEvery(sendLogKey(observer), failureLogInterval, "send failed",
			logging.String("observer", string(observer)),
			logging.String("packet", kind.String()),
			logging.Error(err),
		)
		return
	}
	d.metrics.ObserveSend(observer, kind, len(packet))
}

// HandleClientPacket validates and applies one packet received from an observer. Data batches
// are decoded as a whole; per-record problems skip only that record.
func (d *Dispatcher) HandleClientPacket(observer tracking.ObserverID, payload []byte) error {
	d.mu.Lock()
	limiter, ok := d.limiters[observer]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("networking: unknown observer %q", observer)
	}
	if !limiter.Allow() {
		d.metrics.RateLimited()
		return ErrRateLimited
	}

	kind, err := wire.PeekType(payload)
	if err != nil {
		d.metrics.MalformedInbound()
		return err
	}
	switch kind {
	case wire.PacketData:
		return d.applyClientData(observer, payload)
	case wire.PacketObserverPose:
		pose, err := wire.DecodeObserverPose(payload)
		if err != nil {
			d.metrics.MalformedInbound()
			return err
		}
		if !finite(pose.Position) {
			d.metrics.MalformedInbound()
			return fmt.Errorf("%w: non-finite observer position", wire.ErrMalformed)
		}
		d.MoveObserver(observer, pose.Position, int(pose.ViewDistance))
		return nil
	default:
		d.metrics.MalformedInbound()
		return fmt.Errorf("%w: unexpected %s packet from client", wire.ErrMalformed, kind)
	}
}

func (d *Dispatcher) applyClientData(observer tracking.ObserverID, payload []byte) error {
	batch, err := wire.DecodeBatch(d.encoder.Compressor(), payload)
	if err != nil {
		d.metrics.MalformedInbound()
		d.log.DebugEvery(inboundLogKey(observer), failureLogInterval, "client data dropped", logging.String("observer", string(observer)), logging.Error(err))
		return err
	}
	for _, entry := range batch.Entries {
		bodyID, ok := d.tracker.BodyForNetworkID(observer, entry.NetworkID)
		if !ok {
			d.metrics.UnknownNetworkID()
			continue
		}
		b, ok := d.store.Get(bodyID)
		if !ok || b.Removed() {
			continue
		}
		fields, err := b.Data().Decode(entry.Payload)
		if err != nil {
			d.log.Debug("client record skipped",
				logging.String("observer", string(observer)),
				logging.String("body", bodyID.String()),
				logging.Error(err),
			)
			continue
		}
		applied := b.Data().Apply(fields, syncdata.OriginClient)
		d.metrics.RejectedFields(len(fields) - applied)
	}
	return nil
}

func finite(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
