// Package world assembles one simulated dimension: body registry and store, spatial index,
// tracking, snapshot producer, dispatcher, physics engine and optional region persistence.
// Nothing here is global; every collaborator is owned by the World that built it.
package world

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/body"
	"velthoric/physsync/internal/config"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/networking"
	"velthoric/physsync/internal/physics"
	"velthoric/physsync/internal/regionstore"
	"velthoric/physsync/internal/simulation"
	"velthoric/physsync/internal/snapshot"
	"velthoric/physsync/internal/spatial"
	"velthoric/physsync/internal/syncdata"
	"velthoric/physsync/internal/tracking"
	"velthoric/physsync/internal/wire"
)

var (
	// ErrClosed is returned once the world has been closed.
	ErrClosed = errors.New("world: closed")
	// ErrNoRegionStore is returned by region persistence without a configured store.
	ErrNoRegionStore = errors.New("world: no region store configured")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("world: already running")
)

// restSpacing is the distance between neighbouring rest vertices of generated soft bodies.
const restSpacing = 0.25

// Options wire a world. Zero values select defaults.
type Options struct {
	Name      string
	Sync      config.SyncConfig
	Registry  *body.Registry
	Engine    *physics.Engine
	Regions   *regionstore.Store
	Transport networking.Transport
	Clock     snapshot.Clock
	// WallClock drives bandwidth refills; tests substitute a manual clock.
	WallClock func() time.Time
	Logger    *logging.Logger
}

// Stats is a point-in-time view used by the operational endpoints.
type Stats struct {
	Name       string                               `json:"name"`
	Bodies     int                                  `json:"bodies"`
	Observers  int                                  `json:"observers"`
	Simulation simulation.TickMetricsSnapshot       `json:"simulation"`
	Network    simulation.TickMetricsSnapshot       `json:"network"`
	Sync       networking.SyncMetricsSnapshot       `json:"sync"`
	Bandwidth  map[string]networking.BandwidthUsage `json:"bandwidth"`
}

// World is the per-dimension service object.
type World struct {
	name       string
	sync       config.SyncConfig
	registry   *body.Registry
	index      *spatial.Index
	store      *body.Store
	tracker    *tracking.Tracker
	engine     *physics.Engine
	producer   *snapshot.Producer
	dispatcher *networking.Dispatcher
	regions    *regionstore.Store
	clock      snapshot.Clock
	log        *logging.Logger

	simLoop *simulation.Loop
	netLoop *simulation.Loop
	running atomic.Bool
	closed  atomic.Bool
	// mu serialises spawn, removal and region loads so a body is never half registered.
	mu sync.Mutex
}

// New builds a world from opts.
func New(opts Options) (*World, error) {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Name == "" {
		opts.Name = "overworld"
	}
	if opts.Sync == (config.SyncConfig{}) {
		opts.Sync = config.Default().Sync
	}
	if opts.Registry == nil {
		opts.Registry = body.NewRegistry()
		if err := body.RegisterBuiltins(opts.Registry); err != nil {
			return nil, err
		}
	}
	//1.- Caller-supplied registries still need a factory for every stock type.
	if err := opts.Registry.Validate(body.BuiltinTags()...); err != nil {
		return nil, fmt.Errorf("world %s: %w", opts.Name, err)
	}
	if opts.Engine == nil {
		opts.Engine = physics.NewEngine(physics.DefaultConfig())
	}
	if opts.Clock == nil {
		opts.Clock = snapshot.NewMonotonicClock()
	}
	compressor, err := wire.CompressorByName(opts.Sync.Compression)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With(logging.String("world", opts.Name))
	index := spatial.NewIndex()
	store := body.NewStore(index)
	tracker := tracking.NewTracker(index, opts.Sync.MaxViewDistance)
	producer := snapshot.NewProducer(store, opts.Engine, opts.Clock, logger)
	dispatcher := networking.NewDispatcher(store, tracker, producer, opts.Transport, compressor, networking.Options{
		Dimension:               opts.Name,
		MaxFrameBytes:           opts.Sync.MaxFrameBytes,
		BandwidthBytesPerSecond: opts.Sync.BandwidthBytesPerSecond,
		ClientUpdateHz:          opts.Sync.ClientUpdateHz,
		ClientUpdateBurst:       opts.Sync.ClientUpdateBurst,
		Clock:                   opts.WallClock,
	}, logger)

	w := &World{
		name:       opts.Name,
		sync:       opts.Sync,
		registry:   opts.Registry,
		index:      index,
		store:      store,
		tracker:    tracker,
		engine:     opts.Engine,
		producer:   producer,
		dispatcher: dispatcher,
		regions:    opts.Regions,
		clock:      opts.Clock,
		log:        logger,
	}
	logger.Debug("body types registered", logging.Strings("types", opts.Registry.Tags()))
	w.simLoop = simulation.NewLoop(opts.Sync.SimulationHz, func(_ uint64, step time.Duration) { w.Step(step) })
	w.netLoop = simulation.NewLoop(opts.Sync.NetworkHz, func(uint64, time.Duration) { w.NetworkTick() })
	return w, nil
}

// Name returns the dimension name.
func (w *World) Name() string { return w.name }

// Registry exposes the body type registry.
func (w *World) Registry() *body.Registry { return w.registry }

// Store exposes the body store.
func (w *World) Store() *body.Store { return w.store }

// Engine exposes the physics engine.
func (w *World) Engine() *physics.Engine { return w.engine }

// Dispatcher exposes the network dispatcher.
func (w *World) Dispatcher() *networking.Dispatcher { return w.dispatcher }

// Tracker exposes observer tracking.
func (w *World) Tracker() *tracking.Tracker { return w.tracker }

// SpawnBody creates a body of type tag. A nil id allocates a fresh one. Soft bodies without
// rest vertices get a flat square grid.
func (w *World) SpawnBody(tag string, id uuid.UUID, spec physics.BodySpec) (*body.Body, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	b, err := w.registry.Create(tag, id)
	if err != nil {
		return nil, err
	}
	if n := b.VertexCount(); n > 0 && len(spec.RestVertices) == 0 {
		spec.RestVertices = restGrid(n)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.admitLocked(b, spec); err != nil {
		return nil, err
	}
	w.log.Debug("body spawned", logging.String("body", id.String()), logging.String("type", tag))
	return b, nil
}

func (w *World) admitLocked(b *body.Body, spec physics.BodySpec) error {
	if err := w.engine.Add(b.ID(), spec); err != nil {
		return err
	}
	st, _ := w.engine.Snapshot(b.ID())
	st.Timestamp = w.clock.Now()
	if _, err := w.store.Add(b, st); err != nil {
		w.engine.Remove(b.ID())
		return err
	}
	return nil
}

// RemoveBody deletes a body and despawns it for every observer.
func (w *World) RemoveBody(id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeLocked(id)
}

func (w *World) removeLocked(id uuid.UUID) error {
	if _, ok := w.store.Remove(id); !ok {
		return fmt.Errorf("%w: %s", body.ErrNotFound, id)
	}
	w.engine.Remove(id)
	w.dispatcher.BodyRemoved(id)
	return nil
}

// SetData writes a server-authored field; it reaches observers on the next network tick.
func (w *World) SetData(id uuid.UUID, key syncdata.Key, v syncdata.Value) error {
	b, ok := w.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", body.ErrNotFound, id)
	}
	return b.Data().Set(key, v)
}

// Step advances physics by one fixed step and publishes the resulting snapshot batch.
func (w *World) Step(dt time.Duration) snapshot.Summary {
	w.engine.Step(dt)
	return w.producer.Produce()
}

// NetworkTick runs one dispatcher pass.
func (w *World) NetworkTick() networking.TickSummary {
	return w.dispatcher.Tick()
}

// AddObserver starts tracking for an observer. A non-positive view distance uses the default.
func (w *World) AddObserver(id tracking.ObserverID, pos mgl64.Vec3, viewDistance int) {
	if viewDistance <= 0 {
		viewDistance = w.sync.ViewDistance
	}
	w.dispatcher.AddObserver(id, pos, viewDistance)
}

// MoveObserver updates an observer position.
func (w *World) MoveObserver(id tracking.ObserverID, pos mgl64.Vec3, viewDistance int) {
	w.dispatcher.MoveObserver(id, pos, viewDistance)
}

// RemoveObserver releases all tracking state of an observer.
func (w *World) RemoveObserver(id tracking.ObserverID) {
	w.dispatcher.RemoveObserver(id)
}

// HandleClientPacket routes one inbound packet from an observer.
func (w *World) HandleClientPacket(id tracking.ObserverID, payload []byte) error {
	return w.dispatcher.HandleClientPacket(id, payload)
}

// SaveRegion persists every body currently inside region.
func (w *World) SaveRegion(ctx context.Context, region spatial.RegionPos) (int, error) {
	if w.regions == nil {
		return 0, ErrNoRegionStore
	}
	records := w.regionRecords(region)
	if err := w.regions.SaveBodiesInRegion(ctx, region, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// SaveLoadedRegions persists every region that currently holds a body and reports how many
// regions and bodies were written.
func (w *World) SaveLoadedRegions(ctx context.Context) (int, int, error) {
	if w.regions == nil {
		return 0, 0, ErrNoRegionStore
	}
	seen := make(map[spatial.RegionPos]struct{})
	for _, b := range w.store.Bodies() {
		if chunk, ok := w.store.ChunkOf(b.ID()); ok {
			seen[chunk.Region()] = struct{}{}
		}
	}
	var bodies int
	for region := range seen {
		n, err := w.SaveRegion(ctx, region)
		if err != nil {
			return 0, bodies, fmt.Errorf("save region %d,%d: %w", region.X, region.Z, err)
		}
		bodies += n
	}
	return len(seen), bodies, nil
}

// UnloadRegion saves region and then removes its bodies from the simulation.
func (w *World) UnloadRegion(ctx context.Context, region spatial.RegionPos) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.regions == nil {
		return 0, ErrNoRegionStore
	}
	records := w.regionRecords(region)
	if err := w.regions.SaveBodiesInRegion(ctx, region, records); err != nil {
		return 0, err
	}
	for _, r := range records {
		if err := w.removeLocked(r.BodyID); err != nil {
			w.log.Warn("unload remove failed", logging.String("body", r.BodyID.String()), logging.Error(err))
		}
	}
	return len(records), nil
}

func (w *World) regionRecords(region spatial.RegionPos) []regionstore.Record {
	var records []regionstore.Record
	for _, b := range w.store.Bodies() {
		chunk, ok := w.store.ChunkOf(b.ID())
		if !ok || b.Removed() || !region.Contains(chunk) {
			continue
		}
		st, ok := w.engine.Snapshot(b.ID())
		if !ok {
			st, _ = w.store.StateOf(b.ID())
		}
		records = append(records, regionstore.Record{
			BodyID:  b.ID(),
			TypeTag: b.TypeTag(),
			State:   st,
			Data:    b.Data().AppendAll(nil),
		})
	}
	return records
}

// LoadRegion restores the bodies persisted for region. Bodies already simulated are skipped.
func (w *World) LoadRegion(ctx context.Context, region spatial.RegionPos) (int, error) {
	if w.regions == nil {
		return 0, ErrNoRegionStore
	}
	records, err := w.regions.LoadBodiesInRegion(ctx, region)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	loaded := 0
	for _, r := range records {
		if _, exists := w.store.Get(r.BodyID); exists {
			continue
		}
		b, err := w.registry.Create(r.TypeTag, r.BodyID)
		if err != nil {
			w.log.Warn("region record skipped", logging.String("body", r.BodyID.String()), logging.Error(err))
			continue
		}
		if _, err := b.Data().ApplyPayload(r.Data, syncdata.OriginServer); err != nil {
			w.log.Warn("region data skipped", logging.String("body", r.BodyID.String()), logging.Error(err))
		}
		spec := physics.BodySpec{
			Transform:       r.State.Transform,
			LinearVelocity:  r.State.LinearVelocity,
			AngularVelocity: r.State.AngularVelocity,
			Asleep:          !r.State.Active,
		}
		if n := b.VertexCount(); n > 0 {
			spec.RestVertices = restGrid(n)
		}
		if err := w.admitLocked(b, spec); err != nil {
			w.log.Warn("region body rejected", logging.String("body", r.BodyID.String()), logging.Error(err))
			continue
		}
		loaded++
	}
	w.log.Info("region loaded",
		logging.Int("region_x", int(region.X)),
		logging.Int("region_z", int(region.Z)),
		logging.Int("bodies", loaded),
	)
	return loaded, nil
}

// Run drives the simulation and network goroutines until ctx is cancelled.
func (w *World) Run(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer w.running.Store(false)

	w.simLoop.Start(ctx)
	w.netLoop.Start(ctx)
	w.log.Info("world running",
		logging.Float64("simulation_hz", w.sync.SimulationHz),
		logging.Float64("network_hz", w.sync.NetworkHz),
	)
	<-ctx.Done()
	w.simLoop.Stop()
	w.netLoop.Stop()
	return nil
}

// Stats reports counters for the operational endpoints.
func (w *World) Stats() Stats {
	usage := w.dispatcher.Regulator().SnapshotUsage()
	bandwidth := make(map[string]networking.BandwidthUsage, len(usage))
	for id, u := range usage {
		bandwidth[string(id)] = u
	}
	return Stats{
		Name:       w.name,
		Bodies:     w.store.Len(),
		Observers:  len(w.tracker.Observers()),
		Simulation: w.simLoop.Monitor().Snapshot(),
		Network:    w.netLoop.Monitor().Snapshot(),
		Sync:       w.dispatcher.Metrics().Snapshot(),
		Bandwidth:  bandwidth,
	}
}

// Close marks the world closed. Run must have returned before Close is called; the region
// store is owned by the caller.
func (w *World) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, id := range w.tracker.Observers() {
		w.dispatcher.RemoveObserver(id)
	}
	w.log.Info("world closed", logging.Int("bodies", w.store.Len()))
	return nil
}

// restGrid lays n vertices out on a square grid centred on the body.
func restGrid(n int) []float32 {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	offset := float64(side-1) * restSpacing / 2
	out := make([]float32, 0, n*3)
	for i := 0; i < n; i++ {
		x := float64(i%side)*restSpacing - offset
		z := float64(i/side)*restSpacing - offset
		out = append(out, float32(x), 0, float32(z))
	}
	return out
}
