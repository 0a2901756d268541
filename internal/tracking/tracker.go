package tracking

import (
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"velthoric/physsync/internal/spatial"
	"velthoric/physsync/internal/wire"
)

// ObserverID identifies a connected observer.
type ObserverID string

// EventKind distinguishes tracking transitions.
type EventKind uint8

const (
	StartTracking EventKind = iota + 1
	StopTracking
)

func (k EventKind) String() string {
	if k == StartTracking {
		return "start"
	}
	return "stop"
}

// Event is one observer gaining or losing a body.
type Event struct {
	Kind      EventKind
	Observer  ObserverID
	BodyID    uuid.UUID
	NetworkID uint32
	Reason    wire.DespawnReason
}

// Tracked pairs a body with the network id one observer knows it by.
type Tracked struct {
	BodyID    uuid.UUID
	NetworkID uint32
}

type observer struct {
	id           ObserverID
	position     mgl64.Vec3
	chunk        spatial.ChunkPos
	viewDistance int
	// pinned chunks are watched explicitly in addition to the view window.
	pinned   map[spatial.ChunkPos]struct{}
	interest map[uuid.UUID]uint32
	byNet    map[uint32]uuid.UUID
	nextNet  uint32
}

func (o *observer) watches(pos spatial.ChunkPos) bool {
	if o.viewDistance > 0 && o.chunk.Chebyshev(pos) <= o.viewDistance {
		return true
	}
	_, ok := o.pinned[pos]
	return ok
}

func (o *observer) watchedChunks() []spatial.ChunkPos {
	var chunks []spatial.ChunkPos
	if o.viewDistance > 0 {
		chunks = o.chunk.Window(o.viewDistance)
	}
	for pos := range o.pinned {
		if o.viewDistance > 0 && o.chunk.Chebyshev(pos) <= o.viewDistance {
			continue
		}
		chunks = append(chunks, pos)
	}
	return chunks
}

func (o *observer) allocate() uint32 {
	o.nextNet++
	if o.nextNet == 0 {
		o.nextNet = 1
	}
	return o.nextNet
}

// DefaultMaxViewDistance caps the chunk radius an observer may request.
const DefaultMaxViewDistance = 32

// Tracker decides which bodies each observer should know about and assigns per-observer network
// ids. It emits events instead of sending packets; callers turn them into spawns and despawns.
type Tracker struct {
	mu        sync.Mutex
	index     *spatial.Index
	maxView   int
	observers map[ObserverID]*observer
	holders   map[uuid.UUID]map[ObserverID]struct{}
}

// NewTracker builds a tracker reading body placement from index. Requested view distances are
// clamped to maxViewDistance; a non-positive cap selects DefaultMaxViewDistance.
func NewTracker(index *spatial.Index, maxViewDistance int) *Tracker {
	if maxViewDistance <= 0 {
		maxViewDistance = DefaultMaxViewDistance
	}
	return &Tracker{
		index:     index,
		maxView:   maxViewDistance,
		observers: make(map[ObserverID]*observer),
		holders:   make(map[uuid.UUID]map[ObserverID]struct{}),
	}
}

// MaxViewDistance returns the view distance cap.
func (t *Tracker) MaxViewDistance() int { return t.maxView }

func (t *Tracker) clampView(viewDistance int) int {
	if viewDistance > t.maxView {
		return t.maxView
	}
	return viewDistance
}

// AddObserver registers an observer at pos. A positive view distance watches the Chebyshev
// window around the observer's chunk. Resident bodies start tracking immediately.
func (t *Tracker) AddObserver(id ObserverID, pos mgl64.Vec3, viewDistance int) []Event {
	if t == nil || id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.observers[id]; ok {
		t.releaseLocked(existing)
	}
	o := &observer{
		id:           id,
		position:     pos,
		chunk:        spatial.ChunkPosFromWorld(pos.X(), pos.Z()),
		viewDistance: t.clampView(viewDistance),
		pinned:       make(map[spatial.ChunkPos]struct{}),
		interest:     make(map[uuid.UUID]uint32),
		byNet:        make(map[uint32]uuid.UUID),
	}
	t.observers[id] = o
	return t.refreshLocked(o, nil)
}

// MoveObserver updates the observer position and, when viewDistance is positive, its view
// distance, then reconciles its interest set.
func (t *Tracker) MoveObserver(id ObserverID, pos mgl64.Vec3, viewDistance int) []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return nil
	}
	o.position = pos
	o.chunk = spatial.ChunkPosFromWorld(pos.X(), pos.Z())
	if viewDistance > 0 {
		o.viewDistance = t.clampView(viewDistance)
	}
	return t.refreshLocked(o, nil)
}

// RemoveObserver releases every piece of state held for the observer. No events are emitted
// because the observer is gone.
func (t *Tracker) RemoveObserver(id ObserverID) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return false
	}
	t.releaseLocked(o)
	delete(t.observers, id)
	return true
}

// Update reconciles every observer against the current chunk index.
func (t *Tracker) Update() []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]ObserverID, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var events []Event
	for _, id := range ids {
		events = t.refreshLocked(t.observers[id], events)
	}
	return events
}

// WatchChunk adds chunk to the observer's watched set and starts tracking its resident bodies.
func (t *Tracker) WatchChunk(id ObserverID, chunk spatial.ChunkPos) []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return nil
	}
	o.pinned[chunk] = struct{}{}
	var events []Event
	for _, bodyID := range t.index.Bodies(chunk) {
		if _, tracked := o.interest[bodyID]; tracked {
			continue
		}
		events = append(events, t.startLocked(o, bodyID))
	}
	return events
}

// UnwatchChunk drops an explicitly watched chunk and eagerly stops tracking the bodies inside it
// unless the view window still covers it.
func (t *Tracker) UnwatchChunk(id ObserverID, chunk spatial.ChunkPos) []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return nil
	}
	delete(o.pinned, chunk)
	if o.watches(chunk) {
		return nil
	}
	var events []Event
	for _, bodyID := range t.index.Bodies(chunk) {
		if _, tracked := o.interest[bodyID]; !tracked {
			continue
		}
		events = append(events, t.stopLocked(o, bodyID, wire.ReasonOutOfRange))
	}
	return events
}

// BodyRemoved stops tracking the body for every observer holding it.
func (t *Tracker) BodyRemoved(bodyID uuid.UUID) []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	holders := t.holders[bodyID]
	if len(holders) == 0 {
		return nil
	}
	ids := make([]ObserverID, 0, len(holders))
	for id := range holders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, t.stopLocked(t.observers[id], bodyID, wire.ReasonDiscard))
	}
	return events
}

// NetworkID returns the id the observer knows the body by.
func (t *Tracker) NetworkID(id ObserverID, bodyID uuid.UUID) (uint32, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return 0, false
	}
	net, ok := o.interest[bodyID]
	return net, ok
}

// BodyForNetworkID resolves an observer-scoped network id.
func (t *Tracker) BodyForNetworkID(id ObserverID, net uint32) (uuid.UUID, bool) {
	if t == nil {
		return uuid.Nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return uuid.Nil, false
	}
	bodyID, ok := o.byNet[net]
	return bodyID, ok
}

// TrackedBy lists the observer's interest set ordered by network id.
func (t *Tracker) TrackedBy(id ObserverID) []Tracked {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return nil
	}
	out := make([]Tracked, 0, len(o.interest))
	for bodyID, net := range o.interest {
		out = append(out, Tracked{BodyID: bodyID, NetworkID: net})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// Holders lists the observers currently tracking the body.
func (t *Tracker) Holders(bodyID uuid.UUID) []ObserverID {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ObserverID, 0, len(t.holders[bodyID]))
	for id := range t.holders[bodyID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Observers lists registered observers in sorted order.
func (t *Tracker) Observers() []ObserverID {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ObserverID, 0, len(t.observers))
	for id := range t.observers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pose returns the observer's last reported position and effective view distance.
func (t *Tracker) Pose(id ObserverID) (mgl64.Vec3, int, bool) {
	if t == nil {
		return mgl64.Vec3{}, 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.observers[id]
	if !ok {
		return mgl64.Vec3{}, 0, false
	}
	return o.position, o.viewDistance, true
}

func (t *Tracker) refreshLocked(o *observer, events []Event) []Event {
	//1.- Collect the bodies resident in every watched chunk.
	candidates := make(map[uuid.UUID]struct{})
	for _, pos := range o.watchedChunks() {
		for _, bodyID := range t.index.Bodies(pos) {
			candidates[bodyID] = struct{}{}
		}
	}

	//2.- Stop bodies that left the watched set before starting new ones.
	var stale []uuid.UUID
	for bodyID := range o.interest {
		if _, keep := candidates[bodyID]; !keep {
			stale = append(stale, bodyID)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return o.interest[stale[i]] < o.interest[stale[j]] })
	for _, bodyID := range stale {
		events = append(events, t.stopLocked(o, bodyID, wire.ReasonOutOfRange))
	}

	fresh := make([]uuid.UUID, 0)
	for bodyID := range candidates {
		if _, tracked := o.interest[bodyID]; !tracked {
			fresh = append(fresh, bodyID)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return lessUUID(fresh[i], fresh[j]) })
	for _, bodyID := range fresh {
		events = append(events, t.startLocked(o, bodyID))
	}
	return events
}

func (t *Tracker) startLocked(o *observer, bodyID uuid.UUID) Event {
	net := o.allocate()
	o.interest[bodyID] = net
	o.byNet[net] = bodyID
	holders, ok := t.holders[bodyID]
	if !ok {
		holders = make(map[ObserverID]struct{})
		t.holders[bodyID] = holders
	}
	holders[o.id] = struct{}{}
	return Event{Kind: StartTracking, Observer: o.id, BodyID: bodyID, NetworkID: net}
}

func (t *Tracker) stopLocked(o *observer, bodyID uuid.UUID, reason wire.DespawnReason) Event {
	net := o.interest[bodyID]
	delete(o.interest, bodyID)
	delete(o.byNet, net)
	if holders, ok := t.holders[bodyID]; ok {
		delete(holders, o.id)
		if len(holders) == 0 {
			delete(t.holders, bodyID)
		}
	}
	return Event{Kind: StopTracking, Observer: o.id, BodyID: bodyID, NetworkID: net, Reason: reason}
}

func (t *Tracker) releaseLocked(o *observer) {
	for bodyID := range o.interest {
		if holders, ok := t.holders[bodyID]; ok {
			delete(holders, o.id)
			if len(holders) == 0 {
				delete(t.holders, bodyID)
			}
		}
	}
	o.interest = make(map[uuid.UUID]uint32)
	o.byNet = make(map[uint32]uuid.UUID)
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
