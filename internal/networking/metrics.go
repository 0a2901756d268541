package networking

import (
	"sync"

	"velthoric/physsync/internal/tracking"
	"velthoric/physsync/internal/wire"
)

// SyncMetricsSnapshot is a point-in-time copy of the dispatcher counters.
type SyncMetricsSnapshot struct {
	BytesPerObserver map[tracking.ObserverID]int64 `json:"bytes_per_observer"`
	Packets          map[string]int64              `json:"packets"`
	Frames           int64                         `json:"frames"`
	SplitBatches     int64                         `json:"split_batches"`
	DeferredStates   int64                         `json:"deferred_states"`
	SendFailures     int64                         `json:"send_failures"`
	MalformedInbound int64                         `json:"malformed_inbound"`
	RejectedFields   int64                         `json:"rejected_fields"`
	RateLimited      int64                         `json:"rate_limited"`
	UnknownNetworkID int64                         `json:"unknown_network_ids"`
}

// SyncMetrics tracks outbound volume and inbound validation counters.
type SyncMetrics struct {
	mu       sync.RWMutex
	bytes    map[tracking.ObserverID]int64
	packets  map[wire.PacketType]int64
	frames   int64
	splits   int64
	deferred int64
	failures int64
	malform  int64
	rejected int64
	limited  int64
	unknown  int64
}

// NewSyncMetrics constructs an empty metrics tracker.
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{
		bytes:   make(map[tracking.ObserverID]int64),
		packets: make(map[wire.PacketType]int64),
	}
}

// ObserveSend accumulates one delivered packet.
func (m *SyncMetrics) ObserveSend(observer tracking.ObserverID, kind wire.PacketType, payloadBytes int) {
	if m == nil || payloadBytes < 0 {
		return
	}
	m.mu.Lock()
	if observer != "" {
		m.bytes[observer] += int64(payloadBytes)
	}
	m.packets[kind]++
	if kind == wire.PacketState || kind == wire.PacketData {
		m.frames++
	}
	m.mu.Unlock()
}

// ObserveBatch records how many frames one batch needed.
func (m *SyncMetrics) ObserveBatch(frames int) {
	if m == nil || frames <= 1 {
		return
	}
	m.mu.Lock()
	m.splits++
	m.mu.Unlock()
}

func (m *SyncMetrics) add(counter *int64, delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.mu.Lock()
	*counter += int64(delta)
	m.mu.Unlock()
}

// DeferredState counts a state packet held back by the bandwidth budget.
func (m *SyncMetrics) DeferredState() { m.add(&m.deferred, 1) }

// SendFailure counts a transport error.
func (m *SyncMetrics) SendFailure() { m.add(&m.failures, 1) }

// MalformedInbound counts a client batch dropped as a whole.
func (m *SyncMetrics) MalformedInbound() { m.add(&m.malform, 1) }

// RejectedFields counts client writes to fields the client does not own.
func (m *SyncMetrics) RejectedFields(n int) { m.add(&m.rejected, n) }

// RateLimited counts client packets refused by the inbound limiter.
func (m *SyncMetrics) RateLimited() { m.add(&m.limited, 1) }

// UnknownNetworkID counts client records naming an id the observer does not track.
func (m *SyncMetrics) UnknownNetworkID() { m.add(&m.unknown, 1) }

// ForgetObserver removes the per-observer gauges for a disconnected observer.
func (m *SyncMetrics) ForgetObserver(observer tracking.ObserverID) {
	if m == nil || observer == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, observer)
	m.mu.Unlock()
}

// Snapshot copies every counter so handlers can serialise them safely.
func (m *SyncMetrics) Snapshot() SyncMetricsSnapshot {
	if m == nil {
		return SyncMetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := SyncMetricsSnapshot{
		BytesPerObserver: make(map[tracking.ObserverID]int64, len(m.bytes)),
		Packets:          make(map[string]int64, len(m.packets)),
		Frames:           m.frames,
		SplitBatches:     m.splits,
		DeferredStates:   m.deferred,
		SendFailures:     m.failures,
		MalformedInbound: m.malform,
		RejectedFields:   m.rejected,
		RateLimited:      m.limited,
		UnknownNetworkID: m.unknown,
	}
	for observer, n := range m.bytes {
		out.BytesPerObserver[observer] = n
	}
	for kind, n := range m.packets {
		out.Packets[kind.String()] = n
	}
	return out
}
