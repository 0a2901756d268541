package networking

import (
	"math"
	"sync"
	"time"

	"velthoric/physsync/internal/tracking"
)

const (
	// DefaultBandwidthBytesPerSecond caps per-observer state throughput at 256 KiB/s.
	DefaultBandwidthBytesPerSecond = 256 * 1024.0
)

// BandwidthUsage captures the throttling state for a single observer.
type BandwidthUsage struct {
	Observer             tracking.ObserverID `json:"observer"`
	AvailableBytes       float64             `json:"available_bytes"`
	BytesPerSecond       float64             `json:"bytes_per_second"`
	ObservedSeconds      float64             `json:"observed_seconds"`
	DeferredStates       int64               `json:"deferred_states"`
	LastUpdatedTimestamp time.Time           `json:"last_updated"`
}

type bandwidthBucket struct {
	tokens   float64
	last     time.Time
	window   time.Time
	sent     int64
	deferred int64
}

// BandwidthRegulator keeps a token bucket per observer. Deferrable traffic (state packets) must
// fit the bucket; mandatory traffic (spawns, despawns, data) is always charged and may drive the
// bucket into debt, which in turn defers the next state packets.
type BandwidthRegulator struct {
	mu       sync.Mutex
	buckets  map[tracking.ObserverID]*bandwidthBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewBandwidthRegulator constructs a regulator enforcing the supplied byte rate.
func NewBandwidthRegulator(targetBytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	//1.- Normalise the configuration so downstream logic operates with sane defaults.
	if targetBytesPerSecond <= 0 {
		targetBytesPerSecond = DefaultBandwidthBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets:  make(map[tracking.ObserverID]*bandwidthBucket),
		capacity: targetBytesPerSecond,
		refill:   targetBytesPerSecond,
		now:      clock,
	}
}

func (r *BandwidthRegulator) replenish(bucket *bandwidthBucket, now time.Time) {
	//1.- Skip negative intervals to protect against clock skew.
	if now.Before(bucket.last) {
		return
	}
	elapsed := now.Sub(bucket.last).Seconds()
	bucket.last = now
	if elapsed <= 0 {
		return
	}
	bucket.tokens = math.Min(bucket.tokens+elapsed*r.refill, r.capacity)
}

func (r *BandwidthRegulator) bucketLocked(observer tracking.ObserverID) *bandwidthBucket {
	now := r.now()
	bucket := r.buckets[observer]
	if bucket == nil {
		//1.- Seed new observers with a full bucket so the initial spawn burst goes out at once.
		bucket = &bandwidthBucket{tokens: r.capacity, last: now, window: now}
		r.buckets[observer] = bucket
	}
	r.replenish(bucket, now)
	return bucket
}

// Allow charges a deferrable payload when the budget covers it. A refusal counts as a deferred
// state delivery.
func (r *BandwidthRegulator) Allow(observer tracking.ObserverID, payloadBytes int) bool {
	if r == nil || observer == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.bucketLocked(observer)
	request := float64(payloadBytes)
	if request > bucket.tokens {
		bucket.deferred++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	return true
}

// Charge records mandatory traffic. The bucket may go negative.
func (r *BandwidthRegulator) Charge(observer tracking.ObserverID, payloadBytes int) {
	if r == nil || observer == "" || payloadBytes <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.bucketLocked(observer)
	bucket.tokens -= float64(payloadBytes)
	bucket.sent += int64(payloadBytes)
}

// Forget removes the token bucket for a departed observer.
func (r *BandwidthRegulator) Forget(observer tracking.ObserverID) {
	if r == nil || observer == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, observer)
	r.mu.Unlock()
}

// SnapshotUsage reports the most recent throttling statistics per observer.
func (r *BandwidthRegulator) SnapshotUsage() map[tracking.ObserverID]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	snapshot := make(map[tracking.ObserverID]BandwidthUsage, len(r.buckets))
	for observer, bucket := range r.buckets {
		r.replenish(bucket, now)

		//1.- Derive the sustained throughput over the observer's lifetime.
		observed := math.Max(now.Sub(bucket.window).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		snapshot[observer] = BandwidthUsage{
			Observer:             observer,
			AvailableBytes:       math.Max(bucket.tokens, 0),
			BytesPerSecond:       rate,
			ObservedSeconds:      observed,
			DeferredStates:       bucket.deferred,
			LastUpdatedTimestamp: bucket.last,
		}
	}
	return snapshot
}
