package client

import (
	"time"

	"velthoric/physsync/internal/body"
)

// BufferLimits bound a reception buffer.
type BufferLimits struct {
	MaxCount int
	MaxSpan  time.Duration
	MinCount int
}

// DefaultBufferLimits keeps two seconds or 64 snapshots, never fewer than three.
func DefaultBufferLimits() BufferLimits {
	return BufferLimits{MaxCount: 64, MaxSpan: 2 * time.Second, MinCount: 3}
}

func (l BufferLimits) normalized() BufferLimits {
	def := DefaultBufferLimits()
	if l.MaxCount <= 0 {
		l.MaxCount = def.MaxCount
	}
	if l.MaxSpan <= 0 {
		l.MaxSpan = def.MaxSpan
	}
	if l.MinCount < 2 {
		l.MinCount = 2
	}
	if l.MinCount > l.MaxCount {
		l.MinCount = l.MaxCount
	}
	return l
}

// ReceptionBuffer holds one body's snapshots in strictly increasing timestamp order.
type ReceptionBuffer struct {
	limits  BufferLimits
	entries []body.State
}

// NewReceptionBuffer returns an empty buffer.
func NewReceptionBuffer(limits BufferLimits) *ReceptionBuffer {
	limits = limits.normalized()
	return &ReceptionBuffer{limits: limits, entries: make([]body.State, 0, limits.MaxCount+1)}
}

// Add appends st when its timestamp is newer than the latest accepted one. Older or duplicate
// snapshots are dropped and Add reports false.
func (b *ReceptionBuffer) Add(st body.State) bool {
	if n := len(b.entries); n > 0 && st.Timestamp <= b.entries[n-1].Timestamp {
		return false
	}
	b.entries = append(b.entries, st)
	b.trim()
	return true
}

func (b *ReceptionBuffer) trim() {
	latest := b.entries[len(b.entries)-1].Timestamp
	drop := 0
	for len(b.entries)-drop > b.limits.MinCount {
		overCount := len(b.entries)-drop > b.limits.MaxCount
		overSpan := time.Duration(latest-b.entries[drop].Timestamp) > b.limits.MaxSpan
		if !overCount && !overSpan {
			break
		}
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(b.entries, b.entries[drop:])
	clear(b.entries[n:])
	b.entries = b.entries[:n]
}

// Len returns the number of buffered snapshots.
func (b *ReceptionBuffer) Len() int { return len(b.entries) }

// Latest returns the newest snapshot.
func (b *ReceptionBuffer) Latest() (body.State, bool) {
	if len(b.entries) == 0 {
		return body.State{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Timestamps lists buffered timestamps oldest first.
func (b *ReceptionBuffer) Timestamps() []int64 {
	out := make([]int64, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Timestamp
	}
	return out
}

// Reset drops every snapshot.
func (b *ReceptionBuffer) Reset() {
	clear(b.entries)
	b.entries = b.entries[:0]
}
