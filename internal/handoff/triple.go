package handoff

import "sync/atomic"

const (
	indexMask uint32 = 0b011
	freshBit  uint32 = 0b100
)

// TripleBuffer hands the latest value from one producer goroutine to one consumer goroutine
// without locks. The producer fills Back and calls Publish; the consumer calls Acquire and
// reads Front. Neither side ever waits for the other and the consumer never observes a slot
// the producer is still writing.
type TripleBuffer[T any] struct {
	slots [3]T
	// shared holds the index of the published slot in its low bits and the fresh flag.
	shared atomic.Uint32
	write  uint32
	read   uint32
}

// NewTripleBuffer seeds all three slots with init.
func NewTripleBuffer[T any](init func() T) *TripleBuffer[T] {
	tb := &TripleBuffer[T]{write: 0, read: 1}
	tb.shared.Store(2)
	for i := range tb.slots {
		if init != nil {
			tb.slots[i] = init()
		}
	}
	return tb
}

// Back returns the producer's private slot. Only the producer goroutine may call it.
func (tb *TripleBuffer[T]) Back() *T {
	return &tb.slots[tb.write]
}

// Publish makes the back slot visible to the consumer and takes over the previously
// published slot for the next write.
func (tb *TripleBuffer[T]) Publish() {
	previous := tb.shared.Swap(tb.write | freshBit)
	tb.write = previous & indexMask
}

// Acquire moves the newest published slot to the consumer side. It reports false when
// nothing was published since the last call, in which case Front is unchanged.
func (tb *TripleBuffer[T]) Acquire() bool {
	if tb.shared.Load()&freshBit == 0 {
		return false
	}
	previous := tb.shared.Swap(tb.read)
	tb.read = previous & indexMask
	return true
}

// Front returns the consumer's current slot. Only the consumer goroutine may call it.
func (tb *TripleBuffer[T]) Front() *T {
	return &tb.slots[tb.read]
}
