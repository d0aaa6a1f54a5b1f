// Package ring implements a bounded single-producer/single-consumer queue
// of telemetry samples. The sampler goroutine is the sole producer; the
// orchestrator is the sole consumer. One slot is always kept empty so that
// the full and empty conditions never collapse onto the same index pair.
package ring

import (
	"sync/atomic"

	"github.com/Patronibo/Cpu-Guardian/internal/telemetry"
)

// cacheLinePad separates the producer-owned head counter from the
// consumer-owned tail counter so the two goroutines never invalidate each
// other's cache line on a write.
const cacheLinePad = 64 - 8

type paddedCounter struct {
	v atomic.Uint64
	_ [cacheLinePad]byte
}

// Buffer is a fixed-capacity ring of telemetry.Sample values. The zero value
// is not usable; construct with New.
type Buffer struct {
	mask uint64
	buf  []telemetry.Sample

	head paddedCounter // written by Push, read by Pop
	tail paddedCounter // written by Pop, read by Push
}

// New allocates a Buffer whose usable capacity is the smallest power of two
// greater than or equal to requestedCapacity, minus one slot. A requested
// capacity of 0 or 1 yields a minimum usable capacity of 1.
func New(requestedCapacity int) *Buffer {
	if requestedCapacity < 2 {
		requestedCapacity = 2
	}
	size := nextPow2(uint64(requestedCapacity))
	return &Buffer{
		mask: size - 1,
		buf:  make([]telemetry.Sample, size),
	}
}

// Capacity returns the maximum number of samples the buffer can hold at
// once, i.e. the allocated size minus the one slot kept empty.
func (b *Buffer) Capacity() int {
	return int(b.mask) // len(buf)-1, since mask == len(buf)-1
}

// Push appends s to the buffer. It returns false without blocking if the
// buffer is full. Push must only be called from the producer goroutine.
func (b *Buffer) Push(s telemetry.Sample) bool {
	head := b.head.v.Load()
	tail := b.tail.v.Load() // acquire: see the consumer's latest drain
	if b.isFull(head, tail) {
		return false
	}

	b.buf[head&b.mask] = s
	b.head.v.Store(head + 1) // release: publish the new sample before head moves
	return true
}

// Pop removes and returns the oldest sample. ok is false if the buffer is
// empty. Pop must only be called from the consumer goroutine.
func (b *Buffer) Pop() (s telemetry.Sample, ok bool) {
	tail := b.tail.v.Load()
	head := b.head.v.Load() // acquire: see the producer's latest publish
	if head == tail {
		return telemetry.Sample{}, false
	}

	s = b.buf[tail&b.mask]
	b.tail.v.Store(tail + 1) // release
	return s, true
}

// Len returns a point-in-time estimate of the number of queued samples.
// Safe to call from either goroutine, but the result may be stale by the
// time it's read.
func (b *Buffer) Len() int {
	head := b.head.v.Load()
	tail := b.tail.v.Load()
	return int(head - tail)
}

func (b *Buffer) isFull(head, tail uint64) bool {
	return head-tail == b.mask
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
