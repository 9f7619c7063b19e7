// Package packetpool provides a fixed-capacity pool of MTU-sized buffers
// and reference-counted envelopes over them, so that one ingress packet
// is copied exactly once and its buffer is returned to the pool only
// once every egress edge that received a copy of the reference has
// released it.
//
// This is deliberately not a sync.Pool: sync.Pool has no notion of
// "exhausted" and silently allocates on a miss, which would let an
// overloaded publisher grow memory without bound. A fixed-size free list
// that returns an error on exhaustion is the better fit for the spec's
// "drop rather than queue unboundedly" latency-bound requirement, while
// keeping the same "reusable MTU buffer" shape the rest of the industry
// prefers for RTP packet pools.
package packetpool

import (
	"sync"
	"sync/atomic"

	"github.com/flowmesh/sfu/pkg/sfuerr"
)

// DefaultBufferSize is the spec's default MTU-sized buffer.
const DefaultBufferSize = 1500

// DefaultCapacity bounds how many buffers the pool retains.
const DefaultCapacity = 4096

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	InUse   int64
	Pooled  int64
	Dropped uint64
}

// Pool is a fixed-capacity set of reusable byte buffers.
type Pool struct {
	bufferSize int
	capacity   int
	free       chan []byte

	inUse   atomic.Int64
	dropped atomic.Uint64

	envelopes sync.Pool
}

// New creates a Pool with bufferSize-byte buffers and room for capacity
// buffers in flight at once.
func New(bufferSize, capacity int) *Pool {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	p := &Pool{
		bufferSize: bufferSize,
		capacity:   capacity,
		free:       make(chan []byte, capacity),
	}

	for i := 0; i < capacity; i++ {
		p.free <- make([]byte, bufferSize)
	}

	p.envelopes.New = func() any { return new(Envelope) }

	return p
}

// Acquire copies payload into a pooled buffer and returns a fresh
// Envelope holding it, with a reference count of one (the caller's own
// reference, matching the router's "initial +1 held by the router
// itself"). Returns sfuerr.ErrPoolExhausted if no buffer is free.
func (p *Pool) Acquire(payload []byte) (*Envelope, error) {
	if len(payload) > p.bufferSize {
		return nil, sfuerr.ErrMalformedPacket
	}

	select {
	case buf := <-p.free:
		n := copy(buf[:cap(buf)], payload)
		buf = buf[:n]

		env := p.envelopes.Get().(*Envelope)
		env.reset(p, buf)

		p.inUse.Add(1)

		return env, nil
	default:
		p.dropped.Add(1)
		return nil, sfuerr.ErrPoolExhausted
	}
}

// release returns buf to the free list and recycles the envelope struct.
// Called by Envelope once its reference count reaches zero.
func (p *Pool) release(env *Envelope, buf []byte) {
	p.inUse.Add(-1)

	select {
	case p.free <- buf[:cap(buf)]:
	default:
		// Free list is already full (can only happen if Acquire/Release are
		// mismatched); drop the buffer on the floor rather than block or grow.
	}

	p.envelopes.Put(env)
}

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	return Stats{
		InUse:   p.inUse.Load(),
		Pooled:  int64(len(p.free)),
		Dropped: p.dropped.Load(),
	}
}

// BufferSize returns the configured per-buffer capacity.
func (p *Pool) BufferSize() int { return p.bufferSize }
