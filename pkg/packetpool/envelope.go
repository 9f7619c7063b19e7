package packetpool

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// Envelope is a reference-counted wrapper around one pooled buffer and
// the RTP packet parsed from it. Created once on ingress; every egress
// edge that forwards a copy calls Retain before enqueuing and Release
// once it's done, and the underlying buffer returns to its pool exactly
// when the count reaches zero.
type Envelope struct {
	pool *Pool
	buf  []byte

	packet rtp.Packet
	parsed bool

	refs atomic.Int32
}

// reset reinitializes a recycled Envelope for a freshly acquired buffer.
func (e *Envelope) reset(pool *Pool, buf []byte) {
	e.pool = pool
	e.buf = buf
	e.packet = rtp.Packet{}
	e.parsed = false
	e.refs.Store(1)
}

// Bytes returns the raw wire bytes copied from the ingress packet.
func (e *Envelope) Bytes() []byte { return e.buf }

// Packet lazily parses and returns the RTP header/payload view of the
// envelope's buffer. Parsing is deferred to first use since not every
// holder of a reference needs the parsed form (an egress edge that has
// already been told to drop a packet never touches it).
func (e *Envelope) Packet() (*rtp.Packet, error) {
	if !e.parsed {
		if err := e.packet.Unmarshal(e.buf); err != nil {
			return nil, err
		}
		e.parsed = true
	}
	return &e.packet, nil
}

// Retain adds n references to the envelope. Call once per egress edge
// selected to receive a copy, before handing the envelope to that edge's
// egress queue.
func (e *Envelope) Retain(n int32) {
	e.refs.Add(n)
}

// Release drops one reference. When the count reaches zero the
// underlying buffer is returned to the pool and must not be touched
// again by the caller.
func (e *Envelope) Release() {
	if e.refs.Add(-1) == 0 {
		e.pool.release(e, e.buf)
	}
}

// RefCount returns the current reference count, useful only for tests
// and diagnostics — never for correctness decisions on the hot path.
func (e *Envelope) RefCount() int32 {
	return e.refs.Load()
}
