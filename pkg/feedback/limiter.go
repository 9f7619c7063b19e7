package feedback

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/flowmesh/sfu/pkg/registry"
)

// edgeKey identifies one edge's feedback budget.
type edgeKey struct {
	track      registry.TrackID
	subscriber registry.SessionID
}

// edgeLimiter is one edge's rate budget plus its latest-wins coalescing
// slots, one per kind.
type edgeLimiter struct {
	limiter  *rate.Limiter
	mutex    sync.Mutex
	coalesce map[Kind][]byte
}

// Limiter enforces the spec's per-edge feedback budget: at most
// MessagesPerSecond non-critical messages per edge, with excess
// coalesced latest-wins per kind rather than dropped outright. PLI is
// exempt from the budget (it coalesces by (track, spatial_id) in the
// router instead).
type Limiter struct {
	mutex             sync.Mutex
	edges             map[edgeKey]*edgeLimiter
	messagesPerSecond float64
	burst             int
}

// NewLimiter creates a Limiter with the given per-edge rate and burst.
func NewLimiter(messagesPerSecond float64, burst int) *Limiter {
	return &Limiter{
		edges:             make(map[edgeKey]*edgeLimiter),
		messagesPerSecond: messagesPerSecond,
		burst:             burst,
	}
}

func (l *Limiter) limiterFor(track registry.TrackID, subscriber registry.SessionID) *edgeLimiter {
	key := edgeKey{track, subscriber}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	el, ok := l.edges[key]
	if !ok {
		el = &edgeLimiter{
			limiter:  rate.NewLimiter(rate.Limit(l.messagesPerSecond), l.burst),
			coalesce: make(map[Kind][]byte),
		}
		l.edges[key] = el
	}
	return el
}

// Admit decides whether a message of kind for this edge should be acted
// on now. PLI always returns true. For other kinds, a token available
// under the rate limit returns true immediately; otherwise the payload
// is stored in the coalescing slot for kind (overwriting any previous
// one) and Admit returns false — the caller should not act on this
// message, since a subsequent Drain will deliver only the latest one.
func (l *Limiter) Admit(track registry.TrackID, subscriber registry.SessionID, kind Kind, payload []byte) bool {
	if kind == KindPLI {
		return true
	}

	el := l.limiterFor(track, subscriber)
	if el.limiter.Allow() {
		return true
	}

	el.mutex.Lock()
	el.coalesce[kind] = payload
	el.mutex.Unlock()

	return false
}

// Drain returns and clears any coalesced payloads waiting for this edge,
// called once a fresh rate-limit token becomes available (e.g. on a
// periodic tick).
func (l *Limiter) Drain(track registry.TrackID, subscriber registry.SessionID) map[Kind][]byte {
	el := l.limiterFor(track, subscriber)

	el.mutex.Lock()
	defer el.mutex.Unlock()

	if len(el.coalesce) == 0 {
		return nil
	}

	drained := el.coalesce
	el.coalesce = make(map[Kind][]byte)
	return drained
}

// Forget discards an edge's rate-limit state, e.g. on teardown.
func (l *Limiter) Forget(track registry.TrackID, subscriber registry.SessionID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.edges, edgeKey{track, subscriber})
}
