// Package graph is the subscription graph: for each (publisher track,
// subscriber) pair it holds one forwarding Edge carrying that edge's
// currently selected layer and per-edge state. Like the track registry,
// its hot read path (EdgesFor) is a copy-on-write snapshot behind an
// atomic.Pointer so the media router's per-packet fan-out never
// contends with a concurrent subscribe/unsubscribe.
package graph

import (
	"sync"
	"sync/atomic"

	"github.com/flowmesh/sfu/pkg/packetpool"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/rtpio"
	"github.com/flowmesh/sfu/pkg/sfuerr"
)

// State is the edge's position in the state machine driven by the layer
// selector: Initializing -> Active <-> Upshifting -> Active <-> Downshifting -> Active -> Closed.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateUpshifting
	StateDownshifting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateUpshifting:
		return "upshifting"
	case StateDownshifting:
		return "downshifting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is emitted on subscribe so the media router can schedule a
// keyframe replay for the new edge without the subscriber waiting for
// the next natural keyframe.
type Event struct {
	Track      registry.TrackID
	Subscriber registry.SessionID
}

// Edge is one forwarding relationship between a publisher's track and a
// subscriber. Its hot-path fields (selected layer, counters, failure
// budget) are atomics so the router can update them without a lock; the
// egress queue and rewriter are owned exclusively by the subscriber's
// single egress task, per the concurrency model.
type Edge struct {
	Track      registry.TrackID
	Subscriber registry.SessionID

	// Rewriter stamps forwarded packets with a contiguous per-edge
	// sequence/timestamp timeline. Owned by the egress task; never
	// touched concurrently.
	Rewriter *rtpio.Rewriter

	// EgressQueue is this edge's bounded SPSC queue; the router enqueues,
	// the egress task (owned by the subscriber, outside this package)
	// drains it.
	EgressQueue chan *packetpool.Envelope

	selectedLayer atomic.Pointer[registry.Layer]
	pendingLayer  atomic.Pointer[registry.Layer]
	state         atomic.Int32
	lastChangeAt  atomic.Int64 // unix nanos

	egressCount  atomic.Uint64
	edgeDrops    atomic.Uint64
	failureCount atomic.Int32
	degraded     atomic.Bool
}

// SelectedLayer returns the edge's currently forwarded layer. Written by
// the router via SetSelectedLayer.
func (e *Edge) SelectedLayer() registry.Layer {
	if l := e.selectedLayer.Load(); l != nil {
		return *l
	}
	return registry.Layer{}
}

func (e *Edge) SetSelectedLayer(layer registry.Layer) {
	e.selectedLayer.Store(&layer)
	e.lastChangeAt.Store(nowNano())
}

func (e *Edge) LastChangeAt() int64 { return e.lastChangeAt.Load() }

// PendingLayer is the target of an in-progress layer switch waiting on
// a keyframe (state Upshifting or Downshifting). Nil once resolved.
func (e *Edge) PendingLayer() *registry.Layer {
	return e.pendingLayer.Load()
}

func (e *Edge) SetPendingLayer(layer registry.Layer) {
	e.pendingLayer.Store(&layer)
}

func (e *Edge) ClearPendingLayer() {
	e.pendingLayer.Store(nil)
}

func (e *Edge) State() State { return State(e.state.Load()) }

func (e *Edge) SetState(s State) { e.state.Store(int32(s)) }

// RecordForwarded increments the egress packet counter. Called once per
// successfully enqueued packet.
func (e *Edge) RecordForwarded() { e.egressCount.Add(1) }

func (e *Edge) EgressCount() uint64 { return e.egressCount.Load() }

// RecordDrop increments edge_drops, for a local queue-full drop.
func (e *Edge) RecordDrop() { e.edgeDrops.Add(1) }

func (e *Edge) EdgeDrops() uint64 { return e.edgeDrops.Load() }

// RecordFailure increments the consecutive-failure counter and reports
// whether the edge has now reached failureBudget and should be torn
// down as SubscriberUnreachable.
func (e *Edge) RecordFailure(failureBudget int) (shouldTeardown bool) {
	n := e.failureCount.Add(1)
	if int(n) >= failureBudget {
		e.degraded.Store(true)
		return true
	}
	if n > 0 {
		e.degraded.Store(true)
	}
	return false
}

// RecordSuccess resets the consecutive-failure counter after a
// successful send, clearing degraded status.
func (e *Edge) RecordSuccess() {
	e.failureCount.Store(0)
	e.degraded.Store(false)
}

func (e *Edge) Degraded() bool { return e.degraded.Load() }

type snapshot struct {
	// byTrack holds, for each track, the edges subscribed to it in
	// stable insertion order.
	byTrack map[registry.TrackID][]*Edge
	byKey   map[edgeKey]*Edge
}

type edgeKey struct {
	track      registry.TrackID
	subscriber registry.SessionID
}

// Graph is the subscription graph.
type Graph struct {
	mutex   sync.Mutex
	current atomic.Pointer[snapshot]

	// maxEdgesPerTrack bounds fan-out per track; zero means unlimited.
	maxEdgesPerTrack int

	// egressQueueDepth sizes each new edge's egress queue.
	egressQueueDepth int

	created chan Event
}

// New creates an empty Graph. egressQueueDepth sizes each edge's egress
// queue (spec default 256); maxEdgesPerTrack bounds subscribers per
// track (zero means unlimited); createdBuffer sizes the
// subscription_created event channel the router drains.
func New(egressQueueDepth, maxEdgesPerTrack, createdBuffer int) *Graph {
	if egressQueueDepth <= 0 {
		egressQueueDepth = 256
	}
	if createdBuffer <= 0 {
		createdBuffer = 256
	}

	g := &Graph{
		maxEdgesPerTrack: maxEdgesPerTrack,
		egressQueueDepth: egressQueueDepth,
		created:          make(chan Event, createdBuffer),
	}
	g.current.Store(&snapshot{
		byTrack: make(map[registry.TrackID][]*Edge),
		byKey:   make(map[edgeKey]*Edge),
	})

	return g
}

// Created returns the channel of subscription_created events. The media
// router drains it to schedule keyframe replay.
func (g *Graph) Created() <-chan Event {
	return g.created
}

// Subscribe creates a new Edge for (subscriber, track), stamped with
// outgoingSSRC for its rewriter. Fails with ErrAlreadySubscribed or
// ErrQuotaExceeded without mutating the graph.
func (g *Graph) Subscribe(subscriber registry.SessionID, track registry.TrackID, outgoingSSRC uint32) (*Edge, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	snap := g.current.Load()
	key := edgeKey{track, subscriber}

	if _, exists := snap.byKey[key]; exists {
		return nil, sfuerr.ErrAlreadySubscribed
	}

	if g.maxEdgesPerTrack > 0 && len(snap.byTrack[track]) >= g.maxEdgesPerTrack {
		return nil, sfuerr.ErrQuotaExceeded
	}

	edge := &Edge{
		Track:       track,
		Subscriber:  subscriber,
		Rewriter:    rtpio.NewRewriter(outgoingSSRC),
		EgressQueue: make(chan *packetpool.Envelope, g.egressQueueDepth),
	}
	edge.SetState(StateInitializing)

	next := &snapshot{
		byTrack: copyEdgeSlices(snap.byTrack),
		byKey:   copyEdgeMap(snap.byKey),
	}
	next.byTrack[track] = append(next.byTrack[track], edge)
	next.byKey[key] = edge

	g.current.Store(next)

	select {
	case g.created <- Event{Track: track, Subscriber: subscriber}:
	default:
		// The router has fallen behind draining created events; the new
		// subscriber simply waits for its next natural keyframe instead
		// of an immediate replay.
	}

	return edge, nil
}

// Unsubscribe removes the edge for (subscriber, track). Idempotent.
// Leaves the graph bit-identical to its state before a matching
// Subscribe if called immediately after, per the round-trip law.
func (g *Graph) Unsubscribe(subscriber registry.SessionID, track registry.TrackID) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.removeLocked(edgeKey{track, subscriber})
}

// EdgesFor returns a stable-ordered snapshot of the edges currently
// subscribed to track. Never allocates beyond the slice header copy and
// never blocks: it loads one atomic pointer and returns the slice found
// there, which is never mutated in place.
func (g *Graph) EdgesFor(track registry.TrackID) []*Edge {
	snap := g.current.Load()
	return snap.byTrack[track]
}

// RemoveTrack tears down every edge subscribed to track, e.g. because
// the publisher unregistered it.
func (g *Graph) RemoveTrack(track registry.TrackID) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	snap := g.current.Load()
	for _, edge := range snap.byTrack[track] {
		g.removeLocked(edgeKey{track, edge.Subscriber})
	}
}

// RemoveSubscriber tears down every edge belonging to subscriber, e.g.
// on disconnect.
func (g *Graph) RemoveSubscriber(subscriber registry.SessionID) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	snap := g.current.Load()
	for key := range snap.byKey {
		if key.subscriber == subscriber {
			g.removeLocked(key)
		}
	}
}

// removeLocked removes the edge at key, if any. Caller must hold g.mutex.
func (g *Graph) removeLocked(key edgeKey) {
	snap := g.current.Load()
	edge, ok := snap.byKey[key]
	if !ok {
		return
	}
	edge.SetState(StateClosed)

	next := &snapshot{
		byTrack: copyEdgeSlices(snap.byTrack),
		byKey:   copyEdgeMap(snap.byKey),
	}
	delete(next.byKey, key)

	edges := next.byTrack[key.track]
	for i, e := range edges {
		if e == edge {
			next.byTrack[key.track] = append(edges[:i:i], edges[i+1:]...)
			break
		}
	}
	if len(next.byTrack[key.track]) == 0 {
		delete(next.byTrack, key.track)
	}

	g.current.Store(next)
}

func copyEdgeSlices(m map[registry.TrackID][]*Edge) map[registry.TrackID][]*Edge {
	next := make(map[registry.TrackID][]*Edge, len(m))
	for k, v := range m {
		cp := make([]*Edge, len(v))
		copy(cp, v)
		next[k] = cp
	}
	return next
}

func copyEdgeMap(m map[edgeKey]*Edge) map[edgeKey]*Edge {
	next := make(map[edgeKey]*Edge, len(m))
	for k, v := range m {
		next[k] = v
	}
	return next
}
