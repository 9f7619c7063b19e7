// Package router is the media router: the per-packet fan-out from a
// publisher's ingress track to every subscribed edge, gated by the
// layer selector's current decision for that edge, plus the keyframe
// cache and PLI coalescing that keep a newly upshifted or newly
// subscribed edge from waiting for the next natural keyframe.
package router

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/sfu/pkg/codec"
	"github.com/flowmesh/sfu/pkg/graph"
	"github.com/flowmesh/sfu/pkg/packetpool"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/selector"
	"github.com/flowmesh/sfu/pkg/sfuerr"
	"github.com/flowmesh/sfu/pkg/stats"
)

// Config groups the router's data-plane knobs.
type Config struct {
	EnableSimulcast bool
	PLITimeout      time.Duration
	SendDeadline    time.Duration
	FailureBudget   int
	// StallTimeout bounds how long a spatial layer may go without a
	// packet before it is considered stalled and every edge pinned to
	// it is force-recovered to the track's lowest layer. Zero disables
	// stall detection.
	StallTimeout time.Duration
}

// Event is emitted on the router's event channel for state the session
// manager, feedback sender or stats collector must react to.
type Event struct {
	SubscriberUnreachable *SubscriberUnreachable
	PLIRequested          *PLIRequested
}

// SubscriberUnreachable fires once an edge reaches its consecutive
// egress-failure budget.
type SubscriberUnreachable struct {
	Track      registry.TrackID
	Subscriber registry.SessionID
}

// PLIRequested fires when the router needs a fresh keyframe for
// (Track, SpatialID) and none is cached; the caller is responsible for
// encoding and sending the PLI upstream to the publisher.
type PLIRequested struct {
	Track     registry.TrackID
	SpatialID uint8
}

// Router wires the track registry, subscription graph, layer selector
// and codec capability registry into the forwarding algorithm. It holds
// no per-edge locks on the hot path: Forward only touches atomics on
// graph.Edge and the keyframe cache's/PLI coalescer's own locking.
type Router struct {
	registry *registry.Registry
	graph    *graph.Graph
	selector *selector.Selector
	codecs   *codec.Registry
	cfg      Config

	keyframes *keyframeCache
	pli       *pliCoalescer
	stalls    *stallTracker

	events chan Event
	stats  *stats.Collector

	log *logrus.Entry
}

// New creates a Router wired to the given components. events is a
// buffered channel the caller (pkg/session, or cmd/sfud) drains for
// SubscriberUnreachable/PLIRequested notifications. collector may be
// nil, in which case layer-switch/PLI counters are simply not kept.
func New(reg *registry.Registry, g *graph.Graph, sel *selector.Selector, codecs *codec.Registry, cfg Config, events chan Event, collector *stats.Collector) *Router {
	r := &Router{
		registry:  reg,
		graph:     g,
		selector:  sel,
		codecs:    codecs,
		cfg:       cfg,
		keyframes: newKeyframeCache(),
		pli:       newPLICoalescer(cfg.PLITimeout),
		events:    events,
		stats:     collector,
		log:       logrus.WithField("component", "router"),
	}
	r.stalls = newStallTracker(cfg.StallTimeout, r.onPublisherStall, r.onPublisherRecovered)
	return r
}

// onPublisherStall force-recovers every edge currently forwarding (or
// waiting to upshift into) spatialID down to track's lowest layer,
// since the packets it's waiting on have stopped arriving.
func (r *Router) onPublisherStall(track registry.TrackID, spatialID uint8) {
	published, err := r.registry.Lookup(track)
	if err != nil {
		return
	}

	r.log.WithFields(logrus.Fields{"track": track, "spatial_id": spatialID}).
		Warn("publisher layer stalled, recovering pinned edges")

	for _, edge := range r.graph.EdgesFor(track) {
		pinned := edge.SelectedLayer().SpatialID == spatialID
		if pending := edge.PendingLayer(); pending != nil && pending.SpatialID == spatialID {
			pinned = true
		}
		if !pinned {
			continue
		}

		key := selector.EdgeKey{Track: track, Subscriber: edge.Subscriber}
		decision := r.selector.ForceRecovery(key, published.Layers)
		r.onLayerChange(track, edge, decision.Layer, nil)
	}
}

// onPublisherRecovered just logs; normal upshift evaluation on the next
// Forward call picks the layer back up once bandwidth and the hold
// timer allow it.
func (r *Router) onPublisherRecovered(track registry.TrackID, spatialID uint8) {
	r.log.WithFields(logrus.Fields{"track": track, "spatial_id": spatialID}).Info("publisher layer recovered")
}

// emit sends ev on the events channel without blocking the data plane;
// a full channel drops the event rather than stalling forwarding.
func (r *Router) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn("event channel full, dropping event")
	}
}

// Forward runs the five-step per-packet algorithm for one ingress
// envelope already wrapped by the packet pool. It releases env's
// ingress reference exactly once, regardless of how many (if any)
// edges it was also forwarded to.
func (r *Router) Forward(track registry.TrackID, env *packetpool.Envelope) error {
	defer env.Release()

	published, err := r.registry.Lookup(track)
	if err != nil {
		return err
	}

	packet, err := env.Packet()
	if err != nil {
		return sfuerr.ErrMalformedPacket
	}

	spatialID, temporalID, _, hasLayer := codec.ExtractLayer(packet)
	if !r.cfg.EnableSimulcast || !hasLayer {
		spatialID, temporalID = 0, 0
	}

	r.stalls.notify(track, spatialID)

	if r.codecs.IsKeyframe(packet) {
		published.SetLastKeyframeAt(spatialID, time.Now().UnixNano())
		r.keyframes.store(track, spatialID, env)
		r.pli.resolve(track, spatialID)
	}

	for _, edge := range r.graph.EdgesFor(track) {
		r.forwardToEdge(track, published, edge, env, spatialID, temporalID)
	}

	return nil
}

func (r *Router) forwardToEdge(track registry.TrackID, published *registry.PublishedTrack, edge *graph.Edge, env *packetpool.Envelope, spatialID, temporalID uint8) {
	key := selector.EdgeKey{Track: track, Subscriber: edge.Subscriber}
	decision := r.selector.Decide(key, published.Layers)

	if decision.Changed || edge.State() == graph.StateInitializing {
		alreadyForwarded := r.onLayerChange(track, edge, decision.Layer, env)
		if decision.Changed && r.stats != nil {
			r.stats.RecordLayerSwitch()
		}
		if alreadyForwarded {
			// onLayerChange already enqueued this exact envelope as the
			// cached keyframe that resolved the switch; enqueuing it again
			// below would deliver it twice.
			return
		}
	}

	// While Upshifting, SelectedLayer still holds the previous Active
	// layer (onLayerChange only updates it once a keyframe resolves the
	// switch), so gating on it here keeps forwarding that layer rather
	// than freezing the subscriber mid-switch.
	gate := edge.SelectedLayer()

	if spatialID != gate.SpatialID || temporalID > gate.TemporalID {
		return
	}

	r.enqueue(edge, env)
}

// onLayerChange reacts to the selector choosing a new target layer for
// edge: a same-spatial-ID change (temporal only) applies immediately,
// since every temporal sub-layer decodes off the same keyframe. A
// spatial-ID change needs a keyframe for the new layer: if one is
// cached it's replayed immediately, otherwise the edge enters
// Upshifting (moving to a higher layer) or Downshifting (moving to a
// lower one) and a coalesced PLI is requested upstream. current is the
// envelope the caller is in the middle of forwarding, or nil when called
// outside Forward (e.g. priming a freshly created subscription); the
// return value tells the caller whether current was itself the cached
// keyframe just enqueued, so it isn't enqueued a second time.
func (r *Router) onLayerChange(track registry.TrackID, edge *graph.Edge, target registry.Layer, current *packetpool.Envelope) bool {
	previous := edge.SelectedLayer()

	if edge.State() != graph.StateInitializing && target.SpatialID == previous.SpatialID {
		edge.SetSelectedLayer(target)
		edge.SetState(graph.StateActive)
		return false
	}

	if cached, ok := r.keyframes.get(track, target.SpatialID); ok {
		r.enqueue(edge, cached)
		edge.SetSelectedLayer(target)
		edge.SetState(graph.StateActive)
		edge.ClearPendingLayer()
		return current != nil && cached == current
	}

	edge.SetPendingLayer(target)
	if edge.State() != graph.StateInitializing && target.SpatialID < previous.SpatialID {
		edge.SetState(graph.StateDownshifting)
	} else {
		edge.SetState(graph.StateUpshifting)
	}

	if r.pli.request(track, target.SpatialID, func() { r.onPLITimeout(edge) }) {
		r.emit(Event{PLIRequested: &PLIRequested{Track: track, SpatialID: target.SpatialID}})
		if r.stats != nil {
			r.stats.RecordPLI()
		}
	}
	return false
}

// onPLITimeout reverts an edge stuck in Upshifting or Downshifting back
// to Active at its previous layer once the coalesced PLI times out with
// no keyframe.
func (r *Router) onPLITimeout(edge *graph.Edge) {
	switch edge.State() {
	case graph.StateUpshifting, graph.StateDownshifting:
		edge.ClearPendingLayer()
		edge.SetState(graph.StateActive)
	}
}

// HandleSubscriptionCreated schedules keyframe replay for a freshly
// subscribed edge. The caller drains graph.Created() and calls this for
// every event; subscribing does not itself deliver media, so without
// this the subscriber would simply wait for the next natural keyframe.
func (r *Router) HandleSubscriptionCreated(ev graph.Event) {
	published, err := r.registry.Lookup(ev.Track)
	if err != nil {
		return
	}

	var edge *graph.Edge
	for _, e := range r.graph.EdgesFor(ev.Track) {
		if e.Subscriber == ev.Subscriber {
			edge = e
			break
		}
	}
	if edge == nil {
		return
	}

	key := selector.EdgeKey{Track: ev.Track, Subscriber: ev.Subscriber}
	decision := r.selector.Decide(key, published.Layers)
	r.onLayerChange(ev.Track, edge, decision.Layer, nil)
}

// RequestDownshift forces subscriber's edge for track one layer lower
// immediately, bypassing the selector's downshift hold timer: called
// for an inbound PictureLossIndication, where the subscriber has
// already lost a frame and there's nothing to gain by waiting out the
// hold before falling back to a layer it can still decode.
func (r *Router) RequestDownshift(track registry.TrackID, subscriber registry.SessionID) {
	published, err := r.registry.Lookup(track)
	if err != nil {
		return
	}

	for _, edge := range r.graph.EdgesFor(track) {
		if edge.Subscriber != subscriber {
			continue
		}
		key := selector.EdgeKey{Track: track, Subscriber: subscriber}
		decision := r.selector.RequestDownshift(key, published.Layers)
		if decision.Changed {
			r.onLayerChange(track, edge, decision.Layer, nil)
		}
		return
	}
}

// RequestPLI coalesces and issues a keyframe request for (track,
// spatialID) on behalf of a caller outside the upshift path (e.g. a
// subscriber relaying its own lost-frame PLI upstream). Returns false if
// one is already outstanding for that layer.
func (r *Router) RequestPLI(track registry.TrackID, spatialID uint8) bool {
	if r.pli.request(track, spatialID, func() {}) {
		r.emit(Event{PLIRequested: &PLIRequested{Track: track, SpatialID: spatialID}})
		if r.stats != nil {
			r.stats.RecordPLI()
		}
		return true
	}
	return false
}

// HandleTrackRemoved releases the keyframe cache entries and cancels
// any outstanding PLIs for a track that has just been unregistered.
func (r *Router) HandleTrackRemoved(track registry.TrackID) {
	r.keyframes.removeTrack(track)
	r.pli.removeTrack(track)
	r.stalls.removeTrack(track)
}

// RecordEgressOutcome folds a send attempt's result back into edge's
// failure budget, called by the egress loop (pkg/session) after every
// write to the edge's transport substream.
func (r *Router) RecordEgressOutcome(track registry.TrackID, edge *graph.Edge, err error) {
	if err == nil {
		edge.RecordSuccess()
		return
	}

	if edge.RecordFailure(r.cfg.FailureBudget) {
		r.emit(Event{SubscriberUnreachable: &SubscriberUnreachable{Track: track, Subscriber: edge.Subscriber}})
	}
}

func (r *Router) enqueue(edge *graph.Edge, env *packetpool.Envelope) {
	env.Retain(1)

	select {
	case edge.EgressQueue <- env:
		edge.RecordForwarded()
	default:
		env.Release()
		edge.RecordDrop()
	}
}
