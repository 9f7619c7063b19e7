// Package registry is the canonical store of published tracks and their
// layer descriptors. Its read path (Lookup) is contention-free: writers
// (Register/Unregister/AnnounceLayers) build a new immutable snapshot
// and publish it behind an atomic.Pointer, so a concurrent Lookup either
// sees the whole old state or the whole new state, never a half-built
// map, and never blocks on a writer's lock.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/flowmesh/sfu/pkg/sfuerr"
)

// SessionID stably identifies one participant for the lifetime of its
// connection to the SFU.
type SessionID uint64

// TrackID uniquely identifies one published track within this process.
type TrackID uint64

// Kind is the media kind of a published track.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
)

// Layer is the (spatial, temporal) coordinate a forwarding edge currently
// selects within a track. Shared across registry, graph and selector so
// all three agree on a single representation of "which layer".
type Layer struct {
	SpatialID  uint8
	TemporalID uint8
}

// LayerDescriptor describes one simulcast layer of a track.
type LayerDescriptor struct {
	SpatialID      uint8
	TemporalID     uint8
	TargetBitrate  uint64
	TargetWidth    uint32
	TargetHeight   uint32
	TargetFramerate uint32
}

// Descriptor is the publisher-supplied shape of a track, compared
// structurally to detect a re-registration of the same track.
type Descriptor struct {
	Kind      Kind
	CodecName string
	StreamID  string
}

// PublishedTrack is the registry's record of one published track. The
// structural fields (Owner, Descriptor, Layers) are immutable once
// published into a snapshot; the mutable hot-path fields below are
// their own atomics so that updating them never requires rebuilding a
// snapshot.
type PublishedTrack struct {
	ID         TrackID
	Owner      SessionID
	Descriptor Descriptor
	Layers     []LayerDescriptor

	// AggregateBitrate is the track's most recently observed combined
	// bitrate across all forwarded layers.
	AggregateBitrate atomic.Int64

	lastKeyframeAt sync.Map // map[uint8]int64 (SpatialID -> unix nanos)
}

// LastKeyframeAt returns the unix-nanosecond timestamp of the most
// recent keyframe observed for spatialID, or zero if none has been seen.
func (t *PublishedTrack) LastKeyframeAt(spatialID uint8) int64 {
	v, ok := t.lastKeyframeAt.Load(spatialID)
	if !ok {
		return 0
	}
	return v.(int64)
}

// SetLastKeyframeAt records a keyframe observation for spatialID.
func (t *PublishedTrack) SetLastKeyframeAt(spatialID uint8, unixNanos int64) {
	t.lastKeyframeAt.Store(spatialID, unixNanos)
}

// HasLayer reports whether (spatialID, temporalID) is one of the track's
// announced layers.
func (t *PublishedTrack) HasLayer(spatialID, temporalID uint8) bool {
	for _, l := range t.Layers {
		if l.SpatialID == spatialID && l.TemporalID == temporalID {
			return true
		}
	}
	return false
}

type snapshot struct {
	tracks map[TrackID]*PublishedTrack
}

// Registry is the track registry.
type Registry struct {
	mutex sync.Mutex // guards writers only; readers never take it

	current atomic.Pointer[snapshot]

	nextID     atomic.Uint64
	registered map[SessionID]map[Descriptor]TrackID // write-path-only dedup index
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{
		registered: make(map[SessionID]map[Descriptor]TrackID),
	}
	r.current.Store(&snapshot{tracks: make(map[TrackID]*PublishedTrack)})
	return r
}

// Register mints a new TrackID for descriptor owned by session. Returns
// sfuerr.ErrDuplicateTrack if session has already registered an
// identical descriptor.
func (r *Registry) Register(session SessionID, descriptor Descriptor) (TrackID, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if bySession, ok := r.registered[session]; ok {
		if _, exists := bySession[descriptor]; exists {
			return 0, sfuerr.ErrDuplicateTrack
		}
	} else {
		r.registered[session] = make(map[Descriptor]TrackID)
	}

	id := TrackID(r.nextID.Add(1))

	track := &PublishedTrack{
		ID:         id,
		Owner:      session,
		Descriptor: descriptor,
	}

	r.publishWith(func(next map[TrackID]*PublishedTrack) {
		next[id] = track
	})

	r.registered[session][descriptor] = id

	return id, nil
}

// Unregister removes a track. Idempotent: unregistering an already-gone
// TrackID is a no-op, matching the spec's "session shutdown is
// idempotent" requirement for the cascades that call this.
func (r *Registry) Unregister(id TrackID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	snap := r.current.Load()
	track, ok := snap.tracks[id]
	if !ok {
		return
	}

	r.publishWith(func(next map[TrackID]*PublishedTrack) {
		delete(next, id)
	})

	if bySession, ok := r.registered[track.Owner]; ok {
		delete(bySession, track.Descriptor)
		if len(bySession) == 0 {
			delete(r.registered, track.Owner)
		}
	}
}

// Lookup resolves id to its PublishedTrack. Contention-free: never takes
// the writer mutex.
func (r *Registry) Lookup(id TrackID) (*PublishedTrack, error) {
	snap := r.current.Load()
	track, ok := snap.tracks[id]
	if !ok {
		return nil, sfuerr.ErrNoSuchTrack
	}
	return track, nil
}

// ForEachOwnedBy calls fn for every track currently owned by session,
// used by cascading teardown on disconnect.
func (r *Registry) ForEachOwnedBy(session SessionID, fn func(TrackID)) {
	snap := r.current.Load()
	for id, track := range snap.tracks {
		if track.Owner == session {
			fn(id)
		}
	}
}

// AnnounceLayers replaces id's layer list. Layers must have contiguous
// temporal IDs from zero within each spatial ID, per the temporal
// hierarchy invariant; a malformed list is rejected here rather than
// downstream in the router.
func (r *Registry) AnnounceLayers(id TrackID, layers []LayerDescriptor) error {
	if !contiguousTemporalIDs(layers) {
		return sfuerr.ErrMalformedPacket
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	snap := r.current.Load()
	existing, ok := snap.tracks[id]
	if !ok {
		return sfuerr.ErrNoSuchTrack
	}

	replacement := &PublishedTrack{
		ID:         existing.ID,
		Owner:      existing.Owner,
		Descriptor: existing.Descriptor,
		Layers:     layers,
	}
	replacement.AggregateBitrate.Store(existing.AggregateBitrate.Load())
	existing.lastKeyframeAt.Range(func(k, v any) bool {
		replacement.lastKeyframeAt.Store(k, v)
		return true
	})

	r.publishWith(func(next map[TrackID]*PublishedTrack) {
		next[id] = replacement
	})

	return nil
}

// contiguousTemporalIDs validates that within each spatial ID, the
// temporal IDs present start at zero and skip none.
func contiguousTemporalIDs(layers []LayerDescriptor) bool {
	bySpatial := make(map[uint8]map[uint8]bool)
	for _, l := range layers {
		if bySpatial[l.SpatialID] == nil {
			bySpatial[l.SpatialID] = make(map[uint8]bool)
		}
		bySpatial[l.SpatialID][l.TemporalID] = true
	}

	for _, temporalSet := range bySpatial {
		for t := uint8(0); t < uint8(len(temporalSet)); t++ {
			if !temporalSet[t] {
				return false
			}
		}
	}

	return true
}

// publishWith copies the current snapshot's map, applies mutate, and
// atomically publishes the result as the new current snapshot. Callers
// must hold r.mutex.
func (r *Registry) publishWith(mutate func(map[TrackID]*PublishedTrack)) {
	old := r.current.Load()

	next := make(map[TrackID]*PublishedTrack, len(old.tracks))
	for k, v := range old.tracks {
		next[k] = v
	}

	mutate(next)

	r.current.Store(&snapshot{tracks: next})
}
