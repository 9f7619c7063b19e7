package router

import (
	"sync"
	"time"

	"github.com/flowmesh/sfu/pkg/common"
	"github.com/flowmesh/sfu/pkg/registry"
)

// stallTracker watches each (track, spatial_id) pair for a gap in
// arriving packets and calls onStall once the gap exceeds timeout, and
// onRecover the next time a packet for that layer arrives again.
// Distinct from graph.Edge.Degraded, which tracks a subscriber's egress
// side failing; this tracks the publisher's side going silent, per the
// degraded-edge recovery behaviour a publisher stall should trigger.
type stallTracker struct {
	timeout   time.Duration
	onStall   func(track registry.TrackID, spatialID uint8)
	onRecover func(track registry.TrackID, spatialID uint8)

	mutex   sync.Mutex
	entries map[keyframeKey]*stallEntry
}

type stallEntry struct {
	watchdog *common.WatchdogChannel
	stalled  bool
}

// newStallTracker builds a tracker; a zero timeout disables stall
// detection, matching the router's existing "zero means default/off"
// convention for its other Config durations.
func newStallTracker(timeout time.Duration, onStall, onRecover func(track registry.TrackID, spatialID uint8)) *stallTracker {
	return &stallTracker{
		timeout:   timeout,
		onStall:   onStall,
		onRecover: onRecover,
		entries:   make(map[keyframeKey]*stallEntry),
	}
}

// notify records a packet's arrival for (track, spatialID). The first
// sighting of a layer arms its watchdog; every later sighting resets it
// and, if that layer was stalled, fires onRecover.
func (t *stallTracker) notify(track registry.TrackID, spatialID uint8) {
	if t.timeout <= 0 {
		return
	}

	key := keyframeKey{track, spatialID}

	t.mutex.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &stallEntry{}
		entry.watchdog = common.WatchdogConfig{
			Timeout:   t.timeout,
			OnTimeout: func() { t.markStalled(track, spatialID) },
		}.Start()
		t.entries[key] = entry
		t.mutex.Unlock()
		return
	}

	wasStalled := entry.stalled
	entry.stalled = false
	t.mutex.Unlock()

	entry.watchdog.Notify()

	if wasStalled {
		t.onRecover(track, spatialID)
	}
}

func (t *stallTracker) markStalled(track registry.TrackID, spatialID uint8) {
	t.mutex.Lock()
	entry, ok := t.entries[keyframeKey{track, spatialID}]
	if !ok {
		t.mutex.Unlock()
		return
	}
	entry.stalled = true
	t.mutex.Unlock()

	t.onStall(track, spatialID)
}

// stalled reports whether (track, spatialID) is currently flagged
// stalled. onPublisherStall does not consult it: pinned edges always
// fall back to the track's lowest layer.
func (t *stallTracker) stalled(track registry.TrackID, spatialID uint8) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	entry, ok := t.entries[keyframeKey{track, spatialID}]
	return ok && entry.stalled
}

// removeTrack tears down every watchdog for track, called when the
// track is unregistered.
func (t *stallTracker) removeTrack(track registry.TrackID) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for key, entry := range t.entries {
		if key.track == track {
			entry.watchdog.Close()
			delete(t.entries, key)
		}
	}
}
