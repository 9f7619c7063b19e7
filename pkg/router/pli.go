package router

import (
	"sync"
	"time"

	"github.com/flowmesh/sfu/pkg/registry"
)

type pliKey struct {
	track     registry.TrackID
	spatialID uint8
}

// pliCoalescer enforces at most one outstanding PLI per (track,
// spatial_id) until either a keyframe arrives (resolve) or the
// coalescing timeout elapses.
type pliCoalescer struct {
	mutex       sync.Mutex
	timeout     time.Duration
	outstanding map[pliKey]*time.Timer
}

func newPLICoalescer(timeout time.Duration) *pliCoalescer {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &pliCoalescer{timeout: timeout, outstanding: make(map[pliKey]*time.Timer)}
}

// request returns true and arms onTimeout if no PLI is already
// outstanding for (track, spatialID); returns false (no-op) if one is.
func (c *pliCoalescer) request(track registry.TrackID, spatialID uint8, onTimeout func()) bool {
	key := pliKey{track, spatialID}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.outstanding[key]; exists {
		return false
	}

	c.outstanding[key] = time.AfterFunc(c.timeout, func() {
		c.mutex.Lock()
		delete(c.outstanding, key)
		c.mutex.Unlock()
		onTimeout()
	})

	return true
}

// resolve cancels any outstanding PLI for (track, spatialID), called
// when a keyframe for that layer arrives.
func (c *pliCoalescer) resolve(track registry.TrackID, spatialID uint8) {
	key := pliKey{track, spatialID}

	c.mutex.Lock()
	timer, exists := c.outstanding[key]
	if exists {
		delete(c.outstanding, key)
	}
	c.mutex.Unlock()

	if exists {
		timer.Stop()
	}
}

func (c *pliCoalescer) removeTrack(track registry.TrackID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key, timer := range c.outstanding {
		if key.track == track {
			timer.Stop()
			delete(c.outstanding, key)
		}
	}
}
