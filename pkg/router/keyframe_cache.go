package router

import (
	"sync"

	"github.com/flowmesh/sfu/pkg/packetpool"
	"github.com/flowmesh/sfu/pkg/registry"
)

type keyframeKey struct {
	track     registry.TrackID
	spatialID uint8
}

// keyframeCache holds at most one cached keyframe envelope per
// (TrackID, SpatialID), consulted on every upshift into that layer.
//
// TODO: extend to a ring buffer of depth N per key to recover faster
// under lossy conditions, if that's ever validated as worth the extra
// retained buffers; the spec is silent on depth beyond one.
type keyframeCache struct {
	mutex   sync.Mutex
	entries map[keyframeKey]*packetpool.Envelope
}

func newKeyframeCache() *keyframeCache {
	return &keyframeCache{entries: make(map[keyframeKey]*packetpool.Envelope)}
}

func (c *keyframeCache) store(track registry.TrackID, spatialID uint8, env *packetpool.Envelope) {
	key := keyframeKey{track, spatialID}
	env.Retain(1)

	c.mutex.Lock()
	previous, had := c.entries[key]
	c.entries[key] = env
	c.mutex.Unlock()

	if had {
		previous.Release()
	}
}

func (c *keyframeCache) get(track registry.TrackID, spatialID uint8) (*packetpool.Envelope, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	env, ok := c.entries[keyframeKey{track, spatialID}]
	return env, ok
}

func (c *keyframeCache) removeTrack(track registry.TrackID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key, env := range c.entries {
		if key.track == track {
			env.Release()
			delete(c.entries, key)
		}
	}
}
