// Package codec implements the small codec capability set the media
// router needs: is it a keyframe, and which simulcast layer does it
// belong to. Both are dispatched from a registry keyed on RTP payload
// type, rather than hardcoded per call site.
package codec

import (
	"github.com/pion/rtp"
)

// PayloadType mirrors rtp.PayloadType; kept as its own type so the
// registry's key does not depend on callers importing pion/rtp just for
// the type alias.
type PayloadType = rtp.PayloadType

// Layer is a (spatial, temporal) coordinate within a simulcast track.
type Layer struct {
	SpatialID  uint8
	TemporalID uint8
}

// Capability is the per-codec behaviour the router dispatches through.
type Capability struct {
	// Name identifies the codec for logging/metrics.
	Name string
	// IsKeyframe reports whether packet starts a self-decodable frame.
	IsKeyframe func(packet *rtp.Packet) bool
	// HasLayers reports whether this codec carries simulcast layer
	// information at all (false for audio codecs like Opus).
	HasLayers bool
}

// Registry maps RTP payload types to their codec Capability.
type Registry struct {
	capabilities map[PayloadType]Capability
}

// NewRegistry builds an empty registry. DefaultRegistry builds one
// preloaded with the four codec variants: Opus, VP8, VP9 and H264.
func NewRegistry() *Registry {
	r := &Registry{capabilities: make(map[PayloadType]Capability)}
	return r
}

// Register associates a payload type with a Capability. Registering the
// same payload type twice overwrites the previous entry, which lets a
// deployment remap payload types announced dynamically during signalling
// bootstrap without restarting the process.
func (r *Registry) Register(pt PayloadType, capability Capability) {
	r.capabilities[pt] = capability
}

// Lookup returns the Capability registered for pt, and whether one
// exists. An unregistered payload type is treated conservatively: never
// a keyframe, no layer information.
func (r *Registry) Lookup(pt PayloadType) (Capability, bool) {
	c, ok := r.capabilities[pt]
	return c, ok
}

// IsKeyframe reports whether packet is a keyframe for its payload type,
// per the registered Capability. Unregistered payload types are never
// considered keyframes; treating them as ordinary media is the safe
// default since misclassifying a keyframe only costs an extra PLI round
// trip, not correctness.
func (r *Registry) IsKeyframe(packet *rtp.Packet) bool {
	c, ok := r.capabilities[packet.PayloadType]
	if !ok || c.IsKeyframe == nil {
		return false
	}
	return c.IsKeyframe(packet)
}

// HasLayers reports whether packet's payload type carries simulcast
// layer information at all.
func (r *Registry) HasLayers(pt PayloadType) bool {
	c, ok := r.capabilities[pt]
	return ok && c.HasLayers
}

// DefaultRegistry returns a Registry preloaded with Opus, VP8, VP9 and
// H264 at their conventional static payload type numbers. Deployments
// that negotiate dynamic payload types during signalling call Register
// again with the numbers agreed on for that session.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PayloadTypeOpus, OpusCapability())
	r.Register(PayloadTypeVP8, VP8Capability())
	r.Register(PayloadTypeVP9, VP9Capability())
	r.Register(PayloadTypeH264, H264Capability())
	return r
}

// Conventional static/negotiated payload type numbers used when no
// dynamic renegotiation has happened yet. These are placeholders a real
// deployment overwrites via Registry.Register once signalling has
// negotiated the actual numbers for a session.
const (
	PayloadTypeOpus PayloadType = 111
	PayloadTypeVP8  PayloadType = 96
	PayloadTypeVP9  PayloadType = 98
	PayloadTypeH264 PayloadType = 102
)
