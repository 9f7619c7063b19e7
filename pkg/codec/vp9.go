package codec

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// VP9Capability returns the Capability for VP9: spatial and temporal
// simulcast, both carried in the VP9 payload descriptor.
func VP9Capability() Capability {
	return Capability{
		Name:       "vp9",
		IsKeyframe: isVP9Keyframe,
		HasLayers:  true,
	}
}

// isVP9Keyframe determines whether packet starts a VP9 key frame: B
// marks the beginning of a frame, and P (inter-picture predicted) must
// be unset, since a key frame is never predicted from a prior one.
func isVP9Keyframe(packet *rtp.Packet) bool {
	vp9Packet := codecs.VP9Packet{}

	if _, err := vp9Packet.Unmarshal(packet.Payload); err != nil {
		return false
	}

	return vp9Packet.B && !vp9Packet.P
}
