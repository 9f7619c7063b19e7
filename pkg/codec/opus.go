package codec

import "github.com/pion/rtp"

// OpusCapability returns the Capability for Opus audio. Opus has no
// simulcast layers and no keyframe concept at all: every packet is
// independently decodable, so the keyframe cache and PLI machinery never
// engage for audio tracks.
func OpusCapability() Capability {
	return Capability{
		Name:       "opus",
		IsKeyframe: func(*rtp.Packet) bool { return false },
		HasLayers:  false,
	}
}
