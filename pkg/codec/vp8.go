package codec

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// VP8Capability returns the Capability for VP8: spatial simulcast only,
// no temporal layers tracked by this codec's payload descriptor.
func VP8Capability() Capability {
	return Capability{
		Name:       "vp8",
		IsKeyframe: isVP8Keyframe,
		HasLayers:  true,
	}
}

// isVP8Keyframe determines whether packet carries a VP8 keyframe.
func isVP8Keyframe(packet *rtp.Packet) bool {
	vp8Packet := codecs.VP8Packet{}

	payload, err := vp8Packet.Unmarshal(packet.Payload)
	if err != nil || len(payload) == 0 {
		return false
	}

	// The P bit of the VP8 Payload Header (not to be confused with the
	// Payload Descriptor pion already parsed into vp8Packet) is 0 for
	// key frames.
	pBit := payload[0] & 0x01

	// S denotes the start of a new VP8 partition; key frames set it.
	return vp8Packet.S == 1 && pBit == 0
}
