package codec

import "github.com/pion/rtp"

// H.264 NAL unit type numbers relevant to keyframe detection (Annex B /
// RTP single-NAL and STAP-A packetization, RFC 6184).
const (
	nalTypeMask = 0x1F
	nalTypeIDR  = 5
	nalTypeSPS  = 7
	nalTypeSTAP = 24
)

// H264Capability returns the Capability for H.264: spatial simulcast
// only (no temporal scalability in the baseline profile this SFU
// forwards), keyframe detection via IDR/SPS NAL scanning.
func H264Capability() Capability {
	return Capability{
		Name:       "h264",
		IsKeyframe: isH264Keyframe,
		HasLayers:  true,
	}
}

// isH264Keyframe scans the NAL unit(s) in packet's payload for an IDR or
// SPS unit, either of which mark the start of a self-decodable access
// unit. STAP-A aggregates are unwrapped one level since encoders
// commonly bundle SPS/PPS/IDR into a single aggregation packet.
func isH264Keyframe(packet *rtp.Packet) bool {
	if len(packet.Payload) == 0 {
		return false
	}

	nalType := packet.Payload[0] & nalTypeMask

	if nalType == nalTypeSTAP {
		return scanSTAPForKeyframe(packet.Payload[1:])
	}

	return nalType == nalTypeIDR || nalType == nalTypeSPS
}

// scanSTAPForKeyframe walks the length-prefixed NAL units inside a STAP-A
// aggregation packet looking for an IDR or SPS unit.
func scanSTAPForKeyframe(payload []byte) bool {
	for len(payload) > 2 {
		size := int(payload[0])<<8 | int(payload[1])
		payload = payload[2:]

		if size <= 0 || size > len(payload) {
			return false
		}

		nalType := payload[0] & nalTypeMask
		if nalType == nalTypeIDR || nalType == nalTypeSPS {
			return true
		}

		payload = payload[size:]
	}

	return false
}
