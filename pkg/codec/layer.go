package codec

import "github.com/pion/rtp"

// LayerExtensionID is the RTP header extension ID carrying
// (spatial_id, temporal_id, switching_point) for simulcast packets.
// Negotiated out of band by the signalling layer; fixed here since
// nothing in this module's scope renegotiates it per session.
const LayerExtensionID = 5

// ExtractLayer reads the simulcast layer header extension from packet,
// if present. switchingPoint marks a packet that is safe to begin
// forwarding from after a layer switch (analogous to a keyframe, but
// for non-keyframed temporal layers). ok is false for packets with no
// layer extension, i.e. non-simulcast tracks.
func ExtractLayer(packet *rtp.Packet) (spatialID, temporalID uint8, switchingPoint bool, ok bool) {
	if !packet.Header.Extension {
		return 0, 0, false, false
	}

	payload := packet.GetExtension(LayerExtensionID)
	if len(payload) < 2 {
		return 0, 0, false, false
	}

	spatialID = payload[0]
	temporalID = payload[1] & 0x7F
	switchingPoint = payload[1]&0x80 != 0

	return spatialID, temporalID, switchingPoint, true
}
