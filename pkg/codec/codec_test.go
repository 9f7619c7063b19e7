package codec

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestRegistryLookupUnregisteredIsConservative(t *testing.T) {
	r := NewRegistry()
	packet := &rtp.Packet{Header: rtp.Header{PayloadType: 5}}

	assert.False(t, r.IsKeyframe(packet))
	assert.False(t, r.HasLayers(5))
}

func TestDefaultRegistryDispatchesByPayloadType(t *testing.T) {
	r := DefaultRegistry()

	opus := &rtp.Packet{Header: rtp.Header{PayloadType: PayloadTypeOpus}, Payload: []byte{1, 2, 3}}
	assert.False(t, r.IsKeyframe(opus))
	assert.False(t, r.HasLayers(PayloadTypeOpus))

	assert.True(t, r.HasLayers(PayloadTypeVP8))
	assert.True(t, r.HasLayers(PayloadTypeVP9))
	assert.True(t, r.HasLayers(PayloadTypeH264))
}

func TestH264IDRIsKeyframe(t *testing.T) {
	payload := []byte{nalTypeIDR, 0x00, 0x01, 0x02}
	assert.True(t, isH264Keyframe(&rtp.Packet{Payload: payload}))
}

func TestH264NonIDRIsNotKeyframe(t *testing.T) {
	const nalTypeNonIDR = 1
	payload := []byte{nalTypeNonIDR, 0x00, 0x01, 0x02}
	assert.False(t, isH264Keyframe(&rtp.Packet{Payload: payload}))
}

func TestH264STAPWithSPSIsKeyframe(t *testing.T) {
	sps := []byte{nalTypeSPS, 0xAA}
	payload := append([]byte{nalTypeSTAP}, 0x00, byte(len(sps)))
	payload = append(payload, sps...)

	assert.True(t, isH264Keyframe(&rtp.Packet{Payload: payload}))
}

func TestH264EmptyPayloadIsNotKeyframe(t *testing.T) {
	assert.False(t, isH264Keyframe(&rtp.Packet{Payload: nil}))
}
