package feedback

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"

	"github.com/flowmesh/sfu/pkg/registry"
)

// ReceiverReportMessage carries a subscriber's standard RTCP receiver
// report, reusing pion/rtcp's wire-compatible report block layout
// rather than inventing a parallel one.
type ReceiverReportMessage struct {
	Report rtcp.ReceiverReport
}

func (m ReceiverReportMessage) Marshal() ([]byte, error) {
	return m.Report.Marshal()
}

func (m *ReceiverReportMessage) Unmarshal(buf []byte) error {
	return m.Report.Unmarshal(buf)
}

// SenderReportMessage carries a publisher's RTCP sender report.
type SenderReportMessage struct {
	Report rtcp.SenderReport
}

func (m SenderReportMessage) Marshal() ([]byte, error) {
	return m.Report.Marshal()
}

func (m *SenderReportMessage) Unmarshal(buf []byte) error {
	return m.Report.Unmarshal(buf)
}

// PLIMessage requests a fresh keyframe, reusing
// rtcp.PictureLossIndication's SenderSSRC/MediaSSRC fields.
type PLIMessage struct {
	PLI rtcp.PictureLossIndication
}

func (m PLIMessage) Marshal() ([]byte, error) {
	return m.PLI.Marshal()
}

func (m *PLIMessage) Unmarshal(buf []byte) error {
	return m.PLI.Unmarshal(buf)
}

// LayerSwitchRequestMessage is an explicit subscriber hint to move to a
// different simulcast layer. Bypasses hysteresis only for downshifts;
// upshifts still go through the selector's bandwidth check.
type LayerSwitchRequestMessage struct {
	Track      registry.TrackID
	Subscriber registry.SessionID
	SpatialID  uint8
	TemporalID uint8
}

const layerSwitchRequestWireSize = 8 + 8 + 1 + 1

func (m LayerSwitchRequestMessage) Marshal() ([]byte, error) {
	buf := make([]byte, layerSwitchRequestWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Track))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Subscriber))
	buf[16] = m.SpatialID
	buf[17] = m.TemporalID
	return buf, nil
}

func (m *LayerSwitchRequestMessage) Unmarshal(buf []byte) error {
	if len(buf) < layerSwitchRequestWireSize {
		return fmt.Errorf("feedback: LayerSwitchRequest payload too short: %d bytes", len(buf))
	}
	m.Track = registry.TrackID(binary.LittleEndian.Uint64(buf[0:8]))
	m.Subscriber = registry.SessionID(binary.LittleEndian.Uint64(buf[8:16]))
	m.SpatialID = buf[16]
	m.TemporalID = buf[17]
	return nil
}

// BandwidthEstimateMessage replaces an edge's bandwidth estimate
// outright when it comes from an authoritative estimator, rather than
// contributing a sample to the EWMA.
type BandwidthEstimateMessage struct {
	Track           registry.TrackID
	Subscriber      registry.SessionID
	BitsPerSecond   uint64
}

const bandwidthEstimateWireSize = 8 + 8 + 8

func (m BandwidthEstimateMessage) Marshal() ([]byte, error) {
	buf := make([]byte, bandwidthEstimateWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Track))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Subscriber))
	binary.LittleEndian.PutUint64(buf[16:24], m.BitsPerSecond)
	return buf, nil
}

func (m *BandwidthEstimateMessage) Unmarshal(buf []byte) error {
	if len(buf) < bandwidthEstimateWireSize {
		return fmt.Errorf("feedback: BandwidthEstimate payload too short: %d bytes", len(buf))
	}
	m.Track = registry.TrackID(binary.LittleEndian.Uint64(buf[0:8]))
	m.Subscriber = registry.SessionID(binary.LittleEndian.Uint64(buf[8:16]))
	m.BitsPerSecond = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// LayerAvailabilityUpdateMessage announces a publisher's current set of
// simulcast layers, e.g. after a layer is added or removed mid-call.
type LayerAvailabilityUpdateMessage struct {
	Track  registry.TrackID
	Layers []registry.LayerDescriptor
}

const layerDescriptorWireSize = 1 + 1 + 8 + 4 + 4 + 4

func (m LayerAvailabilityUpdateMessage) Marshal() ([]byte, error) {
	buf := make([]byte, 8+2+len(m.Layers)*layerDescriptorWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Track))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(m.Layers)))

	offset := 10
	for _, l := range m.Layers {
		buf[offset] = l.SpatialID
		buf[offset+1] = l.TemporalID
		binary.LittleEndian.PutUint64(buf[offset+2:offset+10], l.TargetBitrate)
		binary.LittleEndian.PutUint32(buf[offset+10:offset+14], l.TargetWidth)
		binary.LittleEndian.PutUint32(buf[offset+14:offset+18], l.TargetHeight)
		binary.LittleEndian.PutUint32(buf[offset+18:offset+22], l.TargetFramerate)
		offset += layerDescriptorWireSize
	}

	return buf, nil
}

func (m *LayerAvailabilityUpdateMessage) Unmarshal(buf []byte) error {
	if len(buf) < 10 {
		return fmt.Errorf("feedback: LayerAvailabilityUpdate payload too short: %d bytes", len(buf))
	}

	m.Track = registry.TrackID(binary.LittleEndian.Uint64(buf[0:8]))
	count := int(binary.LittleEndian.Uint16(buf[8:10]))

	want := 10 + count*layerDescriptorWireSize
	if len(buf) < want {
		return fmt.Errorf("feedback: LayerAvailabilityUpdate declares %d layers but payload is %d bytes", count, len(buf))
	}

	layers := make([]registry.LayerDescriptor, count)
	offset := 10
	for i := range layers {
		layers[i] = registry.LayerDescriptor{
			SpatialID:       buf[offset],
			TemporalID:      buf[offset+1],
			TargetBitrate:   binary.LittleEndian.Uint64(buf[offset+2 : offset+10]),
			TargetWidth:     binary.LittleEndian.Uint32(buf[offset+10 : offset+14]),
			TargetHeight:    binary.LittleEndian.Uint32(buf[offset+14 : offset+18]),
			TargetFramerate: binary.LittleEndian.Uint32(buf[offset+18 : offset+22]),
		}
		offset += layerDescriptorWireSize
	}
	m.Layers = layers

	return nil
}
