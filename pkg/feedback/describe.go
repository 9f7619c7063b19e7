package feedback

// FieldDescriptor documents one field of a feedback payload. Describe
// returns a hand-written table that mirrors the layouts the Marshal and
// Unmarshal methods in messages.go use; it is not derived from them.
type FieldDescriptor struct {
	Name        string
	Type        string
	Description string
}

// Describe returns the field layout of kind's payload, in wire order.
func Describe(kind Kind) []FieldDescriptor {
	switch kind {
	case KindReceiverReport:
		return []FieldDescriptor{
			{"Report", "rtcp.ReceiverReport", "standard RTCP receiver report, marshaled verbatim"},
		}
	case KindSenderReport:
		return []FieldDescriptor{
			{"Report", "rtcp.SenderReport", "standard RTCP sender report, marshaled verbatim"},
		}
	case KindPLI:
		return []FieldDescriptor{
			{"PLI", "rtcp.PictureLossIndication", "SenderSSRC/MediaSSRC, marshaled verbatim"},
		}
	case KindLayerSwitchRequest:
		return []FieldDescriptor{
			{"Track", "u64", "target track ID"},
			{"Subscriber", "u64", "requesting subscriber's session ID"},
			{"SpatialID", "u8", "requested spatial layer"},
			{"TemporalID", "u8", "requested temporal layer"},
		}
	case KindBandwidthEstimate:
		return []FieldDescriptor{
			{"Track", "u64", "target track ID"},
			{"Subscriber", "u64", "edge's subscriber session ID"},
			{"BitsPerSecond", "u64", "authoritative bandwidth estimate, replaces B-hat outright"},
		}
	case KindLayerAvailabilityUpdate:
		return []FieldDescriptor{
			{"Track", "u64", "track ID whose layer set changed"},
			{"LayerCount", "u16", "number of LayerDescriptor entries that follow"},
			{"Layers[].SpatialID", "u8", "spatial layer index"},
			{"Layers[].TemporalID", "u8", "temporal layer index"},
			{"Layers[].TargetBitrate", "u64", "layer's target bitrate in bits/sec"},
			{"Layers[].TargetWidth", "u32", "layer's target pixel width"},
			{"Layers[].TargetHeight", "u32", "layer's target pixel height"},
			{"Layers[].TargetFramerate", "u32", "layer's target frames/sec"},
		}
	default:
		return nil
	}
}
