package feedback

import (
	"fmt"

	"github.com/pion/rtcp"

	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/selector"
	"github.com/flowmesh/sfu/pkg/sfuerr"
	"github.com/flowmesh/sfu/pkg/stats"
)

// Result collects the side effects of processing one inbound buffer
// that the caller (the session, via Manager.handleInboundPLI) still has
// to act on: PLIs aren't
// resolved here since their coalescing state belongs to the router, not
// the feedback processor.
type Result struct {
	PLIs []rtcp.PictureLossIndication
}

// Processor decodes inbound feedback frames and folds them into
// selector and registry state, subject to the per-edge rate limit.
type Processor struct {
	selector *selector.Selector
	registry *registry.Registry
	limiter  *Limiter
	stats    *stats.Collector
}

// NewProcessor creates a Processor wired to sel and reg, rate-limited by
// limiter. collector may be nil, in which case sender-report-derived
// publisher stats are decoded but discarded.
func NewProcessor(sel *selector.Selector, reg *registry.Registry, limiter *Limiter, collector *stats.Collector) *Processor {
	return &Processor{selector: sel, registry: reg, limiter: limiter, stats: collector}
}

// HandleFrame decodes every frame in buf (inbound from subscriber for
// track, or from the track's own publisher session for SenderReport)
// and applies each to selector/registry state. Frames the per-edge rate
// limit rejects are coalesced (latest-wins per kind) rather than
// applied immediately; DrainCoalesced later replays them.
func (p *Processor) HandleFrame(track registry.TrackID, subscriber registry.SessionID, buf []byte) (Result, error) {
	var result Result

	for len(buf) > 0 {
		kind, payload, rest, err := Decode(buf)
		if err != nil {
			return result, err
		}
		buf = rest

		if !p.limiter.Admit(track, subscriber, kind, payload) {
			continue
		}

		if err := p.apply(track, subscriber, kind, payload, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// DrainCoalesced applies whatever coalesced payloads are waiting for
// (track, subscriber), one per kind, keeping only the latest of each —
// called once the edge's rate-limit token budget has refilled.
func (p *Processor) DrainCoalesced(track registry.TrackID, subscriber registry.SessionID) (Result, error) {
	var result Result

	for kind, payload := range p.limiter.Drain(track, subscriber) {
		if err := p.apply(track, subscriber, kind, payload, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (p *Processor) apply(track registry.TrackID, subscriber registry.SessionID, kind Kind, payload []byte, result *Result) error {
	key := selector.EdgeKey{Track: track, Subscriber: subscriber}

	switch kind {
	case KindReceiverReport:
		var msg ReceiverReportMessage
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("feedback: decode ReceiverReport: %w", err)
		}
		for _, report := range msg.Report.Reports {
			p.selector.UpdateLoss(key, float64(report.FractionLost)/256.0)
		}

	case KindSenderReport:
		var msg SenderReportMessage
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("feedback: decode SenderReport: %w", err)
		}
		if p.stats != nil {
			p.stats.RecordSenderReport(track, msg.Report.PacketCount, msg.Report.OctetCount)
		}

	case KindPLI:
		// Forcing the edge's own downshift and issuing the upstream PLI
		// both need the subscription graph, which this package doesn't
		// import; the caller drives both off result.PLIs (see
		// Manager.handleInboundPLI).
		var msg PLIMessage
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("feedback: decode PLI: %w", err)
		}
		result.PLIs = append(result.PLIs, msg.PLI)

	case KindLayerSwitchRequest:
		var msg LayerSwitchRequestMessage
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("feedback: decode LayerSwitchRequest: %w", err)
		}
		publishedTrack, err := p.registry.Lookup(msg.Track)
		if err != nil {
			return err
		}
		requestKey := selector.EdgeKey{Track: msg.Track, Subscriber: msg.Subscriber}
		p.selector.ApplyLayerSwitchRequest(requestKey, registry.Layer{SpatialID: msg.SpatialID, TemporalID: msg.TemporalID}, publishedTrack.Layers)

	case KindBandwidthEstimate:
		var msg BandwidthEstimateMessage
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("feedback: decode BandwidthEstimate: %w", err)
		}
		p.selector.ReplaceBandwidth(selector.EdgeKey{Track: msg.Track, Subscriber: msg.Subscriber}, float64(msg.BitsPerSecond))

	case KindLayerAvailabilityUpdate:
		var msg LayerAvailabilityUpdateMessage
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("feedback: decode LayerAvailabilityUpdate: %w", err)
		}
		if err := p.registry.AnnounceLayers(msg.Track, msg.Layers); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown feedback kind %d", sfuerr.ErrMalformedPacket, kind)
	}

	return nil
}
