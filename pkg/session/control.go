package session

import (
	"encoding/binary"
	"io"

	"github.com/flowmesh/sfu/pkg/feedback"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/transport"
)

// runControlIngress decodes feedback frames off the session's control
// substream for its lifetime, resolving each frame's (track, subscriber)
// identity before folding it into selector/registry state.
func (s *Session) runControlIngress(stream transport.Substream) {
	defer s.wg.Done()

	header := make([]byte, 4)

	for {
		if s.ctx.Err() != nil {
			return
		}

		if _, err := io.ReadFull(stream, header); err != nil {
			s.log.WithError(err).Debug("control stream ended")
			return
		}

		kind := feedback.Kind(header[1])
		length := int(binary.LittleEndian.Uint16(header[2:4]))

		payload := make([]byte, length)
		if _, err := io.ReadFull(stream, payload); err != nil {
			s.log.WithError(err).Debug("control stream ended mid-frame")
			return
		}

		s.handleControlFrame(kind, payload)
	}
}

// handleControlFrame resolves the (track, subscriber) this frame is
// about and dispatches it into the shared feedback processor.
//
// ReceiverReport and PLI carry only an SSRC, which this session's own
// Subscribe calls already mapped back to a TrackID. SenderReport also
// carries only an SSRC, but it's the publisher's own ingress SSRC rather
// than a subscriber's rewritten one, so it resolves through the session's
// ingress-SSRC map instead. Every other kind is self-describing (its
// payload carries Track/Subscriber directly), so the track passed here is
// a harmless placeholder for those.
func (s *Session) handleControlFrame(kind feedback.Kind, payload []byte) {
	var track registry.TrackID

	switch kind {
	case feedback.KindReceiverReport:
		var msg feedback.ReceiverReportMessage
		if err := msg.Unmarshal(payload); err != nil || len(msg.Report.Reports) == 0 {
			return
		}
		resolved, ok := s.trackForSSRC(msg.Report.Reports[0].SSRC)
		if !ok {
			return
		}
		track = resolved

	case feedback.KindPLI:
		var msg feedback.PLIMessage
		if err := msg.Unmarshal(payload); err != nil {
			return
		}
		resolved, ok := s.trackForSSRC(msg.PLI.MediaSSRC)
		if !ok {
			return
		}
		track = resolved

	case feedback.KindSenderReport:
		var msg feedback.SenderReportMessage
		if err := msg.Unmarshal(payload); err != nil {
			return
		}
		resolved, ok := s.trackForIngressSSRC(msg.Report.SSRC)
		if !ok {
			return
		}
		track = resolved
	}

	result, err := s.manager.feedback.HandleFrame(track, s.id, feedback.Encode(kind, payload))
	if err != nil {
		s.log.WithError(err).Debug("rejected feedback frame")
		return
	}

	for range result.PLIs {
		s.manager.handleInboundPLI(s.id, track)
	}
}
