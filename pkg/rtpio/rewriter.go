package rtpio

import "github.com/pion/rtp"

// Rewriter rewrites the sequence number, timestamp and SSRC of packets
// forwarded across one edge so that the subscriber observes a single
// contiguous, monotonically increasing RTP stream, even though the
// source SSRC changes every time the layer selector switches the edge
// to a different simulcast encoding.
//
// This is the only place gaps are permitted in an edge's forwarded
// sequence numbers (invariant: "gaps permitted only on deliberate
// drop/layer downshift") — the gap of one sequence number on a switch
// tells downstream decoders that the previous frame was incomplete.
type Rewriter struct {
	outgoingSSRC uint32

	previouslyForwardedSSRC uint32

	latestOutgoingIDs ExpandedIdentifiers
	firstIncomingIDs  ExpandedIdentifiers
	latestIncomingIDs ExpandedIdentifiers
	firstOutgoingIDs  ExpandedIdentifiers
}

// NewRewriter creates a Rewriter that stamps every forwarded packet with
// outgoingSSRC, which must stay constant for the lifetime of one edge so
// the subscriber never has to handle an SSRC change mid-stream.
func NewRewriter(outgoingSSRC uint32) *Rewriter {
	return &Rewriter{outgoingSSRC: outgoingSSRC}
}

// ProcessIncoming rewrites packet in place and returns it, ready to
// forward on the edge. It detects a layer switch by SSRC change (each
// simulcast encoding uses its own SSRC) and recomputes the timeline
// offset so the edge's sequence/timestamp stay gap-free apart from the
// deliberate one-sequence-number gap at the switch point.
//
// The in-place signature is deliberate: every subscribed edge shares the
// same pooled envelope, so the caller always passes a packet it already
// owns a private copy of (never the shared envelope's own rtp.Packet),
// and mutating that copy in place avoids an extra allocation on the
// per-packet egress path.
func (r *Rewriter) ProcessIncoming(packet *rtp.Packet) *rtp.Packet {
	incomingIDs := TruncatedIdentifiers{Timestamp: packet.Timestamp, SequenceNumber: packet.SequenceNumber}

	var outgoingIDs ExpandedIdentifiers

	if r.previouslyForwardedSSRC != packet.SSRC {
		var delta ExpandedIdentifiers

		if r.previouslyForwardedSSRC != 0 {
			// Not the very first packet ever forwarded on this edge: skip
			// one sequence number and advance the timestamp by one tick to
			// mark the switch.
			delta = ExpandedIdentifiers{Timestamp: 1, SequenceNumber: 2}
		}

		r.firstIncomingIDs = ExpandedIdentifiers{
			Timestamp:      uint64(packet.Timestamp),
			SequenceNumber: uint32(packet.SequenceNumber),
		}
		r.latestIncomingIDs = r.firstIncomingIDs

		outgoingIDs = r.latestOutgoingIDs.Add(delta)
		r.firstOutgoingIDs = outgoingIDs

		r.previouslyForwardedSSRC = packet.SSRC
	} else {
		latestSequenceNumber := uint64(r.latestIncomingIDs.SequenceNumber)
		expandedSequenceNumber := uint32(ExpandCounter(uint64(incomingIDs.SequenceNumber), 16, &latestSequenceNumber))
		r.latestIncomingIDs.SequenceNumber = uint32(latestSequenceNumber)

		expandedTimestamp := ExpandCounter(uint64(incomingIDs.Timestamp), 32, &r.latestIncomingIDs.Timestamp)

		expandedIncomingIDs := ExpandedIdentifiers{Timestamp: expandedTimestamp, SequenceNumber: expandedSequenceNumber}

		delta := expandedIncomingIDs.Sub(r.firstIncomingIDs)
		outgoingIDs = r.firstOutgoingIDs.Add(delta)
	}

	r.latestOutgoingIDs = r.latestOutgoingIDs.Max(outgoingIDs)

	packet.Timestamp = uint32(outgoingIDs.Timestamp)
	packet.SequenceNumber = uint16(outgoingIDs.SequenceNumber)
	packet.SSRC = r.outgoingSSRC

	return packet
}
