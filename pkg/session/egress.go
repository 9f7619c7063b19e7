package session

import (
	"encoding/binary"
	"time"

	"github.com/flowmesh/sfu/pkg/graph"
	"github.com/flowmesh/sfu/pkg/packetpool"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/sfuerr"
	"github.com/flowmesh/sfu/pkg/transport"
)

// runEgress drains edge's queue for the lifetime of the edge, rewriting
// and framing each envelope before writing it to stream. It is the sole
// reader of edge.EgressQueue and the sole owner of edge.Rewriter, per
// the single-egress-task-per-edge concurrency model.
func (s *Session) runEgress(track registry.TrackID, edge *graph.Edge, stream transport.Substream) {
	defer s.wg.Done()

	header := make([]byte, 2)

	for {
		select {
		case <-s.ctx.Done():
			return
		case env, ok := <-edge.EgressQueue:
			if !ok {
				return
			}

			err := s.writeEnvelope(stream, edge, env, header)
			env.Release()

			s.manager.router.RecordEgressOutcome(track, edge, err)
			if err != nil {
				s.manager.stats.RecordEgressDrop(track, edge.Subscriber)
				continue
			}
			s.manager.stats.RecordEgress(track, edge.Subscriber)
		}
	}
}

// writeEnvelope rewrites a copy of env's packet (never the shared
// envelope itself, since every subscribed edge holds the same envelope
// concurrently) and writes it length-prefixed to stream.
func (s *Session) writeEnvelope(stream transport.Substream, edge *graph.Edge, env *packetpool.Envelope, header []byte) error {
	packet, err := env.Packet()
	if err != nil {
		return sfuerr.ErrMalformedPacket
	}

	rewritten := *packet
	edge.Rewriter.ProcessIncoming(&rewritten)

	raw, err := rewritten.Marshal()
	if err != nil {
		return sfuerr.ErrMalformedPacket
	}
	if len(raw) > 0xFFFF {
		return sfuerr.ErrMalformedPacket
	}

	if deadline := s.manager.cfg.Router.SendDeadline; deadline > 0 {
		if err := stream.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
			return sfuerr.ErrEgressFailure
		}
	}

	binary.BigEndian.PutUint16(header, uint16(len(raw)))

	if _, err := stream.Write(header); err != nil {
		return sfuerr.ErrEgressTimeout
	}
	if _, err := stream.Write(raw); err != nil {
		return sfuerr.ErrEgressTimeout
	}

	return nil
}
