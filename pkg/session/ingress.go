package session

import (
	"encoding/binary"
	"io"

	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/transport"
)

// runIngress reads length-prefixed RTP packets off stream for the
// lifetime of the session (or until stream errors/closes), copying each
// into the packet pool and handing it to the router for fan-out. One
// allocation-free scratch buffer is reused across reads; the packet pool
// owns the copy that actually survives past this function.
func (s *Session) runIngress(track registry.TrackID, stream transport.Substream) {
	defer s.wg.Done()

	header := make([]byte, 2)
	scratch := make([]byte, s.manager.pool.BufferSize())

	for {
		if s.ctx.Err() != nil {
			return
		}

		if _, err := io.ReadFull(stream, header); err != nil {
			s.log.WithError(err).Debug("ingress stream ended")
			return
		}

		length := int(binary.BigEndian.Uint16(header))
		if length > len(scratch) {
			// Longer than any buffer the pool can hand out; drain and
			// discard rather than desyncing the framing by under-reading.
			if _, err := io.CopyN(io.Discard, stream, int64(length)); err != nil {
				return
			}
			continue
		}

		if _, err := io.ReadFull(stream, scratch[:length]); err != nil {
			s.log.WithError(err).Debug("ingress stream ended mid-packet")
			return
		}

		env, err := s.manager.pool.Acquire(scratch[:length])
		if err != nil {
			s.manager.stats.RecordIngressDrop(track)
			continue
		}

		if packet, err := env.Packet(); err == nil {
			s.learnIngressSSRC(packet.SSRC, track)
		}

		if err := s.manager.router.Forward(track, env); err != nil {
			s.log.WithError(err).Debug("forward failed")
			continue
		}

		s.manager.stats.RecordIngress(track, length)
	}
}
