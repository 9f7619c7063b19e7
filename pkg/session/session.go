// Package session is the session manager: admission, the per-connection
// ingress/egress tasks that drive the media router and subscription
// graph, and the cascading, idempotent teardown that runs when a
// participant disconnects.
package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/sfuerr"
	"github.com/flowmesh/sfu/pkg/transport"
)

// Session is one participant's connection to the SFU: the owner of
// whatever tracks it has published and whatever edges it has subscribed
// to, plus the ingress/egress tasks that move bytes for both.
type Session struct {
	id      registry.SessionID
	conn    transport.Connection
	manager *Manager
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex         sync.Mutex
	closed        bool
	controlStream transport.Substream
	controlWrite  sync.Mutex
	ssrcTracks    map[uint32]registry.TrackID
	ingressSSRC   sync.Map // map[uint32]registry.TrackID, keyed on a publisher's own ingress SSRC
}

// ID returns the session's stable identity.
func (s *Session) ID() registry.SessionID { return s.id }

func newSession(id registry.SessionID, conn transport.Connection, manager *Manager) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		conn:       conn,
		manager:    manager,
		log:        logrus.WithFields(logrus.Fields{"component": "session", "session": id}),
		ctx:        ctx,
		cancel:     cancel,
		ssrcTracks: make(map[uint32]registry.TrackID),
	}
}

// openControl opens and starts draining the session's single control
// substream. Called once, right after admission.
func (s *Session) openControl(ctx context.Context) error {
	stream, err := s.conn.OpenControlStream(ctx)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.controlStream = stream
	s.mutex.Unlock()

	s.wg.Add(1)
	go s.runControlIngress(stream)

	return nil
}

// Publish registers a new published track owned by this session and
// starts its ingress task reading framed RTP off stream.
func (s *Session) Publish(descriptor registry.Descriptor, stream transport.Substream) (registry.TrackID, error) {
	track, err := s.manager.registry.Register(s.id, descriptor)
	if err != nil {
		return 0, err
	}

	s.wg.Add(1)
	go s.runIngress(track, stream)

	return track, nil
}

// AnnounceLayers records track's simulcast layer set, enforcing the
// session's aggregate publish bitrate quota before accepting it.
func (s *Session) AnnounceLayers(track registry.TrackID, layers []registry.LayerDescriptor) error {
	if budget := s.manager.cfg.Session.MaxBitrate; budget > 0 {
		var total int64
		for _, l := range layers {
			total += int64(l.TargetBitrate)
		}
		s.manager.registry.ForEachOwnedBy(s.id, func(id registry.TrackID) {
			if id == track {
				return
			}
			if other, err := s.manager.registry.Lookup(id); err == nil {
				for _, l := range other.Layers {
					total += int64(l.TargetBitrate)
				}
			}
		})
		if total > budget {
			return sfuerr.ErrQuotaExceeded
		}
	}

	return s.manager.registry.AnnounceLayers(track, layers)
}

// Subscribe creates an edge from track to this session and starts its
// egress task writing framed, rewritten RTP to stream. outgoingSSRC must
// be unique among this process's edges for the lifetime of the edge.
func (s *Session) Subscribe(track registry.TrackID, outgoingSSRC uint32, stream transport.Substream) error {
	edge, err := s.manager.graph.Subscribe(s.id, track, outgoingSSRC)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.ssrcTracks[outgoingSSRC] = track
	s.mutex.Unlock()

	s.wg.Add(1)
	go s.runEgress(track, edge, stream)

	return nil
}

// trackForSSRC resolves an outgoing SSRC this session observes (in a
// ReceiverReport or PLI it sent about its own subscriptions) back to the
// TrackID it belongs to.
func (s *Session) trackForSSRC(ssrc uint32) (registry.TrackID, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	track, ok := s.ssrcTracks[ssrc]
	return track, ok
}

// learnIngressSSRC records the SSRC a publisher's own media carries for
// track, so a SenderReport arriving later on the same session's control
// stream (which only self-identifies by SSRC) can be attributed back to
// the right published track.
func (s *Session) learnIngressSSRC(ssrc uint32, track registry.TrackID) {
	s.ingressSSRC.LoadOrStore(ssrc, track)
}

// trackForIngressSSRC resolves a publisher's own SSRC, as previously
// observed by learnIngressSSRC, back to its TrackID.
func (s *Session) trackForIngressSSRC(ssrc uint32) (registry.TrackID, bool) {
	v, ok := s.ingressSSRC.Load(ssrc)
	if !ok {
		return 0, false
	}
	return v.(registry.TrackID), true
}

func (s *Session) writeControlFrame(frame []byte) error {
	s.mutex.Lock()
	stream := s.controlStream
	s.mutex.Unlock()

	if stream == nil {
		return sfuerr.ErrEgressFailure
	}

	s.controlWrite.Lock()
	defer s.controlWrite.Unlock()

	if _, err := stream.Write(frame); err != nil {
		return sfuerr.ErrEgressFailure
	}
	return nil
}

// Close tears the session down: every track it published and every edge
// it subscribed to, then its transport connection. Idempotent.
func (s *Session) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()

	s.cancel()

	s.manager.registry.ForEachOwnedBy(s.id, func(track registry.TrackID) {
		s.manager.router.HandleTrackRemoved(track)
		s.manager.graph.RemoveTrack(track)
		s.manager.registry.Unregister(track)
	})
	s.manager.graph.RemoveSubscriber(s.id)

	if err := s.conn.Close(); err != nil {
		s.log.WithError(err).Debug("error closing transport connection")
	}

	s.manager.remove(s.id)
}

// wait blocks until every ingress/egress/control task this session
// started has returned, used by Manager.Shutdown's cooperative drain.
func (s *Session) wait() {
	s.wg.Wait()
}
