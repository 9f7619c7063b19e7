package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/sfu/pkg/codec"
	"github.com/flowmesh/sfu/pkg/config"
	"github.com/flowmesh/sfu/pkg/feedback"
	"github.com/flowmesh/sfu/pkg/graph"
	"github.com/flowmesh/sfu/pkg/packetpool"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/router"
	"github.com/flowmesh/sfu/pkg/selector"
	"github.com/flowmesh/sfu/pkg/sfuerr"
	"github.com/flowmesh/sfu/pkg/stats"
	"github.com/flowmesh/sfu/pkg/transport"
)

// Manager owns the shared core components (registry, graph, selector,
// router, feedback, stats, packet pool) and every live Session. It is
// the one place admission control, cascading teardown and the
// subscription_created/router-event drain loops are wired together.
type Manager struct {
	cfg config.Config

	registry *registry.Registry
	graph    *graph.Graph
	selector *selector.Selector
	codecs   *codec.Registry
	pool     *packetpool.Pool
	router   *router.Router
	feedback *feedback.Processor
	stats    *stats.Collector

	events chan router.Event

	mutex    sync.Mutex
	sessions map[registry.SessionID]*Session
	nextID   atomic.Uint64
	nextSSRC atomic.Uint32

	log *logrus.Entry
}

// NewManager wires every core component from cfg into one Manager, ready
// to have Run started and Sessions joined.
func NewManager(cfg config.Config) *Manager {
	events := make(chan router.Event, 256)

	reg := registry.New()
	g := graph.New(cfg.Router.EgressQueueDepth, 0, 256)
	sel := selector.NewSelector(cfg.Selector)
	codecs := codec.DefaultRegistry()
	pool := packetpool.New(cfg.Router.BufferSize, cfg.Router.PoolCapacity)

	collector := stats.NewCollector()

	r := router.New(reg, g, sel, codecs, router.Config{
		EnableSimulcast: cfg.Router.EnableSimulcast,
		PLITimeout:      cfg.Router.PLITimeout,
		SendDeadline:    cfg.Router.SendDeadline,
		FailureBudget:   cfg.Router.FailureBudget,
		StallTimeout:    cfg.Router.StallTimeout,
	}, events, collector)

	limiter := feedback.NewLimiter(cfg.Feedback.MessagesPerSecond, cfg.Feedback.Burst)
	fb := feedback.NewProcessor(sel, reg, limiter, collector)

	return &Manager{
		cfg:      cfg,
		registry: reg,
		graph:    g,
		selector: sel,
		codecs:   codecs,
		pool:     pool,
		router:   r,
		feedback: fb,
		stats:    collector,
		events:   events,
		sessions: make(map[registry.SessionID]*Session),
		log:      logrus.WithField("component", "session-manager"),
	}
}

// Router, Registry, Graph, Selector, Stats expose the shared components
// for callers that need direct access (signalling, the stats endpoint).
func (m *Manager) Router() *router.Router     { return m.router }
func (m *Manager) Registry() *registry.Registry { return m.registry }
func (m *Manager) Graph() *graph.Graph         { return m.graph }
func (m *Manager) Selector() *selector.Selector { return m.selector }
func (m *Manager) Stats() *stats.Collector     { return m.stats }

// Run drains subscription_created and router events until ctx is
// cancelled. Intended to run on its own goroutine for the process's
// lifetime, mirroring a single-threaded conference "main loop".
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.graph.Created():
			m.router.HandleSubscriptionCreated(ev)
		case ev := <-m.events:
			m.handleRouterEvent(ev)
		}
	}
}

func (m *Manager) handleRouterEvent(ev router.Event) {
	switch {
	case ev.SubscriberUnreachable != nil:
		u := ev.SubscriberUnreachable
		m.log.WithFields(logrus.Fields{"track": u.Track, "subscriber": u.Subscriber}).
			Warn("subscriber unreachable, tearing down edge")
		m.graph.Unsubscribe(u.Subscriber, u.Track)

	case ev.PLIRequested != nil:
		m.deliverPLI(ev.PLIRequested.Track, ev.PLIRequested.SpatialID)
	}
}

// deliverPLI writes a PLI to the publisher owning track's control
// stream. The only caller is the router-events drain above, so every
// outstanding PLI is already coalesced by the router's own PLI tracker.
func (m *Manager) deliverPLI(track registry.TrackID, spatialID uint8) {
	published, err := m.registry.Lookup(track)
	if err != nil {
		return
	}

	publisher := m.sessionFor(published.Owner)
	if publisher == nil {
		return
	}

	msg := feedback.PLIMessage{PLI: rtcp.PictureLossIndication{MediaSSRC: uint32(track)}}
	payload, err := msg.Marshal()
	if err != nil {
		return
	}

	if err := publisher.writeControlFrame(feedback.Encode(feedback.KindPLI, payload)); err != nil {
		m.log.WithFields(logrus.Fields{"track": track, "spatial_id": spatialID}).
			WithError(err).Debug("failed to deliver PLI upstream")
	}
}

// handleInboundPLI reacts to a subscriber-originated PLI (the subscriber
// lost a frame): it forces that edge down to the next lower layer
// immediately, rather than waiting for a fresh keyframe at the layer
// that just failed to decode, and separately relays the PLI upstream
// for the original layer, coalesced through the router's existing PLI
// tracker so that many subscribers asking at once produce at most one
// upstream request per timeout window.
func (m *Manager) handleInboundPLI(subscriber registry.SessionID, track registry.TrackID) {
	spatialID := uint8(0)
	for _, edge := range m.graph.EdgesFor(track) {
		if edge.Subscriber == subscriber {
			spatialID = edge.SelectedLayer().SpatialID
			break
		}
	}
	m.router.RequestDownshift(track, subscriber)
	m.router.RequestPLI(track, spatialID)
}

// Join admits a new connection as a Session, subject to MaxParticipants,
// and opens its control stream.
func (m *Manager) Join(ctx context.Context, conn transport.Connection) (*Session, error) {
	m.mutex.Lock()
	if limit := m.cfg.Session.MaxParticipants; limit > 0 && len(m.sessions) >= limit {
		m.mutex.Unlock()
		return nil, sfuerr.ErrQuotaExceeded
	}
	id := registry.SessionID(m.nextID.Add(1))
	m.mutex.Unlock()

	s := newSession(id, conn, m)
	if err := s.openControl(ctx); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	m.sessions[id] = s
	m.mutex.Unlock()

	return s, nil
}

// NextSSRC mints a process-unique outgoing SSRC for a new edge's
// rewriter, avoiding collisions between concurrently forwarded edges.
func (m *Manager) NextSSRC() uint32 { return m.nextSSRC.Add(1) }

func (m *Manager) sessionFor(id registry.SessionID) *Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(id registry.SessionID) {
	m.mutex.Lock()
	delete(m.sessions, id)
	m.mutex.Unlock()
}

// Shutdown closes every live session concurrently and waits for their
// tasks to drain, up to cfg.Session.ShutdownDeadline; sessions still
// running past the deadline are abandoned rather than blocking forever.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.Unlock()

	deadline := m.cfg.Session.ShutdownDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	group, _ := errgroup.WithContext(shutdownCtx)
	for _, s := range sessions {
		s := s
		group.Go(func() error {
			s.Close()
			done := make(chan struct{})
			go func() {
				s.wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			}
		})
	}

	return group.Wait()
}
