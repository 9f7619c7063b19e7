package router_test

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/sfu/pkg/codec"
	"github.com/flowmesh/sfu/pkg/config"
	"github.com/flowmesh/sfu/pkg/graph"
	"github.com/flowmesh/sfu/pkg/packetpool"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/router"
	"github.com/flowmesh/sfu/pkg/selector"
	"github.com/flowmesh/sfu/pkg/stats"
)

type harness struct {
	reg   *registry.Registry
	graph *graph.Graph
	sel   *selector.Selector
	pool  *packetpool.Pool
	rtr   *router.Router
	track registry.TrackID
}

func newHarness(t *testing.T, layers []registry.LayerDescriptor) *harness {
	t.Helper()

	reg := registry.New()
	g := graph.New(256, 0, 16)
	sel := selector.NewSelector(config.Default().Selector)
	pool := packetpool.New(1500, 64)
	events := make(chan router.Event, 16)
	rtr := router.New(reg, g, sel, codec.DefaultRegistry(), router.Config{
		EnableSimulcast: true,
		PLITimeout:      50 * time.Millisecond,
		SendDeadline:    time.Second,
		FailureBudget:   16,
	}, events, stats.NewCollector())

	trackID, err := reg.Register(1, registry.Descriptor{Kind: registry.KindVideo, CodecName: "vp8", StreamID: "s"})
	require.NoError(t, err)

	if len(layers) > 0 {
		require.NoError(t, reg.AnnounceLayers(trackID, layers))
	}

	return &harness{reg: reg, graph: g, sel: sel, pool: pool, rtr: rtr, track: trackID}
}

func (h *harness) envelope(t *testing.T, seq uint16, spatialID, temporalID uint8, withLayer bool, keyframe bool) *packetpool.Envelope {
	t.Helper()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(codec.PayloadTypeVP8),
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           1234,
		},
	}
	if withLayer {
		require.NoError(t, packet.SetExtension(codec.LayerExtensionID, []byte{spatialID, temporalID}))
	}

	// Byte 0 is the VP8 payload descriptor (S=1, no extended bits); byte
	// 1 is the VP8 bitstream tag byte whose LSB is the frame_type bit
	// (0 = key frame, 1 = interframe).
	var vp8Payload []byte
	if keyframe {
		vp8Payload = []byte{0x10, 0x00, 0x00}
	} else {
		vp8Payload = []byte{0x10, 0x01, 0x00}
	}
	packet.Payload = vp8Payload

	raw, err := packet.Marshal()
	require.NoError(t, err)

	env, err := h.pool.Acquire(raw)
	require.NoError(t, err)

	return env
}

func TestForwardNonSimulcastDeliversEveryPacket(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		env := h.envelope(t, uint16(i), 0, 0, false, false)
		require.NoError(t, h.rtr.Forward(h.track, env))
	}

	edges := h.graph.EdgesFor(h.track)
	require.Len(t, edges, 1)
	assert.Equal(t, uint64(5), edges[0].EgressCount())
}

func TestForwardGatesOnSelectedSpatialLayer(t *testing.T) {
	layers := []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 100_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 1_000_000},
	}
	h := newHarness(t, layers)

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)

	// Low bandwidth: selector should pin to spatial layer 0.
	h.sel.UpdateBandwidth(selector.EdgeKey{Track: h.track, Subscriber: 100}, 50_000)

	envLayer0 := h.envelope(t, 0, 0, 0, true, true)
	require.NoError(t, h.rtr.Forward(h.track, envLayer0))

	envLayer1 := h.envelope(t, 1, 1, 0, true, false)
	require.NoError(t, h.rtr.Forward(h.track, envLayer1))

	assert.Equal(t, uint64(1), edge.EgressCount())
}

func TestUpshiftWithCachedKeyframeForwardsImmediately(t *testing.T) {
	layers := []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 100_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 500_000},
	}
	h := newHarness(t, layers)

	// A keyframe for layer 1 arrives on the ingress stream before
	// anyone subscribes, populating the cache.
	kf := h.envelope(t, 0, 1, 0, true, true)
	require.NoError(t, h.rtr.Forward(h.track, kf))

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)

	h.sel.UpdateBandwidth(selector.EdgeKey{Track: h.track, Subscriber: 100}, 10_000_000)

	live := h.envelope(t, 1, 1, 0, true, false)
	require.NoError(t, h.rtr.Forward(h.track, live))

	assert.Equal(t, graph.StateActive, edge.State())
	assert.Equal(t, uint8(1), edge.SelectedLayer().SpatialID)
	// The replayed cached keyframe plus the live packet.
	assert.Equal(t, uint64(2), edge.EgressCount())
}

func TestUpshiftWithoutCachedKeyframeRequestsPLI(t *testing.T) {
	layers := []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 100_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 500_000},
	}
	h := newHarness(t, layers)

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)

	h.sel.UpdateBandwidth(selector.EdgeKey{Track: h.track, Subscriber: 100}, 10_000_000)

	live := h.envelope(t, 0, 1, 0, true, false)
	require.NoError(t, h.rtr.Forward(h.track, live))

	assert.Equal(t, graph.StateUpshifting, edge.State())
}

func TestFirstKeyframeOnFreshSubscriptionForwardsExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)

	// The very first packet on a freshly subscribed edge is itself a
	// keyframe: it both populates the keyframe cache and resolves the
	// edge out of Initializing in the same Forward call, so it must not
	// be delivered twice (once via the cache replay, once via the
	// ordinary gate-pass enqueue).
	kf := h.envelope(t, 0, 0, 0, false, true)
	require.NoError(t, h.rtr.Forward(h.track, kf))

	assert.Equal(t, uint64(1), edge.EgressCount())
}

func TestPublisherStallForceRecoversEdgePinnedToSilentLayer(t *testing.T) {
	layers := []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 100_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 500_000},
	}

	reg := registry.New()
	g := graph.New(256, 0, 16)
	sel := selector.NewSelector(config.Default().Selector)
	pool := packetpool.New(1500, 64)
	events := make(chan router.Event, 16)
	rtr := router.New(reg, g, sel, codec.DefaultRegistry(), router.Config{
		EnableSimulcast: true,
		PLITimeout:      time.Second,
		SendDeadline:    time.Second,
		FailureBudget:   16,
		StallTimeout:    20 * time.Millisecond,
	}, events, stats.NewCollector())

	trackID, err := reg.Register(1, registry.Descriptor{Kind: registry.KindVideo, CodecName: "vp8", StreamID: "s"})
	require.NoError(t, err)
	require.NoError(t, reg.AnnounceLayers(trackID, layers))

	edge, err := g.Subscribe(100, trackID, 1)
	require.NoError(t, err)
	sel.UpdateBandwidth(selector.EdgeKey{Track: trackID, Subscriber: 100}, 10_000_000)

	h := &harness{reg: reg, graph: g, sel: sel, pool: pool, rtr: rtr, track: trackID}

	kf1 := h.envelope(t, 0, 1, 0, true, true)
	require.NoError(t, rtr.Forward(trackID, kf1))
	assert.Equal(t, uint8(1), edge.SelectedLayer().SpatialID)

	// A layer-0 keyframe populates the cache (independent of whether any
	// edge is currently gated to layer 0) so the forced downgrade below
	// can replay it immediately instead of waiting on a fresh PLI.
	kf0 := h.envelope(t, 1, 0, 0, true, true)
	require.NoError(t, rtr.Forward(trackID, kf0))

	// No further layer-1 packets arrive; once the stall timeout elapses
	// the edge should be forced back down to the track's lowest layer.
	require.Eventually(t, func() bool {
		return edge.SelectedLayer().SpatialID == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRequestDownshiftEntersDownshiftingWithoutCachedKeyframe(t *testing.T) {
	layers := []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 100_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 500_000},
	}
	h := newHarness(t, layers)

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)
	h.sel.UpdateBandwidth(selector.EdgeKey{Track: h.track, Subscriber: 100}, 10_000_000)

	kf1 := h.envelope(t, 0, 1, 0, true, true)
	require.NoError(t, h.rtr.Forward(h.track, kf1))
	require.Equal(t, uint8(1), edge.SelectedLayer().SpatialID)

	// Nothing has ever populated the cache for layer 0, so forcing the
	// downshift must wait on a keyframe rather than applying it outright.
	h.rtr.RequestDownshift(h.track, 100)

	assert.Equal(t, graph.StateDownshifting, edge.State())
	require.NotNil(t, edge.PendingLayer())
	assert.Equal(t, uint8(0), edge.PendingLayer().SpatialID)
}

func TestRequestDownshiftAppliesImmediatelyWithCachedKeyframe(t *testing.T) {
	layers := []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 100_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 500_000},
	}
	h := newHarness(t, layers)

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)
	h.sel.UpdateBandwidth(selector.EdgeKey{Track: h.track, Subscriber: 100}, 10_000_000)

	kf1 := h.envelope(t, 0, 1, 0, true, true)
	require.NoError(t, h.rtr.Forward(h.track, kf1))
	require.Equal(t, uint8(1), edge.SelectedLayer().SpatialID)

	// A layer-0 keyframe populates the cache without affecting this
	// edge, which stays gated to layer 1 since that's still affordable.
	kf0 := h.envelope(t, 1, 0, 0, true, true)
	require.NoError(t, h.rtr.Forward(h.track, kf0))
	require.Equal(t, uint8(1), edge.SelectedLayer().SpatialID)

	h.rtr.RequestDownshift(h.track, 100)

	assert.Equal(t, graph.StateActive, edge.State())
	assert.Equal(t, uint8(0), edge.SelectedLayer().SpatialID)
}

func TestEgressQueueFullDropsLocallyWithoutBlockingPublisher(t *testing.T) {
	h := newHarness(t, nil)
	h.graph = graph.New(1, 0, 16)
	h.rtr = router.New(h.reg, h.graph, h.sel, codec.DefaultRegistry(), router.Config{
		EnableSimulcast: true,
		PLITimeout:      time.Second,
		SendDeadline:    time.Second,
		FailureBudget:   16,
	}, make(chan router.Event, 4), stats.NewCollector())

	edge, err := h.graph.Subscribe(100, h.track, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env := h.envelope(t, uint16(i), 0, 0, false, false)
		require.NoError(t, h.rtr.Forward(h.track, env))
	}

	assert.Greater(t, edge.EdgeDrops(), uint64(0))
}
