// Package stats is the stats collector: wait-free per-track and
// per-edge counters (packets, bytes, drops) plus process-wide PLI and
// layer-switch counts, read out as a point-in-time Snapshot.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/flowmesh/sfu/pkg/registry"
)

// TrackCounters holds one published track's ingress counters, plus the
// publisher's own self-reported cumulative counts from its RTCP sender
// reports, which can diverge from PacketsIn/BytesIn when loss happens
// upstream of this process.
type TrackCounters struct {
	PacketsIn atomic.Uint64
	BytesIn   atomic.Uint64
	DropsIn   atomic.Uint64

	ReportedPacketsSent atomic.Uint64
	ReportedOctetsSent  atomic.Uint64
}

// EdgeCounters holds one forwarding edge's egress counters.
type EdgeCounters struct {
	PacketsOut atomic.Uint64
	DropsOut   atomic.Uint64
}

// EdgeKey identifies one forwarding edge, matching pkg/graph's identity.
type EdgeKey struct {
	Track      registry.TrackID
	Subscriber registry.SessionID
}

// Collector accumulates counters across the lifetime of the process.
// Per-key lookup goes through a sync.Map (mirroring the registry's own
// lastKeyframeAt index), so the hot increment path after the first touch
// of a key never takes a lock, only atomic adds.
type Collector struct {
	tracks sync.Map // map[registry.TrackID]*TrackCounters
	edges  sync.Map // map[EdgeKey]*EdgeCounters

	plis          atomic.Uint64
	layerSwitches atomic.Uint64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) trackCounters(track registry.TrackID) *TrackCounters {
	if v, ok := c.tracks.Load(track); ok {
		return v.(*TrackCounters)
	}
	v, _ := c.tracks.LoadOrStore(track, &TrackCounters{})
	return v.(*TrackCounters)
}

func (c *Collector) edgeCounters(key EdgeKey) *EdgeCounters {
	if v, ok := c.edges.Load(key); ok {
		return v.(*EdgeCounters)
	}
	v, _ := c.edges.LoadOrStore(key, &EdgeCounters{})
	return v.(*EdgeCounters)
}

// RecordIngress records one successfully forwarded ingress packet of n
// bytes for track.
func (c *Collector) RecordIngress(track registry.TrackID, n int) {
	t := c.trackCounters(track)
	t.PacketsIn.Add(1)
	t.BytesIn.Add(uint64(n))
}

// RecordIngressDrop records one ingress packet dropped before forwarding
// (e.g. packet pool exhaustion) for track.
func (c *Collector) RecordIngressDrop(track registry.TrackID) {
	c.trackCounters(track).DropsIn.Add(1)
}

// RecordEgress records one successfully sent egress packet on the edge
// (track, subscriber).
func (c *Collector) RecordEgress(track registry.TrackID, subscriber registry.SessionID) {
	c.edgeCounters(EdgeKey{track, subscriber}).PacketsOut.Add(1)
}

// RecordEgressDrop records one egress send that failed or was dropped
// locally on the edge (track, subscriber).
func (c *Collector) RecordEgressDrop(track registry.TrackID, subscriber registry.SessionID) {
	c.edgeCounters(EdgeKey{track, subscriber}).DropsOut.Add(1)
}

// RecordSenderReport folds a publisher's self-reported cumulative packet
// and octet counts for track into the track's counters.
func (c *Collector) RecordSenderReport(track registry.TrackID, packetCount, octetCount uint32) {
	t := c.trackCounters(track)
	t.ReportedPacketsSent.Store(uint64(packetCount))
	t.ReportedOctetsSent.Store(uint64(octetCount))
}

// RecordPLI increments the process-wide PLI counter.
func (c *Collector) RecordPLI() { c.plis.Add(1) }

// RecordLayerSwitch increments the process-wide layer switch counter.
func (c *Collector) RecordLayerSwitch() { c.layerSwitches.Add(1) }

// TrackSnapshot is a point-in-time read of one track's counters.
type TrackSnapshot struct {
	PacketsIn           uint64
	BytesIn             uint64
	DropsIn             uint64
	ReportedPacketsSent uint64
	ReportedOctetsSent  uint64
}

// EdgeSnapshot is a point-in-time read of one edge's counters.
type EdgeSnapshot struct {
	PacketsOut uint64
	DropsOut   uint64
}

// Snapshot is a point-in-time read of every counter the collector holds.
type Snapshot struct {
	Tracks        map[registry.TrackID]TrackSnapshot
	Edges         map[EdgeKey]EdgeSnapshot
	PLIs          uint64
	LayerSwitches uint64
}

// Snapshot reads every counter without blocking writers; a writer
// landing between two reads here may appear in only one of them, which
// is fine for a stats endpoint that refreshes periodically.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Tracks: make(map[registry.TrackID]TrackSnapshot),
		Edges:  make(map[EdgeKey]EdgeSnapshot),
	}

	c.tracks.Range(func(k, v any) bool {
		t := v.(*TrackCounters)
		snap.Tracks[k.(registry.TrackID)] = TrackSnapshot{
			PacketsIn:           t.PacketsIn.Load(),
			BytesIn:             t.BytesIn.Load(),
			DropsIn:             t.DropsIn.Load(),
			ReportedPacketsSent: t.ReportedPacketsSent.Load(),
			ReportedOctetsSent:  t.ReportedOctetsSent.Load(),
		}
		return true
	})

	c.edges.Range(func(k, v any) bool {
		e := v.(*EdgeCounters)
		snap.Edges[k.(EdgeKey)] = EdgeSnapshot{
			PacketsOut: e.PacketsOut.Load(),
			DropsOut:   e.DropsOut.Load(),
		}
		return true
	})

	snap.PLIs = c.plis.Load()
	snap.LayerSwitches = c.layerSwitches.Load()

	return snap
}
