// Package selector is the layer selector: given an edge's smoothed
// bandwidth and loss estimates and a track's announced simulcast
// layers, it decides which layer that edge should be forwarding, and
// applies hysteresis so the decision doesn't flap. It knows nothing
// about RTP, rewriting or the subscription graph — it is a pure,
// data-driven component the router consults and then acts on.
package selector

import (
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/sfu/pkg/config"
	"github.com/flowmesh/sfu/pkg/registry"
)

// EdgeKey names one forwarding edge, mirroring graph.Edge's identity
// without importing pkg/graph (selector and graph are siblings, both
// depended on only by the router, to keep the dependency graph a DAG).
type EdgeKey struct {
	Track      registry.TrackID
	Subscriber registry.SessionID
}

// SwitchReason explains why Decide chose the layer it did.
type SwitchReason int

const (
	ReasonNone SwitchReason = iota
	ReasonBandwidth
	ReasonUserRequest
	ReasonQualityAdaptation
	ReasonErrorRecovery
	ReasonPLI
)

func (r SwitchReason) String() string {
	switch r {
	case ReasonBandwidth:
		return "bandwidth"
	case ReasonUserRequest:
		return "user_request"
	case ReasonQualityAdaptation:
		return "quality_adaptation"
	case ReasonErrorRecovery:
		return "error_recovery"
	case ReasonPLI:
		return "pli"
	default:
		return "none"
	}
}

// Decision is the selector's output for one evaluation of an edge.
type Decision struct {
	Layer   registry.Layer
	Reason  SwitchReason
	Changed bool
}

// edgeState is the selector's private bookkeeping for one edge: its
// estimators plus the hysteresis clock.
type edgeState struct {
	estimator    *Estimator
	currentLayer registry.Layer
	hasCurrent   bool
	lastChangeAt time.Time

	// pendingSince and pendingUnaffordable track how long the current
	// layer has been non-urgently unaffordable, for the downshift hold
	// timer.
	pendingSince        time.Time
	pendingUnaffordable bool
}

// Selector holds per-edge bandwidth/loss state and the hysteresis
// decision rule. Safe for concurrent use.
type Selector struct {
	mutex sync.Mutex
	edges map[EdgeKey]*edgeState
	cfg   config.SelectorConfig

	// nowFn is the injectable clock, defaulting to time.Now. Tests
	// substitute a fake clock to exercise the hold-timer thresholds
	// deterministically.
	nowFn func() time.Time
}

// NewSelector creates a Selector governed by cfg.
func NewSelector(cfg config.SelectorConfig) *Selector {
	return &Selector{
		edges: make(map[EdgeKey]*edgeState),
		cfg:   cfg,
		nowFn: time.Now,
	}
}

// WithClock overrides the selector's clock, for deterministic tests.
func (s *Selector) WithClock(nowFn func() time.Time) *Selector {
	s.nowFn = nowFn
	return s
}

func (s *Selector) stateFor(key EdgeKey) *edgeState {
	st, ok := s.edges[key]
	if !ok {
		st = &edgeState{estimator: NewEstimator(s.cfg.EWMAHalfLife)}
		s.edges[key] = st
	}
	return st
}

// UpdateBandwidth folds a fresh bandwidth sample (bits/sec) into key's
// estimator.
func (s *Selector) UpdateBandwidth(key EdgeKey, sampleBps float64) {
	s.mutex.Lock()
	st := s.stateFor(key)
	s.mutex.Unlock()

	st.estimator.UpdateBandwidth(sampleBps, s.nowFn())
}

// UpdateLoss folds a fresh loss-rate sample (0..1) into key's estimator.
func (s *Selector) UpdateLoss(key EdgeKey, sample float64) {
	s.mutex.Lock()
	st := s.stateFor(key)
	s.mutex.Unlock()

	st.estimator.UpdateLoss(sample, s.nowFn())
}

// ReplaceBandwidth overwrites key's bandwidth estimate outright, for an
// authoritative BandwidthEstimate feedback message.
func (s *Selector) ReplaceBandwidth(key EdgeKey, sampleBps float64) {
	s.mutex.Lock()
	st := s.stateFor(key)
	s.mutex.Unlock()

	st.estimator.Replace(sampleBps, s.nowFn())
}

// Bandwidth returns key's current smoothed bandwidth estimate, B̂.
func (s *Selector) Bandwidth(key EdgeKey) float64 {
	s.mutex.Lock()
	st := s.stateFor(key)
	s.mutex.Unlock()
	return st.estimator.Bandwidth()
}

// Loss returns key's current smoothed loss rate, L̂.
func (s *Selector) Loss(key EdgeKey) float64 {
	s.mutex.Lock()
	st := s.stateFor(key)
	s.mutex.Unlock()
	return st.estimator.Loss()
}

// Forget discards key's state, e.g. on edge teardown.
func (s *Selector) Forget(key EdgeKey) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.edges, key)
}

// Decide evaluates key's current estimates against layers and returns
// the layer it should now forward. layers must be sorted by nothing in
// particular; Decide sorts its own working copy by descending target
// bitrate. An empty or single-element layers list (non-simulcast) always
// decides that one layer with ReasonNone and Changed only on the very
// first call.
func (s *Selector) Decide(key EdgeKey, layers []registry.LayerDescriptor) Decision {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := s.stateFor(key)
	now := s.nowFn()

	if len(layers) == 0 {
		layer := registry.Layer{}
		changed := !st.hasCurrent || st.currentLayer != layer
		st.currentLayer = layer
		st.hasCurrent = true
		if changed {
			st.lastChangeAt = now
		}
		return Decision{Layer: layer, Reason: ReasonNone, Changed: changed}
	}

	candidates := make([]registry.LayerDescriptor, len(layers))
	copy(candidates, layers)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].TargetBitrate > candidates[j].TargetBitrate
	})

	bandwidth := st.estimator.Bandwidth()
	loss := st.estimator.Loss()

	affordable := highestAffordable(candidates, bandwidth, s.cfg.SafetyMargin)

	if !st.hasCurrent {
		st.currentLayer = layerOf(affordable)
		st.hasCurrent = true
		st.lastChangeAt = now
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: true}
	}

	currentDescriptor, currentKnown := findLayer(candidates, st.currentLayer)

	// Urgent downshift: current layer no longer meets bare bandwidth at
	// all. Fires immediately, no hold, dropping as far as bandwidth
	// demands.
	if currentKnown && bandwidth < float64(currentDescriptor.TargetBitrate) {
		lower := highestAffordable(candidates, bandwidth, 1.0)
		if layerOf(lower) != st.currentLayer {
			return s.commitChange(st, now, layerOf(lower), ReasonBandwidth)
		}
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}

	// Urgent downshift: loss has exceeded the ceiling. Fires
	// immediately, one layer down, regardless of whether bandwidth
	// would otherwise afford the current layer.
	if currentKnown && loss > s.cfg.MaxLoss {
		if lower, ok := nextLower(candidates, st.currentLayer); ok {
			return s.commitChange(st, now, layerOf(lower), ReasonBandwidth)
		}
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}

	// Candidate upshift: a strictly higher layer is affordable with the
	// extra upshift headroom, and the hold timer since the last change
	// has elapsed.
	if higher, ok := nextHigher(candidates, st.currentLayer); ok {
		required := float64(higher.TargetBitrate) * s.cfg.UpshiftFactor
		if bandwidth >= required {
			st.pendingSince = time.Time{}
			st.pendingUnaffordable = false
			if now.Sub(st.lastChangeAt) >= s.cfg.UpshiftHold {
				return s.commitChange(st, now, layerOf(higher), ReasonBandwidth)
			}
			return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
		}
	}

	// Non-urgent downshift: current layer's affordability has lapsed but
	// isn't urgent; require it to stay unaffordable for DownshiftHold
	// before acting.
	if currentKnown && bandwidth < float64(currentDescriptor.TargetBitrate)*s.cfg.SafetyMargin {
		if st.pendingSince.IsZero() {
			st.pendingSince = now
			st.pendingUnaffordable = true
		}
		if st.pendingUnaffordable && now.Sub(st.pendingSince) >= s.cfg.DownshiftHold {
			target := layerOf(affordable)
			if target != st.currentLayer {
				return s.commitChange(st, now, target, ReasonQualityAdaptation)
			}
		}
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}

	st.pendingSince = time.Time{}
	st.pendingUnaffordable = false

	return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
}

// ApplyLayerSwitchRequest honours an explicit subscriber request,
// bypassing hysteresis for a downshift (which is always safe to act on
// immediately) but applying the same bandwidth check (target bitrate
// times UpshiftFactor) and upshift hold timer to a requested increase
// as to a bandwidth-driven upshift, since an explicit request doesn't
// override the bandwidth safety rule.
func (s *Selector) ApplyLayerSwitchRequest(key EdgeKey, requested registry.Layer, layers []registry.LayerDescriptor) Decision {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := s.stateFor(key)
	now := s.nowFn()

	requestedDescriptor, ok := findLayer(layers, requested)
	if !ok {
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}

	if !st.hasCurrent || isLower(layers, requested, st.currentLayer) {
		return s.commitChange(st, now, requested, ReasonUserRequest)
	}

	// Requesting an increase: only honour it if the bandwidth estimate
	// affords it with the upshift headroom and the hold timer has
	// already elapsed, same as a bandwidth-driven upshift.
	if st.estimator.Bandwidth() < float64(requestedDescriptor.TargetBitrate)*s.cfg.UpshiftFactor {
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}
	if now.Sub(st.lastChangeAt) >= s.cfg.UpshiftHold {
		return s.commitChange(st, now, requested, ReasonUserRequest)
	}

	return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
}

// ForceRecovery immediately drops key to the lowest available layer,
// for error-recovery scenarios (e.g. repeated forwarding failures)
// where the router needs the cheapest possible stream regardless of
// hysteresis.
func (s *Selector) ForceRecovery(key EdgeKey, layers []registry.LayerDescriptor) Decision {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := s.stateFor(key)
	now := s.nowFn()

	if len(layers) == 0 {
		return Decision{Layer: registry.Layer{}, Reason: ReasonNone, Changed: false}
	}

	lowest := layers[0]
	for _, l := range layers {
		if l.TargetBitrate < lowest.TargetBitrate {
			lowest = l
		}
	}

	return s.commitChange(st, now, layerOf(lowest), ReasonErrorRecovery)
}

// RequestDownshift immediately moves key one layer below its current
// one, bypassing the downshift hold timer, for a receiver-signalled
// frame loss (PictureLossIndication) rather than a bandwidth or loss
// estimate. No-op if key is already at its lowest layer or unknown.
func (s *Selector) RequestDownshift(key EdgeKey, layers []registry.LayerDescriptor) Decision {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := s.stateFor(key)
	now := s.nowFn()

	if !st.hasCurrent || len(layers) == 0 {
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}

	candidates := make([]registry.LayerDescriptor, len(layers))
	copy(candidates, layers)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].TargetBitrate > candidates[j].TargetBitrate
	})

	lower, ok := nextLower(candidates, st.currentLayer)
	if !ok {
		return Decision{Layer: st.currentLayer, Reason: ReasonNone, Changed: false}
	}

	return s.commitChange(st, now, layerOf(lower), ReasonPLI)
}

func (s *Selector) commitChange(st *edgeState, now time.Time, layer registry.Layer, reason SwitchReason) Decision {
	changed := !st.hasCurrent || st.currentLayer != layer
	st.currentLayer = layer
	st.hasCurrent = true
	if changed {
		st.lastChangeAt = now
	}
	st.pendingSince = time.Time{}
	st.pendingUnaffordable = false
	return Decision{Layer: layer, Reason: reason, Changed: changed}
}

// highestAffordable returns the highest-bitrate candidate whose target,
// scaled by margin, does not exceed bandwidth. candidates must already
// be sorted by descending TargetBitrate. Falls back to the lowest
// candidate if none are affordable at all.
func highestAffordable(candidates []registry.LayerDescriptor, bandwidth, margin float64) registry.LayerDescriptor {
	for _, c := range candidates {
		if bandwidth >= float64(c.TargetBitrate)*margin {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// nextHigher returns the candidate immediately above current by target
// bitrate, if any. candidates must be sorted by descending bitrate.
func nextHigher(candidates []registry.LayerDescriptor, current registry.Layer) (registry.LayerDescriptor, bool) {
	currentDescriptor, ok := findLayer(candidates, current)
	if !ok {
		return registry.LayerDescriptor{}, false
	}

	var best *registry.LayerDescriptor
	for i := range candidates {
		c := candidates[i]
		if c.TargetBitrate > currentDescriptor.TargetBitrate {
			if best == nil || c.TargetBitrate < best.TargetBitrate {
				best = &candidates[i]
			}
		}
	}
	if best == nil {
		return registry.LayerDescriptor{}, false
	}
	return *best, true
}

// nextLower returns the candidate immediately below current by target
// bitrate, if any.
func nextLower(candidates []registry.LayerDescriptor, current registry.Layer) (registry.LayerDescriptor, bool) {
	currentDescriptor, ok := findLayer(candidates, current)
	if !ok {
		return registry.LayerDescriptor{}, false
	}

	var best *registry.LayerDescriptor
	for i := range candidates {
		c := candidates[i]
		if c.TargetBitrate < currentDescriptor.TargetBitrate {
			if best == nil || c.TargetBitrate > best.TargetBitrate {
				best = &candidates[i]
			}
		}
	}
	if best == nil {
		return registry.LayerDescriptor{}, false
	}
	return *best, true
}

func findLayer(candidates []registry.LayerDescriptor, layer registry.Layer) (registry.LayerDescriptor, bool) {
	for _, c := range candidates {
		if c.SpatialID == layer.SpatialID && c.TemporalID == layer.TemporalID {
			return c, true
		}
	}
	return registry.LayerDescriptor{}, false
}

func isLower(candidates []registry.LayerDescriptor, a, b registry.Layer) bool {
	da, aok := findLayer(candidates, a)
	db, bok := findLayer(candidates, b)
	if !aok || !bok {
		return false
	}
	return da.TargetBitrate < db.TargetBitrate
}

func layerOf(d registry.LayerDescriptor) registry.Layer {
	return registry.Layer{SpatialID: d.SpatialID, TemporalID: d.TemporalID}
}
