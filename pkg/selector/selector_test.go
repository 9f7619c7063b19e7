package selector_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowmesh/sfu/pkg/config"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/selector"
)

func testConfig() config.SelectorConfig {
	return config.Default().Selector
}

// fakeClock lets tests advance time in controlled steps without
// sleeping, matching the deterministic-scenario requirement.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func threeLayers() []registry.LayerDescriptor {
	return []registry.LayerDescriptor{
		{SpatialID: 0, TemporalID: 0, TargetBitrate: 150_000},
		{SpatialID: 1, TemporalID: 0, TargetBitrate: 500_000},
		{SpatialID: 2, TemporalID: 0, TargetBitrate: 1_500_000},
	}
}

func TestDecideNonSimulcastTrackAlwaysSelectsZeroLayer(t *testing.T) {
	s := selector.NewSelector(testConfig())
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	d := s.Decide(key, nil)
	assert.True(t, d.Changed)
	assert.Equal(t, registry.Layer{}, d.Layer)

	d = s.Decide(key, nil)
	assert.False(t, d.Changed)
}

func TestDecideStartsAtHighestAffordableLayer(t *testing.T) {
	clock := newFakeClock()
	s := selector.NewSelector(testConfig()).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 2_000_000)
	d := s.Decide(key, threeLayers())

	assert.True(t, d.Changed)
	assert.Equal(t, uint8(2), d.Layer.SpatialID)
}

func TestUpshiftRequiresHoldTimeAfterSustainedHeadroom(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	// Starts at layer 0 with just enough bandwidth for it, nothing more.
	s.UpdateBandwidth(key, 150_000*cfg.SafetyMargin)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(0), d.Layer.SpatialID)

	// Bandwidth jumps enough to afford layer 2 outright, with upshift
	// headroom to spare. Decide only ever ratchets one layer per hold
	// period (nextHigher looks at the layer immediately above the
	// current one), so this doesn't let the edge skip straight to
	// layer 2 — it still has to clear layer 1 first.
	s.UpdateBandwidth(key, 1_500_000*cfg.UpshiftFactor)

	// First switch: immediately after the jump, still within the hold
	// window since last change -> must not upshift yet.
	d = s.Decide(key, threeLayers())
	assert.False(t, d.Changed)
	assert.Equal(t, uint8(0), d.Layer.SpatialID)

	clock.Advance(cfg.UpshiftHold + time.Millisecond)
	d = s.Decide(key, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, uint8(1), d.Layer.SpatialID)
	assert.Equal(t, selector.ReasonBandwidth, d.Reason)

	// Second switch to layer 2 requires another full hold period from
	// this new change.
	d = s.Decide(key, threeLayers())
	assert.False(t, d.Changed)

	clock.Advance(cfg.UpshiftHold + time.Millisecond)
	d = s.Decide(key, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, uint8(2), d.Layer.SpatialID)
}

func TestDownshiftOnLossSpikeFiresImmediately(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 1_500_000*cfg.SafetyMargin*cfg.UpshiftFactor)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(2), d.Layer.SpatialID)

	clock.Advance(time.Millisecond)
	s.UpdateLoss(key, 0.08)
	d = s.Decide(key, threeLayers())

	assert.True(t, d.Changed)
	assert.Less(t, d.Layer.SpatialID, uint8(2))
	assert.Equal(t, selector.ReasonBandwidth, d.Reason)
}

func TestNonUrgentDownshiftWaitsForHoldPeriod(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 1_500_000*cfg.SafetyMargin*cfg.UpshiftFactor)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(2), d.Layer.SpatialID)

	clock.Advance(cfg.UpshiftHold + time.Millisecond)

	// Bandwidth drops below layer 2's safety-margined target but above
	// its bare target, and loss stays under the ceiling: not urgent.
	s.UpdateBandwidth(key, 1_500_000*1.0)
	d = s.Decide(key, threeLayers())
	assert.False(t, d.Changed)

	clock.Advance(cfg.DownshiftHold - time.Millisecond)
	d = s.Decide(key, threeLayers())
	assert.False(t, d.Changed)

	clock.Advance(2 * time.Millisecond)
	d = s.Decide(key, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, selector.ReasonQualityAdaptation, d.Reason)
}

func TestApplyLayerSwitchRequestDownshiftBypassesHold(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 1_500_000*cfg.SafetyMargin*cfg.UpshiftFactor)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(2), d.Layer.SpatialID)

	d = s.ApplyLayerSwitchRequest(key, registry.Layer{SpatialID: 0, TemporalID: 0}, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, uint8(0), d.Layer.SpatialID)
	assert.Equal(t, selector.ReasonUserRequest, d.Reason)
}

func TestApplyLayerSwitchRequestUpshiftStillRespectsHold(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 150_000*cfg.SafetyMargin)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(0), d.Layer.SpatialID)

	// Same-instant sample replaces the estimate outright, so bandwidth
	// affords layer 2 and only the hold timer blocks the request.
	s.UpdateBandwidth(key, 1_500_000*cfg.UpshiftFactor)

	d = s.ApplyLayerSwitchRequest(key, registry.Layer{SpatialID: 2, TemporalID: 0}, threeLayers())
	assert.False(t, d.Changed)

	clock.Advance(cfg.UpshiftHold + time.Millisecond)
	d = s.ApplyLayerSwitchRequest(key, registry.Layer{SpatialID: 2, TemporalID: 0}, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, uint8(2), d.Layer.SpatialID)
}

func TestForceRecoveryDropsToLowestLayerImmediately(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 1_500_000*cfg.SafetyMargin*cfg.UpshiftFactor)
	_ = s.Decide(key, threeLayers())

	d := s.ForceRecovery(key, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, uint8(0), d.Layer.SpatialID)
	assert.Equal(t, selector.ReasonErrorRecovery, d.Reason)
}

func TestRequestDownshiftMovesOneLayerDownImmediately(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 1_500_000*cfg.SafetyMargin*cfg.UpshiftFactor)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(2), d.Layer.SpatialID)

	// Bypasses the downshift hold timer entirely: no clock advance.
	d = s.RequestDownshift(key, threeLayers())
	assert.True(t, d.Changed)
	assert.Equal(t, uint8(1), d.Layer.SpatialID)
	assert.Equal(t, selector.ReasonPLI, d.Reason)
}

func TestRequestDownshiftAtLowestLayerIsNoOp(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	s := selector.NewSelector(cfg).WithClock(clock.Now)
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 150_000*cfg.SafetyMargin)
	d := s.Decide(key, threeLayers())
	assert.Equal(t, uint8(0), d.Layer.SpatialID)

	d = s.RequestDownshift(key, threeLayers())
	assert.False(t, d.Changed)
	assert.Equal(t, uint8(0), d.Layer.SpatialID)
}

func TestForgetClearsEdgeState(t *testing.T) {
	s := selector.NewSelector(testConfig())
	key := selector.EdgeKey{Track: 1, Subscriber: 1}

	s.UpdateBandwidth(key, 2_000_000)
	_ = s.Decide(key, threeLayers())

	s.Forget(key)

	// A fresh Decide after Forget must start over, changed=true again.
	d := s.Decide(key, threeLayers())
	assert.True(t, d.Changed)
}
