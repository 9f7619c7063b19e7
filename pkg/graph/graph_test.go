package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowmesh/sfu/pkg/graph"
	"github.com/flowmesh/sfu/pkg/registry"
	"github.com/flowmesh/sfu/pkg/sfuerr"
)

func TestSubscribeThenUnsubscribeIsBitIdentical(t *testing.T) {
	g := graph.New(256, 0, 16)

	before := g.EdgesFor(1)
	assert.Empty(t, before)

	_, err := g.Subscribe(100, 1, 4242)
	assert.NoError(t, err)
	assert.Len(t, g.EdgesFor(1), 1)

	g.Unsubscribe(100, 1)
	assert.Empty(t, g.EdgesFor(1))
}

func TestDuplicateSubscribeIsRejected(t *testing.T) {
	g := graph.New(256, 0, 16)

	_, err := g.Subscribe(100, 1, 1)
	assert.NoError(t, err)

	_, err = g.Subscribe(100, 1, 1)
	assert.ErrorIs(t, err, sfuerr.ErrAlreadySubscribed)
}

func TestQuotaExceeded(t *testing.T) {
	g := graph.New(256, 1, 16)

	_, err := g.Subscribe(100, 1, 1)
	assert.NoError(t, err)

	_, err = g.Subscribe(200, 1, 2)
	assert.ErrorIs(t, err, sfuerr.ErrQuotaExceeded)
}

func TestEdgesForPreservesInsertionOrder(t *testing.T) {
	g := graph.New(256, 0, 16)

	for _, sub := range []registry.SessionID{3, 1, 2} {
		_, err := g.Subscribe(sub, 9, uint32(sub))
		assert.NoError(t, err)
	}

	edges := g.EdgesFor(9)
	assert.Len(t, edges, 3)
	assert.Equal(t, registry.SessionID(3), edges[0].Subscriber)
	assert.Equal(t, registry.SessionID(1), edges[1].Subscriber)
	assert.Equal(t, registry.SessionID(2), edges[2].Subscriber)
}

func TestRemoveTrackTearsDownAllItsEdges(t *testing.T) {
	g := graph.New(256, 0, 16)
	_, _ = g.Subscribe(1, 5, 1)
	_, _ = g.Subscribe(2, 5, 2)

	g.RemoveTrack(5)

	assert.Empty(t, g.EdgesFor(5))
}

func TestRemoveSubscriberOnlyTouchesItsOwnEdges(t *testing.T) {
	g := graph.New(256, 0, 16)
	_, _ = g.Subscribe(1, 5, 1)
	_, _ = g.Subscribe(1, 6, 2)
	_, _ = g.Subscribe(2, 5, 3)

	g.RemoveSubscriber(1)

	assert.Empty(t, g.EdgesFor(6))
	assert.Len(t, g.EdgesFor(5), 1)
	assert.Equal(t, registry.SessionID(2), g.EdgesFor(5)[0].Subscriber)
}

func TestSubscribeFiresCreatedEvent(t *testing.T) {
	g := graph.New(256, 0, 4)
	_, err := g.Subscribe(1, 5, 1)
	assert.NoError(t, err)

	select {
	case ev := <-g.Created():
		assert.Equal(t, registry.TrackID(5), ev.Track)
		assert.Equal(t, registry.SessionID(1), ev.Subscriber)
	default:
		t.Fatal("expected a subscription_created event")
	}
}

func TestEdgeFailureBudgetTriggersTeardown(t *testing.T) {
	g := graph.New(256, 0, 4)
	edge, _ := g.Subscribe(1, 5, 1)

	for i := 0; i < 15; i++ {
		assert.False(t, edge.RecordFailure(16))
	}
	assert.True(t, edge.RecordFailure(16))
	assert.True(t, edge.Degraded())

	edge.RecordSuccess()
	assert.False(t, edge.Degraded())
}
