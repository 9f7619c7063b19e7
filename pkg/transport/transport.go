// Package transport defines the narrow seam between the SFU core and
// whatever QUIC-like substrate actually moves bytes on the wire. Nothing
// outside this package knows or cares that the substrate is QUIC; the
// core only ever holds a Connection and its Substreams.
//
// No concrete implementation lives here: the transport itself, its
// congestion control and its encryption are out of scope for the core
// (the wire-level QUIC stack is a separate concern from the media
// routing logic this module implements). Production deployments supply
// their own Connection/Substream implementation over a real QUIC
// library at the edge of the process.
package transport

import (
	"context"
	"io"
	"time"
)

// NodeID stably identifies one connection's peer for the lifetime of
// that connection.
type NodeID uint64

// TrackID identifies a published track; duplicated here rather than
// imported from pkg/registry so that pkg/transport has no dependency on
// the core's data model, keeping the seam genuinely one-directional.
type TrackID uint64

// Layer is the (spatial, temporal) coordinate a media substream carries.
type Layer struct {
	SpatialID  uint8
	TemporalID uint8
}

// Connection is one peer's transport-level session with the SFU: a
// stable identity plus the ability to open ordered substreams on
// demand, one per control/feedback flow and one per published track
// layer.
type Connection interface {
	NodeID() NodeID

	// OpenControlStream opens the single reliable, in-order substream
	// used for feedback and layer-switch notifications.
	OpenControlStream(ctx context.Context) (Substream, error)

	// OpenMediaStream opens one substream per (track, layer) pair for
	// forwarded RTP; ordering is guaranteed within the substream only.
	OpenMediaStream(ctx context.Context, track TrackID, layer Layer) (Substream, error)

	Close() error
}

// Substream is one ordered, reliable byte stream within a Connection.
type Substream interface {
	io.ReadWriteCloser
	SetWriteDeadline(time.Time) error
}
