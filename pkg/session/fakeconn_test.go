package session

import (
	"context"
	"net"
	"sync"

	"github.com/flowmesh/sfu/pkg/transport"
)

// fakeConnection is a transport.Connection backed by net.Pipe() pairs, one
// per opened substream, so tests can drive both ends directly. net.Conn
// already satisfies transport.Substream (io.ReadWriteCloser plus
// SetWriteDeadline), so the pipe halves need no wrapping.
type fakeConnection struct {
	id transport.NodeID

	mu      sync.Mutex
	closed  bool
	control net.Conn
	media   map[transport.TrackID]net.Conn
}

func newFakeConnection(id transport.NodeID) *fakeConnection {
	return &fakeConnection{id: id, media: make(map[transport.TrackID]net.Conn)}
}

func (f *fakeConnection) NodeID() transport.NodeID { return f.id }

func (f *fakeConnection) OpenControlStream(ctx context.Context) (transport.Substream, error) {
	local, remote := net.Pipe()
	f.mu.Lock()
	f.control = remote
	f.mu.Unlock()
	return local, nil
}

func (f *fakeConnection) OpenMediaStream(ctx context.Context, track transport.TrackID, layer transport.Layer) (transport.Substream, error) {
	local, remote := net.Pipe()
	f.mu.Lock()
	f.media[track] = remote
	f.mu.Unlock()
	return local, nil
}

// Close closes every remote pipe half this connection handed out,
// unblocking any goroutine reading off the corresponding local half —
// mirroring a real transport.Connection tearing down its substreams when
// the connection itself closes.
func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.control != nil {
		f.control.Close()
	}
	for _, conn := range f.media {
		conn.Close()
	}
	return nil
}

func (f *fakeConnection) controlRemote() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.control
}

func (f *fakeConnection) mediaRemote(track transport.TrackID) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media[track]
}
