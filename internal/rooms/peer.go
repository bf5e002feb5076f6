package rooms

import "sync"

const peerOutboxSize = 64

// Peer is one connection attached to a room. Frames queued for the
// connection are drained by the transport's writer goroutine via Outbox; a
// peer that cannot keep up is closed rather than silently losing updates.
type Peer struct {
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer() *Peer {
	return &Peer{
		outbox: make(chan []byte, peerOutboxSize),
		done:   make(chan struct{}),
	}
}

// Outbox returns the stream of frames to write to the connection.
func (p *Peer) Outbox() <-chan []byte {
	return p.outbox
}

// Done is closed when the peer has been disconnected by the room.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// enqueue reports false when the peer's outbox is full.
func (p *Peer) enqueue(frame []byte) bool {
	select {
	case p.outbox <- frame:
		return true
	default:
		return false
	}
}
