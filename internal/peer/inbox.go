package peer

import (
	"context"
	"sync"

	"github.com/philsphicas/relaynet/internal/protocol"
)

// Envelope is an inbound packet that did not complete a pending request,
// tagged with the connection it arrived on.
type Envelope struct {
	Conn   *Conn
	Packet protocol.Packet
}

// Inbox is an unbounded multi-producer queue of uncorrelated packets.
// Push never blocks, so a slow consumer cannot stall a connection's reader.
type Inbox struct {
	mu     sync.Mutex
	items  []Envelope
	notify chan struct{}
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{notify: make(chan struct{}, 1)}
}

// Push appends e to the queue.
func (in *Inbox) Push(e Envelope) {
	in.mu.Lock()
	in.items = append(in.items, e)
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// TryRecv pops the oldest envelope without blocking.
func (in *Inbox) TryRecv() (Envelope, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) == 0 {
		return Envelope{}, false
	}
	e := in.items[0]
	in.items[0] = Envelope{}
	in.items = in.items[1:]
	return e, true
}

// Recv pops the oldest envelope, waiting until one is available or ctx is
// done.
func (in *Inbox) Recv(ctx context.Context) (Envelope, error) {
	for {
		if e, ok := in.TryRecv(); ok {
			return e, nil
		}
		select {
		case <-in.notify:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Len reports the number of queued envelopes.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}
