// Package pool owns a registry of relay connections and keeps it healthy:
// a periodic maintenance cycle redials dropped relays and evicts ones that
// keep failing while others are reachable.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/relaynet/internal/metrics"
	"github.com/philsphicas/relaynet/internal/peer"
	"github.com/philsphicas/relaynet/internal/protocol"
)

const (
	defaultInterval   = 1 * time.Second
	defaultEvictAfter = 1
)

// Config holds relay pool configuration.
type Config struct {
	// Interval between maintenance cycles. Defaults to 1s.
	Interval time.Duration
	// EvictAfter is the failed-attempt count a disconnected relay must
	// exceed before it is evicted. Defaults to 1.
	EvictAfter uint32
	// Peer is the template for every registered connection. ID and Addr
	// are set per relay; a nil Inbox is replaced by the pool's shared one.
	Peer    peer.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
	Clock   clock.Clock      // defaults to the wall clock
}

// Pool is a registry of relay connections keyed by identifier.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]*peer.Conn
}

// New returns an empty pool.
func New(cfg Config) *Pool {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = defaultEvictAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Peer.Inbox == nil {
		cfg.Peer.Inbox = peer.NewInbox()
	}
	if cfg.Peer.Logger == nil {
		cfg.Peer.Logger = cfg.Logger
	}
	if cfg.Peer.Metrics == nil {
		cfg.Peer.Metrics = cfg.Metrics
	}
	if cfg.Peer.Clock == nil {
		cfg.Peer.Clock = cfg.Clock
	}
	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		peers:  make(map[string]*peer.Conn),
	}
}

// Inbox returns the inbox shared by every connection in the pool.
func (p *Pool) Inbox() *peer.Inbox { return p.cfg.Peer.Inbox }

// Add registers a relay under id and starts dialing it. Adding an id that is
// already registered returns the existing connection without dialing; if the
// address differs the error wraps peer.ErrAlreadyLinked.
func (p *Pool) Add(ctx context.Context, id, addr string) (*peer.Conn, error) {
	p.mu.Lock()
	if c, ok := p.peers[id]; ok {
		p.mu.Unlock()
		if c.Addr() != addr {
			return c, fmt.Errorf("%w: %s is registered to %s, not %s", peer.ErrAlreadyLinked, id, c.Addr(), addr)
		}
		return c, nil
	}
	cfg := p.cfg.Peer
	cfg.ID = id
	cfg.Addr = addr
	c := peer.New(cfg)
	p.peers[id] = c
	n := len(p.peers)
	p.mu.Unlock()

	p.logger.Info("relay added", "peer", id, "addr", addr, "relays", n)
	if err := c.Connect(ctx); err != nil {
		return c, fmt.Errorf("connect %s: %w", id, err)
	}
	return c, nil
}

// Get returns the connection registered under id.
func (p *Pool) Get(id string) (*peer.Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.peers[id]
	return c, ok
}

// IDs returns the registered identifiers in sorted order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered relays.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// Connected returns the number of relays with an established session.
func (p *Pool) Connected() int {
	n := 0
	for _, c := range p.snapshot() {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

// Healthy returns nil while at least one relay is connected.
func (p *Pool) Healthy(context.Context) error {
	if p.Connected() == 0 {
		return fmt.Errorf("%w: no relay connected, %d registered", peer.ErrNotOnline, p.Len())
	}
	return nil
}

// snapshot copies the registry out so no lock is held across I/O.
func (p *Pool) snapshot() []*peer.Conn {
	p.mu.RLock()
	conns := make([]*peer.Conn, 0, len(p.peers))
	for _, c := range p.peers {
		conns = append(conns, c)
	}
	p.mu.RUnlock()
	slices.SortFunc(conns, func(a, b *peer.Conn) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return conns
}

// Broadcast sends pkt to every registered relay, in identifier order, and
// stops at the first relay that fails.
func (p *Pool) Broadcast(ctx context.Context, pkt protocol.Packet) error {
	p.cfg.Metrics.IncBroadcasts(metrics.RolePeer)
	for _, c := range p.snapshot() {
		if err := c.Send(ctx, pkt); err != nil {
			return fmt.Errorf("broadcast to %s: %w", c.ID(), err)
		}
	}
	return nil
}

// Send sends pkt to the relay registered under id.
func (p *Pool) Send(ctx context.Context, id string, pkt protocol.Packet) error {
	c, err := p.online(id)
	if err != nil {
		return err
	}
	return c.Send(ctx, pkt)
}

// Request performs a correlated chat request on the relay registered under id.
func (p *Pool) Request(ctx context.Context, id string, msg protocol.ChatMessage) (protocol.ChatMessage, error) {
	c, err := p.online(id)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	return c.Request(ctx, msg)
}

func (p *Pool) online(id string) (*peer.Conn, error) {
	c, ok := p.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", peer.ErrNoSuchConnection, id)
	}
	if !c.IsConnected() {
		return nil, fmt.Errorf("%w: %s is %s", peer.ErrNotOnline, id, c.Status())
	}
	return c, nil
}

// Maintain runs one maintenance cycle. If any relay is connected, a
// disconnected relay that has failed more than EvictAfter times is evicted;
// otherwise disconnected relays are redialed. Sleeping relays are left
// alone. A redial error aborts the cycle and is returned.
func (p *Pool) Maintain(ctx context.Context) error {
	conns := p.snapshot()

	connected := 0
	for _, c := range conns {
		if c.IsConnected() {
			connected++
		}
	}
	online := connected > 0

	var evict []*peer.Conn
	for _, c := range conns {
		if !c.IsDisconnected() {
			continue
		}
		if online && c.ConnectionAttempts() > p.cfg.EvictAfter {
			evict = append(evict, c)
			continue
		}
		p.logger.Debug("redialing relay", "peer", c.ID(), "attempts", c.ConnectionAttempts())
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("reconnect %s: %w", c.ID(), err)
		}
	}

	if len(evict) > 0 {
		p.mu.Lock()
		for _, c := range evict {
			// Skip entries replaced since the snapshot.
			if p.peers[c.ID()] != c {
				continue
			}
			delete(p.peers, c.ID())
			p.cfg.Metrics.IncPoolEvictions()
			p.logger.Info("relay evicted", "peer", c.ID(), "addr", c.Addr(), "attempts", c.ConnectionAttempts())
		}
		p.mu.Unlock()
	}

	p.cfg.Metrics.SetPoolPeers(p.Len(), connected)
	return nil
}

// Run calls Maintain every Interval until ctx is cancelled or a cycle
// fails.
func (p *Pool) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Maintain(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("maintenance cycle failed", "error", err)
				return err
			}
		}
	}
}

// Close disconnects every registered relay. The registry is kept.
func (p *Pool) Close() {
	for _, c := range p.snapshot() {
		c.Disconnect()
	}
}
