// Package peer implements the client side of a relay connection: a status
// state machine around one dialed relay, a full-duplex session loop, and
// request/response correlation over the packet stream.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/relaynet/internal/hook"
	"github.com/philsphicas/relaynet/internal/ident"
	"github.com/philsphicas/relaynet/internal/metrics"
	"github.com/philsphicas/relaynet/internal/protocol"
	"github.com/philsphicas/relaynet/internal/relay"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultTCPKeepAlive   = 30 * time.Second
	outboundCapacity      = 2

	requestKindChat = "chat"
	requestKindPing = "ping"
)

// Status is the lifecycle state of a Conn.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusSleeping
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config holds peer connection configuration.
type Config struct {
	ID             string        // defaults to a random UUID
	Addr           string        // relay address, see relay.ParseRelayAddress
	DialTimeout    time.Duration // retry budget per connection attempt; 0 = single attempt
	RequestTimeout time.Duration // defaults to 5s
	TCPKeepAlive   time.Duration // defaults to 30s; negative disables
	MaxBuffered    int           // undecoded byte cap; 0 = protocol.DefaultMaxBuffered
	Inbox          *Inbox        // shared inbox; nil creates a private one
	Hooks          *hook.Chain   // run for uncorrelated chat messages; may be nil
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
	Clock          clock.Clock      // defaults to the wall clock
}

// Conn is one peer's handle to a relay. The zero value is not usable; create
// connections with New.
type Conn struct {
	cfg    Config
	logger *slog.Logger
	codec  *protocol.Codec

	mu          sync.Mutex
	status      Status
	run         *run
	sess        *session // set only while StatusConnected
	attempts    uint32
	connectedAt time.Time

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan protocol.Packet
}

// run is one Connect call's lifetime, from dial to teardown.
type run struct {
	cancel context.CancelFunc
}

// session is the send side of an established stream.
type session struct {
	out chan protocol.Packet
	ctx context.Context
}

// New returns a disconnected Conn. Call Connect to dial it.
func New(cfg Config) *Conn {
	if cfg.ID == "" {
		cfg.ID = ident.NewPeerID()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}
	if cfg.Inbox == nil {
		cfg.Inbox = NewInbox()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Conn{
		cfg:     cfg,
		logger:  cfg.Logger.With("peer", cfg.ID, "addr", cfg.Addr),
		codec:   protocol.NewCodec(cfg.Metrics.PacketStats(metrics.RolePeer)),
		pending: make(map[uint64]chan protocol.Packet),
	}
}

// ID returns the peer identifier.
func (c *Conn) ID() string { return c.cfg.ID }

// Addr returns the relay address.
func (c *Conn) Addr() string { return c.cfg.Addr }

// Inbox returns the inbox uncorrelated packets are delivered to.
func (c *Conn) Inbox() *Inbox { return c.cfg.Inbox }

func (c *Conn) String() string {
	return fmt.Sprintf("peer %s (%s)", c.cfg.ID, c.cfg.Addr)
}

// Connect moves a disconnected or sleeping connection to connecting and
// starts dialing in the background. It is a no-op if the connection is
// already connecting or connected. ctx bounds the whole session, not just
// the dial.
func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel}
	c.status = StatusConnecting
	c.run = r
	c.mu.Unlock()

	c.logger.Debug("connecting")
	go c.runSession(runCtx, r)
	return nil
}

func (c *Conn) runSession(ctx context.Context, r *run) {
	defer r.cancel()

	err := c.dialAndServe(ctx, r)
	// A cancelled run was ended on purpose by Sleep, Disconnect or the
	// caller's context, so it does not count as a failed attempt.
	failed := err != nil && ctx.Err() == nil

	c.mu.Lock()
	if failed && c.attempts < ^uint32(0) {
		c.attempts++
	}
	attempts := c.attempts
	if c.run == r {
		c.run = nil
		c.sess = nil
		c.connectedAt = time.Time{}
		if c.status != StatusSleeping {
			c.status = StatusDisconnected
		}
	}
	c.mu.Unlock()

	switch {
	case failed:
		c.logger.Warn("connection failed", "attempts", attempts, "error", err)
	default:
		c.logger.Debug("connection ended", "error", err)
	}
}

func (c *Conn) dialAndServe(ctx context.Context, r *run) error {
	conn, err := c.cfg.Metrics.InstrumentedDial(ctx, c.cfg.Addr, metrics.RolePeer, c.cfg.DialTimeout, c.logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	relay.SetTCPKeepAlive(conn, c.cfg.TCPKeepAlive)

	g, gctx := errgroup.WithContext(ctx)
	sess := &session{out: make(chan protocol.Packet, outboundCapacity), ctx: gctx}

	c.mu.Lock()
	if c.run != r || c.status != StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnected
	c.sess = sess
	c.attempts = 0
	c.connectedAt = c.cfg.Clock.Now()
	c.mu.Unlock()

	c.logger.Info("connected")
	tracker := c.cfg.Metrics.SessionOpened(metrics.RolePeer, c.cfg.Addr)
	err = c.serve(gctx, g, conn, sess)
	tracker.Done(err)
	return err
}

// serve runs the reader and writer until either ends. The reader reports a
// clean remote close as io.EOF so the writer is cancelled too.
func (c *Conn) serve(ctx context.Context, g *errgroup.Group, conn net.Conn, sess *session) error {
	framed := protocol.NewFramed(conn, c.codec, c.cfg.MaxBuffered)

	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case p := <-sess.out:
				if err := framed.WritePacket(p); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			p, err := framed.ReadPacket()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c.route(ctx, p)
		}
	})

	err := g.Wait()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// route completes the pending request matching p's correlation id, or
// hands p to the inbox and, for chat messages, to the hook chain.
func (c *Conn) route(ctx context.Context, p protocol.Packet) {
	id := p.CorrelationID()

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- p
		return
	}

	c.logger.Debug("uncorrelated packet", "packet", p)
	c.cfg.Inbox.Push(Envelope{Conn: c, Packet: p})

	if msg, isChat := p.(protocol.ChatMessage); isChat && c.cfg.Hooks.Len() > 0 {
		go c.cfg.Hooks.Run(ctx, hook.Identity{PeerID: c.cfg.ID, Addr: c.cfg.Addr}, msg, c.logger)
	}
}

// Send queues p on the current session without waiting for a reply.
func (c *Conn) Send(ctx context.Context, p protocol.Packet) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil || sess.ctx.Err() != nil {
		return ErrWrongStatus
	}
	select {
	case sess.out <- p:
		return nil
	case <-sess.ctx.Done():
		return ErrWrongStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends msg with the next sequence number as its msg_id and waits
// for the chat message carrying the same id.
func (c *Conn) Request(ctx context.Context, msg protocol.ChatMessage) (protocol.ChatMessage, error) {
	resp, err := c.roundTrip(ctx, requestKindChat, func(id uint64) protocol.Packet {
		return msg.WithMsgID(id)
	})
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	reply, ok := resp.(protocol.ChatMessage)
	if !ok {
		return protocol.ChatMessage{}, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Kind())
	}
	return reply, nil
}

// Ping sends a PingRequest and waits for the matching PongResponse. It
// returns the round-trip time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := c.cfg.Clock.Now()
	resp, err := c.roundTrip(ctx, requestKindPing, func(id uint64) protocol.Packet {
		return protocol.PingRequest{PingID: id}
	})
	if err != nil {
		return 0, err
	}
	if _, ok := resp.(protocol.PongResponse); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Kind())
	}
	return c.cfg.Clock.Since(start), nil
}

// roundTrip registers a pending entry for the next sequence number, sends
// the packet built for it and waits for the match. The entry is removed on
// every path that does not complete it.
func (c *Conn) roundTrip(ctx context.Context, kind string, build func(id uint64) protocol.Packet) (protocol.Packet, error) {
	if !c.IsConnected() {
		return nil, ErrWrongStatus
	}

	start := c.cfg.Clock.Now()
	id := c.seq.Add(1)
	timer := c.cfg.Clock.Timer(c.cfg.RequestTimeout)
	defer timer.Stop()

	ch := make(chan protocol.Packet, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.Send(ctx, build(id)); err != nil {
		c.dropPending(id)
		c.cfg.Metrics.ObserveRequest(kind, metrics.StatusError, 0)
		return nil, err
	}

	select {
	case p := <-ch:
		c.cfg.Metrics.ObserveRequest(kind, metrics.StatusOK, c.cfg.Clock.Since(start).Seconds())
		return p, nil
	case <-timer.C:
		c.dropPending(id)
		c.cfg.Metrics.ObserveRequest(kind, metrics.StatusTimeout, 0)
		return nil, fmt.Errorf("%w: id %d after %s", ErrTimeout, id, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		c.cfg.Metrics.ObserveRequest(kind, metrics.StatusError, 0)
		return nil, ctx.Err()
	}
}

func (c *Conn) dropPending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// PendingRequests reports the number of requests awaiting a response.
func (c *Conn) PendingRequests() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Sleep parks the connection. A sleeping connection is never redialed by
// the pool; the running session, if any, is torn down.
func (c *Conn) Sleep() {
	c.stop(StatusSleeping)
}

// Disconnect tears down the running session, if any, and marks the
// connection disconnected.
func (c *Conn) Disconnect() {
	c.stop(StatusDisconnected)
}

func (c *Conn) stop(to Status) {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.sess = nil
	c.connectedAt = time.Time{}
	c.status = to
	c.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	c.logger.Debug("connection stopped", "status", to)
}

// Status returns the current status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether a session is established.
func (c *Conn) IsConnected() bool { return c.Status() == StatusConnected }

// IsDisconnected reports whether the connection is idle and eligible for
// redialing.
func (c *Conn) IsDisconnected() bool { return c.Status() == StatusDisconnected }

// IsSleeping reports whether the connection was parked by Sleep.
func (c *Conn) IsSleeping() bool { return c.Status() == StatusSleeping }

// ConnectionAttempts returns the number of consecutive failed attempts
// since the last successful connect.
func (c *Conn) ConnectionAttempts() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ConnectedTime returns when the current session was established. ok is
// false unless the connection is connected.
func (c *Conn) ConnectedTime() (t time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return time.Time{}, false
	}
	return c.connectedAt, true
}
