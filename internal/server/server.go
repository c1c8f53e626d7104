// Package server implements the relay server: it accepts TCP (and
// optionally WebSocket) connections up to a concurrency limit, runs a
// reader/writer session per connection, answers packets through the packet
// handler, and periodically broadcasts a chat message to every session.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/philsphicas/relaynet/internal/metrics"
	"github.com/philsphicas/relaynet/internal/protocol"
	"github.com/philsphicas/relaynet/internal/relay"
	"golang.org/x/sync/errgroup"
)

const (
	defaultListenAddr        = ":8080"
	defaultMaxConnections    = 100
	defaultBroadcastInterval = 5 * time.Second
	defaultTCPKeepAlive      = 30 * time.Second
	sessionChannelSize       = 2

	transportTCP       = "tcp"
	transportWebSocket = "websocket"
)

// Config holds relay server configuration.
type Config struct {
	ListenAddr    string // TCP listen address; defaults to ":8080"
	WebSocketAddr string // optional WebSocket listen address; empty disables
	// MaxConnections caps concurrent sessions; connections beyond it are
	// closed on accept. Defaults to 100; negative means unlimited.
	MaxConnections int
	// BroadcastInterval between broadcast rounds. Zero selects 5s; negative
	// disables broadcasting.
	BroadcastInterval time.Duration
	// ReplyPings answers each valid PingRequest with a PongResponse.
	ReplyPings   bool
	TCPKeepAlive time.Duration // defaults to 30s; negative disables
	MaxBuffered  int           // undecoded byte cap; 0 = protocol.DefaultMaxBuffered
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics
	Clock        clock.Clock      // defaults to the wall clock
}

// Server is a relay server. Create it with New.
type Server struct {
	cfg    Config
	logger *slog.Logger
	codec  *protocol.Codec
	sem    *relay.ConnSemaphore

	mu      sync.RWMutex
	clients map[string]*sender
}

// New returns a server with cfg's zero fields defaulted.
func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	switch {
	case cfg.MaxConnections == 0:
		cfg.MaxConnections = defaultMaxConnections
	case cfg.MaxConnections < 0:
		cfg.MaxConnections = 0
	}
	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = defaultBroadcastInterval
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		codec:   protocol.NewCodec(cfg.Metrics.PacketStats(metrics.RoleServer)),
		sem:     relay.NewConnSemaphore(cfg.MaxConnections),
		clients: make(map[string]*sender),
	}
}

// ListenAndServe binds the configured listeners and serves until ctx is
// cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.WebSocketAddr != "" {
		wsLn, err := lc.Listen(ctx, "tcp", s.cfg.WebSocketAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.WebSocketAddr, err)
		}
		g.Go(func() error { return s.ServeWebSocket(gctx, wsLn) })
	}
	g.Go(func() error { return s.Serve(gctx, ln) })
	return g.Wait()
}

// Serve accepts TCP connections on ln and runs the broadcast loop. It
// blocks until ctx is cancelled or Accept fails, and returns once every
// session it started has ended.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("relay server listening", "addr", ln.Addr(), "maxConnections", s.cfg.MaxConnections)

	var sessions sync.WaitGroup
	defer sessions.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error { return s.acceptLoop(gctx, ln, &sessions) })
	g.Go(func() error { return s.broadcastLoop(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, sessions *sync.WaitGroup) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.sem.TryAcquire(ctx) {
			s.logger.Debug("connection limit reached, dropping connection", "remote", conn.RemoteAddr())
			s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonAdmissionRejected)
			_ = conn.Close()
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			defer s.sem.Release()
			relay.SetTCPKeepAlive(conn, s.cfg.TCPKeepAlive)
			s.runSession(ctx, conn, conn.RemoteAddr().String(), transportTCP)
		}()
	}
}

// ServeWebSocket serves relay sessions over WebSocket on ln. Sessions share
// the TCP admission limit; an upgrade over the limit is refused with 503.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener) error {
	var sessions sync.WaitGroup
	defer sessions.Wait()

	srv := &http.Server{
		Handler:           s.webSocketHandler(ctx, &sessions),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	s.logger.Info("relay websocket listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}

// WebSocketHandler returns an http.Handler that runs a relay session on each
// upgraded request. Sessions end when ctx is cancelled.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return s.webSocketHandler(ctx, &sync.WaitGroup{})
}

func (s *Server) webSocketHandler(ctx context.Context, sessions *sync.WaitGroup) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(ctx) {
			s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonAdmissionRejected)
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release()

		conn, err := relay.AcceptWebSocket(r.Context(), w, r)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		sessions.Add(1)
		defer sessions.Done()
		s.runSession(ctx, conn, r.RemoteAddr, transportWebSocket)
	})
}

func (s *Server) runSession(ctx context.Context, conn net.Conn, remote, transport string) {
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	logger := s.logger.With("remote", remote, "transport", transport)
	logger.Debug("session started")
	tracker := s.cfg.Metrics.SessionOpened(metrics.RoleServer, transport)

	err := s.serveConn(ctx, conn, remote)
	tracker.Done(err)

	switch {
	case err == nil:
		logger.Debug("session ended")
	case errors.Is(err, ErrInvalidPingID):
		s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonHandlerError)
		logger.Warn("session ended", "error", err)
	default:
		s.cfg.Metrics.ConnectionError(metrics.RoleServer, metrics.ReasonStreamError)
		logger.Warn("session ended", "error", err)
	}
}

// serveConn runs the session's reader and writer, bridged by a bounded
// channel, until either half stops.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, remote string) error {
	g, gctx := errgroup.WithContext(ctx)
	snd := &sender{ch: make(chan protocol.Packet, sessionChannelSize), done: gctx.Done()}

	if s.register(remote, snd) {
		defer s.unregister(remote, snd)
	}

	framed := protocol.NewFramed(conn, s.codec, s.cfg.MaxBuffered)

	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case p := <-snd.ch:
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
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := s.handle(gctx, p, snd); err != nil {
				return fmt.Errorf("handle %s: %w", p.Kind(), err)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// register adds snd under remote unless the address is already taken.
func (s *Server) register(remote string, snd *sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[remote]; ok {
		return false
	}
	s.clients[remote] = snd
	return true
}

// unregister removes remote only while it still maps to snd.
func (s *Server) unregister(remote string, snd *sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[remote] == snd {
		delete(s.clients, remote)
	}
}

// Clients returns the remote addresses of registered sessions, sorted.
func (s *Server) Clients() []string {
	s.mu.RLock()
	addrs := make([]string, 0, len(s.clients))
	for addr := range s.clients {
		addrs = append(addrs, addr)
	}
	s.mu.RUnlock()
	slices.Sort(addrs)
	return addrs
}

// ActiveSessions returns the number of admitted sessions, TCP and WebSocket.
func (s *Server) ActiveSessions() int {
	return s.sem.InUse()
}
