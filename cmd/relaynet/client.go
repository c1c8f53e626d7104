package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/philsphicas/relaynet/internal/hook"
	"github.com/philsphicas/relaynet/internal/ident"
	"github.com/philsphicas/relaynet/internal/peer"
	"github.com/philsphicas/relaynet/internal/pool"
	"github.com/philsphicas/relaynet/internal/protocol"
	"github.com/philsphicas/relaynet/internal/relay"
	"golang.org/x/sync/errgroup"
)

type clientCmd struct {
	Relay               map[string]string `short:"r" required:"" help:"Relay as id=address (repeatable). Addresses may be host:port, tcp://, ws:// or wss://." env:"RELAYNET_RELAYS"`
	RequestInterval     time.Duration     `help:"Interval between request rounds (0 disables)." default:"20s"`
	Ping                bool              `help:"Ping each relay after its request."`
	DialTimeout         time.Duration     `help:"Retry budget per dial attempt (0 = single attempt)." default:"0s" env:"RELAYNET_DIAL_TIMEOUT"`
	RequestTimeout      time.Duration     `help:"Time to wait for a correlated response." default:"5s"`
	MaintenanceInterval time.Duration     `help:"Interval between pool maintenance cycles." default:"1s"`
	From                string            `help:"from_user of outgoing messages." default:"789"`
	To                  string            `help:"to_user of outgoing messages." default:"123"`
}

func (c *clientCmd) Run(ctx context.Context, g *globals) error {
	logger := newLogger(g.LogLevel)

	ids := make([]string, 0, len(c.Relay))
	for id, addr := range c.Relay {
		if _, err := relay.ParseRelayAddress(addr); err != nil {
			return fmt.Errorf("relay %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	m, err := resolveMetrics(ctx, g, logger)
	if err != nil {
		return err
	}

	var hooks hook.Chain
	hooks.Register("log", func(_ context.Context, id hook.Identity, msg protocol.ChatMessage) hook.Verdict {
		logger.Debug("hook observed chat message", "peer", id.PeerID, "msgId", msg.MsgID)
		return hook.Continue
	})

	p := pool.New(pool.Config{
		Interval: c.MaintenanceInterval,
		Peer: peer.Config{
			DialTimeout:    c.DialTimeout,
			RequestTimeout: c.RequestTimeout,
			Hooks:          &hooks,
		},
		Logger:  logger,
		Metrics: m,
	})
	defer p.Close()
	m.SetHealthCheck(p.Healthy)

	for _, id := range ids {
		if _, err := p.Add(ctx, id, c.Relay[id]); err != nil {
			return err
		}
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return p.Run(gctx) })
	eg.Go(func() error { return receiveLoop(gctx, p.Inbox(), logger) })
	if c.RequestInterval > 0 {
		eg.Go(func() error { return c.requestLoop(gctx, p, logger) })
	}
	return eg.Wait()
}

// receiveLoop logs uncorrelated packets and answers relay pings.
func receiveLoop(ctx context.Context, inbox *peer.Inbox, logger *slog.Logger) error {
	for {
		env, err := inbox.Recv(ctx)
		if err != nil {
			return nil
		}
		switch p := env.Packet.(type) {
		case protocol.ChatMessage:
			logger.Info("message received", "peer", env.Conn.ID(), "msgId", p.MsgID,
				"to", p.ToUser, "from", p.FromUser, "content", string(p.Content))
		case protocol.PingRequest:
			if err := env.Conn.Send(ctx, protocol.PongResponse{PingID: p.PingID}); err != nil {
				logger.Warn("pong failed", "peer", env.Conn.ID(), "error", err)
			}
		case protocol.PongResponse:
			logger.Debug("unsolicited pong", "peer", env.Conn.ID(), "pingId", p.PingID)
		}
	}
}

func (c *clientCmd) requestLoop(ctx context.Context, p *pool.Pool, logger *slog.Logger) error {
	ticker := time.NewTicker(c.RequestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.requestRound(ctx, p, logger)
		}
	}
}

func (c *clientCmd) requestRound(ctx context.Context, p *pool.Pool, logger *slog.Logger) {
	for _, id := range p.IDs() {
		reply, err := p.Request(ctx, id, protocol.ChatMessage{
			ToUser:   c.To,
			FromUser: c.From,
			Content:  []byte(ident.RandomString(16)),
		})
		switch {
		case errors.Is(err, peer.ErrNotOnline), errors.Is(err, peer.ErrNoSuchConnection):
			continue
		case err != nil:
			logger.Warn("request failed", "peer", id, "error", err)
			continue
		}
		logger.Info("reply received", "peer", id, "msgId", reply.MsgID,
			"to", reply.ToUser, "from", reply.FromUser, "content", string(reply.Content))

		if conn, ok := p.Get(id); ok && c.Ping {
			rtt, err := conn.Ping(ctx)
			if err != nil {
				logger.Warn("ping failed", "peer", id, "error", err)
				continue
			}
			logger.Info("pong received", "peer", id, "rtt", rtt)
		}
	}
}
