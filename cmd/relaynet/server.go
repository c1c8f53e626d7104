package main

import (
	"context"
	"time"

	"github.com/philsphicas/relaynet/internal/server"
)

type serverCmd struct {
	Listen            string        `help:"TCP listen address." default:":8080" env:"RELAYNET_LISTEN"`
	WebSocket         string        `name:"websocket" help:"WebSocket listen address; disabled if empty." env:"RELAYNET_WEBSOCKET_ADDR"`
	MaxConnections    int           `help:"Max concurrent sessions (negative = unlimited)." default:"100" env:"RELAYNET_MAX_CONNECTIONS"`
	BroadcastInterval time.Duration `help:"Interval between broadcast rounds (negative disables)." default:"5s" env:"RELAYNET_BROADCAST_INTERVAL"`
	ReplyPings        bool          `help:"Answer ping requests with pong responses." env:"RELAYNET_REPLY_PINGS"`
	TCPKeepAlive      time.Duration `name:"tcp-keepalive" help:"TCP keepalive interval." default:"30s"`
}

func (c *serverCmd) config(g *globals) server.Config {
	return server.Config{
		ListenAddr:        c.Listen,
		WebSocketAddr:     c.WebSocket,
		MaxConnections:    c.MaxConnections,
		BroadcastInterval: c.BroadcastInterval,
		ReplyPings:        c.ReplyPings,
		TCPKeepAlive:      c.TCPKeepAlive,
		Logger:            newLogger(g.LogLevel),
	}
}

func (c *serverCmd) Run(ctx context.Context, g *globals) error {
	cfg := c.config(g)
	m, err := resolveMetrics(ctx, g, cfg.Logger)
	if err != nil {
		return err
	}
	cfg.Metrics = m
	return server.New(cfg).ListenAndServe(ctx)
}
