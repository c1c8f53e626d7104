package main

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/philsphicas/relaynet/internal/protocol"
	"github.com/philsphicas/relaynet/internal/server"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},  // case-insensitive
		{"WARN", slog.LevelWarn},    // case-insensitive
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // empty defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input)
			if logger == nil {
				t.Fatal("newLogger returned nil")
			}
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug && logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
			}
		})
	}
}

func parse(t *testing.T, args ...string) (*cli, *kong.Context) {
	t.Helper()
	var c cli
	parser, err := newParser(context.Background(), &c, kong.Exit(func(code int) {
		t.Fatalf("parser exited with code %d", code)
	}))
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return &c, kctx
}

func TestParseServerDefaults(t *testing.T) {
	c, kctx := parse(t, "server")
	if got := kctx.Command(); got != "server" {
		t.Fatalf("command = %q, want server", got)
	}

	if c.Globals.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", c.Globals.LogLevel)
	}
	if c.Globals.MetricsMaxTargets != 500 {
		t.Errorf("MetricsMaxTargets = %d, want 500", c.Globals.MetricsMaxTargets)
	}
	if c.Server.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", c.Server.Listen)
	}
	if c.Server.MaxConnections != 100 {
		t.Errorf("MaxConnections = %d, want 100", c.Server.MaxConnections)
	}
	if c.Server.BroadcastInterval != 5*time.Second {
		t.Errorf("BroadcastInterval = %v, want 5s", c.Server.BroadcastInterval)
	}
	if c.Server.ReplyPings {
		t.Error("ReplyPings should default to false")
	}

	cfg := c.Server.config(&c.Globals)
	if cfg.ListenAddr != ":8080" || cfg.WebSocketAddr != "" {
		t.Errorf("config addrs = %q, %q", cfg.ListenAddr, cfg.WebSocketAddr)
	}
	if cfg.Logger == nil {
		t.Error("config Logger is nil")
	}
}

func TestParseServerEnv(t *testing.T) {
	t.Setenv("RELAYNET_LISTEN", "127.0.0.1:9999")
	t.Setenv("RELAYNET_MAX_CONNECTIONS", "3")
	t.Setenv("RELAYNET_REPLY_PINGS", "true")
	t.Setenv("RELAYNET_LOG_LEVEL", "debug")

	c, _ := parse(t, "server", "--broadcast-interval=-1s")
	if c.Server.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q, want 127.0.0.1:9999", c.Server.Listen)
	}
	if c.Server.MaxConnections != 3 {
		t.Errorf("MaxConnections = %d, want 3", c.Server.MaxConnections)
	}
	if !c.Server.ReplyPings {
		t.Error("ReplyPings = false, want true")
	}
	if c.Server.BroadcastInterval != -time.Second {
		t.Errorf("BroadcastInterval = %v, want -1s", c.Server.BroadcastInterval)
	}
	if c.Globals.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", c.Globals.LogLevel)
	}
}

func TestParseClientRelays(t *testing.T) {
	c, kctx := parse(t, "client", "--relay", "a=127.0.0.1:8080", "-r", "b=ws://relay.example.com/relay")
	if got := kctx.Command(); got != "client" {
		t.Fatalf("command = %q, want client", got)
	}
	want := map[string]string{
		"a": "127.0.0.1:8080",
		"b": "ws://relay.example.com/relay",
	}
	if !maps.Equal(c.Client.Relay, want) {
		t.Errorf("Relay = %v, want %v", c.Client.Relay, want)
	}
	if c.Client.RequestInterval != 20*time.Second {
		t.Errorf("RequestInterval = %v, want 20s", c.Client.RequestInterval)
	}
	if c.Client.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", c.Client.RequestTimeout)
	}
	if c.Client.MaintenanceInterval != time.Second {
		t.Errorf("MaintenanceInterval = %v, want 1s", c.Client.MaintenanceInterval)
	}
}

func TestClientRejectsBadRelayAddress(t *testing.T) {
	cmd := &clientCmd{Relay: map[string]string{"bad": "http://example.com:80"}}
	err := cmd.Run(context.Background(), &globals{LogLevel: "error"})
	if err == nil {
		t.Fatal("expected error for unsupported relay scheme")
	}
	if !strings.Contains(err.Error(), "relay bad") {
		t.Errorf("error %q does not name the relay", err)
	}
}

func TestResolveMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("disabled", func(t *testing.T) {
		m, err := resolveMetrics(ctx, &globals{}, logger)
		if err != nil {
			t.Fatalf("resolveMetrics: %v", err)
		}
		if m != nil {
			t.Fatal("expected nil metrics when disabled")
		}
	})

	t.Run("negative max targets", func(t *testing.T) {
		if _, err := resolveMetrics(ctx, &globals{MetricsAddr: "127.0.0.1:0", MetricsMaxTargets: -1}, logger); err == nil {
			t.Fatal("expected error for negative max targets")
		}
	})

	t.Run("bad address", func(t *testing.T) {
		if _, err := resolveMetrics(ctx, &globals{MetricsAddr: "not-an-address"}, logger); err == nil {
			t.Fatal("expected error for bad address")
		}
	})

	t.Run("enabled", func(t *testing.T) {
		// Reserve a free port, then hand it to resolveMetrics.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := ln.Addr().String()
		ln.Close()

		m, err := resolveMetrics(ctx, &globals{MetricsAddr: addr, MetricsMaxTargets: 7}, logger)
		if err != nil {
			t.Fatalf("resolveMetrics: %v", err)
		}
		if m == nil || m.MaxTargets != 7 {
			t.Fatalf("metrics = %+v, want MaxTargets 7", m)
		}

		deadline := time.Now().Add(5 * time.Second)
		for {
			resp, err := http.Get("http://" + addr + "/healthz")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					break
				}
			}
			if time.Now().After(deadline) {
				t.Fatalf("healthz not ready: %v", err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
}

func TestClientAgainstServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Config{
		BroadcastInterval: -1,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	go func() { _ = srv.Serve(ctx, ln) }()

	cmd := &clientCmd{
		Relay:               map[string]string{"local": ln.Addr().String()},
		RequestInterval:     50 * time.Millisecond,
		RequestTimeout:      time.Second,
		MaintenanceInterval: 50 * time.Millisecond,
		From:                "789",
		To:                  "123",
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Run(ctx, &globals{LogLevel: "error"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Clients()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with the server")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := srv.Broadcast(ctx, protocol.ChatMessage{MsgID: 1, ToUser: "x", FromUser: "y"}); n != 1 {
		t.Fatalf("Broadcast reached %d sessions, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("client Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}
